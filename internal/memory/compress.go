package memory

import (
	"sort"
)

// EstimateTokens estimates tokens for a string.
// Rough heuristic: ~4 chars per token.
func EstimateTokens(s string) int {
	n := len(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// EntryTokens estimates the token cost of a single entry.
func EntryTokens(e *Entry) int {
	return EstimateTokens(e.Content)
}

// TotalTokens estimates the token cost of a sequence of entries.
func TotalTokens(entries []Entry) int {
	total := 0
	for i := range entries {
		total += EntryTokens(&entries[i])
	}
	return total
}

// CompressForBudget deterministically trims entries to fit a token budget.
// Priority order: higher relevance first, then newer entries first, with ID
// as the final tiebreak. Selection stops at the first entry that would
// overflow the budget, which keeps the kept set a prefix of the priority
// order: a larger budget always keeps at least everything a smaller budget
// kept. The result is returned in creation-time ascending order.
func CompressForBudget(entries []Entry, tokenLimit int) []Entry {
	if tokenLimit <= 0 || len(entries) == 0 {
		return nil
	}

	ranked := make([]Entry, len(entries))
	copy(ranked, entries)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Relevance != ranked[j].Relevance {
			return ranked[i].Relevance > ranked[j].Relevance
		}
		if !ranked[i].CreatedAt.Equal(ranked[j].CreatedAt) {
			return ranked[i].CreatedAt.After(ranked[j].CreatedAt)
		}
		return ranked[i].ID < ranked[j].ID
	})

	var kept []Entry
	used := 0
	for _, e := range ranked {
		cost := EntryTokens(&e)
		if used+cost > tokenLimit {
			break
		}
		kept = append(kept, e)
		used += cost
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if !kept[i].CreatedAt.Equal(kept[j].CreatedAt) {
			return kept[i].CreatedAt.Before(kept[j].CreatedAt)
		}
		return kept[i].ID < kept[j].ID
	})
	return kept
}
