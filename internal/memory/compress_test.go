package memory

import (
	"strings"
	"testing"
	"time"
)

func entryAt(id string, content string, age time.Duration) Entry {
	return Entry{
		ID:        id,
		Scope:     ScopeTask,
		Namespace: "t1",
		Content:   content,
		CreatedAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).Add(-age),
	}
}

func TestCompressNeverExceedsBudget(t *testing.T) {
	entries := []Entry{
		entryAt("a", strings.Repeat("x", 400), 3*time.Hour), // 100 tokens
		entryAt("b", strings.Repeat("x", 400), 2*time.Hour),
		entryAt("c", strings.Repeat("x", 400), time.Hour),
	}

	for _, limit := range []int{0, 50, 100, 150, 250, 300, 1000} {
		kept := CompressForBudget(entries, limit)
		if got := TotalTokens(kept); got > limit {
			t.Errorf("limit %d: kept %d tokens", limit, got)
		}
	}
}

func TestCompressKeepsNewestFirst(t *testing.T) {
	entries := []Entry{
		entryAt("old", strings.Repeat("x", 400), 3*time.Hour),
		entryAt("mid", strings.Repeat("x", 400), 2*time.Hour),
		entryAt("new", strings.Repeat("x", 400), time.Hour),
	}

	kept := CompressForBudget(entries, 200)
	if len(kept) != 2 {
		t.Fatalf("kept %d entries, want 2", len(kept))
	}
	// Chronological output order, oldest surviving entry first.
	if kept[0].ID != "mid" || kept[1].ID != "new" {
		t.Errorf("kept %s,%s; want mid,new", kept[0].ID, kept[1].ID)
	}
}

func TestCompressPrefersRelevance(t *testing.T) {
	relevant := entryAt("hit", strings.Repeat("x", 400), 5*time.Hour)
	relevant.Relevance = 0.9
	entries := []Entry{
		relevant,
		entryAt("recent", strings.Repeat("x", 400), time.Minute),
	}

	kept := CompressForBudget(entries, 100)
	if len(kept) != 1 || kept[0].ID != "hit" {
		t.Fatalf("kept %+v, want the high-relevance entry", kept)
	}
}

func TestCompressMonotonicInLimit(t *testing.T) {
	entries := []Entry{
		entryAt("a", strings.Repeat("x", 800), 4*time.Hour),
		entryAt("b", strings.Repeat("x", 200), 3*time.Hour),
		entryAt("c", strings.Repeat("x", 600), 2*time.Hour),
		entryAt("d", strings.Repeat("x", 100), time.Hour),
	}

	prev := -1
	for limit := 0; limit <= 500; limit += 10 {
		kept := CompressForBudget(entries, limit)
		if len(kept) < prev {
			t.Fatalf("limit %d kept %d entries, smaller limit kept %d", limit, len(kept), prev)
		}
		prev = len(kept)
	}
}

func TestCompressDeterministic(t *testing.T) {
	entries := []Entry{
		entryAt("a", strings.Repeat("x", 100), time.Hour),
		entryAt("b", strings.Repeat("x", 100), time.Hour), // same age, ID tiebreak
		entryAt("c", strings.Repeat("x", 100), 2*time.Hour),
	}

	first := CompressForBudget(entries, 50)
	for i := 0; i < 10; i++ {
		again := CompressForBudget(entries, 50)
		if len(again) != len(first) {
			t.Fatalf("run %d: kept %d, first run kept %d", i, len(again), len(first))
		}
		for j := range again {
			if again[j].ID != first[j].ID {
				t.Fatalf("run %d: entry %d is %s, first run had %s", i, j, again[j].ID, first[j].ID)
			}
		}
	}
}

func TestContextLimit(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"claude-sonnet-4", 200_000},
		{"gpt-4o-mini", 128_000},
		{"gemini-2.0-flash", 1_000_000},
		{"llama3.2", 8_192},
		{"some-unknown-model", DefaultContextTokens},
	}
	for _, tt := range tests {
		if got := ContextLimit(tt.model); got != tt.want {
			t.Errorf("ContextLimit(%q) = %d, want %d", tt.model, got, tt.want)
		}
	}
}
