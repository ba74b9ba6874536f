package debate

// AggregateScores computes each proposal's score as a weighted mean of
// the critiques it received. Weights come from critic reliability when
// reliability is known for every critic in the round; with incomplete
// reliability data all critics weigh 1.0, so one well-tracked critic
// cannot dominate newcomers.
func AggregateScores(critiques []Critique, reliability map[string]float64) map[string]float64 {
	weights := criticWeights(critiques, reliability)

	sums := make(map[string]float64)
	totals := make(map[string]float64)
	for i := range critiques {
		c := &critiques[i]
		w := weights[c.CriticID]
		sums[c.SubjectID] += w * c.Score
		totals[c.SubjectID] += w
	}

	scores := make(map[string]float64, len(sums))
	for subject, sum := range sums {
		if totals[subject] > 0 {
			scores[subject] = sum / totals[subject]
		}
	}
	return scores
}

// VoteInfluence caps how far ballots can move a critique-derived
// score. The shift is centered on the uniform share, so an even split
// leaves every score untouched.
const VoteInfluence = 2.0

// FoldVotes folds the round's ballots into the critique-derived scores.
// Each proposal shifts by VoteInfluence times the distance between its
// ballot share and the uniform share 1/n, clamped to [0,10]. Ballots
// for unknown proposals are ignored; with no countable ballots the
// scores pass through unchanged.
func FoldVotes(scores map[string]float64, votes map[string]string) map[string]float64 {
	out := make(map[string]float64, len(scores))
	for id, s := range scores {
		out[id] = s
	}
	if len(out) == 0 {
		return out
	}

	counts := make(map[string]int)
	total := 0
	for _, choice := range votes {
		if _, ok := out[choice]; !ok {
			continue
		}
		counts[choice]++
		total++
	}
	if total == 0 {
		return out
	}

	uniform := 1.0 / float64(len(out))
	for id := range out {
		share := float64(counts[id]) / float64(total)
		shifted := out[id] + VoteInfluence*(share-uniform)
		if shifted < 0 {
			shifted = 0
		} else if shifted > 10 {
			shifted = 10
		}
		out[id] = shifted
	}
	return out
}

func criticWeights(critiques []Critique, reliability map[string]float64) map[string]float64 {
	weights := make(map[string]float64)
	complete := true
	for i := range critiques {
		id := critiques[i].CriticID
		r, ok := reliability[id]
		if !ok || r <= 0 {
			complete = false
		}
		weights[id] = r
	}
	if !complete {
		for id := range weights {
			weights[id] = 1.0
		}
	}
	return weights
}
