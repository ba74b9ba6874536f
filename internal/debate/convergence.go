package debate

import "sort"

// Decision is the verdict on one scored round.
type Decision struct {
	Winner    string
	TopScore  float64
	Converged bool
}

// Decide picks the round winner and determines convergence. The round
// converges when the top score exceeds the threshold and leads the
// runner-up by at least the margin. Exact ties are broken by higher
// critic reliability, then by earlier proposal submission. The function
// is pure: replaying the same inputs always yields the same decision.
func Decide(round *Round, reliability map[string]float64, threshold, margin float64) Decision {
	type ranked struct {
		agentID string
		score   float64
	}
	rankings := make([]ranked, 0, len(round.Scores))
	for id, s := range round.Scores {
		rankings = append(rankings, ranked{agentID: id, score: s})
	}
	if len(rankings) == 0 {
		return Decision{}
	}

	submitted := make(map[string]int, len(round.Proposals))
	for i := range round.Proposals {
		submitted[round.Proposals[i].AgentID] = i
	}
	sort.Slice(rankings, func(i, j int) bool {
		a, b := rankings[i], rankings[j]
		if a.score != b.score {
			return a.score > b.score
		}
		ra, rb := reliability[a.agentID], reliability[b.agentID]
		if ra != rb {
			return ra > rb
		}
		ta, tb := round.Proposals[submitted[a.agentID]].SubmittedAt, round.Proposals[submitted[b.agentID]].SubmittedAt
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.agentID < b.agentID
	})

	top := rankings[0]
	d := Decision{Winner: top.agentID, TopScore: top.score}
	if top.score <= threshold {
		return d
	}
	if len(rankings) > 1 && top.score-rankings[1].score < margin {
		return d
	}
	d.Converged = true
	return d
}
