package agent

import (
	"context"
	"fmt"
	"strconv"

	"github.com/voidmesh/hivemind/internal/memory"
)

// Ledger tracks per-agent reliability scores in agent-scope memory.
// A reliability score in (0,1] reflects how well an agent's past
// critiques predicted debate outcomes; it weights the agent's votes in
// later debates. The ledger itself is stateless: every read walks the
// agent's memory, every update appends a new entry.
type Ledger struct {
	mem *memory.Manager
}

// NewLedger creates a reliability ledger over the given memory manager.
func NewLedger(mem *memory.Manager) *Ledger {
	return &Ledger{mem: mem}
}

// emaWeight controls how fast reliability tracks recent outcomes.
const emaWeight = 0.2

// Score returns the agent's current reliability, or ok=false when the
// agent has no recorded history.
func (l *Ledger) Score(ctx context.Context, agentID string) (float64, bool) {
	entries, err := l.mem.Read(ctx, memory.ScopeAgent, agentID, memory.Filter{
		Tags: map[string]string{memory.TagType: memory.TypeReliability},
	})
	if err != nil || len(entries) == 0 {
		return 0, false
	}
	latest := entries[len(entries)-1]
	score, perr := strconv.ParseFloat(latest.Content, 64)
	if perr != nil || score <= 0 || score > 1 {
		return 0, false
	}
	return score, true
}

// Record folds one observed outcome into the agent's reliability via an
// exponential moving average and appends the new value. The outcome is
// the agent's alignment with the round result in [0,1], e.g. 1 when the
// agent's top-scored proposal won.
func (l *Ledger) Record(ctx context.Context, agentID string, outcome float64) error {
	if outcome < 0 {
		outcome = 0
	} else if outcome > 1 {
		outcome = 1
	}

	prev, ok := l.Score(ctx, agentID)
	if !ok {
		prev = 0.5
	}
	next := (1-emaWeight)*prev + emaWeight*outcome
	if next <= 0 {
		next = 0.01
	}

	_, err := l.mem.Write(ctx, memory.ScopeAgent, agentID,
		strconv.FormatFloat(next, 'f', 4, 64),
		map[string]string{memory.TagType: memory.TypeReliability})
	if err != nil {
		return fmt.Errorf("record reliability for %s: %w", agentID, err)
	}
	return nil
}
