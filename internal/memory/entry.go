package memory

import (
	"time"
)

// Scope is the visibility tier of a memory entry.
type Scope string

const (
	// ScopeGlobal entries persist across tasks and are visible to everyone.
	ScopeGlobal Scope = "global"
	// ScopeTask entries belong to one task and are released with it.
	ScopeTask Scope = "task"
	// ScopeAgent entries are private to one agent instance.
	ScopeAgent Scope = "agent"
)

// Metadata tag keys used across the system.
const (
	TagType       = "type"
	TagCategory   = "category"
	TagConfidence = "confidence"
	TagAgent      = "agent"
	TagRound      = "round"
)

// Values for the "type" metadata tag.
const (
	TypeThinking    = "thinking"
	TypeWork        = "work"
	TypeOutput      = "output"
	TypeStatus      = "status"
	TypeProposal    = "proposal"
	TypeCritique    = "critique"
	TypeScore       = "score"
	TypeVote        = "vote"
	TypeSummary     = "summary"
	TypeReliability = "reliability"
)

// Entry is one append-only memory record.
type Entry struct {
	ID        string            `json:"id"`
	Scope     Scope             `json:"scope"`
	Namespace string            `json:"namespace"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"-"`
	// Relevance is set on entries returned from similarity search.
	Relevance float32   `json:"relevance,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows a Read to entries matching every tag, optionally capped.
type Filter struct {
	Tags  map[string]string
	Limit int
}

// Matches reports whether the entry satisfies the filter's tags.
func (f Filter) Matches(e *Entry) bool {
	for k, want := range f.Tags {
		if e.Metadata[k] != want {
			return false
		}
	}
	return true
}
