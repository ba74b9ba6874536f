package debate

import (
	"time"

	"github.com/voidmesh/hivemind/internal/agent"
)

// Phase is a stage of the debate state machine.
type Phase string

const (
	PhaseInit      Phase = "init"
	PhasePropose   Phase = "propose"
	PhaseCritique  Phase = "critique"
	PhaseVote      Phase = "vote"
	PhaseScore     Phase = "score"
	PhaseConverged Phase = "converged"
	PhaseEscalate  Phase = "escalate"
	PhaseDone      Phase = "done"
)

// Participant is one agent taking part in a debate.
type Participant struct {
	AgentID  string
	Role     agent.Role
	Provider string
}

// Proposal is one agent's submitted position in a round.
type Proposal struct {
	AgentID     string    `json:"agent_id"`
	Content     string    `json:"content"`
	Confidence  float64   `json:"confidence"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Critique is one agent's structured review of another's proposal.
// Keyed by (CriticID, SubjectID); self-critique never occurs.
type Critique struct {
	CriticID   string   `json:"critic_id"`
	SubjectID  string   `json:"subject_id"`
	Strengths  []string `json:"strengths,omitempty"`
	Weaknesses []string `json:"weaknesses,omitempty"`
	Score      float64  `json:"score"`
	Summary    string   `json:"summary"`
}

// Round is one sealed propose-critique-vote-score cycle. Rounds are
// append-only; a sealed round is never revisited.
type Round struct {
	Index     int                `json:"index"`
	Proposals []Proposal         `json:"proposals"`
	Critiques []Critique         `json:"critiques"`
	// Votes maps voter to the proposal author it backed.
	Votes    map[string]string  `json:"votes,omitempty"`
	Scores   map[string]float64 `json:"scores"`
	Absent   []string           `json:"absent,omitempty"`
	Summary  string             `json:"summary"`
	SealedAt time.Time          `json:"sealed_at"`
}

// Outcome is the terminal result of a debate.
type Outcome struct {
	TaskID     string  `json:"task_id"`
	Winner     string  `json:"winner"`
	Result     string  `json:"result"`
	TopScore   float64 `json:"top_score"`
	Converged  bool    `json:"converged"`
	Phase      Phase   `json:"phase"`
	RoundsUsed int     `json:"rounds_used"`
	Rounds     []Round `json:"rounds"`
}
