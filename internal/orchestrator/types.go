package orchestrator

import (
	"fmt"
	"time"

	"github.com/voidmesh/hivemind/internal/agent"
)

// TaskStatus tracks a task's lifecycle.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskDecomposing TaskStatus = "decomposing"
	TaskInProgress  TaskStatus = "in_progress"
	TaskDebating    TaskStatus = "debating"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// validTransitions defines allowed task state transitions.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:     {TaskDecomposing, TaskCancelled},
	TaskDecomposing: {TaskInProgress, TaskFailed, TaskCancelled},
	TaskInProgress:  {TaskDebating, TaskCompleted, TaskFailed, TaskCancelled},
	TaskDebating:    {TaskCompleted, TaskFailed, TaskCancelled},
}

// Transition validates and returns nil if from→to is a legal transition.
func Transition(from, to TaskStatus) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q -> %q", from, to)
}

// Terminal reports whether the status has no outgoing transitions.
func (s TaskStatus) Terminal() bool {
	_, ok := validTransitions[s]
	return !ok
}

// SubtaskStatus tracks one subtask's state.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskCompleted  SubtaskStatus = "completed"
	SubtaskFailed     SubtaskStatus = "failed"
)

// Strategy is how a plan's subtasks execute.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
)

// TaskConfig carries per-task submission options.
type TaskConfig struct {
	Provider    string   `json:"provider,omitempty"`
	AutoExecute bool     `json:"auto_execute"`
	Knowledge   []string `json:"knowledge,omitempty"`
}

// Task is one top-level unit of user work. Owned by the orchestrator
// for its full lifecycle; agents never mutate it directly.
type Task struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Config       TaskConfig `json:"config"`
	Status       TaskStatus `json:"status"`
	Progress     float64    `json:"progress"`
	Result       string     `json:"result,omitempty"`
	FailReason   string     `json:"fail_reason,omitempty"`
	NonConverged bool       `json:"non_converged,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Subtask is one agent assignment under a task. Its result is written
// only by its assigned agent's execution path.
type Subtask struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	Role        agent.Role    `json:"role"`
	AgentID     string        `json:"agent_id"`
	Description string        `json:"description"`
	Status      SubtaskStatus `json:"status"`
	Result      string        `json:"result,omitempty"`
	Attempts    int           `json:"attempts"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Assignment pairs a role with its concrete subtask instruction.
type Assignment struct {
	Role        agent.Role `json:"role"`
	Description string     `json:"description"`
}

// DelegationPlan is the immutable execution plan produced once per
// task before any subtask runs. Re-planning creates a new plan.
type DelegationPlan struct {
	Interpretation string       `json:"interpretation"`
	Assignments    []Assignment `json:"assignments"`
	Strategy       Strategy     `json:"strategy"`
	EstimatedSteps int          `json:"estimated_steps"`
	Complexity     float64      `json:"complexity"`
	RequiresDebate bool         `json:"requires_debate"`
	Reasoning      string       `json:"reasoning"`
	CreatedAt      time.Time    `json:"created_at"`
}

// TaskResult is the terminal output handed back to the caller.
type TaskResult struct {
	TaskID       string  `json:"task_id"`
	Content      string  `json:"content"`
	Debated      bool    `json:"debated"`
	NonConverged bool    `json:"non_converged,omitempty"`
	TopScore     float64 `json:"top_score,omitempty"`
}
