package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voidmesh/hivemind/internal/agent"
	"github.com/voidmesh/hivemind/internal/debate"
)

// Store persists tasks, subtasks, and debate rounds with
// read-after-write consistency for the writer.
type Store interface {
	SaveTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context) ([]*Task, error)

	SaveSubtask(ctx context.Context, st *Subtask) error
	UpdateSubtask(ctx context.Context, st *Subtask) error
	Subtasks(ctx context.Context, taskID string) ([]*Subtask, error)

	SaveDebateRound(ctx context.Context, taskID string, round *debate.Round) error
	DebateRounds(ctx context.Context, taskID string) ([]debate.Round, error)
}

// ErrTaskNotFound is returned for lookups of unknown task IDs.
var ErrTaskNotFound = fmt.Errorf("task not found")

// MemStore is the in-process Store used when Postgres is unavailable
// and in tests. Records do not survive a restart.
type MemStore struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	subtasks map[string][]*Subtask
	rounds   map[string][]debate.Round
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:    make(map[string]*Task),
		subtasks: make(map[string][]*Subtask),
		rounds:   make(map[string][]debate.Round),
	}
}

func (s *MemStore) SaveTask(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *MemStore) UpdateTask(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return ErrTaskNotFound
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *MemStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) ListTasks(_ context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) SaveSubtask(_ context.Context, st *Subtask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.subtasks[st.TaskID] = append(s.subtasks[st.TaskID], &cp)
	return nil
}

func (s *MemStore) UpdateSubtask(_ context.Context, st *Subtask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.subtasks[st.TaskID] {
		if existing.ID == st.ID {
			cp := *st
			s.subtasks[st.TaskID][i] = &cp
			return nil
		}
	}
	return fmt.Errorf("subtask %s not found", st.ID)
}

func (s *MemStore) Subtasks(_ context.Context, taskID string) ([]*Subtask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.subtasks[taskID]
	out := make([]*Subtask, len(stored))
	for i, st := range stored {
		cp := *st
		out[i] = &cp
	}
	return out, nil
}

func (s *MemStore) SaveDebateRound(_ context.Context, taskID string, round *debate.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[taskID] = append(s.rounds[taskID], *round)
	return nil
}

func (s *MemStore) DebateRounds(_ context.Context, taskID string) ([]debate.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]debate.Round, len(s.rounds[taskID]))
	copy(out, s.rounds[taskID])
	return out, nil
}

// PostgresStore persists orchestrator records in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SaveTask(ctx context.Context, t *Task) error {
	config, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("encode task config: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, description, config, status, progress, result, fail_reason, non_converged, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Description, config, string(t.Status), t.Progress, t.Result, t.FailReason, t.NonConverged, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status=$1, progress=$2, result=$3, fail_reason=$4, non_converged=$5, updated_at=$6 WHERE id=$7`,
		string(t.Status), t.Progress, t.Result, t.FailReason, t.NonConverged, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t := &Task{}
	var config []byte
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, description, config, status, progress, result, fail_reason, non_converged, created_at, updated_at
		 FROM tasks WHERE id=$1`, id,
	).Scan(&t.ID, &t.Description, &config, &status, &t.Progress, &t.Result, &t.FailReason, &t.NonConverged, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, ErrTaskNotFound
	}
	t.Status = TaskStatus(status)
	_ = json.Unmarshal(config, &t.Config)
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, description, config, status, progress, result, fail_reason, non_converged, created_at, updated_at
		 FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t := &Task{}
		var config []byte
		var status string
		if err := rows.Scan(&t.ID, &t.Description, &config, &status, &t.Progress, &t.Result, &t.FailReason, &t.NonConverged, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = TaskStatus(status)
		_ = json.Unmarshal(config, &t.Config)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveSubtask(ctx context.Context, st *Subtask) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subtasks (id, task_id, role, agent_id, description, status, result, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		st.ID, st.TaskID, string(st.Role), st.AgentID, st.Description, string(st.Status), st.Result, st.Attempts, st.CreatedAt)
	if err != nil {
		return fmt.Errorf("save subtask %s: %w", st.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateSubtask(ctx context.Context, st *Subtask) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE subtasks SET status=$1, result=$2, attempts=$3, agent_id=$4 WHERE id=$5`,
		string(st.Status), st.Result, st.Attempts, st.AgentID, st.ID)
	if err != nil {
		return fmt.Errorf("update subtask %s: %w", st.ID, err)
	}
	return nil
}

func (s *PostgresStore) Subtasks(ctx context.Context, taskID string) ([]*Subtask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, role, agent_id, description, status, result, attempts, created_at
		 FROM subtasks WHERE task_id=$1 ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	var out []*Subtask
	for rows.Next() {
		st := &Subtask{}
		var role, status string
		if err := rows.Scan(&st.ID, &st.TaskID, &role, &st.AgentID, &st.Description, &status, &st.Result, &st.Attempts, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		st.Role = agent.ParseRole(role)
		st.Status = SubtaskStatus(status)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveDebateRound(ctx context.Context, taskID string, round *debate.Round) error {
	body, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("encode round: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO debate_rounds (task_id, round_index, payload, sealed_at)
		 VALUES ($1, $2, $3, $4)`,
		taskID, round.Index, body, round.SealedAt)
	if err != nil {
		return fmt.Errorf("save debate round %d: %w", round.Index, err)
	}
	return nil
}

func (s *PostgresStore) DebateRounds(ctx context.Context, taskID string) ([]debate.Round, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM debate_rounds WHERE task_id=$1 ORDER BY round_index ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list debate rounds: %w", err)
	}
	defer rows.Close()

	var out []debate.Round
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		var r debate.Round
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("decode round: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
