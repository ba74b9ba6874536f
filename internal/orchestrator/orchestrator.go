package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voidmesh/hivemind/internal/agent"
	"github.com/voidmesh/hivemind/internal/debate"
	"github.com/voidmesh/hivemind/internal/memory"
)

// Options tunes orchestrator execution.
type Options struct {
	PoolSize          int
	SubtaskTimeout    time.Duration
	MaxReworkAttempts int
	AcceptThreshold   float64
}

// DefaultOptions returns the standard orchestrator parameters.
func DefaultOptions() Options {
	return Options{
		PoolSize:          10,
		SubtaskTimeout:    3 * time.Minute,
		MaxReworkAttempts: 2,
		AcceptThreshold:   7.0,
	}
}

// Orchestrator drives tasks from description to result: decompose,
// execute subtasks, optionally debate, merge. It is the only writer of
// task status; agents only ever write their own subtask's result.
type Orchestrator struct {
	planner *Planner
	runtime *agent.Runtime
	debates *debate.Engine
	mem     *memory.Manager
	store   Store
	opts    Options
	pool    chan struct{}
	logger  *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an orchestrator with a bounded subtask execution pool.
func New(planner *Planner, rt *agent.Runtime, debates *debate.Engine, mem *memory.Manager, store Store, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultOptions().PoolSize
	}
	if opts.SubtaskTimeout <= 0 {
		opts.SubtaskTimeout = DefaultOptions().SubtaskTimeout
	}
	if opts.AcceptThreshold <= 0 {
		opts.AcceptThreshold = DefaultOptions().AcceptThreshold
	}
	return &Orchestrator{
		planner: planner,
		runtime: rt,
		debates: debates,
		mem:     mem,
		store:   store,
		opts:    opts,
		pool:    make(chan struct{}, opts.PoolSize),
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit registers a new task. With AutoExecute set the task starts
// running on a background context immediately; otherwise the caller
// drives it with Run.
func (o *Orchestrator) Submit(ctx context.Context, description string, cfg TaskConfig) (*Task, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("empty task description")
	}
	now := time.Now().UTC()
	t := &Task{
		ID:          uuid.New().String(),
		Description: description,
		Config:      cfg,
		Status:      TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("submit task: %w", err)
	}
	o.logger.Info("task submitted",
		zap.String("task", t.ID),
		zap.Bool("auto_execute", cfg.AutoExecute))

	if cfg.AutoExecute {
		go func() {
			if err := o.Run(context.Background(), t.ID); err != nil {
				o.logger.Warn("task run ended with error",
					zap.String("task", t.ID), zap.Error(err))
			}
		}()
	}
	return t, nil
}

// Run executes the task synchronously to a terminal status.
func (o *Orchestrator) Run(ctx context.Context, taskID string) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != TaskPending {
		return fmt.Errorf("task %s is %s, not pending", taskID, t.Status)
	}

	// Registering here rather than in Submit lets Cancel reach
	// in-flight agent calls regardless of who drives the run.
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[taskID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.clearCancel(taskID)
	}()

	if err := o.setStatus(ctx, t, TaskDecomposing); err != nil {
		return err
	}
	plan := o.planner.Decompose(ctx, t.Description, t.Config.Provider)
	if err := o.recordPlan(ctx, t, plan); err != nil {
		return o.fail(ctx, t, err.Error())
	}
	if err := o.checkCancelled(ctx, t); err != nil {
		return err
	}

	subtasks, err := o.createSubtasks(ctx, t, plan)
	if err != nil {
		return o.fail(ctx, t, err.Error())
	}
	if err := o.setStatus(ctx, t, TaskInProgress); err != nil {
		return err
	}

	var result TaskResult
	if plan.RequiresDebate && len(subtasks) >= 2 {
		result, err = o.runDebate(ctx, t, subtasks)
	} else {
		result, err = o.runPlan(ctx, t, plan, subtasks)
	}
	if err != nil {
		if cerr := o.checkCancelled(ctx, t); cerr != nil {
			return cerr
		}
		return o.fail(ctx, t, err.Error())
	}
	if err := o.checkCancelled(ctx, t); err != nil {
		return err
	}

	t.Result = result.Content
	t.NonConverged = result.NonConverged
	t.Progress = 1.0
	if err := o.setStatus(ctx, t, TaskCompleted); err != nil {
		return err
	}
	o.logger.Info("task completed",
		zap.String("task", t.ID),
		zap.Bool("debated", result.Debated),
		zap.Bool("non_converged", result.NonConverged))
	return nil
}

// Cancel aborts a running task. In-flight agent invocations observe
// the cancellation through their contexts; committed artifacts stay.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("task %s already %s", taskID, t.Status)
	}

	o.mu.Lock()
	if cancel, ok := o.cancels[taskID]; ok {
		cancel()
	}
	o.mu.Unlock()

	t.Status = TaskCancelled
	if err := o.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	o.recordStatus(ctx, t.ID, "task cancelled")
	o.logger.Info("task cancelled", zap.String("task", taskID))
	return nil
}

// Release garbage-collects a finished task's working memory. Durable
// records stay queryable; only cache keys and the vector collection go.
func (o *Orchestrator) Release(ctx context.Context, taskID string) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() {
		return fmt.Errorf("task %s still %s", taskID, t.Status)
	}
	o.mem.ReleaseTask(ctx, taskID)
	return nil
}

// GetTask returns the task view.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*Task, error) {
	return o.store.GetTask(ctx, taskID)
}

// ListTasks returns all tasks, newest first.
func (o *Orchestrator) ListTasks(ctx context.Context) ([]*Task, error) {
	return o.store.ListTasks(ctx)
}

// Subtasks returns a task's subtasks in creation order.
func (o *Orchestrator) Subtasks(ctx context.Context, taskID string) ([]*Subtask, error) {
	return o.store.Subtasks(ctx, taskID)
}

// DebateTrace returns the task's sealed debate rounds in order.
func (o *Orchestrator) DebateTrace(ctx context.Context, taskID string) ([]debate.Round, error) {
	return o.store.DebateRounds(ctx, taskID)
}

func (o *Orchestrator) createSubtasks(ctx context.Context, t *Task, plan *DelegationPlan) ([]*Subtask, error) {
	subtasks := make([]*Subtask, 0, len(plan.Assignments))
	for _, a := range plan.Assignments {
		st := &Subtask{
			ID:          uuid.New().String(),
			TaskID:      t.ID,
			Role:        a.Role,
			AgentID:     agent.InstanceID(a.Role),
			Description: a.Description,
			Status:      SubtaskPending,
			CreatedAt:   time.Now().UTC(),
		}
		if err := o.store.SaveSubtask(ctx, st); err != nil {
			return nil, fmt.Errorf("create subtask: %w", err)
		}
		subtasks = append(subtasks, st)
	}
	return subtasks, nil
}

func (o *Orchestrator) runPlan(ctx context.Context, t *Task, plan *DelegationPlan, subtasks []*Subtask) (TaskResult, error) {
	var outputs []string
	var err error
	if plan.Strategy == StrategyParallel {
		outputs, err = o.runParallel(ctx, t, subtasks)
	} else {
		outputs, err = o.runSequential(ctx, t, subtasks)
	}
	if err != nil {
		return TaskResult{}, err
	}

	content := outputs[len(outputs)-1]
	if plan.Strategy == StrategyParallel && len(outputs) > 1 {
		content = o.synthesize(ctx, t, outputs)
	}
	content = o.supervise(ctx, t, content)
	return TaskResult{TaskID: t.ID, Content: content}, nil
}

// runParallel dispatches every subtask through the bounded pool and
// waits for all of them. Individual failures are tolerated as long as
// at least one branch survives for synthesis.
func (o *Orchestrator) runParallel(ctx context.Context, t *Task, subtasks []*Subtask) ([]string, error) {
	var wg sync.WaitGroup
	for _, st := range subtasks {
		wg.Add(1)
		go func(st *Subtask) {
			defer wg.Done()
			o.pool <- struct{}{}
			defer func() { <-o.pool }()
			o.runSubtask(ctx, t, st)
		}(st)
	}
	wg.Wait()

	var outputs []string
	var firstFailed *Subtask
	for _, st := range subtasks {
		if st.Status == SubtaskCompleted {
			outputs = append(outputs, st.Result)
		} else if firstFailed == nil {
			firstFailed = st
		}
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("all subtasks failed, first failure in subtask %s (%s)", firstFailed.ID, firstFailed.Role)
	}
	return outputs, nil
}

// runSequential executes subtasks in plan order. Every stage feeds the
// next through task memory, so any failure is on the critical path and
// fails the task.
func (o *Orchestrator) runSequential(ctx context.Context, t *Task, subtasks []*Subtask) ([]string, error) {
	var outputs []string
	for _, st := range subtasks {
		o.runSubtask(ctx, t, st)
		if st.Status != SubtaskCompleted {
			return nil, fmt.Errorf("subtask %s (%s) failed: %s", st.ID, st.Role, st.Result)
		}
		outputs = append(outputs, st.Result)
	}
	return outputs, nil
}

// runSubtask executes one subtask with a single retry. The subtask's
// status and result are only written here, by its assigned agent's
// execution path.
func (o *Orchestrator) runSubtask(ctx context.Context, t *Task, st *Subtask) {
	st.Status = SubtaskInProgress
	o.updateSubtask(ctx, st)
	o.recordStatus(ctx, t.ID, fmt.Sprintf("subtask %s (%s) started", st.ID, st.Role))

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		st.Attempts = attempt
		snapshot, serr := o.mem.Snapshot(ctx, t.ID)
		if serr != nil {
			lastErr = serr
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, o.opts.SubtaskTimeout)
		res, err := o.runtime.Execute(callCtx, agent.Invocation{
			AgentID:     st.AgentID,
			Role:        st.Role,
			TaskID:      t.ID,
			Instruction: st.Description,
			Context:     snapshot,
			Provider:    t.Config.Provider,
		})
		cancel()
		if err == nil {
			st.Status = SubtaskCompleted
			st.Result = res.Content
			o.updateSubtask(ctx, st)
			o.bumpProgress(ctx, t)
			o.recordStatus(ctx, t.ID, fmt.Sprintf("subtask %s (%s) completed", st.ID, st.Role))
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		o.logger.Warn("subtask attempt failed",
			zap.String("subtask", st.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	st.Status = SubtaskFailed
	if lastErr != nil {
		st.Result = lastErr.Error()
	}
	o.updateSubtask(ctx, st)
	o.recordStatus(ctx, t.ID, fmt.Sprintf("subtask %s (%s) failed", st.ID, st.Role))
}

// runDebate hands the task to the debate engine instead of merging
// directly. Each participant's final proposal becomes its subtask
// result; the winner becomes the task result.
func (o *Orchestrator) runDebate(ctx context.Context, t *Task, subtasks []*Subtask) (TaskResult, error) {
	if err := o.setStatus(ctx, t, TaskDebating); err != nil {
		return TaskResult{}, err
	}

	participants := make([]debate.Participant, len(subtasks))
	for i, st := range subtasks {
		participants[i] = debate.Participant{
			AgentID:  st.AgentID,
			Role:     st.Role,
			Provider: t.Config.Provider,
		}
		st.Status = SubtaskInProgress
		o.updateSubtask(ctx, st)
	}

	outcome, err := o.debates.Run(ctx, t.ID, t.Description, participants)
	if err != nil {
		return TaskResult{}, fmt.Errorf("debate: %w", err)
	}
	for i := range outcome.Rounds {
		if serr := o.store.SaveDebateRound(ctx, t.ID, &outcome.Rounds[i]); serr != nil {
			return TaskResult{}, serr
		}
	}

	final := outcome.Rounds[len(outcome.Rounds)-1]
	proposals := make(map[string]string, len(final.Proposals))
	for _, p := range final.Proposals {
		proposals[p.AgentID] = p.Content
	}
	for _, st := range subtasks {
		if content, ok := proposals[st.AgentID]; ok {
			st.Status = SubtaskCompleted
			st.Result = content
		} else {
			st.Status = SubtaskFailed
			st.Result = "no response within round timeout"
		}
		o.updateSubtask(ctx, st)
		o.bumpProgress(ctx, t)
	}

	return TaskResult{
		TaskID:       t.ID,
		Content:      outcome.Result,
		Debated:      true,
		NonConverged: !outcome.Converged,
		TopScore:     outcome.TopScore,
	}, nil
}

// synthesize integrates parallel branch outputs through a synthesizer
// agent, falling back to plain concatenation if the call fails.
func (o *Orchestrator) synthesize(ctx context.Context, t *Task, outputs []string) string {
	joined := strings.Join(outputs, "\n\n---\n\n")
	snapshot, err := o.mem.Snapshot(ctx, t.ID)
	if err != nil {
		return joined
	}
	res, err := o.runtime.Execute(ctx, agent.Invocation{
		AgentID:     agent.InstanceID(agent.RoleSynthesizer),
		Role:        agent.RoleSynthesizer,
		TaskID:      t.ID,
		Instruction: "Integrate these parallel results into one coherent answer for: " + t.Description + "\n\n" + joined,
		Context:     snapshot,
		Provider:    t.Config.Provider,
	})
	if err != nil {
		o.logger.Warn("synthesis failed, concatenating branch outputs",
			zap.String("task", t.ID), zap.Error(err))
		return joined
	}
	return res.Content
}

// supervise runs the result past a supervisor critique and reworks it
// while the supervisor scores it below the acceptance threshold, up to
// the rework cap. Supervision is advisory: any failure along the way
// keeps the current result.
func (o *Orchestrator) supervise(ctx context.Context, t *Task, content string) string {
	for attempt := 0; attempt < o.opts.MaxReworkAttempts; attempt++ {
		review, err := o.runtime.Critique(ctx, agent.Invocation{
			AgentID:     agent.InstanceID(agent.RoleSupervisor),
			Role:        agent.RoleSupervisor,
			TaskID:      t.ID,
			Instruction: t.Description,
			Provider:    t.Config.Provider,
		}, content)
		if err != nil || review.Score >= o.opts.AcceptThreshold {
			return content
		}
		o.logger.Info("supervisor requested rework",
			zap.String("task", t.ID),
			zap.Float64("score", review.Score),
			zap.Int("attempt", attempt+1))

		res, perr := o.runtime.Propose(ctx, agent.Invocation{
			AgentID:     agent.InstanceID(agent.RoleSynthesizer),
			Role:        agent.RoleSynthesizer,
			TaskID:      t.ID,
			Instruction: "Revise this result for: " + t.Description + "\n\nCurrent result:\n" + content,
			Provider:    t.Config.Provider,
		}, []agent.Review{*review})
		if perr != nil {
			return content
		}
		content = res.Content
	}
	return content
}

// setStatus performs a validated status transition, persists it, and
// mirrors it into task memory so progress is observable mid-flight.
// The transition is validated against the stored status, not the
// in-memory copy, so a concurrent Cancel is never overwritten.
func (o *Orchestrator) setStatus(ctx context.Context, t *Task, to TaskStatus) error {
	if stored, err := o.store.GetTask(context.WithoutCancel(ctx), t.ID); err == nil {
		t.Status = stored.Status
	}
	if err := Transition(t.Status, to); err != nil {
		return err
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	o.recordStatus(ctx, t.ID, "task "+string(to))
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, t *Task, reason string) error {
	t.FailReason = reason
	if err := o.setStatus(ctx, t, TaskFailed); err != nil {
		o.logger.Error("could not mark task failed",
			zap.String("task", t.ID), zap.Error(err))
	}
	o.logger.Warn("task failed",
		zap.String("task", t.ID), zap.String("reason", reason))
	return fmt.Errorf("task %s failed: %s", t.ID, reason)
}

// checkCancelled flips the task to cancelled when its context died.
func (o *Orchestrator) checkCancelled(ctx context.Context, t *Task) error {
	if ctx.Err() == nil {
		return nil
	}
	if !t.Status.Terminal() {
		t.Status = TaskCancelled
		t.UpdatedAt = time.Now().UTC()
		if err := o.store.UpdateTask(context.WithoutCancel(ctx), t); err != nil {
			o.logger.Error("could not mark task cancelled",
				zap.String("task", t.ID), zap.Error(err))
		}
	}
	return ctx.Err()
}

// bumpProgress recomputes the task's progress fraction from stored
// subtask states. Serialized on the orchestrator mutex so concurrent
// subtask completions never lose an update.
func (o *Orchestrator) bumpProgress(ctx context.Context, t *Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	subtasks, err := o.store.Subtasks(ctx, t.ID)
	if err != nil || len(subtasks) == 0 {
		return
	}
	completed := 0
	for _, st := range subtasks {
		if st.Status == SubtaskCompleted {
			completed++
		}
	}
	t.Progress = float64(completed) / float64(len(subtasks))
	if stored, serr := o.store.GetTask(ctx, t.ID); serr == nil {
		t.Status = stored.Status
	}
	if err := o.store.UpdateTask(ctx, t); err != nil {
		o.logger.Warn("progress update failed",
			zap.String("task", t.ID), zap.Error(err))
	}
}

func (o *Orchestrator) updateSubtask(ctx context.Context, st *Subtask) {
	if err := o.store.UpdateSubtask(context.WithoutCancel(ctx), st); err != nil {
		o.logger.Error("subtask update failed",
			zap.String("subtask", st.ID), zap.Error(err))
	}
}

// recordPlan writes the delegation plan into task memory. Losing the
// plan loses the audit trail, so this write is mandatory.
func (o *Orchestrator) recordPlan(ctx context.Context, t *Task, plan *DelegationPlan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	if _, err := o.mem.Write(ctx, memory.ScopeTask, t.ID, string(body), map[string]string{
		memory.TagType:     memory.TypeThinking,
		memory.TagCategory: "delegation_plan",
	}); err != nil {
		return err
	}
	return nil
}

// recordStatus mirrors a status transition into task memory. These are
// observability breadcrumbs; a failed write is logged, not fatal,
// because the store already holds the authoritative state.
func (o *Orchestrator) recordStatus(ctx context.Context, taskID, message string) {
	if _, err := o.mem.Write(context.WithoutCancel(ctx), memory.ScopeTask, taskID, message, map[string]string{
		memory.TagType: memory.TypeStatus,
	}); err != nil {
		o.logger.Warn("status record failed",
			zap.String("task", taskID), zap.Error(err))
	}
}

func (o *Orchestrator) clearCancel(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, taskID)
}
