package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voidmesh/hivemind/internal/agent"
	"github.com/voidmesh/hivemind/internal/debate"
	"github.com/voidmesh/hivemind/internal/memory"
	"github.com/voidmesh/hivemind/internal/provider"
)

func singlePlanJSON() string {
	return `{"interpretation": "summarize X", "assignments": [{"role": "generalist", "description": "summarize X"}], "strategy": "sequential", "estimated_steps": 1, "complexity": 0.2, "requires_debate": false}`
}

// scripted builds an orchestrator whose model calls are answered by fn.
func newTestOrchestrator(t *testing.T, opts Options, fn func(req *provider.ChatRequest) (string, error)) (*Orchestrator, *MemStore) {
	t.Helper()
	router := provider.NewRouter(provider.DefaultRouterConfig(), zap.NewNop())
	router.Register(&fnProvider{id: "p1", fn: fn})
	mem := memory.NewManager(memory.NewMemBackend(), zap.NewNop())
	rt := agent.NewRuntime(router, mem, zap.NewNop())
	engine := debate.NewEngine(rt, mem, debate.DefaultOptions(), zap.NewNop())
	store := NewMemStore()
	planner := NewPlanner(router, zap.NewNop())
	return New(planner, rt, engine, mem, store, opts, zap.NewNop()), store
}

func lastUserPrompt(req *provider.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

// A task with one matching role and no debate: one subtask, one
// execution call, completed, result equals the agent's output.
func TestRunSingleAgentTask(t *testing.T) {
	var mu sync.Mutex
	execCalls := 0
	fn := func(req *provider.ChatRequest) (string, error) {
		prompt := lastUserPrompt(req)
		if strings.Contains(prompt, "Decompose this task") {
			return singlePlanJSON(), nil
		}
		mu.Lock()
		execCalls++
		mu.Unlock()
		return "the summary of X", nil
	}
	opts := DefaultOptions()
	opts.MaxReworkAttempts = 0 // no supervision pass
	o, store := newTestOrchestrator(t, opts, fn)

	task, err := o.Submit(context.Background(), "summarize X", TaskConfig{Provider: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Run(context.Background(), task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Status != TaskCompleted {
		t.Fatalf("status = %s (%s)", got.Status, got.FailReason)
	}
	if got.Result != "the summary of X" {
		t.Errorf("result = %q, want the agent output verbatim", got.Result)
	}
	if got.Progress != 1.0 {
		t.Errorf("progress = %v, want 1.0", got.Progress)
	}

	subtasks, _ := store.Subtasks(context.Background(), task.ID)
	if len(subtasks) != 1 {
		t.Fatalf("subtasks = %d, want 1", len(subtasks))
	}
	if subtasks[0].Status != SubtaskCompleted {
		t.Errorf("subtask status = %s", subtasks[0].Status)
	}
	if execCalls != 1 {
		t.Errorf("execution calls = %d, want exactly 1", execCalls)
	}
}

func TestRunRetriesFailedSubtaskOnce(t *testing.T) {
	var mu sync.Mutex
	execCalls := 0
	fn := func(req *provider.ChatRequest) (string, error) {
		if strings.Contains(lastUserPrompt(req), "Decompose this task") {
			return singlePlanJSON(), nil
		}
		mu.Lock()
		defer mu.Unlock()
		execCalls++
		if execCalls == 1 {
			// Permanent so the router does not absorb it with its own
			// retry; the second attempt must come from the orchestrator.
			return "", &provider.Error{Kind: provider.KindInvalidRequest, Provider: "p1", Message: "malformed request"}
		}
		return "second time lucky", nil
	}
	opts := DefaultOptions()
	opts.MaxReworkAttempts = 0
	o, store := newTestOrchestrator(t, opts, fn)

	task, _ := o.Submit(context.Background(), "do it", TaskConfig{Provider: "p1"})
	if err := o.Run(context.Background(), task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Status != TaskCompleted || got.Result != "second time lucky" {
		t.Fatalf("status = %s, result = %q", got.Status, got.Result)
	}
	subtasks, _ := store.Subtasks(context.Background(), task.ID)
	if subtasks[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", subtasks[0].Attempts)
	}
}

func TestRunSequentialFailureFailsTaskWithReason(t *testing.T) {
	fn := func(req *provider.ChatRequest) (string, error) {
		if strings.Contains(lastUserPrompt(req), "Decompose this task") {
			return singlePlanJSON(), nil
		}
		return "", errors.New("provider melted")
	}
	opts := DefaultOptions()
	opts.MaxReworkAttempts = 0
	o, store := newTestOrchestrator(t, opts, fn)

	task, _ := o.Submit(context.Background(), "do it", TaskConfig{Provider: "p1"})
	if err := o.Run(context.Background(), task.ID); err == nil {
		t.Fatal("expected run to report failure")
	}

	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Status != TaskFailed {
		t.Fatalf("status = %s", got.Status)
	}
	subtasks, _ := store.Subtasks(context.Background(), task.ID)
	if !strings.Contains(got.FailReason, subtasks[0].ID) {
		t.Errorf("fail reason %q does not reference the offending subtask %s", got.FailReason, subtasks[0].ID)
	}
}

// One parallel branch fails both attempts; the other survives. The
// failure is off the critical path, so the task still completes.
func TestRunParallelToleratesBranchFailure(t *testing.T) {
	planJSON := `{"interpretation": "two branches", "assignments": [
		{"role": "researcher", "description": "branch good"},
		{"role": "coder", "description": "branch bad"}
	], "strategy": "parallel", "requires_debate": false}`
	fn := func(req *provider.ChatRequest) (string, error) {
		prompt := lastUserPrompt(req)
		switch {
		case strings.Contains(prompt, "Decompose this task"):
			return planJSON, nil
		case strings.Contains(prompt, "branch bad"):
			return "", errors.New("dead branch")
		default:
			return "good branch output", nil
		}
	}
	opts := DefaultOptions()
	opts.MaxReworkAttempts = 0
	o, store := newTestOrchestrator(t, opts, fn)

	task, _ := o.Submit(context.Background(), "two branches", TaskConfig{Provider: "p1"})
	if err := o.Run(context.Background(), task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Status != TaskCompleted {
		t.Fatalf("status = %s (%s)", got.Status, got.FailReason)
	}
	if got.Result != "good branch output" {
		t.Errorf("result = %q", got.Result)
	}

	subtasks, _ := store.Subtasks(context.Background(), task.ID)
	statuses := map[SubtaskStatus]int{}
	for _, st := range subtasks {
		statuses[st.Status]++
	}
	if statuses[SubtaskCompleted] != 1 || statuses[SubtaskFailed] != 1 {
		t.Errorf("subtask statuses = %v", statuses)
	}
	// Completed task invariant: no subtask left pending or running.
	if statuses[SubtaskPending] != 0 || statuses[SubtaskInProgress] != 0 {
		t.Errorf("completed task left unfinished subtasks: %v", statuses)
	}
}

func TestRunParallelSynthesizesBranches(t *testing.T) {
	planJSON := `{"interpretation": "two branches", "assignments": [
		{"role": "researcher", "description": "branch one"},
		{"role": "analyst", "description": "branch two"}
	], "strategy": "parallel", "requires_debate": false}`
	fn := func(req *provider.ChatRequest) (string, error) {
		prompt := lastUserPrompt(req)
		switch {
		case strings.Contains(prompt, "Decompose this task"):
			return planJSON, nil
		case strings.Contains(prompt, "Integrate these parallel results"):
			return "integrated answer", nil
		case strings.Contains(prompt, "branch one"):
			return "facts", nil
		default:
			return "analysis", nil
		}
	}
	opts := DefaultOptions()
	opts.MaxReworkAttempts = 0
	o, store := newTestOrchestrator(t, opts, fn)

	task, _ := o.Submit(context.Background(), "two branches", TaskConfig{Provider: "p1"})
	if err := o.Run(context.Background(), task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Result != "integrated answer" {
		t.Errorf("result = %q, want synthesized output", got.Result)
	}
}

// Debate path: two roles, both proposals collected, critiques scored
// with a clear margin, winner becomes the task result.
func TestRunDebateTask(t *testing.T) {
	planJSON := `{"interpretation": "contested question", "assignments": [
		{"role": "analyst", "description": "argue position"},
		{"role": "researcher", "description": "argue position"}
	], "strategy": "parallel", "requires_debate": true}`
	var mu sync.Mutex
	proposals := 0
	critiques := 0
	fn := func(req *provider.ChatRequest) (string, error) {
		prompt := lastUserPrompt(req)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.Contains(prompt, "Decompose this task"):
			return planJSON, nil
		case strings.Contains(prompt, "Propose your best solution"):
			proposals++
			return fmt.Sprintf("position %d", proposals), nil
		case strings.Contains(prompt, "Critically evaluate this proposal"):
			critiques++
			if critiques == 1 {
				return `{"score": 8.5, "reasoning": "strong"}`, nil
			}
			return `{"score": 5.0, "reasoning": "weak"}`, nil
		default:
			return "ok", nil
		}
	}
	opts := DefaultOptions()
	opts.MaxReworkAttempts = 0
	o, store := newTestOrchestrator(t, opts, fn)

	task, _ := o.Submit(context.Background(), "contested question", TaskConfig{Provider: "p1"})
	if err := o.Run(context.Background(), task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Status != TaskCompleted {
		t.Fatalf("status = %s (%s)", got.Status, got.FailReason)
	}
	if got.NonConverged {
		t.Error("3.5 margin must converge")
	}
	if !strings.HasPrefix(got.Result, "position ") {
		t.Errorf("result = %q, want a winning proposal", got.Result)
	}

	rounds, err := o.DebateTrace(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rounds) != 1 {
		t.Fatalf("debate rounds = %d, want 1", len(rounds))
	}
	subtasks, _ := store.Subtasks(context.Background(), task.ID)
	for _, st := range subtasks {
		if st.Status != SubtaskCompleted {
			t.Errorf("subtask %s = %s, want completed", st.ID, st.Status)
		}
	}
}

func TestSuperviseReworksWeakResult(t *testing.T) {
	var mu sync.Mutex
	critiques := 0
	fn := func(req *provider.ChatRequest) (string, error) {
		prompt := lastUserPrompt(req)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.Contains(prompt, "Decompose this task"):
			return singlePlanJSON(), nil
		case strings.Contains(prompt, "Critically evaluate this proposal"):
			critiques++
			if critiques == 1 {
				return `{"score": 3.0, "weaknesses": ["too shallow"], "reasoning": "needs depth"}`, nil
			}
			return `{"score": 9.0, "reasoning": "fixed"}`, nil
		case strings.Contains(prompt, "Propose your best solution"):
			return "reworked result", nil
		default:
			return "first draft", nil
		}
	}
	o, store := newTestOrchestrator(t, DefaultOptions(), fn)

	task, _ := o.Submit(context.Background(), "write the report", TaskConfig{Provider: "p1"})
	if err := o.Run(context.Background(), task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Result != "reworked result" {
		t.Errorf("result = %q, want the supervisor-driven rework", got.Result)
	}
	if critiques != 2 {
		t.Errorf("supervisor critiques = %d, want 2", critiques)
	}
}

func TestCancelRunningTask(t *testing.T) {
	release := make(chan struct{})
	fn := func(req *provider.ChatRequest) (string, error) {
		if strings.Contains(lastUserPrompt(req), "Decompose this task") {
			return singlePlanJSON(), nil
		}
		<-release // hold the subtask until cancelled
		return "", errors.New("aborted")
	}
	opts := DefaultOptions()
	opts.MaxReworkAttempts = 0
	o, store := newTestOrchestrator(t, opts, fn)

	cfg := TaskConfig{Provider: "p1", AutoExecute: true}
	task, err := o.Submit(context.Background(), "long running", cfg)
	if err != nil {
		t.Fatal(err)
	}

	// Wait until the run is actually in flight.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := store.GetTask(context.Background(), task.ID)
		if got.Status == TaskInProgress {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never started, status = %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := o.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)

	deadline = time.Now().Add(2 * time.Second)
	for {
		got, _ := store.GetTask(context.Background(), task.ID)
		if got.Status == TaskCancelled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want cancelled", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := o.Cancel(context.Background(), task.ID); err == nil {
		t.Error("cancelling a terminal task must fail")
	}
}

// Cancellation must reach a run the caller drives directly, not just
// the auto-executed path, and the run finishing afterwards must not
// overwrite the terminal cancelled status.
func TestCancelReachesCallerDrivenRun(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	fn := func(req *provider.ChatRequest) (string, error) {
		if strings.Contains(lastUserPrompt(req), "Decompose this task") {
			return singlePlanJSON(), nil
		}
		once.Do(func() { close(started) })
		// Keep working through the cancellation so the final status
		// writes race.
		time.Sleep(50 * time.Millisecond)
		return "late result", nil
	}
	opts := DefaultOptions()
	opts.MaxReworkAttempts = 0
	o, store := newTestOrchestrator(t, opts, fn)

	task, _ := o.Submit(context.Background(), "slow work", TaskConfig{Provider: "p1"})
	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background(), task.ID) }()

	<-started
	if err := o.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := <-done; err == nil {
		t.Fatal("run must not report success after cancellation")
	}
	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Status != TaskCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestStatusTransitionsRecordedInMemory(t *testing.T) {
	fn := func(req *provider.ChatRequest) (string, error) {
		if strings.Contains(lastUserPrompt(req), "Decompose this task") {
			return singlePlanJSON(), nil
		}
		return "done", nil
	}
	opts := DefaultOptions()
	opts.MaxReworkAttempts = 0

	router := provider.NewRouter(provider.DefaultRouterConfig(), zap.NewNop())
	router.Register(&fnProvider{id: "p1", fn: fn})
	mem := memory.NewManager(memory.NewMemBackend(), zap.NewNop())
	rt := agent.NewRuntime(router, mem, zap.NewNop())
	engine := debate.NewEngine(rt, mem, debate.DefaultOptions(), zap.NewNop())
	o := New(NewPlanner(router, zap.NewNop()), rt, engine, mem, NewMemStore(), opts, zap.NewNop())

	task, _ := o.Submit(context.Background(), "summarize X", TaskConfig{Provider: "p1"})
	if err := o.Run(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}

	entries, err := mem.Read(context.Background(), memory.ScopeTask, task.ID, memory.Filter{
		Tags: map[string]string{memory.TagType: memory.TypeStatus},
	})
	if err != nil {
		t.Fatal(err)
	}
	var joined strings.Builder
	for _, e := range entries {
		joined.WriteString(e.Content + "\n")
	}
	for _, want := range []string{"task decomposing", "task in_progress", "task completed", "completed"} {
		if !strings.Contains(joined.String(), want) {
			t.Errorf("status trail missing %q:\n%s", want, joined.String())
		}
	}
}

func TestTransitionTable(t *testing.T) {
	valid := [][2]TaskStatus{
		{TaskPending, TaskDecomposing},
		{TaskDecomposing, TaskInProgress},
		{TaskInProgress, TaskDebating},
		{TaskInProgress, TaskCompleted},
		{TaskDebating, TaskCompleted},
		{TaskInProgress, TaskFailed},
		{TaskPending, TaskCancelled},
	}
	for _, tc := range valid {
		if err := Transition(tc[0], tc[1]); err != nil {
			t.Errorf("%s -> %s should be legal: %v", tc[0], tc[1], err)
		}
	}
	invalid := [][2]TaskStatus{
		{TaskPending, TaskCompleted},
		{TaskCompleted, TaskInProgress},
		{TaskFailed, TaskCompleted},
		{TaskCancelled, TaskPending},
		{TaskDebating, TaskDecomposing},
	}
	for _, tc := range invalid {
		if err := Transition(tc[0], tc[1]); err == nil {
			t.Errorf("%s -> %s should be rejected", tc[0], tc[1])
		}
	}
	if !TaskCompleted.Terminal() || !TaskFailed.Terminal() || !TaskCancelled.Terminal() {
		t.Error("terminal statuses misclassified")
	}
	if TaskInProgress.Terminal() {
		t.Error("in_progress is not terminal")
	}
}
