package e2e

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voidmesh/hivemind/internal/memory"
	"github.com/voidmesh/hivemind/internal/orchestrator"
	"github.com/voidmesh/hivemind/internal/provider"
	pgstore "github.com/voidmesh/hivemind/internal/store"
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(0)
	}

	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	// 1. Start PostgreSQL
	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testPGStore, err = pgstore.New(pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	defer testPGStore.Close()

	// Run migrations
	if err := testPGStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	// 2. Start Redis
	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	os.Exit(m.Run())
}

// Level 1: the durable memory tier over real PostgreSQL. Entries must
// come back in write order and tag filters must match through jsonb.
func TestDurableMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewPostgresBackend(testPGStore.Pool(), testLogger)
	mem := memory.NewManager(backend, testLogger)

	taskID := "e2e-mem-" + fmt.Sprint(time.Now().UnixNano())
	for i := 0; i < 3; i++ {
		_, err := mem.Write(ctx, memory.ScopeTask, taskID,
			fmt.Sprintf("step %d", i),
			map[string]string{memory.TagType: memory.TypeWork, memory.TagAgent: "agent-a"})
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if _, err := mem.Write(ctx, memory.ScopeTask, taskID, "final answer",
		map[string]string{memory.TagType: memory.TypeOutput, memory.TagAgent: "agent-a"}); err != nil {
		t.Fatalf("write output: %v", err)
	}

	all, err := mem.Read(ctx, memory.ScopeTask, taskID, memory.Filter{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(all))
	}
	if all[0].Content != "step 0" || all[3].Content != "final answer" {
		t.Errorf("entries out of write order: first %q last %q", all[0].Content, all[3].Content)
	}

	outputs, err := mem.Read(ctx, memory.ScopeTask, taskID,
		memory.Filter{Tags: map[string]string{memory.TagType: memory.TypeOutput}})
	if err != nil {
		t.Fatalf("filtered read: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Content != "final answer" {
		t.Errorf("tag filter returned %d entries", len(outputs))
	}

	// Other namespaces must stay invisible.
	other, err := mem.Read(ctx, memory.ScopeTask, taskID+"-other", memory.Filter{})
	if err != nil {
		t.Fatalf("read other namespace: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected empty namespace, got %d entries", len(other))
	}
}

// Level 2: the working cache over real Redis.
func TestWorkingCacheRecent(t *testing.T) {
	ctx := context.Background()
	cache, err := memory.NewWorkingCache(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("working cache: %v", err)
	}
	defer cache.Close()

	taskID := "e2e-cache-" + fmt.Sprint(time.Now().UnixNano())
	for i := 0; i < 5; i++ {
		e := &memory.Entry{
			ID:        fmt.Sprintf("entry-%d", i),
			Scope:     memory.ScopeTask,
			Namespace: taskID,
			Content:   fmt.Sprintf("note %d", i),
			CreatedAt: time.Now().UTC(),
		}
		if err := cache.Put(ctx, e); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	recent, err := cache.Recent(ctx, memory.ScopeTask, taskID, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(recent))
	}

	if err := cache.ReleaseTask(ctx, taskID); err != nil {
		t.Fatalf("release: %v", err)
	}
	recent, err = cache.Recent(ctx, memory.ScopeTask, taskID, 3)
	if err != nil {
		t.Fatalf("recent after release: %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("expected empty cache after release, got %d entries", len(recent))
	}
}

// Level 3: the task store over real PostgreSQL.
func TestTaskStorePersistence(t *testing.T) {
	ctx := context.Background()
	store := orchestrator.NewPostgresStore(testPGStore.Pool())

	task := &orchestrator.Task{
		ID:          "e2e-task-" + fmt.Sprint(time.Now().UnixNano()),
		Description: "persistence check",
		Config:      orchestrator.TaskConfig{Provider: "test-llm", AutoExecute: true},
		Status:      orchestrator.TaskPending,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("save task: %v", err)
	}

	task.Status = orchestrator.TaskCompleted
	task.Progress = 1.0
	task.Result = "done"
	if err := store.UpdateTask(ctx, task); err != nil {
		t.Fatalf("update task: %v", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != orchestrator.TaskCompleted || got.Result != "done" {
		t.Errorf("round trip lost state: status %s result %q", got.Status, got.Result)
	}
	if got.Config.Provider != "test-llm" {
		t.Errorf("config lost in jsonb round trip: %+v", got.Config)
	}

	if _, err := store.GetTask(ctx, "no-such-task"); err == nil {
		t.Error("expected error for unknown task")
	}
}

// Level 4: a full single-agent task through the orchestrator against
// real PostgreSQL and Redis, with a scripted model.
func TestSingleAgentTaskEndToEnd(t *testing.T) {
	ctx := context.Background()
	fn := func(req *provider.ChatRequest) (string, error) {
		prompt := lastUserPrompt(req)
		if strings.Contains(prompt, "Decompose this task") {
			return `{"interpretation": "explain CRDTs", "assignments": [{"role": "generalist", "description": "explain CRDTs"}], "strategy": "sequential", "estimated_steps": 1, "complexity": 0.3, "requires_debate": false}`, nil
		}
		return "CRDTs merge concurrent updates without coordination.", nil
	}
	orch, store, mem := newStack(t, fn)

	task, err := orch.Submit(ctx, "explain CRDTs", orchestrator.TaskConfig{Provider: "test-llm"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := orch.Run(ctx, task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != orchestrator.TaskCompleted {
		t.Fatalf("status = %s (%s)", got.Status, got.FailReason)
	}
	if got.Result != "CRDTs merge concurrent updates without coordination." {
		t.Errorf("result = %q", got.Result)
	}

	subtasks, err := store.Subtasks(ctx, task.ID)
	if err != nil {
		t.Fatalf("subtasks: %v", err)
	}
	if len(subtasks) != 1 || subtasks[0].Status != orchestrator.SubtaskCompleted {
		t.Fatalf("expected 1 completed subtask, got %+v", subtasks)
	}

	// The agent's output must be on the durable task trail.
	outputs, err := mem.Read(ctx, memory.ScopeTask, task.ID,
		memory.Filter{Tags: map[string]string{memory.TagType: memory.TypeOutput}})
	if err != nil {
		t.Fatalf("read trail: %v", err)
	}
	if len(outputs) == 0 {
		t.Error("no output entries on the task's memory trail")
	}
}

// Level 5: a debated task. Two specialists propose, the researcher's
// proposal wins cleanly, and the full round trace survives in PostgreSQL.
func TestDebatedTaskEndToEnd(t *testing.T) {
	ctx := context.Background()
	fn := func(req *provider.ChatRequest) (string, error) {
		system := ""
		if len(req.Messages) > 0 && req.Messages[0].Role == "system" {
			system = req.Messages[0].Content
		}
		prompt := lastUserPrompt(req)
		switch {
		case strings.Contains(prompt, "Decompose this task"):
			return `{"interpretation": "pick a storage engine", "assignments": [{"role": "researcher", "description": "survey storage engines"}, {"role": "analyst", "description": "weigh the trade-offs"}], "strategy": "sequential", "estimated_steps": 2, "complexity": 0.8, "requires_debate": true}`, nil
		case strings.Contains(prompt, "Propose your best solution"):
			if strings.Contains(system, "research agent") {
				return "use the log-structured engine", nil
			}
			return "use the b-tree engine", nil
		case strings.Contains(prompt, "Critically evaluate this proposal"):
			if strings.Contains(prompt, "log-structured") {
				return `{"strengths": ["write throughput"], "weaknesses": [], "score": 9.0, "reasoning": "fits the workload"}`, nil
			}
			return `{"strengths": ["read latency"], "weaknesses": ["write amplification"], "score": 6.0, "reasoning": "wrong trade-off here"}`, nil
		case strings.Contains(prompt, "Select the single best proposal"):
			// Each voter sees exactly one rival proposal; back it by
			// the agent ID printed in the ballot options.
			start := strings.Index(prompt, "\n[")
			end := strings.Index(prompt[start+2:], "]")
			return fmt.Sprintf(`{"vote": %q, "reason": "best fit"}`, prompt[start+2:start+2+end]), nil
		default:
			return "unexpected prompt", nil
		}
	}
	orch, store, _ := newStack(t, fn)

	task, err := orch.Submit(ctx, "pick a storage engine", orchestrator.TaskConfig{Provider: "test-llm"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := orch.Run(ctx, task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != orchestrator.TaskCompleted {
		t.Fatalf("status = %s (%s)", got.Status, got.FailReason)
	}
	if got.Result != "use the log-structured engine" {
		t.Errorf("result = %q, want the winning proposal", got.Result)
	}
	if got.NonConverged {
		t.Error("a 9.0 vs 6.0 split should converge in one round")
	}

	rounds, err := store.DebateRounds(ctx, task.ID)
	if err != nil {
		t.Fatalf("debate rounds: %v", err)
	}
	if len(rounds) != 1 {
		t.Fatalf("expected 1 sealed round, got %d", len(rounds))
	}
	if len(rounds[0].Proposals) != 2 || len(rounds[0].Critiques) != 2 || len(rounds[0].Votes) != 2 {
		t.Errorf("round trace incomplete: %d proposals, %d critiques, %d votes",
			len(rounds[0].Proposals), len(rounds[0].Critiques), len(rounds[0].Votes))
	}
}
