package e2e

import (
	"context"
	"fmt"
	"testing"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/voidmesh/hivemind/internal/agent"
	"github.com/voidmesh/hivemind/internal/debate"
	"github.com/voidmesh/hivemind/internal/memory"
	"github.com/voidmesh/hivemind/internal/orchestrator"
	"github.com/voidmesh/hivemind/internal/provider"
	pgstore "github.com/voidmesh/hivemind/internal/store"
)

// Package-level shared state, set by TestMain, used by all subtests.
var (
	testLogger   *zap.Logger
	testPGStore  *pgstore.Store
	testRedisURL string
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("hivemind_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	url, err := container.ConnectionString(ctx)
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

// fnProvider answers every model call with fn's result.
type fnProvider struct {
	id string
	fn func(req *provider.ChatRequest) (string, error)
}

func (f *fnProvider) ID() string   { return f.id }
func (f *fnProvider) Name() string { return f.id }

func (f *fnProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	content, err := f.fn(req)
	if err != nil {
		return nil, err
	}
	return &provider.ChatResponse{Provider: f.id, Model: "test", Content: content}, nil
}

func (f *fnProvider) HealthCheck(context.Context) error { return nil }

func lastUserPrompt(req *provider.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

// newStack wires a full coordination stack over the shared PostgreSQL
// pool and Redis instance, with model calls answered by fn.
func newStack(t *testing.T, fn func(req *provider.ChatRequest) (string, error)) (*orchestrator.Orchestrator, *orchestrator.PostgresStore, *memory.Manager) {
	t.Helper()

	router := provider.NewRouter(provider.DefaultRouterConfig(), testLogger)
	router.Register(&fnProvider{id: "test-llm", fn: fn})

	cache, err := memory.NewWorkingCache(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("working cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	backend := memory.NewPostgresBackend(testPGStore.Pool(), testLogger)
	mem := memory.NewManager(backend, testLogger, memory.WithCache(cache))

	rt := agent.NewRuntime(router, mem, testLogger)
	engine := debate.NewEngine(rt, mem, debate.DefaultOptions(), testLogger)
	store := orchestrator.NewPostgresStore(testPGStore.Pool())
	planner := orchestrator.NewPlanner(router, testLogger)

	opts := orchestrator.DefaultOptions()
	opts.MaxReworkAttempts = 0
	return orchestrator.New(planner, rt, engine, mem, store, opts, testLogger), store, mem
}
