package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/voidmesh/hivemind/internal/agent"
	"github.com/voidmesh/hivemind/internal/api"
	"github.com/voidmesh/hivemind/internal/config"
	"github.com/voidmesh/hivemind/internal/debate"
	"github.com/voidmesh/hivemind/internal/embedding"
	"github.com/voidmesh/hivemind/internal/memory"
	"github.com/voidmesh/hivemind/internal/orchestrator"
	"github.com/voidmesh/hivemind/internal/provider"
	pgstore "github.com/voidmesh/hivemind/internal/store"
	"github.com/voidmesh/hivemind/internal/vectorstore"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Hivemind...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/hivemind.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize model router
	router := provider.NewRouter(provider.RouterConfig{
		MaxRetries:       cfg.Router.MaxRetries,
		BackoffBase:      cfg.Router.BackoffBase(),
		FailureThreshold: cfg.Router.FailureThreshold,
		Cooldown:         cfg.Router.Cooldown(),
	}, logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.Config{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Model: pc.Model, ContextTokens: pc.ContextTokens,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}

	// Initialize PostgreSQL
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
		}
	}

	var backend memory.Backend
	var taskStore orchestrator.Store
	if pgStore != nil {
		backend = memory.NewPostgresBackend(pgStore.Pool(), logger)
		taskStore = orchestrator.NewPostgresStore(pgStore.Pool())
	} else {
		logger.Warn("memory and tasks held in process only")
		backend = memory.NewMemBackend()
		taskStore = orchestrator.NewMemStore()
	}

	// Initialize working cache
	memOpts := []memory.Option{memory.WithSummarizer(agent.NewSummarizer(router))}
	var cache *memory.WorkingCache
	if cfg.Database.Redis.URL != "" {
		c, cacheErr := memory.NewWorkingCache(cfg.Database.Redis.URL, logger)
		if cacheErr != nil {
			logger.Warn("Redis unavailable, running without working cache", zap.Error(cacheErr))
		} else {
			cache = c
			memOpts = append(memOpts, memory.WithCache(cache))
		}
	}

	// Initialize vector search
	var qdrant *vectorstore.Client
	if cfg.Database.Qdrant.Host != "" && cfg.Embedding.Endpoint != "" {
		qc, qErr := vectorstore.NewClient(vectorstore.Config{
			Host: cfg.Database.Qdrant.Host,
			Port: cfg.Database.Qdrant.Port,
		})
		if qErr != nil {
			logger.Warn("Qdrant unavailable, running without semantic recall", zap.Error(qErr))
		} else {
			qdrant = qc
			embedder := embedding.NewClient(embedding.Config{
				Endpoint:  cfg.Embedding.Endpoint,
				Model:     cfg.Embedding.Model,
				APIKey:    cfg.Embedding.APIKey,
				Dimension: cfg.Embedding.Dimension,
			})
			memOpts = append(memOpts, memory.WithVectors(memory.NewQdrantIndex(qdrant), embedder))
		}
	}

	mem := memory.NewManager(backend, logger, memOpts...)

	// Initialize agent runtime and coordination layers
	runtime := agent.NewRuntime(router, mem, logger)

	debates := debate.NewEngine(runtime, mem, debate.Options{
		MaxRounds:      cfg.Debate.MaxRounds,
		ScoreThreshold: cfg.Debate.ScoreThreshold,
		ScoreMargin:    cfg.Debate.ScoreMargin,
		RoundTimeout:   cfg.Debate.RoundTimeout(),
	}, logger)

	planner := orchestrator.NewPlanner(router, logger)
	orch := orchestrator.New(planner, runtime, debates, mem, taskStore, orchestrator.Options{
		PoolSize:          cfg.Executor.PoolSize,
		SubtaskTimeout:    cfg.Executor.SubtaskTimeout(),
		MaxReworkAttempts: cfg.Executor.MaxReworkAttempts,
		AcceptThreshold:   cfg.Debate.ScoreThreshold,
	}, logger)

	handler := api.NewHandler(orch, mem, router, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	if cache != nil {
		_ = cache.Close()
	}
	if qdrant != nil {
		_ = qdrant.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
	logger.Info("Shutdown complete")
}
