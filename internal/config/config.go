package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Router    RouterConfig     `json:"router"`
	Debate    DebateConfig     `json:"debate"`
	Executor  ExecutorConfig   `json:"executor"`
	Database  DatabaseConfig   `json:"database"`
	Embedding EmbeddingConfig  `json:"embedding"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Name          string `json:"name"`
	Endpoint      string `json:"endpoint"`
	APIKey        string `json:"api_key"`
	Model         string `json:"model"`
	ContextTokens int    `json:"context_tokens,omitempty"`
}

// RouterConfig holds model-router resilience tunables.
type RouterConfig struct {
	MaxRetries       int `json:"max_retries"`
	BackoffBaseMS    int `json:"backoff_base_ms"`
	FailureThreshold int `json:"failure_threshold"`
	CooldownSeconds  int `json:"cooldown_seconds"`
}

// DebateConfig holds debate-engine tunables.
type DebateConfig struct {
	MaxRounds           int     `json:"max_rounds"`
	ScoreThreshold      float64 `json:"score_threshold"`
	ScoreMargin         float64 `json:"score_margin"`
	RoundTimeoutSeconds int     `json:"round_timeout_seconds"`
}

// ExecutorConfig holds orchestrator dispatch tunables.
type ExecutorConfig struct {
	PoolSize              int `json:"pool_size"`
	SubtaskTimeoutSeconds int `json:"subtask_timeout_seconds"`
	MaxReworkAttempts     int `json:"max_rework_attempts"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type EmbeddingConfig struct {
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Router.MaxRetries == 0 {
		c.Router.MaxRetries = 2
	}
	if c.Router.BackoffBaseMS == 0 {
		c.Router.BackoffBaseMS = 500
	}
	if c.Router.FailureThreshold == 0 {
		c.Router.FailureThreshold = 5
	}
	if c.Router.CooldownSeconds == 0 {
		c.Router.CooldownSeconds = 60
	}
	if c.Debate.MaxRounds == 0 {
		c.Debate.MaxRounds = 3
	}
	if c.Debate.ScoreThreshold == 0 {
		c.Debate.ScoreThreshold = 7.0
	}
	if c.Debate.ScoreMargin == 0 {
		c.Debate.ScoreMargin = 1.0
	}
	if c.Debate.RoundTimeoutSeconds == 0 {
		c.Debate.RoundTimeoutSeconds = 300
	}
	if c.Executor.PoolSize == 0 {
		c.Executor.PoolSize = 10
	}
	if c.Executor.SubtaskTimeoutSeconds == 0 {
		c.Executor.SubtaskTimeoutSeconds = 180
	}
	if c.Executor.MaxReworkAttempts == 0 {
		c.Executor.MaxReworkAttempts = 2
	}
}

// BackoffBase returns the router backoff base as a duration.
func (c *RouterConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// Cooldown returns the breaker cooldown as a duration.
func (c *RouterConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// RoundTimeout returns the per-round debate timeout as a duration.
func (c *DebateConfig) RoundTimeout() time.Duration {
	return time.Duration(c.RoundTimeoutSeconds) * time.Second
}

// SubtaskTimeout returns the per-subtask execution timeout as a duration.
func (c *ExecutorConfig) SubtaskTimeout() time.Duration {
	return time.Duration(c.SubtaskTimeoutSeconds) * time.Second
}
