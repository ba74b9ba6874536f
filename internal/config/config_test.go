package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hivemind.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("HIVEMIND_TEST_KEY", "sk-test-123")

	path := writeConfig(t, `{
		"server": {"port": 9090},
		"providers": [
			{"id": "claude", "type": "anthropic", "api_key": "${HIVEMIND_TEST_KEY}"},
			{"id": "gpt", "type": "openai", "api_key": "${HIVEMIND_MISSING:fallback-key}"}
		]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers[0].APIKey != "sk-test-123" {
		t.Errorf("env var not substituted: %q", cfg.Providers[0].APIKey)
	}
	if cfg.Providers[1].APIKey != "fallback-key" {
		t.Errorf("default not applied: %q", cfg.Providers[1].APIKey)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port default = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Router.FailureThreshold != 5 {
		t.Errorf("failure threshold default = %d, want 5", cfg.Router.FailureThreshold)
	}
	if cfg.Router.CooldownSeconds != 60 {
		t.Errorf("cooldown default = %d, want 60", cfg.Router.CooldownSeconds)
	}
	if cfg.Debate.MaxRounds != 3 {
		t.Errorf("max rounds default = %d, want 3", cfg.Debate.MaxRounds)
	}
	if cfg.Debate.ScoreThreshold != 7.0 {
		t.Errorf("score threshold default = %v, want 7.0", cfg.Debate.ScoreThreshold)
	}
	if cfg.Debate.ScoreMargin != 1.0 {
		t.Errorf("score margin default = %v, want 1.0", cfg.Debate.ScoreMargin)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
