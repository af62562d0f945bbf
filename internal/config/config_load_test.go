package config

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestDefaultConfigBudgets(t *testing.T) {
	cfg := Default()
	if cfg.Context.RollingThreshold <= 0 {
		t.Fatalf("expected a positive rolling threshold, got %d", cfg.Context.RollingThreshold)
	}
	if cfg.Context.MaxImageBase64Single >= cfg.Context.MaxImageBase64Total {
		t.Fatalf("per-image ceiling must be smaller than the total ceiling")
	}
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.json5")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Model != Default().Provider.Model {
		t.Fatalf("expected default model, got %q", cfg.Provider.Model)
	}
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Setenv("RELAY_DISCORD_TOKEN", "tok-123")
	t.Setenv("RELAY_ANTHROPIC_API_KEY", "key-456")

	cfg := Default()
	applyEnvOverrides(cfg)

	if cfg.Discord.Token != "tok-123" {
		t.Fatalf("expected discord token from env, got %q", cfg.Discord.Token)
	}
	if cfg.Provider.APIKey != "key-456" {
		t.Fatalf("expected provider api key from env, got %q", cfg.Provider.APIKey)
	}

	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "tok-123") || strings.Contains(string(b), "key-456") {
		t.Fatalf("secrets must not be serialized into the saved config: %s", b)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir available")
	}
	got := ExpandHome("~/foo")
	want := home + "/foo"
	if got != want {
		t.Fatalf("ExpandHome(~/foo) = %q, want %q", got, want)
	}
}

func TestHashChangesWithContent(t *testing.T) {
	a := Default()
	b := Default()
	if a.Hash() != b.Hash() {
		t.Fatalf("two default configs should hash identically")
	}
	b.Provider.Model = "different-model"
	if a.Hash() == b.Hash() {
		t.Fatalf("changed config should hash differently")
	}
}
