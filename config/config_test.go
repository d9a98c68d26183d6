package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8787 {
		t.Fatalf("expected default port 8787, got %d", cfg.Server.Port)
	}
	if cfg.Providers.OpenAI.ReasoningModel != "gpt-4o" || cfg.Providers.OpenAI.FallbackModel != "gpt-4o-mini" {
		t.Fatalf("unexpected model defaults: %+v", cfg.Providers.OpenAI)
	}
	if cfg.Providers.OpenAI.LiveModel != "o1" {
		t.Fatalf("expected live model o1, got %q", cfg.Providers.OpenAI.LiveModel)
	}
	if cfg.Ingest.PollInterval != 5*time.Minute {
		t.Fatalf("expected 5m poll interval, got %s", cfg.Ingest.PollInterval)
	}
	if cfg.Providers.Serper.MaxAttempts != 3 || cfg.Providers.Serper.BackoffUnit != time.Second {
		t.Fatalf("unexpected serper retry defaults: %+v", cfg.Providers.Serper)
	}
	if cfg.Timeouts.LiveAggregation != 6*time.Second || cfg.Timeouts.LiveFallback != 4*time.Second || cfg.Timeouts.LiveParse != 8*time.Second {
		t.Fatalf("unexpected live timeouts: %+v", cfg.Timeouts)
	}
	if cfg.Redis.Enabled() {
		t.Fatalf("redis should be disabled without a host")
	}
	if cfg.Providers.OpenAI.Timeout != time.Minute {
		t.Fatalf("expected 1m model attempt timeout, got %s", cfg.Providers.OpenAI.Timeout)
	}
}

func TestLoadLegacyEnvNames(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SERPER_API_KEY", "serper-key")
	t.Setenv("OPENAI_API_KEY", "openai-key")
	t.Setenv("INTEL_SERVER_PORT", "9090")
	t.Setenv("OPENAI_PREFILTER_MODEL", "gpt-4.1-mini")
	t.Setenv("INTEL_POLL_INTERVAL", "90s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Serper.APIKey != "serper-key" || cfg.Providers.OpenAI.APIKey != "openai-key" {
		t.Fatalf("api keys not bound: %+v", cfg.Providers)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Providers.OpenAI.PrefilterModel != "gpt-4.1-mini" {
		t.Fatalf("expected prefilter override, got %q", cfg.Providers.OpenAI.PrefilterModel)
	}
	if cfg.Ingest.PollInterval != 90*time.Second {
		t.Fatalf("expected 90s poll interval, got %s", cfg.Ingest.PollInterval)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"server":{"port":7000},"redis":{"host":"localhost"},"ingest":{"cron":"*/10 * * * *","max_nodes":15}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Fatalf("expected port 7000, got %d", cfg.Server.Port)
	}
	if !cfg.Redis.Enabled() || cfg.Redis.Port != "6379" {
		t.Fatalf("expected redis enabled on default port, got %+v", cfg.Redis)
	}
	if cfg.Ingest.Cron != "*/10 * * * *" || cfg.Ingest.MaxNodes != 15 {
		t.Fatalf("unexpected ingest config: %+v", cfg.Ingest)
	}
}

func TestLoadRejectsInvalidMaxNodes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"ingest":{"max_nodes":50}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for max_nodes=50")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestLoadBareIntegersAreMilliseconds(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("INTEL_POLL_INTERVAL", "60000")
	if err := os.WriteFile("config.json", []byte(`{"ingest":{"cycle_timeout":45000}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ingest.PollInterval != time.Minute {
		t.Fatalf("expected 60000 to read as 1m, got %s", cfg.Ingest.PollInterval)
	}
	if cfg.Ingest.CycleTimeout != 45*time.Second {
		t.Fatalf("expected 45000 to read as 45s, got %s", cfg.Ingest.CycleTimeout)
	}
}
