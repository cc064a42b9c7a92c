package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	if config.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", config.Server.Port)
	}
	if config.Orchestra.ScanSchedule != "*/30 * * * *" {
		t.Errorf("unexpected default scan schedule %q", config.Orchestra.ScanSchedule)
	}
	if got := config.Orchestra.GetMaxConcurrent(); got != 3 {
		t.Errorf("expected 3 workers, got %d", got)
	}
	if got := config.Orchestra.GetMaxAttempts(); got != 5 {
		t.Errorf("expected 5 attempts, got %d", got)
	}
	if got := config.Orchestra.GetLockTTL(); got != 5*time.Minute {
		t.Errorf("expected 5m lock TTL, got %v", got)
	}
	if got := config.Orchestra.GetCooldown(); got != time.Hour {
		t.Errorf("expected 1h cooldown, got %v", got)
	}
	if got := config.Idempotency.GetRetention(); got != 24*time.Hour {
		t.Errorf("expected 24h retention, got %v", got)
	}
}

func TestGettersFallBackOnGarbage(t *testing.T) {
	c := OrchestratorConfig{
		MaxConcurrent:  -1,
		MaxAttempts:    0,
		RetryBaseDelay: "soon",
		LockTTL:        "",
		Cooldown:       "-2h",
	}

	if got := c.GetMaxConcurrent(); got != 3 {
		t.Errorf("expected fallback 3, got %d", got)
	}
	if got := c.GetMaxAttempts(); got != 5 {
		t.Errorf("expected fallback 5, got %d", got)
	}
	if got := c.GetRetryBaseDelay(); got != 5*time.Second {
		t.Errorf("expected fallback 5s, got %v", got)
	}
	if got := c.GetLockTTL(); got != 5*time.Minute {
		t.Errorf("expected fallback 5m, got %v", got)
	}
	if got := c.GetCooldown(); got != time.Hour {
		t.Errorf("expected fallback 1h, got %v", got)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rebalancer.toml")
	content := `
environment = "production"

[server]
port = 9000

[orchestrator]
max_concurrent = 8
cooldown = "30m"

[clients.ledger]
base_url = "http://ledger.internal:9200"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if config.Environment != "production" {
		t.Errorf("expected production, got %s", config.Environment)
	}
	if config.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", config.Server.Port)
	}
	if got := config.Orchestra.GetMaxConcurrent(); got != 8 {
		t.Errorf("expected 8 workers, got %d", got)
	}
	if got := config.Orchestra.GetCooldown(); got != 30*time.Minute {
		t.Errorf("expected 30m cooldown, got %v", got)
	}
	if config.Clients.Ledger.BaseURL != "http://ledger.internal:9200" {
		t.Errorf("unexpected ledger url %s", config.Clients.Ledger.BaseURL)
	}

	// Unset sections keep defaults.
	if config.Storage.Address != "ws://localhost:8000" {
		t.Errorf("expected default storage address, got %s", config.Storage.Address)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	config, err := LoadConfig("/nonexistent/rebalancer.toml")
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if config.Server.Port != 8080 {
		t.Errorf("expected defaults, got port %d", config.Server.Port)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REBAL_ENV", "staging")
	t.Setenv("REBAL_PORT", "7070")
	t.Setenv("REBAL_DB_ADDRESS", "ws://db.internal:8000")
	t.Setenv("REBAL_REFLECTOR_API_KEY", "key-from-env")

	config, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}

	if config.Environment != "staging" {
		t.Errorf("expected staging, got %s", config.Environment)
	}
	if config.Server.Port != 7070 {
		t.Errorf("expected port 7070, got %d", config.Server.Port)
	}
	if config.Storage.Address != "ws://db.internal:8000" {
		t.Errorf("unexpected storage address %s", config.Storage.Address)
	}
	if config.Clients.Reflector.APIKey != "key-from-env" {
		t.Errorf("unexpected api key %s", config.Clients.Reflector.APIKey)
	}
}

func TestEnvOverrideInvalidPortIgnored(t *testing.T) {
	t.Setenv("REBAL_PORT", "not-a-port")

	config, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if config.Server.Port != 8080 {
		t.Errorf("invalid port must keep default, got %d", config.Server.Port)
	}
}
