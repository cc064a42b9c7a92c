// Package common provides shared utilities for the rebalancer
package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the rebalancer service.
type Config struct {
	Environment string             `toml:"environment"`
	Server      ServerConfig       `toml:"server"`
	Storage     StorageConfig      `toml:"storage"`
	Clients     ClientsConfig      `toml:"clients"`
	Orchestra   OrchestratorConfig `toml:"orchestrator"`
	Idempotency IdempotencyConfig  `toml:"idempotency"`
	Logging     LoggingConfig      `toml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds SurrealDB connection configuration.
type StorageConfig struct {
	Address   string `toml:"address"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
}

// ClientsConfig holds API client configurations for external collaborators.
type ClientsConfig struct {
	Reflector ReflectorConfig `toml:"reflector"`
	Ledger    LedgerConfig    `toml:"ledger"`
	RiskModel RiskModelConfig `toml:"risk_model"`
	Webhook   WebhookConfig   `toml:"webhook"`
}

// ReflectorConfig holds price provider configuration.
type ReflectorConfig struct {
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	RateLimit int    `toml:"rate_limit"`
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *ReflectorConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// LedgerConfig holds ledger execution service configuration.
type LedgerConfig struct {
	BaseURL   string `toml:"base_url"`
	RateLimit int    `toml:"rate_limit"`
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *LedgerConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// RiskModelConfig holds risk model service configuration.
type RiskModelConfig struct {
	BaseURL string `toml:"base_url"`
	Timeout string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *RiskModelConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// WebhookConfig holds rebalance notification configuration. An empty URL
// disables notifications.
type WebhookConfig struct {
	URL     string `toml:"url"`
	Timeout string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *WebhookConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// OrchestratorConfig holds scan, worker, and retry configuration.
type OrchestratorConfig struct {
	ScanSchedule     string `toml:"scan_schedule"`     // cron expression, default every 30 minutes
	SnapshotSchedule string `toml:"snapshot_schedule"` // cron expression, default hourly
	MaxConcurrent    int    `toml:"max_concurrent"`    // rebalance workers
	MaxAttempts      int    `toml:"max_attempts"`
	RetryBaseDelay   string `toml:"retry_base_delay"`
	LockTTL          string `toml:"lock_ttl"`
	Cooldown         string `toml:"cooldown"`
	CompletedKeep    int    `toml:"completed_keep"`
	FailedKeep       int    `toml:"failed_keep"`
	DemoPortfolioID  string `toml:"demo_portfolio_id"`
}

// GetMaxConcurrent returns the rebalance worker count (default 3).
func (c *OrchestratorConfig) GetMaxConcurrent() int {
	if c.MaxConcurrent <= 0 {
		return 3
	}
	return c.MaxConcurrent
}

// GetMaxAttempts returns the per-job attempt ceiling (default 5).
func (c *OrchestratorConfig) GetMaxAttempts() int {
	if c.MaxAttempts <= 0 {
		return 5
	}
	return c.MaxAttempts
}

// GetRetryBaseDelay returns the first retry delay (default 5s, doubling per attempt).
func (c *OrchestratorConfig) GetRetryBaseDelay() time.Duration {
	d, err := time.ParseDuration(c.RetryBaseDelay)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// GetLockTTL returns the per-portfolio lock TTL (default 5m).
// The TTL doubles as the de facto execution timeout, so it must stay well above
// the expected worst-case rebalance duration.
func (c *OrchestratorConfig) GetLockTTL() time.Duration {
	d, err := time.ParseDuration(c.LockTTL)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// GetCooldown returns the minimum gap between two rebalances of one portfolio (default 1h).
func (c *OrchestratorConfig) GetCooldown() time.Duration {
	d, err := time.ParseDuration(c.Cooldown)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// GetCompletedKeep returns the completed-job retention count (default 100).
func (c *OrchestratorConfig) GetCompletedKeep() int {
	if c.CompletedKeep <= 0 {
		return 100
	}
	return c.CompletedKeep
}

// GetFailedKeep returns the failed-job retention count (default 200).
func (c *OrchestratorConfig) GetFailedKeep() int {
	if c.FailedKeep <= 0 {
		return 200
	}
	return c.FailedKeep
}

// IdempotencyConfig holds idempotency gate configuration.
type IdempotencyConfig struct {
	Retention string `toml:"retention"`
}

// GetRetention returns the record retention window (default 24h).
func (c *IdempotencyConfig) GetRetention() time.Duration {
	d, err := time.ParseDuration(c.Retention)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Address:   "ws://localhost:8000",
			Username:  "root",
			Password:  "root",
			Namespace: "rebalancer",
			Database:  "rebalancer",
		},
		Clients: ClientsConfig{
			Reflector: ReflectorConfig{
				BaseURL:   "https://reflector.network/api",
				RateLimit: 10,
				Timeout:   "30s",
			},
			Ledger: LedgerConfig{
				BaseURL:   "http://localhost:9090",
				RateLimit: 5,
				Timeout:   "60s",
			},
			RiskModel: RiskModelConfig{
				BaseURL: "http://localhost:9091",
				Timeout: "15s",
			},
		},
		Orchestra: OrchestratorConfig{
			ScanSchedule:     "*/30 * * * *",
			SnapshotSchedule: "0 * * * *",
			MaxConcurrent:    3,
			MaxAttempts:      5,
			RetryBaseDelay:   "5s",
			LockTTL:          "5m",
			Cooldown:         "1h",
			CompletedKeep:    100,
			FailedKeep:       200,
			DemoPortfolioID:  "demo",
		},
		Idempotency: IdempotencyConfig{
			Retention: "24h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("REBAL_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("REBAL_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("REBAL_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("REBAL_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if addr := os.Getenv("REBAL_DB_ADDRESS"); addr != "" {
		config.Storage.Address = addr
	}
	if user := os.Getenv("REBAL_DB_USERNAME"); user != "" {
		config.Storage.Username = user
	}
	if pass := os.Getenv("REBAL_DB_PASSWORD"); pass != "" {
		config.Storage.Password = pass
	}

	if v := os.Getenv("REBAL_REFLECTOR_API_KEY"); v != "" {
		config.Clients.Reflector.APIKey = v
	}
	if v := os.Getenv("REBAL_LEDGER_URL"); v != "" {
		config.Clients.Ledger.BaseURL = v
	}
	if v := os.Getenv("REBAL_RISK_MODEL_URL"); v != "" {
		config.Clients.RiskModel.BaseURL = v
	}
}
