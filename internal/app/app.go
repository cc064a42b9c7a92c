// Package app wires configuration, storage, clients, and the orchestrator
// into one runnable unit shared by the server entrypoint and tests.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meridianlabs/rebalancer/internal/clients/ledger"
	"github.com/meridianlabs/rebalancer/internal/clients/notify"
	"github.com/meridianlabs/rebalancer/internal/clients/reflector"
	"github.com/meridianlabs/rebalancer/internal/clients/riskmodel"
	"github.com/meridianlabs/rebalancer/internal/common"
	"github.com/meridianlabs/rebalancer/internal/guard"
	"github.com/meridianlabs/rebalancer/internal/idempotency"
	"github.com/meridianlabs/rebalancer/internal/interfaces"
	"github.com/meridianlabs/rebalancer/internal/orchestrator"
	"github.com/meridianlabs/rebalancer/internal/scheduler"
	"github.com/meridianlabs/rebalancer/internal/storage/surrealdb"
)

// Schedule ids, stable across restarts so the admin surface can address them.
const (
	ScheduleScan     = "scan"
	ScheduleSnapshot = "snapshot"
	SchedulePurge    = "idempotency-purge"
)

// App holds all initialized services and clients.
type App struct {
	Config       *common.Config
	Logger       *common.Logger
	Storage      interfaces.StorageManager
	Guard        *guard.Guard
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Gate         *idempotency.Gate
	StartupTime  time.Time
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes configuration, storage, clients, and the orchestrator.
// configPath may be empty, in which case the default resolution logic is used.
func NewApp(configPath string) (*App, error) {
	binDir := getBinaryDir()

	// Config resolution: explicit path, REBAL_CONFIG, binary dir, dev fallback.
	if configPath == "" {
		configPath = os.Getenv("REBAL_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "rebalancer.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/rebalancer.toml"
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := common.NewLogger(config.Logging.Level)

	storageManager, err := surrealdb.NewManager(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	ctx := context.Background()

	// Lock backend selection happens once at startup: distributed when the
	// coordinator answers, in-process otherwise.
	lockBackend := guard.SelectBackend(ctx, storageManager, logger)
	g := guard.New(lockBackend, config.Orchestra.GetLockTTL(), logger)

	priceClient := reflector.NewClient(config.Clients.Reflector.APIKey,
		reflector.WithLogger(logger),
		reflector.WithBaseURL(config.Clients.Reflector.BaseURL),
		reflector.WithRateLimit(config.Clients.Reflector.RateLimit),
		reflector.WithTimeout(config.Clients.Reflector.GetTimeout()),
	)

	ledgerClient := ledger.NewClient(
		ledger.WithLogger(logger),
		ledger.WithBaseURL(config.Clients.Ledger.BaseURL),
		ledger.WithRateLimit(config.Clients.Ledger.RateLimit),
		ledger.WithTimeout(config.Clients.Ledger.GetTimeout()),
	)

	riskClient := riskmodel.NewClient(
		riskmodel.WithLogger(logger),
		riskmodel.WithBaseURL(config.Clients.RiskModel.BaseURL),
		riskmodel.WithTimeout(config.Clients.RiskModel.GetTimeout()),
	)

	var notifier interfaces.Notifier
	if config.Clients.Webhook.URL != "" {
		notifier = notify.NewWebhook(config.Clients.Webhook.URL, config.Clients.Webhook.GetTimeout(), logger)
	}

	metrics := orchestrator.NewMetrics(prometheus.DefaultRegisterer)

	orch := orchestrator.New(
		storageManager,
		priceClient,
		ledgerClient,
		riskClient,
		notifier,
		g,
		logger,
		config.Orchestra,
		metrics,
	)

	gate := idempotency.New(storageManager.IdempotencyStore(), config.Idempotency.GetRetention(), logger)

	sched := scheduler.New(logger)
	if err := sched.Register(ScheduleScan, config.Orchestra.ScanSchedule, func(ctx context.Context) {
		orch.RunScanCycle(ctx)
	}); err != nil {
		return nil, err
	}
	if err := sched.Register(ScheduleSnapshot, config.Orchestra.SnapshotSchedule, func(ctx context.Context) {
		orch.RunAnalyticsSnapshot(ctx)
	}); err != nil {
		return nil, err
	}
	if err := sched.Register(SchedulePurge, "0 * * * *", gate.PurgeExpired); err != nil {
		return nil, err
	}

	app := &App{
		Config:       config,
		Logger:       logger,
		Storage:      storageManager,
		Guard:        g,
		Orchestrator: orch,
		Scheduler:    sched,
		Gate:         gate,
		StartupTime:  time.Now(),
	}

	logger.Info().
		Str("version", common.GetFullVersion()).
		Str("environment", config.Environment).
		Msg("Application initialized")

	return app, nil
}

// Start launches the worker pool and schedules, then runs the startup scan so
// a restart never waits half an hour for its first cycle.
func (a *App) Start() {
	a.Orchestrator.Start()
	a.Scheduler.Start()

	a.Orchestrator.RunScanCycleAsync(context.Background())
}

// Shutdown stops schedules, drains workers, and closes storage.
func (a *App) Shutdown() {
	a.Scheduler.Stop()
	a.Orchestrator.Stop()
	if err := a.Storage.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close storage cleanly")
	}
	a.Logger.Info().Msg("Application shut down")
}
