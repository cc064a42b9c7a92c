// Package orchestrator drives the rebalance lifecycle: a recurring scanner
// gates portfolios through the strategy evaluator and circuit breakers and
// enqueues work; a worker pool executes jobs under the per-portfolio guard
// and retries transient failures with exponential backoff.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/meridianlabs/rebalancer/internal/common"
	"github.com/meridianlabs/rebalancer/internal/guard"
	"github.com/meridianlabs/rebalancer/internal/interfaces"
	"github.com/meridianlabs/rebalancer/internal/models"
)

// EmergencyStopKey is the system KV flag that halts all scan cycles.
const EmergencyStopKey = "emergency_stop"

// Orchestrator runs the scan cycle and the rebalance worker pool.
type Orchestrator struct {
	storage  interfaces.StorageManager
	prices   interfaces.PriceProvider
	ledger   interfaces.LedgerService
	risk     interfaces.RiskModel
	notifier interfaces.Notifier
	guard    *guard.Guard
	logger   *common.Logger
	config   common.OrchestratorConfig
	metrics  *Metrics
	clock    func() time.Time

	// scanMu and snapshotMu keep the scan and snapshot cycles from racing
	// with themselves; worker concurrency is governed separately.
	scanMu     sync.Mutex
	snapshotMu sync.Mutex

	// lifecycleMu serializes Start and Stop so the admin surface can never
	// race the cancel function.
	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates an orchestrator with explicitly injected dependencies.
// notifier and metrics may be nil.
func New(
	storage interfaces.StorageManager,
	prices interfaces.PriceProvider,
	ledger interfaces.LedgerService,
	risk interfaces.RiskModel,
	notifier interfaces.Notifier,
	g *guard.Guard,
	logger *common.Logger,
	config common.OrchestratorConfig,
	metrics *Metrics,
) *Orchestrator {
	return &Orchestrator{
		storage:  storage,
		prices:   prices,
		ledger:   ledger,
		risk:     risk,
		notifier: notifier,
		guard:    g,
		logger:   logger,
		config:   config,
		metrics:  metrics,
		clock:    time.Now,
	}
}

// safeGo launches a goroutine with panic recovery and logging.
func (o *Orchestrator) safeGo(name string, fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in orchestrator goroutine")
			}
		}()
		fn()
	}()
}

// Start recovers orphaned jobs and launches the worker pool.
// Safe to call multiple times — stops any existing loops before starting.
func (o *Orchestrator) Start() {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.cancel != nil {
		o.stopLocked()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	// Reset jobs orphaned by a previous crash
	if count, err := o.storage.JobQueueStore().ResetActiveJobs(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to reset orphaned active jobs")
	} else if count > 0 {
		o.logger.Info().Int("count", count).Msg("Reset orphaned active jobs to waiting")
	}

	maxConc := o.config.GetMaxConcurrent()
	for i := 0; i < maxConc; i++ {
		name := fmt.Sprintf("worker-%d", i)
		o.safeGo(name, func() { o.processLoop(ctx) })
	}

	o.logger.Info().
		Int("workers", maxConc).
		Int("max_attempts", o.config.GetMaxAttempts()).
		Msg("Orchestrator started")
}

// RunScanCycleAsync runs one scan cycle on a background goroutine with the
// same panic recovery the worker loops get.
func (o *Orchestrator) RunScanCycleAsync(ctx context.Context) {
	o.safeGo("scan-cycle", func() { o.RunScanCycle(ctx) })
}

// Stop cancels all loops and waits for completion.
func (o *Orchestrator) Stop() {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	o.stopLocked()
}

func (o *Orchestrator) stopLocked() {
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.wg.Wait()
	o.logger.Info().Msg("Orchestrator stopped")
}

// EnqueueRebalance queues one rebalance job for a portfolio. The job id is
// unique per call so repeated enqueues are never silently deduplicated.
func (o *Orchestrator) EnqueueRebalance(ctx context.Context, portfolioID, triggeredBy string) (*models.RebalanceJob, error) {
	if portfolioID == "" {
		return nil, fmt.Errorf("portfolio id is required")
	}
	if _, err := o.storage.PortfolioStore().Get(ctx, portfolioID); err != nil {
		return nil, fmt.Errorf("failed to load portfolio %s: %w", portfolioID, err)
	}

	job := &models.RebalanceJob{
		PortfolioID: portfolioID,
		TriggeredBy: triggeredBy,
		Priority:    models.PriorityForTrigger(triggeredBy),
		Status:      models.JobStatusWaiting,
		CreatedAt:   o.clock(),
		MaxAttempts: o.config.GetMaxAttempts(),
	}
	if err := o.storage.JobQueueStore().Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue rebalance job: %w", err)
	}

	o.logger.Info().
		Str("job_id", job.ID).
		Str("portfolio_id", portfolioID).
		Str("triggered_by", triggeredBy).
		Msg("Rebalance job queued")
	return job, nil
}

// QueueCounts reports queue depth per state and updates the gauges.
func (o *Orchestrator) QueueCounts(ctx context.Context) (*models.QueueCounts, error) {
	counts, err := o.storage.JobQueueStore().Counts(ctx)
	if err != nil {
		return nil, err
	}
	o.metrics.ObserveQueue(counts)
	return counts, nil
}

// BrokerReachable reports whether the queue/lock coordinator answers.
func (o *Orchestrator) BrokerReachable(ctx context.Context) bool {
	err := o.storage.Ping(ctx)
	o.metrics.ObserveBroker(err == nil)
	return err == nil
}

// emergencyStopped reads the system-wide halt flag. Storage errors are
// logged and treated as not-stopped so a flaky KV read cannot wedge scans.
func (o *Orchestrator) emergencyStopped(ctx context.Context) bool {
	val, err := o.storage.SystemKV().Get(ctx, EmergencyStopKey)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Failed to read emergency stop flag")
		return false
	}
	return val == "true"
}
