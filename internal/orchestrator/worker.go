package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianlabs/rebalancer/internal/models"
	"github.com/meridianlabs/rebalancer/internal/safety"
	"github.com/meridianlabs/rebalancer/internal/storage"
)

// processLoop continuously dequeues and executes rebalance jobs.
func (o *Orchestrator) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := o.storage.JobQueueStore().Dequeue(ctx)
			if err != nil {
				o.logger.Warn().Err(err).Msg("Worker: dequeue error")
				if !o.sleep(ctx, time.Second) {
					return
				}
				continue
			}
			if job == nil {
				// Queue empty, sleep briefly
				if !o.sleep(ctx, time.Second) {
					return
				}
				continue
			}

			start := o.clock()
			execErr := o.executeJob(ctx, job)
			durationMS := time.Since(start).Milliseconds()

			o.settle(ctx, job, execErr, durationMS)
		}
	}
}

// settle moves an executed job to its next state: completed, delayed for
// retry, or terminally failed after the attempt ceiling.
func (o *Orchestrator) settle(ctx context.Context, job *models.RebalanceJob, execErr error, durationMS int64) {
	queue := o.storage.JobQueueStore()

	if execErr == nil {
		o.logger.Debug().
			Str("job_id", job.ID).
			Str("portfolio_id", job.PortfolioID).
			Int("attempt", job.Attempts).
			Int64("duration_ms", durationMS).
			Msg("Rebalance job completed")
		if err := queue.Complete(ctx, job.ID, nil, durationMS); err != nil {
			o.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to complete job in queue")
		}
		o.trimRetention(ctx)
		return
	}

	o.logger.Warn().
		Str("job_id", job.ID).
		Str("portfolio_id", job.PortfolioID).
		Int("attempt", job.Attempts).
		Int64("duration_ms", durationMS).
		Err(execErr).
		Msg("Rebalance job failed")

	if job.Attempts < job.MaxAttempts {
		runAt := o.clock().Add(o.retryDelay(job.Attempts))
		if err := queue.Delay(ctx, job.ID, runAt, execErr); err != nil {
			o.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to delay job for retry")
		} else {
			o.logger.Info().
				Str("job_id", job.ID).
				Int("attempt", job.Attempts).
				Int("max", job.MaxAttempts).
				Time("run_at", runAt).
				Msg("Rebalance job delayed for retry")
			return
		}
	}

	// Attempt ceiling reached (or the delay write failed): terminally failed,
	// retained for manual inspection.
	if err := queue.Complete(ctx, job.ID, execErr, durationMS); err != nil {
		o.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to mark job failed in queue")
	}
	o.trimRetention(ctx)
}

// retryDelay doubles from the base per completed attempt: 5s, 10s, 20s, 40s, 80s.
func (o *Orchestrator) retryDelay(attempt int) time.Duration {
	delay := o.config.GetRetryBaseDelay()
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// executeJob runs one rebalance under the per-portfolio lock. A held lock is
// an expected no-op: the portfolio is already being processed.
func (o *Orchestrator) executeJob(ctx context.Context, job *models.RebalanceJob) error {
	acquired, err := o.guard.Acquire(ctx, job.PortfolioID)
	if err != nil {
		return err
	}
	if !acquired {
		o.logger.Info().
			Str("job_id", job.ID).
			Str("portfolio_id", job.PortfolioID).
			Msg("Portfolio already locked, skipping execution")
		return nil
	}
	// Guaranteed release on every exit path, including panics.
	defer o.guard.Release(ctx, job.PortfolioID)

	if err := o.rebalance(ctx, job); err != nil {
		o.recordFailure(ctx, job, err)
		return err
	}
	return nil
}

// rebalance loads the portfolio under the lock, executes through the ledger,
// and writes the result back with an optimistic versioned write.
func (o *Orchestrator) rebalance(ctx context.Context, job *models.RebalanceJob) error {
	// The version is read after the lock is taken so the versioned write can
	// only conflict with writers outside this orchestrator.
	portfolio, err := o.storage.PortfolioStore().Get(ctx, job.PortfolioID)
	if err != nil {
		return fmt.Errorf("failed to load portfolio: %w", err)
	}

	result, err := o.ledger.ExecuteRebalance(ctx, job.PortfolioID)
	if err != nil {
		return fmt.Errorf("ledger execution failed: %w", err)
	}

	prices, err := o.prices.GetCurrentPrices(ctx)
	if err != nil {
		// Trades have already settled; an unavailable snapshot skips
		// verification and leaves the stored total as-is.
		o.logger.Warn().
			Str("portfolio_id", job.PortfolioID).
			Err(err).
			Msg("Price snapshot unavailable after execution")
		prices = nil
	}

	// When the ledger reports post-trade holdings, verify them against the
	// target allocations before committing. A slippage violation fails the
	// attempt without recording a rebalance.
	if len(result.Balances) > 0 {
		if err := o.verifySlippage(portfolio, prices, result.Balances); err != nil {
			return err
		}
		portfolio.Balances = result.Balances
	}

	portfolio.LastRebalance = o.clock()
	if prices != nil {
		portfolio.TotalValue, _ = portfolio.CurrentValue(prices).Float64()
	}
	if err := o.storage.PortfolioStore().UpdateVersioned(ctx, portfolio, portfolio.Version); err != nil {
		// A conflict here means an external writer raced us; surface it with
		// the current version rather than resolving silently.
		return fmt.Errorf("failed to record rebalance: %w", err)
	}

	event := &models.RebalanceEvent{
		PortfolioID: job.PortfolioID,
		TriggeredBy: job.TriggeredBy,
		Status:      models.EventStatusCompleted,
		Trades:      result.Trades,
		GasUsed:     result.GasUsed,
		Attempt:     job.Attempts,
	}
	if err := o.storage.AuditStore().Append(ctx, event); err != nil {
		o.logger.Warn().
			Str("job_id", job.ID).
			Err(err).
			Msg("Failed to write completion audit record")
	}

	o.metrics.ObserveRebalance(models.EventStatusCompleted)

	// Best-effort notification; failure never fails the job.
	if o.notifier != nil {
		if err := o.notifier.NotifyRebalance(ctx, portfolio, result); err != nil {
			o.logger.Warn().
				Str("portfolio_id", job.PortfolioID).
				Err(err).
				Msg("Rebalance notification failed")
		}
	}

	o.logger.Info().
		Str("job_id", job.ID).
		Str("portfolio_id", job.PortfolioID).
		Int("trades", result.Trades).
		Str("gas_used", result.GasUsed).
		Msg("Rebalance executed")
	return nil
}

// verifySlippage compares ledger-reported holdings against the balances the
// target allocations imply at current prices. Trades have already settled by
// the time this runs, so an unverifiable result (no price snapshot) is
// allowed rather than failed.
func (o *Orchestrator) verifySlippage(p *models.Portfolio, prices models.PriceSnapshot, actual map[string]float64) error {
	if prices == nil {
		return nil
	}

	total := p.CurrentValue(prices)
	if total.Sign() <= 0 {
		return nil
	}

	expected := make(map[string]float64, len(p.Allocations))
	for symbol, targetPct := range p.Allocations {
		asset, ok := prices[symbol]
		if !ok || asset.Price <= 0 {
			continue
		}
		value := total.Mul(decimal.NewFromFloat(targetPct)).Div(decimal.NewFromInt(100))
		expected[symbol], _ = value.Div(decimal.NewFromFloat(asset.Price)).Float64()
	}

	tolerance := p.SlippageToleranceBPS
	if tolerance == 0 {
		tolerance = safety.DefaultSlippageBPS
	}
	if v := safety.CheckSlippage(expected, actual, tolerance); !v.Safe {
		return fmt.Errorf("slippage check failed: %s", v.Reason)
	}
	return nil
}

// recordFailure writes a failure audit record. Failure of this write is
// logged but never masks the original execution error.
func (o *Orchestrator) recordFailure(ctx context.Context, job *models.RebalanceJob, execErr error) {
	event := &models.RebalanceEvent{
		PortfolioID: job.PortfolioID,
		TriggeredBy: job.TriggeredBy,
		Status:      models.EventStatusFailed,
		Attempt:     job.Attempts,
		Error:       execErr.Error(),
	}
	if err := o.storage.AuditStore().Append(ctx, event); err != nil {
		o.logger.Warn().
			Str("job_id", job.ID).
			Str("portfolio_id", job.PortfolioID).
			Err(err).
			Msg("Failed to write failure audit record")
	}
	o.metrics.ObserveRebalance(models.EventStatusFailed)

	if storage.IsVersionConflict(execErr) {
		o.logger.Warn().
			Str("portfolio_id", job.PortfolioID).
			Err(execErr).
			Msg("Optimistic write conflict during rebalance")
	}
}

// trimRetention bounds terminal-job retention after each settlement.
func (o *Orchestrator) trimRetention(ctx context.Context) {
	queue := o.storage.JobQueueStore()
	if _, err := queue.TrimCompleted(ctx, o.config.GetCompletedKeep()); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to trim completed jobs")
	}
	if _, err := queue.TrimFailed(ctx, o.config.GetFailedKeep()); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to trim failed jobs")
	}
}

// sleep waits for d or until ctx is cancelled; returns false on cancellation.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
