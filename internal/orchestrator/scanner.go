package orchestrator

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/meridianlabs/rebalancer/internal/models"
	"github.com/meridianlabs/rebalancer/internal/safety"
	"github.com/meridianlabs/rebalancer/internal/strategy"
)

// RunScanCycle evaluates every portfolio against one shared price snapshot and
// enqueues rebalance jobs for those that pass the full gate chain. The cycle
// never runs concurrently with itself; an overlapping invocation is skipped.
func (o *Orchestrator) RunScanCycle(ctx context.Context) models.CycleSummary {
	if !o.scanMu.TryLock() {
		o.logger.Warn().Msg("Scan cycle already running, skipping")
		return models.CycleSummary{Aborted: true, Reason: "scan already running", RanAt: o.clock()}
	}
	defer o.scanMu.Unlock()

	now := o.clock()
	summary := models.CycleSummary{RanAt: now}

	if o.emergencyStopped(ctx) {
		summary.Aborted = true
		summary.Reason = "emergency stop active"
		o.logger.Warn().Msg("Scan cycle aborted: emergency stop active")
		return summary
	}

	portfolios, err := o.storage.PortfolioStore().List(ctx)
	if err != nil {
		summary.Aborted = true
		summary.Reason = "failed to list portfolios"
		o.logger.Error().Err(err).Msg("Scan cycle aborted: cannot list portfolios")
		return summary
	}

	// One snapshot per cycle: every portfolio is judged against the same
	// market instant.
	prices, err := o.prices.GetCurrentPrices(ctx)
	if err != nil {
		summary.Aborted = true
		summary.Reason = "failed to fetch prices"
		o.logger.Error().Err(err).Msg("Scan cycle aborted: cannot fetch prices")
		return summary
	}

	// Market-wide breaker gates the whole cycle.
	if v := safety.CheckMarketConditions(prices, now); !v.Safe {
		summary.Aborted = true
		summary.Reason = v.Reason
		o.logger.Warn().Str("reason", v.Reason).Msg("Scan cycle aborted: market conditions unsafe")
		o.metrics.ObserveCycle(&summary)
		return summary
	}

	for _, p := range portfolios {
		// One portfolio's failure must not block the scan of the rest.
		if err := ctx.Err(); err != nil {
			summary.Aborted = true
			summary.Reason = "cycle cancelled"
			break
		}
		if p.ID == o.config.DemoPortfolioID {
			continue
		}
		summary.Checked++
		if o.evaluatePortfolio(ctx, p, prices) {
			summary.Queued++
		} else {
			summary.Skipped++
		}
	}

	o.logger.Info().
		Int("checked", summary.Checked).
		Int("queued", summary.Queued).
		Int("skipped", summary.Skipped).
		Msg("Scan cycle complete")
	o.metrics.ObserveCycle(&summary)
	return summary
}

// evaluatePortfolio runs the per-portfolio gate chain and enqueues a job when
// every gate passes. Returns true if a job was queued.
func (o *Orchestrator) evaluatePortfolio(ctx context.Context, p *models.Portfolio, prices models.PriceSnapshot) bool {
	now := o.clock()

	if !p.Active {
		return false
	}

	decision := strategy.Evaluate(p, prices, now)
	if !decision.Rebalance {
		o.logger.Debug().
			Str("portfolio_id", p.ID).
			Str("reason", decision.Reason).
			Msg("Scan: strategy declined")
		return false
	}

	if v := safety.CheckCooldown(p.LastRebalance, o.config.GetCooldown(), now); !v.Safe {
		o.logger.Debug().
			Str("portfolio_id", p.ID).
			Str("reason", v.Reason).
			Msg("Scan: cooldown active")
		return false
	}

	verdict, err := o.risk.ShouldAllowRebalance(ctx, p, prices)
	if err != nil {
		o.logger.Warn().
			Str("portfolio_id", p.ID).
			Err(err).
			Msg("Scan: risk model unavailable, skipping portfolio")
		return false
	}
	if !verdict.Allowed {
		o.logger.Info().
			Str("portfolio_id", p.ID).
			Str("reason", verdict.Reason).
			Msg("Scan: risk model disallowed rebalance")
		return false
	}

	if v := safety.CheckConcentration(p.Allocations); !v.Safe {
		o.logger.Warn().
			Str("portfolio_id", p.ID).
			Str("reason", v.Reason).
			Msg("Scan: concentration risk")
		return false
	}

	if v := o.checkImpliedTradeSize(p, prices); !v.Safe {
		o.logger.Debug().
			Str("portfolio_id", p.ID).
			Str("reason", v.Reason).
			Msg("Scan: trade size out of bounds")
		return false
	}

	if _, err := o.EnqueueRebalance(ctx, p.ID, models.TriggerScheduler); err != nil {
		o.logger.Warn().
			Str("portfolio_id", p.ID).
			Err(err).
			Msg("Scan: failed to enqueue rebalance job")
		return false
	}
	return true
}

// checkImpliedTradeSize sizes the rebalance as the worst single-asset drift
// applied to the portfolio's value and runs it through the trade-size breaker.
func (o *Orchestrator) checkImpliedTradeSize(p *models.Portfolio, prices models.PriceSnapshot) safety.Verdict {
	total := p.CurrentValue(prices)
	maxDrift := decimal.Zero
	for symbol := range p.Allocations {
		if d := p.Drift(symbol, prices, total); d.GreaterThan(maxDrift) {
			maxDrift = d
		}
	}
	tradeValue, _ := maxDrift.Mul(total).Div(decimal.NewFromInt(100)).Float64()
	totalValue, _ := total.Float64()
	return safety.CheckTradeSize(tradeValue, totalValue)
}
