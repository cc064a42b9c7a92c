package orchestrator

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/meridianlabs/rebalancer/internal/models"
)

// RunAnalyticsSnapshot captures a point-in-time valuation of every active
// portfolio. It is read-only: nothing is locked and no versions move. Skips
// silently when a previous snapshot run is still in flight.
func (o *Orchestrator) RunAnalyticsSnapshot(ctx context.Context) {
	if !o.snapshotMu.TryLock() {
		o.logger.Debug().Msg("Snapshot run already in progress, skipping")
		return
	}
	defer o.snapshotMu.Unlock()

	portfolios, err := o.storage.PortfolioStore().List(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Snapshot: failed to list portfolios")
		return
	}

	prices, err := o.prices.GetCurrentPrices(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Snapshot: failed to fetch prices")
		return
	}

	captured := 0
	for _, p := range portfolios {
		if ctx.Err() != nil {
			return
		}
		if !p.Active {
			continue
		}

		snapshot := o.buildSnapshot(p, prices)
		if err := o.storage.SnapshotStore().Append(ctx, snapshot); err != nil {
			o.logger.Warn().
				Str("portfolio_id", p.ID).
				Err(err).
				Msg("Snapshot: failed to persist")
			continue
		}
		captured++
	}

	o.logger.Info().
		Int("portfolios", len(portfolios)).
		Int("captured", captured).
		Msg("Analytics snapshot run complete")
}

func (o *Orchestrator) buildSnapshot(p *models.Portfolio, prices models.PriceSnapshot) *models.PortfolioSnapshot {
	assetValues := make(map[string]float64, len(p.Balances))
	for symbol, balance := range p.Balances {
		asset, ok := prices[symbol]
		if !ok {
			continue
		}
		value, _ := decimal.NewFromFloat(balance).Mul(decimal.NewFromFloat(asset.Price)).Float64()
		assetValues[symbol] = value
	}
	total, _ := p.CurrentValue(prices).Float64()

	return &models.PortfolioSnapshot{
		PortfolioID: p.ID,
		TotalValue:  total,
		AssetValues: assetValues,
		CapturedAt:  o.clock(),
	}
}
