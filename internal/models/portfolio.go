// Package models defines data structures for the rebalancer
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Strategy names a rebalance-trigger policy.
type Strategy string

const (
	StrategyThreshold  Strategy = "threshold"
	StrategyPeriodic   Strategy = "periodic"
	StrategyVolatility Strategy = "volatility"
	StrategyCustom     Strategy = "custom"
)

// Allocation and threshold bounds enforced at portfolio creation.
const (
	AllocationSum          = 100.0
	AllocationSumTolerance = 0.01
	MinThreshold           = 1.0
	MaxThreshold           = 50.0
	MinSlippageBPS         = 10
	MaxSlippageBPS         = 500
)

// StrategyConfig holds strategy-specific parameters.
type StrategyConfig struct {
	IntervalDays  int     `json:"interval_days,omitempty"`  // periodic: days between rebalances (default 7)
	VolatilityPct float64 `json:"volatility_pct,omitempty"` // volatility: absolute 24h change trigger (default 10)
	MinDays       int     `json:"min_days,omitempty"`       // custom: minimum days since last rebalance (default 1)
}

// Portfolio represents a managed asset portfolio.
// Version increases on every successful mutation and backs the optimistic
// write protocol: no two writes may commit against the same prior version.
type Portfolio struct {
	ID                   string             `json:"id"`
	Name                 string             `json:"name"`
	Owner                string             `json:"owner,omitempty"`
	Allocations          map[string]float64 `json:"allocations"` // symbol -> target percent, sums to 100 +/- 0.01
	Balances             map[string]float64 `json:"balances"`    // symbol -> held quantity
	TotalValue           float64            `json:"total_value"`
	Threshold            float64            `json:"threshold"` // drift percent that triggers a rebalance (1-50)
	Strategy             Strategy           `json:"strategy"`
	StrategyConfig       StrategyConfig     `json:"strategy_config"`
	SlippageToleranceBPS int                `json:"slippage_tolerance_bps"` // 10-500
	Active               bool               `json:"active"`
	LastRebalance        time.Time          `json:"last_rebalance"`
	Version              int64              `json:"version"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// AssetPrice is one asset's entry in a price snapshot.
type AssetPrice struct {
	Price     float64   `json:"price"`
	Change24h float64   `json:"change_24h"` // percent
	Timestamp time.Time `json:"timestamp"`
}

// PriceSnapshot maps asset symbols to prices. Immutable once fetched — a scan
// cycle judges every portfolio against the same snapshot.
type PriceSnapshot map[string]AssetPrice

// CurrentValue returns the portfolio's total value under the given snapshot.
func (p *Portfolio) CurrentValue(prices PriceSnapshot) decimal.Decimal {
	total := decimal.Zero
	for symbol, balance := range p.Balances {
		asset, ok := prices[symbol]
		if !ok {
			continue
		}
		total = total.Add(decimal.NewFromFloat(balance).Mul(decimal.NewFromFloat(asset.Price)))
	}
	return total
}

// Drift returns the absolute difference between an asset's current share of
// the portfolio and its target percentage, given the total value.
func (p *Portfolio) Drift(symbol string, prices PriceSnapshot, total decimal.Decimal) decimal.Decimal {
	if total.Sign() <= 0 {
		return decimal.Zero
	}
	target := decimal.NewFromFloat(p.Allocations[symbol])
	asset, ok := prices[symbol]
	if !ok {
		return decimal.Zero
	}
	value := decimal.NewFromFloat(p.Balances[symbol]).Mul(decimal.NewFromFloat(asset.Price))
	currentPct := value.Mul(decimal.NewFromInt(100)).Div(total)
	return currentPct.Sub(target).Abs()
}

// ValidAllocations reports whether the allocation targets sum to 100 +/- 0.01.
func ValidAllocations(allocations map[string]float64) bool {
	if len(allocations) == 0 {
		return false
	}
	sum := decimal.Zero
	for _, pct := range allocations {
		if pct < 0 {
			return false
		}
		sum = sum.Add(decimal.NewFromFloat(pct))
	}
	tolerance := decimal.NewFromFloat(AllocationSumTolerance)
	return sum.Sub(decimal.NewFromFloat(AllocationSum)).Abs().LessThanOrEqual(tolerance)
}

// PortfolioSnapshot is a point-in-time valuation captured by the hourly
// analytics job. Read-only derivation — no locking is involved in producing it.
type PortfolioSnapshot struct {
	ID          string             `json:"id"`
	PortfolioID string             `json:"portfolio_id"`
	TotalValue  float64            `json:"total_value"`
	AssetValues map[string]float64 `json:"asset_values"`
	CapturedAt  time.Time          `json:"captured_at"`
}
