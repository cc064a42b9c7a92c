// Package strategy decides whether a portfolio's drift, age, or market
// volatility justifies a rebalance. Evaluation is pure: the caller injects the
// price snapshot and the current time, and all percentage arithmetic runs on
// fixed-precision decimals so repeated evaluations cannot drift apart.
package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianlabs/rebalancer/internal/models"
)

// Strategy defaults.
const (
	DefaultIntervalDays  = 7
	DefaultVolatilityPct = 10.0
	DefaultMinDays       = 1

	// MaxPlausibleDrift guards against acting on bad inputs: a drift beyond 50
	// percentage points is treated as implausible or stale data, never as a
	// rebalance trigger.
	MaxPlausibleDrift = 50.0
)

var maxPlausibleDrift = decimal.NewFromFloat(MaxPlausibleDrift)

// Decision is the evaluator's outcome with the reason that produced it.
type Decision struct {
	Rebalance bool
	Reason    string
}

// Evaluate dispatches on the portfolio's strategy. Unknown strategy values
// fall back to threshold evaluation.
func Evaluate(p *models.Portfolio, prices models.PriceSnapshot, now time.Time) Decision {
	switch p.Strategy {
	case models.StrategyPeriodic:
		return evaluatePeriodic(p, now)
	case models.StrategyVolatility:
		return evaluateVolatility(p, prices, now)
	case models.StrategyCustom:
		return evaluateCustom(p, prices, now)
	default:
		return evaluateThreshold(p, prices)
	}
}

// evaluateThreshold returns true as soon as any asset's drift exceeds the
// portfolio threshold without exceeding the plausibility bound.
func evaluateThreshold(p *models.Portfolio, prices models.PriceSnapshot) Decision {
	total := p.CurrentValue(prices)
	if total.Sign() <= 0 {
		return Decision{Reason: "portfolio has no value"}
	}

	threshold := decimal.NewFromFloat(p.Threshold)
	for symbol := range p.Allocations {
		drift := p.Drift(symbol, prices, total)
		if drift.GreaterThan(maxPlausibleDrift) {
			// Implausible drift signals stale or corrupt inputs.
			continue
		}
		if drift.GreaterThan(threshold) {
			return Decision{
				Rebalance: true,
				Reason: fmt.Sprintf("drift %s%% on %s exceeds threshold %s%%",
					drift.StringFixed(2), symbol, threshold.StringFixed(1)),
			}
		}
	}
	return Decision{Reason: "all assets within threshold"}
}

// evaluatePeriodic returns true once the configured interval has elapsed.
func evaluatePeriodic(p *models.Portfolio, now time.Time) Decision {
	days := p.StrategyConfig.IntervalDays
	if days <= 0 {
		days = DefaultIntervalDays
	}
	interval := time.Duration(days) * 24 * time.Hour
	elapsed := now.Sub(p.LastRebalance)
	if p.LastRebalance.IsZero() || elapsed >= interval {
		return Decision{
			Rebalance: true,
			Reason:    fmt.Sprintf("periodic interval of %d days elapsed", days),
		}
	}
	return Decision{Reason: fmt.Sprintf("periodic interval not reached (%.1f of %d days)", elapsed.Hours()/24, days)}
}

// evaluateVolatility triggers immediately on a large 24h move, otherwise falls
// back to threshold evaluation.
func evaluateVolatility(p *models.Portfolio, prices models.PriceSnapshot, now time.Time) Decision {
	pct := p.StrategyConfig.VolatilityPct
	if pct <= 0 {
		pct = DefaultVolatilityPct
	}
	trigger := decimal.NewFromFloat(pct)
	for symbol := range p.Allocations {
		asset, ok := prices[symbol]
		if !ok {
			continue
		}
		change := decimal.NewFromFloat(asset.Change24h).Abs()
		if change.GreaterThanOrEqual(trigger) {
			return Decision{
				Rebalance: true,
				Reason: fmt.Sprintf("volatility trigger: %s moved %s%% in 24h",
					symbol, change.StringFixed(1)),
			}
		}
	}
	return evaluateThreshold(p, prices)
}

// evaluateCustom gates on a minimum elapsed days, then defers to threshold.
func evaluateCustom(p *models.Portfolio, prices models.PriceSnapshot, now time.Time) Decision {
	minDays := p.StrategyConfig.MinDays
	if minDays <= 0 {
		minDays = DefaultMinDays
	}
	if !p.LastRebalance.IsZero() {
		minGap := time.Duration(minDays) * 24 * time.Hour
		if now.Sub(p.LastRebalance) < minGap {
			return Decision{Reason: fmt.Sprintf("custom gate: less than %d days since last rebalance", minDays)}
		}
	}
	return evaluateThreshold(p, prices)
}
