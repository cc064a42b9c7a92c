// Package safety implements the circuit-breaker bank: pure, stateless checks
// that block otherwise-eligible rebalances when market or portfolio conditions
// are judged unsafe. Every check takes literal inputs and performs no I/O.
package safety

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianlabs/rebalancer/internal/models"
)

// Safety thresholds.
const (
	MaxDailyChangePct      = 15.0             // volatility breaker: any asset beyond +/-15% in 24h
	MaxPriceAge            = 10 * time.Minute // freshness breaker
	CorrelatedMovePct      = 5.0              // correlation breaker: per-asset move size
	CorrelatedMoveCount    = 3                // correlation breaker: assets moving together
	MaxSingleAllocationPct = 80.0
	MinMeaningfulTargetPct = 1.0
	MaxTradePortfolioPct   = 25.0
	MinTradeValueUSD       = 10.0

	// DefaultSlippageBPS applies when a portfolio predates slippage tolerance
	// and stores zero.
	DefaultSlippageBPS = 100
)

var (
	maxDailyChange   = decimal.NewFromFloat(MaxDailyChangePct)
	correlatedMove   = decimal.NewFromFloat(CorrelatedMovePct)
	maxSingleTarget  = decimal.NewFromFloat(MaxSingleAllocationPct)
	minTargetPct     = decimal.NewFromFloat(MinMeaningfulTargetPct)
	maxTradeShare    = decimal.NewFromFloat(MaxTradePortfolioPct)
	minTradeValue    = decimal.NewFromFloat(MinTradeValueUSD)
	oneHundred       = decimal.NewFromInt(100)
	tenThousand      = decimal.NewFromInt(10000)
)

// Verdict is the outcome of one safety check.
type Verdict struct {
	Safe   bool
	Reason string
}

func safe() Verdict {
	return Verdict{Safe: true}
}

func unsafe(format string, args ...any) Verdict {
	return Verdict{Safe: false, Reason: fmt.Sprintf(format, args...)}
}

// CheckMarketConditions gates an entire scan cycle. Checks run in fixed order
// (volatility, freshness, correlation) and short-circuit on the first failure.
func CheckMarketConditions(prices models.PriceSnapshot, now time.Time) Verdict {
	if v := checkVolatility(prices); !v.Safe {
		return v
	}
	if v := checkFreshness(prices, now); !v.Safe {
		return v
	}
	return checkCorrelation(prices)
}

// checkVolatility fails if any asset moved more than 15% in 24 hours.
func checkVolatility(prices models.PriceSnapshot) Verdict {
	for symbol, asset := range prices {
		change := decimal.NewFromFloat(asset.Change24h).Abs()
		if change.GreaterThan(maxDailyChange) {
			return unsafe("extreme volatility on %s: %s%% change in 24h exceeds %.0f%%",
				symbol, change.StringFixed(1), MaxDailyChangePct)
		}
	}
	return safe()
}

// checkFreshness fails if any price is older than 10 minutes.
func checkFreshness(prices models.PriceSnapshot, now time.Time) Verdict {
	for symbol, asset := range prices {
		age := now.Sub(asset.Timestamp)
		if age > MaxPriceAge {
			return unsafe("stale price for %s: %.1f minutes old exceeds %.0f minute limit",
				symbol, age.Minutes(), MaxPriceAge.Minutes())
		}
	}
	return safe()
}

// checkCorrelation fails if three or more assets each moved more than 5% in the
// same direction — a correlated market shock, not genuine drift.
func checkCorrelation(prices models.PriceSnapshot) Verdict {
	up, down := 0, 0
	for _, asset := range prices {
		change := decimal.NewFromFloat(asset.Change24h)
		if change.GreaterThan(correlatedMove) {
			up++
		} else if change.LessThan(correlatedMove.Neg()) {
			down++
		}
	}
	if up >= CorrelatedMoveCount || down >= CorrelatedMoveCount {
		direction := "up"
		count := up
		if down > up {
			direction = "down"
			count = down
		}
		return unsafe("correlated market move: %d assets moved >%.0f%% %s", count, CorrelatedMovePct, direction)
	}
	return safe()
}

// CheckCooldown fails if the portfolio rebalanced within the minimum interval.
// The reason includes remaining hours to one decimal.
func CheckCooldown(lastRebalance time.Time, minInterval time.Duration, now time.Time) Verdict {
	if lastRebalance.IsZero() {
		return safe()
	}
	elapsed := now.Sub(lastRebalance)
	if elapsed >= minInterval {
		return safe()
	}
	remaining := (minInterval - elapsed).Hours()
	return unsafe("cooldown active: %.1f hours remaining", remaining)
}

// CheckConcentration fails if any single target exceeds 80%, or if no target
// allocation is above 1%.
func CheckConcentration(allocations map[string]float64) Verdict {
	meaningful := 0
	for symbol, pct := range allocations {
		target := decimal.NewFromFloat(pct)
		if target.GreaterThan(maxSingleTarget) {
			return unsafe("concentration risk: %s target %s%% exceeds %.0f%%",
				symbol, target.StringFixed(1), MaxSingleAllocationPct)
		}
		if target.GreaterThan(minTargetPct) {
			meaningful++
		}
	}
	if meaningful < 1 {
		return unsafe("concentration risk: no allocation target above %.0f%%", MinMeaningfulTargetPct)
	}
	return safe()
}

// CheckTradeSize fails for trades above 25% of portfolio value (oversized) or
// below $10 (dust).
func CheckTradeSize(tradeValue, portfolioValue float64) Verdict {
	trade := decimal.NewFromFloat(tradeValue).Abs()
	total := decimal.NewFromFloat(portfolioValue)

	if trade.LessThan(minTradeValue) {
		return unsafe("trade value $%s below $%.0f minimum", trade.StringFixed(2), MinTradeValueUSD)
	}
	if total.Sign() > 0 {
		share := trade.Mul(oneHundred).Div(total)
		if share.GreaterThan(maxTradeShare) {
			return unsafe("trade value $%s is %s%% of portfolio, exceeds %.0f%%",
				trade.StringFixed(2), share.StringFixed(1), MaxTradePortfolioPct)
		}
	}
	return safe()
}

// CheckSlippage compares executed balances against expected balances and fails
// if any asset's deviation exceeds the portfolio's tolerance in basis points.
func CheckSlippage(expected, actual map[string]float64, toleranceBPS int) Verdict {
	tolerance := decimal.NewFromInt(int64(toleranceBPS))
	for symbol, exp := range expected {
		expectedBal := decimal.NewFromFloat(exp)
		if expectedBal.Sign() == 0 {
			continue
		}
		actualBal := decimal.NewFromFloat(actual[symbol])
		diff := expectedBal.Sub(actualBal).Abs()
		slippageBPS := diff.Mul(tenThousand).Div(expectedBal.Abs())
		if slippageBPS.GreaterThan(tolerance) {
			return unsafe("slippage on %s: %s bps exceeds tolerance %d bps",
				symbol, slippageBPS.StringFixed(0), toleranceBPS)
		}
	}
	return safe()
}
