package interfaces

import (
	"context"

	"github.com/meridianlabs/rebalancer/internal/models"
)

// PriceProvider supplies the current market snapshot.
type PriceProvider interface {
	GetCurrentPrices(ctx context.Context) (models.PriceSnapshot, error)
}

// LedgerService executes rebalance trades. Treated as opaque: it reports trade
// counts and fees, and may fail transiently or permanently.
type LedgerService interface {
	CheckRebalanceNeeded(ctx context.Context, portfolioID string) (bool, error)
	ExecuteRebalance(ctx context.Context, portfolioID string) (*models.RebalanceResult, error)
}

// RiskModel returns a binary verdict on a proposed rebalance.
type RiskModel interface {
	ShouldAllowRebalance(ctx context.Context, portfolio *models.Portfolio, prices models.PriceSnapshot) (*models.RiskVerdict, error)
}

// Notifier delivers best-effort user notifications. Failures never fail the
// operation that triggered them.
type Notifier interface {
	NotifyRebalance(ctx context.Context, portfolio *models.Portfolio, result *models.RebalanceResult) error
}
