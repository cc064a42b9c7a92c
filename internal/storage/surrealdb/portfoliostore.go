package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/meridianlabs/rebalancer/internal/common"
	"github.com/meridianlabs/rebalancer/internal/interfaces"
	"github.com/meridianlabs/rebalancer/internal/models"
	"github.com/meridianlabs/rebalancer/internal/storage"
)

// portfolioSelectFields lists the fields to select from portfolio, aliasing portfolio_id to id for struct mapping.
const portfolioSelectFields = `portfolio_id as id, name, owner, allocations, balances, total_value,
	threshold, strategy, strategy_config, slippage_tolerance_bps, active,
	last_rebalance, version, created_at, updated_at`

// PortfolioStore implements interfaces.PortfolioStore using SurrealDB.
type PortfolioStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewPortfolioStore creates a new PortfolioStore.
func NewPortfolioStore(db *surrealdb.DB, logger *common.Logger) *PortfolioStore {
	return &PortfolioStore{db: db, logger: logger}
}

func (s *PortfolioStore) Get(ctx context.Context, id string) (*models.Portfolio, error) {
	sql := "SELECT " + portfolioSelectFields + " FROM $rid"
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID("portfolio", id),
	}

	results, err := surrealdb.Query[[]models.Portfolio](ctx, s.db, sql, vars)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, storage.ErrNotFound
	}
	return &(*results)[0].Result[0], nil
}

func (s *PortfolioStore) List(ctx context.Context) ([]*models.Portfolio, error) {
	sql := "SELECT " + portfolioSelectFields + " FROM portfolio ORDER BY created_at ASC"

	results, err := surrealdb.Query[[]models.Portfolio](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}

	var portfolios []*models.Portfolio
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			portfolios = append(portfolios, &(*results)[0].Result[i])
		}
	}
	return portfolios, nil
}

func (s *PortfolioStore) Create(ctx context.Context, p *models.Portfolio) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Version == 0 {
		p.Version = 1
	}

	sql := `UPSERT $rid SET
		portfolio_id = $portfolio_id, name = $name, owner = $owner,
		allocations = $allocations, balances = $balances, total_value = $total_value,
		threshold = $threshold, strategy = $strategy, strategy_config = $strategy_config,
		slippage_tolerance_bps = $slippage_bps, active = $active,
		last_rebalance = $last_rebalance, version = $version,
		created_at = $created_at, updated_at = $updated_at`
	vars := map[string]any{
		"rid":             surrealmodels.NewRecordID("portfolio", p.ID),
		"portfolio_id":    p.ID,
		"name":            p.Name,
		"owner":           p.Owner,
		"allocations":     p.Allocations,
		"balances":        p.Balances,
		"total_value":     p.TotalValue,
		"threshold":       p.Threshold,
		"strategy":        p.Strategy,
		"strategy_config": p.StrategyConfig,
		"slippage_bps":    p.SlippageToleranceBPS,
		"active":          p.Active,
		"last_rebalance":  p.LastRebalance,
		"version":         p.Version,
		"created_at":      p.CreatedAt,
		"updated_at":      p.UpdatedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to create portfolio: %w", err)
	}
	return nil
}

// UpdateVersioned commits the mutation only if the stored version still equals
// expectedVersion, incrementing version atomically in the same statement.
// Distinguishes row-vanished (ErrNotFound) from lost-race (VersionConflictError
// carrying the committed version).
func (s *PortfolioStore) UpdateVersioned(ctx context.Context, p *models.Portfolio, expectedVersion int64) error {
	sql := `UPDATE $rid SET
		allocations = $allocations, balances = $balances, total_value = $total_value,
		threshold = $threshold, strategy = $strategy, strategy_config = $strategy_config,
		slippage_tolerance_bps = $slippage_bps, active = $active,
		last_rebalance = $last_rebalance, version = version + 1, updated_at = $updated_at
		WHERE version = $expected
		RETURN AFTER`
	vars := map[string]any{
		"rid":             surrealmodels.NewRecordID("portfolio", p.ID),
		"allocations":     p.Allocations,
		"balances":        p.Balances,
		"total_value":     p.TotalValue,
		"threshold":       p.Threshold,
		"strategy":        p.Strategy,
		"strategy_config": p.StrategyConfig,
		"slippage_bps":    p.SlippageToleranceBPS,
		"active":          p.Active,
		"last_rebalance":  p.LastRebalance,
		"updated_at":      time.Now(),
		"expected":        expectedVersion,
	}

	results, err := surrealdb.Query[[]models.Portfolio](ctx, s.db, sql, vars)
	if err != nil {
		return fmt.Errorf("failed to update portfolio %s: %w", p.ID, err)
	}

	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		p.Version = (*results)[0].Result[0].Version
		return nil
	}

	// The guarded update matched nothing: either the row vanished or another
	// writer committed first. Re-read to tell the two apart.
	current, err := s.Get(ctx, p.ID)
	if err != nil {
		return err
	}
	return &storage.VersionConflictError{
		PortfolioID: p.ID,
		Expected:    expectedVersion,
		Current:     current.Version,
	}
}

func (s *PortfolioStore) Delete(ctx context.Context, id string) error {
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID("portfolio", id),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, "DELETE $rid", vars); err != nil {
		return fmt.Errorf("failed to delete portfolio: %w", err)
	}
	return nil
}

// Compile-time check
var _ interfaces.PortfolioStore = (*PortfolioStore)(nil)
