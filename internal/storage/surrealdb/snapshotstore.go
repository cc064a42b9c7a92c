package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/meridianlabs/rebalancer/internal/common"
	"github.com/meridianlabs/rebalancer/internal/interfaces"
	"github.com/meridianlabs/rebalancer/internal/models"
)

const snapshotSelectFields = "snapshot_id as id, portfolio_id, total_value, asset_values, captured_at"

// SnapshotStore implements interfaces.SnapshotStore using SurrealDB.
type SnapshotStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewSnapshotStore creates a new SnapshotStore.
func NewSnapshotStore(db *surrealdb.DB, logger *common.Logger) *SnapshotStore {
	return &SnapshotStore{db: db, logger: logger}
}

func (s *SnapshotStore) Append(ctx context.Context, snapshot *models.PortfolioSnapshot) error {
	if snapshot.ID == "" {
		snapshot.ID = fmt.Sprintf("snap_%s", uuid.New().String()[:8])
	}
	if snapshot.CapturedAt.IsZero() {
		snapshot.CapturedAt = time.Now()
	}

	sql := `CREATE $rid SET
		snapshot_id = $snapshot_id, portfolio_id = $portfolio_id,
		total_value = $total_value, asset_values = $asset_values, captured_at = $captured_at`
	vars := map[string]any{
		"rid":          surrealmodels.NewRecordID("portfolio_snapshot", snapshot.ID),
		"snapshot_id":  snapshot.ID,
		"portfolio_id": snapshot.PortfolioID,
		"total_value":  snapshot.TotalValue,
		"asset_values": snapshot.AssetValues,
		"captured_at":  snapshot.CapturedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to append portfolio snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) ListByPortfolio(ctx context.Context, portfolioID string, limit int) ([]*models.PortfolioSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT " + snapshotSelectFields + " FROM portfolio_snapshot WHERE portfolio_id = $portfolio_id ORDER BY captured_at DESC LIMIT $limit"
	vars := map[string]any{"portfolio_id": portfolioID, "limit": limit}

	results, err := surrealdb.Query[[]models.PortfolioSnapshot](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolio snapshots: %w", err)
	}

	var snapshots []*models.PortfolioSnapshot
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			snapshots = append(snapshots, &(*results)[0].Result[i])
		}
	}
	return snapshots, nil
}

// Compile-time check
var _ interfaces.SnapshotStore = (*SnapshotStore)(nil)
