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

// eventSelectFields lists the fields to select from rebalance_event, aliasing event_id to id for struct mapping.
const eventSelectFields = "event_id as id, portfolio_id, triggered_by, status, trades, gas_used, attempt, error, created_at"

// AuditStore implements interfaces.AuditStore using SurrealDB.
// Events are append-only: nothing updates or deletes them.
type AuditStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewAuditStore creates a new AuditStore.
func NewAuditStore(db *surrealdb.DB, logger *common.Logger) *AuditStore {
	return &AuditStore{db: db, logger: logger}
}

func (s *AuditStore) Append(ctx context.Context, event *models.RebalanceEvent) error {
	if event.ID == "" {
		event.ID = fmt.Sprintf("ev_%s", uuid.New().String()[:8])
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	sql := `CREATE $rid SET
		event_id = $event_id, portfolio_id = $portfolio_id, triggered_by = $triggered_by,
		status = $status, trades = $trades, gas_used = $gas_used,
		attempt = $attempt, error = $error, created_at = $created_at`
	vars := map[string]any{
		"rid":          surrealmodels.NewRecordID("rebalance_event", event.ID),
		"event_id":     event.ID,
		"portfolio_id": event.PortfolioID,
		"triggered_by": event.TriggeredBy,
		"status":       event.Status,
		"trades":       event.Trades,
		"gas_used":     event.GasUsed,
		"attempt":      event.Attempt,
		"error":        event.Error,
		"created_at":   event.CreatedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to append rebalance event: %w", err)
	}
	return nil
}

func (s *AuditStore) ListByPortfolio(ctx context.Context, portfolioID string, limit int) ([]*models.RebalanceEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT " + eventSelectFields + " FROM rebalance_event WHERE portfolio_id = $portfolio_id ORDER BY created_at DESC LIMIT $limit"
	vars := map[string]any{"portfolio_id": portfolioID, "limit": limit}

	results, err := surrealdb.Query[[]models.RebalanceEvent](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list rebalance events: %w", err)
	}

	var events []*models.RebalanceEvent
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			events = append(events, &(*results)[0].Result[i])
		}
	}
	return events, nil
}

// Compile-time check
var _ interfaces.AuditStore = (*AuditStore)(nil)
