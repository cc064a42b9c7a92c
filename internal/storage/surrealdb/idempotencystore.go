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
)

const idempotencySelectFields = "record_key as key, fingerprint, status_code, body, created_at, expires_at"

// IdempotencyStore implements interfaces.IdempotencyStore using SurrealDB.
type IdempotencyStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewIdempotencyStore creates a new IdempotencyStore.
func NewIdempotencyStore(db *surrealdb.DB, logger *common.Logger) *IdempotencyStore {
	return &IdempotencyStore{db: db, logger: logger}
}

// Get returns nil for missing or expired keys.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	sql := "SELECT " + idempotencySelectFields + " FROM $rid"
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID("idempotency_record", key),
	}

	results, err := surrealdb.Query[[]models.IdempotencyRecord](ctx, s.db, sql, vars)
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}

	record := (*results)[0].Result[0]
	if record.Expired(time.Now()) {
		return nil, nil
	}
	return &record, nil
}

func (s *IdempotencyStore) Put(ctx context.Context, record *models.IdempotencyRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	sql := `UPSERT $rid SET
		record_key = $record_key, fingerprint = $fingerprint, status_code = $status_code,
		body = $body, created_at = $created_at, expires_at = $expires_at`
	vars := map[string]any{
		"rid":         surrealmodels.NewRecordID("idempotency_record", record.Key),
		"record_key":  record.Key,
		"fingerprint": record.Fingerprint,
		"status_code": record.StatusCode,
		"body":        record.Body,
		"created_at":  record.CreatedAt,
		"expires_at":  record.ExpiresAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to put idempotency record: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) PurgeExpired(ctx context.Context) (int, error) {
	sql := "DELETE FROM idempotency_record WHERE expires_at < $now"
	vars := map[string]any{"now": time.Now()}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return 0, fmt.Errorf("failed to purge expired idempotency records: %w", err)
	}
	return 0, nil
}

// Compile-time check
var _ interfaces.IdempotencyStore = (*IdempotencyStore)(nil)
