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
)

// lockRow is the rebalance_lock table shape.
type lockRow struct {
	Key        string    `json:"lock_key"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LockStore implements interfaces.LockStore using SurrealDB: at most one
// unexpired lock row exists per key.
type LockStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewLockStore creates a new LockStore.
func NewLockStore(db *surrealdb.DB, logger *common.Logger) *LockStore {
	return &LockStore{db: db, logger: logger}
}

// Acquire sets the lock only if absent or expired. The write carries a unique
// holder token; ownership is confirmed by reading the token back, so two
// racing acquirers cannot both believe they won.
func (s *LockStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()
	holder := uuid.New().String()
	rid := surrealmodels.NewRecordID("rebalance_lock", key)

	// Claim only when no row exists or the existing one has expired.
	sql := `UPSERT $rid SET lock_key = $key, holder = $holder, acquired_at = $now, expires_at = $expires
		WHERE holder = NONE OR expires_at < $now`
	vars := map[string]any{
		"rid":     rid,
		"key":     key,
		"holder":  holder,
		"now":     now,
		"expires": now.Add(ttl),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	// Confirm ownership.
	readSQL := "SELECT lock_key, holder, acquired_at, expires_at FROM $rid"
	results, err := surrealdb.Query[[]lockRow](ctx, s.db, readSQL, map[string]any{"rid": rid})
	if err != nil {
		return false, fmt.Errorf("failed to confirm lock %s: %w", key, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return false, nil
	}
	return (*results)[0].Result[0].Holder == holder, nil
}

// Release unconditionally clears the lock.
func (s *LockStore) Release(ctx context.Context, key string) error {
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID("rebalance_lock", key),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, "DELETE $rid", vars); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// IsLocked reports whether an unexpired lock exists for key.
func (s *LockStore) IsLocked(ctx context.Context, key string) (bool, error) {
	sql := "SELECT lock_key, holder, acquired_at, expires_at FROM $rid"
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID("rebalance_lock", key),
	}

	results, err := surrealdb.Query[[]lockRow](ctx, s.db, sql, vars)
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to probe lock %s: %w", key, err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return false, nil
	}
	return time.Now().Before((*results)[0].Result[0].ExpiresAt), nil
}

// Compile-time check
var _ interfaces.LockStore = (*LockStore)(nil)
