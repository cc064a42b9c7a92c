package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/meridianlabs/rebalancer/internal/common"
	"github.com/meridianlabs/rebalancer/internal/interfaces"
)

// SystemKVStore stores system-level flags (e.g. the emergency stop) in SurrealDB.
type SystemKVStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewSystemKVStore creates a new SystemKVStore.
func NewSystemKVStore(db *surrealdb.DB, logger *common.Logger) *SystemKVStore {
	return &SystemKVStore{db: db, logger: logger}
}

// Get returns "" for missing keys.
func (s *SystemKVStore) Get(ctx context.Context, key string) (string, error) {
	sql := "SELECT kv_key, kv_value FROM $rid"
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID("system_kv", key),
	}

	type kvRow struct {
		Key   string `json:"kv_key"`
		Value string `json:"kv_value"`
	}

	results, err := surrealdb.Query[[]kvRow](ctx, s.db, sql, vars)
	if err != nil {
		if isNotFoundError(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get system kv %s: %w", key, err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return "", nil
	}
	return (*results)[0].Result[0].Value, nil
}

func (s *SystemKVStore) Set(ctx context.Context, key, value string) error {
	sql := "UPSERT $rid SET kv_key = $key, kv_value = $value, updated_at = $now"
	vars := map[string]any{
		"rid":   surrealmodels.NewRecordID("system_kv", key),
		"key":   key,
		"value": value,
		"now":   time.Now(),
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set system kv %s: %w", key, err)
	}
	return nil
}

// Compile-time check
var _ interfaces.SystemKV = (*SystemKVStore)(nil)
