// Package surrealdb provides SurrealDB-backed storage for portfolios, the
// rebalance job queue, audit events, idempotency records, and the distributed
// lock table.
package surrealdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"

	"github.com/meridianlabs/rebalancer/internal/common"
	"github.com/meridianlabs/rebalancer/internal/interfaces"
)

// Manager implements interfaces.StorageManager using SurrealDB.
type Manager struct {
	db     *surrealdb.DB
	logger *common.Logger

	portfolioStore   *PortfolioStore
	jobQueueStore    *JobQueueStore
	auditStore       *AuditStore
	snapshotStore    *SnapshotStore
	idempotencyStore *IdempotencyStore
	lockStore        *LockStore
	systemKV         *SystemKVStore
}

// NewManager creates a new StorageManager connected to SurrealDB.
func NewManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	ctx := context.Background()

	db, err := surrealdb.New(config.Storage.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": config.Storage.Username,
		"pass": config.Storage.Password,
	}); err != nil {
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, config.Storage.Namespace, config.Storage.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	// Define tables to ensure they exist (SurrealDB v3 errors on querying non-existent tables)
	tables := []string{"portfolio", "rebalance_job", "rebalance_event", "portfolio_snapshot", "idempotency_record", "rebalance_lock", "system_kv"}
	for _, table := range tables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}

	m := &Manager{
		db:     db,
		logger: logger,
	}

	m.portfolioStore = NewPortfolioStore(db, logger)
	m.jobQueueStore = NewJobQueueStore(db, logger)
	m.auditStore = NewAuditStore(db, logger)
	m.snapshotStore = NewSnapshotStore(db, logger)
	m.idempotencyStore = NewIdempotencyStore(db, logger)
	m.lockStore = NewLockStore(db, logger)
	m.systemKV = NewSystemKVStore(db, logger)

	logger.Info().
		Str("address", config.Storage.Address).
		Str("namespace", config.Storage.Namespace).
		Str("database", config.Storage.Database).
		Msg("SurrealDB storage manager initialized")

	return m, nil
}

func (m *Manager) PortfolioStore() interfaces.PortfolioStore {
	return m.portfolioStore
}

func (m *Manager) JobQueueStore() interfaces.JobQueueStore {
	return m.jobQueueStore
}

func (m *Manager) AuditStore() interfaces.AuditStore {
	return m.auditStore
}

func (m *Manager) SnapshotStore() interfaces.SnapshotStore {
	return m.snapshotStore
}

func (m *Manager) IdempotencyStore() interfaces.IdempotencyStore {
	return m.idempotencyStore
}

func (m *Manager) LockStore() interfaces.LockStore {
	return m.lockStore
}

func (m *Manager) SystemKV() interfaces.SystemKV {
	return m.systemKV
}

// Ping verifies the database is reachable and answering queries.
func (m *Manager) Ping(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, m.db, "RETURN 1", nil); err != nil {
		return fmt.Errorf("storage ping failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (m *Manager) Close() error {
	if m.db != nil {
		m.db.Close(context.Background())
	}
	return nil
}

// isNotFoundError detects SurrealDB's not-found query errors.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "no record")
}

// Compile-time check
var _ interfaces.StorageManager = (*Manager)(nil)
