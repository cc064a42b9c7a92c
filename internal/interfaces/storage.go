// Package interfaces defines service contracts for the rebalancer
package interfaces

import (
	"context"
	"time"

	"github.com/meridianlabs/rebalancer/internal/models"
)

// StorageManager coordinates all storage backends.
type StorageManager interface {
	PortfolioStore() PortfolioStore
	JobQueueStore() JobQueueStore
	AuditStore() AuditStore
	SnapshotStore() SnapshotStore
	IdempotencyStore() IdempotencyStore
	LockStore() LockStore
	SystemKV() SystemKV

	// Ping reports coordinator/broker reachability.
	Ping(ctx context.Context) error

	Close() error
}

// PortfolioStore manages portfolio state with optimistic concurrency.
type PortfolioStore interface {
	Get(ctx context.Context, id string) (*models.Portfolio, error)
	List(ctx context.Context) ([]*models.Portfolio, error)
	Create(ctx context.Context, p *models.Portfolio) error

	// UpdateVersioned applies the mutation and increments version atomically,
	// only if the stored version still equals expectedVersion. Returns
	// storage.ErrNotFound if the row vanished, or *storage.VersionConflictError
	// (carrying the current version) if another writer committed first.
	UpdateVersioned(ctx context.Context, p *models.Portfolio, expectedVersion int64) error

	Delete(ctx context.Context, id string) error
}

// JobQueueStore manages the persistent rebalance job queue.
type JobQueueStore interface {
	Enqueue(ctx context.Context, job *models.RebalanceJob) error

	// Dequeue atomically claims the highest-priority runnable job (waiting, or
	// delayed with run_at due), marks it active, and increments its attempts.
	// Returns nil when the queue is empty.
	Dequeue(ctx context.Context) (*models.RebalanceJob, error)

	// Complete marks a job terminally completed or failed.
	Complete(ctx context.Context, id string, jobErr error, durationMS int64) error

	// Delay parks a failed attempt for retry at runAt.
	Delay(ctx context.Context, id string, runAt time.Time, jobErr error) error

	Counts(ctx context.Context) (*models.QueueCounts, error)
	ListRecent(ctx context.Context, limit int) ([]*models.RebalanceJob, error)
	ListFailed(ctx context.Context, limit int) ([]*models.RebalanceJob, error)

	// TrimCompleted / TrimFailed drop the oldest terminal jobs beyond keep.
	TrimCompleted(ctx context.Context, keep int) (int, error)
	TrimFailed(ctx context.Context, keep int) (int, error)

	// ResetActiveJobs returns in-flight jobs to waiting after a crash.
	ResetActiveJobs(ctx context.Context) (int, error)
}

// AuditStore appends and reads rebalance audit events.
type AuditStore interface {
	Append(ctx context.Context, event *models.RebalanceEvent) error
	ListByPortfolio(ctx context.Context, portfolioID string, limit int) ([]*models.RebalanceEvent, error)
}

// SnapshotStore persists point-in-time portfolio valuations.
type SnapshotStore interface {
	Append(ctx context.Context, snapshot *models.PortfolioSnapshot) error
	ListByPortfolio(ctx context.Context, portfolioID string, limit int) ([]*models.PortfolioSnapshot, error)
}

// IdempotencyStore persists first-response records keyed by idempotency key.
type IdempotencyStore interface {
	// Get returns nil for missing or expired keys.
	Get(ctx context.Context, key string) (*models.IdempotencyRecord, error)
	Put(ctx context.Context, record *models.IdempotencyRecord) error
	PurgeExpired(ctx context.Context) (int, error)
}

// LockStore is the distributed lock coordinator contract.
type LockStore interface {
	// Acquire sets the lock only if absent or expired, atomically, and reports
	// whether this caller now holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release unconditionally clears the lock.
	Release(ctx context.Context, key string) error
	// IsLocked is a non-mutating probe.
	IsLocked(ctx context.Context, key string) (bool, error)
}

// SystemKV stores system-level flags such as the emergency stop.
type SystemKV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}
