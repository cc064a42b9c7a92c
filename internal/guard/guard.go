// Package guard enforces per-portfolio mutual exclusion for rebalance
// execution. The lock backend is polymorphic: a distributed coordinator in
// normal operation, or an in-process map when the coordinator is unreachable
// at startup. The in-process variant narrows the safety guarantee to a single
// instance, so the degradation is logged loudly when selected.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianlabs/rebalancer/internal/common"
	"github.com/meridianlabs/rebalancer/internal/interfaces"
)

// DefaultLockTTL bounds how long a crashed worker can wedge a portfolio.
const DefaultLockTTL = 5 * time.Minute

// Guard serializes rebalance execution per portfolio.
type Guard struct {
	backend interfaces.LockStore
	ttl     time.Duration
	logger  *common.Logger
}

// New creates a guard over the given backend. A non-positive ttl falls back to
// DefaultLockTTL.
func New(backend interfaces.LockStore, ttl time.Duration, logger *common.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Guard{backend: backend, ttl: ttl, logger: logger}
}

// SelectBackend picks the distributed backend when the coordinator answers a
// ping, or degrades to the in-process map with a loud warning.
func SelectBackend(ctx context.Context, storage interfaces.StorageManager, logger *common.Logger) interfaces.LockStore {
	if err := storage.Ping(ctx); err != nil {
		logger.Warn().
			Err(err).
			Msg("Lock coordinator unreachable — falling back to in-process locks; multi-instance safety is NOT guaranteed")
		return NewMemoryBackend()
	}
	return storage.LockStore()
}

func lockKey(portfolioID string) string {
	return fmt.Sprintf("rebalance:%s", portfolioID)
}

// Acquire attempts to take the per-portfolio lock. A false return means the
// portfolio is already being processed — an expected outcome, not an error.
func (g *Guard) Acquire(ctx context.Context, portfolioID string) (bool, error) {
	acquired, err := g.backend.Acquire(ctx, lockKey(portfolioID), g.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock for portfolio %s: %w", portfolioID, err)
	}
	return acquired, nil
}

// Release clears the per-portfolio lock. Errors are logged, not returned — a
// failed release self-heals when the TTL expires.
func (g *Guard) Release(ctx context.Context, portfolioID string) {
	if err := g.backend.Release(ctx, lockKey(portfolioID)); err != nil {
		g.logger.Warn().
			Str("portfolio_id", portfolioID).
			Err(err).
			Msg("Failed to release portfolio lock; TTL will expire it")
	}
}

// IsLocked probes the lock without mutating it.
func (g *Guard) IsLocked(ctx context.Context, portfolioID string) (bool, error) {
	return g.backend.IsLocked(ctx, lockKey(portfolioID))
}

// WithLock runs fn under the portfolio lock, releasing on every exit path
// including panics. Returns (false, nil) when the lock is already held.
func (g *Guard) WithLock(ctx context.Context, portfolioID string, fn func(ctx context.Context) error) (bool, error) {
	acquired, err := g.Acquire(ctx, portfolioID)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer g.Release(ctx, portfolioID)
	return true, fn(ctx)
}
