package guard

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is the in-process lock fallback, used when the distributed
// coordinator is unreachable. Correct only within a single process.
type MemoryBackend struct {
	mu     sync.Mutex
	expiry map[string]time.Time
	clock  func() time.Time
}

// NewMemoryBackend creates an in-process lock backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		expiry: make(map[string]time.Time),
		clock:  time.Now,
	}
}

// NewMemoryBackendWithClock creates a backend with an injectable clock for tests.
func NewMemoryBackendWithClock(clock func() time.Time) *MemoryBackend {
	return &MemoryBackend{
		expiry: make(map[string]time.Time),
		clock:  clock,
	}
}

// Acquire sets the lock only if absent or expired.
func (b *MemoryBackend) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	if exp, held := b.expiry[key]; held && now.Before(exp) {
		return false, nil
	}
	b.expiry[key] = now.Add(ttl)
	return true, nil
}

// Release unconditionally clears the lock.
func (b *MemoryBackend) Release(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.expiry, key)
	return nil
}

// IsLocked reports whether an unexpired lock exists for key.
func (b *MemoryBackend) IsLocked(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	exp, held := b.expiry[key]
	return held && b.clock().Before(exp), nil
}
