package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meridianlabs/rebalancer/internal/interfaces"
	"github.com/meridianlabs/rebalancer/internal/models"
	"github.com/meridianlabs/rebalancer/internal/storage"
)

// --- in-memory storage fakes ---

type fakeStorage struct {
	portfolios *fakePortfolioStore
	queue      *fakeJobQueue
	audit      *fakeAuditStore
	snapshots  *fakeSnapshotStore
	idem       *fakeIdemStore
	locks      interfaces.LockStore
	kv         *fakeSystemKV
	pingErr    error
}

func newFakeStorage(now func() time.Time, locks interfaces.LockStore) *fakeStorage {
	return &fakeStorage{
		portfolios: &fakePortfolioStore{items: make(map[string]*models.Portfolio)},
		queue:      &fakeJobQueue{now: now},
		audit:      &fakeAuditStore{},
		snapshots:  &fakeSnapshotStore{},
		idem:       &fakeIdemStore{items: make(map[string]*models.IdempotencyRecord)},
		locks:      locks,
		kv:         &fakeSystemKV{items: make(map[string]string)},
	}
}

func (s *fakeStorage) PortfolioStore() interfaces.PortfolioStore     { return s.portfolios }
func (s *fakeStorage) JobQueueStore() interfaces.JobQueueStore       { return s.queue }
func (s *fakeStorage) AuditStore() interfaces.AuditStore             { return s.audit }
func (s *fakeStorage) SnapshotStore() interfaces.SnapshotStore       { return s.snapshots }
func (s *fakeStorage) IdempotencyStore() interfaces.IdempotencyStore { return s.idem }
func (s *fakeStorage) LockStore() interfaces.LockStore               { return s.locks }
func (s *fakeStorage) SystemKV() interfaces.SystemKV                 { return s.kv }
func (s *fakeStorage) Ping(ctx context.Context) error                { return s.pingErr }
func (s *fakeStorage) Close() error                                  { return nil }

type fakePortfolioStore struct {
	mu    sync.Mutex
	items map[string]*models.Portfolio
}

func (s *fakePortfolioStore) Get(_ context.Context, id string) (*models.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.items[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakePortfolioStore) List(_ context.Context) ([]*models.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*models.Portfolio, 0, len(ids))
	for _, id := range ids {
		cp := *s.items[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakePortfolioStore) Create(_ context.Context, p *models.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Version == 0 {
		p.Version = 1
	}
	cp := *p
	s.items[p.ID] = &cp
	return nil
}

func (s *fakePortfolioStore) UpdateVersioned(_ context.Context, p *models.Portfolio, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.items[p.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if current.Version != expectedVersion {
		return &storage.VersionConflictError{PortfolioID: p.ID, Expected: expectedVersion, Current: current.Version}
	}
	cp := *p
	cp.Version = expectedVersion + 1
	s.items[p.ID] = &cp
	p.Version = cp.Version
	return nil
}

func (s *fakePortfolioStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

type fakeJobQueue struct {
	mu     sync.Mutex
	jobs   []*models.RebalanceJob
	nextID int
	now    func() time.Time
}

func (q *fakeJobQueue) Enqueue(_ context.Context, job *models.RebalanceJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	job.ID = fmt.Sprintf("job_%d", q.nextID)
	if job.Status == "" {
		job.Status = models.JobStatusWaiting
	}
	cp := *job
	q.jobs = append(q.jobs, &cp)
	return nil
}

func (q *fakeJobQueue) Dequeue(_ context.Context) (*models.RebalanceJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var pick *models.RebalanceJob
	for _, j := range q.jobs {
		runnable := j.Status == models.JobStatusWaiting ||
			(j.Status == models.JobStatusDelayed && !j.RunAt.After(now))
		if !runnable {
			continue
		}
		if pick == nil || j.Priority > pick.Priority ||
			(j.Priority == pick.Priority && j.CreatedAt.Before(pick.CreatedAt)) {
			pick = j
		}
	}
	if pick == nil {
		return nil, nil
	}
	pick.Status = models.JobStatusActive
	pick.Attempts++
	pick.StartedAt = now
	cp := *pick
	return &cp, nil
}

func (q *fakeJobQueue) Complete(_ context.Context, id string, jobErr error, durationMS int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(id)
	if j == nil {
		return storage.ErrNotFound
	}
	if jobErr != nil {
		j.Status = models.JobStatusFailed
		j.Error = jobErr.Error()
	} else {
		j.Status = models.JobStatusCompleted
	}
	j.CompletedAt = q.now()
	j.DurationMS = durationMS
	return nil
}

func (q *fakeJobQueue) Delay(_ context.Context, id string, runAt time.Time, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(id)
	if j == nil {
		return storage.ErrNotFound
	}
	j.Status = models.JobStatusDelayed
	j.RunAt = runAt
	if jobErr != nil {
		j.Error = jobErr.Error()
	}
	return nil
}

func (q *fakeJobQueue) Counts(_ context.Context) (*models.QueueCounts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := &models.QueueCounts{}
	for _, j := range q.jobs {
		switch j.Status {
		case models.JobStatusWaiting:
			counts.Waiting++
		case models.JobStatusActive:
			counts.Active++
		case models.JobStatusDelayed:
			counts.Delayed++
		case models.JobStatusCompleted:
			counts.Completed++
		case models.JobStatusFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func (q *fakeJobQueue) ListRecent(_ context.Context, limit int) ([]*models.RebalanceJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.RebalanceJob, 0, len(q.jobs))
	for _, j := range q.jobs {
		cp := *j
		out = append(out, &cp)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *fakeJobQueue) ListFailed(_ context.Context, limit int) ([]*models.RebalanceJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.RebalanceJob
	for _, j := range q.jobs {
		if j.Status == models.JobStatusFailed {
			cp := *j
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *fakeJobQueue) TrimCompleted(_ context.Context, keep int) (int, error) {
	return q.trim(models.JobStatusCompleted, keep), nil
}

func (q *fakeJobQueue) TrimFailed(_ context.Context, keep int) (int, error) {
	return q.trim(models.JobStatusFailed, keep), nil
}

func (q *fakeJobQueue) trim(status string, keep int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var terminal []*models.RebalanceJob
	for _, j := range q.jobs {
		if j.Status == status {
			terminal = append(terminal, j)
		}
	}
	if len(terminal) <= keep {
		return 0
	}
	sort.Slice(terminal, func(i, k int) bool {
		return terminal[i].CompletedAt.After(terminal[k].CompletedAt)
	})
	drop := make(map[string]bool)
	for _, j := range terminal[keep:] {
		drop[j.ID] = true
	}
	var kept []*models.RebalanceJob
	for _, j := range q.jobs {
		if !drop[j.ID] {
			kept = append(kept, j)
		}
	}
	removed := len(q.jobs) - len(kept)
	q.jobs = kept
	return removed
}

func (q *fakeJobQueue) ResetActiveJobs(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, j := range q.jobs {
		if j.Status == models.JobStatusActive {
			j.Status = models.JobStatusWaiting
			count++
		}
	}
	return count, nil
}

func (q *fakeJobQueue) find(id string) *models.RebalanceJob {
	for _, j := range q.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (q *fakeJobQueue) get(id string) *models.RebalanceJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(id)
	if j == nil {
		return nil
	}
	cp := *j
	return &cp
}

type fakeAuditStore struct {
	mu     sync.Mutex
	events []*models.RebalanceEvent
}

func (s *fakeAuditStore) Append(_ context.Context, event *models.RebalanceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

func (s *fakeAuditStore) ListByPortfolio(_ context.Context, portfolioID string, limit int) ([]*models.RebalanceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.RebalanceEvent
	for _, e := range s.events {
		if e.PortfolioID == portfolioID {
			cp := *e
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeSnapshotStore struct {
	mu        sync.Mutex
	snapshots []*models.PortfolioSnapshot
}

func (s *fakeSnapshotStore) Append(_ context.Context, snapshot *models.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snapshot
	s.snapshots = append(s.snapshots, &cp)
	return nil
}

func (s *fakeSnapshotStore) ListByPortfolio(_ context.Context, portfolioID string, limit int) ([]*models.PortfolioSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PortfolioSnapshot
	for _, snap := range s.snapshots {
		if snap.PortfolioID == portfolioID {
			cp := *snap
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeIdemStore struct {
	mu    sync.Mutex
	items map[string]*models.IdempotencyRecord
}

func (s *fakeIdemStore) Get(_ context.Context, key string) (*models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[key]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *fakeIdemStore) Put(_ context.Context, record *models.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.items[record.Key] = &cp
	return nil
}

func (s *fakeIdemStore) PurgeExpired(_ context.Context) (int, error) { return 0, nil }

type fakeSystemKV struct {
	mu    sync.Mutex
	items map[string]string
}

func (s *fakeSystemKV) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[key], nil
}

func (s *fakeSystemKV) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

// --- service mocks ---

type mockPriceProvider struct {
	pricesFn func(ctx context.Context) (models.PriceSnapshot, error)
}

func (m *mockPriceProvider) GetCurrentPrices(ctx context.Context) (models.PriceSnapshot, error) {
	return m.pricesFn(ctx)
}

type mockLedger struct {
	mu        sync.Mutex
	calls     int
	executeFn func(ctx context.Context, portfolioID string) (*models.RebalanceResult, error)
}

func (m *mockLedger) CheckRebalanceNeeded(_ context.Context, _ string) (bool, error) {
	return true, nil
}

func (m *mockLedger) ExecuteRebalance(ctx context.Context, portfolioID string) (*models.RebalanceResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.executeFn != nil {
		return m.executeFn(ctx, portfolioID)
	}
	return &models.RebalanceResult{Trades: 2, GasUsed: "120000"}, nil
}

func (m *mockLedger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockRiskModel struct {
	verdictFn func(ctx context.Context, p *models.Portfolio, prices models.PriceSnapshot) (*models.RiskVerdict, error)
}

func (m *mockRiskModel) ShouldAllowRebalance(ctx context.Context, p *models.Portfolio, prices models.PriceSnapshot) (*models.RiskVerdict, error) {
	if m.verdictFn != nil {
		return m.verdictFn(ctx, p, prices)
	}
	return &models.RiskVerdict{Allowed: true}, nil
}

type mockNotifier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockNotifier) NotifyRebalance(_ context.Context, _ *models.Portfolio, _ *models.RebalanceResult) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.err
}

func (m *mockNotifier) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
