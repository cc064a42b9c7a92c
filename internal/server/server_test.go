package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meridianlabs/rebalancer/internal/app"
	"github.com/meridianlabs/rebalancer/internal/common"
	"github.com/meridianlabs/rebalancer/internal/guard"
	"github.com/meridianlabs/rebalancer/internal/idempotency"
	"github.com/meridianlabs/rebalancer/internal/interfaces"
	"github.com/meridianlabs/rebalancer/internal/models"
	"github.com/meridianlabs/rebalancer/internal/orchestrator"
	"github.com/meridianlabs/rebalancer/internal/scheduler"
	"github.com/meridianlabs/rebalancer/internal/storage"
)

// --- in-memory storage fakes for handler tests ---

type testStorage struct {
	mu         sync.Mutex
	portfolios map[string]*models.Portfolio
	jobs       []*models.RebalanceJob
	nextJobID  int
	events     []*models.RebalanceEvent
	snapshots  []*models.PortfolioSnapshot
	idem       map[string]*models.IdempotencyRecord
	kv         map[string]string
	locks      interfaces.LockStore
	pingErr    error
}

func newTestStorage() *testStorage {
	return &testStorage{
		portfolios: make(map[string]*models.Portfolio),
		idem:       make(map[string]*models.IdempotencyRecord),
		kv:         make(map[string]string),
		locks:      guard.NewMemoryBackend(),
	}
}

func (s *testStorage) PortfolioStore() interfaces.PortfolioStore     { return (*testPortfolios)(s) }
func (s *testStorage) JobQueueStore() interfaces.JobQueueStore       { return (*testQueue)(s) }
func (s *testStorage) AuditStore() interfaces.AuditStore             { return (*testAudit)(s) }
func (s *testStorage) SnapshotStore() interfaces.SnapshotStore       { return (*testSnapshots)(s) }
func (s *testStorage) IdempotencyStore() interfaces.IdempotencyStore { return (*testIdem)(s) }
func (s *testStorage) LockStore() interfaces.LockStore               { return s.locks }
func (s *testStorage) SystemKV() interfaces.SystemKV                 { return (*testKV)(s) }
func (s *testStorage) Ping(ctx context.Context) error                { return s.pingErr }
func (s *testStorage) Close() error                                  { return nil }

type testPortfolios testStorage

// clonePortfolio deep-copies the map fields so fake reads and writes match the
// real store's value semantics: mutating a returned copy must not touch the
// stored row.
func clonePortfolio(p *models.Portfolio) *models.Portfolio {
	cp := *p
	if p.Allocations != nil {
		cp.Allocations = make(map[string]float64, len(p.Allocations))
		for k, v := range p.Allocations {
			cp.Allocations[k] = v
		}
	}
	if p.Balances != nil {
		cp.Balances = make(map[string]float64, len(p.Balances))
		for k, v := range p.Balances {
			cp.Balances[k] = v
		}
	}
	return &cp
}

func (s *testPortfolios) Get(_ context.Context, id string) (*models.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.portfolios[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clonePortfolio(p), nil
}

func (s *testPortfolios) List(_ context.Context) ([]*models.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Portfolio, 0, len(s.portfolios))
	for _, p := range s.portfolios {
		out = append(out, clonePortfolio(p))
	}
	return out, nil
}

func (s *testPortfolios) Create(_ context.Context, p *models.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portfolios[p.ID] = clonePortfolio(p)
	return nil
}

func (s *testPortfolios) UpdateVersioned(_ context.Context, p *models.Portfolio, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.portfolios[p.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if current.Version != expectedVersion {
		return &storage.VersionConflictError{PortfolioID: p.ID, Expected: expectedVersion, Current: current.Version}
	}
	cp := clonePortfolio(p)
	cp.Version = expectedVersion + 1
	s.portfolios[p.ID] = cp
	p.Version = cp.Version
	return nil
}

func (s *testPortfolios) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.portfolios, id)
	return nil
}

type testQueue testStorage

func (s *testQueue) Enqueue(_ context.Context, job *models.RebalanceJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJobID++
	job.ID = fmt.Sprintf("job_%d", s.nextJobID)
	cp := *job
	s.jobs = append(s.jobs, &cp)
	return nil
}

func (s *testQueue) Dequeue(_ context.Context) (*models.RebalanceJob, error) { return nil, nil }

func (s *testQueue) Complete(_ context.Context, _ string, _ error, _ int64) error { return nil }

func (s *testQueue) Delay(_ context.Context, _ string, _ time.Time, _ error) error { return nil }

func (s *testQueue) Counts(_ context.Context) (*models.QueueCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := &models.QueueCounts{}
	for _, j := range s.jobs {
		if j.Status == models.JobStatusWaiting {
			counts.Waiting++
		}
	}
	return counts, nil
}

func (s *testQueue) ListRecent(_ context.Context, limit int) ([]*models.RebalanceJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.RebalanceJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (s *testQueue) ListFailed(_ context.Context, limit int) ([]*models.RebalanceJob, error) {
	return nil, nil
}

func (s *testQueue) TrimCompleted(_ context.Context, _ int) (int, error) { return 0, nil }
func (s *testQueue) TrimFailed(_ context.Context, _ int) (int, error)    { return 0, nil }
func (s *testQueue) ResetActiveJobs(_ context.Context) (int, error)      { return 0, nil }

type testAudit testStorage

func (s *testAudit) Append(_ context.Context, event *models.RebalanceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

func (s *testAudit) ListByPortfolio(_ context.Context, portfolioID string, _ int) ([]*models.RebalanceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.RebalanceEvent
	for _, e := range s.events {
		if e.PortfolioID == portfolioID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

type testSnapshots testStorage

func (s *testSnapshots) Append(_ context.Context, snapshot *models.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snapshot
	s.snapshots = append(s.snapshots, &cp)
	return nil
}

func (s *testSnapshots) ListByPortfolio(_ context.Context, portfolioID string, _ int) ([]*models.PortfolioSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PortfolioSnapshot
	for _, snap := range s.snapshots {
		if snap.PortfolioID == portfolioID {
			cp := *snap
			out = append(out, &cp)
		}
	}
	return out, nil
}

type testIdem testStorage

func (s *testIdem) Get(_ context.Context, key string) (*models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.idem[key]
	if !ok || r.Expired(time.Now()) {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *testIdem) Put(_ context.Context, record *models.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.idem[record.Key] = &cp
	return nil
}

func (s *testIdem) PurgeExpired(_ context.Context) (int, error) { return 0, nil }

type testKV testStorage

func (s *testKV) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv[key], nil
}

func (s *testKV) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}

// --- service stubs ---

type stubPrices struct{}

func (stubPrices) GetCurrentPrices(_ context.Context) (models.PriceSnapshot, error) {
	now := time.Now()
	return models.PriceSnapshot{
		"BTC": {Price: 50000, Change24h: 1.0, Timestamp: now},
		"ETH": {Price: 2500, Change24h: -0.5, Timestamp: now},
	}, nil
}

type stubLedger struct{}

func (stubLedger) CheckRebalanceNeeded(_ context.Context, _ string) (bool, error) { return true, nil }
func (stubLedger) ExecuteRebalance(_ context.Context, _ string) (*models.RebalanceResult, error) {
	return &models.RebalanceResult{Trades: 1}, nil
}

type stubRisk struct{}

func (stubRisk) ShouldAllowRebalance(_ context.Context, _ *models.Portfolio, _ models.PriceSnapshot) (*models.RiskVerdict, error) {
	return &models.RiskVerdict{Allowed: true}, nil
}

// newTestServer assembles a server over in-memory fakes.
func newTestServer(t *testing.T) (*Server, *testStorage) {
	t.Helper()
	logger := common.NewSilentLogger()
	st := newTestStorage()

	g := guard.New(st.locks, time.Minute, logger)
	cfg := common.NewDefaultConfig()

	orch := orchestrator.New(st, stubPrices{}, stubLedger{}, stubRisk{}, nil, g, logger, cfg.Orchestra, nil)
	gate := idempotency.New(st.IdempotencyStore(), time.Hour, logger)
	sched := scheduler.New(logger)
	sched.Register(app.ScheduleScan, "*/30 * * * *", func(context.Context) {})

	a := &app.App{
		Config:       cfg,
		Logger:       logger,
		Storage:      st,
		Guard:        g,
		Orchestrator: orch,
		Scheduler:    sched,
		Gate:         gate,
		StartupTime:  time.Now(),
	}
	return NewServer(a), st
}

// seedPortfolio inserts a basic active portfolio.
func seedPortfolio(st *testStorage, id string) *models.Portfolio {
	p := &models.Portfolio{
		ID:          id,
		Name:        "Seed " + id,
		Allocations: map[string]float64{"BTC": 60, "ETH": 40},
		Balances:    map[string]float64{"BTC": 0.5, "ETH": 4},
		Threshold:   5,
		Strategy:    models.StrategyThreshold,
		Active:      true,
		Version:     1,
	}
	st.PortfolioStore().Create(context.Background(), p)
	return p
}

