// Package scheduler runs recurring orchestration tasks on cron schedules.
// Registrations are keyed by a stable id so a schedule can be paused, resumed,
// or replaced at runtime without touching its neighbors.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/meridianlabs/rebalancer/internal/common"
)

// Task is one schedulable unit of work. The context is the scheduler's run
// context and is cancelled on Stop.
type Task func(ctx context.Context)

// Entry describes one registered schedule.
type Entry struct {
	ID      string `json:"id"`
	Spec    string `json:"spec"`
	Active  bool   `json:"active"`
	NextRun string `json:"next_run,omitempty"`
}

type registration struct {
	spec    string
	task    Task
	entryID cron.EntryID
	active  bool
}

// Scheduler wraps a cron runner with named, replaceable registrations.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]*registration
	logger  *common.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a scheduler using standard five-field cron expressions.
func New(logger *common.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(),
		entries: make(map[string]*registration),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds or replaces the schedule with the given id. Replacing an
// active schedule re-registers it under the new spec.
func (s *Scheduler) Register(id, spec string, task Task) error {
	if id == "" {
		return fmt.Errorf("schedule id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[id]; ok && existing.active {
		s.cron.Remove(existing.entryID)
	}

	entryID, err := s.cron.AddFunc(spec, func() { task(s.ctx) })
	if err != nil {
		return fmt.Errorf("failed to register schedule %s (%q): %w", id, spec, err)
	}

	s.entries[id] = &registration{spec: spec, task: task, entryID: entryID, active: true}
	s.logger.Info().Str("schedule", id).Str("spec", spec).Msg("Schedule registered")
	return nil
}

// Pause removes the schedule from the cron runner but keeps its registration
// so Resume can restore it.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("unknown schedule: %s", id)
	}
	if !reg.active {
		return nil
	}
	s.cron.Remove(reg.entryID)
	reg.active = false
	s.logger.Info().Str("schedule", id).Msg("Schedule paused")
	return nil
}

// Resume re-adds a paused schedule under its original spec.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("unknown schedule: %s", id)
	}
	if reg.active {
		return nil
	}
	entryID, err := s.cron.AddFunc(reg.spec, func() { reg.task(s.ctx) })
	if err != nil {
		return fmt.Errorf("failed to resume schedule %s: %w", id, err)
	}
	reg.entryID = entryID
	reg.active = true
	s.logger.Info().Str("schedule", id).Msg("Schedule resumed")
	return nil
}

// Unregister removes the schedule entirely.
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reg, ok := s.entries[id]; ok && reg.active {
		s.cron.Remove(reg.entryID)
	}
	delete(s.entries, id)
}

// RunNow executes the registered task immediately, outside its schedule.
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	reg, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown schedule: %s", id)
	}
	reg.task(s.ctx)
	return nil
}

// Entries reports all registrations, sorted by id.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for id, reg := range s.entries {
		e := Entry{ID: id, Spec: reg.spec, Active: reg.active}
		if reg.active {
			if ce := s.cron.Entry(reg.entryID); ce.ID == reg.entryID && !ce.Next.IsZero() {
				e.NextRun = ce.Next.UTC().Format("2006-01-02T15:04:05Z")
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start begins dispatching schedules.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	// A stopped scheduler's run context is spent; mint a fresh one.
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.cron.Start()
	s.started = true
	s.logger.Info().Int("schedules", len(s.entries)).Msg("Scheduler started")
}

// Stop halts dispatch and cancels the run context handed to tasks. Tasks
// already in flight are signalled through that context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cron.Stop()
	s.cancel()
	s.started = false
	s.logger.Info().Msg("Scheduler stopped")
}
