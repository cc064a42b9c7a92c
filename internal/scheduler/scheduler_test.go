package scheduler

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/meridianlabs/rebalancer/internal/common"
)

func newTestScheduler() *Scheduler {
	return New(common.NewSilentLogger())
}

func TestRegisterValidatesSpec(t *testing.T) {
	s := newTestScheduler()
	if err := s.Register("scan", "not a cron spec", func(context.Context) {}); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
	if err := s.Register("", "*/30 * * * *", func(context.Context) {}); err == nil {
		t.Fatal("expected error for empty schedule id")
	}
	if err := s.Register("scan", "*/30 * * * *", func(context.Context) {}); err != nil {
		t.Fatalf("valid registration failed: %v", err)
	}
}

func TestRegisterReplacesByID(t *testing.T) {
	s := newTestScheduler()
	if err := s.Register("scan", "*/30 * * * *", func(context.Context) {}); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("scan", "*/10 * * * *", func(context.Context) {}); err != nil {
		t.Fatal(err)
	}

	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after replacement, got %d", len(entries))
	}
	if entries[0].Spec != "*/10 * * * *" {
		t.Errorf("expected replaced spec, got %s", entries[0].Spec)
	}
}

func TestRunNow(t *testing.T) {
	s := newTestScheduler()
	var runs atomic.Int32
	if err := s.Register("scan", "*/30 * * * *", func(context.Context) { runs.Add(1) }); err != nil {
		t.Fatal(err)
	}

	if err := s.RunNow("scan"); err != nil {
		t.Fatalf("run now: %v", err)
	}
	if runs.Load() != 1 {
		t.Errorf("expected 1 run, got %d", runs.Load())
	}
	if err := s.RunNow("missing"); err == nil {
		t.Error("expected error for unknown schedule")
	}
}

func TestPauseResume(t *testing.T) {
	s := newTestScheduler()
	if err := s.Register("snapshot", "0 * * * *", func(context.Context) {}); err != nil {
		t.Fatal(err)
	}

	if err := s.Pause("snapshot"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if entries := s.Entries(); entries[0].Active {
		t.Error("expected paused entry to be inactive")
	}

	// Pausing twice is a no-op.
	if err := s.Pause("snapshot"); err != nil {
		t.Fatalf("second pause: %v", err)
	}

	if err := s.Resume("snapshot"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if entries := s.Entries(); !entries[0].Active {
		t.Error("expected resumed entry to be active")
	}

	if err := s.Pause("missing"); err == nil {
		t.Error("expected error pausing unknown schedule")
	}
}

func TestEntriesSorted(t *testing.T) {
	s := newTestScheduler()
	s.Register("snapshot", "0 * * * *", func(context.Context) {})
	s.Register("scan", "*/30 * * * *", func(context.Context) {})

	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != "scan" || entries[1].ID != "snapshot" {
		t.Errorf("expected id-sorted entries, got %s, %s", entries[0].ID, entries[1].ID)
	}
}

func TestStopCancelsRunContext(t *testing.T) {
	s := newTestScheduler()
	var gotCtx context.Context
	s.Register("scan", "*/30 * * * *", func(ctx context.Context) { gotCtx = ctx })

	s.Start()
	s.RunNow("scan")
	s.Stop()

	if gotCtx == nil {
		t.Fatal("task never ran")
	}
	if gotCtx.Err() == nil {
		t.Error("expected run context cancelled after Stop")
	}

	// Restarting mints a fresh context.
	s.Start()
	s.RunNow("scan")
	if gotCtx.Err() != nil {
		t.Error("expected fresh run context after restart")
	}
	s.Stop()
}

func TestUnregister(t *testing.T) {
	s := newTestScheduler()
	s.Register("scan", "*/30 * * * *", func(context.Context) {})
	s.Unregister("scan")
	if len(s.Entries()) != 0 {
		t.Error("expected no entries after unregister")
	}
	// Unregistering an unknown id is harmless.
	s.Unregister("missing")
}
