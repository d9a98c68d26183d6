package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mohammad-safakhou/sitrep/config"
	"github.com/mohammad-safakhou/sitrep/internal/agent/core"
	"github.com/mohammad-safakhou/sitrep/internal/store"
	"github.com/mohammad-safakhou/sitrep/models"
	"github.com/mohammad-safakhou/sitrep/repository/redis_repository"
)

type fakeRunner struct {
	mu       sync.Mutex
	requests []core.CycleRequest
	run      func(ctx context.Context) (*core.CycleResult, error)
}

func (f *fakeRunner) RunCycle(ctx context.Context, req core.CycleRequest) (*core.CycleResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.run(ctx)
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func at(id string, lat, lng float64) models.Sitrep {
	return models.Sitrep{ID: id, Coordinates: models.Coordinates{Lat: lat, Lng: lng}}
}

func newScheduler(t *testing.T, runner CycleRunner, lock Locker, cfg config.IngestConfig) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.New()
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	s, err := NewScheduler(runner, st, lock, cfg)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s, st
}

func TestRunOnceReportsUnseenPositions(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context) (*core.CycleResult, error) {
		return &core.CycleResult{ID: "c1", Sitreps: []models.Sitrep{at("a", 10.0001, 20), at("b", 10.0002, 20), at("c", -4, 40)}}, nil
	}}
	s, st := newScheduler(t, runner, nil, config.IngestConfig{Regions: []string{"Sahel"}})

	p, err := s.RunOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if p.CycleID != "c1" || strings.Join(p.FreshIDs, ",") != "a,c" {
		t.Fatalf("unexpected pulse: %+v", p)
	}
	req := runner.requests[0]
	if !req.Hotspots || req.Query != core.GlobalConflictQuery || req.MaxNodes != 20 || req.Regions[0] != "Sahel" || req.Trigger != "test" {
		t.Fatalf("unexpected cycle request: %+v", req)
	}
	if st.Status().LastBackgroundPollAt == nil {
		t.Fatalf("expected poll time to be recorded")
	}

	p, _ = s.RunOnce(context.Background(), "test")
	if len(p.FreshIDs) != 0 {
		t.Fatalf("positions already reported should not be fresh again: %v", p.FreshIDs)
	}
	if last, ok := s.LastPulse(); !ok || last.CycleID != "c1" {
		t.Fatalf("unexpected last pulse: %+v", last)
	}
}

func TestRunOnceCapsFreshIDs(t *testing.T) {
	var sitreps []models.Sitrep
	for i := range 25 {
		sitreps = append(sitreps, at("id", float64(i), 0))
	}
	runner := &fakeRunner{run: func(context.Context) (*core.CycleResult, error) {
		return &core.CycleResult{Sitreps: sitreps}, nil
	}}
	s, _ := newScheduler(t, runner, nil, config.IngestConfig{})
	p, _ := s.RunOnce(context.Background(), "test")
	if len(p.FreshIDs) != 20 {
		t.Fatalf("expected 20 fresh ids, got %d", len(p.FreshIDs))
	}
}

func TestCycleFailuresDoNotStick(t *testing.T) {
	var mode string
	runner := &fakeRunner{run: func(context.Context) (*core.CycleResult, error) {
		switch mode {
		case "panic":
			panic("boom")
		case "error":
			return nil, errors.New("search uplink interrupted")
		}
		return &core.CycleResult{ID: "ok"}, nil
	}}
	s, st := newScheduler(t, runner, nil, config.IngestConfig{})

	mode = "panic"
	p, err := s.RunOnce(context.Background(), "test")
	if err != nil || !strings.Contains(p.Error, "boom") {
		t.Fatalf("expected recovered panic, got %+v, %v", p, err)
	}
	mode = "error"
	p, _ = s.RunOnce(context.Background(), "test")
	if p.Error != "search uplink interrupted" || st.Status().LastBackgroundPollAt != nil {
		t.Fatalf("failed cycle should not mark a poll: %+v", p)
	}
	mode = ""
	if p, err = s.RunOnce(context.Background(), "test"); err != nil || p.CycleID != "ok" {
		t.Fatalf("scheduler should recover after failures, got %+v, %v", p, err)
	}
}

func TestOverlappingCyclesAreSkipped(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	runner := &fakeRunner{run: func(context.Context) (*core.CycleResult, error) {
		entered <- struct{}{}
		<-release
		return &core.CycleResult{}, nil
	}}
	s, _ := newScheduler(t, runner, nil, config.IngestConfig{})

	if err := s.TriggerNow(); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	<-entered
	if err := s.TriggerNow(); !errors.Is(err, ErrCycleRunning) {
		t.Fatalf("expected ErrCycleRunning, got %v", err)
	}
	if _, err := s.RunOnce(context.Background(), "test"); !errors.Is(err, ErrCycleRunning) {
		t.Fatalf("expected ErrCycleRunning, got %v", err)
	}
	s.tick(context.Background())
	if !s.Running() {
		t.Fatalf("expected a cycle in flight")
	}
	close(release)
	s.Stop()

	if s.Running() || runner.calls() != 1 {
		t.Fatalf("expected exactly one cycle, got %d", runner.calls())
	}
}

func TestStopCancelsManualCycle(t *testing.T) {
	entered := make(chan struct{}, 1)
	runner := &fakeRunner{run: func(ctx context.Context) (*core.CycleResult, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s, _ := newScheduler(t, runner, nil, config.IngestConfig{PollInterval: time.Hour, CycleTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	<-entered
	cancel()
	// The startup cycle ends with the serve context.
	deadline := time.Now().Add(2 * time.Second)
	for s.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.TriggerNow(); !errors.Is(err, ErrSchedulerStopped) {
		t.Fatalf("expected ErrSchedulerStopped after the serve context ended, got %v", err)
	}

	start := time.Now()
	s.Stop()
	if took := time.Since(start); took > time.Second {
		t.Fatalf("Stop waited %s for a cancelled cycle", took)
	}
}

func TestStopAbortsTriggeredCycle(t *testing.T) {
	entered := make(chan struct{}, 1)
	runner := &fakeRunner{run: func(ctx context.Context) (*core.CycleResult, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s, _ := newScheduler(t, runner, nil, config.IngestConfig{CycleTimeout: time.Minute})

	if err := s.TriggerNow(); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	<-entered
	start := time.Now()
	s.Stop()
	if took := time.Since(start); took > time.Second {
		t.Fatalf("Stop waited %s for a manual cycle", took)
	}
	if p, ok := s.LastPulse(); !ok || p.Trigger != "manual" || p.Error == "" {
		t.Fatalf("expected a cancelled manual pulse, got %+v", p)
	}
	if err := s.TriggerNow(); !errors.Is(err, ErrSchedulerStopped) {
		t.Fatalf("expected ErrSchedulerStopped, got %v", err)
	}
}

func TestLockHeldElsewhereSkipsCycle(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	client, err := redis_repository.Conn(ctx, config.RedisConfig{Host: mr.Host(), Port: mr.Port(), Timeout: time.Second})
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	defer client.Close()

	other := redis_repository.NewCycleLock(client, "sitrep:ingest:lock", time.Minute)
	if ok, _ := other.Acquire(ctx); !ok {
		t.Fatalf("setup acquire failed")
	}

	runner := &fakeRunner{run: func(context.Context) (*core.CycleResult, error) { return &core.CycleResult{}, nil }}
	s, _ := newScheduler(t, runner, redis_repository.NewCycleLock(client, "sitrep:ingest:lock", time.Minute), config.IngestConfig{})

	p, err := s.RunOnce(ctx, "test")
	if err != nil || !p.Skipped || runner.calls() != 0 {
		t.Fatalf("expected skipped cycle, got %+v, %v, %d calls", p, err, runner.calls())
	}

	if err := other.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if p, _ := s.RunOnce(ctx, "test"); p.Skipped || runner.calls() != 1 {
		t.Fatalf("expected cycle to run once the lock is free, got %+v", p)
	}
	if mr.Exists("sitrep:ingest:lock") {
		t.Fatalf("lock should be released after the cycle")
	}
}

func TestStartTicksUntilStopped(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context) (*core.CycleResult, error) { return &core.CycleResult{}, nil }}
	s, st := newScheduler(t, runner, nil, config.IngestConfig{PollInterval: 10 * time.Millisecond})

	s.Start(context.Background())
	if !st.Status().BackgroundRunning {
		t.Fatalf("expected background flag while running")
	}
	deadline := time.Now().Add(2 * time.Second)
	for runner.calls() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if runner.calls() < 3 {
		t.Fatalf("expected repeated ticks, got %d", runner.calls())
	}
	if st.Status().BackgroundRunning {
		t.Fatalf("background flag should clear on stop")
	}
}

func TestCronCadence(t *testing.T) {
	s, _ := newScheduler(t, &fakeRunner{}, nil, config.IngestConfig{Cron: "*/5 * * * *"})
	now := time.Date(2025, 3, 10, 12, 1, 30, 0, time.UTC)
	if got := s.nextDelay(now); got != 3*time.Minute+30*time.Second {
		t.Fatalf("nextDelay = %s, want 3m30s", got)
	}

	if _, err := NewScheduler(&fakeRunner{}, nil, nil, config.IngestConfig{Cron: "not a cron"}); err == nil {
		t.Fatalf("expected invalid cron to be rejected")
	}
}
