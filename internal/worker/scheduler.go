// Package worker drives the background ingestion stream.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/mohammad-safakhou/sitrep/config"
	"github.com/mohammad-safakhou/sitrep/internal/agent/core"
	"github.com/mohammad-safakhou/sitrep/internal/store"
	"github.com/mohammad-safakhou/sitrep/models"
)

// maxPulseNodes caps how many unseen sitreps one pulse reports.
const maxPulseNodes = 20

// ErrCycleRunning is returned when a cycle is requested while one is in
// flight. Requests are dropped, never queued.
var ErrCycleRunning = errors.New("ingestion cycle already running")

// ErrSchedulerStopped is returned by TriggerNow once the scheduler has been
// stopped or its Start context has ended.
var ErrSchedulerStopped = errors.New("ingestion scheduler stopped")

// CycleRunner runs one ingestion pass.
type CycleRunner interface {
	RunCycle(ctx context.Context, req core.CycleRequest) (*core.CycleResult, error)
}

// Locker is a cross-replica lease around a cycle.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Pulse summarises one background cycle.
type Pulse struct {
	CycleID string    `json:"cycleId,omitempty"`
	Trigger string    `json:"trigger"`
	At      time.Time `json:"at"`
	// FreshIDs are sitreps at positions this stream had not reported before.
	FreshIDs []string `json:"freshIds"`
	Skipped  bool     `json:"skipped,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Scheduler runs hotspot cycles on an interval or cron cadence. A failed or
// panicking cycle is logged and the next tick still fires.
type Scheduler struct {
	runner CycleRunner
	store  *store.Store
	lock   Locker
	cfg    config.IngestConfig
	expr   *cronexpr.Expression
	logger *log.Logger
	now    func() time.Time

	started  atomic.Bool
	running  atomic.Bool
	inflight sync.WaitGroup

	mu      sync.Mutex
	seen    map[string]struct{}
	last    *Pulse
	stopped bool

	// base parents every cycle. It ends with Stop or with Start's ctx.
	base   context.Context
	cancel context.CancelFunc

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewScheduler validates the cadence. lock may be nil for single-replica
// deployments.
func NewScheduler(runner CycleRunner, st *store.Store, lock Locker, cfg config.IngestConfig) (*Scheduler, error) {
	cfg = cfg.Normalize()
	s := &Scheduler{
		runner: runner,
		store:  st,
		lock:   lock,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		now:    time.Now,
		seen:   make(map[string]struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	if cfg.Cron != "" {
		expr, err := cronexpr.Parse(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse ingest.cron %q: %w", cfg.Cron, err)
		}
		s.expr = expr
	}
	return s, nil
}

// nextDelay is the wait until the next tick after now.
func (s *Scheduler) nextDelay(now time.Time) time.Duration {
	if s.expr != nil {
		if next := s.expr.Next(now); !next.IsZero() {
			return next.Sub(now)
		}
	}
	return s.cfg.PollInterval
}

// Start fires one cycle immediately and then one per tick until ctx is done
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.store.SetBackgroundRunning(true)
	context.AfterFunc(ctx, s.cancel)
	ctx = s.base
	go func() {
		defer close(s.done)
		defer s.store.SetBackgroundRunning(false)
		s.tick(ctx)
		for {
			timer := time.NewTimer(s.nextDelay(s.now()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.stop:
				timer.Stop()
				return
			case <-timer.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop ends the loop, cancels any in-flight cycle and waits for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
	s.inflight.Wait()
}

// tick launches a cycle without blocking the cadence. A tick that lands
// while a cycle runs is skipped.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Printf("tick skipped: previous cycle still running")
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.running.Store(false)
		s.cycle(ctx, "schedule")
	}()
}

// TriggerNow starts an on-demand cycle in the background. The cycle is
// cancelled along with the scheduler.
func (s *Scheduler) TriggerNow() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.base.Err() != nil {
		return ErrSchedulerStopped
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrCycleRunning
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.running.Store(false)
		s.cycle(s.base, "manual")
	}()
	return nil
}

// RunOnce runs a cycle synchronously under the reentrancy guard.
func (s *Scheduler) RunOnce(ctx context.Context, trigger string) (*Pulse, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrCycleRunning
	}
	defer s.running.Store(false)
	return s.cycle(ctx, trigger), nil
}

// Running reports whether a cycle is in flight.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// LastPulse returns the most recent cycle summary.
func (s *Scheduler) LastPulse() (Pulse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Pulse{}, false
	}
	return *s.last, true
}

func (s *Scheduler) cycle(ctx context.Context, trigger string) (p *Pulse) {
	p = &Pulse{Trigger: trigger, At: s.now(), FreshIDs: []string{}}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("cycle panic recovered: %v", r)
			p.Error = fmt.Sprintf("panic: %v", r)
		}
		s.mu.Lock()
		s.last = p
		s.mu.Unlock()
	}()

	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			s.logger.Printf("cycle lock unavailable, skipping: %v", err)
			p.Skipped, p.Error = true, err.Error()
			return p
		}
		if !ok {
			s.logger.Printf("cycle held by another replica, skipping")
			p.Skipped = true
			return p
		}
		defer func() {
			if err := s.lock.Release(context.Background()); err != nil {
				s.logger.Printf("release cycle lock: %v", err)
			}
		}()
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()
	res, err := s.runner.RunCycle(cctx, core.CycleRequest{
		Query:    core.GlobalConflictQuery,
		Hotspots: true,
		Regions:  s.cfg.Regions,
		MaxNodes: s.cfg.MaxNodes,
		Trigger:  trigger,
	})
	if err != nil {
		s.logger.Printf("background ingestion degraded, retrying on next cycle: %v", err)
		p.Error = err.Error()
		return p
	}
	s.store.MarkBackgroundPoll(s.now())
	p.CycleID = res.ID
	p.FreshIDs = s.fresh(res.Sitreps)
	if len(p.FreshIDs) > 0 {
		s.logger.Printf("pulse update: %d new conflict nodes detected", len(p.FreshIDs))
	}
	return p
}

// fresh returns the ids of sitreps at positions not reported before and
// remembers those positions.
func (s *Scheduler) fresh(sitreps []models.Sitrep) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	for _, sr := range sitreps {
		key := sr.Coordinates.Key(3)
		if _, ok := s.seen[key]; ok {
			continue
		}
		s.seen[key] = struct{}{}
		if len(out) < maxPulseNodes {
			out = append(out, sr.ID)
		}
	}
	return out
}
