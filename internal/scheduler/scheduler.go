package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultDrainTimeout bounds how long shutdown waits for the in-flight
// tick.
const DefaultDrainTimeout = 30 * time.Second

// TickFunc is one orchestration run. Panics are contained by the
// scheduler; an escaping panic is logged and the schedule continues.
type TickFunc func(ctx context.Context)

// Config controls the firing schedule.
type Config struct {
	// Interval between fires. Takes precedence over CronExpr when both
	// are set. When neither is set the scheduler runs a single tick.
	Interval time.Duration

	// CronExpr is a standard 5-field cron expression.
	CronExpr string

	// MaxDuration stops the schedule once exceeded. It applies only when
	// MaxDurationSet is true; a set zero cap runs exactly one tick, then
	// stops.
	MaxDuration time.Duration
	// MaxDurationSet distinguishes a zero cap from no cap.
	MaxDurationSet bool

	// MaxRuns stops the schedule after this many fired ticks; zero means
	// unbounded.
	MaxRuns int

	// AllowOverlap permits a fire while the previous tick is still in
	// flight. When false (the default) such fires are dropped, never
	// queued.
	AllowOverlap bool

	// DrainTimeout bounds the shutdown wait for the in-flight tick.
	DrainTimeout time.Duration
}

// Scheduler fires the tick function on its schedule, enforcing non-overlap
// and the configured bounds.
type Scheduler struct {
	cfg      Config
	tick     TickFunc
	schedule cron.Schedule

	inFlight atomic.Bool
	dropped  atomic.Uint64
	runs     atomic.Int64
	wg       sync.WaitGroup
	clock    func() time.Time
}

// New validates the schedule configuration. An invalid cron expression is
// a fatal configuration error.
func New(cfg Config, tick TickFunc) (*Scheduler, error) {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	s := &Scheduler{cfg: cfg, tick: tick, clock: time.Now}

	if cfg.CronExpr != "" {
		if cfg.Interval > 0 {
			slog.Warn("both interval and cron schedule configured, interval takes precedence",
				"interval", cfg.Interval, "cron", cfg.CronExpr)
		} else {
			schedule, err := cron.ParseStandard(cfg.CronExpr)
			if err != nil {
				return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.CronExpr, err)
			}
			s.schedule = schedule
		}
	}
	return s, nil
}

// Run drives the schedule until a bound is reached or ctx is cancelled.
// On cancellation no new ticks are scheduled and the in-flight tick is
// allowed up to DrainTimeout to complete.
func (s *Scheduler) Run(ctx context.Context) {
	start := s.clock()

	switch {
	case s.cfg.Interval > 0:
		s.runInterval(ctx, start)
	case s.schedule != nil:
		s.runCron(ctx, start)
	default:
		// Single-run mode.
		s.fire(ctx)
	}

	s.drain()
}

func (s *Scheduler) runInterval(ctx context.Context, start time.Time) {
	// First fire is immediate.
	s.fire(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if s.exhausted(start) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) runCron(ctx context.Context, start time.Time) {
	for {
		if s.exhausted(start) {
			return
		}
		next := s.schedule.Next(s.clock())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(ctx)
		}
	}
}

// exhausted reports whether a run bound has been reached. The duration cap
// is only consulted after the first tick so a zero-duration schedule still
// runs once.
func (s *Scheduler) exhausted(start time.Time) bool {
	runs := s.runs.Load()
	if s.cfg.MaxRuns > 0 && runs >= int64(s.cfg.MaxRuns) {
		slog.Info("max runs reached, stopping scheduler", "runs", runs)
		return true
	}
	if s.cfg.MaxDurationSet && runs > 0 && s.clock().Sub(start) >= s.cfg.MaxDuration {
		slog.Info("duration cap reached, stopping scheduler", "elapsed", s.clock().Sub(start))
		return true
	}
	return false
}

// fire starts one tick, dropping the fire when the previous tick is still
// in flight and overlap is disallowed.
func (s *Scheduler) fire(ctx context.Context) {
	if !s.cfg.AllowOverlap && !s.inFlight.CompareAndSwap(false, true) {
		n := s.dropped.Add(1)
		slog.Warn("previous run still in flight, dropping this fire", "dropped_total", n)
		return
	}

	s.runs.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.cfg.AllowOverlap {
			defer s.inFlight.Store(false)
		}
		defer func() {
			if r := recover(); r != nil {
				slog.Error("tick panicked, scheduler continues", "panic", r)
			}
		}()
		s.tick(ctx)
	}()
}

// drain waits for the in-flight tick, bounded by DrainTimeout.
func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.DrainTimeout):
		slog.Warn("drain timeout elapsed with tick still in flight")
	}
}

// Dropped returns how many fires were discarded to non-overlap.
func (s *Scheduler) Dropped() uint64 { return s.dropped.Load() }

// Runs returns how many ticks have been fired.
func (s *Scheduler) Runs() int64 { return s.runs.Load() }
