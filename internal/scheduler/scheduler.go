// Package scheduler fires polling cycles on an interval or on demand and
// reports their status.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/pricewatch/internal/storage"
	"github.com/kalambet/pricewatch/internal/worker"
)

const (
	DefaultInterval = 5 * time.Minute
	MinInterval     = 10 * time.Second
)

// ErrIntervalTooShort is returned by SetInterval for intervals below MinInterval.
var ErrIntervalTooShort = fmt.Errorf("interval must be at least %s", MinInterval)

// Runner executes one cycle. Implemented by worker.Worker.
type Runner interface {
	RunCycle(ctx context.Context) (worker.Stats, error)
	Running() bool
}

// RunStore provides the run history. Implemented by storage.Store.
type RunStore interface {
	LatestCycleRun(ctx context.Context) (storage.CycleRun, error)
}

// Status is a snapshot of the scheduler for health checks.
type Status struct {
	Running         bool          `json:"running"`
	Interval        string        `json:"interval"`
	IntervalSeconds float64       `json:"interval_seconds"`
	LastRunAt       *time.Time    `json:"last_run_at,omitempty"`
	LastDurationMs  int64         `json:"last_duration_ms"`
	LastStats       *worker.Stats `json:"last_stats,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	NextRunAt       *time.Time    `json:"next_run_at,omitempty"`
}

type Scheduler struct {
	runner Runner
	store  RunStore
	logger *slog.Logger
	now    func() time.Time

	inflight atomic.Bool
	wg       sync.WaitGroup
	reset    chan struct{}

	mu       sync.Mutex
	baseCtx  context.Context
	interval time.Duration
	next     time.Time
	lastRun  time.Time
	lastDur  int64
	last     *worker.Stats
	lastErr  string
}

// New creates a Scheduler. store may be nil.
func New(runner Runner, store RunStore, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		runner:   runner,
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
		reset:    make(chan struct{}, 1),
		baseCtx:  context.Background(),
		interval: interval,
	}
}

// Run fires a cycle every interval until ctx is cancelled, then waits for
// the in-flight cycle to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.loadLastRun(ctx)

	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.logger.Info("scheduler started", "interval", s.Interval())
	defer s.wg.Wait()

	for {
		timer := time.NewTimer(s.arm())
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-s.reset:
			timer.Stop()
		case <-timer.C:
			s.start("interval")
		}
	}
}

// arm computes the next fire time and returns the delay until it.
func (s *Scheduler) arm() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = s.now().Add(s.interval)
	return s.interval
}

// Trigger starts a cycle in the background. It returns false when a cycle is
// already running.
func (s *Scheduler) Trigger() bool {
	return s.start("manual")
}

func (s *Scheduler) start(source string) bool {
	if s.runner.Running() || !s.inflight.CompareAndSwap(false, true) {
		s.logger.Info("cycle trigger ignored: a cycle is already running", "source", source)
		return false
	}

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inflight.Store(false)

		s.logger.Info("starting cycle", "source", source)
		stats, err := s.runner.RunCycle(ctx)
		if errors.Is(err, worker.ErrCycleInProgress) {
			return
		}
		s.recordRun(stats, err)
	}()
	return true
}

func (s *Scheduler) recordRun(stats worker.Stats, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = stats.StartedAt
	if s.lastRun.IsZero() {
		s.lastRun = s.now()
	}
	s.lastDur = stats.DurationMs
	s.last = &stats
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
}

func (s *Scheduler) loadLastRun(ctx context.Context) {
	if s.store == nil {
		return
	}
	run, err := s.store.LatestCycleRun(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("failed to load last cycle run", "error", err)
		return
	}
	var stats worker.Stats
	if err := json.Unmarshal([]byte(run.StatsJSON), &stats); err != nil {
		s.logger.Warn("failed to decode last cycle stats", "run_id", run.ID, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastRun.IsZero() {
		return
	}
	s.lastRun = run.StartedAt
	s.lastDur = stats.DurationMs
	s.last = &stats
	s.lastErr = run.Error
}

// Status returns the current scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:         s.inflight.Load() || s.runner.Running(),
		Interval:        s.interval.String(),
		IntervalSeconds: s.interval.Seconds(),
		LastDurationMs:  s.lastDur,
		LastError:       s.lastErr,
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRunAt = &t
	}
	if s.last != nil {
		stats := *s.last
		st.LastStats = &stats
	}
	if !s.next.IsZero() {
		t := s.next
		st.NextRunAt = &t
	}
	return st
}

// Interval returns the current schedule.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// SetInterval changes the schedule. The next cycle fires d after the call.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d < MinInterval {
		return ErrIntervalTooShort
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()

	select {
	case s.reset <- struct{}{}:
	default:
	}
	s.logger.Info("schedule updated", "interval", d)
	return nil
}
