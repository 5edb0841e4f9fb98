package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const (
	cycleResultSuccess = "success"
	cycleResultPartial = "partial"
	cycleResultError   = "error"
	cycleResultSkipped = "skipped"
)

// ErrCycleInProgress is returned by RunCycle when another cycle is running.
var ErrCycleInProgress = errors.New("collection cycle already in progress")

// Scheduler runs collection cycles at a fixed interval. Cycles never
// overlap: a tick that fires while a cycle is still running is skipped.
type Scheduler struct {
	collector *Collector
	registry  *Registry
	interval  time.Duration
	cron      *cron.Cron
	logger    *slog.Logger

	mu       sync.Mutex
	running  bool
	inFlight atomic.Bool
}

// NewScheduler creates a scheduler that feeds collector results into
// registry every interval.
func NewScheduler(collector *Collector, registry *Registry, interval time.Duration) *Scheduler {
	logger := slog.Default().With("component", "scheduler")
	return &Scheduler{
		collector: collector,
		registry:  registry,
		interval:  interval,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))),
		)),
		logger: logger,
	}
}

// Start runs one cycle immediately and then schedules the following ones.
// The scheduler stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	if s.interval <= 0 {
		return fmt.Errorf("invalid collection interval %s", s.interval)
	}

	if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
		s.logger.Error("initial collection cycle failed", "error", err)
	}

	schedule := "@every " + s.interval.String()
	if _, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
			s.logger.Error("collection cycle failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule collection: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("collection scheduler started", "interval", s.interval)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop stops scheduling and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("collection scheduler stopped")
}

// IsRunning reports whether cycles are being scheduled.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled cycle, or nil when not running.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

// RunCycle performs one collect and update pass and returns the number of
// metrics published. Per-device failures are logged and do not fail the
// cycle; only an unusable collector or a cancelled context does.
func (s *Scheduler) RunCycle(ctx context.Context) (int, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.registry.Self().cycleSkipped()
		return 0, ErrCycleInProgress
	}
	defer s.inFlight.Store(false)

	start := time.Now()
	logger := s.logger.With("cycle_id", uuid.New().String())
	logger.Debug("collection cycle started")

	result, err := s.collector.Collect(ctx)
	if err != nil {
		s.registry.Self().cycleCompleted(start, 0, cycleResultError)
		return 0, fmt.Errorf("collect: %w", err)
	}

	if err := s.registry.Update(result.Metrics); err != nil {
		logger.Warn("some metrics were rejected", "error", err)
	}

	outcome := cycleResultSuccess
	if len(result.Failures) > 0 {
		outcome = cycleResultPartial
	}
	s.registry.Self().cycleCompleted(start, len(result.Metrics), outcome)

	logger.Info("collection cycle completed",
		"metrics", len(result.Metrics),
		"failed_devices", len(result.Failures),
		"duration", time.Since(start),
	)
	return len(result.Metrics), nil
}
