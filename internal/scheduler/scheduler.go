// Package scheduler drives recurring indexing runs per source, guarded by
// a manually-reset circuit breaker and a single-flight run lock.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kaspalytics/social-indexer/internal/indexing"
	"github.com/kaspalytics/social-indexer/internal/metrics"
)

// ErrRunning is returned by Trigger while a run is already active.
var ErrRunning = errors.New("run already in progress")

// Runner executes one indexing cycle. The production implementation is
// *indexer.Indexer.
type Runner interface {
	Source() indexing.Source
	Run(ctx context.Context) indexing.IndexingResult
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Source              indexing.Source `json:"source"`
	IsRunning           bool            `json:"is_running"`
	LastRunAt           time.Time       `json:"last_run_at,omitempty"`
	LastRunSuccess      bool            `json:"last_run_success"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	BreakerOpen         bool            `json:"breaker_open"`
}

// Scheduler ticks a runner on a fixed interval. A tick that lands while a
// run is active is dropped; a tick with the breaker open is skipped before
// touching any resource.
type Scheduler struct {
	runner   Runner
	breaker  *Breaker
	clock    indexing.Clock
	interval time.Duration
	logger   *zap.Logger

	mu             sync.Mutex
	running        bool
	lastRunAt      time.Time
	lastRunSuccess bool
}

// New constructs a Scheduler.
func New(runner Runner, breaker *Breaker, clock indexing.Clock, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:   runner,
		breaker:  breaker,
		clock:    clock,
		interval: interval,
		logger:   logger.With(zap.String("source", string(runner.Source()))),
	}
}

// Start blocks, ticking until the context is cancelled. The first run
// fires immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	s.Tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick attempts one run. Drops silently when a run is active, skips when
// the breaker is open.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.breaker.Open() {
		s.logger.Warn("breaker open, skipping tick",
			zap.Int("consecutive_failures", s.breaker.Failures()))
		return
	}
	if !s.tryAcquire() {
		s.logger.Debug("run in progress, dropping tick")
		return
	}
	defer s.release()
	s.run(ctx)
}

// Trigger starts a run on demand, sharing the guard with scheduled ticks.
// Unlike Tick, it ignores the breaker: a manual run is how an operator
// verifies the source recovered.
func (s *Scheduler) Trigger(ctx context.Context) (indexing.IndexingResult, error) {
	if !s.tryAcquire() {
		return indexing.IndexingResult{}, ErrRunning
	}
	defer s.release()
	return s.run(ctx), nil
}

// ResetBreaker closes the breaker.
func (s *Scheduler) ResetBreaker() {
	s.breaker.Reset()
	metrics.SetBreakerOpen(string(s.runner.Source()), false)
	s.logger.Info("breaker reset")
}

// Status reports the scheduler's current state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Source:              s.runner.Source(),
		IsRunning:           s.running,
		LastRunAt:           s.lastRunAt,
		LastRunSuccess:      s.lastRunSuccess,
		ConsecutiveFailures: s.breaker.Failures(),
		BreakerOpen:         s.breaker.Open(),
	}
}

func (s *Scheduler) run(ctx context.Context) indexing.IndexingResult {
	result := s.runner.Run(ctx)

	s.mu.Lock()
	s.lastRunAt = s.clock.Now()
	s.lastRunSuccess = result.Success
	s.mu.Unlock()

	if result.Success {
		s.breaker.RecordSuccess()
		metrics.SetBreakerOpen(string(s.runner.Source()), false)
	} else if s.breaker.RecordFailure() {
		metrics.SetBreakerOpen(string(s.runner.Source()), true)
		s.logger.Error("breaker opened",
			zap.Int("consecutive_failures", s.breaker.Failures()))
	}
	return result
}

func (s *Scheduler) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
