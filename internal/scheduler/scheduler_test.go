package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kaspalytics/social-indexer/internal/indexing"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type fakeRunner struct {
	mu      sync.Mutex
	runs    int
	succeed bool
	block   chan struct{}
}

func (r *fakeRunner) Source() indexing.Source {
	return indexing.SourceTelegram
}

func (r *fakeRunner) Run(_ context.Context) indexing.IndexingResult {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	if r.block != nil {
		<-r.block
	}
	result := indexing.IndexingResult{Source: indexing.SourceTelegram, Success: r.succeed}
	if !r.succeed {
		result.Errors = []string{"bridge unreachable"}
	}
	return result
}

func (r *fakeRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func newTestScheduler(runner *fakeRunner, threshold int) *Scheduler {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(runner, NewBreaker(threshold), clock, time.Minute, nil)
}

func TestBreaker_TripAndManualReset(t *testing.T) {
	t.Parallel()

	b := NewBreaker(3)
	require.False(t, b.Open())

	require.False(t, b.RecordFailure())
	require.False(t, b.RecordFailure())
	require.True(t, b.RecordFailure())
	require.True(t, b.Open())

	// More failures keep it open; only Reset closes it.
	require.True(t, b.RecordFailure())
	b.Reset()
	require.False(t, b.Open())
	require.Zero(t, b.Failures())
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	t.Parallel()

	b := NewBreaker(3)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	require.Zero(t, b.Failures())
	require.False(t, b.Open())
}

func TestTick_OpensBreakerAfterThreshold(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{succeed: false}
	s := newTestScheduler(runner, 2)
	ctx := context.Background()

	s.Tick(ctx)
	require.False(t, s.Status().BreakerOpen)
	s.Tick(ctx)
	require.True(t, s.Status().BreakerOpen)
	require.Equal(t, 2, s.Status().ConsecutiveFailures)

	// Open breaker skips the run entirely.
	s.Tick(ctx)
	require.Equal(t, 2, runner.runCount())

	s.ResetBreaker()
	require.False(t, s.Status().BreakerOpen)
	s.Tick(ctx)
	require.Equal(t, 3, runner.runCount())
}

func TestTick_DroppedWhileRunning(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{succeed: true, block: make(chan struct{})}
	s := newTestScheduler(runner, 3)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		s.Tick(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return s.Status().IsRunning
	}, time.Second, 10*time.Millisecond)

	// A second tick while running must not start another run.
	s.Tick(ctx)
	require.Equal(t, 1, runner.runCount())

	close(runner.block)
	<-done
	require.False(t, s.Status().IsRunning)
	require.True(t, s.Status().LastRunSuccess)
}

func TestTrigger_ConflictsWithActiveRun(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{succeed: true, block: make(chan struct{})}
	s := newTestScheduler(runner, 3)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		_, _ = s.Trigger(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return s.Status().IsRunning
	}, time.Second, 10*time.Millisecond)

	_, err := s.Trigger(ctx)
	require.ErrorIs(t, err, ErrRunning)

	close(runner.block)
	<-done
}

func TestTrigger_IgnoresOpenBreaker(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{succeed: false}
	s := newTestScheduler(runner, 1)
	ctx := context.Background()

	s.Tick(ctx)
	require.True(t, s.Status().BreakerOpen)

	// Manual runs are the recovery path, so they bypass the breaker.
	result, err := s.Trigger(ctx)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, 2, runner.runCount())
}
