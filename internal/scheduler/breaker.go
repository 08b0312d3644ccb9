package scheduler

import "sync"

// Breaker counts consecutive run failures and opens at a threshold. There
// is no half-open probing: once open it stays open until Reset, which is
// an operator action.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	failures  int
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures.
func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	return &Breaker{threshold: threshold}
}

// Open reports whether the breaker currently blocks runs.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.threshold
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// RecordSuccess resets the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// RecordFailure increments the streak and reports whether the breaker is
// now open.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	return b.failures >= b.threshold
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}
