package reliability

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the circuit position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// Breaker trips OPEN after a run of consecutive hard failures, half-opens
// after a cooldown, and admits exactly one probe in HALF_OPEN. Clock is
// injectable for tests.
type Breaker struct {
	mu           sync.Mutex
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	state        BreakerState
	failures     int
	trippedAt    time.Time
	probeInUse   bool
	onTransition func(from, to BreakerState)
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     BreakerClosed,
	}
}

// SetClock replaces the time source. Test hook.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// SetTransitionHook registers a callback for state changes (metrics/logs).
func (b *Breaker) SetTransitionHook(hook func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = hook
}

// Allow decides whether a call may proceed. In OPEN it fails fast until the
// cooldown elapses; the first caller after cooldown gets the single
// HALF_OPEN probe slot, later callers keep failing fast until the probe
// reports back. probe is true when the caller holds that slot and must
// settle it with RecordSuccess, RecordFailure, or ReleaseProbe.
func (b *Breaker) Allow() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return false, nil
	case BreakerOpen:
		if b.now().Sub(b.trippedAt) < b.cooldown {
			return false, ErrCircuitOpen
		}
		b.transition(BreakerHalfOpen)
		b.probeInUse = true
		return true, nil
	case BreakerHalfOpen:
		if b.probeInUse {
			return false, ErrCircuitOpen
		}
		b.probeInUse = true
		return true, nil
	}
	return false, nil
}

// ReleaseProbe hands back an admitted HALF_OPEN probe slot when the call
// ended without a verdict on provider health (caller cancellation, auth or
// request errors, throttle exhaustion). The circuit stays HALF_OPEN so the
// next caller can probe again.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.probeInUse = false
	}
}

// RecordSuccess resets the breaker toward CLOSED.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probeInUse = false
	if b.state != BreakerClosed {
		b.transition(BreakerClosed)
	}
}

// RecordFailure counts a hard failure; the probe failing reopens the
// circuit immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.probeInUse = false
		b.trippedAt = b.now()
		b.transition(BreakerOpen)
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.trippedAt = b.now()
			b.transition(BreakerOpen)
		}
	}
}

// State returns the current circuit position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if b.onTransition != nil && from != to {
		b.onTransition(from, to)
	}
}
