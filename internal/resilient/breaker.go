package resilient

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state for one host.
type BreakerState int

const (
	// BreakerClosed passes attempts through.
	BreakerClosed BreakerState = iota
	// BreakerOpen short-circuits every attempt until the open window ends.
	BreakerOpen
	// BreakerHalfOpen admits exactly one trial attempt.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker is a per-host circuit breaker. Consecutive failures at or above
// the trip threshold open the circuit for an exponentially growing window,
// capped at the ceiling. On expiry one trial is admitted: success closes
// the circuit and resets counters, failure re-opens it with doubled
// backoff.
type Breaker struct {
	mu            sync.Mutex
	state         BreakerState
	failures      int
	tripThreshold int
	backoff       time.Duration
	baseBackoff   time.Duration
	maxBackoff    time.Duration
	openUntil     time.Time
	trialPending  bool
	clock         func() time.Time
}

func newBreaker(tripThreshold int, baseBackoff, maxBackoff time.Duration, clock func() time.Time) *Breaker {
	if tripThreshold <= 0 {
		tripThreshold = DefaultTripThreshold
	}
	if baseBackoff <= 0 {
		baseBackoff = DefaultBreakerBaseBackoff
	}
	if maxBackoff <= 0 {
		maxBackoff = DefaultBreakerMaxBackoff
	}
	if clock == nil {
		clock = time.Now
	}
	return &Breaker{
		tripThreshold: tripThreshold,
		baseBackoff:   baseBackoff,
		maxBackoff:    maxBackoff,
		backoff:       baseBackoff,
		clock:         clock,
	}
}

// Allow reports whether an attempt may proceed. In the open state it
// returns false until the window expires, at which point the breaker moves
// to half-open and admits a single trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.clock().Before(b.openUntil) {
			return false
		}
		b.state = BreakerHalfOpen
		b.trialPending = true
		return true
	default: // BreakerHalfOpen
		if b.trialPending {
			return false
		}
		b.trialPending = true
		return true
	}
}

// Success records a successful attempt, closing the circuit and resetting
// counters and backoff.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failures = 0
	b.backoff = b.baseBackoff
	b.trialPending = false
}

// Failure records a failed attempt. A half-open trial failure re-opens the
// circuit with doubled backoff; in the closed state the circuit opens once
// consecutive failures reach the trip threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	switch b.state {
	case BreakerHalfOpen:
		b.trialPending = false
		b.backoff *= 2
		if b.backoff > b.maxBackoff {
			b.backoff = b.maxBackoff
		}
		b.open()
	case BreakerClosed:
		if b.failures >= b.tripThreshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openUntil = b.clock().Add(b.backoff)
}

// State returns the current breaker state without side effects.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// OpenUntil returns when the current open window ends.
func (b *Breaker) OpenUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openUntil
}
