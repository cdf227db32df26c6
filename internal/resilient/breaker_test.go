package resilient

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(threshold int, base, max time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(5000, 0)}
	return newBreaker(threshold, base, max, clock.Now), clock
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 10*time.Second, 5*time.Minute)

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("Allow() = false before threshold (failure %d)", i)
		}
		b.Failure()
		if b.State() != BreakerClosed {
			t.Fatalf("state = %s after %d failures, want closed", b.State(), i+1)
		}
	}

	b.Failure()
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s after 3 failures, want open", b.State())
	}
	if b.Allow() {
		t.Error("Allow() = true while open")
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(3, 10*time.Second, 5*time.Minute)

	for i := 0; i < 3; i++ {
		b.Failure()
	}

	// Inside the open window every attempt is short-circuited.
	clock.Advance(9 * time.Second)
	if b.Allow() {
		t.Fatal("Allow() = true before the open window expired")
	}

	// On expiry exactly one trial is admitted.
	clock.Advance(2 * time.Second)
	if !b.Allow() {
		t.Fatal("Allow() = false after the open window expired")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}
	if b.Allow() {
		t.Error("second concurrent trial admitted in half-open")
	}

	b.Success()
	if b.State() != BreakerClosed {
		t.Errorf("state = %s after trial success, want closed", b.State())
	}
	if b.Failures() != 0 {
		t.Errorf("failures = %d after trial success, want 0", b.Failures())
	}
}

func TestBreakerHalfOpenFailureDoublesBackoff(t *testing.T) {
	b, clock := newTestBreaker(3, 10*time.Second, 5*time.Minute)

	for i := 0; i < 3; i++ {
		b.Failure()
	}
	firstWindow := b.OpenUntil().Sub(clock.Now())
	if firstWindow != 10*time.Second {
		t.Fatalf("first open window = %v, want 10s", firstWindow)
	}

	clock.Advance(11 * time.Second)
	if !b.Allow() {
		t.Fatal("trial not admitted after window expiry")
	}
	b.Failure()

	if b.State() != BreakerOpen {
		t.Fatalf("state = %s after trial failure, want open", b.State())
	}
	secondWindow := b.OpenUntil().Sub(clock.Now())
	if secondWindow != 20*time.Second {
		t.Errorf("second open window = %v, want 20s (doubled)", secondWindow)
	}
}

func TestBreakerBackoffCapped(t *testing.T) {
	b, clock := newTestBreaker(1, 10*time.Second, 25*time.Second)

	b.Failure()
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Minute)
		if !b.Allow() {
			t.Fatalf("trial %d not admitted", i)
		}
		b.Failure()
	}

	window := b.OpenUntil().Sub(clock.Now())
	if window != 25*time.Second {
		t.Errorf("open window = %v, want ceiling 25s", window)
	}
}

func TestBreakerSuccessResetsBackoff(t *testing.T) {
	b, clock := newTestBreaker(1, 10*time.Second, 5*time.Minute)

	b.Failure()
	clock.Advance(time.Minute)
	b.Allow()
	b.Failure() // backoff now 20s
	clock.Advance(time.Minute)
	b.Allow()
	b.Success()

	b.Failure()
	window := b.OpenUntil().Sub(clock.Now())
	if window != 10*time.Second {
		t.Errorf("open window after reset = %v, want base 10s", window)
	}
}
