package repository

import (
	"errors"
	"testing"
	"time"
)

// fakeClock lets tests move the breaker through its timeout without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(s BreakerSettings) (*CircuitBreaker, *fakeClock, *[]BreakerState) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	var changes []BreakerState
	cb := NewCircuitBreaker(s, func(st BreakerState) { changes = append(changes, st) })
	cb.now = clock.now
	cb.windowStart = clock.now()
	return cb, clock, &changes
}

func TestCircuitBreaker_startsClosedPassesThrough(t *testing.T) {
	cb, _, _ := newTestBreaker(BreakerSettings{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Second})

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want Closed", s)
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil", err)
	}
}

func TestCircuitBreaker_opensAfterThreshold(t *testing.T) {
	cb, _, changes := newTestBreaker(BreakerSettings{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Second})

	cb.RecordFailure()
	cb.RecordFailure()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want Closed", s)
	}

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want Open", s)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
	}
	if len(*changes) != 1 || (*changes)[0] != BreakerOpen {
		t.Errorf("state changes = %v, want [open]", *changes)
	}
}

func TestCircuitBreaker_successResetsFailureCount(t *testing.T) {
	cb, _, _ := newTestBreaker(BreakerSettings{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Second})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()

	cb.RecordFailure()
	cb.RecordFailure()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state = %v, want Closed after reset", s)
	}
}

func TestCircuitBreaker_halfOpenLifecycle(t *testing.T) {
	cb, clock, changes := newTestBreaker(BreakerSettings{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second})

	cb.RecordFailure()
	clock.advance(500 * time.Millisecond)
	if err := cb.Allow(); err == nil {
		t.Fatal("Allow() before timeout should fail")
	}

	clock.advance(time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after timeout = %v, want nil", err)
	}
	if s := cb.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want HalfOpen", s)
	}

	cb.RecordSuccess()
	if s := cb.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 success = %v, want HalfOpen", s)
	}
	cb.RecordSuccess()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 successes = %v, want Closed", s)
	}

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(*changes) != len(want) {
		t.Fatalf("state changes = %v, want %v", *changes, want)
	}
	for i := range want {
		if (*changes)[i] != want[i] {
			t.Errorf("change[%d] = %v, want %v", i, (*changes)[i], want[i])
		}
	}
}

func TestCircuitBreaker_halfOpenToOpenOnFailure(t *testing.T) {
	cb, clock, _ := newTestBreaker(BreakerSettings{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second})

	cb.RecordFailure()
	clock.advance(2 * time.Second)
	_ = cb.Allow()

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state = %v, want Open after HalfOpen failure", s)
	}
}

func TestCircuitBreaker_errorRateTrips(t *testing.T) {
	cb, _, _ := newTestBreaker(BreakerSettings{
		FailureThreshold:   100,
		SuccessThreshold:   1,
		Timeout:            time.Second,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	})

	// Alternate so consecutive failures never reach the threshold.
	for i := 0; i < 4; i++ {
		cb.RecordSuccess()
		cb.RecordFailure()
	}
	if s := cb.State(); s != BreakerClosed {
		t.Fatalf("state with 8 samples = %v, want Closed", s)
	}
	rate, total := cb.ErrorRate()
	if rate != 0.5 || total != 8 {
		t.Errorf("ErrorRate() = (%v, %d), want (0.5, 8)", rate, total)
	}

	cb.RecordSuccess()
	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state with 10 samples at 50%% = %v, want Open", s)
	}
}

func TestCircuitBreaker_errorRateWindowExpires(t *testing.T) {
	cb, clock, _ := newTestBreaker(BreakerSettings{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	})

	for i := 0; i < 4; i++ {
		cb.RecordSuccess()
		cb.RecordFailure()
	}
	clock.advance(2 * time.Minute)
	if _, total := cb.ErrorRate(); total != 0 {
		t.Errorf("window total after expiry = %d, want 0", total)
	}

	// The expired samples no longer count towards tripping.
	cb.RecordFailure()
	cb.RecordFailure()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state = %v, want Closed", s)
	}
}

func TestCircuitBreaker_defaults(t *testing.T) {
	cb := NewCircuitBreaker(BreakerSettings{}, nil)
	if cb.settings.FailureThreshold != 5 || cb.settings.SuccessThreshold != 2 || cb.settings.Timeout != 30*time.Second {
		t.Errorf("defaults = %+v", cb.settings)
	}
	cb.RecordFailure()
	if f, s := cb.Counts(); f != 1 || s != 0 {
		t.Errorf("Counts() = (%d, %d), want (1, 0)", f, s)
	}
}

func TestCircuitBreaker_StateString(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:    "closed",
		BreakerOpen:      "open",
		BreakerHalfOpen:  "half-open",
		BreakerState(99): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
