package repository

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a backend's circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("repository: circuit breaker is open")

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all requests through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all requests immediately.
	BreakerOpen
	// BreakerHalfOpen lets probe requests through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minErrorRateSamples is the minimum number of calls in a window before the
// error rate threshold is evaluated.
const minErrorRateSamples = 10

// BreakerSettings configures a CircuitBreaker.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes that
	// closes it again.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ErrorRateThreshold (0.0-1.0) opens the breaker on the error rate of
	// the current window. Zero disables rate tripping.
	ErrorRateThreshold float64
	ErrorRateWindow    time.Duration
}

// CircuitBreaker guards one backend. It trips on consecutive failures or on
// the error rate within a tumbling window and is safe for concurrent use.
type CircuitBreaker struct {
	mu        sync.Mutex
	settings  BreakerSettings
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	onChange  func(BreakerState)
	now       func() time.Time

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewCircuitBreaker creates a closed circuit breaker. onChange, when not nil,
// is called with the new state after every transition, under the breaker's
// lock.
func NewCircuitBreaker(s BreakerSettings, onChange func(BreakerState)) *CircuitBreaker {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 2
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	cb := &CircuitBreaker{
		settings: s,
		state:    BreakerClosed,
		onChange: onChange,
		now:      time.Now,
	}
	cb.windowStart = cb.now()
	return cb
}

// Allow returns ErrCircuitOpen when the call must not be attempted.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probeIfDue()
	if cb.state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.recordWindowCall(false)
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.settings.SuccessThreshold {
			cb.failures = 0
			cb.successes = 0
			cb.resetWindow()
			cb.transition(BreakerClosed)
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.recordWindowCall(true)
		if cb.failures >= cb.settings.FailureThreshold || cb.errorRateExceeded() {
			cb.open()
		}
	case BreakerHalfOpen:
		cb.successes = 0
		cb.open()
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probeIfDue()
	return cb.state
}

// Counts returns the current failure and success counts.
func (cb *CircuitBreaker) Counts() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.successes
}

// ErrorRate returns the error rate and call count of the current window.
func (cb *CircuitBreaker) ErrorRate() (rate float64, total int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeResetWindow()
	if cb.windowTotal == 0 {
		return 0, 0
	}
	return float64(cb.windowFailures) / float64(cb.windowTotal), cb.windowTotal
}

// The helpers below must be called with the lock held.

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.resetWindow()
	cb.transition(BreakerOpen)
}

func (cb *CircuitBreaker) probeIfDue() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.settings.Timeout {
		cb.successes = 0
		cb.transition(BreakerHalfOpen)
	}
}

func (cb *CircuitBreaker) transition(s BreakerState) {
	cb.state = s
	if cb.onChange != nil {
		cb.onChange(s)
	}
}

func (cb *CircuitBreaker) recordWindowCall(isFailure bool) {
	if cb.settings.ErrorRateWindow <= 0 {
		return
	}
	cb.maybeResetWindow()
	cb.windowTotal++
	if isFailure {
		cb.windowFailures++
	}
}

func (cb *CircuitBreaker) maybeResetWindow() {
	if cb.settings.ErrorRateWindow <= 0 {
		return
	}
	if cb.now().Sub(cb.windowStart) > cb.settings.ErrorRateWindow {
		cb.resetWindow()
	}
}

func (cb *CircuitBreaker) resetWindow() {
	cb.windowStart = cb.now()
	cb.windowTotal = 0
	cb.windowFailures = 0
}

func (cb *CircuitBreaker) errorRateExceeded() bool {
	if cb.settings.ErrorRateThreshold <= 0 || cb.settings.ErrorRateWindow <= 0 {
		return false
	}
	if cb.windowTotal < minErrorRateSamples {
		return false
	}
	rate := float64(cb.windowFailures) / float64(cb.windowTotal)
	return rate >= cb.settings.ErrorRateThreshold
}
