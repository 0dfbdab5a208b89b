package platform

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/bpfstage/internal/config"
)

// ErrBreakerOpen is returned by Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all requests through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets probe requests through.
	BreakerHalfOpen
	// BreakerOpen rejects all requests immediately.
	BreakerOpen
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

// CircuitBreaker guards the platform client. It trips on consecutive failures
// or on the error rate within a tumbling window, and after its timeout lets
// probes through until enough succeed. It is safe for concurrent use.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time

	errorRateThreshold float64
	errorRateWindow    time.Duration
	windowStart        time.Time
	windowTotal        int
	windowFailures     int

	now      func() time.Time
	onChange func(BreakerState)
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock replaces time.Now.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// OnStateChange registers fn to be called, with the lock held, on every
// state transition. fn must not call back into the breaker.
func OnStateChange(fn func(BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// NewCircuitBreaker creates a breaker from cfg. Zero thresholds fall back to
// 5 failures, 2 successes and a 30s open period; a zero error rate or window
// disables rate-based tripping.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:              BreakerClosed,
		failureThreshold:   cfg.FailureThreshold,
		successThreshold:   cfg.SuccessThreshold,
		timeout:            cfg.Timeout,
		errorRateThreshold: cfg.ErrorRateThreshold,
		errorRateWindow:    cfg.ErrorRateWindow,
		now:                time.Now,
	}
	if cb.failureThreshold < 1 {
		cb.failureThreshold = 5
	}
	if cb.successThreshold < 1 {
		cb.successThreshold = 2
	}
	if cb.timeout <= 0 {
		cb.timeout = 30 * time.Second
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.windowStart = cb.now()
	return cb
}

// Allow returns nil if a call may proceed, or ErrBreakerOpen.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpen()
	if cb.state == BreakerOpen {
		return ErrBreakerOpen
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
		if cb.successes >= cb.successThreshold {
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
		if cb.failures >= cb.failureThreshold || cb.errorRateExceeded() {
			cb.trip()
		}
	case BreakerHalfOpen:
		// Any failure while probing reopens.
		cb.successes = 0
		cb.trip()
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// Must be called with lock held.
func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.now()
	cb.resetWindow()
	cb.transition(BreakerOpen)
}

// Must be called with lock held.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.timeout {
		cb.successes = 0
		cb.transition(BreakerHalfOpen)
	}
}

// Must be called with lock held.
func (cb *CircuitBreaker) transition(to BreakerState) {
	if cb.state == to {
		return
	}
	cb.state = to
	if cb.onChange != nil {
		cb.onChange(to)
	}
}

// Must be called with lock held.
func (cb *CircuitBreaker) recordWindowCall(isFailure bool) {
	if cb.errorRateWindow <= 0 {
		return
	}
	if cb.now().Sub(cb.windowStart) > cb.errorRateWindow {
		cb.resetWindow()
	}
	cb.windowTotal++
	if isFailure {
		cb.windowFailures++
	}
}

// Must be called with lock held.
func (cb *CircuitBreaker) resetWindow() {
	cb.windowStart = cb.now()
	cb.windowTotal = 0
	cb.windowFailures = 0
}

// Must be called with lock held.
func (cb *CircuitBreaker) errorRateExceeded() bool {
	if cb.errorRateThreshold <= 0 || cb.errorRateWindow <= 0 {
		return false
	}
	if cb.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(cb.windowFailures)/float64(cb.windowTotal) >= cb.errorRateThreshold
}
