package toolrunner

import (
	"sync"
	"time"
)

// CircuitState is one of the three states from spec.md §4.3's circuit
// breaker: closed (normal), open (refusing calls), half_open (a single
// probe call is allowed through to test recovery).
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

// CircuitBreaker protects the external tool from being hammered during
// a sustained outage. It transitions closed -> open after
// FailureThreshold consecutive failures, open -> half_open once
// RecoveryTimeout has elapsed since the last failure, and half_open ->
// closed on the next success (or back to open on failure). The
// half_open state allows at most HalfOpenMaxCalls concurrent probes.
//
// Grounded on spec.md's circuit breaker description; no teacher
// equivalent exists (the teacher never wraps invokeAgent with a
// breaker), so this is built directly from the spec and named/shaped
// like a conventional Go circuit breaker (e.g. sony/gobreaker's state
// model, though not imported — see DESIGN.md).
type CircuitBreaker struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int

	mu              sync.Mutex
	state           CircuitState
	consecutiveFail int
	lastFailure     time.Time
	halfOpenInUse   int
}

// NewCircuitBreaker builds a breaker starting in the closed state.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration, halfOpenMaxCalls int) *CircuitBreaker {
	if halfOpenMaxCalls <= 0 {
		halfOpenMaxCalls = 1
	}
	return &CircuitBreaker{
		FailureThreshold: failureThreshold,
		RecoveryTimeout:  recoveryTimeout,
		HalfOpenMaxCalls: halfOpenMaxCalls,
		state:            StateClosed,
	}
}

// IsOpen reports whether a call should be refused right now. It lazily
// transitions open -> half_open once RecoveryTimeout has elapsed, and
// admits at most HalfOpenMaxCalls probes while half-open.
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false
	case StateOpen:
		if time.Since(b.lastFailure) >= b.RecoveryTimeout {
			b.state = StateHalfOpen
			b.halfOpenInUse = 0
		} else {
			return true
		}
	}

	// StateHalfOpen (possibly just entered above).
	if b.halfOpenInUse >= b.HalfOpenMaxCalls {
		return true
	}
	b.halfOpenInUse++
	return false
}

// RecordSuccess closes the circuit and resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFail = 0
	b.halfOpenInUse = 0
}

// RecordFailure counts a failure toward the threshold, opening the
// circuit immediately if already half-open (a failed probe means the
// dependency has not recovered) or once FailureThreshold consecutive
// failures accumulate while closed.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.halfOpenInUse = 0
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= b.FailureThreshold {
		b.state = StateOpen
	}
}

// State returns the current state for status reporting/tests.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
