package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker guards calls to a single remote destination. After
// maxFailures consecutive failures the breaker opens and calls fail fast
// until the reset timeout elapses, at which point a limited number of
// probe calls are allowed through before the breaker fully closes again.
type CircuitBreaker struct {
	name             string
	maxFailures      uint32
	timeout          time.Duration
	halfOpenMaxCalls uint32

	clock  clock.Clock
	logger *logrus.Logger

	mu              sync.Mutex
	state           State
	failures        uint32
	lastFailureTime time.Time
	halfOpenCalls   uint32
	successCount    uint32
	requestCount    uint64
}

// New creates a circuit breaker with a default logger and wall clock.
func New(name string, maxFailures uint32, timeout time.Duration) *CircuitBreaker {
	return NewWithClock(name, maxFailures, timeout, clock.New(), logrus.New())
}

// NewWithLogger creates a circuit breaker with a custom logger.
func NewWithLogger(name string, maxFailures uint32, timeout time.Duration, logger *logrus.Logger) *CircuitBreaker {
	return NewWithClock(name, maxFailures, timeout, clock.New(), logger)
}

// NewWithClock creates a circuit breaker with an injected clock.
func NewWithClock(name string, maxFailures uint32, timeout time.Duration, clk clock.Clock, logger *logrus.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		maxFailures:      maxFailures,
		timeout:          timeout,
		halfOpenMaxCalls: 3,
		state:            StateClosed,
		clock:            clk,
		logger:           logger,
	}
}

// Execute runs fn if the breaker allows it, recording the outcome.
// When the breaker is open an *Error is returned without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allowRequest() {
		return &Error{Name: cb.name, State: cb.State()}
	}

	err := fn(ctx)
	if err != nil {
		cb.onFailure()
		return err
	}

	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requestCount++
	cb.maybeHalfOpenLocked()

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			return false
		}
		cb.halfOpenCalls++
		return true
	default:
		return false
	}
}

// maybeHalfOpenLocked transitions open -> half-open once the reset
// timeout has elapsed. Caller must hold cb.mu.
func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state != StateOpen {
		return
	}
	if cb.clock.Since(cb.lastFailureTime) < cb.timeout {
		return
	}

	cb.state = StateHalfOpen
	cb.halfOpenCalls = 0
	cb.successCount = 0
	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"state":           "HALF_OPEN",
	}).Info("Circuit breaker transitioned to half-open")
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	if cb.state == StateHalfOpen && cb.successCount >= cb.halfOpenMaxCalls {
		cb.state = StateClosed
		cb.failures = 0
		cb.halfOpenCalls = 0
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"state":           "CLOSED",
		}).Info("Circuit breaker closed after successful recovery")
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = cb.clock.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.tripLocked()
		}
	case StateHalfOpen:
		cb.tripLocked()
	}
}

func (cb *CircuitBreaker) tripLocked() {
	cb.state = StateOpen
	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"failures":        cb.failures,
		"state":           "OPEN",
	}).Warn("Circuit breaker opened due to failures")
}

// State returns the current state, applying any pending open -> half-open
// transition first.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpenLocked()
	return cb.state
}

// Stats represents a point-in-time view of the breaker.
type Stats struct {
	Name            string
	State           State
	Failures        uint32
	Requests        uint64
	Successes       uint32
	LastFailureTime time.Time
}

// GetStats returns statistics about the circuit breaker.
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		Requests:        cb.requestCount,
		Successes:       cb.successCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Error is returned when the breaker rejects a call without running it.
type Error struct {
	Name  string
	State State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsCircuitBreakerError checks if an error is a circuit breaker rejection.
func IsCircuitBreakerError(err error) bool {
	_, ok := err.(*Error)
	return ok
}
