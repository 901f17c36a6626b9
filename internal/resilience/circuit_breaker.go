package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/blurtlabs/blurt/internal/observability"
)

// ErrCircuitOpen is returned by Call while the breaker refuses traffic.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// CircuitState is the breaker's position.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "invalid"
	}
}

// CircuitBreaker keeps a failing upstream from being hammered: after
// maxFailures consecutive failures it fails fast for resetTimeout, then
// lets a few probe requests through and closes again once they succeed.
// State transitions are mirrored to the process metrics under the
// breaker's name.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu               sync.Mutex
	state            CircuitState
	failures         int
	halfOpenAdmitted int
	halfOpenOK       int
	lastFailure      time.Time
	requests         int64
	failuresTotal    int64
}

// NewCircuitBreaker builds a closed breaker. name labels its metrics.
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		halfOpenMax:  3,
	}
	observability.UpdateCircuitBreakerState(name, int(StateClosed))
	return cb
}

// Call runs fn under the breaker. While the breaker is open, Call
// returns ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.resetTimeout {
			cb.transition(StateHalfOpen)
			cb.halfOpenAdmitted = 1
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenAdmitted < cb.halfOpenMax {
			cb.halfOpenAdmitted++
			return true
		}
		return false
	}
	return false
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests++
	if success {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.halfOpenOK++
			if cb.halfOpenOK >= cb.halfOpenMax {
				cb.transition(StateClosed)
			}
		}
		return
	}

	cb.failuresTotal++
	cb.lastFailure = time.Now()
	observability.IncrementCircuitBreakerFailures(cb.name)

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		// One failed probe is enough evidence the upstream is still
		// down.
		cb.transition(StateOpen)
	}
}

// transition moves the breaker and resets the per-state counters.
// Caller holds cb.mu.
func (cb *CircuitBreaker) transition(to CircuitState) {
	cb.state = to
	cb.failures = 0
	cb.halfOpenAdmitted = 0
	cb.halfOpenOK = 0
	observability.UpdateCircuitBreakerState(cb.name, int(to))
}

// State returns the breaker's current position.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns lifetime request and failure counts and the failure
// rate as a percentage.
func (cb *CircuitBreaker) Stats() (requests, failures int64, failureRate float64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	requests = cb.requests
	failures = cb.failuresTotal
	if requests > 0 {
		failureRate = float64(failures) / float64(requests) * 100.0
	}
	return
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}
