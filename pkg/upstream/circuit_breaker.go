// Package upstream forwards DNS queries to recursive resolvers. This
// file implements the circuit breaker one upstream's health tracking
// is built on: failureThreshold consecutive failures trip it open, a
// cooldown lets it probe
// again in half-open, and enough consecutive successes close it.
package upstream

import (
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrCircuitOpen is returned when a circuit is open and failing fast.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrNoHealthyUpstreams is returned when every upstream's circuit is open.
	ErrNoHealthyUpstreams = errors.New("no healthy upstream servers available")
)

// CircuitState is one of Closed, Open, or HalfOpen.
type CircuitState int32

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
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards a single upstream: once failureThreshold
// consecutive failures accumulate it opens and fails fast until
// timeout elapses, then allows up to halfOpenMax probe requests before
// either closing (successThreshold consecutive successes) or
// re-opening (any failure).
type CircuitBreaker struct {
	state           atomic.Int32
	failures        atomic.Int64
	successes       atomic.Int64
	lastFailTime    atomic.Int64
	lastStateChange atomic.Int64
	halfOpenReqs    atomic.Int32

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenMax      int32

	// onTrip, when set, is called with open=true on a transition into
	// StateOpen and open=false on a transition into StateClosed; a
	// transition into StateHalfOpen is not reported. UpstreamHealth uses
	// this to keep the sinkhole's circuit-breaker metrics current.
	onTrip func(open bool)
}

// NewCircuitBreaker creates a breaker with the given thresholds.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		halfOpenMax:      3,
	}
	cb.state.Store(int32(StateClosed))
	cb.lastStateChange.Store(time.Now().UnixNano())
	return cb
}

// Call runs fn if the circuit allows it, and records the outcome.
func (cb *CircuitBreaker) Call(fn func() error) error {
	state := CircuitState(cb.state.Load())

	switch state {
	case StateOpen:
		if time.Since(time.Unix(0, cb.lastStateChange.Load())) > cb.timeout {
			if cb.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
				cb.lastStateChange.Store(time.Now().UnixNano())
				cb.successes.Store(0)
				cb.failures.Store(0)
				cb.halfOpenReqs.Store(0)
			}
		} else {
			return ErrCircuitOpen
		}

	case StateHalfOpen:
		current := cb.halfOpenReqs.Add(1)
		defer cb.halfOpenReqs.Add(-1)
		if current > cb.halfOpenMax {
			return ErrCircuitOpen
		}
	}

	err := fn()
	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	return err
}

func (cb *CircuitBreaker) onFailure() {
	failures := cb.failures.Add(1)
	cb.lastFailTime.Store(time.Now().UnixNano())

	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		if failures >= int64(cb.failureThreshold) {
			if cb.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
				cb.lastStateChange.Store(time.Now().UnixNano())
				cb.notifyTrip(true)
			}
		}

	case StateHalfOpen:
		if cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
			cb.lastStateChange.Store(time.Now().UnixNano())
			cb.failures.Store(0)
			cb.successes.Store(0)
			cb.notifyTrip(true)
		}
	}
}

func (cb *CircuitBreaker) onSuccess() {
	successes := cb.successes.Add(1)
	cb.failures.Store(0)

	if CircuitState(cb.state.Load()) == StateHalfOpen && successes >= int64(cb.successThreshold) {
		if cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
			cb.lastStateChange.Store(time.Now().UnixNano())
			cb.notifyTrip(false)
		}
	}
}

func (cb *CircuitBreaker) notifyTrip(open bool) {
	if cb.onTrip != nil {
		cb.onTrip(open)
	}
}

// GetState returns the current circuit state.
func (cb *CircuitBreaker) GetState() CircuitState {
	return CircuitState(cb.state.Load())
}

// IsHealthy reports whether the circuit is anything but open.
func (cb *CircuitBreaker) IsHealthy() bool {
	return cb.GetState() != StateOpen
}

// GetStats returns the breaker's consecutive failure/success counts and state.
func (cb *CircuitBreaker) GetStats() (failures, successes int64, state CircuitState) {
	return cb.failures.Load(), cb.successes.Load(), cb.GetState()
}

// Reset forces the breaker back to closed with cleared counters.
func (cb *CircuitBreaker) Reset() {
	wasOpen := cb.GetState() == StateOpen
	cb.state.Store(int32(StateClosed))
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.lastStateChange.Store(time.Now().UnixNano())
	if wasOpen {
		cb.notifyTrip(false)
	}
}
