package service

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker guards the store: after threshold consecutive failures it
// opens and rejects immediately; after the cooldown it lets one probe through
// (half-open); one success closes it, one failure re-opens it.
type CircuitBreaker struct {
	mu       sync.Mutex
	failures int
	state    BreakerState
	openedAt time.Time

	threshold int
	cooldown  time.Duration
	clock     Clock
}

func NewCircuitBreaker(threshold int, cooldown time.Duration, clock Clock) *CircuitBreaker {
	if clock == nil {
		clock = SystemClock()
	}
	return &CircuitBreaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock,
	}
}

// Allow reports whether a call may proceed, transitioning open -> half-open
// once the cooldown has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if cb.clock.Now().Sub(cb.openedAt) >= cb.cooldown {
			cb.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return false
}

// RecordSuccess resets the failure count; a half-open probe success closes
// the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = BreakerClosed
}

// RecordFailure counts a failure; threshold consecutive failures (or one
// half-open probe failure) open the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == BreakerHalfOpen || cb.failures >= cb.threshold {
		cb.state = BreakerOpen
		cb.openedAt = cb.clock.Now()
	}
}

// State returns the current state (ops surface).
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
