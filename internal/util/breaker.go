package util

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreaker opens after threshold consecutive failures and stays open
// for cooldown. After the cooldown a single trial call is let through; its
// result closes or re-opens the breaker. A nil *CircuitBreaker always allows.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
	halfOpen  bool
	now       func() time.Time
}

// NewCircuitBreaker returns a breaker; threshold <= 0 disables it.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		return nil
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow returns ErrCircuitOpen while the breaker is open.
func (cb *CircuitBreaker) Allow() error {
	if cb == nil {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.openUntil.IsZero() {
		return nil
	}
	if cb.now().Before(cb.openUntil) || cb.halfOpen {
		return ErrCircuitOpen
	}
	cb.halfOpen = true
	return nil
}

// RecordSuccess closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	cb.failures = 0
	cb.openUntil = time.Time{}
	cb.halfOpen = false
	cb.mu.Unlock()
}

// RecordFailure counts a failure and opens the breaker at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.halfOpen || cb.failures >= cb.threshold {
		cb.openUntil = cb.now().Add(cb.cooldown)
		cb.halfOpen = false
	}
}

// State returns "closed", "open" or "half_open".
func (cb *CircuitBreaker) State() string {
	if cb == nil {
		return "closed"
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case cb.openUntil.IsZero():
		return "closed"
	case cb.halfOpen || !cb.now().Before(cb.openUntil):
		return "half_open"
	default:
		return "open"
	}
}
