// Package breaker implements the three-state circuit breaker (C5) that
// gates task execution once a worker's external command starts failing
// repeatedly. Translated directly from original_source's CircuitBreaker
// class: a single mutex, a failure counter, and a timer-based half-open
// probe — no third-party breaker library appears anywhere in the
// example pack, so this stays on sync.Mutex rather than reach for one.
package breaker

import (
	"sync"
	"time"
)

// State names the three circuit states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Breaker tracks consecutive execution failures and opens once they
// cross threshold, blocking new work until timeout elapses.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	timeout   time.Duration

	failures        int
	state           State
	lastFailureTime time.Time
}

// New builds a breaker starting Closed.
func New(threshold int, timeout time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		timeout:   timeout,
		state:     Closed,
	}
}

// RecordSuccess resets the failure counter and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = Closed
}

// RecordFailure increments the failure counter and opens the breaker
// once threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailureTime = time.Now()
	if b.failures >= b.threshold {
		b.state = Open
	}
}

// IsOpen reports whether execution should currently be blocked. An Open
// breaker transitions to HalfOpen once timeout has elapsed since the
// last failure; every call passes while the breaker is HalfOpen, until
// the next RecordSuccess or RecordFailure settles the state.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return false
	}
	if time.Since(b.lastFailureTime) >= b.timeout {
		b.state = HalfOpen
		return false
	}
	return true
}

// GetState returns the current state for observability (heartbeats,
// metrics).
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
