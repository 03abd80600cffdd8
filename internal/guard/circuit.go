// Package guard holds the in-process protections around the engine: a keyed
// circuit breaker that trips the engine into fail-open mode and a per-key
// sliding-window rate limiter.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/attaboy/shareguard/internal/domain"
	"github.com/attaboy/shareguard/internal/metrics"
)

// CircuitState represents the state of a circuit. The values are exported
// as the shareguard_circuit_state gauge.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitHalfOpen:
		return "half-open"
	case CircuitOpen:
		return "open"
	default:
		return "closed"
	}
}

const guardCircuit = "circuit_breaker"

// CircuitBreaker tracks consecutive failures per key. After failThreshold
// failures the key opens for resetTimeout, then lets a single probe through.
type CircuitBreaker struct {
	mu            sync.Mutex
	circuits      map[string]*circuit
	failThreshold int
	resetTimeout  time.Duration
	now           func() time.Time
}

type circuit struct {
	state       CircuitState
	failures    int
	probing     bool
	lastFailure time.Time
}

// NewCircuitBreaker creates a circuit breaker with configurable thresholds.
func NewCircuitBreaker(failThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		circuits:      make(map[string]*circuit),
		failThreshold: max(1, failThreshold),
		resetTimeout:  resetTimeout,
		now:           time.Now,
	}
}

func (cb *CircuitBreaker) get(key string) *circuit {
	c, ok := cb.circuits[key]
	if !ok {
		c = &circuit{state: CircuitClosed}
		cb.circuits[key] = c
		metrics.CircuitState.WithLabelValues(key).Set(float64(CircuitClosed))
	}
	return c
}

func (cb *CircuitBreaker) setState(key string, c *circuit, s CircuitState) {
	c.state = s
	metrics.CircuitState.WithLabelValues(key).Set(float64(s))
}

// Check reports whether a call for key may proceed.
func (cb *CircuitBreaker) Check(_ context.Context, key string) domain.GuardResult {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(key)
	switch c.state {
	case CircuitOpen:
		since := cb.now().Sub(c.lastFailure)
		if since < cb.resetTimeout {
			return domain.GuardResult{
				Reason: fmt.Sprintf("circuit open for %s, resets in %s", key, (cb.resetTimeout - since).Round(time.Millisecond)),
				Guard:  guardCircuit,
			}
		}
		cb.setState(key, c, CircuitHalfOpen)
		c.probing = true
		return domain.GuardResult{Allowed: true}
	case CircuitHalfOpen:
		if c.probing {
			return domain.GuardResult{Reason: "circuit half-open, probe in flight", Guard: guardCircuit}
		}
		c.probing = true
		return domain.GuardResult{Allowed: true}
	default:
		return domain.GuardResult{Allowed: true}
	}
}

// RecordSuccess closes the circuit for key.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(key)
	c.failures = 0
	c.probing = false
	if c.state != CircuitClosed {
		cb.setState(key, c, CircuitClosed)
	}
}

// RecordFailure counts a failure for key. A failed probe reopens the circuit immediately.
func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(key)
	c.failures++
	c.lastFailure = cb.now()
	if c.state == CircuitHalfOpen || c.failures >= cb.failThreshold {
		c.probing = false
		cb.setState(key, c, CircuitOpen)
	}
}

// State returns the current state for key.
func (cb *CircuitBreaker) State(key string) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if c, ok := cb.circuits[key]; ok {
		return c.state
	}
	return CircuitClosed
}
