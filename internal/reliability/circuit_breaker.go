package reliability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// CircuitBreaker is a per-logical-dependency breaker: closed permits calls,
// open rejects without invoking the operation for a cooldown, half-open
// permits a bounded number of probes. It trips once consecutive failures
// within the rolling window reach the threshold.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold  int
	window            time.Duration
	cooldown          time.Duration
	maxHalfOpenProbes int

	consecutiveFailures int
	lastFailureAt       time.Time
	openedAt            time.Time
	state               breakerState
	halfOpenProbes      int

	openCounter  metric.Int64Counter
	closeCounter metric.Int64Counter
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewCircuitBreaker constructs a breaker that opens once failureThreshold
// consecutive failures land within window of each other (a failure further
// than window past the prior one restarts the streak at 1 rather than
// accumulating indefinitely).
func NewCircuitBreaker(meter metric.Meter, window time.Duration, failureThreshold int, cooldown time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	if maxHalfOpenProbes <= 0 {
		maxHalfOpenProbes = 1
	}
	cb := &CircuitBreaker{
		failureThreshold:  failureThreshold,
		window:            window,
		cooldown:          cooldown,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
	}
	if meter != nil {
		cb.openCounter, _ = meter.Int64Counter("orch_reliability_circuit_open_total")
		cb.closeCounter, _ = meter.Int64Counter("orch_reliability_circuit_closed_total")
	}
	return cb
}

// Allow reports whether a call is currently permitted, transitioning
// open -> half-open once the cooldown elapses.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) >= c.cooldown {
			c.state = stateHalfOpen
			c.halfOpenProbes = 1 // this call is the first probe
		} else {
			return false
		}
	case stateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordResult reports the outcome of a call that Allow permitted.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if success {
		c.consecutiveFailures = 0
	} else {
		if c.window > 0 && !c.lastFailureAt.IsZero() && now.Sub(c.lastFailureAt) > c.window {
			c.consecutiveFailures = 0
		}
		c.consecutiveFailures++
		c.lastFailureAt = now
	}

	switch c.state {
	case stateClosed:
		if c.consecutiveFailures >= c.failureThreshold {
			c.transitionToOpen()
		}
	case stateHalfOpen:
		if success {
			c.reset()
		} else {
			c.transitionToOpen()
		}
	case stateOpen:
		// nothing; Allow handles timing.
	}
}

// State reports the current breaker state for status/health reporting.
func (c *CircuitBreaker) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (c *CircuitBreaker) transitionToOpen() {
	c.state = stateOpen
	c.openedAt = time.Now()
	if c.openCounter != nil {
		c.openCounter.Add(context.Background(), 1)
	}
}

func (c *CircuitBreaker) reset() {
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.consecutiveFailures = 0
	c.lastFailureAt = time.Time{}
	if c.closeCounter != nil {
		c.closeCounter.Add(context.Background(), 1)
	}
}
