package reliability

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// RetryPolicy configures Retry's backoff schedule.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      bool
	IsTransient Classifier // nil defaults to AlwaysTransient
}

// DefaultRetryPolicy is the common default: 3 attempts, 100ms base, x2
// multiplier, jittered.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    60 * time.Second,
		Jitter:      true,
	}
}

// Result is the tagged outcome Retry returns instead of a bare (T, error).
type Result[T any] struct {
	Value    T
	Outcome  Outcome
	Err      error
	Attempts int
}

// Retry executes fn, retrying transient failures per policy with exponential
// backoff plus bounded jitter. A permanent failure (per policy.IsTransient)
// returns immediately without consuming further attempts.
func Retry[T any](ctx context.Context, meter metric.Meter, policy RetryPolicy, fn func(attempt int) (T, error)) Result[T] {
	classify := policy.IsTransient
	if classify == nil {
		classify = AlwaysTransient
	}
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	base := policy.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	cur := base

	var attemptCounter, successCounter, failCounter metric.Int64Counter
	if meter != nil {
		attemptCounter, _ = meter.Int64Counter("orch_reliability_retry_attempts_total")
		successCounter, _ = meter.Int64Counter("orch_reliability_retry_success_total")
		failCounter, _ = meter.Int64Counter("orch_reliability_retry_fail_total")
	}
	incr := func(c metric.Int64Counter) {
		if c != nil {
			c.Add(ctx, 1)
		}
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(attempt)
		incr(attemptCounter)
		if err == nil {
			incr(successCounter)
			return Result[T]{Value: v, Outcome: Ok, Attempts: attempt}
		}
		lastErr = err
		if !classify(err) {
			incr(failCounter)
			return Result[T]{Value: zero, Outcome: PermanentErr, Err: err, Attempts: attempt}
		}
		if attempt == attempts {
			break
		}
		if policy.MaxDelay > 0 && cur > policy.MaxDelay {
			cur = policy.MaxDelay
		}
		// delay = base * multiplier^(attempt-1) plus jitter in [0, base):
		// the deterministic exponential term plus a bounded-by-base random
		// addend, not a full-jitter replacement of it.
		sleep := cur
		if policy.Jitter {
			sleep = cur + time.Duration(rand.Int63n(int64(base)))
		}
		select {
		case <-ctx.Done():
			incr(failCounter)
			return Result[T]{Value: zero, Outcome: TransientErr, Err: ctx.Err(), Attempts: attempt}
		case <-time.After(sleep):
		}
		cur = time.Duration(float64(cur) * policy.Multiplier)
	}
	incr(failCounter)
	return Result[T]{Value: zero, Outcome: TransientErr, Err: lastErr, Attempts: attempts}
}
