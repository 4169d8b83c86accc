package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerStaysClosedBelowThreshold(t *testing.T) {
	cb := NewCircuitBreaker(nil, time.Minute, 5, 100*time.Millisecond, 1)
	for i := 0; i < 4; i++ {
		require.True(t, cb.Allow())
		cb.RecordResult(false)
	}
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreakerTripsOnConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(nil, time.Minute, 3, 100*time.Millisecond, 1)
	for i := 0; i < 3; i++ {
		require.True(t, cb.Allow())
		cb.RecordResult(false)
	}
	assert.Equal(t, "open", cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreakerTripsAfterManyPriorSuccesses(t *testing.T) {
	// A failure rate computed over a large sample of prior successes must
	// not mask a fresh run of consecutive failures: 7 successes then 3
	// consecutive failures trips a threshold-3 breaker even though
	// failures/total = 3/10 = 30%.
	cb := NewCircuitBreaker(nil, time.Minute, 3, 100*time.Millisecond, 1)
	for i := 0; i < 7; i++ {
		require.True(t, cb.Allow())
		cb.RecordResult(true)
	}
	for i := 0; i < 3; i++ {
		require.True(t, cb.Allow())
		cb.RecordResult(false)
	}
	assert.Equal(t, "open", cb.State())
}

func TestCircuitBreakerSuccessResetsConsecutiveStreak(t *testing.T) {
	cb := NewCircuitBreaker(nil, time.Minute, 3, 100*time.Millisecond, 1)
	cb.RecordResult(false)
	cb.RecordResult(false)
	cb.RecordResult(true) // resets the streak before it reaches threshold
	cb.RecordResult(false)
	cb.RecordResult(false)
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreakerHalfOpenAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(nil, time.Minute, 2, 20*time.Millisecond, 1)
	cb.RecordResult(false)
	cb.RecordResult(false)
	require.Equal(t, "open", cb.State())

	time.Sleep(30 * time.Millisecond)
	require.True(t, cb.Allow())
	assert.Equal(t, "half_open", cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(nil, time.Minute, 2, 10*time.Millisecond, 2)
	cb.RecordResult(false)
	cb.RecordResult(false)
	time.Sleep(15 * time.Millisecond)
	require.True(t, cb.Allow())
	cb.RecordResult(false)
	assert.Equal(t, "open", cb.State())
}

func TestCircuitBreakerHalfOpenSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(nil, time.Minute, 2, 10*time.Millisecond, 1)
	cb.RecordResult(false)
	cb.RecordResult(false)
	time.Sleep(15 * time.Millisecond)
	require.True(t, cb.Allow())
	cb.RecordResult(true)
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreakerHalfOpenLimitsProbeCount(t *testing.T) {
	cb := NewCircuitBreaker(nil, time.Minute, 2, 10*time.Millisecond, 2)
	cb.RecordResult(false)
	cb.RecordResult(false)
	time.Sleep(15 * time.Millisecond)

	require.True(t, cb.Allow())
	require.True(t, cb.Allow())
	assert.False(t, cb.Allow(), "a third probe beyond maxHalfOpenProbes should be rejected")
}
