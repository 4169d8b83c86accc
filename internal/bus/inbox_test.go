package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxOrdersByPriorityThenFIFO(t *testing.T) {
	ib := NewInbox(10)
	now := time.Now()
	low := Message{ID: "low", Priority: 1, CreatedAt: now}
	high := Message{ID: "high", Priority: 5, CreatedAt: now.Add(time.Millisecond)}
	highEarlier := Message{ID: "high-earlier", Priority: 5, CreatedAt: now}

	_, _ = ib.Offer(low, now)
	_, _ = ib.Offer(high, now)
	_, _ = ib.Offer(highEarlier, now)

	first, ok := ib.tryPop()
	require.True(t, ok)
	assert.Equal(t, "high-earlier", first.ID)

	second, ok := ib.tryPop()
	require.True(t, ok)
	assert.Equal(t, "high", second.ID)

	third, ok := ib.tryPop()
	require.True(t, ok)
	assert.Equal(t, "low", third.ID)
}

func TestInboxOfferRejectsWhenFull(t *testing.T) {
	ib := NewInbox(1)
	now := time.Now()
	outcome, _ := ib.Offer(Message{ID: "a", Priority: 1, CreatedAt: now}, now)
	assert.Equal(t, "delivered", outcome.Status)

	outcome, _ = ib.Offer(Message{ID: "b", Priority: 1, CreatedAt: now}, now)
	assert.Equal(t, "rejected", outcome.Status)
	assert.Equal(t, "full", outcome.Reason)
}

func TestInboxOfferDropsExpiredMessage(t *testing.T) {
	ib := NewInbox(10)
	now := time.Now()
	expired := Message{ID: "a", CreatedAt: now.Add(-time.Hour), TTL: time.Minute}
	outcome, _ := ib.Offer(expired, now)
	assert.Equal(t, "dropped", outcome.Status)
	assert.Equal(t, "ttl_expired", outcome.Reason)
}

func TestInboxBackpressureStillAdmitsLowPriorityPastWatermark(t *testing.T) {
	// Crossing the 80% watermark only raises a backpressure event; it
	// does not by itself reject non-critical messages. Rejection is reserved
	// for a genuinely full inbox (see TestInboxOfferRejectsNonCriticalWhenFull).
	ib := NewInbox(10)
	now := time.Now()
	for i := 0; i < 8; i++ {
		outcome, _ := ib.Offer(Message{ID: string(rune('a' + i)), Priority: 1, CreatedAt: now}, now)
		require.Equal(t, "delivered", outcome.Status)
	}
	outcome, _ := ib.Offer(Message{ID: "low", Priority: 1, CreatedAt: now}, now)
	assert.Equal(t, "delivered", outcome.Status)
}

func TestInboxOfferRejectsNonCriticalWhenFull(t *testing.T) {
	ib := NewInbox(1)
	now := time.Now()
	_, _ = ib.Offer(Message{ID: "a", Priority: 1, CreatedAt: now}, now)
	outcome, _ := ib.Offer(Message{ID: "b", Priority: 1, CreatedAt: now}, now)
	assert.Equal(t, "rejected", outcome.Status)
	assert.Equal(t, "full", outcome.Reason)
}

func TestInboxBackpressureAllowsCriticalKindPastWatermark(t *testing.T) {
	ib := NewInbox(10)
	now := time.Now()
	for i := 0; i < 8; i++ {
		_, _ = ib.Offer(Message{ID: string(rune('a' + i)), Priority: 1, CreatedAt: now}, now)
	}
	outcome, _ := ib.Offer(Message{ID: "critical", Kind: KindControl, Priority: 1, CreatedAt: now}, now)
	assert.Equal(t, "delivered", outcome.Status)
}

func TestInboxAllowsCriticalKindWhenGenuinelyFull(t *testing.T) {
	// Control and Escalation messages are never rejected while unexpired;
	// this must hold at 100% capacity, not just at the 80% watermark.
	ib := NewInbox(1)
	now := time.Now()
	outcome, _ := ib.Offer(Message{ID: "a", Priority: 1, CreatedAt: now}, now)
	require.Equal(t, "delivered", outcome.Status)

	outcome, _ = ib.Offer(Message{ID: "cancel", Kind: KindControl, Priority: 1, CreatedAt: now}, now)
	assert.Equal(t, "delivered", outcome.Status)

	outcome, _ = ib.Offer(Message{ID: "escalate", Kind: KindEscalation, Priority: 1, CreatedAt: now}, now)
	assert.Equal(t, "delivered", outcome.Status)
}

func TestInboxOfferReportsWatermarkCrossing(t *testing.T) {
	ib := NewInbox(10)
	now := time.Now()
	var crossed bool
	for i := 0; i < 8; i++ {
		_, c := ib.Offer(Message{ID: string(rune('a' + i)), Priority: 1, CreatedAt: now}, now)
		if c {
			crossed = true
		}
	}
	assert.True(t, crossed)
}

func TestInboxRecvBlocksUntilMessageArrives(t *testing.T) {
	ib := NewInbox(10)
	go func() {
		time.Sleep(10 * time.Millisecond)
		ib.Offer(Message{ID: "a", CreatedAt: time.Now()}, time.Now())
	}()
	msg, ok, reason := ib.Recv(context.Background(), time.Second)
	require.True(t, ok)
	assert.Empty(t, reason)
	assert.Equal(t, "a", msg.ID)
}

func TestInboxRecvTimesOut(t *testing.T) {
	ib := NewInbox(10)
	_, ok, reason := ib.Recv(context.Background(), 10*time.Millisecond)
	assert.False(t, ok)
	assert.Equal(t, "timeout", reason)
}

func TestInboxRecvRespectsCancellation(t *testing.T) {
	ib := NewInbox(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, reason := ib.Recv(ctx, time.Second)
	assert.False(t, ok)
	assert.Equal(t, "cancelled", reason)
}

func TestInboxAckMarksPendingReceiptSatisfied(t *testing.T) {
	ib := NewInbox(10)
	now := time.Now()
	ib.Offer(Message{ID: "a", CreatedAt: now, ReceiptRequested: true}, now)
	assert.True(t, ib.Ack("a"))
	assert.False(t, ib.Ack("a"))
}

func TestInboxSweepUnackedReturnsStaleIDs(t *testing.T) {
	ib := NewInbox(10)
	now := time.Now().Add(-time.Hour)
	ib.Offer(Message{ID: "a", CreatedAt: now, ReceiptRequested: true}, now)
	stale := ib.SweepUnacked(time.Now(), time.Minute)
	assert.Equal(t, []string{"a"}, stale)
}

func TestInboxDrainReturnsAllPendingMessages(t *testing.T) {
	ib := NewInbox(10)
	now := time.Now()
	ib.Offer(Message{ID: "a", CreatedAt: now}, now)
	ib.Offer(Message{ID: "b", CreatedAt: now}, now)
	drained := ib.Drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, ib.Depth())
}
