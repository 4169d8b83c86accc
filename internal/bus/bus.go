package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/agent-orchestrator/internal/reliability"
)

// Spiller accepts messages an inbox could not hold so they are not silently
// lost.
// internal/spill implements this against bbolt; tests can use a no-op.
type Spiller interface {
	Spill(msg Message) error
}

// BackpressureObserver is notified when an inbox newly crosses its high
// watermark, so the hierarchy/executor can react (e.g. slow non-critical
// admission).
type BackpressureObserver func(recipient string, depth, capacity int)

// Bus routes messages between per-agent inboxes. Each inbox has its own
// lock; Bus itself only guards the inbox directory map.
type Bus struct {
	mu      sync.RWMutex
	inboxes map[string]*Inbox

	limiter        *reliability.RateLimiter
	spiller        Spiller
	metrics        *reliability.MetricsSink
	onBackpressure BackpressureObserver

	capacity int
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithCapacity overrides the default per-inbox capacity for inboxes created
// after this option is applied.
func WithCapacity(capacity int) Option {
	return func(b *Bus) { b.capacity = capacity }
}

// WithRateLimiter gates non-critical sends through the given limiter,
// shedding load before an inbox ever fills.
func WithRateLimiter(l *reliability.RateLimiter) Option {
	return func(b *Bus) { b.limiter = l }
}

// WithSpiller registers the best-effort overflow spill target.
func WithSpiller(s Spiller) Option {
	return func(b *Bus) { b.spiller = s }
}

// WithMetrics attaches a metrics sink for send/recv/drop counters.
func WithMetrics(m *reliability.MetricsSink) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithBackpressureObserver registers a callback invoked when an inbox newly
// crosses its high watermark.
func WithBackpressureObserver(f BackpressureObserver) Option {
	return func(b *Bus) { b.onBackpressure = f }
}

// NewBus constructs an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		inboxes:  make(map[string]*Inbox),
		capacity: DefaultCapacity,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Register creates (or replaces) the inbox for recipient, used when the
// hierarchy manager registers an agent.
func (b *Bus) Register(recipient string) *Inbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	ib := NewInbox(b.capacity)
	b.inboxes[recipient] = ib
	return ib
}

// Unregister removes recipient's inbox, draining any pending messages into
// the spiller if one is configured.
func (b *Bus) Unregister(recipient string) {
	b.mu.Lock()
	ib, ok := b.inboxes[recipient]
	delete(b.inboxes, recipient)
	b.mu.Unlock()
	if !ok {
		return
	}
	for _, msg := range ib.Drain() {
		b.spill(msg)
	}
}

func (b *Bus) inboxFor(recipient string) (*Inbox, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ib, ok := b.inboxes[recipient]
	return ib, ok
}

func (b *Bus) spill(msg Message) {
	if b.spiller == nil {
		return
	}
	_ = b.spiller.Spill(msg)
}

func (b *Bus) count(name string, labels map[string]string) {
	if b.metrics != nil {
		b.metrics.Counter(name, labels)
	}
}

// Send enqueues msg onto its recipient's inbox. A Recipient of
// RecipientBroadcast is rejected; use Broadcast instead.
func (b *Bus) Send(msg Message) SendOutcome {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Recipient == RecipientBroadcast {
		return rejected("use_broadcast")
	}

	if !msg.Kind.Critical() && b.limiter != nil && !b.limiter.Allow() {
		b.count("orch_bus_rate_limited_total", map[string]string{"kind": string(msg.Kind)})
		return rejected("rate_limited")
	}

	ib, ok := b.inboxFor(msg.Recipient)
	if !ok {
		b.count("orch_bus_send_unknown_recipient_total", nil)
		return rejected("unknown_recipient")
	}

	outcome, crossedWatermark := ib.Offer(msg, time.Now())
	switch outcome.Status {
	case "delivered":
		b.count("orch_bus_delivered_total", map[string]string{"kind": string(msg.Kind)})
	case "dropped":
		b.count("orch_bus_dropped_total", map[string]string{"reason": outcome.Reason})
		b.spill(msg)
	case "rejected":
		b.count("orch_bus_rejected_total", map[string]string{"reason": outcome.Reason})
		if outcome.Reason == "full" {
			b.spill(msg)
		}
	}
	if crossedWatermark && b.onBackpressure != nil {
		b.onBackpressure(msg.Recipient, ib.Depth(), b.capacity)
	}
	return outcome
}

// Recv blocks on recipient's inbox until a message arrives, ctx is
// cancelled, or maxWait elapses.
func (b *Bus) Recv(ctx context.Context, recipient string, maxWait time.Duration) (Message, bool, string) {
	ib, ok := b.inboxFor(recipient)
	if !ok {
		return Message{}, false, "unknown_recipient"
	}
	msg, ok, reason := ib.Recv(ctx, maxWait)
	if ok {
		b.count("orch_bus_received_total", map[string]string{"kind": string(msg.Kind)})
	}
	return msg, ok, reason
}

// Broadcast delivers msg to every recipient satisfying match, returning a
// summary of per-recipient outcomes.
func (b *Bus) Broadcast(msg Message, match func(recipient string) bool) BroadcastSummary {
	b.mu.RLock()
	recipients := make([]string, 0, len(b.inboxes))
	for id := range b.inboxes {
		if match == nil || match(id) {
			recipients = append(recipients, id)
		}
	}
	b.mu.RUnlock()

	var summary BroadcastSummary
	for _, r := range recipients {
		m := msg
		m.ID = uuid.NewString()
		m.Recipient = r
		m.CreatedAt = time.Now()
		outcome := b.Send(m)
		switch outcome.Status {
		case "delivered":
			summary.Delivered++
		case "dropped":
			summary.Dropped++
		case "rejected":
			summary.Rejected++
		}
	}
	return summary
}

// Request composes Send with awaiting a correlated TaskResult or
// HelpResponse. timeout is mandatory; there is no default.
func (b *Bus) Request(ctx context.Context, msg Message, responseRecipient string, timeout time.Duration) (Message, error) {
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	outcome := b.Send(msg)
	if outcome.Status != "delivered" {
		return Message{}, fmt.Errorf("request not delivered: %s (%s)", outcome.Status, outcome.Reason)
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Message{}, fmt.Errorf("request timed out: %w", errTimedOut)
		}
		resp, ok, reason := b.Recv(ctx, responseRecipient, remaining)
		if !ok {
			if reason == "cancelled" {
				return Message{}, fmt.Errorf("request cancelled")
			}
			return Message{}, fmt.Errorf("request timed out: %w", errTimedOut)
		}
		if resp.CorrelationID != msg.CorrelationID {
			// Not our response; another waiter's message landed in the
			// same inbox. Re-deliver it and keep waiting.
			b.Send(resp)
			continue
		}
		if resp.Kind != KindTaskResult && resp.Kind != KindHelpResponse {
			continue
		}
		return resp, nil
	}
}

var errTimedOut = fmt.Errorf("TimedOut")

// Ack acknowledges receipt of a message on recipient's inbox.
func (b *Bus) Ack(recipient, messageID string) bool {
	ib, ok := b.inboxFor(recipient)
	if !ok {
		return false
	}
	return ib.Ack(messageID)
}

// Drain clears recipient's inbox, spilling its contents, and returns the
// removed messages.
func (b *Bus) Drain(recipient string) []Message {
	ib, ok := b.inboxFor(recipient)
	if !ok {
		return nil
	}
	msgs := ib.Drain()
	for _, m := range msgs {
		b.spill(m)
	}
	return msgs
}

// SweepUnacked scans every inbox for receipt-requested messages still
// unacknowledged past ttl, emitting an undelivered event per stale message.
// Returns the stale message ids.
func (b *Bus) SweepUnacked(ttl time.Duration) []string {
	b.mu.RLock()
	inboxes := make([]*Inbox, 0, len(b.inboxes))
	for _, ib := range b.inboxes {
		inboxes = append(inboxes, ib)
	}
	b.mu.RUnlock()

	now := time.Now()
	var stale []string
	for _, ib := range inboxes {
		stale = append(stale, ib.SweepUnacked(now, ttl)...)
	}
	for range stale {
		b.count("orch_bus_undelivered_total", nil)
	}
	return stale
}

// InboxDepth reports the current pending count for recipient, and false if
// recipient has no inbox.
func (b *Bus) InboxDepth(recipient string) (int, bool) {
	ib, ok := b.inboxFor(recipient)
	if !ok {
		return 0, false
	}
	return ib.Depth(), true
}
