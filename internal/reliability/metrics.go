package reliability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Event is one entry in the MetricsSink's ring buffer.
type Event struct {
	Name      string
	Kind      string // "counter" or "gauge"
	Value     float64
	Labels    map[string]string
	Timestamp time.Time
}

// MetricsSink centralizes counter and gauge emission behind one otel meter
// while additionally keeping the last N events in an in-memory ring, so the
// orchestrator can serve a metrics snapshot without a collector round-trip.
type MetricsSink struct {
	mu       sync.Mutex
	meter    metric.Meter
	capacity int
	ring     []Event
	next     int
	counters map[string]metric.Int64Counter
	gauges   map[string]metric.Float64Gauge
}

// NewMetricsSink creates a sink backed by the given meter with a ring of the
// given capacity (10,000 when capacity <= 0), evicting oldest on wrap.
func NewMetricsSink(meter metric.Meter, capacity int) *MetricsSink {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &MetricsSink{
		meter:    meter,
		capacity: capacity,
		ring:     make([]Event, 0, capacity),
		counters: make(map[string]metric.Int64Counter),
		gauges:   make(map[string]metric.Float64Gauge),
	}
}

// Counter increments a named counter by 1 with the given labels.
func (m *MetricsSink) Counter(name string, labels map[string]string) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok && m.meter != nil {
		counter, _ = m.meter.Int64Counter(name)
		m.counters[name] = counter
	}
	m.mu.Unlock()
	if counter != nil {
		counter.Add(context.Background(), 1, metric.WithAttributes(kvsOf(labels)...))
	}
	m.append(Event{Name: name, Kind: "counter", Value: 1, Labels: labels, Timestamp: time.Now()})
}

// Gauge sets a named gauge to value with the given labels.
func (m *MetricsSink) Gauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	gauge, ok := m.gauges[name]
	if !ok && m.meter != nil {
		gauge, _ = m.meter.Float64Gauge(name)
		m.gauges[name] = gauge
	}
	m.mu.Unlock()
	if gauge != nil {
		gauge.Record(context.Background(), value, metric.WithAttributes(kvsOf(labels)...))
	}
	m.append(Event{Name: name, Kind: "gauge", Value: value, Labels: labels, Timestamp: time.Now()})
}

func (m *MetricsSink) append(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ring) < m.capacity {
		m.ring = append(m.ring, e)
		return
	}
	m.ring[m.next] = e
	m.next = (m.next + 1) % m.capacity
}

// Events returns up to the last n events, oldest first, evicting from the
// front when the ring has wrapped. n <= 0 returns all retained events.
func (m *MetricsSink) Events(n int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := make([]Event, 0, len(m.ring))
	if len(m.ring) < m.capacity {
		ordered = append(ordered, m.ring...)
	} else {
		ordered = append(ordered, m.ring[m.next:]...)
		ordered = append(ordered, m.ring[:m.next]...)
	}
	if n <= 0 || n >= len(ordered) {
		return ordered
	}
	return ordered[len(ordered)-n:]
}

func kvsOf(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	kvs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		kvs = append(kvs, attribute.String(k, v))
	}
	return kvs
}
