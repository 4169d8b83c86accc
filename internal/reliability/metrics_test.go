package reliability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsSinkRecordsCounterEvents(t *testing.T) {
	sink := NewMetricsSink(nil, 0)
	sink.Counter("orch_test_total", map[string]string{"kind": "a"})
	events := sink.Events(0)
	require.Len(t, events, 1)
	assert.Equal(t, "counter", events[0].Kind)
	assert.Equal(t, "orch_test_total", events[0].Name)
}

func TestMetricsSinkRecordsGaugeEvents(t *testing.T) {
	sink := NewMetricsSink(nil, 0)
	sink.Gauge("orch_test_gauge", 3.5, nil)
	events := sink.Events(0)
	require.Len(t, events, 1)
	assert.Equal(t, "gauge", events[0].Kind)
	assert.Equal(t, 3.5, events[0].Value)
}

func TestMetricsSinkEvictsOldestOnWrap(t *testing.T) {
	sink := NewMetricsSink(nil, 3)
	sink.Counter("e1", nil)
	sink.Counter("e2", nil)
	sink.Counter("e3", nil)
	sink.Counter("e4", nil)

	events := sink.Events(0)
	require.Len(t, events, 3)
	names := []string{events[0].Name, events[1].Name, events[2].Name}
	assert.Equal(t, []string{"e2", "e3", "e4"}, names)
}

func TestMetricsSinkEventsLimitsToLastN(t *testing.T) {
	sink := NewMetricsSink(nil, 10)
	for i := 0; i < 5; i++ {
		sink.Counter("e", nil)
	}
	assert.Len(t, sink.Events(2), 2)
	assert.Len(t, sink.Events(0), 5)
}

func TestMetricsSinkDefaultCapacity(t *testing.T) {
	sink := NewMetricsSink(nil, 0)
	assert.Equal(t, 10_000, sink.capacity)
}
