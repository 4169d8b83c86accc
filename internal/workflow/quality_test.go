package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateQualityWeightsByEstimatedMinutes(t *testing.T) {
	w := NewWorkflow("brief", 1)
	a := NewSubtask("a", "", nil, 10, 1)
	b := NewSubtask("b", "", nil, 30, 1)
	w.AddSubtask(a)
	w.AddSubtask(b)

	require.NoError(t, a.SetStatus(SubtaskCompleted))
	a.SetResult(Result{Quality: 1.0})
	require.NoError(t, b.SetStatus(SubtaskCompleted))
	b.SetResult(Result{Quality: 0.5})

	// (1.0*10 + 0.5*30) / 40 = 25/40 = 0.625
	assert.InDelta(t, 0.625, AggregateQuality(w), 0.0001)
}

func TestAggregateQualityIgnoresIncompleteSubtasks(t *testing.T) {
	w := NewWorkflow("brief", 1)
	a := NewSubtask("a", "", nil, 10, 1)
	w.AddSubtask(a)
	assert.Equal(t, 0.0, AggregateQuality(w))
}

func TestAggregateQualityZeroWeightDefaultsToOne(t *testing.T) {
	w := NewWorkflow("brief", 1)
	a := NewSubtask("a", "", nil, 0, 1)
	w.AddSubtask(a)
	require.NoError(t, a.SetStatus(SubtaskCompleted))
	a.SetResult(Result{Quality: 0.8})
	assert.InDelta(t, 0.8, AggregateQuality(w), 0.0001)
}

func TestAllTerminalRequiresEverySubtaskDone(t *testing.T) {
	w := NewWorkflow("brief", 1)
	a := NewSubtask("a", "", nil, 1, 1)
	b := NewSubtask("b", "", nil, 1, 1)
	w.AddSubtask(a)
	w.AddSubtask(b)

	assert.False(t, AllTerminal(w))
	require.NoError(t, a.SetStatus(SubtaskCompleted))
	assert.False(t, AllTerminal(w))
	require.NoError(t, b.SetStatus(SubtaskFailed))
	assert.True(t, AllTerminal(w))
}
