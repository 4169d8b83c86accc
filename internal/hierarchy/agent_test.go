package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAgentDefaultsMaxConcurrentToOne(t *testing.T) {
	a := newAgent(Spec{Name: "a"})
	assert.Equal(t, 1, a.MaxConcurrent)
	assert.Equal(t, StatusIdle, a.Status)
	assert.Equal(t, 1.0, a.RollingSuccessRate)
}

func TestAgentHasCapabilitiesRequiresSuperset(t *testing.T) {
	a := newAgent(Spec{Capabilities: []Capability{"code", "review"}})
	assert.True(t, a.HasCapabilities([]Capability{"code"}))
	assert.True(t, a.HasCapabilities([]Capability{"code", "review"}))
	assert.False(t, a.HasCapabilities([]Capability{"code", "design"}))
}

func TestAgentLoadRatio(t *testing.T) {
	a := newAgent(Spec{MaxConcurrent: 4})
	assert.Equal(t, 0.0, a.LoadRatio())
	a.CurrentTasks["t1"] = true
	assert.Equal(t, 0.25, a.LoadRatio())
}

func TestAgentSelectableRequiresSpareCapacityAndLiveStatus(t *testing.T) {
	a := newAgent(Spec{MaxConcurrent: 1})
	assert.True(t, a.Selectable())

	a.CurrentTasks["t1"] = true
	assert.False(t, a.Selectable())

	a.CurrentTasks = map[string]bool{}
	a.Status = StatusFailed
	assert.False(t, a.Selectable())
}

func TestAgentSnapshotReflectsState(t *testing.T) {
	a := newAgent(Spec{Name: "a", Capabilities: []Capability{"code"}, MaxConcurrent: 2})
	a.CurrentTasks["t1"] = true
	snap := a.snapshot()
	assert.Equal(t, "a", snap.Name)
	assert.Equal(t, 1, snap.CurrentTaskCount)
	assert.Equal(t, []Capability{"code"}, snap.Capabilities)
}
