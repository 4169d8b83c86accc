package decomposer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaterializeRejectsEmptyPlan(t *testing.T) {
	d := New(DefaultConfig(), nil, nil, nil)
	_, err := d.materialize("brief", 1, Plan{})
	assert.Error(t, err)
}

func TestMaterializeRejectsSubtaskWithoutCapabilities(t *testing.T) {
	d := New(DefaultConfig(), nil, nil, nil)
	_, err := d.materialize("brief", 1, Plan{Subtasks: []CandidateSubtask{{Title: "a"}}})
	assert.Error(t, err)
}

func TestMaterializeRejectsUnknownDependencyTitle(t *testing.T) {
	d := New(DefaultConfig(), nil, knownCaps("code"), nil)
	_, err := d.materialize("brief", 1, Plan{Subtasks: []CandidateSubtask{
		{Title: "a", Capabilities: []string{"code"}, DependsOn: []string{"ghost"}},
	}})
	assert.Error(t, err)
}

func TestMaterializeDedupesByTitle(t *testing.T) {
	d := New(DefaultConfig(), nil, knownCaps("code"), nil)
	wf, err := d.materialize("brief", 1, Plan{Subtasks: []CandidateSubtask{
		{Title: "a", Capabilities: []string{"code"}, EstimatedMinutes: 5},
		{Title: "a", Capabilities: []string{"code"}, EstimatedMinutes: 5},
	}})
	require.NoError(t, err)
	assert.Len(t, wf.Subtasks(), 1)
}

func TestMaterializeRejectsCycles(t *testing.T) {
	d := New(DefaultConfig(), nil, knownCaps("code"), nil)
	_, err := d.materialize("brief", 1, Plan{Subtasks: []CandidateSubtask{
		{Title: "a", Capabilities: []string{"code"}, DependsOn: []string{"b"}},
		{Title: "b", Capabilities: []string{"code"}, DependsOn: []string{"a"}},
	}})
	assert.Error(t, err)
}

func TestSplitIfOversizedChainsPartsSequentially(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSubtaskMinutes = 100
	d := New(cfg, nil, nil, nil)

	leaves := d.splitIfOversized(CandidateSubtask{Title: "big", EstimatedMinutes: 250}, nil, 1, 0)
	require.Greater(t, len(leaves), 1)
	for i := 1; i < len(leaves); i++ {
		assert.Contains(t, leaves[i].DependsOn, leaves[i-1].ID)
	}
}

func TestMaterializeAttachesCrossTitleDependencyToFirstSplitLeaf(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSubtaskMinutes = 100
	d := New(cfg, nil, knownCaps("code"), nil)

	wf, err := d.materialize("brief", 1, Plan{Subtasks: []CandidateSubtask{
		{Title: "prereq", Capabilities: []string{"code"}, EstimatedMinutes: 5},
		{Title: "big", Capabilities: []string{"code"}, EstimatedMinutes: 150, DependsOn: []string{"prereq"}},
	}})
	require.NoError(t, err)

	var prereqID string
	var bigLeaves []string
	for _, s := range wf.Subtasks() {
		if s.Title == "prereq" {
			prereqID = s.ID
		}
		if s.Title == "big (part 1)" || s.Title == "big (part 2)" {
			bigLeaves = append(bigLeaves, s.ID)
		}
	}
	require.NotEmpty(t, prereqID)
	require.Len(t, bigLeaves, 2)

	firstLeaf, ok := wf.Subtask(bigLeaves[0])
	require.True(t, ok)
	assert.Contains(t, firstLeaf.DependsOn, prereqID, "the first split leaf must wait on the title's real prerequisite")

	secondLeaf, ok := wf.Subtask(bigLeaves[1])
	require.True(t, ok)
	assert.NotContains(t, secondLeaf.DependsOn, prereqID, "only the first leaf should carry the external dependency")
}

func TestSplitIfOversizedRespectsMaxDepth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSubtaskMinutes = 1
	cfg.MaxSplitDepth = 2
	d := New(cfg, nil, nil, nil)

	leaves := d.splitIfOversized(CandidateSubtask{Title: "huge", EstimatedMinutes: 1000}, nil, 1, 0)
	assert.LessOrEqual(t, len(leaves), 4) // depth-bounded: at most 2^MaxSplitDepth leaves
}
