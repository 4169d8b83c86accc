package decomposer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/agent-orchestrator/internal/workflow"
)

type fakePlanner struct {
	plan Plan
	err  error
	n    int
}

func (f *fakePlanner) Plan(_ context.Context, _ string, _ Constraints) (Plan, error) {
	f.n++
	return f.plan, f.err
}

func knownCaps(caps ...string) KnownCapabilities {
	return func() []string { return caps }
}

func TestDecomposeProducesValidatedWorkflow(t *testing.T) {
	planner := &fakePlanner{plan: Plan{Subtasks: []CandidateSubtask{
		{Title: "a", Description: "do a", Capabilities: []string{"code"}, EstimatedMinutes: 10},
		{Title: "b", Description: "do b", Capabilities: []string{"code"}, EstimatedMinutes: 10, DependsOn: []string{"a"}},
	}}}
	d := New(DefaultConfig(), planner, knownCaps("code"), nil)

	wf, err := d.Decompose(context.Background(), "build a widget", 1)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowPlanning, wf.Status())
	assert.Len(t, wf.Subtasks(), 2)
}

func TestDecomposeRejectsEmptyBrief(t *testing.T) {
	planner := &fakePlanner{plan: Plan{Subtasks: []CandidateSubtask{{Title: "a", Capabilities: []string{"code"}}}}}
	d := New(DefaultConfig(), planner, knownCaps("code"), nil)

	_, err := d.Decompose(context.Background(), "   ", 1)
	assert.Error(t, err)
	assert.Equal(t, 0, planner.n, "planner should never be invoked for an invalid brief")
}

func TestDecomposeRejectsOverlongBrief(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBriefLength = 5
	planner := &fakePlanner{}
	d := New(cfg, planner, nil, nil)

	_, err := d.Decompose(context.Background(), "way too long a brief", 1)
	assert.Error(t, err)
}

func TestDecomposeRetriesOnInvalidPlanThenSucceeds(t *testing.T) {
	attempts := 0
	planner := planFn(func(ctx context.Context, brief string, c Constraints) (Plan, error) {
		attempts++
		if attempts < 2 {
			return Plan{}, nil // empty plan -> invalid, triggers retry
		}
		return Plan{Subtasks: []CandidateSubtask{{Title: "a", Capabilities: []string{"code"}, EstimatedMinutes: 5}}}, nil
	})
	d := New(DefaultConfig(), planner, knownCaps("code"), nil)

	wf, err := d.Decompose(context.Background(), "brief", 1)
	require.NoError(t, err)
	assert.Len(t, wf.Subtasks(), 1)
	assert.Equal(t, 2, attempts)
}

func TestDecomposeFailsAfterMaxAttemptsExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPlanAttempts = 2
	var failures int
	planner := &fakePlanner{plan: Plan{}} // always invalid (empty)
	d := New(cfg, planner, nil, func() { failures++ })

	_, err := d.Decompose(context.Background(), "brief", 1)
	require.Error(t, err)
	var planningErr *ErrPlanningFailed
	assert.ErrorAs(t, err, &planningErr)
	assert.Equal(t, 2, planner.n)
	assert.Equal(t, 1, failures)
}

func TestDecomposeRejectsUnknownCapability(t *testing.T) {
	planner := &fakePlanner{plan: Plan{Subtasks: []CandidateSubtask{
		{Title: "a", Capabilities: []string{"nuclear-physics"}, EstimatedMinutes: 5},
	}}}
	cfg := DefaultConfig()
	cfg.MaxPlanAttempts = 1
	d := New(cfg, planner, knownCaps("code"), nil)

	_, err := d.Decompose(context.Background(), "brief", 1)
	assert.Error(t, err)
}

func TestDecomposeSplitsOversizedSubtask(t *testing.T) {
	planner := &fakePlanner{plan: Plan{Subtasks: []CandidateSubtask{
		{Title: "big", Capabilities: []string{"code"}, EstimatedMinutes: 500},
	}}}
	cfg := DefaultConfig()
	cfg.MaxSubtaskMinutes = 240
	d := New(cfg, planner, knownCaps("code"), nil)

	wf, err := d.Decompose(context.Background(), "brief", 1)
	require.NoError(t, err)
	assert.Greater(t, len(wf.Subtasks()), 1)
}

func TestAnalyzeClassifiesByCountAndKeywords(t *testing.T) {
	assert.Equal(t, ComplexitySimple, Analyze("do a thing", 1))
	assert.Equal(t, ComplexityStandard, Analyze("do a thing", 2))
	assert.Equal(t, ComplexityComplex, Analyze("first step then next", 1))
	assert.Equal(t, ComplexityResearchGrade, Analyze("many subtasks", 9))
}

type planFn func(ctx context.Context, brief string, c Constraints) (Plan, error)

func (f planFn) Plan(ctx context.Context, brief string, c Constraints) (Plan, error) {
	return f(ctx, brief, c)
}
