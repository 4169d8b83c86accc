package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/agent-orchestrator/internal/bus"
	"github.com/swarmguard/agent-orchestrator/internal/hierarchy"
	"github.com/swarmguard/agent-orchestrator/internal/workflow"
)

func TestCancellationManagerCancelUnknownWorkflowErrors(t *testing.T) {
	cm := NewCancellationManager(nil)
	err := cm.Cancel(context.Background(), "ghost", "reason")
	assert.Error(t, err)
}

func TestCancellationManagerCancelIsNotReentrant(t *testing.T) {
	cm := NewCancellationManager(nil)
	cancelled := false
	cm.Register("wf", func() { cancelled = true })

	require.NoError(t, cm.Cancel(context.Background(), "wf", "first"))
	assert.True(t, cancelled)

	err := cm.Cancel(context.Background(), "wf", "second")
	assert.Error(t, err, "cancelling an already-cancelled execution must fail")
}

func TestCancellationManagerCompleteIsIdempotentNoOpAfterCancel(t *testing.T) {
	cm := NewCancellationManager(nil)
	cm.Register("wf", func() {})
	require.NoError(t, cm.Cancel(context.Background(), "wf", "reason"))

	cm.Complete("wf") // must not panic or override the cancelled status
	err := cm.Cancel(context.Background(), "wf", "again")
	assert.Error(t, err)
}

func TestCancellationManagerCancelAllStopsEveryRunningExecution(t *testing.T) {
	cm := NewCancellationManager(nil)
	var stopped int
	cm.Register("a", func() { stopped++ })
	cm.Register("b", func() { stopped++ })
	cm.Complete("b") // already finished, should not be cancelled

	n := cm.CancelAll(context.Background(), "shutdown")
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, stopped)
}

func TestCancellationManagerCleanupRemovesOnlyExpiredEntries(t *testing.T) {
	cm := NewCancellationManager(nil)
	cm.Register("old", func() {})
	cm.Complete("old")
	cm.executions["old"].endedAt = time.Now().Add(-time.Hour)

	cm.Register("recent", func() {})
	cm.Complete("recent")

	cm.Register("running", func() {})

	cleaned := cm.Cleanup(time.Minute)
	assert.Equal(t, 1, cleaned)
	_, oldStillThere := cm.executions["old"]
	assert.False(t, oldStillThere)
	_, recentStillThere := cm.executions["recent"]
	assert.True(t, recentStillThere)
	_, runningStillThere := cm.executions["running"]
	assert.True(t, runningStillThere)
}

func TestExecutorCancelTransitionsWorkflowAndSignalsHoldingAgents(t *testing.T) {
	e, b, hm := newTestExecutor(DefaultConfig())
	agentID := hm.Register(hierarchy.Spec{Capabilities: []hierarchy.Capability{"code"}, MaxConcurrent: 1})

	wf, s := singleSubtaskWorkflow("code", 5, 5)
	require.NoError(t, e.Admit(wf))
	require.NoError(t, hm.Assign(agentID, s.ID))
	s.SetAssignedTo(agentID)
	s.SetStatus(workflow.SubtaskAssigned)
	s.SetStatus(workflow.SubtaskRunning)

	require.NoError(t, e.Cancel(wf.ID, "user requested"))

	assert.Equal(t, workflow.WorkflowCancelled, wf.Status())
	assert.Equal(t, workflow.SubtaskCancelled, s.Status())

	msg, ok, _ := b.Recv(context.Background(), agentID, time.Second)
	require.True(t, ok, "the holding agent must receive a cancel control message")
	assert.Equal(t, bus.KindControl, msg.Kind)
	assert.Equal(t, wf.ID, msg.CorrelationID)
}

func TestExecutorCancelUnknownWorkflowErrors(t *testing.T) {
	e, _, _ := newTestExecutor(DefaultConfig())
	err := e.Cancel("ghost", "reason")
	assert.Error(t, err)
}

func TestDrainWorkflowRemovesQueuedSubtasksFromReadyQueue(t *testing.T) {
	e, _, _ := newTestExecutor(DefaultConfig())
	wf := workflow.NewWorkflow("brief", 1)
	a := workflow.NewSubtask("a", "", []workflow.Capability{"code"}, 5, 1)
	b := workflow.NewSubtask("b", "", []workflow.Capability{"code"}, 5, 1)
	b.DependsOn = []string{a.ID}
	wf.AddSubtask(a)
	wf.AddSubtask(b)
	require.NoError(t, e.Admit(wf)) // pushes a onto ready

	require.NoError(t, wf.SetStatus(workflow.WorkflowCancelled, "cancelled"))
	e.drainWorkflow(wf)

	_, ok := e.ready.pop(timeoutCtx(t))
	assert.False(t, ok, "a cancelled workflow's queued subtasks must be drained")
	assert.Equal(t, workflow.SubtaskCancelled, a.Status())
}
