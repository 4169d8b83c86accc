package executor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/agent-orchestrator/internal/errkind"
	"github.com/swarmguard/agent-orchestrator/internal/hierarchy"
	"github.com/swarmguard/agent-orchestrator/internal/workflow"
)

// handleOutcome resolves one subtask attempt: success at or above the quality
// threshold completes it; success below threshold or any failure is treated
// as a transient failure consuming retry budget; exhausting the budget
// escalates through failSubtask.
func (e *Executor) handleOutcome(wf *workflow.Workflow, s *workflow.Subtask, agentID string, ref subtaskRef, errMsg string, transient bool, quality float64, outcomeKind string) {
	e.decInFlight(wf.ID)
	if s.Status().Terminal() {
		// The subtask resolved through another path while this worker's
		// request was in flight (agent-failure requeue, cancellation drain);
		// return the agent's capacity without scoring the stale outcome.
		e.hierarchy.ReleaseNeutral(agentID, s.ID)
		return
	}
	success := outcomeKind == "success" && quality >= s.QualityThreshold
	e.hierarchy.Release(agentID, s.ID, success, quality)

	if success {
		s.RecordAttempt("success", "")
		s.SetStatus(workflow.SubtaskCompleted)
		if e.completeCounter != nil {
			e.completeCounter.Add(context.Background(), 1)
		}
		e.scheduleDependents(wf, s)
		e.evaluateCompletion(wf)
		return
	}

	detail := errMsg
	if outcomeKind == "success" {
		detail = string(errkind.QualityBelowThreshold)
	}
	s.RecordAttempt(outcomeKind, detail)

	if !transient && outcomeKind == "error" {
		e.failSubtask(wf, s, errkind.New(errkind.PermanentExternal, errMsg).Error())
		return
	}

	if s.RetryBudget <= 0 {
		e.failSubtask(wf, s, "retry budget exhausted: "+detail)
		return
	}
	s.DecrementRetryBudget()

	s.SetStatus(workflow.SubtaskReady)
	e.pushReady(wf, s, 0)
}

// failSubtask marks a subtask failed and decides whether the failure is
// workflow-impacting: on the critical path, or its capability has no live
// alternative.
func (e *Executor) failSubtask(wf *workflow.Workflow, s *workflow.Subtask, reason string) {
	s.SetStatus(workflow.SubtaskFailed)
	if e.failCounter != nil {
		e.failCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	}

	impacting := workflow.OnCriticalPath(wf, s.ID) || !e.hasAlternative(s)
	if impacting {
		wf.SetStatus(workflow.WorkflowFailed, reason)
		e.emitEscalation(wf, reason)
		e.drainWorkflow(wf)
		return
	}
	e.evaluateCompletion(wf)
}

func (e *Executor) hasAlternative(s *workflow.Subtask) bool {
	caps := make([]hierarchy.Capability, 0, len(s.RequiredCapability))
	for _, c := range s.RequiredCapability {
		caps = append(caps, hierarchy.Capability(c))
	}
	return e.hierarchy.HasCapableAgent(caps, s.AssignedTo())
}

// scheduleDependents pushes any subtask whose dependencies are now all
// completed onto the ready queue.
func (e *Executor) scheduleDependents(wf *workflow.Workflow, s *workflow.Subtask) {
	ready := make(map[string]bool)
	for _, r := range workflow.ReadySubtasks(wf) {
		ready[r.ID] = true
	}
	for _, dep := range workflow.Dependents(wf, s) {
		if dep.Status() == workflow.SubtaskPending && ready[dep.ID] {
			dep.SetStatus(workflow.SubtaskReady)
			e.pushReady(wf, dep, 0)
		}
	}
}

// evaluateCompletion transitions the workflow to completed or failed once
// every subtask is terminal.
func (e *Executor) evaluateCompletion(wf *workflow.Workflow) {
	if wf.Status() != workflow.WorkflowExecuting {
		return
	}
	if !workflow.AllTerminal(wf) {
		return
	}
	quality := workflow.AggregateQuality(wf)
	if quality >= wf.QualityTarget {
		wf.SetStatus(workflow.WorkflowCompleted, "")
	} else {
		wf.SetStatus(workflow.WorkflowFailed, "aggregate quality below target")
	}
	e.cancel.Complete(wf.ID)
}

// handleStarvation re-queues a subtask with exponential backoff when no
// agent is currently available for its capability set, escalating to
// CapacityExhausted after StarvationLimit repeated failures.
func (e *Executor) handleStarvation(wf *workflow.Workflow, s *workflow.Subtask, ref subtaskRef) {
	e.mu.Lock()
	e.starvation[s.ID]++
	count := e.starvation[s.ID]
	e.mu.Unlock()

	limit := e.cfg.StarvationLimit
	if limit <= 0 {
		limit = 10
	}
	if count >= limit {
		wf.SetStatus(workflow.WorkflowFailed, string(errkind.CapacityExhausted))
		if e.starvationCounter != nil {
			e.starvationCounter.Add(context.Background(), 1)
		}
		e.drainWorkflow(wf)
		return
	}

	base := e.cfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	backoffCap := e.cfg.BackoffCap
	if backoffCap <= 0 {
		backoffCap = 30 * time.Second
	}
	delay := base << (count - 1)
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	e.pushReady(wf, s, delay)
}

// OnAgentFailed re-queues the subtasks a failed agent was holding,
// incrementing their retry budget since the agent fault is not the
// subtask's fault.
func (e *Executor) OnAgentFailed(agentID string) {
	held := e.hierarchy.OnAgentFailed(agentID)
	if len(held) == 0 {
		return
	}
	e.mu.RLock()
	workflows := make([]*workflow.Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		workflows = append(workflows, wf)
	}
	e.mu.RUnlock()

	heldSet := make(map[string]bool, len(held))
	for _, id := range held {
		heldSet[id] = true
	}
	for _, wf := range workflows {
		for _, s := range wf.Subtasks() {
			if !heldSet[s.ID] || s.Status().Terminal() {
				continue
			}
			s.IncrementRetryBudget()
			s.SetStatus(workflow.SubtaskReady)
			e.pushReady(wf, s, 0)
		}
	}
}
