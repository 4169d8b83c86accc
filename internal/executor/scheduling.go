package executor

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/agent-orchestrator/internal/bus"
	"github.com/swarmguard/agent-orchestrator/internal/hierarchy"
	"github.com/swarmguard/agent-orchestrator/internal/workflow"
)

// readyQueue is the priority queue of subtasks whose dependencies are
// satisfied, ordered by subtask priority desc then workflow creation time
// asc.
type readyQueue struct {
	mu     sync.Mutex
	items  readyHeap
	signal chan struct{}
}

func newReadyQueue() *readyQueue {
	return &readyQueue{signal: make(chan struct{}, 1)}
}

func (q *readyQueue) push(ref subtaskRef) {
	q.mu.Lock()
	heap.Push(&q.items, ref)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// removeWorkflow drops every queued ref belonging to workflowID, used when
// cancelling a workflow.
func (q *readyQueue) removeWorkflow(workflowID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, ref := range q.items {
		if ref.workflowID != workflowID {
			kept = append(kept, ref)
		}
	}
	q.items = kept
	heap.Init(&q.items)
}

func (q *readyQueue) pop(ctx context.Context) (subtaskRef, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ref := heap.Pop(&q.items).(subtaskRef)
			q.mu.Unlock()
			return ref, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return subtaskRef{}, false
		case <-q.signal:
		case <-time.After(time.Second):
			// periodic wake to notice ctx cancellation promptly
		}
	}
}

type readyHeap []subtaskRef

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].workflowCreated.Before(h[j].workflowCreated)
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(subtaskRef)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// workerLoop repeatedly picks the highest-priority ready subtask and drives
// it through selection, dispatch, and result handling.
func (e *Executor) workerLoop(ctx context.Context) {
	for {
		ref, ok := e.ready.pop(ctx)
		if !ok {
			return
		}
		e.processSubtask(ctx, ref)
	}
}

func (e *Executor) processSubtask(ctx context.Context, ref subtaskRef) {
	wf, ok := e.workflow(ref.workflowID)
	if !ok {
		return
	}
	if wf.Status() == workflow.WorkflowPaused || wf.Status() == workflow.WorkflowCancelled {
		return
	}
	s, ok := wf.Subtask(ref.subtaskID)
	if !ok || s.Status().Terminal() {
		return
	}

	if limit := e.cfg.PerWorkflowInFlight; limit > 0 && e.inFlightCount(wf.ID) >= limit {
		delay := e.cfg.BackoffBase
		if delay <= 0 {
			delay = time.Second
		}
		e.pushReady(wf, s, delay)
		return
	}

	wfCtx := e.contextFor(wf.ID)
	caps := make([]hierarchy.Capability, 0, len(s.RequiredCapability))
	for _, c := range s.RequiredCapability {
		caps = append(caps, hierarchy.Capability(c))
	}

	agentID, err := e.hierarchy.Select(caps, hierarchy.StrategyLeastLoaded)
	if err != nil {
		e.handleStarvation(wf, s, ref)
		return
	}

	if err := e.hierarchy.Assign(agentID, s.ID); err != nil {
		// Lost the capacity race, or the agent's breaker tripped open between
		// selection and assignment; re-queue immediately rather than
		// penalizing the subtask's retry budget.
		e.pushReady(wf, s, 0)
		return
	}
	s.SetAssignedTo(agentID)
	s.SetStatus(workflow.SubtaskAssigned)
	e.incInFlight(wf.ID)

	if e.assignCounter != nil {
		e.assignCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("capability_count", capCountLabel(len(caps)))))
	}

	wfCtx, span := e.tracer.Start(wfCtx, "executor.dispatch_subtask",
		trace.WithAttributes(attribute.String("workflow_id", wf.ID), attribute.String("subtask_id", s.ID)))
	defer span.End()

	assignment := bus.Message{
		Kind:          bus.KindTaskAssignment,
		Sender:        ExecutorRecipient,
		Recipient:     agentID,
		CorrelationID: s.ID,
		Priority:      s.Priority,
		Payload: AssignmentPayload{
			WorkflowID:       wf.ID,
			SubtaskID:        s.ID,
			Title:            s.Title,
			Description:      s.Description,
			Input:            s.Input,
			Capabilities:     capabilitiesAsStrings(s.RequiredCapability),
			QualityThreshold: s.QualityThreshold,
		},
	}

	s.SetStatus(workflow.SubtaskRunning)
	s.MarkStarted()

	timeout := time.Duration(s.EstimatedMinutes) * 2 * time.Minute
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	resp, err := e.bus.Request(wfCtx, assignment, ExecutorRecipient, timeout)
	if s.AssignedTo() != agentID {
		// The subtask was requeued to another agent while this request
		// waited (agent failure); a correlated result belongs to that
		// attempt's worker, so hand it back to the executor inbox.
		if err == nil {
			e.bus.Send(resp)
		}
		e.decInFlight(wf.ID)
		e.hierarchy.ReleaseNeutral(agentID, s.ID)
		return
	}
	if err != nil {
		e.handleOutcome(wf, s, agentID, ref, "", true, 0, "timeout")
		return
	}

	payload, ok := resp.Payload.(ResultPayload)
	if !ok {
		e.handleOutcome(wf, s, agentID, ref, "", true, 0, "malformed_result")
		return
	}
	if payload.Error != "" {
		e.handleOutcome(wf, s, agentID, ref, payload.Error, payload.Transient, payload.Quality, "error")
		return
	}
	// Result must be recorded before handleOutcome, since a successful
	// outcome may complete the workflow synchronously and AggregateQuality
	// reads this subtask's result as part of that evaluation.
	s.SetResult(workflow.Result{
		Quality:    payload.Quality,
		Cost:       payload.Cost,
		DurationMS: payload.DurationMS,
		Output:     payload.Output,
		AgentID:    agentID,
	})
	e.handleOutcome(wf, s, agentID, ref, "", false, payload.Quality, "success")
}

func capabilitiesAsStrings(caps []workflow.Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

func capCountLabel(n int) string {
	switch {
	case n == 0:
		return "0"
	case n == 1:
		return "1"
	default:
		return "many"
	}
}
