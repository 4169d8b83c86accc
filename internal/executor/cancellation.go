package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/agent-orchestrator/internal/bus"
	"github.com/swarmguard/agent-orchestrator/internal/workflow"
)

// trackedExecution pairs a workflow's cancel function with its lifecycle
// state.
type trackedExecution struct {
	cancelFunc context.CancelFunc
	status     string // "running", "completed", "cancelled"
	endedAt    time.Time
}

// CancellationManager tracks the cancel function for every admitted
// workflow so Cancel and process shutdown can tear them down cleanly.
type CancellationManager struct {
	mu         sync.RWMutex
	executions map[string]*trackedExecution

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

// NewCancellationManager constructs a cancellation registry.
func NewCancellationManager(meter metric.Meter) *CancellationManager {
	cm := &CancellationManager{
		executions: make(map[string]*trackedExecution),
		tracer:     otel.Tracer("agent-orchestrator-executor"),
	}
	if meter != nil {
		cm.cancellations, _ = meter.Int64Counter("orch_executor_cancellations_total")
	}
	return cm
}

// Register tracks a newly admitted workflow's cancel function.
func (cm *CancellationManager) Register(workflowID string, cancelFunc context.CancelFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.executions[workflowID] = &trackedExecution{cancelFunc: cancelFunc, status: "running"}
}

// Cancel invokes the workflow's cancel function and marks it cancelled.
func (cm *CancellationManager) Cancel(ctx context.Context, workflowID, reason string) error {
	ctx, span := cm.tracer.Start(ctx, "cancellation.cancel", trace.WithAttributes(
		attribute.String("workflow_id", workflowID), attribute.String("reason", reason)))
	defer span.End()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	te, ok := cm.executions[workflowID]
	if !ok {
		return fmt.Errorf("workflow execution not found: %s", workflowID)
	}
	if te.status != "running" {
		return fmt.Errorf("workflow execution is not running: %s (status: %s)", workflowID, te.status)
	}
	te.cancelFunc()
	te.status = "cancelled"
	te.endedAt = time.Now()
	if cm.cancellations != nil {
		cm.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	return nil
}

// Complete marks a still-running workflow's tracking entry completed and
// records its end time (a no-op once the entry is cancelled or completed).
func (cm *CancellationManager) Complete(workflowID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if te, ok := cm.executions[workflowID]; ok && te.status == "running" {
		te.status = "completed"
		te.endedAt = time.Now()
	}
}

// CancelAll cancels every still-running workflow, used on process shutdown.
func (cm *CancellationManager) CancelAll(ctx context.Context, reason string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	n := 0
	for id, te := range cm.executions {
		if te.status == "running" {
			te.cancelFunc()
			te.status = "cancelled"
			te.endedAt = time.Now()
			if cm.cancellations != nil {
				cm.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
			}
			n++
		}
		_ = id
	}
	return n
}

// Cleanup removes tracking entries for executions that finished more than
// retention ago, bounding the registry's memory growth.
func (cm *CancellationManager) Cleanup(retention time.Duration) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	cleaned := 0
	for id, te := range cm.executions {
		if te.status == "running" {
			continue
		}
		if !te.endedAt.IsZero() && now.Sub(te.endedAt) > retention {
			delete(cm.executions, id)
			cleaned++
		}
	}
	return cleaned
}

// Cancel transitions the workflow to cancelled, removes its subtasks from the
// ready queue, marks its unfinished subtasks cancelled, and issues
// Control(cancel) to every agent currently holding one of its subtasks.
func (e *Executor) Cancel(workflowID, reason string) error {
	wf, ok := e.workflow(workflowID)
	if !ok {
		return fmt.Errorf("unknown workflow")
	}
	if err := wf.SetStatus(workflow.WorkflowCancelled, reason); err != nil {
		return err
	}
	if err := e.cancel.Cancel(context.Background(), workflowID, reason); err != nil {
		return err
	}
	e.drainWorkflow(wf)
	return nil
}

// CancelWorkflows cancels every non-terminal workflow, used during process
// drain. Returns how many were cancelled.
func (e *Executor) CancelWorkflows(reason string) int {
	e.mu.RLock()
	ids := make([]string, 0, len(e.workflows))
	for id := range e.workflows {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if wf, ok := e.workflow(id); ok && !wf.Terminal() {
			if err := e.Cancel(id, reason); err == nil {
				n++
			}
		}
	}
	return n
}

// ActiveCount reports how many admitted workflows are not yet terminal.
func (e *Executor) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, wf := range e.workflows {
		if !wf.Terminal() {
			n++
		}
	}
	return n
}

// drainWorkflow removes the workflow's subtasks from the ready queue and
// signals every agent holding one of its subtasks to stop, releasing them
// after the configured grace period regardless of acknowledgment.
func (e *Executor) drainWorkflow(wf *workflow.Workflow) {
	e.ready.removeWorkflow(wf.ID)
	e.mu.Lock()
	delete(e.inFlight, wf.ID)
	e.mu.Unlock()

	holders := make(map[string]bool)
	for _, s := range wf.Subtasks() {
		if s.Status() == workflow.SubtaskRunning || s.Status() == workflow.SubtaskAssigned {
			if agentID := s.AssignedTo(); agentID != "" {
				holders[agentID] = true
			}
			if !s.Status().Terminal() {
				s.SetStatus(workflow.SubtaskCancelled)
			}
		}
		if s.Status() == workflow.SubtaskReady || s.Status() == workflow.SubtaskPending {
			if !s.Status().Terminal() {
				s.SetStatus(workflow.SubtaskCancelled)
			}
		}
	}

	for agentID := range holders {
		e.bus.Send(bus.Message{
			Kind:          bus.KindControl,
			Sender:        ExecutorRecipient,
			Recipient:     agentID,
			CorrelationID: wf.ID,
			Priority:      10,
			Payload:       map[string]any{"action": "cancel", "workflow_id": wf.ID},
		})
	}

	grace := e.cfg.CancelGracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	time.AfterFunc(grace, func() {
		for agentID := range holders {
			for _, s := range wf.Subtasks() {
				if s.AssignedTo() == agentID {
					e.hierarchy.ReleaseNeutral(agentID, s.ID)
				}
			}
		}
	})
}
