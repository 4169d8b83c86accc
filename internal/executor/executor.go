// Package executor drives a workflow's lifecycle: resolves dependencies,
// schedules ready subtasks onto agents via the bus, enforces quality gates,
// aggregates results, and handles partial failure and recovery.
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
	"github.com/swarmguard/agent-orchestrator/internal/errkind"
	"github.com/swarmguard/agent-orchestrator/internal/hierarchy"
	"github.com/swarmguard/agent-orchestrator/internal/workflow"
)

// ExecutorRecipient is the bus recipient id the executor registers for
// receiving TaskResult messages.
const ExecutorRecipient = "executor"

// Config holds the executor's tunables.
type Config struct {
	WorkerCount         int
	MaxActiveWorkflows  int
	PerWorkflowInFlight int
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	StarvationLimit     int
	CancelGracePeriod   time.Duration
}

// DefaultConfig returns the production defaults: 16 workers, 100 active
// workflows, 1s-base selection backoff capped at 30s.
func DefaultConfig() Config {
	return Config{
		WorkerCount:         16,
		MaxActiveWorkflows:  100,
		PerWorkflowInFlight: 50,
		BackoffBase:         time.Second,
		BackoffCap:          30 * time.Second,
		StarvationLimit:     10,
		CancelGracePeriod:   30 * time.Second,
	}
}

// AssignmentPayload is the TaskAssignment message payload.
type AssignmentPayload struct {
	WorkflowID       string
	SubtaskID        string
	Title            string
	Description      string
	Input            map[string]any
	Capabilities     []string
	QualityThreshold float64
}

// ResultPayload is the TaskResult message payload.
type ResultPayload struct {
	Quality    float64
	Cost       float64
	DurationMS int64
	Output     map[string]any
	Error      string
	Transient  bool
}

type subtaskRef struct {
	workflowID      string
	subtaskID       string
	priority        int
	workflowCreated time.Time
}

// Executor is the Workflow Executor.
type Executor struct {
	cfg       Config
	hierarchy *hierarchy.Manager
	bus       *bus.Bus
	tracer    trace.Tracer

	mu          sync.RWMutex
	workflows   map[string]*workflow.Workflow
	workflowCtx map[string]context.Context
	starvation  map[string]int
	inFlight    map[string]int // workflow id -> dispatched, unresolved subtasks

	ready  *readyQueue
	cancel *CancellationManager

	assignCounter     metric.Int64Counter
	completeCounter   metric.Int64Counter
	failCounter       metric.Int64Counter
	starvationCounter metric.Int64Counter
	escalationCounter metric.Int64Counter
}

// New constructs an Executor over the given hierarchy manager and bus.
func New(cfg Config, h *hierarchy.Manager, b *bus.Bus, meter metric.Meter) *Executor {
	e := &Executor{
		cfg:         cfg,
		hierarchy:   h,
		bus:         b,
		tracer:      otel.Tracer("agent-orchestrator-executor"),
		workflows:   make(map[string]*workflow.Workflow),
		workflowCtx: make(map[string]context.Context),
		starvation:  make(map[string]int),
		inFlight:    make(map[string]int),
		ready:       newReadyQueue(),
		cancel:      NewCancellationManager(meter),
	}
	if meter != nil {
		e.assignCounter, _ = meter.Int64Counter("orch_executor_assign_total")
		e.completeCounter, _ = meter.Int64Counter("orch_executor_subtask_completed_total")
		e.failCounter, _ = meter.Int64Counter("orch_executor_subtask_failed_total")
		e.starvationCounter, _ = meter.Int64Counter("orch_executor_starvation_events_total")
		e.escalationCounter, _ = meter.Int64Counter("orch_executor_escalation_total")
	}
	if b != nil {
		b.Register(ExecutorRecipient)
	}
	return e
}

// ErrTooManyWorkflows is returned by Admit once MaxActiveWorkflows is
// reached.
var ErrTooManyWorkflows = fmt.Errorf("max active workflows reached")

// Admit validates the workflow's graph, transitions it to executing, and
// pushes its dependency-free subtasks onto the ready queue.
func (e *Executor) Admit(wf *workflow.Workflow) error {
	if err := workflow.ValidateDAG(wf); err != nil {
		return errkind.Wrap(errkind.InternalInvariantViolation, err)
	}

	e.mu.Lock()
	if e.cfg.MaxActiveWorkflows > 0 && len(e.workflows) >= e.cfg.MaxActiveWorkflows {
		e.mu.Unlock()
		return ErrTooManyWorkflows
	}
	e.workflows[wf.ID] = wf
	e.mu.Unlock()

	if err := wf.SetStatus(workflow.WorkflowExecuting, ""); err != nil {
		return err
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	e.cancel.Register(wf.ID, cancelFn)
	e.mu.Lock()
	e.workflowCtx[wf.ID] = ctx
	e.mu.Unlock()

	for _, s := range workflow.ReadySubtasks(wf) {
		s.SetStatus(workflow.SubtaskReady)
		e.pushReady(wf, s, 0)
	}
	e.armDeadline(wf)
	return nil
}

// armDeadline schedules an automatic cancellation for a workflow with an
// optional deadline: on expiry the workflow is cancelled with reason
// DeadlineExceeded.
func (e *Executor) armDeadline(wf *workflow.Workflow) {
	if wf.Deadline == nil {
		return
	}
	remaining := time.Until(*wf.Deadline)
	reason := errkind.DeadlineExceeded
	if remaining <= 0 {
		e.Cancel(wf.ID, string(reason))
		return
	}
	time.AfterFunc(remaining, func() {
		if cur, ok := e.workflow(wf.ID); ok && !cur.Terminal() {
			e.Cancel(wf.ID, string(reason))
		}
	})
}

func (e *Executor) inFlightCount(workflowID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inFlight[workflowID]
}

func (e *Executor) incInFlight(workflowID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight[workflowID]++
}

func (e *Executor) decInFlight(workflowID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[workflowID] > 0 {
		e.inFlight[workflowID]--
	}
}

func (e *Executor) contextFor(workflowID string) context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ctx, ok := e.workflowCtx[workflowID]; ok {
		return ctx
	}
	return context.Background()
}

func (e *Executor) pushReady(wf *workflow.Workflow, s *workflow.Subtask, delay time.Duration) {
	ref := subtaskRef{workflowID: wf.ID, subtaskID: s.ID, priority: s.Priority, workflowCreated: wf.CreatedAt}
	if delay <= 0 {
		e.ready.push(ref)
		return
	}
	time.AfterFunc(delay, func() { e.ready.push(ref) })
}

// Run starts WorkerCount worker loops and blocks until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	workers := e.cfg.WorkerCount
	if workers <= 0 {
		workers = 16
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.workerLoop(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (e *Executor) workflow(id string) (*workflow.Workflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[id]
	return wf, ok
}

// Status is the programmatic-surface view of a workflow's progress.
type Status struct {
	WorkflowID       string
	Status           workflow.WorkflowStatus
	AggregateQuality float64
	FailReason       string
	ETAMinutes       int
	Subtasks         map[string]SubtaskStatus
}

// SubtaskStatus summarizes one subtask for Status.
type SubtaskStatus struct {
	Status  workflow.SubtaskStatus
	Quality float64
	History []workflow.Attempt
}

// Status returns the current status snapshot for a workflow.
func (e *Executor) Status(workflowID string) (Status, bool) {
	wf, ok := e.workflow(workflowID)
	if !ok {
		return Status{}, false
	}
	out := Status{
		WorkflowID:       wf.ID,
		Status:           wf.Status(),
		AggregateQuality: workflow.AggregateQuality(wf),
		FailReason:       wf.FailReason(),
		Subtasks:         make(map[string]SubtaskStatus),
	}
	for _, s := range wf.Subtasks() {
		q := 0.0
		if r, ok := s.ResultValue(); ok {
			q = r.Quality
		}
		out.Subtasks[s.ID] = SubtaskStatus{Status: s.Status(), Quality: q, History: s.History()}
	}
	// ETA is the critical path's remaining estimate: completed nodes no
	// longer contribute.
	path, _ := workflow.CriticalPath(wf)
	for _, id := range path {
		if st, ok := wf.Subtask(id); ok && st.Status() != workflow.SubtaskCompleted {
			out.ETAMinutes += st.EstimatedMinutes
		}
	}
	return out, true
}

// Pause prevents new assignments for the workflow; in-flight subtasks
// continue to completion.
func (e *Executor) Pause(workflowID string) error {
	wf, ok := e.workflow(workflowID)
	if !ok {
		return fmt.Errorf("unknown workflow")
	}
	return wf.SetStatus(workflow.WorkflowPaused, "")
}

// Resume reopens the admission gate.
func (e *Executor) Resume(workflowID string) error {
	wf, ok := e.workflow(workflowID)
	if !ok {
		return fmt.Errorf("unknown workflow")
	}
	if err := wf.SetStatus(workflow.WorkflowExecuting, ""); err != nil {
		return err
	}
	// Refs popped and discarded while the workflow was paused left their
	// subtasks in status ready with no queue entry; re-push those alongside
	// any that became eligible during the pause.
	for _, s := range wf.Subtasks() {
		if s.Status() == workflow.SubtaskReady {
			e.pushReady(wf, s, 0)
		}
	}
	for _, s := range workflow.ReadySubtasks(wf) {
		s.SetStatus(workflow.SubtaskReady)
		e.pushReady(wf, s, 0)
	}
	return nil
}

func (e *Executor) emitEscalation(wf *workflow.Workflow, reason string) {
	if e.escalationCounter != nil {
		e.escalationCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("workflow", wf.ID)))
	}
}
