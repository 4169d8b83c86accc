// Package workflow holds the shared data model for workflows and subtasks:
// the entities, status machines, and DAG/quality math the executor and
// decomposer both operate on.
package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Capability names a skill a subtask requires and an agent may offer.
type Capability string

// SubtaskStatus is the subtask lifecycle: pending -> ready -> assigned ->
// running -> {completed, failed, cancelled}, with failed -> ready possible
// while retry budget remains.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskReady     SubtaskStatus = "ready"
	SubtaskAssigned  SubtaskStatus = "assigned"
	SubtaskRunning   SubtaskStatus = "running"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
	SubtaskCancelled SubtaskStatus = "cancelled"
)

// Terminal reports whether the status is one a subtask never leaves.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed || s == SubtaskCancelled
}

// WorkflowStatus is the workflow lifecycle: created -> planning -> executing
// -> {completed, failed, cancelled, paused}, with paused <-> executing
// re-entry.
type WorkflowStatus string

const (
	WorkflowCreated    WorkflowStatus = "created"
	WorkflowPlanning   WorkflowStatus = "planning"
	WorkflowExecuting  WorkflowStatus = "executing"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
	WorkflowCancelled  WorkflowStatus = "cancelled"
	WorkflowPaused     WorkflowStatus = "paused"
)

// Attempt records one execution attempt of a subtask, kept for the bounded
// history the status surface exposes.
type Attempt struct {
	Number    int
	Outcome   string // "success", "transient_error", "permanent_error", "timeout"
	Detail    string
	Timestamp time.Time
}

// Result is a subtask's resolved output, set once it reaches a terminal
// status with output.
type Result struct {
	Quality    float64
	Cost       float64
	DurationMS int64
	Output     map[string]any
	AgentID    string
}

// Subtask is one node of a workflow's dependency graph.
type Subtask struct {
	ID                 string
	Title              string
	Description        string
	RequiredCapability []Capability
	EstimatedMinutes   int
	Priority           int
	Input              map[string]any

	DependsOn []string // ids of other subtasks in the same workflow

	QualityThreshold float64
	RetryBudget      int

	mu         sync.RWMutex
	status     SubtaskStatus
	assignedTo string
	startedAt  time.Time
	endedAt    time.Time
	result     *Result
	history    []Attempt
}

// NewSubtask constructs a subtask in status pending with sensible defaults
// (quality threshold 0.7, retry budget 3) mirroring the decomposer's
// emission defaults.
func NewSubtask(title, description string, caps []Capability, estimatedMinutes, priority int) *Subtask {
	return &Subtask{
		ID:                 uuid.NewString(),
		Title:              title,
		Description:        description,
		RequiredCapability: caps,
		EstimatedMinutes:   estimatedMinutes,
		Priority:           priority,
		Input:              make(map[string]any),
		QualityThreshold:   0.7,
		RetryBudget:        3,
		status:             SubtaskPending,
	}
}

// Status returns the subtask's current status.
func (s *Subtask) Status() SubtaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus transitions the subtask, refusing any transition away from a
// terminal status other than failed -> ready (retry); a completed subtask
// never reverts.
func (s *Subtask) SetStatus(next SubtaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == SubtaskCompleted && next != SubtaskCompleted {
		return fmt.Errorf("subtask %s: cannot leave completed", s.ID)
	}
	if s.status.Terminal() && s.status != SubtaskFailed && next != s.status {
		return fmt.Errorf("subtask %s: cannot leave terminal status %s", s.ID, s.status)
	}
	if s.status == SubtaskFailed && next != SubtaskFailed && next != SubtaskReady {
		return fmt.Errorf("subtask %s: failed may only return to ready", s.ID)
	}
	s.status = next
	return nil
}

// RecordAttempt appends to the bounded attempt history (last 5 kept).
func (s *Subtask) RecordAttempt(outcome, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	number := 1
	if n := len(s.history); n > 0 {
		number = s.history[n-1].Number + 1
	}
	s.history = append(s.history, Attempt{
		Number:    number,
		Outcome:   outcome,
		Detail:    detail,
		Timestamp: time.Now(),
	})
	const maxHistory = 5
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
}

// History returns a copy of the recorded attempts.
func (s *Subtask) History() []Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Attempt, len(s.history))
	copy(out, s.history)
	return out
}

// AssignedTo returns the agent id holding this subtask, if any.
func (s *Subtask) AssignedTo() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assignedTo
}

// SetAssignedTo records the agent id holding the subtask.
func (s *Subtask) SetAssignedTo(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignedTo = agentID
}

// MarkStarted records the start timestamp.
func (s *Subtask) MarkStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt = time.Now()
}

// SetResult records the subtask's result and end timestamp.
func (s *Subtask) SetResult(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = &r
	s.endedAt = time.Now()
}

// ResultValue returns the subtask's recorded result, if any.
func (s *Subtask) ResultValue() (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.result == nil {
		return Result{}, false
	}
	return *s.result, true
}

// DecrementRetryBudget decrements the budget, returning the remaining value.
func (s *Subtask) DecrementRetryBudget() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RetryBudget > 0 {
		s.RetryBudget--
	}
	return s.RetryBudget
}

// IncrementRetryBudget grants back a budget unit, used on agent-fault
// recovery where the subtask itself was not at fault.
func (s *Subtask) IncrementRetryBudget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RetryBudget++
}

// Workflow is a DAG of subtasks submitted as a single unit of work.
type Workflow struct {
	ID            string
	Brief         string
	CreatedAt     time.Time
	Priority      int
	Deadline      *time.Time
	QualityTarget float64

	mu         sync.RWMutex
	status     WorkflowStatus
	subtasks   map[string]*Subtask
	order      []string // insertion order, for stable iteration
	failReason string
}

// NewWorkflow constructs an empty workflow in status created with the
// default aggregate quality target of 0.85.
func NewWorkflow(brief string, priority int) *Workflow {
	return &Workflow{
		ID:            uuid.NewString(),
		Brief:         brief,
		CreatedAt:     time.Now(),
		Priority:      priority,
		QualityTarget: 0.85,
		status:        WorkflowCreated,
		subtasks:      make(map[string]*Subtask),
	}
}

// AddSubtask inserts a subtask into the workflow. Callers must validate
// acyclicity (see ValidateDAG) before transitioning out of planning.
func (w *Workflow) AddSubtask(s *Subtask) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subtasks[s.ID] = s
	w.order = append(w.order, s.ID)
}

// Subtask looks up a subtask by id.
func (w *Workflow) Subtask(id string) (*Subtask, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.subtasks[id]
	return s, ok
}

// Subtasks returns all subtasks in insertion order.
func (w *Workflow) Subtasks() []*Subtask {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Subtask, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.subtasks[id])
	}
	return out
}

// Status returns the workflow's current status.
func (w *Workflow) Status() WorkflowStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// FailReason returns the reason recorded when the workflow transitioned to
// failed or was cancelled for cause (e.g. "DeadlineExceeded", "CapacityExhausted").
func (w *Workflow) FailReason() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.failReason
}

// Terminal reports whether the workflow has reached a terminal status
// (completed, failed, or cancelled) and can no longer transition.
func (w *Workflow) Terminal() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status == WorkflowCompleted || w.status == WorkflowFailed || w.status == WorkflowCancelled
}

// SetStatus transitions the workflow, recording reason for failure/cancel
// transitions. paused <-> executing is re-entrant; all other transitions
// out of a terminal status are rejected.
func (w *Workflow) SetStatus(next WorkflowStatus, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	terminal := w.status == WorkflowCompleted || w.status == WorkflowFailed || w.status == WorkflowCancelled
	if terminal && next != w.status {
		return fmt.Errorf("workflow %s: cannot leave terminal status %s", w.ID, w.status)
	}
	w.status = next
	if reason != "" {
		w.failReason = reason
	}
	return nil
}
