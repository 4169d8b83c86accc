// Package hierarchy maintains the live agent pool: registration, capability
// matching, load-balanced selection, heartbeat-based health, and scaling.
package hierarchy

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the coarse role grouping used for selection filters and status
// reporting.
type Tier string

const (
	TierExecutive  Tier = "executive"
	TierManagerial Tier = "managerial"
	TierSpecialist Tier = "specialist"
	TierSupport    Tier = "support"
)

// Status is an agent's mutable lifecycle state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusDraining Status = "draining"
	StatusFailed   Status = "failed"
	StatusRetired  Status = "retired"
)

// Capability names a skill, matching internal/workflow.Capability's type
// without importing it, keeping hierarchy free of a workflow dependency.
type Capability string

// Spec describes the static identity of an agent at registration.
type Spec struct {
	Name          string
	Tier          Tier
	Capabilities  []Capability
	MaxConcurrent int
	QualityFloor  float64
	CostPerHour   float64
}

// Agent is a worker in the pool. Its capability set is fixed at registration;
// changing capabilities means retiring the agent and registering a new one.
type Agent struct {
	ID            string
	Name          string
	Tier          Tier
	Capabilities  map[Capability]bool
	MaxConcurrent int
	QualityFloor  float64
	CostPerHour   float64

	Status              Status
	CurrentTasks        map[string]bool // subtask ids held
	RollingSuccessRate  float64
	RollingQuality      float64
	LastHeartbeat       time.Time
	ConsecutiveFailures int
}

// newAgent constructs an agent in status idle from spec.
func newAgent(spec Spec) *Agent {
	caps := make(map[Capability]bool, len(spec.Capabilities))
	for _, c := range spec.Capabilities {
		caps[c] = true
	}
	maxConcurrent := spec.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Agent{
		ID:                 uuid.NewString(),
		Name:               spec.Name,
		Tier:               spec.Tier,
		Capabilities:       caps,
		MaxConcurrent:      maxConcurrent,
		QualityFloor:       spec.QualityFloor,
		CostPerHour:        spec.CostPerHour,
		Status:             StatusIdle,
		CurrentTasks:       make(map[string]bool),
		RollingSuccessRate: 1,
		RollingQuality:     spec.QualityFloor,
		LastHeartbeat:      time.Now(),
	}
}

// HasCapabilities reports whether the agent's capability set is a superset
// of required.
func (a *Agent) HasCapabilities(required []Capability) bool {
	for _, c := range required {
		if !a.Capabilities[c] {
			return false
		}
	}
	return true
}

// LoadRatio is current_tasks / max_concurrent, the least_loaded selection
// metric.
func (a *Agent) LoadRatio() float64 {
	return float64(len(a.CurrentTasks)) / float64(a.MaxConcurrent)
}

// HasSpareCapacity reports whether the agent can accept one more task.
func (a *Agent) HasSpareCapacity() bool {
	return len(a.CurrentTasks) < a.MaxConcurrent
}

// Selectable reports whether the agent is eligible for new assignments:
// status idle or busy with spare capacity, never failed or retired.
func (a *Agent) Selectable() bool {
	if a.Status != StatusIdle && a.Status != StatusBusy {
		return false
	}
	return a.HasSpareCapacity()
}

// Snapshot is an immutable view of an agent's state for status reporting.
type Snapshot struct {
	ID                 string
	Name               string
	Tier               Tier
	Status             Status
	Capabilities       []Capability
	CurrentTaskCount   int
	MaxConcurrent      int
	RollingSuccessRate float64
	RollingQuality     float64
	CostPerHour        float64
}

func (a *Agent) snapshot() Snapshot {
	caps := make([]Capability, 0, len(a.Capabilities))
	for c := range a.Capabilities {
		caps = append(caps, c)
	}
	return Snapshot{
		ID:                 a.ID,
		Name:               a.Name,
		Tier:               a.Tier,
		Status:             a.Status,
		Capabilities:       caps,
		CurrentTaskCount:   len(a.CurrentTasks),
		MaxConcurrent:      a.MaxConcurrent,
		RollingSuccessRate: a.RollingSuccessRate,
		RollingQuality:     a.RollingQuality,
		CostPerHour:        a.CostPerHour,
	}
}
