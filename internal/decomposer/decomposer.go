// Package decomposer turns a free-form brief into a validated workflow
// graph by invoking an injected Planner and validating its output: dependency
// titles resolve to ids, the graph must be acyclic, every capability must be
// satisfiable, and oversized subtasks are split.
package decomposer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/agent-orchestrator/internal/errkind"
	"github.com/swarmguard/agent-orchestrator/internal/reliability"
	"github.com/swarmguard/agent-orchestrator/internal/workflow"
)

// CandidateSubtask is one entry of a Planner's proposed decomposition.
type CandidateSubtask struct {
	Title            string
	Description      string
	Capabilities     []string
	EstimatedMinutes int
	DependsOn        []string // titles, resolved to ids by the decomposer
}

// Plan is the Planner's structured response.
type Plan struct {
	Subtasks []CandidateSubtask
	Error    string
}

// Constraints bound what the Planner may propose.
type Constraints struct {
	MaxSubtasks       int
	KnownCapabilities []string
}

// Planner is the external collaborator that turns a brief into a candidate
// plan.
type Planner interface {
	Plan(ctx context.Context, brief string, constraints Constraints) (Plan, error)
}

// Complexity classifies a brief.
type Complexity string

const (
	ComplexitySimple        Complexity = "simple"
	ComplexityStandard      Complexity = "standard"
	ComplexityComplex       Complexity = "complex"
	ComplexityResearchGrade Complexity = "research-grade"
)

// Config holds the decomposer's tunables.
type Config struct {
	MaxBriefLength    int
	MaxPlanAttempts   int
	MaxSubtaskMinutes int
	MaxSplitDepth     int
	PlannerTimeout    time.Duration
}

// DefaultConfig returns the production defaults: 3 plan attempts, a 4-hour
// per-subtask estimate cap, split depth 3, 60s per planner call.
func DefaultConfig() Config {
	return Config{
		MaxBriefLength:    8000,
		MaxPlanAttempts:   3,
		MaxSubtaskMinutes: 4 * 60,
		MaxSplitDepth:     3,
		PlannerTimeout:    60 * time.Second,
	}
}

// ErrPlanningFailed is returned when the Planner keeps producing invalid
// plans after the configured attempt bound.
type ErrPlanningFailed struct {
	Reason string
}

func (e *ErrPlanningFailed) Error() string { return fmt.Sprintf("PlanningFailed: %s", e.Reason) }

// KnownCapabilities reports which capabilities the hierarchy can currently
// satisfy or would satisfy via a registered factory.
type KnownCapabilities func() []string

// Decomposer implements the normalize/analyze/decompose/estimate/emit
// pipeline.
type Decomposer struct {
	cfg          Config
	planner      Planner
	known        KnownCapabilities
	tracer       trace.Tracer
	planFailures func()
}

// New constructs a Decomposer. planFailures, if non-nil, is invoked once per
// terminal PlanningFailed outcome for metrics.
func New(cfg Config, planner Planner, known KnownCapabilities, planFailures func()) *Decomposer {
	return &Decomposer{
		cfg:          cfg,
		planner:      planner,
		known:        known,
		tracer:       otel.Tracer("agent-orchestrator-decomposer"),
		planFailures: planFailures,
	}
}

// Decompose runs the full pipeline and returns a workflow in status
// planning, ready for the Executor to admit.
func (d *Decomposer) Decompose(ctx context.Context, brief string, priority int) (*workflow.Workflow, error) {
	ctx, span := d.tracer.Start(ctx, "decomposer.decompose")
	defer span.End()

	brief, err := d.normalize(brief)
	if err != nil {
		span.SetAttributes(attribute.String("error", err.Error()))
		return nil, err
	}

	constraints := Constraints{MaxSubtasks: 64}
	if d.known != nil {
		constraints.KnownCapabilities = d.known()
	}

	attempts := d.cfg.MaxPlanAttempts
	if attempts <= 0 {
		attempts = 3
	}

	// A plan containing unknown capabilities, cycles, or orphans is rejected
	// and re-requested, so the bounded re-plan loop runs through the shared
	// retry primitive rather than a bespoke loop.
	policy := reliability.RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   50 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    2 * time.Second,
		Jitter:      true,
		IsTransient: reliability.AlwaysTransient,
	}
	result := reliability.Retry(ctx, nil, policy, func(int) (*workflow.Workflow, error) {
		plannerCtx, cancel := context.WithTimeout(ctx, d.plannerTimeout())
		defer cancel()
		plan, perr := d.planner.Plan(plannerCtx, brief, constraints)
		if perr != nil {
			return nil, perr
		}
		if plan.Error != "" {
			return nil, fmt.Errorf("planner error: %s", plan.Error)
		}
		return d.materialize(brief, priority, plan)
	})

	if result.Outcome == reliability.Ok {
		result.Value.SetStatus(workflow.WorkflowPlanning, "")
		return result.Value, nil
	}

	if d.planFailures != nil {
		d.planFailures()
	}
	return nil, &ErrPlanningFailed{Reason: fmt.Sprintf("%d attempts exhausted: %v", result.Attempts, result.Err)}
}

func (d *Decomposer) plannerTimeout() time.Duration {
	if d.cfg.PlannerTimeout > 0 {
		return d.cfg.PlannerTimeout
	}
	return 60 * time.Second
}

// normalize trims and length-caps the brief.
func (d *Decomposer) normalize(brief string) (string, error) {
	brief = strings.TrimSpace(brief)
	if brief == "" {
		return "", errkind.New(errkind.InvalidInput, "brief is empty")
	}
	maxLen := d.cfg.MaxBriefLength
	if maxLen <= 0 {
		maxLen = 8000
	}
	if len(brief) > maxLen {
		return "", errkind.New(errkind.InvalidInput, fmt.Sprintf("brief exceeds %d characters", maxLen))
	}
	return brief, nil
}

// Analyze classifies brief complexity using brief length and the presence
// of multi-step markers. Exported for callers (e.g. the
// programmatic surface) that want the classification without a full
// decomposition.
func Analyze(brief string, subtaskCount int) Complexity {
	lower := strings.ToLower(brief)
	multiStep := strings.Contains(lower, "then") || strings.Contains(lower, "step") || strings.Contains(lower, "multi-step")

	switch {
	case subtaskCount >= 8 || (len(brief) > 2000 && multiStep):
		return ComplexityResearchGrade
	case subtaskCount >= 4 || multiStep:
		return ComplexityComplex
	case subtaskCount >= 2:
		return ComplexityStandard
	default:
		return ComplexitySimple
	}
}
