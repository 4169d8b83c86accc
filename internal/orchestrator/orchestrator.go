// Package orchestrator wires the decomposer, hierarchy manager, bus,
// executor, scheduler, and spill store into one programmatic surface: submit
// a brief, track its workflow, manage the agent pool, and report health.
// cmd/orchestrator's HTTP layer calls into this package.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/agent-orchestrator/internal/bus"
	"github.com/swarmguard/agent-orchestrator/internal/decomposer"
	"github.com/swarmguard/agent-orchestrator/internal/errkind"
	"github.com/swarmguard/agent-orchestrator/internal/executor"
	"github.com/swarmguard/agent-orchestrator/internal/health"
	"github.com/swarmguard/agent-orchestrator/internal/hierarchy"
	"github.com/swarmguard/agent-orchestrator/internal/reliability"
	"github.com/swarmguard/agent-orchestrator/internal/scheduler"
	"github.com/swarmguard/agent-orchestrator/internal/spill"
	"github.com/swarmguard/agent-orchestrator/internal/workflow"
)

// Config aggregates every component's tunables plus the orchestrator's own.
type Config struct {
	Decomposer decomposer.Config
	Hierarchy  hierarchy.Config
	Executor   executor.Config
	Bus        BusConfig

	SpillPath       string // empty disables the spill store
	SpillRetention  time.Duration
	RateLimitPerSec float64
	RateLimitBurst  int64
}

// BusConfig configures the message bus's inbox capacity.
type BusConfig struct {
	InboxCapacity int
}

// DefaultConfig composes each component's own defaults.
func DefaultConfig() Config {
	return Config{
		Decomposer:      decomposer.DefaultConfig(),
		Hierarchy:       hierarchy.DefaultConfig(),
		Executor:        executor.DefaultConfig(),
		Bus:             BusConfig{InboxCapacity: bus.DefaultCapacity},
		SpillRetention:  24 * time.Hour,
		RateLimitPerSec: 200,
		RateLimitBurst:  400,
	}
}

// Orchestrator is the top-level composition root.
type Orchestrator struct {
	cfg Config

	bus        *bus.Bus
	hierarchy  *hierarchy.Manager
	decomposer *decomposer.Decomposer
	executor   *executor.Executor
	scheduler  *scheduler.Scheduler
	spillStore *spill.Store
	health     *health.Registry
	metrics    *reliability.MetricsSink

	reaperCancel context.CancelFunc
	runCancel    context.CancelFunc
	runDone      chan struct{}

	plannedMu sync.Mutex
	planned   map[string]*workflow.Workflow
	draining  bool
}

// New constructs every component and wires them together, but does not yet
// start background loops (see Start).
func New(cfg Config, planner decomposer.Planner, meter metric.Meter) (*Orchestrator, error) {
	limiter := reliability.NewRateLimiter(meter, cfg.RateLimitBurst, cfg.RateLimitPerSec, time.Second, cfg.RateLimitBurst)
	metrics := reliability.NewMetricsSink(meter, 0)

	var spiller bus.Spiller
	var spillStore *spill.Store
	if cfg.SpillPath != "" {
		st, err := spill.Open(spill.Config{Path: cfg.SpillPath, RetentionPeriod: cfg.SpillRetention}, meter)
		if err != nil {
			return nil, fmt.Errorf("open spill store: %w", err)
		}
		spillStore = st
		spiller = st
	}

	hreg := health.NewRegistry()

	b := bus.NewBus(
		bus.WithCapacity(cfg.Bus.InboxCapacity),
		bus.WithRateLimiter(limiter),
		bus.WithSpiller(spiller),
		bus.WithMetrics(metrics),
		bus.WithBackpressureObserver(func(recipient string, depth, capacity int) {
			metrics.Gauge("orch_bus_inbox_watermark_crossed", float64(depth)/float64(capacity), map[string]string{"recipient": recipient})
		}),
	)

	hm := hierarchy.NewManager(cfg.Hierarchy, b, meter)
	ex := executor.New(cfg.Executor, hm, b, meter)

	dc := decomposer.New(cfg.Decomposer, planner, hm.Capabilities, func() {
		metrics.Counter("orch_decomposer_plan_failures_total", nil)
	})

	o := &Orchestrator{
		cfg:        cfg,
		bus:        b,
		hierarchy:  hm,
		decomposer: dc,
		executor:   ex,
		spillStore: spillStore,
		health:     hreg,
		metrics:    metrics,
		planned:    make(map[string]*workflow.Workflow),
	}

	sub := func(ctx context.Context, brief string, priority int) (string, error) {
		return o.Submit(ctx, brief, priority)
	}
	sc, err := scheduler.New(sub, nil, meter)
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	o.scheduler = sc

	hreg.Register("hierarchy", func() health.ProbeResult {
		return health.ProbeResult{Healthy: true, Ready: true, Detail: fmt.Sprintf("%d agents registered", o.hierarchy.Count())}
	})
	hreg.Register("bus", func() health.ProbeResult {
		return health.ProbeResult{Healthy: true, Ready: true}
	})
	hreg.Register("executor", func() health.ProbeResult {
		ready := o.executor != nil
		detail := "executor not constructed"
		if ready {
			detail = "worker pool constructed"
		}
		return health.ProbeResult{Healthy: true, Ready: ready, Detail: detail}
	})

	return o, nil
}

// RegisterAgentFactory installs a scaling factory for a capability.
func (o *Orchestrator) RegisterAgentFactory(cap hierarchy.Capability, f hierarchy.Factory) {
	o.hierarchy.RegisterFactory(cap, f)
}

// RegisterAgent adds a new agent to the pool, returning its id.
func (o *Orchestrator) RegisterAgent(spec hierarchy.Spec) (string, error) {
	if o.hierarchy.Count() >= o.cfg.Hierarchy.MaxAgents && o.cfg.Hierarchy.MaxAgents > 0 {
		return "", errkind.New(errkind.InvalidInput, "max agent count reached")
	}
	return o.hierarchy.Register(spec), nil
}

// RetireAgent removes an agent from future selection.
func (o *Orchestrator) RetireAgent(agentID string) {
	o.hierarchy.Retire(agentID)
}

// Heartbeat records an agent's liveness.
func (o *Orchestrator) Heartbeat(agentID string) {
	o.hierarchy.Heartbeat(agentID, time.Now())
}

// Start launches the executor's worker pool and the hierarchy's stale-agent
// reaper, and begins the cron scheduler. Call once per process lifetime.
func (o *Orchestrator) Start(ctx context.Context) {
	runCtx, runCancel := context.WithCancel(ctx)
	o.runCancel = runCancel
	o.runDone = make(chan struct{})
	go func() {
		defer close(o.runDone)
		o.executor.Run(runCtx)
	}()

	reaperCtx, reaperCancel := context.WithCancel(ctx)
	o.reaperCancel = reaperCancel
	o.hierarchy.StartReaper(reaperCtx, o.onAgentFailed)
	o.startAckSweeper(reaperCtx)

	o.scheduler.Start()
}

// startAckSweeper periodically emits Undelivered events for receipt-requested
// messages never acknowledged within their ttl, on the same cadence as
// the heartbeat reaper.
func (o *Orchestrator) startAckSweeper(ctx context.Context) {
	interval := o.cfg.Hierarchy.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.bus.SweepUnacked(interval)
			}
		}
	}()
}

func (o *Orchestrator) onAgentFailed(agentID string) {
	o.executor.OnAgentFailed(agentID)
}

// Drain stops accepting new admissions, gives in-flight workflows a grace
// period bounded by ctx to finish, then cancels whatever remains.
func (o *Orchestrator) Drain(ctx context.Context, reason string) {
	o.plannedMu.Lock()
	o.draining = true
	o.plannedMu.Unlock()

	if o.reaperCancel != nil {
		o.reaperCancel()
	}
	_ = o.scheduler.Stop(ctx)

	grace := o.cfg.Executor.CancelGracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()
	for o.executor.ActiveCount() > 0 {
		select {
		case <-ctx.Done():
			o.executor.CancelWorkflows(reason)
			return
		case <-deadline.C:
			o.executor.CancelWorkflows(reason)
			return
		case <-poll.C:
		}
	}
}

func (o *Orchestrator) isDraining() bool {
	o.plannedMu.Lock()
	defer o.plannedMu.Unlock()
	return o.draining
}

// Stop cancels the executor's worker pool and waits for it to exit, then
// closes the spill store if one is open.
func (o *Orchestrator) Stop() {
	if o.runCancel != nil {
		o.runCancel()
	}
	if o.runDone != nil {
		<-o.runDone
	}
	if o.spillStore != nil {
		_ = o.spillStore.Close()
	}
}

// Decompose plans brief into a validated workflow and holds it pending
// execution, without admitting it to the executor. The returned workflow id
// is later passed to Execute.
func (o *Orchestrator) Decompose(ctx context.Context, brief string, priority int) (string, error) {
	if o.isDraining() {
		return "", errkind.New(errkind.Cancelled, "orchestrator is draining")
	}
	wf, err := o.decomposer.Decompose(ctx, brief, priority)
	if err != nil {
		return "", err
	}
	o.plannedMu.Lock()
	o.planned[wf.ID] = wf
	o.plannedMu.Unlock()
	o.metrics.Counter("orch_workflows_decomposed_total", nil)
	return wf.ID, nil
}

// Execute admits a workflow previously produced by Decompose into the
// executor, starting its scheduling. The returned execution id is the workflow
// id, the identity Status/Pause/Resume/Cancel already key on.
func (o *Orchestrator) Execute(workflowID string) (string, error) {
	o.plannedMu.Lock()
	wf, ok := o.planned[workflowID]
	if ok {
		delete(o.planned, workflowID)
	}
	o.plannedMu.Unlock()
	if !ok {
		return "", errkind.New(errkind.InvalidInput, fmt.Sprintf("no decomposed workflow pending execution: %s", workflowID))
	}
	if err := o.executor.Admit(wf); err != nil {
		return "", err
	}
	o.metrics.Counter("orch_workflows_submitted_total", nil)
	return wf.ID, nil
}

// Submit is the convenience composing Decompose and Execute in one call,
// returning the new workflow's execution id.
func (o *Orchestrator) Submit(ctx context.Context, brief string, priority int) (string, error) {
	workflowID, err := o.Decompose(ctx, brief, priority)
	if err != nil {
		return "", err
	}
	return o.Execute(workflowID)
}

// SubmitWorkflow admits a pre-built workflow directly, bypassing
// decomposition; used by callers (tests, API clients) that already hold a
// validated graph.
func (o *Orchestrator) SubmitWorkflow(wf *workflow.Workflow) error {
	if o.isDraining() {
		return errkind.New(errkind.Cancelled, "orchestrator is draining")
	}
	return o.executor.Admit(wf)
}

// Status returns a workflow's current execution status.
func (o *Orchestrator) Status(workflowID string) (executor.Status, bool) {
	return o.executor.Status(workflowID)
}

// Pause halts new assignment for a workflow; in-flight subtasks finish.
func (o *Orchestrator) Pause(workflowID string) error {
	return o.executor.Pause(workflowID)
}

// Resume reopens admission for a paused workflow.
func (o *Orchestrator) Resume(workflowID string) error {
	return o.executor.Resume(workflowID)
}

// Cancel tears down a workflow's execution.
func (o *Orchestrator) Cancel(workflowID, reason string) error {
	return o.executor.Cancel(workflowID, reason)
}

// ActiveWorkflows reports how many admitted workflows are not yet terminal.
func (o *Orchestrator) ActiveWorkflows() int {
	return o.executor.ActiveCount()
}

// HierarchyStatus returns the agent pool's tier-grouped snapshot.
func (o *Orchestrator) HierarchyStatus() []hierarchy.TierSnapshot {
	return o.hierarchy.Status()
}

// AgentSnapshot returns one agent's current state.
func (o *Orchestrator) AgentSnapshot(agentID string) (hierarchy.Snapshot, bool) {
	return o.hierarchy.Snapshot(agentID)
}

// AddSchedule registers a recurring brief submission.
func (o *Orchestrator) AddSchedule(ctx context.Context, cfg *scheduler.ScheduleConfig) error {
	return o.scheduler.AddSchedule(ctx, cfg)
}

// TriggerEvent fans an externally observed event out to matching schedules.
func (o *Orchestrator) TriggerEvent(ctx context.Context, eventType string, data map[string]any) {
	o.scheduler.TriggerEvent(ctx, eventType, data)
}

// Healthy reports process-wide liveness.
func (o *Orchestrator) Healthy() (bool, []health.Status) {
	return o.health.Healthy()
}

// Ready reports process-wide readiness.
func (o *Orchestrator) Ready() (bool, []health.Status) {
	return o.health.Ready()
}

// MetricsSnapshot returns the most recent n recorded metric events (counters
// and gauges, oldest first). n <= 0 returns everything the ring retains.
func (o *Orchestrator) MetricsSnapshot(n int) []reliability.Event {
	return o.metrics.Events(n)
}

// Bus exposes the underlying message bus for components (e.g. a demo agent
// runner in cmd/orchestrator) that need to Send/Recv directly.
func (o *Orchestrator) Bus() *bus.Bus {
	return o.bus
}

// BroadcastToTier delivers msg to every live agent in tier.
func (o *Orchestrator) BroadcastToTier(tier hierarchy.Tier, msg bus.Message) bus.BroadcastSummary {
	return o.bus.Broadcast(msg, o.hierarchy.MatchTier(tier))
}

// BroadcastToCapability delivers msg to every live agent holding cap.
func (o *Orchestrator) BroadcastToCapability(cap hierarchy.Capability, msg bus.Message) bus.BroadcastSummary {
	return o.bus.Broadcast(msg, o.hierarchy.MatchCapability(cap))
}
