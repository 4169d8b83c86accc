package hierarchy

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/agent-orchestrator/internal/bus"
	"github.com/swarmguard/agent-orchestrator/internal/reliability"
)

// ErrNoneAvailable is returned by Select when no agent currently satisfies
// the requested capability set, and either no factory is registered or the
// per-capability cap has been reached.
var ErrNoneAvailable = errors.New("NoneAvailable")

// ErrOverloaded is returned by Assign when the agent is already at capacity.
var ErrOverloaded = errors.New("Overloaded")

// ErrCircuitOpen is returned by Assign when the agent's breaker tripped open
// between selection and assignment.
var ErrCircuitOpen = errors.New("OpenCircuit")

// Factory instantiates a new agent for a capability that currently has no
// available holder, up to a per-capability cap. Concrete factories are
// supplied by the embedding process; the manager only defines the hook.
type Factory func() Spec

// Config holds the manager's tunable knobs.
type Config struct {
	HeartbeatInterval           time.Duration
	StaleAfter                  time.Duration
	EMAAlpha                    float64
	ConsecutiveFailureThreshold int
	MaxAgents                   int
	MaxInstancesPerCapability   int

	// Per-agent circuit breaker. One breaker instance is created per agent at registration.
	BreakerWindow           time.Duration
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration
	BreakerHalfOpenProbes   int
}

// DefaultConfig returns the production defaults: a 30s heartbeat with a 3x
// staleness window, EMA alpha 0.2, and a 500-agent pool cap.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:           30 * time.Second,
		StaleAfter:                  90 * time.Second,
		EMAAlpha:                    0.2,
		ConsecutiveFailureThreshold: 3,
		MaxAgents:                   500,
		MaxInstancesPerCapability:   50,
		BreakerWindow:               time.Minute,
		BreakerFailureThreshold:     3,
		BreakerCooldown:             30 * time.Second,
		BreakerHalfOpenProbes:       1,
	}
}

// Manager is the Agent Hierarchy Manager. Its pool and
// indexes are mutated under a single read-write lock; select takes a read
// lock to build a candidate list, drops it, then re-checks the chosen agent
// under a brief write lock, retrying up to 3 times on a capacity race.
type Manager struct {
	cfg   Config
	bus   *bus.Bus
	meter metric.Meter

	mu            sync.RWMutex
	agents        map[string]*Agent
	byCapability  map[Capability]map[string]bool
	byTier        map[Tier][]string
	factories     map[Capability]Factory
	instanceCount map[Capability]int
	rrCursor      map[string]int
	breakers      map[string]*reliability.CircuitBreaker

	assignCounter   metric.Int64Counter
	releaseCounter  metric.Int64Counter
	evictionCounter metric.Int64Counter
	scaleCounter    metric.Int64Counter
}

// NewManager constructs a manager over the given bus (used to register/
// unregister per-agent inboxes as agents join and leave).
func NewManager(cfg Config, b *bus.Bus, meter metric.Meter) *Manager {
	m := &Manager{
		cfg:           cfg,
		bus:           b,
		meter:         meter,
		agents:        make(map[string]*Agent),
		byCapability:  make(map[Capability]map[string]bool),
		byTier:        make(map[Tier][]string),
		factories:     make(map[Capability]Factory),
		instanceCount: make(map[Capability]int),
		rrCursor:      make(map[string]int),
		breakers:      make(map[string]*reliability.CircuitBreaker),
	}
	if meter != nil {
		m.assignCounter, _ = meter.Int64Counter("orch_hierarchy_assign_total")
		m.releaseCounter, _ = meter.Int64Counter("orch_hierarchy_release_total")
		m.evictionCounter, _ = meter.Int64Counter("orch_hierarchy_eviction_total")
		m.scaleCounter, _ = meter.Int64Counter("orch_hierarchy_scale_total")
	}
	return m
}

// newBreaker constructs the per-agent circuit breaker. Called once per
// agent, under the write lock, at registration time so the read-locked
// candidate() path never needs to create one.
func (m *Manager) newBreaker() *reliability.CircuitBreaker {
	window := m.cfg.BreakerWindow
	if window <= 0 {
		window = time.Minute
	}
	threshold := m.cfg.BreakerFailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	cooldown := m.cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	probes := m.cfg.BreakerHalfOpenProbes
	if probes <= 0 {
		probes = 1
	}
	return reliability.NewCircuitBreaker(m.meter, window, threshold, cooldown, probes)
}

// RegisterFactory installs a scaling factory for a capability.
func (m *Manager) RegisterFactory(cap Capability, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[cap] = f
}

// Register adds an agent to the pool in status idle.
func (m *Manager) Register(spec Spec) string {
	a := newAgent(spec)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexAgent(a)
	if m.bus != nil {
		m.bus.Register(a.ID)
	}
	return a.ID
}

func (m *Manager) indexAgent(a *Agent) {
	m.agents[a.ID] = a
	m.breakers[a.ID] = m.newBreaker()
	for c := range a.Capabilities {
		if m.byCapability[c] == nil {
			m.byCapability[c] = make(map[string]bool)
		}
		m.byCapability[c][a.ID] = true
		m.instanceCount[c]++
	}
	m.byTier[a.Tier] = append(m.byTier[a.Tier], a.ID)
}

// Select finds an agent whose capability set is a superset of required,
// applying strategy, or ErrNoneAvailable if none qualify and no factory can
// be invoked.
func (m *Manager) Select(required []Capability, strategy Strategy) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		candidate, rrKey, err := m.candidate(required, strategy)
		if err != nil {
			if scaled := m.tryScale(required); scaled {
				continue
			}
			return "", err
		}
		m.mu.Lock()
		a, ok := m.agents[candidate]
		if !ok || !a.Selectable() {
			m.mu.Unlock()
			continue // race: agent vanished or filled since the read lock
		}
		m.rrCursor[rrKey]++
		m.mu.Unlock()
		return candidate, nil
	}
	return "", ErrNoneAvailable
}

func (m *Manager) candidate(required []Capability, strategy Strategy) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	candidateSet := m.intersectCapabilities(required)
	var candidates []*Agent
	for id := range candidateSet {
		a := m.agents[id]
		if a == nil || !a.Selectable() {
			continue
		}
		if cb, ok := m.breakers[id]; ok && cb.State() == "open" {
			continue // circuit-broken agent, never selected
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return "", "", ErrNoneAvailable
	}

	rrKey := rrCursorKey(required)
	ranked := rank(candidates, strategy, m.rrCursor[rrKey])
	return ranked[0].ID, rrKey, nil
}

func (m *Manager) intersectCapabilities(required []Capability) map[string]bool {
	if len(required) == 0 {
		out := make(map[string]bool, len(m.agents))
		for id := range m.agents {
			out[id] = true
		}
		return out
	}
	first := m.byCapability[required[0]]
	out := make(map[string]bool, len(first))
	for id := range first {
		out[id] = true
	}
	for _, c := range required[1:] {
		holders := m.byCapability[c]
		for id := range out {
			if !holders[id] {
				delete(out, id)
			}
		}
	}
	return out
}

func rrCursorKey(required []Capability) string {
	key := ""
	for _, c := range required {
		key += string(c) + ","
	}
	return key
}

func (m *Manager) tryScale(required []Capability) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(required) == 0 {
		return false
	}
	f, ok := m.factories[required[0]]
	if !ok {
		return false
	}
	if m.instanceCount[required[0]] >= m.cfg.MaxInstancesPerCapability {
		return false
	}
	spec := f()
	a := newAgent(spec)
	m.indexAgent(a)
	if m.bus != nil {
		m.bus.Register(a.ID)
	}
	if m.scaleCounter != nil {
		m.scaleCounter.Add(context.Background(), 1)
	}
	return true
}

// Assign increments the agent's current task count and transitions it to
// busy if this is its first task.
func (m *Manager) Assign(agentID, subtaskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return errors.New("unknown agent")
	}
	if !a.HasSpareCapacity() {
		return ErrOverloaded
	}
	if cb, ok := m.breakers[agentID]; ok && !cb.Allow() {
		return ErrCircuitOpen
	}
	a.CurrentTasks[subtaskID] = true
	a.Status = StatusBusy
	if m.assignCounter != nil {
		m.assignCounter.Add(context.Background(), 1)
	}
	return nil
}

// Release decrements the agent's task count and updates its rolling
// quality/success (EMA, alpha per config), transitioning to idle if empty,
// or to failed on a consecutive-failure streak.
func (m *Manager) Release(agentID, subtaskID string, success bool, quality float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return
	}
	delete(a.CurrentTasks, subtaskID)
	if cb, ok := m.breakers[agentID]; ok {
		cb.RecordResult(success)
	}

	alpha := m.cfg.EMAAlpha
	if alpha <= 0 {
		alpha = 0.2
	}
	successVal := 0.0
	if success {
		successVal = 1.0
	}
	a.RollingSuccessRate = alpha*successVal + (1-alpha)*a.RollingSuccessRate
	a.RollingQuality = alpha*quality + (1-alpha)*a.RollingQuality

	if success {
		a.ConsecutiveFailures = 0
	} else {
		a.ConsecutiveFailures++
	}

	if len(a.CurrentTasks) == 0 && a.Status == StatusBusy {
		a.Status = StatusIdle
	}
	if m.releaseCounter != nil {
		m.releaseCounter.Add(context.Background(), 1)
	}

	threshold := m.cfg.ConsecutiveFailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if a.ConsecutiveFailures >= threshold {
		a.Status = StatusFailed
		if m.evictionCounter != nil {
			m.evictionCounter.Add(context.Background(), 1)
		}
	}
}

// ReleaseNeutral returns an agent's capacity without scoring the outcome:
// no EMA update, no failure streak, no breaker feedback. Used when a subtask
// is torn down for reasons that are not the agent's fault (workflow
// cancellation, shutdown). No-op if the agent no longer holds the subtask,
// so a late grace-period release after a legitimate Release is harmless.
func (m *Manager) ReleaseNeutral(agentID, subtaskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok || !a.CurrentTasks[subtaskID] {
		return
	}
	delete(a.CurrentTasks, subtaskID)
	if len(a.CurrentTasks) == 0 && a.Status == StatusBusy {
		a.Status = StatusIdle
	}
	if m.releaseCounter != nil {
		m.releaseCounter.Add(context.Background(), 1)
	}
}

// Heartbeat records the agent's liveness timestamp.
func (m *Manager) Heartbeat(agentID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[agentID]; ok {
		a.LastHeartbeat = at
	}
}

// ReapStale marks failed any agent whose heartbeat is older than StaleAfter
// (3 * HeartbeatInterval if unset), returning their ids. The Executor
// re-queues subtasks these agents held.
func (m *Manager) ReapStale(now time.Time) []string {
	stale := m.cfg.StaleAfter
	if stale <= 0 {
		stale = 3 * m.cfg.HeartbeatInterval
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var failed []string
	for _, a := range m.agents {
		if a.Status == StatusFailed || a.Status == StatusRetired {
			continue
		}
		if now.Sub(a.LastHeartbeat) > stale {
			a.Status = StatusFailed
			failed = append(failed, a.ID)
			if m.evictionCounter != nil {
				m.evictionCounter.Add(context.Background(), 1)
			}
		}
	}
	return failed
}

// StartReaper runs ReapStale on a ticker until ctx is cancelled, invoking
// onFailed for every newly failed agent id.
func (m *Manager) StartReaper(ctx context.Context, onFailed func(agentID string)) {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, id := range m.ReapStale(now) {
					if onFailed != nil {
						onFailed(id)
					}
				}
			}
		}
	}()
}

// OnAgentFailed returns the subtask ids the failed agent was holding, for
// the Executor to re-queue with incremented retry budget.
func (m *Manager) OnAgentFailed(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil
	}
	held := make([]string, 0, len(a.CurrentTasks))
	for id := range a.CurrentTasks {
		held = append(held, id)
	}
	a.CurrentTasks = make(map[string]bool)
	return held
}

// Retire transitions an agent to retired; it is never selected again.
// Destruction (bus unregistration) happens once in-flight tasks resolve.
func (m *Manager) Retire(agentID string) {
	m.mu.Lock()
	a, ok := m.agents[agentID]
	if ok {
		a.Status = StatusRetired
	}
	empty := ok && len(a.CurrentTasks) == 0
	m.mu.Unlock()
	if empty && m.bus != nil {
		m.bus.Unregister(agentID)
	}
}

// TierSnapshot is the per-tier rollup returned by Status.
type TierSnapshot struct {
	Tier          Tier
	Count         int
	IdleCount     int
	BusyCount     int
	FailedCount   int
	AggregateLoad float64
}

// Status returns a tier-grouped snapshot of the pool.
func (m *Manager) Status() []TierSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byTier := make(map[Tier]*TierSnapshot)
	for _, a := range m.agents {
		t, ok := byTier[a.Tier]
		if !ok {
			t = &TierSnapshot{Tier: a.Tier}
			byTier[a.Tier] = t
		}
		t.Count++
		t.AggregateLoad += a.LoadRatio()
		switch a.Status {
		case StatusIdle:
			t.IdleCount++
		case StatusBusy:
			t.BusyCount++
		case StatusFailed:
			t.FailedCount++
		}
	}
	out := make([]TierSnapshot, 0, len(byTier))
	for _, t := range byTier {
		if t.Count > 0 {
			t.AggregateLoad /= float64(t.Count)
		}
		out = append(out, *t)
	}
	return out
}

// Snapshot returns the agent's current state for status reporting.
func (m *Manager) Snapshot(agentID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return Snapshot{}, false
	}
	return a.snapshot(), true
}

// HasCapableAgent reports whether any agent other than excludeID currently
// holds the full required capability set and is not retired, used to decide
// whether a subtask's failure has a live alternative.
func (m *Manager) HasCapableAgent(required []Capability, excludeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id := range m.intersectCapabilities(required) {
		if id == excludeID {
			continue
		}
		if a := m.agents[id]; a != nil && a.Status != StatusRetired {
			return true
		}
	}
	return false
}

// MatchTier returns a bus broadcast filter selecting live agents in tier.
func (m *Manager) MatchTier(tier Tier) func(recipient string) bool {
	return func(recipient string) bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		a, ok := m.agents[recipient]
		return ok && a.Tier == tier && a.Status != StatusRetired
	}
}

// MatchCapability returns a bus broadcast filter selecting live agents that
// hold cap.
func (m *Manager) MatchCapability(cap Capability) func(recipient string) bool {
	return func(recipient string) bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		a, ok := m.agents[recipient]
		return ok && a.Capabilities[cap] && a.Status != StatusRetired
	}
}

// Count returns the total number of registered agents (including failed
// and retired), used to enforce the MaxAgents cap.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// Capabilities returns the distinct capability names currently held by at
// least one registered agent or scalable via a registered factory, used by
// the decomposer to validate a plan's proposed capabilities.
func (m *Manager) Capabilities() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[Capability]bool, len(m.byCapability)+len(m.factories))
	for c := range m.byCapability {
		seen[c] = true
	}
	for c := range m.factories {
		seen[c] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, string(c))
	}
	return out
}
