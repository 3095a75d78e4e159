// Package registry owns the agent pool. It tracks each agent's lifecycle
// state and per-agent task load, matches tasks to agents by declared
// capability, balances selection across eligible agents, and supervises
// agent health. Task execution itself is wrapped by the Dispatcher in
// this package.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/alerts"
	"github.com/tradecouncil/council/internal/fault"
	"github.com/tradecouncil/council/internal/state"
)

// registryMetrics holds Prometheus metrics for the registry
type registryMetrics struct {
	agentsRegistered *prometheus.GaugeVec
	selectionsTotal  *prometheus.CounterVec
	healthChecks     *prometheus.CounterVec
}

var (
	registryMetricsInstance *registryMetrics
	registryMetricsOnce     sync.Once
)

// getOrCreateRegistryMetrics returns the singleton metrics instance,
// creating it on first use to avoid duplicate Prometheus registration
func getOrCreateRegistryMetrics() *registryMetrics {
	registryMetricsOnce.Do(func() {
		registryMetricsInstance = &registryMetrics{
			agentsRegistered: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "council_registry_agents",
				Help: "Registered agents by kind",
			}, []string{"kind"}),
			selectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "council_agent_selections_total",
				Help: "Agent selections by kind and balancing policy",
			}, []string{"kind", "policy"}),
			healthChecks: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "council_health_checks_total",
				Help: "Agent health check outcomes",
			}, []string{"status"}),
		}
	})
	return registryMetricsInstance
}

// Entry is the registry's record for one agent: the agent itself plus the
// mutable state the dispatcher and health loop maintain around it. All
// fields are guarded by the entry's own mutex so independent agents never
// contend with each other.
type Entry struct {
	mu            sync.RWMutex
	agent         agent.Agent
	state         agent.State
	currentTasks  map[string]*agent.TaskContext
	maxConcurrent int
	metrics       *agent.Metrics
	registeredAt  time.Time
	lastHealthAt  time.Time
	healthy       bool
}

func newEntry(a agent.Agent) *Entry {
	maxConcurrent := 1
	for _, c := range a.Capabilities() {
		if c.MaxConcurrentTasks > maxConcurrent {
			maxConcurrent = c.MaxConcurrentTasks
		}
	}
	return &Entry{
		agent:         a,
		state:         agent.StateIdle,
		currentTasks:  make(map[string]*agent.TaskContext),
		maxConcurrent: maxConcurrent,
		metrics:       agent.NewMetrics(),
		registeredAt:  time.Now(),
		healthy:       true,
	}
}

// ID returns the agent's unique id
func (e *Entry) ID() string { return e.agent.ID() }

// Kind returns the agent's kind
func (e *Entry) Kind() agent.Kind { return e.agent.Kind() }

// Agent returns the underlying agent
func (e *Entry) Agent() agent.Agent { return e.agent }

// State returns the agent's current lifecycle state
func (e *Entry) State() agent.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// TaskCount returns the number of tasks currently running on the agent
func (e *Entry) TaskCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.currentTasks)
}

// MaxConcurrent returns the agent's concurrency cap, derived from the
// largest max_concurrent_tasks across its declared capabilities
func (e *Entry) MaxConcurrent() int { return e.maxConcurrent }

// Metrics returns the agent's execution metrics
func (e *Entry) Metrics() *agent.Metrics { return e.metrics }

// available reports whether the agent can accept the given task right now:
// idle, below its concurrency cap, and declaring a matching capability
func (e *Entry) available(taskName string, market agent.Market) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != agent.StateIdle {
		return false
	}
	if len(e.currentTasks) >= e.maxConcurrent {
		return false
	}
	for _, c := range e.agent.Capabilities() {
		if c.Matches(taskName, market) {
			return true
		}
	}
	return false
}

// beginTask admits a task onto the agent, transitioning idle -> busy on
// the first task. Offline and errored agents reject immediately; agents
// at their concurrency cap reject with AgentBusy.
func (e *Entry) beginTask(tc *agent.TaskContext) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == agent.StateOffline || e.state == agent.StateError {
		return fault.Newf(fault.KindAgentUnavailable, "agent %s is %s", e.agent.ID(), e.state)
	}
	if len(e.currentTasks) >= e.maxConcurrent {
		return fault.Newf(fault.KindAgentBusy, "agent %s at capacity (%d/%d tasks)",
			e.agent.ID(), len(e.currentTasks), e.maxConcurrent)
	}

	e.currentTasks[tc.TaskID] = tc
	if len(e.currentTasks) == 1 {
		e.state = agent.StateBusy
	}
	return nil
}

// endTask removes a finished task, transitioning busy -> idle when the
// last task drains. A state the health loop set (error, offline) is
// left untouched.
func (e *Entry) endTask(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.currentTasks, taskID)
	if len(e.currentTasks) == 0 && e.state == agent.StateBusy {
		e.state = agent.StateIdle
	}
}

// setState force-sets the lifecycle state. Used by the health loop and
// by operator actions (taking an agent offline for maintenance).
func (e *Entry) setState(s agent.State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// EntrySnapshot is a copyable view of an entry for state publication
// and API responses
type EntrySnapshot struct {
	AgentID       string                `json:"agent_id"`
	Kind          agent.Kind            `json:"kind"`
	State         agent.State           `json:"state"`
	CurrentTasks  []string              `json:"current_tasks"`
	MaxConcurrent int                   `json:"max_concurrent"`
	RegisteredAt  time.Time             `json:"registered_at"`
	LastHealthAt  time.Time             `json:"last_health_at"`
	Healthy       bool                  `json:"healthy"`
	Metrics       agent.MetricsSnapshot `json:"metrics"`
}

// Snapshot returns a consistent copy of the entry
func (e *Entry) Snapshot() EntrySnapshot {
	e.mu.RLock()
	taskIDs := make([]string, 0, len(e.currentTasks))
	for id := range e.currentTasks {
		taskIDs = append(taskIDs, id)
	}
	snap := EntrySnapshot{
		AgentID:       e.agent.ID(),
		Kind:          e.agent.Kind(),
		State:         e.state,
		CurrentTasks:  taskIDs,
		MaxConcurrent: e.maxConcurrent,
		RegisteredAt:  e.registeredAt,
		LastHealthAt:  e.lastHealthAt,
		Healthy:       e.healthy,
	}
	e.mu.RUnlock()

	sort.Strings(snap.CurrentTasks)
	snap.Metrics = e.metrics.Snapshot()
	return snap
}

// Config holds registry construction options
type Config struct {
	// Policy selects the load-balancing strategy. Defaults to round-robin.
	Policy Strategy
	// Store, when set, receives agent snapshots on registration and
	// health transitions
	Store *state.Store
	// Alerts, when set, receives agent health alerts
	Alerts *alerts.Manager
	// HealthInterval overrides the health check cadence. Defaults to 60s.
	HealthInterval time.Duration
	// HealthTimeout bounds each individual health check. Defaults to 10s.
	HealthTimeout time.Duration
}

// Registry is the concurrent agent pool
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	balancer *balancer
	store    *state.Store
	alerts   *alerts.Manager

	healthInterval time.Duration
	healthTimeout  time.Duration

	log     zerolog.Logger
	metrics *registryMetrics
}

// New creates an empty registry with the given policy and wiring
func New(cfg Config) *Registry {
	policy := cfg.Policy
	if policy == "" {
		policy = RoundRobin
	}
	healthInterval := cfg.HealthInterval
	if healthInterval <= 0 {
		healthInterval = defaultHealthInterval
	}
	healthTimeout := cfg.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}

	return &Registry{
		entries:        make(map[string]*Entry),
		balancer:       newBalancer(policy),
		store:          cfg.Store,
		alerts:         cfg.Alerts,
		healthInterval: healthInterval,
		healthTimeout:  healthTimeout,
		log:            log.With().Str("component", "registry").Logger(),
		metrics:        getOrCreateRegistryMetrics(),
	}
}

// Policy returns the active load-balancing strategy
func (r *Registry) Policy() Strategy {
	return r.balancer.strategy
}

// Register adds an agent to the pool. Registering an id that already
// exists fails with a Duplicate fault.
func (r *Registry) Register(a agent.Agent) error {
	if a == nil || a.ID() == "" {
		return fault.New(fault.KindInvalid, "agent must have an id")
	}

	r.mu.Lock()
	if _, exists := r.entries[a.ID()]; exists {
		r.mu.Unlock()
		return fault.Newf(fault.KindDuplicate, "agent %s already registered", a.ID())
	}
	entry := newEntry(a)
	r.entries[a.ID()] = entry
	r.mu.Unlock()

	r.metrics.agentsRegistered.WithLabelValues(string(a.Kind())).Inc()
	r.log.Info().
		Str("agent_id", a.ID()).
		Str("kind", string(a.Kind())).
		Int("max_concurrent", entry.maxConcurrent).
		Msg("Agent registered")

	r.publishEntry(entry)
	return nil
}

// Unregister removes an agent from the pool. Unknown ids fail with a
// NotFound fault. Tasks already running on the agent finish normally;
// the agent just stops receiving new work.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	entry, exists := r.entries[agentID]
	if !exists {
		r.mu.Unlock()
		return fault.Newf(fault.KindNotFound, "agent %s not registered", agentID)
	}
	delete(r.entries, agentID)
	r.mu.Unlock()

	r.metrics.agentsRegistered.WithLabelValues(string(entry.Kind())).Dec()
	r.log.Info().Str("agent_id", agentID).Msg("Agent unregistered")
	return nil
}

// Get returns the entry for an agent id
func (r *Registry) Get(agentID string) (*Entry, error) {
	r.mu.RLock()
	entry, exists := r.entries[agentID]
	r.mu.RUnlock()
	if !exists {
		return nil, fault.Newf(fault.KindNotFound, "agent %s not registered", agentID)
	}
	return entry, nil
}

// GetByKind returns all entries of a kind, ordered by agent id
func (r *Registry) GetByKind(kind agent.Kind) []*Entry {
	r.mu.RLock()
	entries := make([]*Entry, 0)
	for _, e := range r.entries {
		if e.Kind() == kind {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	sortEntries(entries)
	return entries
}

// All returns every entry, ordered by agent id
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sortEntries(entries)
	return entries
}

// Count returns the number of registered agents
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SelectAvailable picks one agent of the given kind that is idle, below
// its concurrency cap, and declares a capability matching the task and
// market. The configured load-balancing policy chooses among eligible
// agents. Fails with AgentUnavailable when no agent qualifies.
func (r *Registry) SelectAvailable(kind agent.Kind, taskName string, market agent.Market) (*Entry, error) {
	candidates := make([]*Entry, 0)
	for _, e := range r.GetByKind(kind) {
		if e.available(taskName, market) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, fault.Newf(fault.KindAgentUnavailable, "no available %s agent for task %q", kind, taskName)
	}

	selected := r.balancer.pick(kind, candidates)
	r.metrics.selectionsTotal.WithLabelValues(string(kind), string(r.balancer.strategy)).Inc()

	r.log.Debug().
		Str("agent_id", selected.ID()).
		Str("kind", string(kind)).
		Str("task", taskName).
		Int("candidates", len(candidates)).
		Msg("Agent selected")
	return selected, nil
}

// SetState force-sets an agent's lifecycle state, for operator actions
// like draining an agent before shutdown
func (r *Registry) SetState(agentID string, s agent.State) error {
	entry, err := r.Get(agentID)
	if err != nil {
		return err
	}
	entry.setState(s)
	r.log.Info().Str("agent_id", agentID).Str("state", string(s)).Msg("Agent state set")
	r.publishEntry(entry)
	return nil
}

// Stats returns registry statistics for diagnostics
func (r *Registry) Stats() map[string]any {
	entries := r.All()

	byKind := make(map[string]int)
	byState := make(map[string]int)
	for _, e := range entries {
		byKind[string(e.Kind())]++
		byState[string(e.State())]++
	}
	return map[string]any{
		"agents":   len(entries),
		"by_kind":  byKind,
		"by_state": byState,
		"policy":   string(r.balancer.strategy),
	}
}

// publishEntry writes the agent snapshot into the shared state store.
// Failures are logged, never propagated.
func (r *Registry) publishEntry(entry *Entry) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), statePublishTimeout)
	defer cancel()
	if err := r.store.Save(ctx, state.NamespaceAgent, entry.ID(), entry.Snapshot()); err != nil {
		r.log.Warn().Err(err).Str("agent_id", entry.ID()).Msg("Failed to publish agent snapshot")
	}
}

func sortEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID() < entries[j].ID()
	})
}
