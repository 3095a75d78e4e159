package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/fault"
	"github.com/tradecouncil/council/internal/monitor"
	"github.com/tradecouncil/council/internal/state"
)

// statePublishTimeout bounds best-effort snapshot writes so a slow
// backend never stalls the dispatch path
const statePublishTimeout = 5 * time.Second

// Dispatcher wraps agent task execution: it selects an agent through the
// registry, enforces the agent's concurrency cap, records metrics around
// the call, converts panics into error results, and publishes snapshots
// into the state store. Every dispatched task yields a TaskResult; the
// error return is reserved for tasks that never started (no agent,
// agent busy).
type Dispatcher struct {
	registry *Registry
	monitor  *monitor.Monitor
	store    *state.Store
	log      zerolog.Logger
}

// DispatcherConfig holds dispatcher wiring. Monitor and Store are
// optional; a nil monitor skips system-level metrics and a nil store
// skips snapshot publication.
type DispatcherConfig struct {
	Registry *Registry
	Monitor  *monitor.Monitor
	Store    *state.Store
}

// NewDispatcher creates a dispatcher around the given registry
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		registry: cfg.Registry,
		monitor:  cfg.Monitor,
		store:    cfg.Store,
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Registry returns the underlying agent pool
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Execute selects an available agent of the given kind and runs the task
// on it. Selection honors the registry's load-balancing policy.
func (d *Dispatcher) Execute(ctx context.Context, kind agent.Kind, tc *agent.TaskContext) (*agent.TaskResult, error) {
	if tc == nil {
		return nil, fault.New(fault.KindInvalid, "task context is required")
	}
	entry, err := d.registry.SelectAvailable(kind, tc.TaskName, tc.Market)
	if err != nil {
		return nil, err
	}
	return d.dispatch(ctx, entry, tc)
}

// ExecuteAgent runs the task on a specific agent, bypassing selection.
// Debate rounds and workflow steps pinned to an agent use this path.
func (d *Dispatcher) ExecuteAgent(ctx context.Context, agentID string, tc *agent.TaskContext) (*agent.TaskResult, error) {
	if tc == nil {
		return nil, fault.New(fault.KindInvalid, "task context is required")
	}
	entry, err := d.registry.Get(agentID)
	if err != nil {
		return nil, err
	}
	return d.dispatch(ctx, entry, tc)
}

// dispatch is the execution wrapper. Admission (state and concurrency
// checks, busy transition) happens atomically in beginTask; after that
// the task always drains through endTask and produces a TaskResult,
// panics included.
func (d *Dispatcher) dispatch(ctx context.Context, entry *Entry, tc *agent.TaskContext) (*agent.TaskResult, error) {
	if err := entry.beginTask(tc); err != nil {
		d.log.Debug().
			Err(err).
			Str("agent_id", entry.ID()).
			Str("task_id", tc.TaskID).
			Msg("Task rejected")
		return nil, err
	}

	start := time.Now()
	payload, taskErr := d.runTask(ctx, entry, tc)
	duration := time.Since(start)

	entry.endTask(tc.TaskID)

	success := taskErr == nil
	entry.metrics.Record(duration, success)
	if d.monitor != nil {
		d.monitor.RecordTask(entry.ID(), entry.Kind(), duration, success)
	}

	result := &agent.TaskResult{
		TaskID:      tc.TaskID,
		AgentID:     entry.ID(),
		AgentKind:   entry.Kind(),
		Duration:    duration,
		CompletedAt: time.Now(),
	}
	if taskErr != nil {
		result.Status = agent.TaskError
		result.Error = taskErr.Error()
		d.log.Warn().
			Err(taskErr).
			Str("agent_id", entry.ID()).
			Str("task_id", tc.TaskID).
			Str("task", tc.TaskName).
			Dur("duration", duration).
			Msg("Task failed")
	} else {
		result.Status = agent.TaskSuccess
		result.Payload = payload
		d.log.Debug().
			Str("agent_id", entry.ID()).
			Str("task_id", tc.TaskID).
			Str("task", tc.TaskName).
			Dur("duration", duration).
			Msg("Task completed")
	}

	d.publishResult(entry, result)
	return result, nil
}

// runTask invokes the agent, converting a panic into an error so a
// misbehaving agent can never leak its busy slot
func (d *Dispatcher) runTask(ctx context.Context, entry *Entry, tc *agent.TaskContext) (payload map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("agent panic: %v", rec)
			d.log.Error().
				Interface("panic", rec).
				Str("agent_id", entry.ID()).
				Str("task_id", tc.TaskID).
				Msg("Agent panicked during task")
		}
	}()
	return entry.agent.ProcessTask(ctx, tc)
}

// publishResult saves the task result and refreshed agent snapshot.
// Best effort: the caller already has the result in hand.
func (d *Dispatcher) publishResult(entry *Entry, result *agent.TaskResult) {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), statePublishTimeout)
	defer cancel()

	if err := d.store.Save(ctx, state.NamespaceTask, result.TaskID, result); err != nil {
		d.log.Warn().Err(err).Str("task_id", result.TaskID).Msg("Failed to publish task result")
	}
	if err := d.store.Save(ctx, state.NamespaceAgent, entry.ID(), entry.Snapshot()); err != nil {
		d.log.Warn().Err(err).Str("agent_id", entry.ID()).Msg("Failed to publish agent snapshot")
	}
}
