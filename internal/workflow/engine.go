package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/alerts"
	"github.com/tradecouncil/council/internal/consensus"
	"github.com/tradecouncil/council/internal/fault"
	"github.com/tradecouncil/council/internal/state"
)

const (
	// snapshotTimeout bounds best-effort state store writes
	snapshotTimeout = 5 * time.Second
	// defaultRetryDelay is the pause before re-selecting an agent after
	// an unavailable or busy rejection
	defaultRetryDelay = 100 * time.Millisecond
)

// ExecutionStatus is the lifecycle state of a workflow execution
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of one step within an execution.
// Every step of a terminal execution lands in exactly one of completed,
// failed or skipped.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepRun is the per-execution state of a definition step. Results are
// keyed by agent kind regardless of completion order.
type StepRun struct {
	StepID     string                       `json:"step_id"`
	Name       string                       `json:"name"`
	Status     StepStatus                   `json:"status"`
	Results    map[string]*agent.TaskResult `json:"results,omitempty"`
	Error      string                       `json:"error,omitempty"`
	StartedAt  time.Time                    `json:"started_at,omitempty"`
	FinishedAt time.Time                    `json:"finished_at,omitempty"`
}

// Summary counts the terminal step states of an execution
type Summary struct {
	TotalSteps int `json:"total_steps"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Execution is a point-in-time snapshot of one workflow run
type Execution struct {
	ID           string              `json:"execution_id"`
	WorkflowID   string              `json:"workflow_id"`
	WorkflowName string              `json:"workflow_name"`
	Status       ExecutionStatus     `json:"status"`
	Task         *agent.TaskContext  `json:"task"`
	Steps        map[string]*StepRun `json:"steps"`
	FinalResult  map[string]any      `json:"final_result,omitempty"`
	Summary      Summary             `json:"summary"`
	Error        string              `json:"error,omitempty"`
	StartedAt    time.Time           `json:"started_at"`
	FinishedAt   time.Time           `json:"finished_at,omitempty"`
}

// Executor dispatches one task to an agent of the given kind.
// *registry.Dispatcher satisfies it.
type Executor interface {
	Execute(ctx context.Context, kind agent.Kind, tc *agent.TaskContext) (*agent.TaskResult, error)
}

// Config wires an engine. Library and Consensus default when nil; Store
// is optional and skipping it only disables snapshot publication.
type Config struct {
	Library   *Library
	Executor  Executor
	Consensus *consensus.Engine
	Store     *state.Store
	// RetryDelay is the pause before the retry of a rejected agent call
	// (default 100ms)
	RetryDelay time.Duration
}

// Engine drives workflow executions: it resolves definitions from the
// library, schedules ready steps batch by batch through the executor,
// and fuses the per-agent results into a hybrid consensus on completion.
type Engine struct {
	library    *Library
	exec       Executor
	consensus  *consensus.Engine
	store      *state.Store
	retryDelay time.Duration

	mu   sync.RWMutex
	runs map[string]*run

	log     zerolog.Logger
	metrics *engineMetrics
}

// NewEngine creates a workflow engine
func NewEngine(cfg Config) *Engine {
	library := cfg.Library
	if library == nil {
		library = NewLibrary()
	}
	cons := cfg.Consensus
	if cons == nil {
		cons = consensus.NewEngine()
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &Engine{
		library:    library,
		exec:       cfg.Executor,
		consensus:  cons,
		store:      cfg.Store,
		retryDelay: retryDelay,
		runs:       make(map[string]*run),
		log:        log.With().Str("component", "workflow_engine").Logger(),
		metrics:    getOrCreateEngineMetrics(),
	}
}

// Library returns the definition registry backing this engine
func (e *Engine) Library() *Library {
	return e.library
}

// Start launches an asynchronous execution of the named workflow. The
// driver goroutine derives its lifetime from ctx plus the definition's
// global timeout; cancelling ctx aborts in-flight agent calls.
func (e *Engine) Start(ctx context.Context, workflowID string, tc *agent.TaskContext) (string, error) {
	if e.exec == nil {
		return "", fault.New(fault.KindInternal, "workflow engine has no executor")
	}
	if tc == nil {
		return "", fault.New(fault.KindInvalid, "task context is required")
	}
	def, err := e.library.Get(workflowID)
	if err != nil {
		return "", err
	}

	r := &run{
		exec: Execution{
			ID:           uuid.New().String(),
			WorkflowID:   def.ID,
			WorkflowName: def.Name,
			Status:       ExecutionPending,
			Task:         tc,
			Steps:        make(map[string]*StepRun, len(def.Steps)),
			Summary:      Summary{TotalSteps: len(def.Steps)},
			StartedAt:    time.Now(),
		},
		execCtx: make(map[string]any),
	}
	for _, s := range def.Steps {
		r.exec.Steps[s.ID] = &StepRun{StepID: s.ID, Name: s.Name, Status: StepPending}
	}

	e.mu.Lock()
	e.runs[r.exec.ID] = r
	e.mu.Unlock()

	e.publish(r)
	e.metrics.started.Inc()
	e.log.Info().
		Str("execution_id", r.exec.ID).
		Str("workflow_id", def.ID).
		Str("symbol", tc.Symbol).
		Int("steps", len(def.Steps)).
		Msg("Workflow execution started")

	runCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	go func() {
		defer cancel()
		e.drive(runCtx, r, def)
	}()
	return r.exec.ID, nil
}

// Get returns a snapshot of the execution
func (e *Engine) Get(executionID string) (*Execution, error) {
	r, err := e.run(executionID)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// Cancel marks the execution cancelled. In-flight agent calls are left
// to finish and their results are recorded, but the driver schedules no
// further steps and publishes a terminal snapshot.
func (e *Engine) Cancel(executionID string) error {
	r, err := e.run(executionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exec.Status.Terminal() {
		return fault.Newf(fault.KindDuplicate, "execution %s already %s", executionID, r.exec.Status)
	}
	r.cancelled = true
	r.exec.Status = ExecutionCancelled
	e.log.Info().Str("execution_id", executionID).Msg("Workflow execution cancelled")
	return nil
}

func (e *Engine) run(executionID string) (*run, error) {
	e.mu.RLock()
	r, ok := e.runs[executionID]
	e.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "execution %s not found", executionID)
	}
	return r, nil
}

// drive is the execution loop: compute the ready set, run the parallel
// batch then the sequential tail, apply the failure strategy, repeat
// until no step is ready.
func (e *Engine) drive(ctx context.Context, r *run, def *Definition) {
	if !r.begin() {
		e.finalize(r, ExecutionCancelled, "")
		return
	}
	e.publish(r)

	for {
		if r.isCancelled() {
			e.finalize(r, ExecutionCancelled, "")
			return
		}
		if ctx.Err() != nil {
			e.aggregate(r, def)
			e.finalize(r, ExecutionFailed, "workflow timed out: "+ctx.Err().Error())
			return
		}

		ready := r.readySteps(def)
		if len(ready) == 0 {
			e.aggregate(r, def)
			if failed := r.failedRequired(def); failed != "" {
				e.finalize(r, ExecutionFailed, "required step failed: "+failed)
			} else {
				e.finalize(r, ExecutionCompleted, "")
			}
			return
		}

		parallel, sequential := partitionSteps(def, ready)

		// A failure inside the batch never aborts its siblings; their
		// results are collected before the strategy check fires.
		var g errgroup.Group
		for _, stepID := range parallel {
			g.Go(func() error {
				e.runStep(ctx, r, def.step(stepID))
				return nil
			})
		}
		_ = g.Wait()

		for _, stepID := range sequential {
			if r.isCancelled() || ctx.Err() != nil {
				break
			}
			if def.FailureStrategy == FailStop && r.failedRequired(def) != "" {
				break
			}
			e.runStep(ctx, r, def.step(stepID))
		}

		if def.FailureStrategy == FailStop {
			if failed := r.failedRequired(def); failed != "" {
				e.aggregate(r, def)
				e.finalize(r, ExecutionFailed, "required step failed: "+failed)
				return
			}
		} else {
			r.propagateFailures(def)
		}

		e.publish(r)
	}
}

// runStep executes one step: condition gate, per-kind agent calls
// (concurrent when the step is parallel), then the terminal step status
func (e *Engine) runStep(ctx context.Context, r *run, step *Step) {
	if step.Condition != "" && !r.evalCondition(step.Condition) {
		r.mu.Lock()
		sr := r.exec.Steps[step.ID]
		sr.Status = StepSkipped
		sr.FinishedAt = time.Now()
		r.mu.Unlock()

		e.metrics.steps.WithLabelValues(string(StepSkipped)).Inc()
		e.log.Debug().
			Str("execution_id", r.id()).
			Str("step", step.ID).
			Str("condition", step.Condition).
			Msg("Step condition false, skipped")
		return
	}

	r.mu.Lock()
	sr := r.exec.Steps[step.ID]
	sr.Status = StepRunning
	sr.StartedAt = time.Now()
	sr.Results = make(map[string]*agent.TaskResult, len(step.AgentKinds))
	r.mu.Unlock()

	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	record := func(kind agent.Kind, res *agent.TaskResult) {
		r.mu.Lock()
		sr.Results[string(kind)] = res
		r.mu.Unlock()
	}

	if step.Parallel && len(step.AgentKinds) > 1 {
		var g errgroup.Group
		for _, kind := range step.AgentKinds {
			g.Go(func() error {
				record(kind, e.invoke(stepCtx, r, step, kind))
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, kind := range step.AgentKinds {
			record(kind, e.invoke(stepCtx, r, step, kind))
		}
	}

	r.mu.Lock()
	failures := 0
	for _, res := range sr.Results {
		if !res.OK() {
			failures++
		}
	}
	sr.FinishedAt = time.Now()
	if failures > 0 && !step.Optional {
		sr.Status = StepFailed
		sr.Error = fmt.Sprintf("%d of %d agent calls failed", failures, len(step.AgentKinds))
	} else {
		sr.Status = StepCompleted
		r.execCtx["results."+step.ID] = flattenResults(sr.Results)
	}
	status := sr.Status
	r.mu.Unlock()

	e.metrics.steps.WithLabelValues(string(status)).Inc()
	e.log.Debug().
		Str("execution_id", r.id()).
		Str("step", step.ID).
		Str("status", string(status)).
		Int("agents", len(step.AgentKinds)).
		Int("failures", failures).
		Msg("Step finished")
}

// invoke runs one agent call with the unavailable/busy retry policy.
// Dispatch rejections are converted into error results so the step
// always has one entry per kind.
func (e *Engine) invoke(ctx context.Context, r *run, step *Step, kind agent.Kind) *agent.TaskResult {
	tc := r.stepTask(step, kind)
	retries := step.MaxRetries
	if retries <= 0 {
		retries = defaultStepRetries
	}

	for attempt := 0; ; attempt++ {
		res, err := e.exec.Execute(ctx, kind, tc)
		if err == nil {
			return res
		}

		retriable := fault.IsKind(err, fault.KindAgentUnavailable) || fault.IsKind(err, fault.KindAgentBusy)
		if !retriable || attempt >= retries {
			e.log.Warn().
				Err(err).
				Str("execution_id", r.id()).
				Str("step", step.ID).
				Str("kind", string(kind)).
				Int("attempts", attempt+1).
				Msg("Agent dispatch failed")
			return errorResult(tc, kind, err)
		}

		select {
		case <-ctx.Done():
			return errorResult(tc, kind, ctx.Err())
		case <-time.After(e.retryDelay):
		}
	}
}

func errorResult(tc *agent.TaskContext, kind agent.Kind, err error) *agent.TaskResult {
	return &agent.TaskResult{
		TaskID:      tc.TaskID,
		AgentKind:   kind,
		Status:      agent.TaskError,
		Error:       err.Error(),
		CompletedAt: time.Now(),
	}
}

// aggregate fuses the union of per-agent results into the hybrid
// consensus. A later step's result replaces an earlier one from the
// same agent. Failed results are excluded by the consensus engine, so a
// partially failed execution still yields a recommendation.
func (e *Engine) aggregate(r *run, def *Definition) {
	union := make(map[string]*agent.TaskResult)
	r.mu.Lock()
	for _, s := range def.Steps {
		for _, res := range r.exec.Steps[s.ID].Results {
			if res != nil && res.AgentID != "" {
				union[res.AgentID] = res
			}
		}
	}
	r.mu.Unlock()

	cons := e.consensus.Compute(consensus.Hybrid, union)

	r.mu.Lock()
	r.exec.FinalResult = map[string]any{"workflow_consensus": cons}
	r.mu.Unlock()
}

// finalize publishes the terminal state. A concurrent Cancel wins over
// any other terminal status; steps never scheduled end up skipped so a
// terminal execution accounts for every step of its definition.
func (e *Engine) finalize(r *run, status ExecutionStatus, reason string) {
	r.mu.Lock()
	if r.cancelled {
		status = ExecutionCancelled
	}
	now := time.Now()
	for _, sr := range r.exec.Steps {
		switch sr.Status {
		case StepPending, StepRunning:
			sr.Status = StepSkipped
			sr.FinishedAt = now
		}
	}
	r.exec.Status = status
	r.exec.Error = reason
	r.exec.FinishedAt = now
	r.exec.Summary = summarize(r.exec.Steps)
	executionID := r.exec.ID
	workflowID := r.exec.WorkflowID
	duration := now.Sub(r.exec.StartedAt)
	summary := r.exec.Summary
	r.mu.Unlock()

	e.publish(r)
	e.metrics.duration.Observe(duration.Seconds())

	switch status {
	case ExecutionCompleted:
		e.metrics.completed.Inc()
	case ExecutionFailed:
		e.metrics.failed.Inc()
		alerts.AlertWorkflowFailed(context.Background(), executionID, workflowID, errors.New(reason))
	case ExecutionCancelled:
		e.metrics.cancelled.Inc()
	}

	e.log.Info().
		Str("execution_id", executionID).
		Str("workflow_id", workflowID).
		Str("status", string(status)).
		Int("completed", summary.Completed).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Dur("duration", duration).
		Msg("Workflow execution finished")
}

// publish saves the execution snapshot. Best effort: the engine already
// holds the state in memory.
func (e *Engine) publish(r *run) {
	if e.store == nil {
		return
	}
	snap := r.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	if err := e.store.Save(ctx, state.NamespaceWorkflow, snap.ID, snap); err != nil {
		e.log.Warn().Err(err).Str("execution_id", snap.ID).Msg("Failed to publish execution snapshot")
	}
}

// run is the engine-internal mutable state of one execution
type run struct {
	mu        sync.Mutex
	exec      Execution
	execCtx   map[string]any
	cancelled bool
}

// begin moves the execution to running unless it was cancelled first
func (r *run) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return false
	}
	r.exec.Status = ExecutionRunning
	return true
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *run) id() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.ID
}

// readySteps returns pending steps whose dependencies all landed in
// completed or skipped, in definition order
func (r *run) readySteps(def *Definition) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ready []string
	for _, s := range def.Steps {
		if r.exec.Steps[s.ID].Status != StepPending {
			continue
		}
		satisfied := true
		for _, dep := range s.DependsOn {
			switch r.exec.Steps[dep].Status {
			case StepCompleted, StepSkipped:
			default:
				satisfied = false
			}
		}
		if satisfied {
			ready = append(ready, s.ID)
		}
	}
	return ready
}

// failedRequired returns the first non-optional failed step, or ""
func (r *run) failedRequired(def *Definition) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range def.Steps {
		if !s.Optional && r.exec.Steps[s.ID].Status == StepFailed {
			return s.ID
		}
	}
	return ""
}

// propagateFailures fails every pending step whose dependency failed,
// cascading until a fixpoint. Used under the continue strategy so the
// terminal check sees a fully resolved step set.
func (r *run) propagateFailures(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for changed := true; changed; {
		changed = false
		for _, s := range def.Steps {
			sr := r.exec.Steps[s.ID]
			if sr.Status != StepPending {
				continue
			}
			for _, dep := range s.DependsOn {
				if r.exec.Steps[dep].Status != StepFailed {
					continue
				}
				sr.Status = StepFailed
				sr.Error = "dependency " + dep + " failed"
				sr.FinishedAt = time.Now()
				changed = true
				break
			}
		}
	}
}

// stepTask derives a fresh task for one agent call. Parameters merge the
// base task's with the step's own; metadata carries the execution context
// so later steps can read earlier results under results.<step_id> keys.
func (r *run) stepTask(step *Step, kind agent.Kind) *agent.TaskContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	base := r.exec.Task

	tc := agent.NewTaskContext(step.Name, base.Symbol, base.Market)
	tc.CompanyName = base.CompanyName
	tc.AnalysisDate = base.AnalysisDate
	for k, v := range base.Parameters {
		tc.Parameters[k] = v
	}
	for k, v := range step.Parameters {
		tc.Parameters[k] = v
	}
	for k, v := range base.Metadata {
		tc.Metadata[k] = v
	}
	for k, v := range r.execCtx {
		tc.Metadata[k] = v
	}
	tc.Metadata["workflow_execution_id"] = r.exec.ID
	tc.Metadata["workflow_step"] = step.ID
	tc.Metadata["agent_kind"] = string(kind)
	return tc
}

// evalCondition resolves a condition key against the execution context
// first, then the task parameters. A leading '!' negates. Missing keys
// and explicit false values evaluate false.
func (r *run) evalCondition(cond string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.TrimSpace(cond)
	negate := strings.HasPrefix(key, "!")
	if negate {
		key = strings.TrimSpace(strings.TrimPrefix(key, "!"))
	}

	val, ok := r.execCtx[key]
	if !ok && r.exec.Task.Parameters != nil {
		val, ok = r.exec.Task.Parameters[key]
	}
	truthy := ok && truthyValue(val)
	if negate {
		return !truthy
	}
	return truthy
}

func truthyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

// snapshot deep-copies the execution for external readers. Task results
// are immutable once recorded, so sharing their pointers is safe.
func (r *run) snapshot() *Execution {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.exec
	snap.Steps = make(map[string]*StepRun, len(r.exec.Steps))
	for id, sr := range r.exec.Steps {
		srCopy := *sr
		if sr.Results != nil {
			srCopy.Results = make(map[string]*agent.TaskResult, len(sr.Results))
			for k, v := range sr.Results {
				srCopy.Results[k] = v
			}
		}
		snap.Steps[id] = &srCopy
	}
	if r.exec.FinalResult != nil {
		snap.FinalResult = make(map[string]any, len(r.exec.FinalResult))
		for k, v := range r.exec.FinalResult {
			snap.FinalResult[k] = v
		}
	}
	return &snap
}

// partitionSteps splits ready step ids into the parallel batch and the
// sequential tail, both in definition order
func partitionSteps(def *Definition, ready []string) (parallel, sequential []string) {
	inReady := make(map[string]bool, len(ready))
	for _, id := range ready {
		inReady[id] = true
	}
	for _, s := range def.Steps {
		if !inReady[s.ID] {
			continue
		}
		if s.Parallel {
			parallel = append(parallel, s.ID)
		} else {
			sequential = append(sequential, s.ID)
		}
	}
	return parallel, sequential
}

func summarize(steps map[string]*StepRun) Summary {
	s := Summary{TotalSteps: len(steps)}
	for _, sr := range steps {
		switch sr.Status {
		case StepCompleted:
			s.Completed++
		case StepFailed:
			s.Failed++
		case StepSkipped:
			s.Skipped++
		}
	}
	return s
}

// flattenResults exposes a finished step's payloads (or errors) to the
// execution context
func flattenResults(results map[string]*agent.TaskResult) map[string]any {
	out := make(map[string]any, len(results))
	for kind, res := range results {
		if res.OK() {
			out[kind] = res.Payload
		} else {
			out[kind] = map[string]any{"error": res.Error}
		}
	}
	return out
}

type engineMetrics struct {
	started   prometheus.Counter
	completed prometheus.Counter
	failed    prometheus.Counter
	cancelled prometheus.Counter
	steps     *prometheus.CounterVec
	duration  prometheus.Histogram
}

var (
	engineMetricsOnce     sync.Once
	engineMetricsInstance *engineMetrics
)

func getOrCreateEngineMetrics() *engineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetricsInstance = &engineMetrics{
			started: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_workflow_executions_started_total",
				Help: "Workflow executions started",
			}),
			completed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_workflow_executions_completed_total",
				Help: "Workflow executions that completed",
			}),
			failed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_workflow_executions_failed_total",
				Help: "Workflow executions that failed",
			}),
			cancelled: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_workflow_executions_cancelled_total",
				Help: "Workflow executions cancelled by callers",
			}),
			steps: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "council_workflow_steps_total",
				Help: "Workflow steps by terminal status",
			}, []string{"status"}),
			duration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "council_workflow_duration_seconds",
				Help:    "Wall time of finished workflow executions",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			}),
		}
	})
	return engineMetricsInstance
}
