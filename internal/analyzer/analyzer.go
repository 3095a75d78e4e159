// Package analyzer picks the orchestration mode for a client analysis
// request, drives it to completion, and exposes progress and the fused
// result while the run is in flight and after it finishes.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/debate"
	"github.com/tradecouncil/council/internal/fault"
	"github.com/tradecouncil/council/internal/llm"
	"github.com/tradecouncil/council/internal/memory"
	"github.com/tradecouncil/council/internal/registry"
	"github.com/tradecouncil/council/internal/state"
	"github.com/tradecouncil/council/internal/workflow"
)

// Mode names the orchestration strategy chosen for a request
type Mode string

const (
	ModeIndependent Mode = "independent"
	ModeDebate      Mode = "debate"
	ModeWorkflow    Mode = "workflow"
)

// MemoryContextKey is the task metadata key recalled cases ride under
const MemoryContextKey = "memory_cases"

const (
	// defaultPollInterval paces backend polling while a run is in flight
	defaultPollInterval = 2 * time.Second
	// defaultHeartbeat keeps progress emissions under the 30s ceiling
	// watchers are promised
	defaultHeartbeat = 25 * time.Second
	// independentTimeout bounds a direct single-agent dispatch
	independentTimeout = 10 * time.Minute
	// memoryTimeout bounds each best-effort memory round trip
	memoryTimeout = 10 * time.Second
	// memoryRecallLimit caps how many past cases ride along to agents
	memoryRecallLimit = 3
)

// errCancelled marks a run the caller tore down; it never reaches clients
var errCancelled = errors.New("analysis cancelled")

// Executor dispatches one task to one agent of the given kind
type Executor interface {
	Execute(ctx context.Context, kind agent.Kind, tc *agent.TaskContext) (*agent.TaskResult, error)
}

// Config wires the analyzer. Executor is required; every other
// collaborator is optional and its absence narrows the capability set.
type Config struct {
	Executor  Executor
	Registry  *registry.Registry
	Workflows *workflow.Engine
	Debates   *debate.Engine
	Store     *state.Store
	Memory    *memory.Memory
	LLM       llm.CompletionService
}

// Analyzer is the facade the API talks to
type Analyzer struct {
	exec      Executor
	registry  *registry.Registry
	workflows *workflow.Engine
	debates   *debate.Engine
	store     *state.Store
	memory    *memory.Memory
	llm       llm.CompletionService

	mu   sync.Mutex
	runs map[string]*analysis

	poll      time.Duration
	heartbeat time.Duration

	log     zerolog.Logger
	metrics *analyzerMetrics
}

// analysis is the in-process record of one request
type analysis struct {
	id         string
	req        *Request
	mode       Mode
	workflowID string
	tracker    *tracker
	cancelRun  context.CancelFunc

	mu      sync.Mutex
	backend string
	result  *Result
}

func (an *analysis) setBackend(id string) {
	an.mu.Lock()
	an.backend = id
	an.mu.Unlock()
}

func (an *analysis) backendID() string {
	an.mu.Lock()
	defer an.mu.Unlock()
	return an.backend
}

func (an *analysis) setResult(res *Result) {
	an.mu.Lock()
	an.result = res
	an.mu.Unlock()
}

func (an *analysis) getResult() *Result {
	an.mu.Lock()
	defer an.mu.Unlock()
	return an.result
}

// New creates an analyzer facade
func New(cfg Config) *Analyzer {
	return &Analyzer{
		exec:      cfg.Executor,
		registry:  cfg.Registry,
		workflows: cfg.Workflows,
		debates:   cfg.Debates,
		store:     cfg.Store,
		memory:    cfg.Memory,
		llm:       cfg.LLM,
		runs:      make(map[string]*analysis),
		poll:      defaultPollInterval,
		heartbeat: defaultHeartbeat,
		log:       log.With().Str("component", "analyzer").Logger(),
		metrics:   getOrCreateAnalyzerMetrics(),
	}
}

// ChooseMode maps request depth and analyst count to an orchestration
// strategy. Engines that are missing, and a wired registry with no
// agents, degrade the choice toward the independent path.
func (a *Analyzer) ChooseMode(req *Request) (Mode, string) {
	analysts := req.AnalystCount()
	depth := req.ResearchDepth
	multi := a.agentsAvailable()
	switch {
	case a.workflows != nil && multi && depth >= 4 && analysts >= 3:
		return ModeWorkflow, workflow.ComprehensiveAnalysisID
	case a.workflows != nil && multi && depth >= 3 && analysts >= 2:
		return ModeWorkflow, workflow.QuickAnalysisID
	case a.debates != nil && multi && analysts >= 2:
		return ModeDebate, ""
	default:
		return ModeIndependent, ""
	}
}

func (a *Analyzer) agentsAvailable() bool {
	return a.registry == nil || a.registry.Count() > 0
}

// Capabilities reports which orchestration modes are serviceable now
func (a *Analyzer) Capabilities() map[string]bool {
	agents := a.agentsAvailable()
	return map[string]bool{
		"independent":             a.exec != nil,
		"multi_agent":             a.exec != nil && agents,
		"workflow":                a.workflows != nil && agents,
		"debate":                  a.debates != nil && agents,
		"agent_service_available": agents,
	}
}

// Start validates the request, snapshots a pending progress record, and
// dispatches the run asynchronously. The returned id serves all later
// progress, result, stream, and cancel calls.
func (a *Analyzer) Start(ctx context.Context, req *Request) (string, error) {
	if a.exec == nil {
		return "", fault.New(fault.KindInternal, "analyzer has no executor")
	}
	if req == nil {
		return "", fault.New(fault.KindInvalid, "request is required")
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	id := uuid.New().String()
	mode, workflowID := a.ChooseMode(req)

	runCtx, cancel := context.WithCancel(context.Background())
	an := &analysis{
		id:         id,
		req:        req,
		mode:       mode,
		workflowID: workflowID,
		tracker:    newTracker(id, a.store, a.log),
		cancelRun:  cancel,
	}
	a.mu.Lock()
	a.runs[id] = an
	a.mu.Unlock()

	an.tracker.emit(func(p *Progress) {
		p.CurrentStatus = "analysis accepted"
	})

	a.log.Info().
		Str("analysis_id", id).
		Str("symbol", req.StockCode).
		Str("market", string(req.MarketType)).
		Str("mode", string(mode)).
		Str("workflow_id", workflowID).
		Int("research_depth", req.ResearchDepth).
		Int("analysts", req.AnalystCount()).
		Msg("Analysis started")
	a.metrics.started.WithLabelValues(string(mode)).Inc()

	go a.run(runCtx, an)
	return id, nil
}

// Progress returns the latest progress record, falling back to the
// state store for analyses this process no longer tracks
func (a *Analyzer) Progress(ctx context.Context, id string) (*Progress, error) {
	a.mu.Lock()
	an, ok := a.runs[id]
	a.mu.Unlock()
	if ok {
		p := an.tracker.snapshot()
		return &p, nil
	}
	if a.store != nil {
		var p Progress
		found, err := a.store.Get(ctx, state.NamespaceProgress, id, &p)
		if err != nil {
			return nil, err
		}
		if found {
			return &p, nil
		}
	}
	return nil, fault.Newf(fault.KindNotFound, "analysis %s not found", id)
}

// Result returns the fused result once the analysis has one
func (a *Analyzer) Result(ctx context.Context, id string) (*Result, error) {
	a.mu.Lock()
	an, ok := a.runs[id]
	a.mu.Unlock()
	if ok {
		if res := an.getResult(); res != nil {
			return res, nil
		}
		return nil, fault.Newf(fault.KindNotFound, "analysis %s has no result yet", id)
	}
	if a.store != nil {
		var res Result
		found, err := a.store.Get(ctx, state.NamespaceResult, id, &res)
		if err != nil {
			return nil, err
		}
		if found {
			return &res, nil
		}
	}
	return nil, fault.Newf(fault.KindNotFound, "analysis %s not found", id)
}

// Watch subscribes to progress updates for one analysis. The channel is
// primed with the current snapshot and closes on the terminal emission;
// cancel detaches early.
func (a *Analyzer) Watch(id string) (<-chan Progress, func(), error) {
	a.mu.Lock()
	an, ok := a.runs[id]
	a.mu.Unlock()
	if !ok {
		return nil, nil, fault.Newf(fault.KindNotFound, "analysis %s not found", id)
	}
	ch, cancel := an.tracker.watch()
	return ch, cancel, nil
}

// Cancel marks the analysis cancelled and propagates best-effort to the
// backing workflow or debate. In-flight agent calls finish on their own.
func (a *Analyzer) Cancel(id string) error {
	a.mu.Lock()
	an, ok := a.runs[id]
	a.mu.Unlock()
	if !ok {
		return fault.Newf(fault.KindNotFound, "analysis %s not found", id)
	}
	if snap := an.tracker.snapshot(); snap.Status.Terminal() {
		return fault.Newf(fault.KindDuplicate, "analysis %s is already %s", id, snap.Status)
	}

	an.tracker.emit(func(p *Progress) {
		p.Status = StatusCancelled
		p.CurrentStatus = "cancelled by caller"
	})
	backend := an.backendID()
	switch an.mode {
	case ModeWorkflow:
		if a.workflows != nil && backend != "" {
			if err := a.workflows.Cancel(backend); err != nil && !fault.IsKind(err, fault.KindDuplicate) {
				a.log.Warn().Err(err).Str("analysis_id", id).Msg("Workflow cancel did not propagate")
			}
		}
	case ModeDebate:
		if a.debates != nil && backend != "" {
			if err := a.debates.Cancel(backend); err != nil && !fault.IsKind(err, fault.KindDuplicate) {
				a.log.Warn().Err(err).Str("analysis_id", id).Msg("Debate cancel did not propagate")
			}
		}
	}
	an.cancelRun()
	a.metrics.cancelled.Inc()
	a.log.Info().Str("analysis_id", id).Msg("Analysis cancelled")
	return nil
}

// run drives one analysis to a terminal state
func (a *Analyzer) run(ctx context.Context, an *analysis) {
	started := time.Now()

	taskName := string(an.mode)
	if an.mode == ModeWorkflow {
		taskName = an.workflowID
	} else if an.mode == ModeIndependent {
		taskName = analystTasks[an.req.AnalystKinds()[0]]
	}
	tc := an.req.TaskContext(taskName)
	a.enrich(ctx, an.req, tc)

	var f fusion
	var err error
	switch an.mode {
	case ModeWorkflow:
		f, err = a.runWorkflow(ctx, an, tc)
	case ModeDebate:
		f, err = a.runDebate(ctx, an, tc)
	default:
		f, err = a.runIndependent(ctx, an, tc)
	}

	if err != nil {
		if errors.Is(err, errCancelled) || errors.Is(err, context.Canceled) ||
			an.tracker.snapshot().Status == StatusCancelled {
			an.tracker.emit(func(p *Progress) {
				p.Status = StatusCancelled
				p.CurrentStatus = "cancelled"
			})
			return
		}
		an.tracker.emit(func(p *Progress) {
			p.Status = StatusFailed
			p.ErrorMessage = err.Error()
			p.CurrentStatus = "analysis failed"
		})
		a.metrics.failed.Inc()
		a.log.Error().Err(err).
			Str("analysis_id", an.id).
			Str("mode", string(an.mode)).
			Msg("Analysis failed")
		return
	}

	res := f.render(an.id, an.req, an.mode)
	an.setResult(res)
	a.persistResult(res)
	a.remember(ctx, an, f)

	an.tracker.emit(func(p *Progress) {
		p.Status = StatusCompleted
		p.ProgressPercentage = 100
		p.CurrentStep = "done"
		p.CurrentStatus = "analysis complete"
	})
	a.metrics.completed.Inc()
	a.metrics.duration.Observe(time.Since(started).Seconds())
	a.log.Info().
		Str("analysis_id", an.id).
		Str("mode", string(an.mode)).
		Str("recommendation", res.Recommendation).
		Dur("took", time.Since(started)).
		Msg("Analysis complete")
}

// runWorkflow launches the chosen workflow and polls it to a terminal
// state, translating step counts into progress
func (a *Analyzer) runWorkflow(ctx context.Context, an *analysis, tc *agent.TaskContext) (fusion, error) {
	execID, err := a.workflows.Start(ctx, an.workflowID, tc)
	if err != nil {
		return fusion{}, err
	}
	an.setBackend(execID)
	an.tracker.emit(func(p *Progress) {
		p.Status = StatusRunning
		p.ProgressPercentage = 5
		p.CurrentStep = "workflow"
		p.CurrentTask = an.workflowID
		p.CurrentStatus = "workflow execution started"
	})

	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	lastPct, lastStep := -1.0, ""
	for {
		select {
		case <-ctx.Done():
			return fusion{}, errCancelled
		case <-ticker.C:
		}

		exec, err := a.workflows.Get(execID)
		if err != nil {
			return fusion{}, err
		}

		pct, step := workflowProgress(exec)
		if pct != lastPct || step != lastStep {
			lastPct, lastStep = pct, step
			an.tracker.emit(func(p *Progress) {
				p.ProgressPercentage = pct
				if step != "" {
					p.CurrentStep = step
				}
				p.CurrentStatus = "workflow executing"
			})
		} else {
			an.tracker.heartbeat(a.heartbeat)
		}

		if exec.Status.Terminal() {
			switch exec.Status {
			case workflow.ExecutionCompleted:
				return fuseExecution(exec), nil
			case workflow.ExecutionCancelled:
				return fusion{}, errCancelled
			default:
				msg := exec.Error
				if msg == "" {
					msg = "workflow execution failed"
				}
				return fusion{}, fault.New(fault.KindInternal, msg)
			}
		}
	}
}

// workflowProgress maps step completion onto the 5..95 band
func workflowProgress(exec *workflow.Execution) (float64, string) {
	done := exec.Summary.Completed + exec.Summary.Failed + exec.Summary.Skipped
	total := exec.Summary.TotalSteps
	pct := 5.0
	if total > 0 {
		pct += 90.0 * float64(done) / float64(total)
	}
	step := ""
	for _, sr := range exec.Steps {
		if sr.Status == workflow.StepRunning {
			step = sr.Name
			break
		}
	}
	return pct, step
}

// runDebate starts a bull/bear/neutral debate and polls rounds into
// progress
func (a *Analyzer) runDebate(ctx context.Context, an *analysis, tc *agent.TaskContext) (fusion, error) {
	topic := "Investment stance on " + an.req.StockCode
	if an.req.CompanyName != "" {
		topic = "Investment stance on " + an.req.CompanyName + " (" + an.req.StockCode + ")"
	}
	participants := []agent.Kind{
		agent.KindBullResearcher,
		agent.KindBearResearcher,
		agent.KindNeutralDebator,
	}

	debateID, err := a.debates.Start(ctx, topic, participants, tc)
	if err != nil {
		return fusion{}, err
	}
	an.setBackend(debateID)
	an.tracker.emit(func(p *Progress) {
		p.Status = StatusRunning
		p.ProgressPercentage = 10
		p.CurrentStep = "debate"
		p.CurrentTask = topic
		p.CurrentStatus = "debate started"
	})

	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	lastRound := -1
	for {
		select {
		case <-ctx.Done():
			return fusion{}, errCancelled
		case <-ticker.C:
		}

		d, err := a.debates.Get(debateID)
		if err != nil {
			return fusion{}, err
		}

		if d.CurrentRound != lastRound {
			lastRound = d.CurrentRound
			pct := 10.0
			if d.Rules.MaxRounds > 0 {
				pct += 80.0 * float64(d.CurrentRound) / float64(d.Rules.MaxRounds)
			}
			status := fmt.Sprintf("debate round %d of %d", d.CurrentRound, d.Rules.MaxRounds)
			an.tracker.emit(func(p *Progress) {
				p.ProgressPercentage = pct
				p.CurrentStep = "debate"
				p.CurrentStatus = status
			})
		} else {
			an.tracker.heartbeat(a.heartbeat)
		}

		if d.Status.Terminal() {
			switch d.Status {
			case debate.StatusCompleted:
				return fuseDebate(d), nil
			case debate.StatusCancelled:
				return fusion{}, errCancelled
			default:
				msg := d.Error
				if msg == "" {
					msg = "debate failed"
				}
				return fusion{}, fault.New(fault.KindInternal, msg)
			}
		}
	}
}

// runIndependent dispatches the single enabled analyst directly
func (a *Analyzer) runIndependent(ctx context.Context, an *analysis, tc *agent.TaskContext) (fusion, error) {
	kind := an.req.AnalystKinds()[0]
	an.tracker.emit(func(p *Progress) {
		p.Status = StatusRunning
		p.ProgressPercentage = 10
		p.CurrentStep = "dispatch"
		p.CurrentTask = tc.TaskName
		p.CurrentStatus = "agent dispatched"
	})

	cctx, cancel := context.WithTimeout(ctx, independentTimeout)
	defer cancel()
	res, err := a.exec.Execute(cctx, kind, tc)
	if err != nil {
		return fusion{}, err
	}

	an.tracker.emit(func(p *Progress) {
		p.ProgressPercentage = 90
		p.CurrentStep = "fusion"
		p.CurrentStatus = "rendering result"
	})
	return fuseVerdict(tc.TaskName, res), nil
}

// enrich attaches similar past cases to the task so agents can weigh
// them. Every failure is logged and swallowed; recall never blocks an
// analysis.
func (a *Analyzer) enrich(ctx context.Context, req *Request, tc *agent.TaskContext) {
	if !req.EnableMemory || a.memory == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, memoryTimeout)
	defer cancel()

	cases := a.recallCases(rctx, req)
	if len(cases) == 0 {
		return
	}
	tc.Metadata[MemoryContextKey] = cases
	a.metrics.recalls.Inc()
	a.log.Debug().
		Str("symbol", req.StockCode).
		Int("cases", len(cases)).
		Msg("Attached recalled cases to task")
}

func (a *Analyzer) recallCases(ctx context.Context, req *Request) []*memory.Case {
	if a.llm != nil {
		vec, err := a.llm.Embed(ctx, req.MemorySummary())
		if err == nil {
			cases, rerr := a.memory.Recall(ctx, vec, memoryRecallLimit,
				memory.SymbolFilter{Symbol: req.StockCode},
				memory.UsableOnlyFilter{})
			if rerr == nil {
				memory.RankByRelevance(cases, time.Now())
				return cases
			}
			a.log.Warn().Err(rerr).Str("symbol", req.StockCode).Msg("Memory recall failed")
			return nil
		}
		a.log.Warn().Err(err).Msg("Embedding failed, falling back to symbol history")
	}

	cases, err := a.memory.History(ctx, req.StockCode, memoryRecallLimit)
	if err != nil {
		a.log.Warn().Err(err).Str("symbol", req.StockCode).Msg("Memory history lookup failed")
		return nil
	}
	return cases
}

// remember stores the finished analysis as a recallable case,
// best-effort
func (a *Analyzer) remember(ctx context.Context, an *analysis, f fusion) {
	if !an.req.EnableMemory || a.memory == nil {
		return
	}
	mctx, cancel := context.WithTimeout(ctx, memoryTimeout)
	defer cancel()

	c := &memory.Case{
		Symbol:         an.req.StockCode,
		Market:         an.req.MarketType,
		TaskName:       string(an.mode),
		Recommendation: f.rec,
		Confidence:     f.confidence,
		RiskLevel:      f.risk,
		Reasoning:      f.reasoning,
		Summary:        an.req.MemorySummary(),
	}
	if raw, err := json.Marshal(an.req); err == nil {
		c.Context = raw
	}
	if a.llm != nil {
		vec, err := a.llm.Embed(mctx, c.Summary)
		switch {
		case err != nil:
			a.log.Warn().Err(err).Str("analysis_id", an.id).Msg("Embedding for memory store failed")
		case len(vec) != memory.EmbeddingDim:
			a.log.Warn().
				Int("dimensions", len(vec)).
				Str("analysis_id", an.id).
				Msg("Dropping embedding with unexpected dimensions")
		default:
			c.Embedding = vec
		}
	}
	if err := a.memory.Store(mctx, c); err != nil {
		a.log.Warn().Err(err).Str("analysis_id", an.id).Msg("Memory store failed")
	}
}

// persistResult snapshots the result for other processes and restarts
func (a *Analyzer) persistResult(res *Result) {
	if a.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	if err := a.store.Save(ctx, state.NamespaceResult, res.AnalysisID, res); err != nil {
		a.log.Warn().Err(err).Str("analysis_id", res.AnalysisID).Msg("Failed to snapshot analysis result")
	}
}

type analyzerMetrics struct {
	started   *prometheus.CounterVec
	completed prometheus.Counter
	failed    prometheus.Counter
	cancelled prometheus.Counter
	duration  prometheus.Histogram
	recalls   prometheus.Counter
}

var (
	analyzerMetricsOnce     sync.Once
	analyzerMetricsInstance *analyzerMetrics
)

func getOrCreateAnalyzerMetrics() *analyzerMetrics {
	analyzerMetricsOnce.Do(func() {
		analyzerMetricsInstance = &analyzerMetrics{
			started: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "council_analyses_started_total",
				Help: "Analyses accepted, by orchestration mode",
			}, []string{"mode"}),
			completed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_analyses_completed_total",
				Help: "Analyses that produced a result",
			}),
			failed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_analyses_failed_total",
				Help: "Analyses that ended in failure",
			}),
			cancelled: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_analyses_cancelled_total",
				Help: "Analyses cancelled by callers",
			}),
			duration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "council_analysis_duration_seconds",
				Help:    "Wall time of completed analyses",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			}),
			recalls: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_analysis_memory_recalls_total",
				Help: "Analyses that attached recalled cases",
			}),
		}
	})
	return analyzerMetricsInstance
}
