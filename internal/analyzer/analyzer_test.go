package analyzer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/debate"
	"github.com/tradecouncil/council/internal/fault"
	"github.com/tradecouncil/council/internal/llm"
	"github.com/tradecouncil/council/internal/memory"
	"github.com/tradecouncil/council/internal/registry"
	"github.com/tradecouncil/council/internal/state"
	"github.com/tradecouncil/council/internal/workflow"
)

// scriptedExecutor answers agent calls from a function and records every
// task it saw
type scriptedExecutor struct {
	mu    sync.Mutex
	calls []*agent.TaskContext
	fn    func(kind agent.Kind, tc *agent.TaskContext) (*agent.TaskResult, error)
}

func (s *scriptedExecutor) Execute(ctx context.Context, kind agent.Kind, tc *agent.TaskContext) (*agent.TaskResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, tc)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(kind, tc)
	}
	return verdictResult(tc, kind, agent.RecommendHold, 0.5, nil), nil
}

func (s *scriptedExecutor) seen() []*agent.TaskContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*agent.TaskContext(nil), s.calls...)
}

func verdictResult(tc *agent.TaskContext, kind agent.Kind, rec agent.Recommendation, conf float64, extra map[string]any) *agent.TaskResult {
	v := agent.Verdict{
		Recommendation: rec,
		Confidence:     conf,
		RiskLevel:      agent.RiskMedium,
		Reasoning:      "scripted " + string(kind),
	}
	return &agent.TaskResult{
		TaskID:      tc.TaskID,
		AgentID:     string(kind) + "-1",
		AgentKind:   kind,
		Status:      agent.TaskSuccess,
		Payload:     v.ToPayload(extra),
		CompletedAt: time.Now(),
	}
}

// fakeLLM serves fixed embeddings for memory tests
type fakeLLM struct {
	vec []float32
}

func (f *fakeLLM) Generate(ctx context.Context, messages []llm.Message) (*llm.Completion, error) {
	return nil, fault.New(fault.KindInternal, "not scripted")
}

func (f *fakeLLM) GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return "", fault.New(fault.KindInternal, "not scripted")
}

func (f *fakeLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, nil
}

// newFastAnalyzer wires an analyzer with test-speed polling
func newFastAnalyzer(cfg Config) *Analyzer {
	a := New(cfg)
	a.poll = 5 * time.Millisecond
	return a
}

func awaitStatus(t *testing.T, a *Analyzer, id string, want Status) Progress {
	t.Helper()
	var snap Progress
	require.Eventually(t, func() bool {
		p, err := a.Progress(context.Background(), id)
		if err != nil {
			return false
		}
		snap = *p
		return p.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return snap
}

func TestChooseMode(t *testing.T) {
	exec := &scriptedExecutor{}
	full := newFastAnalyzer(Config{
		Executor:  exec,
		Workflows: workflow.NewEngine(workflow.Config{Executor: exec}),
		Debates:   debate.NewEngine(debate.Config{Executor: exec}),
	})

	tests := []struct {
		name     string
		depth    int
		analysts []agent.Kind
		wantMode Mode
		wantWF   string
	}{
		{"deep and wide", 5, []agent.Kind{agent.KindMarketAnalyst, agent.KindNewsAnalyst, agent.KindFundamentalsAnalyst}, ModeWorkflow, workflow.ComprehensiveAnalysisID},
		{"comprehensive threshold", 4, []agent.Kind{agent.KindMarketAnalyst, agent.KindNewsAnalyst, agent.KindSocialMediaAnalyst}, ModeWorkflow, workflow.ComprehensiveAnalysisID},
		{"quick threshold", 3, []agent.Kind{agent.KindMarketAnalyst, agent.KindNewsAnalyst}, ModeWorkflow, workflow.QuickAnalysisID},
		{"deep but narrow", 4, []agent.Kind{agent.KindMarketAnalyst, agent.KindNewsAnalyst}, ModeWorkflow, workflow.QuickAnalysisID},
		{"shallow pair debates", 2, []agent.Kind{agent.KindMarketAnalyst, agent.KindNewsAnalyst}, ModeDebate, ""},
		{"single analyst", 5, []agent.Kind{agent.KindMarketAnalyst}, ModeIndependent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			req.ResearchDepth = tt.depth
			req.MarketAnalyst = false
			for _, k := range tt.analysts {
				switch k {
				case agent.KindMarketAnalyst:
					req.MarketAnalyst = true
				case agent.KindFundamentalsAnalyst:
					req.FundamentalAnalyst = true
				case agent.KindNewsAnalyst:
					req.NewsAnalyst = true
				case agent.KindSocialMediaAnalyst:
					req.SocialAnalyst = true
				}
			}
			mode, wf := full.ChooseMode(req)
			assert.Equal(t, tt.wantMode, mode)
			assert.Equal(t, tt.wantWF, wf)
		})
	}
}

func TestChooseModeDegradesWithoutInfra(t *testing.T) {
	exec := &scriptedExecutor{}
	req := validRequest()
	req.ResearchDepth = 5
	req.NewsAnalyst = true
	req.FundamentalAnalyst = true

	bare := newFastAnalyzer(Config{Executor: exec})
	mode, _ := bare.ChooseMode(req)
	assert.Equal(t, ModeIndependent, mode, "no engines leaves only the direct path")

	emptyRegistry := newFastAnalyzer(Config{
		Executor:  exec,
		Registry:  registry.New(registry.Config{}),
		Workflows: workflow.NewEngine(workflow.Config{Executor: exec}),
		Debates:   debate.NewEngine(debate.Config{Executor: exec}),
	})
	mode, _ = emptyRegistry.ChooseMode(req)
	assert.Equal(t, ModeIndependent, mode, "a wired but empty registry disables multi-agent modes")
}

func TestStartValidation(t *testing.T) {
	a := newFastAnalyzer(Config{Executor: &scriptedExecutor{}})

	_, err := a.Start(context.Background(), nil)
	assert.Equal(t, fault.KindInvalid, fault.KindOf(err))

	bad := validRequest()
	bad.ResearchDepth = 9
	_, err = a.Start(context.Background(), bad)
	assert.Equal(t, fault.KindInvalid, fault.KindOf(err))

	noExec := newFastAnalyzer(Config{})
	_, err = noExec.Start(context.Background(), validRequest())
	assert.Equal(t, fault.KindInternal, fault.KindOf(err))
}

func TestIndependentAnalysis(t *testing.T) {
	store := state.New(state.Config{})
	exec := &scriptedExecutor{
		fn: func(kind agent.Kind, tc *agent.TaskContext) (*agent.TaskResult, error) {
			return verdictResult(tc, kind, agent.RecommendBuy, 0.9,
				map[string]any{"indicators": map[string]any{"rsi": 58.0}}), nil
		},
	}
	a := newFastAnalyzer(Config{Executor: exec, Store: store})

	req := validRequest()
	req.ResearchDepth = 1
	id, err := a.Start(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snap := awaitStatus(t, a, id, StatusCompleted)
	assert.Equal(t, 100.0, snap.ProgressPercentage)
	assert.False(t, snap.FinishedAt.IsZero())

	res, err := a.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ModeIndependent, res.Mode)
	assert.Equal(t, "buy", res.Recommendation)
	assert.Equal(t, "90.0%", res.Confidence)
	assert.Equal(t, "50.0%", res.RiskScore)
	assert.NotEmpty(t, res.Reasoning)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "technical_analysis", res.Steps[0].Name)
	assert.Equal(t, []string{string(agent.KindMarketAnalyst)}, res.Steps[0].Agents)
	assert.Equal(t, 58.0, res.TechnicalAnalysis["rsi"])

	calls := exec.seen()
	require.Len(t, calls, 1)
	assert.Equal(t, "technical_analysis", calls[0].TaskName)

	var savedProgress Progress
	found, err := store.Get(context.Background(), state.NamespaceProgress, id, &savedProgress)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusCompleted, savedProgress.Status)

	var savedResult Result
	found, err = store.Get(context.Background(), state.NamespaceResult, id, &savedResult)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "buy", savedResult.Recommendation)
}

func TestIndependentAnalysisFailure(t *testing.T) {
	exec := &scriptedExecutor{
		fn: func(kind agent.Kind, tc *agent.TaskContext) (*agent.TaskResult, error) {
			return nil, fault.New(fault.KindAgentUnavailable, "no market analyst registered")
		},
	}
	a := newFastAnalyzer(Config{Executor: exec})

	req := validRequest()
	req.ResearchDepth = 1
	id, err := a.Start(context.Background(), req)
	require.NoError(t, err)

	snap := awaitStatus(t, a, id, StatusFailed)
	assert.Contains(t, snap.ErrorMessage, "no market analyst registered")
	assert.Less(t, snap.ProgressPercentage, 100.0)

	_, err = a.Result(context.Background(), id)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestWorkflowAnalysis(t *testing.T) {
	store := state.New(state.Config{})
	exec := &scriptedExecutor{
		fn: func(kind agent.Kind, tc *agent.TaskContext) (*agent.TaskResult, error) {
			switch kind {
			case agent.KindMarketAnalyst:
				return verdictResult(tc, kind, agent.RecommendBuy, 0.8,
					map[string]any{"indicators": map[string]any{"macd": 1.2}}), nil
			case agent.KindTrader:
				return verdictResult(tc, kind, agent.RecommendBuy, 0.8,
					map[string]any{"target_price": 1899.505}), nil
			default:
				return verdictResult(tc, kind, agent.RecommendBuy, 0.8, nil), nil
			}
		},
	}
	a := newFastAnalyzer(Config{
		Executor:  exec,
		Workflows: workflow.NewEngine(workflow.Config{Executor: exec, Store: store}),
		Store:     store,
	})

	req := validRequest()
	req.StockCode = "600519"
	req.CompanyName = "Kweichow Moutai"
	req.MarketType = agent.MarketCNA
	req.ResearchDepth = 3
	req.NewsAnalyst = true

	id, err := a.Start(context.Background(), req)
	require.NoError(t, err)

	awaitStatus(t, a, id, StatusCompleted)

	res, err := a.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ModeWorkflow, res.Mode)
	assert.Equal(t, "买入", res.Recommendation, "CN-A results carry the zh label")
	assert.Equal(t, "80.0%", res.Confidence)
	assert.Equal(t, "1899.51", res.TargetPrice)
	assert.Equal(t, 1.2, res.TechnicalAnalysis["macd"])
	require.Len(t, res.Steps, 3, "quick workflow has three steps")
	for _, step := range res.Steps {
		assert.Equal(t, string(workflow.StepCompleted), step.Status)
	}
	assert.Contains(t, res.Reasoning, "consensus of 3 agents")
}

func TestDebateAnalysis(t *testing.T) {
	exec := &scriptedExecutor{
		fn: func(kind agent.Kind, tc *agent.TaskContext) (*agent.TaskResult, error) {
			return verdictResult(tc, kind, agent.RecommendBuy, 0.9, nil), nil
		},
	}
	a := newFastAnalyzer(Config{
		Executor: exec,
		Debates:  debate.NewEngine(debate.Config{Executor: exec}),
	})

	req := validRequest()
	req.ResearchDepth = 1
	req.NewsAnalyst = true

	id, err := a.Start(context.Background(), req)
	require.NoError(t, err)

	awaitStatus(t, a, id, StatusCompleted)

	res, err := a.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ModeDebate, res.Mode)
	assert.Equal(t, "buy", res.Recommendation)
	assert.NotEmpty(t, res.Steps)
	assert.Equal(t, "round_1", res.Steps[0].StepID)
	assert.Contains(t, res.Reasoning, "Debate of 3 participants")
}

func TestCancelAnalysis(t *testing.T) {
	release := make(chan struct{})
	exec := &scriptedExecutor{
		fn: func(kind agent.Kind, tc *agent.TaskContext) (*agent.TaskResult, error) {
			select {
			case <-release:
			case <-time.After(3 * time.Second):
			}
			return verdictResult(tc, kind, agent.RecommendHold, 0.5, nil), nil
		},
	}
	engine := workflow.NewEngine(workflow.Config{Executor: exec})
	a := newFastAnalyzer(Config{Executor: exec, Workflows: engine})

	req := validRequest()
	req.ResearchDepth = 3
	req.NewsAnalyst = true

	id, err := a.Start(context.Background(), req)
	require.NoError(t, err)
	awaitStatus(t, a, id, StatusRunning)

	require.NoError(t, a.Cancel(id))
	close(release)

	snap := awaitStatus(t, a, id, StatusCancelled)
	assert.Equal(t, StatusCancelled, snap.Status)

	_, err = a.Result(context.Background(), id)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	err = a.Cancel(id)
	assert.Equal(t, fault.KindDuplicate, fault.KindOf(err))
}

func TestWatchStreamsProgress(t *testing.T) {
	exec := &scriptedExecutor{
		fn: func(kind agent.Kind, tc *agent.TaskContext) (*agent.TaskResult, error) {
			return verdictResult(tc, kind, agent.RecommendBuy, 0.7, nil), nil
		},
	}
	a := newFastAnalyzer(Config{Executor: exec})

	req := validRequest()
	req.ResearchDepth = 1
	id, err := a.Start(context.Background(), req)
	require.NoError(t, err)

	ch, cancel, err := a.Watch(id)
	require.NoError(t, err)
	defer cancel()

	var updates []Progress
	for p := range ch {
		updates = append(updates, p)
	}
	require.NotEmpty(t, updates)

	last := -1.0
	for _, p := range updates {
		assert.GreaterOrEqual(t, p.ProgressPercentage, last, "progress never decreases")
		last = p.ProgressPercentage
	}
	final := updates[len(updates)-1]
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 100.0, final.ProgressPercentage)
}

func TestUnknownAnalysis(t *testing.T) {
	a := newFastAnalyzer(Config{Executor: &scriptedExecutor{}})

	_, err := a.Progress(context.Background(), "ghost")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	_, err = a.Result(context.Background(), "ghost")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	err = a.Cancel("ghost")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	_, _, err = a.Watch("ghost")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestProgressServedFromStoreAfterRestart(t *testing.T) {
	store := state.New(state.Config{})
	exec := &scriptedExecutor{
		fn: func(kind agent.Kind, tc *agent.TaskContext) (*agent.TaskResult, error) {
			return verdictResult(tc, kind, agent.RecommendSell, 0.6, nil), nil
		},
	}
	first := newFastAnalyzer(Config{Executor: exec, Store: store})

	req := validRequest()
	req.ResearchDepth = 1
	id, err := first.Start(context.Background(), req)
	require.NoError(t, err)
	awaitStatus(t, first, id, StatusCompleted)

	// A fresh analyzer sharing the store stands in for a restarted process
	second := newFastAnalyzer(Config{Executor: exec, Store: store})

	p, err := second.Progress(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)

	res, err := second.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "sell", res.Recommendation)

	_, _, err = second.Watch(id)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err), "streams only serve in-process analyses")
}

func TestCapabilities(t *testing.T) {
	exec := &scriptedExecutor{}

	bare := newFastAnalyzer(Config{Executor: exec})
	caps := bare.Capabilities()
	assert.True(t, caps["independent"])
	assert.True(t, caps["multi_agent"])
	assert.False(t, caps["workflow"])
	assert.False(t, caps["debate"])
	assert.True(t, caps["agent_service_available"])

	full := newFastAnalyzer(Config{
		Executor:  exec,
		Workflows: workflow.NewEngine(workflow.Config{Executor: exec}),
		Debates:   debate.NewEngine(debate.Config{Executor: exec}),
	})
	caps = full.Capabilities()
	assert.True(t, caps["workflow"])
	assert.True(t, caps["debate"])

	empty := newFastAnalyzer(Config{Executor: exec, Registry: registry.New(registry.Config{})})
	caps = empty.Capabilities()
	assert.False(t, caps["agent_service_available"])
	assert.False(t, caps["multi_agent"])
}

func TestMemoryEnrichmentAndStoreBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vec := make([]float32, memory.EmbeddingDim)
	vec[0] = 1
	caseID := uuid.New()
	caseVec := pgvector.NewVector(vec)
	created := time.Now().Add(-24 * time.Hour)

	recalled := pgxmock.NewRows([]string{
		"id", "symbol", "market", "task_name", "recommendation", "confidence", "risk_level",
		"reasoning", "summary", "embedding", "context",
		"review_count", "hit_count", "miss_count", "last_reviewed", "access_count",
		"created_at", "updated_at", "expires_at", "distance",
	}).AddRow(
		caseID, "AAPL", "US", "independent", "buy", 0.8, "medium",
		"Earnings beat.", "Apple Inc. (AAPL, US)", &caseVec, nil,
		2, 2, 0, nil, 1,
		created, created, nil, 0.04,
	)

	mock.ExpectQuery("ORDER BY embedding").
		WithArgs(pgxmock.AnyArg(), memoryRecallLimit, "AAPL").
		WillReturnRows(recalled)
	mock.ExpectExec("UPDATE analysis_cases").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO analysis_cases").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	exec := &scriptedExecutor{
		fn: func(kind agent.Kind, tc *agent.TaskContext) (*agent.TaskResult, error) {
			return verdictResult(tc, kind, agent.RecommendBuy, 0.85, nil), nil
		},
	}
	a := newFastAnalyzer(Config{
		Executor: exec,
		Memory:   memory.New(mock),
		LLM:      &fakeLLM{vec: vec},
	})

	req := validRequest()
	req.ResearchDepth = 1
	req.EnableMemory = true

	id, err := a.Start(context.Background(), req)
	require.NoError(t, err)
	awaitStatus(t, a, id, StatusCompleted)

	calls := exec.seen()
	require.Len(t, calls, 1)
	cases, ok := calls[0].Metadata[MemoryContextKey].([]*memory.Case)
	require.True(t, ok, "recalled cases ride the task metadata")
	require.Len(t, cases, 1)
	assert.Equal(t, caseID, cases[0].ID)
	assert.Equal(t, agent.RecommendBuy, cases[0].Recommendation)

	require.NoError(t, mock.ExpectationsWereMet())
}
