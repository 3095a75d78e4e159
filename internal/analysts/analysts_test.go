package analysts

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/dataservice"
	"github.com/tradecouncil/council/internal/fault"
	"github.com/tradecouncil/council/internal/llm"
)

type llmCall struct {
	system string
	user   string
}

// fakeLLM answers every prompt with one canned reply and records what
// it was asked.
type fakeLLM struct {
	mu    sync.Mutex
	reply string
	err   error
	calls []llmCall
}

func (f *fakeLLM) Generate(ctx context.Context, messages []llm.Message) (*llm.Completion, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Content: f.reply, Model: "fake"}, nil
}

func (f *fakeLLM) GenerateWithSystem(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, llmCall{system: system, user: user})
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLLM) lastCall() llmCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// fakeData serves whatever fixtures the test sets and a not-found
// fault for the rest.
type fakeData struct {
	quote       *dataservice.MarketData
	history     *dataservice.PriceHistory
	financials  *dataservice.Financials
	company     *dataservice.CompanyInfo
	newsItems   []dataservice.NewsItem
	sentiment   *dataservice.SentimentSummary
	err         error
	quoteCalls  int
	historyDays int
}

func (f *fakeData) MarketData(ctx context.Context, symbol string, market agent.Market) (*dataservice.MarketData, error) {
	f.quoteCalls++
	if f.err != nil {
		return nil, f.err
	}
	if f.quote == nil {
		return nil, fault.Newf(fault.KindNotFound, "no quote for %s", symbol)
	}
	return f.quote, nil
}

func (f *fakeData) PriceHistory(ctx context.Context, symbol string, market agent.Market, days int) (*dataservice.PriceHistory, error) {
	f.historyDays = days
	if f.err != nil {
		return nil, f.err
	}
	if f.history == nil {
		return nil, fault.Newf(fault.KindNotFound, "no history for %s", symbol)
	}
	return f.history, nil
}

func (f *fakeData) Financials(ctx context.Context, symbol string, market agent.Market) (*dataservice.Financials, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.financials == nil {
		return nil, fault.Newf(fault.KindNotFound, "no financials for %s", symbol)
	}
	return f.financials, nil
}

func (f *fakeData) CompanyInfo(ctx context.Context, symbol string, market agent.Market) (*dataservice.CompanyInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.company == nil {
		return nil, fault.Newf(fault.KindNotFound, "no profile for %s", symbol)
	}
	return f.company, nil
}

func (f *fakeData) News(ctx context.Context, symbol string, market agent.Market, limit int) ([]dataservice.NewsItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.newsItems, nil
}

func (f *fakeData) Sentiment(ctx context.Context, symbol string, market agent.Market) (*dataservice.SentimentSummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.sentiment == nil {
		return nil, fault.Newf(fault.KindNotFound, "no sentiment for %s", symbol)
	}
	return f.sentiment, nil
}

func verdictPayload(rec agent.Recommendation, conf float64, risk agent.RiskLevel) map[string]any {
	v := agent.Verdict{Recommendation: rec, Confidence: conf, RiskLevel: risk, Reasoning: "fixture"}
	return v.ToPayload(nil)
}

func payloadVerdict(t *testing.T, payload map[string]any) agent.Verdict {
	t.Helper()
	require.NotNil(t, payload)
	return agent.VerdictFromResult(&agent.TaskResult{Status: agent.TaskSuccess, Payload: payload})
}

func TestFleetCoversEveryKind(t *testing.T) {
	fleet := NewFleet(Config{})
	require.Len(t, fleet, 12)

	byKind := make(map[agent.Kind]agent.Agent, len(fleet))
	ids := make(map[string]bool, len(fleet))
	for _, ag := range fleet {
		require.False(t, ids[ag.ID()], "duplicate agent id %s", ag.ID())
		ids[ag.ID()] = true
		require.NotEmpty(t, ag.Capabilities(), "%s advertises no capabilities", ag.Kind())
		byKind[ag.Kind()] = ag
	}
	require.Len(t, byKind, 12)
}

func TestFleetCapabilitiesCoverBuiltinTasks(t *testing.T) {
	fleet := NewFleet(Config{})
	byKind := make(map[agent.Kind]agent.Agent, len(fleet))
	for _, ag := range fleet {
		byKind[ag.Kind()] = ag
	}

	// Every builtin workflow step and debate phase must land on a
	// capability of the kind that runs it.
	routes := map[agent.Kind][]string{
		agent.KindMarketAnalyst:       {"technical_analysis", "data_preparation", "parallel_analysis", "market_analysis"},
		agent.KindFundamentalsAnalyst: {"parallel_analysis", "fundamentals_analysis"},
		agent.KindNewsAnalyst:         {"parallel_analysis", "news_analysis"},
		agent.KindSocialMediaAnalyst:  {"sentiment_analysis"},
		agent.KindBullResearcher:      {"research_debate", "debate_position", "debate_argument", "debate_rebuttal"},
		agent.KindBearResearcher:      {"research_debate", "debate_position", "debate_argument", "debate_rebuttal"},
		agent.KindRiskyDebator:        {"risk_assessment", "debate_argument"},
		agent.KindSafeDebator:         {"risk_assessment", "debate_rebuttal"},
		agent.KindNeutralDebator:      {"risk_assessment", "debate_position"},
		agent.KindResearchManager:     {"management_review"},
		agent.KindRiskManager:         {"management_review", "risk_check"},
		agent.KindTrader:              {"final_decision", "quick_decision"},
	}
	for kind, tasks := range routes {
		ag := byKind[kind]
		require.NotNil(t, ag, "kind %s missing from fleet", kind)
		for _, task := range tasks {
			matched := false
			for _, c := range ag.Capabilities() {
				if c.Matches(task, agent.MarketCNA) {
					matched = true
					break
				}
			}
			assert.True(t, matched, "%s has no capability matching %s", kind, task)
		}
	}
}

func TestFleetCapabilitiesCoverAllMarkets(t *testing.T) {
	for _, ag := range NewFleet(Config{}) {
		for _, c := range ag.Capabilities() {
			for _, market := range []agent.Market{agent.MarketCNA, agent.MarketUS, agent.MarketHK} {
				assert.True(t, c.Matches(c.Name, market), "%s capability %s rejects %s", ag.Kind(), c.Name, market)
			}
		}
	}
}

func TestDataAnalystsReportUnhealthyWithoutData(t *testing.T) {
	ctx := context.Background()
	for _, ag := range []agent.Agent{
		NewMarketAnalyst(Config{}),
		NewFundamentalsAnalyst(Config{}),
		NewNewsAnalyst(Config{}),
		NewSocialMediaAnalyst(Config{}),
	} {
		err := ag.HealthCheck(ctx)
		require.Error(t, err, "%s should be unhealthy without a data service", ag.Kind())
		assert.True(t, fault.IsKind(err, fault.KindAgentUnavailable))
	}

	for _, ag := range []agent.Agent{
		NewBullResearcher(Config{}),
		NewResearchManager(Config{}),
		NewTrader(Config{}),
	} {
		assert.NoError(t, ag.HealthCheck(ctx), "%s runs on fallbacks and should stay healthy", ag.Kind())
	}
}

func TestSocialAnalystMapsSentiment(t *testing.T) {
	data := &fakeData{sentiment: &dataservice.SentimentSummary{
		Symbol: "600519", Score: 0.62, Mentions: 120, Positive: 80, Negative: 15, Neutral: 25,
	}}
	a := NewSocialMediaAnalyst(Config{Data: data})
	tc := agent.NewTaskContext("sentiment_analysis", "600519", agent.MarketCNA)

	payload, err := a.ProcessTask(context.Background(), tc)
	require.NoError(t, err)

	v := payloadVerdict(t, payload)
	assert.Equal(t, agent.RecommendBuy, v.Recommendation)
	assert.Equal(t, agent.RiskHigh, v.RiskLevel)
	assert.InDelta(t, 0.71, v.Confidence, 1e-9)
	assert.Equal(t, 120, payload["mentions"])
}

func TestSocialAnalystDampsThinFeeds(t *testing.T) {
	data := &fakeData{sentiment: &dataservice.SentimentSummary{Symbol: "AAPL", Score: -0.4, Mentions: 4}}
	a := NewSocialMediaAnalyst(Config{Data: data})
	tc := agent.NewTaskContext("sentiment_analysis", "AAPL", agent.MarketUS)

	payload, err := a.ProcessTask(context.Background(), tc)
	require.NoError(t, err)

	v := payloadVerdict(t, payload)
	assert.Equal(t, agent.RecommendSell, v.Recommendation)
	assert.InDelta(t, 0.36, v.Confidence, 1e-9)
	assert.Equal(t, agent.RiskMedium, v.RiskLevel)
}

func TestNewsAnalystFallbackHolds(t *testing.T) {
	data := &fakeData{newsItems: []dataservice.NewsItem{
		{Title: "Quarterly results beat estimates", Source: "exchange"},
		{Title: "Regulator opens routine review", Source: "wire"},
	}}
	a := NewNewsAnalyst(Config{Data: data})
	tc := agent.NewTaskContext("news_analysis", "0700", agent.MarketHK)

	payload, err := a.ProcessTask(context.Background(), tc)
	require.NoError(t, err)

	v := payloadVerdict(t, payload)
	assert.Equal(t, agent.RecommendHold, v.Recommendation)
	assert.Equal(t, 2, payload["article_count"])
	headlines, ok := payload["headlines"].([]string)
	require.True(t, ok)
	assert.Len(t, headlines, 2)
}

func TestNewsAnalystUsesModelWhenConfigured(t *testing.T) {
	data := &fakeData{newsItems: []dataservice.NewsItem{{Title: "Major contract win announced", Source: "wire", Summary: "Largest order in company history"}}}
	model := &fakeLLM{reply: `{"recommendation":"buy","confidence":0.72,"risk_level":"low","reasoning":"Material catalyst.","key_factors":["contract win"]}`}
	a := NewNewsAnalyst(Config{Data: data, LLM: model})
	tc := agent.NewTaskContext("news_analysis", "600519", agent.MarketCNA)

	payload, err := a.ProcessTask(context.Background(), tc)
	require.NoError(t, err)

	v := payloadVerdict(t, payload)
	assert.Equal(t, agent.RecommendBuy, v.Recommendation)
	assert.InDelta(t, 0.72, v.Confidence, 1e-9)
	require.Equal(t, 1, model.callCount())
	assert.Contains(t, model.lastCall().user, "Major contract win")
	assert.Contains(t, model.lastCall().system, "news analyst")
}

func TestFundamentalsHeuristicScoresRatios(t *testing.T) {
	fin := &dataservice.Financials{
		Symbol:          "600519",
		IncomeStatement: map[string]any{"revenue": 1000.0, "net_income": 250.0},
		BalanceSheet:    map[string]any{"total_assets": 2000.0, "total_liabilities": 500.0},
		CashFlow:        map[string]any{"operating_cash_flow": 300.0},
	}
	v := fundamentalsHeuristic(fin)
	assert.Equal(t, agent.RecommendBuy, v.Recommendation)
	assert.Equal(t, agent.RiskLow, v.RiskLevel)
	assert.InDelta(t, 0.8, v.Confidence, 1e-9)
	assert.Len(t, v.KeyFactors, 3)
}

func TestFundamentalsHeuristicFlagsStress(t *testing.T) {
	fin := &dataservice.Financials{
		IncomeStatement: map[string]any{"revenue": 1000.0, "net_income": 10.0},
		BalanceSheet:    map[string]any{"total_assets": 1000.0, "total_liabilities": 850.0},
		CashFlow:        map[string]any{"operating_cash_flow": -40.0},
	}
	v := fundamentalsHeuristic(fin)
	assert.Equal(t, agent.RecommendSell, v.Recommendation)
	assert.Equal(t, agent.RiskHigh, v.RiskLevel)
}

func TestFundamentalsHeuristicWithoutFigures(t *testing.T) {
	v := fundamentalsHeuristic(&dataservice.Financials{
		IncomeStatement: map[string]any{"narrative": "strong quarter"},
	})
	assert.Equal(t, agent.RecommendHold, v.Recommendation)
	assert.InDelta(t, 0.3, v.Confidence, 1e-9)
}

func TestFundamentalsAnalystSurvivesMissingProfile(t *testing.T) {
	data := &fakeData{financials: &dataservice.Financials{
		IncomeStatement: map[string]any{"revenue": 100.0, "net_income": 20.0},
		BalanceSheet:    map[string]any{"total_assets": 400.0, "total_liabilities": 100.0},
		CashFlow:        map[string]any{"operating_cash_flow": 25.0},
		ReportDate:      "2026-06-30",
	}}
	a := NewFundamentalsAnalyst(Config{Data: data})
	tc := agent.NewTaskContext("parallel_analysis", "600519", agent.MarketCNA)

	payload, err := a.ProcessTask(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, "2026-06-30", payload["report_date"])
	_, hasIndustry := payload["industry"]
	assert.False(t, hasIndustry)
	v := payloadVerdict(t, payload)
	assert.Equal(t, agent.RecommendBuy, v.Recommendation)
}
