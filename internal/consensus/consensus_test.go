package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecouncil/council/internal/agent"
)

func successResult(id string, kind agent.Kind, rec agent.Recommendation, confidence float64) *agent.TaskResult {
	return &agent.TaskResult{
		TaskID:    id + "-task",
		AgentID:   id,
		AgentKind: kind,
		Status:    agent.TaskSuccess,
		Payload: agent.Verdict{
			Recommendation: rec,
			Confidence:     confidence,
			RiskLevel:      agent.RiskMedium,
		}.ToPayload(nil),
	}
}

func failedResult(id string, kind agent.Kind) *agent.TaskResult {
	return &agent.TaskResult{
		TaskID:    id + "-task",
		AgentID:   id,
		AgentKind: kind,
		Status:    agent.TaskError,
		Error:     "upstream timeout",
	}
}

func TestMajorityVote(t *testing.T) {
	e := NewEngine()

	results := map[string]*agent.TaskResult{
		"fund-1":   successResult("fund-1", agent.KindFundamentalsAnalyst, agent.RecommendBuy, 0.7),
		"market-1": successResult("market-1", agent.KindMarketAnalyst, agent.RecommendBuy, 0.7),
		"risk-1":   successResult("risk-1", agent.KindRiskManager, agent.RecommendSell, 0.7),
	}

	c := e.Compute(Majority, results)
	assert.Equal(t, agent.RecommendBuy, c.Recommendation)
	assert.InDelta(t, 2.0/3.0, c.Strength, 1e-9)
	assert.Equal(t, LevelModerate, c.Level)
	assert.Equal(t, []string{"fund-1", "market-1", "risk-1"}, c.Participants)
}

func TestMajorityTieBreaks(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name string
		recs []agent.Recommendation
		want agent.Recommendation
	}{
		{"sell beats hold", []agent.Recommendation{agent.RecommendSell, agent.RecommendHold}, agent.RecommendSell},
		{"sell beats buy", []agent.Recommendation{agent.RecommendSell, agent.RecommendBuy}, agent.RecommendSell},
		{"hold beats buy", []agent.Recommendation{agent.RecommendHold, agent.RecommendBuy}, agent.RecommendHold},
		{"three way tie resolves to hold", []agent.Recommendation{agent.RecommendBuy, agent.RecommendSell, agent.RecommendHold}, agent.RecommendHold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := make(map[string]*agent.TaskResult)
			for i, rec := range tt.recs {
				id := string(rune('a' + i))
				results[id] = successResult(id, agent.KindMarketAnalyst, rec, 0.7)
			}
			c := e.Compute(Majority, results)
			assert.Equal(t, tt.want, c.Recommendation)
			assert.InDelta(t, 1.0/float64(len(tt.recs)), c.Strength, 1e-9)
		})
	}
}

func TestWeightedVote(t *testing.T) {
	e := NewEngine()

	// research_manager (1.5) says sell; market (1.1) and news (0.9) say buy.
	// Buy carries 2.0 of 3.5 total weight.
	results := map[string]*agent.TaskResult{
		"rm-1":     successResult("rm-1", agent.KindResearchManager, agent.RecommendSell, 0.8),
		"market-1": successResult("market-1", agent.KindMarketAnalyst, agent.RecommendBuy, 0.8),
		"news-1":   successResult("news-1", agent.KindNewsAnalyst, agent.RecommendBuy, 0.8),
	}

	c := e.Compute(Weighted, results)
	assert.Equal(t, agent.RecommendBuy, c.Recommendation)
	assert.InDelta(t, 2.0/3.5, c.Strength, 1e-9)

	sums := c.Details["weight_sums"].(map[string]float64)
	assert.InDelta(t, 2.0, sums["buy"], 1e-9)
	assert.InDelta(t, 1.5, sums["sell"], 1e-9)
}

func TestWeightedVoteUnknownKindDefaultsToOne(t *testing.T) {
	e := NewEngine()

	// Two unweighted kinds against one risk_manager (1.3): buy wins 2.0 vs 1.3
	results := map[string]*agent.TaskResult{
		"bull-1": successResult("bull-1", agent.KindBullResearcher, agent.RecommendBuy, 0.6),
		"bear-1": successResult("bear-1", agent.KindBearResearcher, agent.RecommendBuy, 0.6),
		"risk-1": successResult("risk-1", agent.KindRiskManager, agent.RecommendSell, 0.6),
	}

	c := e.Compute(Weighted, results)
	assert.Equal(t, agent.RecommendBuy, c.Recommendation)
	assert.InDelta(t, 2.0/3.3, c.Strength, 1e-9)
}

func TestConfidenceWeightedVote(t *testing.T) {
	e := NewEngine()

	results := map[string]*agent.TaskResult{
		"a": successResult("a", agent.KindMarketAnalyst, agent.RecommendBuy, 0.9),
		"b": successResult("b", agent.KindNewsAnalyst, agent.RecommendBuy, 0.7),
		"c": successResult("c", agent.KindRiskManager, agent.RecommendSell, 0.4),
	}

	c := e.Compute(ConfidenceWeighted, results)
	assert.Equal(t, agent.RecommendBuy, c.Recommendation)
	assert.InDelta(t, 1.6/2.0, c.Strength, 1e-9)
	assert.InDelta(t, (0.9+0.7+0.4)/3.0, c.MeanConfidence, 1e-9)

	details := c.Details
	assert.InDelta(t, (0.9+0.7+0.4)/3.0, details["mean_confidence"].(float64), 1e-9)
}

func TestConfidenceWeightedAllZero(t *testing.T) {
	e := NewEngine()

	results := map[string]*agent.TaskResult{
		"a": successResult("a", agent.KindMarketAnalyst, agent.RecommendBuy, 0),
		"b": successResult("b", agent.KindNewsAnalyst, agent.RecommendSell, 0),
	}

	c := e.Compute(ConfidenceWeighted, results)
	assert.Equal(t, agent.RecommendHold, c.Recommendation)
	assert.Zero(t, c.Strength)
	assert.Equal(t, LevelNoConsensus, c.Level)
}

func TestExpertPriority(t *testing.T) {
	e := NewEngine()

	// research_manager outranks everyone; nobody else agrees with it
	results := map[string]*agent.TaskResult{
		"rm-1":     successResult("rm-1", agent.KindResearchManager, agent.RecommendSell, 0.6),
		"market-1": successResult("market-1", agent.KindMarketAnalyst, agent.RecommendBuy, 0.9),
		"trader-1": successResult("trader-1", agent.KindTrader, agent.RecommendBuy, 0.8),
	}

	c := e.Compute(ExpertPriority, results)
	assert.Equal(t, agent.RecommendSell, c.Recommendation)
	assert.InDelta(t, 0.6, c.Strength, 1e-9)
	assert.Equal(t, LevelModerate, c.Level)
	assert.Equal(t, "rm-1", c.Details["expert_agent_id"])
	assert.Equal(t, "research_manager", c.Details["expert_kind"])
	assert.Zero(t, c.Details["expert_support_ratio"].(float64))
}

func TestExpertPrioritySupportRatio(t *testing.T) {
	e := NewEngine()

	results := map[string]*agent.TaskResult{
		"risk-1":   successResult("risk-1", agent.KindRiskManager, agent.RecommendHold, 0.7),
		"market-1": successResult("market-1", agent.KindMarketAnalyst, agent.RecommendHold, 0.9),
		"news-1":   successResult("news-1", agent.KindNewsAnalyst, agent.RecommendBuy, 0.8),
	}

	c := e.Compute(ExpertPriority, results)
	assert.Equal(t, agent.RecommendHold, c.Recommendation)
	assert.InDelta(t, 0.7, c.Strength, 1e-9)
	assert.InDelta(t, 0.5, c.Details["expert_support_ratio"].(float64), 1e-9)
}

func TestExpertPriorityUnrankedKinds(t *testing.T) {
	e := NewEngine()

	// No ranked kind present: the first agent in id order acts as expert
	results := map[string]*agent.TaskResult{
		"bull-1": successResult("bull-1", agent.KindBullResearcher, agent.RecommendBuy, 0.8),
		"bear-1": successResult("bear-1", agent.KindBearResearcher, agent.RecommendSell, 0.9),
	}

	c := e.Compute(ExpertPriority, results)
	assert.Equal(t, agent.RecommendSell, c.Recommendation)
	assert.Equal(t, "bear-1", c.Details["expert_agent_id"])
}

func TestHybridArithmetic(t *testing.T) {
	e := NewEngine()

	// research_manager buy 0.9, trader sell 0.5:
	//   majority:   1-1 tie -> sell (conservative), strength 0.5
	//   weighted:   buy 1.5 vs sell 1.0 -> buy, strength 0.6
	//   confidence: buy 0.9 vs sell 0.5 -> buy, strength 0.9/1.4
	//   expert:     research_manager -> buy, strength 0.9
	results := map[string]*agent.TaskResult{
		"rm-1":     successResult("rm-1", agent.KindResearchManager, agent.RecommendBuy, 0.9),
		"trader-1": successResult("trader-1", agent.KindTrader, agent.RecommendSell, 0.5),
	}

	c := e.Compute(Hybrid, results)
	assert.Equal(t, agent.RecommendBuy, c.Recommendation)

	want := 0.2*0.5 + 0.3*0.6 + 0.3*(0.9/1.4) + 0.2*0.9
	assert.InDelta(t, want, c.Strength, 1e-9)
	assert.InDelta(t, 0.75, c.Details["method_agreement"].(float64), 1e-9)

	breakdown := c.Details["breakdown"].(map[string]any)
	require.Len(t, breakdown, 4)
	majority := breakdown["majority"].(map[string]any)
	assert.Equal(t, "sell", majority["recommendation"])
	assert.InDelta(t, 0.5, majority["strength"].(float64), 1e-9)
}

func TestHybridUnanimous(t *testing.T) {
	e := NewEngine()

	results := map[string]*agent.TaskResult{
		"fund-1":   successResult("fund-1", agent.KindFundamentalsAnalyst, agent.RecommendBuy, 0.8),
		"market-1": successResult("market-1", agent.KindMarketAnalyst, agent.RecommendBuy, 0.9),
	}

	c := e.Compute(Hybrid, results)
	assert.Equal(t, agent.RecommendBuy, c.Recommendation)
	assert.InDelta(t, 1.0, c.Details["method_agreement"].(float64), 1e-9)
	// Majority, weighted and confidence are unanimous at 1.0; expert
	// contributes the fundamentals analyst's own confidence.
	want := 0.2*1.0 + 0.3*1.0 + 0.3*1.0 + 0.2*0.8
	assert.InDelta(t, want, c.Strength, 1e-9)
	assert.Equal(t, LevelStrong, c.Level)
}

func TestComputeEmptyResults(t *testing.T) {
	e := NewEngine()

	for _, method := range AllMethods() {
		c := e.Compute(method, nil)
		assert.Equal(t, agent.RecommendHold, c.Recommendation, string(method))
		assert.Zero(t, c.Strength, string(method))
		assert.Equal(t, LevelNoConsensus, c.Level, string(method))
		assert.Empty(t, c.Participants, string(method))
	}
}

func TestComputeAllFailed(t *testing.T) {
	e := NewEngine()

	results := map[string]*agent.TaskResult{
		"a": failedResult("a", agent.KindMarketAnalyst),
		"b": failedResult("b", agent.KindNewsAnalyst),
	}

	c := e.Compute(Majority, results)
	assert.Equal(t, agent.RecommendHold, c.Recommendation)
	assert.Zero(t, c.Strength)
	assert.Equal(t, LevelNoConsensus, c.Level)
	assert.Empty(t, c.Participants)
}

func TestComputeSkipsFailedResults(t *testing.T) {
	e := NewEngine()

	results := map[string]*agent.TaskResult{
		"a": successResult("a", agent.KindMarketAnalyst, agent.RecommendSell, 0.9),
		"b": failedResult("b", agent.KindNewsAnalyst),
	}

	c := e.Compute(Majority, results)
	assert.Equal(t, agent.RecommendSell, c.Recommendation)
	assert.InDelta(t, 1.0, c.Strength, 1e-9)
	assert.Equal(t, []string{"a"}, c.Participants)
}

func TestStrengthLevels(t *testing.T) {
	tests := []struct {
		strength float64
		want     Level
	}{
		{0.95, LevelStrong},
		{0.8, LevelStrong},
		{0.79, LevelModerate},
		{0.6, LevelModerate},
		{0.59, LevelWeak},
		{0.4, LevelWeak},
		{0.39, LevelNoConsensus},
		{0, LevelNoConsensus},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, levelFor(tt.strength), "strength %.2f", tt.strength)
	}
}

func TestRiskAggregation(t *testing.T) {
	e := NewEngine()

	lowRisk := successResult("a", agent.KindMarketAnalyst, agent.RecommendBuy, 0.8)
	lowRisk.Payload = agent.Verdict{
		Recommendation: agent.RecommendBuy, Confidence: 0.8, RiskLevel: agent.RiskLow,
	}.ToPayload(nil)
	highRisk := successResult("b", agent.KindRiskManager, agent.RecommendBuy, 0.8)
	highRisk.Payload = agent.Verdict{
		Recommendation: agent.RecommendBuy, Confidence: 0.8, RiskLevel: agent.RiskHigh,
	}.ToPayload(nil)

	// Mean of {1, 3} = 2 -> medium
	c := e.Compute(Majority, map[string]*agent.TaskResult{"a": lowRisk, "b": highRisk})
	assert.Equal(t, agent.RiskMedium, c.RiskLevel)

	// Mean of {1, 1} = 1 -> low
	lowRisk2 := successResult("c", agent.KindNewsAnalyst, agent.RecommendBuy, 0.8)
	lowRisk2.Payload = agent.Verdict{
		Recommendation: agent.RecommendBuy, Confidence: 0.8, RiskLevel: agent.RiskLow,
	}.ToPayload(nil)
	c = e.Compute(Majority, map[string]*agent.TaskResult{"a": lowRisk, "c": lowRisk2})
	assert.Equal(t, agent.RiskLow, c.RiskLevel)
}

func TestKeyFactorAggregation(t *testing.T) {
	e := NewEngine()

	mk := func(id string, factors ...string) *agent.TaskResult {
		r := successResult(id, agent.KindMarketAnalyst, agent.RecommendBuy, 0.8)
		r.Payload = agent.Verdict{
			Recommendation: agent.RecommendBuy,
			Confidence:     0.8,
			RiskLevel:      agent.RiskMedium,
			KeyFactors:     factors,
		}.ToPayload(nil)
		return r
	}

	results := map[string]*agent.TaskResult{
		"a": mk("a", "strong earnings", "sector momentum"),
		"b": mk("b", "strong earnings", "cheap valuation"),
		"c": mk("c", "strong earnings", "sector momentum", "low debt"),
	}

	c := e.Compute(Majority, results)
	require.NotEmpty(t, c.KeyFactors)
	assert.Equal(t, "strong earnings", c.KeyFactors[0])
	assert.Equal(t, "sector momentum", c.KeyFactors[1])
	assert.Len(t, c.KeyFactors, 4)
}

func TestKeyFactorsCappedAtTen(t *testing.T) {
	e := NewEngine()

	results := make(map[string]*agent.TaskResult)
	factors := []string{"f01", "f02", "f03", "f04", "f05"}
	for _, id := range []string{"a", "b", "c"} {
		r := successResult(id, agent.KindMarketAnalyst, agent.RecommendBuy, 0.8)
		ownFactors := make([]string, len(factors))
		for j, f := range factors {
			ownFactors[j] = f + "-" + id
		}
		r.Payload = agent.Verdict{
			Recommendation: agent.RecommendBuy,
			Confidence:     0.8,
			RiskLevel:      agent.RiskMedium,
			KeyFactors:     ownFactors,
		}.ToPayload(nil)
		results[id] = r
	}

	c := e.Compute(Majority, results)
	assert.Len(t, c.KeyFactors, 10)
}

func TestProbedPayloadFallback(t *testing.T) {
	e := NewEngine()

	// Results from outside the built-in fleet carry loose fields instead
	// of a typed verdict
	results := map[string]*agent.TaskResult{
		"ext-1": {
			AgentID:   "ext-1",
			AgentKind: agent.KindMarketAnalyst,
			Status:    agent.TaskSuccess,
			Payload: map[string]any{
				"trading_signal":   "buy",
				"confidence_score": 0.9,
			},
		},
		"ext-2": {
			AgentID:   "ext-2",
			AgentKind: agent.KindNewsAnalyst,
			Status:    agent.TaskSuccess,
			Payload: map[string]any{
				"investment_recommendation": map[string]any{
					"recommendation": "buy",
					"confidence":     "high",
				},
				"confidence": "high",
			},
		},
	}

	c := e.Compute(ConfidenceWeighted, results)
	assert.Equal(t, agent.RecommendBuy, c.Recommendation)
	assert.InDelta(t, 1.0, c.Strength, 1e-9)
	assert.InDelta(t, (0.9+0.8)/2, c.MeanConfidence, 1e-9)
}

func TestCustomWeights(t *testing.T) {
	e := NewEngineWithConfig(Config{
		Weights: map[agent.Kind]float64{
			agent.KindNewsAnalyst: 5.0,
		},
	})

	results := map[string]*agent.TaskResult{
		"news-1":   successResult("news-1", agent.KindNewsAnalyst, agent.RecommendSell, 0.8),
		"market-1": successResult("market-1", agent.KindMarketAnalyst, agent.RecommendBuy, 0.8),
	}

	c := e.Compute(Weighted, results)
	assert.Equal(t, agent.RecommendSell, c.Recommendation)
	assert.InDelta(t, 5.0/6.0, c.Strength, 1e-9)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("hybrid")
	require.NoError(t, err)
	assert.Equal(t, Hybrid, m)

	_, err = ParseMethod("coin_flip")
	assert.Error(t, err)
}
