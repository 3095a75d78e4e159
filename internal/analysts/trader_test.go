package analysts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/dataservice"
)

func TestTraderHoldsWithoutInputs(t *testing.T) {
	a := NewTrader(Config{})
	tc := agent.NewTaskContext("quick_decision", "600519", agent.MarketCNA)

	payload, err := a.ProcessTask(context.Background(), tc)
	require.NoError(t, err)

	v := payloadVerdict(t, payload)
	assert.Equal(t, agent.RecommendHold, v.Recommendation)
	_, hasTarget := payload["target_price"]
	assert.False(t, hasTarget)
}

func TestTraderComputesBuyTarget(t *testing.T) {
	data := &fakeData{quote: &dataservice.MarketData{Symbol: "600519", Price: 100}}
	a := NewTrader(Config{Data: data})
	tc := agent.NewTaskContext("final_decision", "600519", agent.MarketCNA)
	tc.Metadata["results.management_review"] = map[string]any{
		"research_manager": verdictPayload(agent.RecommendBuy, 0.8, agent.RiskMedium),
	}

	payload, err := a.ProcessTask(context.Background(), tc)
	require.NoError(t, err)

	v := payloadVerdict(t, payload)
	require.Equal(t, agent.RecommendBuy, v.Recommendation)
	// Sole input carries the whole vote, so the move uses the full cap.
	assert.InDelta(t, 110.0, payload["target_price"], 1e-9)
	assert.InDelta(t, 100.0, payload["last_price"], 1e-9)
}

func TestTraderComputesSellTarget(t *testing.T) {
	data := &fakeData{quote: &dataservice.MarketData{Symbol: "AAPL", Price: 100}}
	a := NewTrader(Config{Data: data})
	tc := agent.NewTaskContext("final_decision", "AAPL", agent.MarketUS)
	tc.Metadata["results.management_review"] = map[string]any{
		"research_manager": verdictPayload(agent.RecommendSell, 0.6, agent.RiskMedium),
		"risk_manager":     verdictPayload(agent.RecommendHold, 0.2, agent.RiskMedium),
	}

	payload, err := a.ProcessTask(context.Background(), tc)
	require.NoError(t, err)

	v := payloadVerdict(t, payload)
	require.Equal(t, agent.RecommendSell, v.Recommendation)
	assert.InDelta(t, 0.75, v.Confidence, 1e-9)
	assert.InDelta(t, 92.5, payload["target_price"], 1e-9)
}

func TestTraderUsesModelTargetOnCorrectSide(t *testing.T) {
	data := &fakeData{quote: &dataservice.MarketData{Symbol: "600519", Price: 100}}
	model := &fakeLLM{reply: `{"recommendation":"buy","confidence":0.7,"risk_level":"medium","reasoning":"r","key_factors":[],"target_price":112.345}`}
	a := NewTrader(Config{Data: data, LLM: model})
	tc := agent.NewTaskContext("final_decision", "600519", agent.MarketCNA)
	tc.Metadata["results.management_review"] = map[string]any{
		"research_manager": verdictPayload(agent.RecommendBuy, 0.8, agent.RiskMedium),
	}

	payload, err := a.ProcessTask(context.Background(), tc)
	require.NoError(t, err)
	assert.InDelta(t, 112.35, payload["target_price"], 1e-9)
	assert.Contains(t, model.lastCall().user, "Last price: 100.00")
}

func TestTraderRejectsWrongSideModelTarget(t *testing.T) {
	data := &fakeData{quote: &dataservice.MarketData{Symbol: "600519", Price: 100}}
	model := &fakeLLM{reply: `{"recommendation":"buy","confidence":0.5,"risk_level":"medium","reasoning":"r","key_factors":[],"target_price":90}`}
	a := NewTrader(Config{Data: data, LLM: model})
	tc := agent.NewTaskContext("final_decision", "600519", agent.MarketCNA)
	tc.Metadata["results.management_review"] = map[string]any{
		"research_manager": verdictPayload(agent.RecommendBuy, 0.8, agent.RiskMedium),
	}

	payload, err := a.ProcessTask(context.Background(), tc)
	require.NoError(t, err)
	// A buy target below the last price gets recomputed from conviction.
	assert.InDelta(t, 105.0, payload["target_price"], 1e-9)
}

func TestTraderSkipsTargetWithoutQuote(t *testing.T) {
	a := NewTrader(Config{})
	tc := agent.NewTaskContext("final_decision", "600519", agent.MarketCNA)
	tc.Metadata["results.management_review"] = map[string]any{
		"research_manager": verdictPayload(agent.RecommendBuy, 0.9, agent.RiskMedium),
	}

	payload, err := a.ProcessTask(context.Background(), tc)
	require.NoError(t, err)

	v := payloadVerdict(t, payload)
	assert.Equal(t, agent.RecommendBuy, v.Recommendation)
	_, hasTarget := payload["target_price"]
	assert.False(t, hasTarget)
}
