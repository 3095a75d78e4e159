package analysts

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/dataservice"
	"github.com/tradecouncil/council/internal/fault"
)

func oscillatingCloses(n int) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + 5*math.Sin(float64(i)/5)
	}
	return closes
}

func TestComputeIndicatorsProducesCoherentSet(t *testing.T) {
	closes := oscillatingCloses(80)
	ind := computeIndicators(closes)

	assert.Equal(t, closes[len(closes)-1], ind.Price)
	assert.GreaterOrEqual(t, ind.RSI, 0.0)
	assert.LessOrEqual(t, ind.RSI, 100.0)
	assert.InDelta(t, ind.MACD-ind.MACDSignal, ind.Histogram, 1e-12)
	assert.Greater(t, ind.EMAFast, 0.0)
	assert.Greater(t, ind.EMASlow, 0.0)
	require.Greater(t, ind.BollMiddle, 0.0)
	assert.Less(t, ind.BollLower, ind.BollMiddle)
	assert.Less(t, ind.BollMiddle, ind.BollUpper)
}

func TestSignalStrongBuySetup(t *testing.T) {
	ind := &indicatorSet{
		Price: 9.8, RSI: 15,
		MACD: 0.5, MACDSignal: 0.1, Histogram: 0.4, PrevHistogram: -0.1,
		BollLower: 10, BollMiddle: 10.5, BollUpper: 11,
		EMAFast: 10.2, EMASlow: 10.0,
	}
	v := ind.signal()

	assert.Equal(t, agent.RecommendBuy, v.Recommendation)
	assert.InDelta(t, 0.93, v.Confidence, 1e-9)
	assert.Equal(t, agent.RiskHigh, v.RiskLevel)
	require.Len(t, v.KeyFactors, 4)
	assert.Equal(t, "RSI 15.0 oversold", v.KeyFactors[0])
	assert.Equal(t, "MACD bullish crossover", v.KeyFactors[1])
}

func TestSignalOverboughtSellSetup(t *testing.T) {
	ind := &indicatorSet{
		Price: 11.2, RSI: 85,
		MACD: -0.5, MACDSignal: -0.2, Histogram: -0.3, PrevHistogram: -0.2,
		BollLower: 10, BollMiddle: 10.5, BollUpper: 11,
		EMAFast: 10.0, EMASlow: 10.4,
	}
	v := ind.signal()

	assert.Equal(t, agent.RecommendSell, v.Recommendation)
	assert.InDelta(t, 0.876, v.Confidence, 1e-9)
	assert.Contains(t, v.KeyFactors, "RSI 85.0 overbought")
	assert.Contains(t, v.KeyFactors, "MACD below signal line")
}

func TestSignalQuietTapeHolds(t *testing.T) {
	ind := &indicatorSet{
		Price: 100, RSI: 50,
		BollLower: 99, BollMiddle: 100, BollUpper: 101,
		EMAFast: 100, EMASlow: 100,
	}
	v := ind.signal()

	assert.Equal(t, agent.RecommendHold, v.Recommendation)
	assert.InDelta(t, 0.5, v.Confidence, 1e-9)
	assert.Equal(t, agent.RiskLow, v.RiskLevel)
}

func TestSignalConflictingReadsHold(t *testing.T) {
	ind := &indicatorSet{
		Price: 100, RSI: 25,
		Histogram: -0.2, PrevHistogram: -0.3,
		EMAFast: 99, EMASlow: 100,
	}
	v := ind.signal()

	assert.Equal(t, agent.RecommendHold, v.Recommendation)
	assert.Equal(t, agent.RiskMedium, v.RiskLevel)
}

func TestMarketAnalystIndicatorFallback(t *testing.T) {
	data := &fakeData{history: &dataservice.PriceHistory{Symbol: "600519", ClosePrices: oscillatingCloses(80)}}
	a := NewMarketAnalyst(Config{Data: data})
	tc := agent.NewTaskContext("technical_analysis", "600519", agent.MarketCNA)

	payload, err := a.ProcessTask(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, historyDays, data.historyDays)

	indicators, ok := payload["indicators"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, data.history.ClosePrices[79], indicators["price"])

	v := payloadVerdict(t, payload)
	assert.NotEmpty(t, v.Reasoning)
}

func TestMarketAnalystRejectsShortHistory(t *testing.T) {
	data := &fakeData{history: &dataservice.PriceHistory{Symbol: "600519", ClosePrices: oscillatingCloses(10)}}
	a := NewMarketAnalyst(Config{Data: data})
	tc := agent.NewTaskContext("technical_analysis", "600519", agent.MarketCNA)

	_, err := a.ProcessTask(context.Background(), tc)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindInvalid))
}

func TestMarketAnalystNeedsDataService(t *testing.T) {
	a := NewMarketAnalyst(Config{})
	tc := agent.NewTaskContext("technical_analysis", "600519", agent.MarketCNA)

	_, err := a.ProcessTask(context.Background(), tc)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindAgentUnavailable))
}

func TestMarketAnalystModelOverrules(t *testing.T) {
	data := &fakeData{history: &dataservice.PriceHistory{Symbol: "AAPL", ClosePrices: oscillatingCloses(80)}}
	model := &fakeLLM{reply: `{"recommendation":"sell","confidence":0.83,"risk_level":"high","reasoning":"Momentum is rolling over.","key_factors":["bearish divergence"]}`}
	a := NewMarketAnalyst(Config{Data: data, LLM: model})
	tc := agent.NewTaskContext("technical_analysis", "AAPL", agent.MarketUS)

	payload, err := a.ProcessTask(context.Background(), tc)
	require.NoError(t, err)

	v := payloadVerdict(t, payload)
	assert.Equal(t, agent.RecommendSell, v.Recommendation)
	assert.InDelta(t, 0.83, v.Confidence, 1e-9)

	require.Equal(t, 1, model.callCount())
	assert.Contains(t, model.lastCall().user, "rsi_14")
	assert.Contains(t, model.lastCall().system, "market technician")
}

func TestMarketAnalystFallsBackWhenModelFails(t *testing.T) {
	data := &fakeData{history: &dataservice.PriceHistory{Symbol: "AAPL", ClosePrices: oscillatingCloses(80)}}
	model := &fakeLLM{err: fault.New(fault.KindTransport, "gateway down")}
	a := NewMarketAnalyst(Config{Data: data, LLM: model})
	tc := agent.NewTaskContext("technical_analysis", "AAPL", agent.MarketUS)

	payload, err := a.ProcessTask(context.Background(), tc)
	require.NoError(t, err)
	require.Equal(t, 1, model.callCount())

	v := payloadVerdict(t, payload)
	assert.Contains(t, v.Reasoning, "Indicator fusion")
}
