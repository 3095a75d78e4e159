package analysts

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/fault"
)

const (
	rsiPeriod       = 14
	macdFast        = 12
	macdSlow        = 26
	macdSignalSpan  = 9
	bollingerPeriod = 20
	emaFastPeriod   = 12
	emaSlowPeriod   = 26
)

// Indicator fusion weights. RSI and MACD carry the read, bands and
// trend confirm it.
const (
	weightRSI       = 0.3
	weightMACD      = 0.3
	weightBollinger = 0.2
	weightTrend     = 0.2
)

// MarketAnalyst reads price action through the standard indicator set.
// The indicators always run; when a model is configured it sees the
// computed picture and may overrule the rule-based signal.
type MarketAnalyst struct {
	base
}

func NewMarketAnalyst(cfg Config) *MarketAnalyst {
	return &MarketAnalyst{base: newBase(agent.KindMarketAnalyst, cfg,
		capability("analysis", "Technical and price action analysis", 4, 30*time.Second),
		capability("data_preparation", "Price history retrieval and indicator precomputation", 4, 20*time.Second),
	)}
}

func (a *MarketAnalyst) HealthCheck(ctx context.Context) error { return a.requireData() }

func (a *MarketAnalyst) ProcessTask(ctx context.Context, tc *agent.TaskContext) (map[string]any, error) {
	if err := a.requireData(); err != nil {
		return nil, err
	}
	hist, err := a.data.PriceHistory(ctx, tc.Symbol, tc.Market, historyDays)
	if err != nil {
		return nil, err
	}
	if hist.Len() < minHistory {
		return nil, fault.Newf(fault.KindInvalid, "%s has %d closes, indicators need %d", tc.Symbol, hist.Len(), minHistory)
	}

	ind := computeIndicators(hist.ClosePrices)
	v := ind.signal()
	if a.llm != nil {
		var lv llmVerdict
		if err := a.completeJSON(ctx, marketSystem, a.userPrompt(tc, ind), &lv); err != nil {
			a.log.Warn().Err(err).Str("task_id", tc.TaskID).Msg("Model call failed, using indicator signal")
		} else {
			v = lv.verdict()
		}
	}
	return v.ToPayload(map[string]any{
		"indicators": ind.payload(),
	}), nil
}

func (a *MarketAnalyst) userPrompt(tc *agent.TaskContext, ind *indicatorSet) string {
	var b strings.Builder
	b.WriteString(taskHeader(tc))
	b.WriteString("\nComputed technical picture:\n")
	b.WriteString(formatMetrics(ind.metrics()))
	b.WriteString("\nAssess trend and momentum and recommend a position.\n\n")
	b.WriteString(verdictFormat)
	return b.String()
}

// indicatorSet is the computed technical picture over one close series.
// The Bollinger middle band doubles as the 20-day moving average.
type indicatorSet struct {
	Price         float64
	RSI           float64
	MACD          float64
	MACDSignal    float64
	Histogram     float64
	PrevHistogram float64
	BollLower     float64
	BollMiddle    float64
	BollUpper     float64
	EMAFast       float64
	EMASlow       float64
}

// feed converts a close series into the closed channel the indicator
// library computes over.
func feed(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func lastOf(ch <-chan float64) float64 {
	var last float64
	for v := range ch {
		last = v
	}
	return last
}

func computeIndicators(closes []float64) *indicatorSet {
	ind := &indicatorSet{Price: closes[len(closes)-1]}

	rsi := momentum.NewRsiWithPeriod[float64](rsiPeriod)
	ind.RSI = lastOf(rsi.Compute(feed(closes)))

	emaFast := trend.NewEmaWithPeriod[float64](emaFastPeriod)
	ind.EMAFast = lastOf(emaFast.Compute(feed(closes)))

	emaSlow := trend.NewEmaWithPeriod[float64](emaSlowPeriod)
	ind.EMASlow = lastOf(emaSlow.Compute(feed(closes)))

	// MACD emits two channels that must be drained as pairs.
	macd := trend.NewMacdWithPeriod[float64](macdFast, macdSlow, macdSignalSpan)
	macdCh, signalCh := macd.Compute(feed(closes))
	var macdVals, signalVals []float64
	for {
		m, mok := <-macdCh
		s, sok := <-signalCh
		if !mok || !sok {
			break
		}
		macdVals = append(macdVals, m)
		signalVals = append(signalVals, s)
	}
	if n := len(macdVals); n > 0 {
		ind.MACD = macdVals[n-1]
		ind.MACDSignal = signalVals[n-1]
		ind.Histogram = ind.MACD - ind.MACDSignal
		if n > 1 {
			ind.PrevHistogram = macdVals[n-2] - signalVals[n-2]
		}
	}

	bb := volatility.NewBollingerBandsWithPeriod[float64](bollingerPeriod)
	lowerCh, middleCh, upperCh := bb.Compute(feed(closes))
	for {
		l, lok := <-lowerCh
		m, mok := <-middleCh
		u, uok := <-upperCh
		if !lok || !mok || !uok {
			break
		}
		ind.BollLower, ind.BollMiddle, ind.BollUpper = l, m, u
	}

	return ind
}

// signal fuses the individual indicator reads into one verdict. Each
// indicator votes buy or sell with a conviction in [0,1]; the weighted
// sums decide the call and its confidence.
func (ind *indicatorSet) signal() agent.Verdict {
	var buy, sell float64
	var factors []string

	// RSI: conviction grows the deeper the reading sits past 30/70.
	switch {
	case ind.RSI > 0 && ind.RSI <= 30:
		c := 0.5 + 0.5*clamp01((30-ind.RSI)/15)
		buy += weightRSI * c
		factors = append(factors, fmt.Sprintf("RSI %.1f oversold", ind.RSI))
	case ind.RSI >= 70:
		c := 0.5 + 0.5*clamp01((ind.RSI-70)/15)
		sell += weightRSI * c
		factors = append(factors, fmt.Sprintf("RSI %.1f overbought", ind.RSI))
	}

	// MACD: histogram side, with extra conviction on a fresh crossover.
	switch {
	case ind.Histogram > 0:
		if ind.PrevHistogram <= 0 {
			buy += weightMACD * 0.8
			factors = append(factors, "MACD bullish crossover")
		} else {
			buy += weightMACD * 0.5
			factors = append(factors, "MACD above signal line")
		}
	case ind.Histogram < 0:
		if ind.PrevHistogram >= 0 {
			sell += weightMACD * 0.8
			factors = append(factors, "MACD bearish crossover")
		} else {
			sell += weightMACD * 0.5
			factors = append(factors, "MACD below signal line")
		}
	}

	// Bands: price tagging a band suggests a reversion setup.
	switch {
	case ind.BollLower > 0 && ind.Price <= ind.BollLower:
		buy += weightBollinger * 0.7
		factors = append(factors, "price at lower Bollinger band")
	case ind.BollUpper > 0 && ind.Price >= ind.BollUpper:
		sell += weightBollinger * 0.7
		factors = append(factors, "price at upper Bollinger band")
	}

	// Trend: fast EMA relative to slow.
	switch {
	case ind.EMAFast > ind.EMASlow:
		buy += weightTrend * 0.6
		factors = append(factors, "fast EMA above slow EMA")
	case ind.EMAFast < ind.EMASlow:
		sell += weightTrend * 0.6
		factors = append(factors, "fast EMA below slow EMA")
	}

	rec := agent.RecommendHold
	conf := 0.5
	switch margin := math.Abs(buy - sell); {
	case buy > sell && margin >= 0.1:
		rec = agent.RecommendBuy
		conf = clamp01(0.45 + 0.6*buy)
	case sell > buy && margin >= 0.1:
		rec = agent.RecommendSell
		conf = clamp01(0.45 + 0.6*sell)
	}

	risk := agent.RiskMedium
	if ind.BollMiddle > 0 {
		switch width := (ind.BollUpper - ind.BollLower) / ind.BollMiddle * 100; {
		case width >= 8:
			risk = agent.RiskHigh
		case width <= 3:
			risk = agent.RiskLow
		}
	}

	if len(factors) > 5 {
		factors = factors[:5]
	}
	return agent.Verdict{
		Recommendation: rec,
		Confidence:     conf,
		RiskLevel:      risk,
		Reasoning: fmt.Sprintf("Indicator fusion weighs buy %.2f against sell %.2f across RSI, MACD, Bollinger Bands and the EMA trend.",
			buy, sell),
		KeyFactors: factors,
	}
}

func (ind *indicatorSet) metrics() map[string]float64 {
	return map[string]float64{
		"price":            ind.Price,
		"rsi_14":           ind.RSI,
		"macd":             ind.MACD,
		"macd_signal":      ind.MACDSignal,
		"macd_histogram":   ind.Histogram,
		"bollinger_lower":  ind.BollLower,
		"bollinger_middle": ind.BollMiddle,
		"bollinger_upper":  ind.BollUpper,
		"ema_12":           ind.EMAFast,
		"ema_26":           ind.EMASlow,
	}
}

func (ind *indicatorSet) payload() map[string]any {
	metrics := ind.metrics()
	out := make(map[string]any, len(metrics))
	for k, v := range metrics {
		out[k] = v
	}
	return out
}
