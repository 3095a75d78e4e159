package analyzer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/consensus"
	"github.com/tradecouncil/council/internal/debate"
	"github.com/tradecouncil/council/internal/workflow"
)

// StepSummary is one line of the per-step account in a result
type StepSummary struct {
	StepID string   `json:"step_id"`
	Name   string   `json:"name"`
	Status string   `json:"status"`
	Agents []string `json:"agents,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Result is the uniform client result, independent of which
// orchestration mode produced it
type Result struct {
	AnalysisID        string         `json:"analysis_id"`
	StockCode         string         `json:"stock_code"`
	Mode              Mode           `json:"mode"`
	Recommendation    string         `json:"recommendation"`
	Confidence        string         `json:"confidence"`
	RiskScore         string         `json:"risk_score"`
	TargetPrice       string         `json:"target_price,omitempty"`
	Reasoning         string         `json:"reasoning"`
	KeyFactors        []string       `json:"key_factors,omitempty"`
	Steps             []StepSummary  `json:"steps,omitempty"`
	TechnicalAnalysis map[string]any `json:"technical_analysis,omitempty"`
	Config            *Request       `json:"analysis_config,omitempty"`
	CompletedAt       time.Time      `json:"completed_at"`
}

// fusion is the normalized verdict a backend run reduces to before
// rendering. The analyzer also feeds it back into semantic memory.
type fusion struct {
	rec        agent.Recommendation
	confidence float64
	risk       agent.RiskLevel
	reasoning  string
	factors    []string
	target     decimal.Decimal
	hasTarget  bool
	technical  map[string]any
	steps      []StepSummary
}

// fuseExecution reduces a finished workflow execution. The consensus
// the engine aggregated carries the verdict; steps contribute the
// account, the trader's target price, and the market analyst's
// indicator blob.
func fuseExecution(exec *workflow.Execution) fusion {
	f := fusion{rec: agent.RecommendHold, risk: agent.RiskMedium}

	if cons, ok := exec.FinalResult["workflow_consensus"].(*consensus.Consensus); ok && cons != nil {
		f.rec = cons.Recommendation
		f.confidence = cons.MeanConfidence
		f.risk = cons.RiskLevel
		f.factors = cons.KeyFactors
		f.reasoning = fmt.Sprintf("%s consensus of %d agents is %s (%s, strength %.2f).",
			cons.Method, len(cons.Participants), cons.Recommendation, cons.Level, cons.Strength)
	}

	ids := make([]string, 0, len(exec.Steps))
	for id := range exec.Steps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return exec.Steps[ids[i]].StartedAt.Before(exec.Steps[ids[j]].StartedAt)
	})

	var failed []string
	for _, id := range ids {
		sr := exec.Steps[id]
		sum := StepSummary{
			StepID: sr.StepID,
			Name:   sr.Name,
			Status: string(sr.Status),
			Error:  sr.Error,
		}
		for kind, res := range sr.Results {
			sum.Agents = append(sum.Agents, kind)
			if res == nil || !res.OK() {
				continue
			}
			if res.AgentKind == agent.KindTrader {
				if price, ok := payloadFloat(res.Payload, "target_price"); ok {
					f.target = decimal.NewFromFloat(price).Round(2)
					f.hasTarget = true
				}
			}
			if res.AgentKind == agent.KindMarketAnalyst && f.technical == nil {
				if ind, ok := res.Payload["indicators"].(map[string]any); ok {
					f.technical = ind
				}
			}
		}
		sort.Strings(sum.Agents)
		if sr.Status == workflow.StepFailed {
			failed = append(failed, sr.Name)
		}
		f.steps = append(f.steps, sum)
	}

	if len(failed) > 0 {
		f.reasoning = strings.TrimSpace(f.reasoning +
			fmt.Sprintf(" Steps failed and were excluded: %s.", strings.Join(failed, ", ")))
	}
	return f
}

// fuseDebate reduces a finished debate to its outcome stance
func fuseDebate(d *debate.Debate) fusion {
	f := fusion{rec: agent.RecommendHold, risk: agent.RiskMedium}

	if d.Final != nil {
		f.rec = d.Final.Stance.Recommendation()
		f.confidence = d.Final.Confidence
		f.reasoning = fmt.Sprintf("Debate of %d participants settled %s in round %d of %d (strength %.2f).",
			len(d.Participants), d.Final.Stance, d.Final.Round, len(d.Rounds), d.Final.Confidence)
	}

	for _, round := range d.Rounds {
		agents := make([]string, 0, len(round.Arguments))
		for kind := range round.Arguments {
			agents = append(agents, kind)
		}
		sort.Strings(agents)
		f.steps = append(f.steps, StepSummary{
			StepID: fmt.Sprintf("round_%d", round.Number),
			Name:   fmt.Sprintf("Debate round %d", round.Number),
			Status: fmt.Sprintf("dominant %s, agreement %.2f", round.Dominant, round.AgreementRatio),
			Agents: agents,
		})
	}
	return f
}

// fuseVerdict reduces a single direct-dispatch result
func fuseVerdict(taskName string, res *agent.TaskResult) fusion {
	v := agent.VerdictFromResult(res)
	f := fusion{
		rec:        v.Recommendation,
		confidence: v.Confidence,
		risk:       v.RiskLevel,
		reasoning:  v.Reasoning,
		factors:    v.KeyFactors,
	}
	if f.reasoning == "" {
		f.reasoning = fmt.Sprintf("Independent %s verdict.", res.AgentKind)
	}
	if ind, ok := res.Payload["indicators"].(map[string]any); ok {
		f.technical = ind
	}
	f.steps = []StepSummary{{
		StepID: "independent",
		Name:   taskName,
		Status: string(res.Status),
		Agents: []string{string(res.AgentKind)},
		Error:  res.Error,
	}}
	return f
}

// render builds the client result from a fusion
func (f fusion) render(analysisID string, req *Request, mode Mode) *Result {
	res := &Result{
		AnalysisID:        analysisID,
		StockCode:         req.StockCode,
		Mode:              mode,
		Recommendation:    f.rec.Localize(req.MarketType),
		Confidence:        percent(f.confidence),
		RiskScore:         percent(riskFraction(f.risk)),
		Reasoning:         f.reasoning,
		KeyFactors:        f.factors,
		Steps:             f.steps,
		TechnicalAnalysis: f.technical,
		Config:            req,
		CompletedAt:       time.Now(),
	}
	if f.hasTarget {
		res.TargetPrice = f.target.StringFixed(2)
	}
	return res
}

// riskFraction places a risk level on the client's percent scale
func riskFraction(r agent.RiskLevel) float64 {
	switch r {
	case agent.RiskLow:
		return 0.25
	case agent.RiskHigh:
		return 0.75
	default:
		return 0.5
	}
}

// percent renders a [0,1] fraction as a one-decimal percent string
func percent(v float64) string {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return decimal.NewFromFloat(v * 100).Round(1).StringFixed(1) + "%"
}

func payloadFloat(payload map[string]any, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, true
	}
	return 0, false
}
