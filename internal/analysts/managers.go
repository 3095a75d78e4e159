package analysts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tradecouncil/council/internal/agent"
)

// ResearchManager reconciles the council's collected verdicts into one
// call. The rule-based fusion is a confidence-weighted vote; the
// model, when configured, sees the same inputs and may overrule it.
type ResearchManager struct {
	base
}

func NewResearchManager(cfg Config) *ResearchManager {
	return &ResearchManager{base: newBase(agent.KindResearchManager, cfg,
		capability("review", "Council verdict reconciliation", 2, 30*time.Second),
	)}
}

func (a *ResearchManager) ProcessTask(ctx context.Context, tc *agent.TaskContext) (map[string]any, error) {
	ups := upstreamVerdicts(tc)
	v := fuseVerdicts(ups)
	if a.llm != nil && len(ups) > 0 {
		var lv llmVerdict
		prompt := managerPrompt(tc, ups, "Weigh the council's findings and commit to one recommendation.")
		if err := a.completeJSON(ctx, researchManagerSystem, prompt, &lv); err != nil {
			a.log.Warn().Err(err).Str("task_id", tc.TaskID).Msg("Model call failed, using weighted vote")
		} else {
			v = lv.verdict()
		}
	}
	return v.ToPayload(map[string]any{"inputs_considered": len(ups)}), nil
}

// RiskManager sets the council's risk reading and vetoes aggressive
// calls it cannot underwrite. The veto downgrades a low-conviction buy
// to hold when the aggregated risk reads high.
type RiskManager struct {
	base
}

func NewRiskManager(cfg Config) *RiskManager {
	return &RiskManager{base: newBase(agent.KindRiskManager, cfg,
		capability("risk", "Aggregated risk rating and veto", 3, 20*time.Second),
		capability("review", "Risk-side management review", 2, 30*time.Second),
	)}
}

func (a *RiskManager) ProcessTask(ctx context.Context, tc *agent.TaskContext) (map[string]any, error) {
	ups := upstreamVerdicts(tc)
	v := fuseVerdicts(ups)
	if a.llm != nil && len(ups) > 0 {
		var lv llmVerdict
		prompt := managerPrompt(tc, ups, "Rate the aggregate risk and adjust the recommendation only on risk grounds.")
		if err := a.completeJSON(ctx, riskManagerSystem, prompt, &lv); err != nil {
			a.log.Warn().Err(err).Str("task_id", tc.TaskID).Msg("Model call failed, using aggregated rating")
		} else {
			v = lv.verdict()
		}
	}

	vetoed := false
	if v.Recommendation == agent.RecommendBuy && v.RiskLevel == agent.RiskHigh && v.Confidence < 0.7 {
		vetoed = true
		v.Recommendation = agent.RecommendHold
		v.Reasoning = strings.TrimSpace(v.Reasoning + " Buy vetoed: high risk with sub-0.70 conviction.")
	}
	return v.ToPayload(map[string]any{
		"inputs_considered": len(ups),
		"vetoed":            vetoed,
	}), nil
}

// fuseVerdicts runs a confidence-weighted vote over the collected
// verdicts. The risk rating is the mean of the inputs' risk scores;
// vote ties break toward the more conservative call.
func fuseVerdicts(ups []upstreamVerdict) agent.Verdict {
	if len(ups) == 0 {
		return agent.Verdict{
			Recommendation: agent.RecommendHold,
			Confidence:     0.3,
			RiskLevel:      agent.RiskMedium,
			Reasoning:      "No upstream verdicts reached this review.",
		}
	}

	weights := make(map[agent.Recommendation]float64, 3)
	var total, riskSum float64
	for _, uv := range ups {
		w := uv.Verdict.Confidence
		if w <= 0 {
			w = 0.05
		}
		weights[uv.Verdict.Recommendation] += w
		total += w
		riskSum += uv.Verdict.RiskLevel.Score()
	}

	// Scanning in conservative order means ties stay with the earlier,
	// more cautious candidate.
	best := agent.RecommendHold
	bestWeight := -1.0
	for _, rec := range []agent.Recommendation{agent.RecommendSell, agent.RecommendHold, agent.RecommendBuy} {
		if w := weights[rec]; w > bestWeight {
			best, bestWeight = rec, w
		}
	}

	var factors []string
	for _, uv := range ups {
		if uv.Verdict.Recommendation == best && len(factors) < 5 {
			factors = append(factors, fmt.Sprintf("%s: %s", uv.Kind, uv.Verdict.Recommendation))
		}
	}

	return agent.Verdict{
		Recommendation: best,
		Confidence:     clamp01(bestWeight / total),
		RiskLevel:      agent.RiskFromScore(riskSum / float64(len(ups))),
		Reasoning: fmt.Sprintf("Confidence-weighted vote across %d verdicts: %s carries %.2f of %.2f total weight.",
			len(ups), best, bestWeight, total),
		KeyFactors: factors,
	}
}

func managerPrompt(tc *agent.TaskContext, ups []upstreamVerdict, ask string) string {
	var b strings.Builder
	b.WriteString(taskHeader(tc))
	b.WriteString("\nCouncil verdicts so far:\n")
	b.WriteString(upstreamBlock(ups))
	b.WriteString("\n")
	b.WriteString(ask)
	b.WriteString("\n\n")
	b.WriteString(verdictFormat)
	return b.String()
}
