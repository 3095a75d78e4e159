package analysts

import (
	"context"
	"fmt"
	"strings"

	"github.com/tradecouncil/council/internal/agent"
)

// angle fixes how an advocate argues: the recommendation it anchors
// on, the risk reading it defaults to, the system prompt that sets its
// voice and the one-line case it falls back to without a model.
type angle struct {
	rec        agent.Recommendation
	risk       agent.RiskLevel
	confidence float64
	system     string
	brief      string
}

// Advocate is an agent that argues a fixed angle: the two researchers
// and the three risk debators. The task name picks the exchange phase;
// anything that is not an argument or rebuttal is answered with a
// position verdict.
type Advocate struct {
	base
	angle angle
}

func newAdvocate(kind agent.Kind, cfg Config, ang angle, caps ...agent.Capability) *Advocate {
	return &Advocate{base: newBase(kind, cfg, caps...), angle: ang}
}

func (a *Advocate) ProcessTask(ctx context.Context, tc *agent.TaskContext) (map[string]any, error) {
	switch {
	case strings.HasSuffix(tc.TaskName, "rebuttal"):
		return a.rebut(ctx, tc)
	case strings.HasSuffix(tc.TaskName, "argument"):
		return a.argue(ctx, tc)
	default:
		return a.position(ctx, tc)
	}
}

func (a *Advocate) position(ctx context.Context, tc *agent.TaskContext) (map[string]any, error) {
	v := a.anchoredVerdict(ctx, tc)
	if a.llm != nil {
		var lv llmVerdict
		if err := a.completeJSON(ctx, a.angle.system, a.positionPrompt(tc), &lv); err != nil {
			a.log.Warn().Err(err).Str("task_id", tc.TaskID).Msg("Model call failed, arguing the anchored case")
		} else {
			v = lv.verdict()
		}
	}
	return v.ToPayload(nil), nil
}

// llmArgument extends the verdict shape with the round's central claim.
type llmArgument struct {
	llmVerdict
	Claim string `json:"claim"`
}

func (a *Advocate) argue(ctx context.Context, tc *agent.TaskContext) (map[string]any, error) {
	v := a.anchoredVerdict(ctx, tc)
	claim := a.angle.brief
	if a.llm != nil {
		var la llmArgument
		if err := a.completeJSON(ctx, a.angle.system, a.argumentPrompt(tc), &la); err != nil {
			a.log.Warn().Err(err).Str("task_id", tc.TaskID).Msg("Model call failed, arguing the anchored case")
		} else {
			v = la.verdict()
			if s := strings.TrimSpace(la.Claim); s != "" {
				claim = s
			}
		}
	}
	return v.ToPayload(map[string]any{"claim": claim}), nil
}

type llmRebuttal struct {
	Counters []struct {
		Target  string `json:"target"`
		Counter string `json:"counter"`
	} `json:"counters"`
}

func (a *Advocate) rebut(ctx context.Context, tc *agent.TaskContext) (map[string]any, error) {
	counters := a.fallbackCounters(tc)
	if a.llm != nil {
		var lr llmRebuttal
		if err := a.completeJSON(ctx, a.angle.system, a.rebuttalPrompt(tc), &lr); err != nil {
			a.log.Warn().Err(err).Str("task_id", tc.TaskID).Msg("Model call failed, using the standing objection")
		} else {
			var fromModel []map[string]any
			for _, c := range lr.Counters {
				if strings.TrimSpace(c.Counter) == "" {
					continue
				}
				fromModel = append(fromModel, map[string]any{"target": c.Target, "counter": c.Counter})
			}
			if len(fromModel) > 0 {
				counters = fromModel
			}
		}
	}
	out := make([]any, 0, len(counters))
	for _, c := range counters {
		out = append(out, c)
	}
	return map[string]any{"counters": out}, nil
}

// anchoredVerdict is the case argued from the angle alone, seasoned
// with the live quote when one is available.
func (a *Advocate) anchoredVerdict(ctx context.Context, tc *agent.TaskContext) agent.Verdict {
	v := agent.Verdict{
		Recommendation: a.angle.rec,
		Confidence:     a.angle.confidence,
		RiskLevel:      a.angle.risk,
		Reasoning:      a.angle.brief,
	}
	if a.data == nil {
		return v
	}
	md, err := a.data.MarketData(ctx, tc.Symbol, tc.Market)
	if err != nil {
		return v
	}
	aligned := (v.Recommendation == agent.RecommendBuy && md.ChangePercent > 0) ||
		(v.Recommendation == agent.RecommendSell && md.ChangePercent < 0)
	if aligned {
		v.Confidence = clamp01(v.Confidence + 0.1)
	}
	v.KeyFactors = append(v.KeyFactors, fmt.Sprintf("last change %+.2f%%", md.ChangePercent))
	return v
}

// fallbackCounters answers the latest opposing claims with the angle's
// standing objection. Without a transcript it files one general
// counter.
func (a *Advocate) fallbackCounters(tc *agent.TaskContext) []map[string]any {
	own := stanceWord(a.angle.rec)
	var counters []map[string]any
	if hist, ok := tc.Metadata["debate_history"].([]map[string]any); ok {
		latest := 0
		for _, entry := range hist {
			if r, ok := entry["round"].(int); ok && r > latest {
				latest = r
			}
		}
		for _, entry := range hist {
			round, _ := entry["round"].(int)
			stance, _ := entry["stance"].(string)
			kind, _ := entry["kind"].(string)
			claim, _ := entry["claim"].(string)
			if round != latest || stance == own || kind == string(a.kind) {
				continue
			}
			counters = append(counters, map[string]any{
				"target":  kind,
				"counter": fmt.Sprintf("%s. The claim %q does not overturn that.", a.angle.brief, truncate(claim, 120)),
			})
			if len(counters) == 2 {
				break
			}
		}
	}
	if len(counters) == 0 {
		counters = append(counters, map[string]any{"target": "all", "counter": a.angle.brief})
	}
	return counters
}

func (a *Advocate) positionPrompt(tc *agent.TaskContext) string {
	var b strings.Builder
	b.WriteString(taskHeader(tc))
	if dc := debateContext(tc); dc != "" {
		b.WriteString("\n")
		b.WriteString(dc)
	}
	if ups := upstreamVerdicts(tc); len(ups) > 0 {
		b.WriteString("\nCouncil findings so far:\n")
		b.WriteString(upstreamBlock(ups))
	}
	b.WriteString("\nState your position.\n\n")
	b.WriteString(verdictFormat)
	return b.String()
}

func (a *Advocate) argumentPrompt(tc *agent.TaskContext) string {
	var b strings.Builder
	b.WriteString(taskHeader(tc))
	if dc := debateContext(tc); dc != "" {
		b.WriteString("\n")
		b.WriteString(dc)
	}
	b.WriteString("\nAdvance your case for this round with one central claim.\n\n")
	b.WriteString(argumentFormat)
	return b.String()
}

func (a *Advocate) rebuttalPrompt(tc *agent.TaskContext) string {
	var b strings.Builder
	b.WriteString(taskHeader(tc))
	if dc := debateContext(tc); dc != "" {
		b.WriteString("\n")
		b.WriteString(dc)
	}
	b.WriteString("\nRebut the opposing arguments from the current round.\n\n")
	b.WriteString(rebuttalFormat)
	return b.String()
}

func stanceWord(rec agent.Recommendation) string {
	switch rec {
	case agent.RecommendBuy:
		return "bullish"
	case agent.RecommendSell:
		return "bearish"
	}
	return "neutral"
}
