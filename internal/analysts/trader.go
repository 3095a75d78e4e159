package analysts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecouncil/council/internal/agent"
)

// maxExpectedMove caps the rule-based target at 10% from the last
// price; conviction scales the move inside that cap.
var maxExpectedMove = decimal.NewFromFloat(0.10)

// Trader turns the council's research into the final executable
// decision, including a target price when the direction calls for one.
// Price arithmetic runs on decimals.
type Trader struct {
	base
}

func NewTrader(cfg Config) *Trader {
	return &Trader{base: newBase(agent.KindTrader, cfg,
		capability("decision", "Final trade decision and target pricing", 2, 20*time.Second),
	)}
}

// llmDecision extends the verdict shape with the trader's target.
type llmDecision struct {
	llmVerdict
	TargetPrice *float64 `json:"target_price"`
}

func (a *Trader) ProcessTask(ctx context.Context, tc *agent.TaskContext) (map[string]any, error) {
	ups := upstreamVerdicts(tc)
	v := fuseVerdicts(ups)

	var lastPrice decimal.Decimal
	var hasPrice bool
	if a.data != nil {
		md, err := a.data.MarketData(ctx, tc.Symbol, tc.Market)
		if err != nil {
			a.log.Warn().Err(err).Str("symbol", tc.Symbol).Msg("Quote unavailable, deciding without a target")
		} else if md.Price > 0 {
			lastPrice = decimal.NewFromFloat(md.Price)
			hasPrice = true
		}
	}

	var modelTarget decimal.Decimal
	var hasModelTarget bool
	if a.llm != nil && len(ups) > 0 {
		var ld llmDecision
		if err := a.completeJSON(ctx, traderSystem, a.userPrompt(tc, ups, lastPrice, hasPrice), &ld); err != nil {
			a.log.Warn().Err(err).Str("task_id", tc.TaskID).Msg("Model call failed, trading the weighted vote")
		} else {
			v = ld.verdict()
			if ld.TargetPrice != nil && *ld.TargetPrice > 0 {
				modelTarget = decimal.NewFromFloat(*ld.TargetPrice)
				hasModelTarget = true
			}
		}
	}

	payload := map[string]any{"inputs_considered": len(ups)}
	if target, ok := a.targetPrice(v, lastPrice, hasPrice, modelTarget, hasModelTarget); ok {
		payload["target_price"] = target.InexactFloat64()
		payload["last_price"] = lastPrice.InexactFloat64()
	}
	return v.ToPayload(payload), nil
}

// targetPrice prefers the model's number when it sits on the correct
// side of the last price; otherwise conviction scales a move inside
// the cap. Holds carry no target.
func (a *Trader) targetPrice(v agent.Verdict, last decimal.Decimal, hasPrice bool, model decimal.Decimal, hasModel bool) (decimal.Decimal, bool) {
	if v.Recommendation == agent.RecommendHold || !hasPrice {
		return decimal.Zero, false
	}
	if hasModel {
		wantAbove := v.Recommendation == agent.RecommendBuy
		if model.GreaterThan(last) == wantAbove {
			return model.Round(2), true
		}
		a.log.Warn().
			Str("target", model.String()).
			Str("last", last.String()).
			Msg("Model target on the wrong side of the price, recomputing")
	}
	move := maxExpectedMove.Mul(decimal.NewFromFloat(clamp01(v.Confidence)))
	one := decimal.NewFromInt(1)
	if v.Recommendation == agent.RecommendBuy {
		return last.Mul(one.Add(move)).Round(2), true
	}
	return last.Mul(one.Sub(move)).Round(2), true
}

func (a *Trader) userPrompt(tc *agent.TaskContext, ups []upstreamVerdict, last decimal.Decimal, hasPrice bool) string {
	var b strings.Builder
	b.WriteString(taskHeader(tc))
	if hasPrice {
		fmt.Fprintf(&b, "Last price: %s\n", last.StringFixed(2))
	}
	b.WriteString("\nCouncil verdicts so far:\n")
	b.WriteString(upstreamBlock(ups))
	b.WriteString("\nCommit to the final decision.\n\n")
	b.WriteString(decisionFormat)
	return b.String()
}
