package analysts

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/dataservice"
)

// SocialMediaAnalyst maps aggregated feed sentiment onto a verdict.
// The mapping is mechanical and needs no model round-trip.
type SocialMediaAnalyst struct {
	base
}

func NewSocialMediaAnalyst(cfg Config) *SocialMediaAnalyst {
	return &SocialMediaAnalyst{base: newBase(agent.KindSocialMediaAnalyst, cfg,
		capability("analysis", "Social feed sentiment analysis", 4, 15*time.Second),
	)}
}

func (a *SocialMediaAnalyst) HealthCheck(ctx context.Context) error { return a.requireData() }

func (a *SocialMediaAnalyst) ProcessTask(ctx context.Context, tc *agent.TaskContext) (map[string]any, error) {
	if err := a.requireData(); err != nil {
		return nil, err
	}
	sum, err := a.data.Sentiment(ctx, tc.Symbol, tc.Market)
	if err != nil {
		return nil, err
	}

	return sentimentVerdict(sum).ToPayload(map[string]any{
		"sentiment_score": sum.Score,
		"mentions":        sum.Mentions,
		"positive":        sum.Positive,
		"negative":        sum.Negative,
	}), nil
}

// sentimentVerdict maps the aggregate score onto a call. Thin mention
// counts damp confidence; a loud one-sided crowd raises the risk level.
func sentimentVerdict(sum *dataservice.SentimentSummary) agent.Verdict {
	rec := agent.RecommendHold
	switch {
	case sum.Score >= 0.25:
		rec = agent.RecommendBuy
	case sum.Score <= -0.25:
		rec = agent.RecommendSell
	}

	conf := clamp01(0.4 + 0.5*math.Abs(sum.Score))
	if sum.Mentions < 10 {
		conf *= 0.6
	}

	risk := agent.RiskMedium
	if math.Abs(sum.Score) >= 0.6 && sum.Mentions >= 50 {
		risk = agent.RiskHigh
	}

	return agent.Verdict{
		Recommendation: rec,
		Confidence:     conf,
		RiskLevel:      risk,
		Reasoning: fmt.Sprintf("Aggregated feed sentiment %.2f over %d mentions (%d positive, %d negative).",
			sum.Score, sum.Mentions, sum.Positive, sum.Negative),
		KeyFactors: []string{
			fmt.Sprintf("sentiment score %.2f", sum.Score),
			fmt.Sprintf("%d mentions", sum.Mentions),
		},
	}
}
