package analysts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/dataservice"
)

// NewsAnalyst reads recent coverage for catalysts and tone. Without a
// model the fallback can only judge coverage depth, so it holds with
// low confidence.
type NewsAnalyst struct {
	base
}

func NewNewsAnalyst(cfg Config) *NewsAnalyst {
	return &NewsAnalyst{base: newBase(agent.KindNewsAnalyst, cfg,
		capability("analysis", "News flow and catalyst analysis", 4, 30*time.Second),
	)}
}

func (a *NewsAnalyst) HealthCheck(ctx context.Context) error { return a.requireData() }

func (a *NewsAnalyst) ProcessTask(ctx context.Context, tc *agent.TaskContext) (map[string]any, error) {
	if err := a.requireData(); err != nil {
		return nil, err
	}
	items, err := a.data.News(ctx, tc.Symbol, tc.Market, newsLimit)
	if err != nil {
		return nil, err
	}

	v := newsHeuristic(items)
	if a.llm != nil && len(items) > 0 {
		var lv llmVerdict
		if err := a.completeJSON(ctx, newsSystem, a.userPrompt(tc, items), &lv); err != nil {
			a.log.Warn().Err(err).Str("task_id", tc.TaskID).Msg("Model call failed, using coverage heuristic")
		} else {
			v = lv.verdict()
		}
	}

	headlines := make([]string, 0, len(items))
	for _, item := range items {
		headlines = append(headlines, item.Title)
	}
	return v.ToPayload(map[string]any{
		"article_count": len(items),
		"headlines":     headlines,
	}), nil
}

func (a *NewsAnalyst) userPrompt(tc *agent.TaskContext, items []dataservice.NewsItem) string {
	var b strings.Builder
	b.WriteString(taskHeader(tc))
	b.WriteString("\nRecent coverage:\n")
	b.WriteString(formatNews(items))
	b.WriteString("\nJudge the news flow and recommend a position.\n\n")
	b.WriteString(verdictFormat)
	return b.String()
}

// newsHeuristic has no reading of tone, so it holds and scales
// confidence with how much fresh coverage exists.
func newsHeuristic(items []dataservice.NewsItem) agent.Verdict {
	if len(items) == 0 {
		return agent.Verdict{
			Recommendation: agent.RecommendHold,
			Confidence:     0.3,
			RiskLevel:      agent.RiskMedium,
			Reasoning:      "No recent coverage was found.",
		}
	}
	fresh := 0
	cutoff := time.Now().Add(-72 * time.Hour)
	for _, item := range items {
		if item.PublishedAt.After(cutoff) {
			fresh++
		}
	}
	return agent.Verdict{
		Recommendation: agent.RecommendHold,
		Confidence:     clamp01(0.35 + 0.03*float64(fresh)),
		RiskLevel:      agent.RiskMedium,
		Reasoning:      fmt.Sprintf("%d articles, %d within three days. Tone reading needs the model.", len(items), fresh),
		KeyFactors:     []string{fmt.Sprintf("%d recent articles", len(items))},
	}
}
