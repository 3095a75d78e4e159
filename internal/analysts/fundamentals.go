package analysts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/dataservice"
)

// FundamentalsAnalyst judges business quality from the reported
// statements. The model reads the raw statements when configured; the
// fallback scores three coarse ratios.
type FundamentalsAnalyst struct {
	base
}

func NewFundamentalsAnalyst(cfg Config) *FundamentalsAnalyst {
	return &FundamentalsAnalyst{base: newBase(agent.KindFundamentalsAnalyst, cfg,
		capability("analysis", "Financial statement and business quality analysis", 4, 45*time.Second),
	)}
}

func (a *FundamentalsAnalyst) HealthCheck(ctx context.Context) error { return a.requireData() }

func (a *FundamentalsAnalyst) ProcessTask(ctx context.Context, tc *agent.TaskContext) (map[string]any, error) {
	if err := a.requireData(); err != nil {
		return nil, err
	}
	fin, err := a.data.Financials(ctx, tc.Symbol, tc.Market)
	if err != nil {
		return nil, err
	}
	// The profile enriches the prompt but is not required.
	info, err := a.data.CompanyInfo(ctx, tc.Symbol, tc.Market)
	if err != nil {
		a.log.Warn().Err(err).Str("symbol", tc.Symbol).Msg("Company profile unavailable")
		info = nil
	}

	v := fundamentalsHeuristic(fin)
	if a.llm != nil {
		var lv llmVerdict
		if err := a.completeJSON(ctx, fundamentalsSystem, a.userPrompt(tc, fin, info), &lv); err != nil {
			a.log.Warn().Err(err).Str("task_id", tc.TaskID).Msg("Model call failed, using ratio heuristic")
		} else {
			v = lv.verdict()
		}
	}

	extra := map[string]any{"report_date": fin.ReportDate}
	if info != nil {
		extra["industry"] = info.Industry
		extra["market_cap"] = info.MarketCap
	}
	return v.ToPayload(extra), nil
}

func (a *FundamentalsAnalyst) userPrompt(tc *agent.TaskContext, fin *dataservice.Financials, info *dataservice.CompanyInfo) string {
	var b strings.Builder
	b.WriteString(taskHeader(tc))
	if info != nil {
		fmt.Fprintf(&b, "Industry: %s\nMarket cap: %.0f\n", info.Industry, info.MarketCap)
		if info.Description != "" {
			fmt.Fprintf(&b, "Profile: %s\n", truncate(info.Description, 300))
		}
	}
	if fin.ReportDate != "" {
		fmt.Fprintf(&b, "Report date: %s\n", fin.ReportDate)
	}
	b.WriteString("\n")
	b.WriteString(formatStatement("Income statement", fin.IncomeStatement))
	b.WriteString(formatStatement("Balance sheet", fin.BalanceSheet))
	b.WriteString(formatStatement("Cash flow", fin.CashFlow))
	b.WriteString("\nJudge the business quality and recommend a position.\n\n")
	b.WriteString(verdictFormat)
	return b.String()
}

// statementNumber probes a statement map for the first present key,
// tolerating the numeric types upstream decoders produce.
func statementNumber(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case float32:
			return float64(n), true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// fundamentalsHeuristic scores three coarse reads: net margin, leverage
// and operating cash generation. Two or more favorable reads lean buy,
// two or more unfavorable lean sell.
func fundamentalsHeuristic(fin *dataservice.Financials) agent.Verdict {
	var green, red, checks int
	var factors []string

	revenue, hasRev := statementNumber(fin.IncomeStatement, "revenue", "total_revenue", "operating_revenue")
	netIncome, hasNI := statementNumber(fin.IncomeStatement, "net_income", "net_profit")
	if hasRev && hasNI && revenue > 0 {
		checks++
		switch margin := netIncome / revenue; {
		case margin >= 0.15:
			green++
			factors = append(factors, fmt.Sprintf("net margin %.1f%%", margin*100))
		case margin < 0.03:
			red++
			factors = append(factors, fmt.Sprintf("thin net margin %.1f%%", margin*100))
		}
	}

	assets, hasAssets := statementNumber(fin.BalanceSheet, "total_assets")
	liabilities, hasLiab := statementNumber(fin.BalanceSheet, "total_liabilities")
	if hasAssets && hasLiab && assets > 0 {
		checks++
		switch leverage := liabilities / assets; {
		case leverage <= 0.4:
			green++
			factors = append(factors, fmt.Sprintf("low leverage %.0f%%", leverage*100))
		case leverage >= 0.7:
			red++
			factors = append(factors, fmt.Sprintf("high leverage %.0f%%", leverage*100))
		}
	}

	ocf, hasOCF := statementNumber(fin.CashFlow, "operating_cash_flow", "net_cash_from_operating")
	if hasOCF {
		checks++
		if ocf > 0 {
			green++
			factors = append(factors, "positive operating cash flow")
		} else {
			red++
			factors = append(factors, "negative operating cash flow")
		}
	}

	if checks == 0 {
		return agent.Verdict{
			Recommendation: agent.RecommendHold,
			Confidence:     0.3,
			RiskLevel:      agent.RiskMedium,
			Reasoning:      "The reported statements carry none of the figures the ratio checks need.",
		}
	}

	rec := agent.RecommendHold
	conf := 0.4
	switch {
	case green >= 2 && green > red:
		rec = agent.RecommendBuy
		conf = 0.5 + 0.1*float64(green-red)
	case red >= 2 && red > green:
		rec = agent.RecommendSell
		conf = 0.5 + 0.1*float64(red-green)
	}

	risk := agent.RiskMedium
	switch {
	case red >= 2:
		risk = agent.RiskHigh
	case red == 0 && green >= 2:
		risk = agent.RiskLow
	}

	return agent.Verdict{
		Recommendation: rec,
		Confidence:     clamp01(conf),
		RiskLevel:      risk,
		Reasoning:      fmt.Sprintf("Ratio checks: %d favorable, %d unfavorable of %d evaluated.", green, red, checks),
		KeyFactors:     factors,
	}
}
