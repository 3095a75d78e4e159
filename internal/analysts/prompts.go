package analysts

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/dataservice"
)

// respondJSON closes every system prompt. Models drift into prose
// without it.
const respondJSON = "Respond ONLY with valid JSON in the specified format. Do not include explanatory text outside the JSON."

const verdictFormat = `Provide your analysis in the following JSON format:
{
  "recommendation": "buy|hold|sell",
  "confidence": <0.0-1.0>,
  "risk_level": "low|medium|high",
  "reasoning": "<two or three sentences grounding the call>",
  "key_factors": ["<up to five short factors>"]
}`

const argumentFormat = `Provide your argument in the following JSON format:
{
  "recommendation": "buy|hold|sell",
  "confidence": <0.0-1.0>,
  "risk_level": "low|medium|high",
  "claim": "<your central claim for this round>",
  "reasoning": "<two or three sentences>",
  "key_factors": ["<evidence supporting the claim>"]
}`

const rebuttalFormat = `Provide your rebuttals in the following JSON format:
{
  "counters": [
    {"target": "<agent kind you are answering>", "counter": "<your counterargument>"}
  ]
}`

const decisionFormat = `Provide your decision in the following JSON format:
{
  "recommendation": "buy|hold|sell",
  "confidence": <0.0-1.0>,
  "risk_level": "low|medium|high",
  "target_price": <number or null>,
  "reasoning": "<two or three sentences>",
  "key_factors": ["<up to five short factors>"]
}`

const marketSystem = `You are an expert market technician on an equity analysis council.

Key responsibilities:
- Read price action through RSI, MACD, Bollinger Bands and moving averages
- Weigh conflicting indicator signals into one directional call
- Flag stretched or unusually volatile setups as higher risk

Guidelines:
- Indicators describe probabilities, not certainties; size confidence accordingly
- An oversold reading inside a downtrend is not automatically a buy
- Keep the reasoning specific to the numbers you were given

` + respondJSON

const fundamentalsSystem = `You are an expert fundamentals analyst on an equity analysis council.

Key responsibilities:
- Judge profitability, balance sheet strength and cash generation from the reported statements
- Relate the business quality to the company's industry and market
- Call out leverage or cash flow problems as elevated risk

Guidelines:
- Prefer reported numbers over narrative; note when a figure is missing
- A strong quarter does not outweigh a weak balance sheet
- Keep the reasoning specific to the statements you were given

` + respondJSON

const newsSystem = `You are an expert news analyst on an equity analysis council.

Key responsibilities:
- Read the recent coverage for catalysts, risks and tone shifts
- Separate material developments from noise and republished items
- Judge whether the news flow supports or undermines the current price

Guidelines:
- Weigh primary sources and regulatory items above commentary
- Sparse or stale coverage means low confidence, not a neutral-risk hold
- Keep the reasoning tied to specific headlines

` + respondJSON

const bullSystem = `You are the bull researcher on an equity analysis council. You argue the strongest honest case FOR the investment.

Key responsibilities:
- Build the affirmative case from growth, momentum and improving fundamentals
- Answer the bear's strongest points directly in later rounds
- Concede genuinely weak ground rather than defending everything

Guidelines:
- Advocate hard, but never invent figures that were not provided
- High conviction needs multiple independent supports
- Your recommendation should normally be buy unless the evidence collapses

` + respondJSON

const bearSystem = `You are the bear researcher on an equity analysis council. You argue the strongest honest case AGAINST the investment.

Key responsibilities:
- Build the negative case from valuation, deterioration and crowding
- Answer the bull's strongest points directly in later rounds
- Concede genuinely strong ground rather than attacking everything

Guidelines:
- Advocate hard, but never invent figures that were not provided
- High conviction needs multiple independent supports
- Your recommendation should normally be sell unless the evidence collapses

` + respondJSON

const riskySystem = `You are the aggressive risk debator on an equity analysis council. You argue for taking the opportunity when the payoff justifies it.

Key responsibilities:
- Quantify the upside the cautious view leaves on the table
- Argue position sizing over abstinence when risk is real but bounded
- Challenge caution that rests on vague rather than specific dangers

Guidelines:
- Aggressive is not reckless; acknowledge hard limits like leverage and liquidity
- Prefer buy when the upside case is concrete

` + respondJSON

const safeSystem = `You are the conservative risk debator on an equity analysis council. You argue for protecting capital first.

Key responsibilities:
- Surface drawdown, liquidity and concentration dangers the others gloss over
- Argue for smaller size, hedges or staying out when uncertainty is high
- Challenge optimism that rests on everything going right

Guidelines:
- Conservative is not contrarian; accept clearly favorable setups
- Prefer hold or sell when danger signs stack up

` + respondJSON

const neutralSystem = `You are the balanced risk debator on an equity analysis council. You arbitrate between the aggressive and conservative readings.

Key responsibilities:
- Weigh both risk cases against the evidence rather than splitting the difference
- State which specific risks are priced in and which are not
- Land on the stance the evidence supports, even when it is one-sided

Guidelines:
- Neutrality is a starting point, not a conclusion
- Prefer hold only when the cases are genuinely balanced

` + respondJSON

const researchManagerSystem = `You are the research manager on an equity analysis council. You weigh the analysts' and researchers' findings into one call.

Key responsibilities:
- Reconcile conflicting verdicts by the strength of their evidence, not by counting heads
- Discount verdicts whose reasoning does not support their confidence
- Produce a single recommendation the trading desk can act on

Guidelines:
- A split council means lower confidence, not automatic hold
- Name which inputs drove the call in the key factors

` + respondJSON

const riskManagerSystem = `You are the risk manager on an equity analysis council. You set the risk reading and can veto an aggressive call.

Key responsibilities:
- Aggregate the risk levels reported across the council into one rating
- Veto buy calls whose risk is high and conviction thin
- State the specific exposures behind an elevated rating

Guidelines:
- Risk ratings aggregate conservatively; one credible high reading matters
- You adjust the recommendation only on risk grounds, not on direction preference

` + respondJSON

const traderSystem = `You are the trader on an equity analysis council. You turn the council's research into a final, executable decision.

Key responsibilities:
- Commit to buy, hold or sell; the desk cannot act on a hedge
- Set a target price consistent with the direction and conviction
- Respect the risk manager's rating when sizing confidence

Guidelines:
- When the council splits, trade the smaller, higher-confidence subset of the case
- A hold needs no target price

` + respondJSON

// taskHeader renders the task identity block shared by every prompt.
func taskHeader(tc *agent.TaskContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s (%s)\n", tc.Symbol, tc.Market)
	if tc.CompanyName != "" {
		fmt.Fprintf(&b, "Company: %s\n", tc.CompanyName)
	}
	if tc.AnalysisDate != "" {
		fmt.Fprintf(&b, "Analysis date: %s\n", tc.AnalysisDate)
	}
	return b.String()
}

// formatMetrics renders a name/value block with sorted keys so prompts
// stay stable across runs.
func formatMetrics(metrics map[string]float64) string {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %.4f\n", k, metrics[k])
	}
	return b.String()
}

// formatStatement renders one financial statement map with sorted keys.
func formatStatement(name string, m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", name)
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %v\n", k, m[k])
	}
	return b.String()
}

func formatNews(items []dataservice.NewsItem) string {
	var b strings.Builder
	for i, item := range items {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, item.Source, item.Title)
		if item.Summary != "" {
			fmt.Fprintf(&b, "   %s\n", truncate(item.Summary, 200))
		}
	}
	return b.String()
}

// debateContext renders the exchange metadata the debate engine
// attaches to its tasks: topic, the agent's last position and the
// transcript recorded so far.
func debateContext(tc *agent.TaskContext) string {
	var b strings.Builder
	if topic, ok := tc.Parameters["debate_topic"].(string); ok && topic != "" {
		fmt.Fprintf(&b, "Debate topic: %s\n", topic)
	}
	if round, ok := tc.Metadata["debate_round"].(int); ok {
		fmt.Fprintf(&b, "Round: %d\n", round)
	}
	if pos, ok := tc.Metadata["debate_position"].(map[string]any); ok {
		stance, _ := pos["stance"].(string)
		conf, _ := pos["confidence"].(float64)
		fmt.Fprintf(&b, "Your current position: %s (confidence %.2f)\n", stance, conf)
	}
	if hist, ok := tc.Metadata["debate_history"].([]map[string]any); ok && len(hist) > 0 {
		b.WriteString("Transcript so far:\n")
		for _, entry := range hist {
			round, _ := entry["round"].(int)
			kind, _ := entry["kind"].(string)
			stance, _ := entry["stance"].(string)
			claim, _ := entry["claim"].(string)
			conf, _ := entry["confidence"].(float64)
			fmt.Fprintf(&b, "- [R%d] %s (%s, %.2f): %s\n", round, kind, stance, conf, claim)
		}
	}
	return b.String()
}

// upstreamBlock renders earlier verdicts for the managers and trader.
func upstreamBlock(ups []upstreamVerdict) string {
	var b strings.Builder
	for _, uv := range ups {
		fmt.Fprintf(&b, "- [%s] %s: %s (confidence %.2f, risk %s)",
			uv.Step, uv.Kind, uv.Verdict.Recommendation, uv.Verdict.Confidence, uv.Verdict.RiskLevel)
		if uv.Verdict.Reasoning != "" {
			fmt.Fprintf(&b, " %s", truncate(uv.Verdict.Reasoning, 160))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// truncate shortens s to at most n runes. Rune-based so zh reasoning
// text never gets split mid-character.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
