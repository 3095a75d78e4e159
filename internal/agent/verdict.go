package agent

import (
	"strings"
)

// Recommendation is a normalized trading stance
type Recommendation string

const (
	RecommendBuy  Recommendation = "buy"
	RecommendHold Recommendation = "hold"
	RecommendSell Recommendation = "sell"
)

// ParseRecommendation normalizes free-form stance strings, including the
// zh-CN labels used for CN-A market reports. Unknown values read as hold.
func ParseRecommendation(s string) Recommendation {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "strong_buy", "strong buy", "买入":
		return RecommendBuy
	case "sell", "strong_sell", "strong sell", "卖出":
		return RecommendSell
	default:
		return RecommendHold
	}
}

// Localize renders the recommendation for the given market. CN-A reports
// carry the zh-CN labels; everything else stays ASCII.
func (r Recommendation) Localize(market Market) string {
	if market != MarketCNA {
		return string(r)
	}
	switch r {
	case RecommendBuy:
		return "买入"
	case RecommendSell:
		return "卖出"
	default:
		return "持有"
	}
}

// RiskLevel is a normalized risk bucket
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Score maps the bucket to the 1..3 scale consensus averages over
func (r RiskLevel) Score() float64 {
	switch r {
	case RiskLow:
		return 1
	case RiskHigh:
		return 3
	default:
		return 2
	}
}

// RiskFromScore buckets a mean risk score: <=1.5 low, <=2.5 medium, else high
func RiskFromScore(score float64) RiskLevel {
	switch {
	case score <= 1.5:
		return RiskLow
	case score <= 2.5:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// ParseRiskLevel normalizes free-form risk strings; unknown reads as medium
func ParseRiskLevel(s string) RiskLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "低":
		return RiskLow
	case "high", "高":
		return RiskHigh
	default:
		return RiskMedium
	}
}

// Verdict is the typed stance an agent takes on a symbol. Agents embed it
// in their result payload under the "verdict" key; consensus and debate
// consume the typed struct instead of probing loose fields.
type Verdict struct {
	Recommendation Recommendation `json:"recommendation"`
	Confidence     float64        `json:"confidence"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	Reasoning      string         `json:"reasoning,omitempty"`
	KeyFactors     []string       `json:"key_factors,omitempty"`
}

// payload key the typed verdict travels under
const verdictKey = "verdict"

// ToPayload embeds the verdict into a result payload
func (v Verdict) ToPayload(payload map[string]any) map[string]any {
	if payload == nil {
		payload = make(map[string]any)
	}
	payload[verdictKey] = map[string]any{
		"recommendation": string(v.Recommendation),
		"confidence":     v.Confidence,
		"risk_level":     string(v.RiskLevel),
		"reasoning":      v.Reasoning,
		"key_factors":    v.KeyFactors,
	}
	return payload
}

// VerdictFromResult extracts the verdict from a task result. Typed verdicts
// win; payloads produced outside the built-in fleet fall back to field
// probing with neutral defaults, so extraction never fails.
func VerdictFromResult(r *TaskResult) Verdict {
	if r == nil || r.Payload == nil {
		return Verdict{Recommendation: RecommendHold, Confidence: 0.5, RiskLevel: RiskMedium}
	}
	if raw, ok := r.Payload[verdictKey]; ok {
		if m, ok := raw.(map[string]any); ok {
			return verdictFromMap(m)
		}
		if v, ok := raw.(Verdict); ok {
			return normalizeVerdict(v)
		}
	}
	return ProbeVerdict(r.Payload)
}

func verdictFromMap(m map[string]any) Verdict {
	v := Verdict{
		Recommendation: ParseRecommendation(stringField(m, "recommendation")),
		Confidence:     floatField(m, 0.5, "confidence"),
		RiskLevel:      ParseRiskLevel(stringField(m, "risk_level")),
		Reasoning:      stringField(m, "reasoning"),
		KeyFactors:     stringSliceField(m, "key_factors"),
	}
	return normalizeVerdict(v)
}

func normalizeVerdict(v Verdict) Verdict {
	if v.Recommendation == "" {
		v.Recommendation = RecommendHold
	}
	if v.RiskLevel == "" {
		v.RiskLevel = RiskMedium
	}
	v.Confidence = clamp01(v.Confidence)
	if len(v.KeyFactors) > 5 {
		v.KeyFactors = v.KeyFactors[:5]
	}
	return v
}

// ProbeVerdict extracts a verdict from a loose payload. Recommendation is
// probed from recommendation, investment_recommendation.recommendation,
// trading_signal and decision, in that order; confidence accepts numeric
// values clamped to [0,1] or the textual high/medium/low scale.
func ProbeVerdict(payload map[string]any) Verdict {
	v := Verdict{
		Recommendation: RecommendHold,
		Confidence:     0.5,
		RiskLevel:      RiskMedium,
	}

	for _, key := range []string{"recommendation", "trading_signal", "decision"} {
		if s := stringField(payload, key); s != "" {
			v.Recommendation = ParseRecommendation(s)
			break
		}
		if key == "recommendation" {
			if nested, ok := payload["investment_recommendation"].(map[string]any); ok {
				if s := stringField(nested, "recommendation"); s != "" {
					v.Recommendation = ParseRecommendation(s)
					break
				}
			}
		}
	}

	found := false
	for _, key := range []string{"confidence_score", "confidence"} {
		if raw, ok := payload[key]; ok {
			v.Confidence = confidenceFromAny(raw)
			found = true
			break
		}
	}
	if !found {
		if nested, ok := payload["investment_recommendation"].(map[string]any); ok {
			if raw, ok := nested["confidence"]; ok {
				v.Confidence = confidenceFromAny(raw)
			}
		}
	}

	for _, key := range []string{"risk_level", "risk_score"} {
		if raw, ok := payload[key]; ok {
			switch r := raw.(type) {
			case string:
				v.RiskLevel = ParseRiskLevel(r)
			case float64:
				v.RiskLevel = RiskFromScore(r)
			case int:
				v.RiskLevel = RiskFromScore(float64(r))
			}
			break
		}
	}

	if s := stringField(payload, "reasoning"); s != "" {
		v.Reasoning = s
	} else if s := stringField(payload, "summary"); s != "" {
		v.Reasoning = s
	}

	for _, key := range []string{"key_factors", "factors", "key_points"} {
		if fs := stringSliceField(payload, key); len(fs) > 0 {
			if len(fs) > 5 {
				fs = fs[:5]
			}
			v.KeyFactors = fs
			break
		}
	}

	return v
}

func confidenceFromAny(raw any) float64 {
	switch c := raw.(type) {
	case float64:
		return clamp01(c)
	case int:
		return clamp01(float64(c))
	case string:
		return confidenceFromText(c)
	default:
		return 0.5
	}
}

func confidenceFromText(s string) float64 {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "高":
		return 0.8
	case "medium", "moderate", "中":
		return 0.6
	case "low", "低":
		return 0.4
	default:
		return 0.5
	}
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func floatField(m map[string]any, def float64, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

func stringSliceField(m map[string]any, key string) []string {
	switch raw := m[key].(type) {
	case []string:
		return raw
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
