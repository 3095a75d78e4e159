package analysts

import (
	"time"

	"github.com/tradecouncil/council/internal/agent"
)

// The three debators argue risk posture rather than direction. They
// answer risk_assessment steps and debate exchanges with the same
// machinery as the researchers, anchored on tolerance instead of
// thesis.

func NewRiskyDebator(cfg Config) *Advocate {
	return newAdvocate(agent.KindRiskyDebator, cfg, angle{
		rec:        agent.RecommendBuy,
		risk:       agent.RiskMedium,
		confidence: 0.6,
		system:     riskySystem,
		brief:      "The downside here is bounded and priced; forgoing the upside is the larger risk",
	},
		capability("risk", "Aggressive risk posture assessment", 3, 30*time.Second),
		capability("debate", "Structured debate exchanges", 3, 30*time.Second),
	)
}

func NewSafeDebator(cfg Config) *Advocate {
	return newAdvocate(agent.KindSafeDebator, cfg, angle{
		rec:        agent.RecommendHold,
		risk:       agent.RiskHigh,
		confidence: 0.6,
		system:     safeSystem,
		brief:      "The drawdown scenarios are not compensated at this price; capital preservation comes first",
	},
		capability("risk", "Conservative risk posture assessment", 3, 30*time.Second),
		capability("debate", "Structured debate exchanges", 3, 30*time.Second),
	)
}

func NewNeutralDebator(cfg Config) *Advocate {
	return newAdvocate(agent.KindNeutralDebator, cfg, angle{
		rec:        agent.RecommendHold,
		risk:       agent.RiskMedium,
		confidence: 0.5,
		system:     neutralSystem,
		brief:      "The aggressive and conservative cases roughly offset at current prices",
	},
		capability("risk", "Balanced risk posture arbitration", 3, 30*time.Second),
		capability("debate", "Structured debate exchanges", 3, 30*time.Second),
	)
}
