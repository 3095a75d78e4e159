package analysts

import (
	"time"

	"github.com/tradecouncil/council/internal/agent"
)

// The researcher pair runs the adversarial half of the council. Each
// anchors on one side and argues it through debate rounds; their
// verdicts move off the anchor only when the model finds the evidence
// genuinely one-sided the other way.

func NewBullResearcher(cfg Config) *Advocate {
	return newAdvocate(agent.KindBullResearcher, cfg, angle{
		rec:        agent.RecommendBuy,
		risk:       agent.RiskMedium,
		confidence: 0.6,
		system:     bullSystem,
		brief:      "Growth and momentum favor accumulation; pullbacks at this stage are entries, not exits",
	},
		capability("research", "Affirmative investment research", 3, 45*time.Second),
		capability("debate", "Structured debate exchanges", 3, 30*time.Second),
	)
}

func NewBearResearcher(cfg Config) *Advocate {
	return newAdvocate(agent.KindBearResearcher, cfg, angle{
		rec:        agent.RecommendSell,
		risk:       agent.RiskMedium,
		confidence: 0.6,
		system:     bearSystem,
		brief:      "Valuation and deterioration argue for reducing exposure before the crowd repositions",
	},
		capability("research", "Negative-case investment research", 3, 45*time.Second),
		capability("debate", "Structured debate exchanges", 3, 30*time.Second),
	)
}
