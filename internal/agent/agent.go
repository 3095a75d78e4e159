// Package agent defines the core domain types of the analysis council:
// agent kinds, capabilities, task envelopes, verdicts and per-agent
// performance metrics. The orchestration layers (registry, workflow,
// debate, analyzer) depend on this package and never the reverse.
package agent

import (
	"context"
	"fmt"
)

// Kind identifies the analytical role of an agent. The set is closed:
// dispatch, consensus weighting and workflow definitions all key on it.
type Kind string

const (
	KindFundamentalsAnalyst Kind = "fundamentals_analyst"
	KindMarketAnalyst       Kind = "market_analyst"
	KindNewsAnalyst         Kind = "news_analyst"
	KindSocialMediaAnalyst  Kind = "social_media_analyst"
	KindBullResearcher      Kind = "bull_researcher"
	KindBearResearcher      Kind = "bear_researcher"
	KindResearchManager     Kind = "research_manager"
	KindRiskManager         Kind = "risk_manager"
	KindTrader              Kind = "trader"
	KindRiskyDebator        Kind = "risky_debator"
	KindSafeDebator         Kind = "safe_debator"
	KindNeutralDebator      Kind = "neutral_debator"
)

// AllKinds lists every agent kind in a stable order
func AllKinds() []Kind {
	return []Kind{
		KindFundamentalsAnalyst,
		KindMarketAnalyst,
		KindNewsAnalyst,
		KindSocialMediaAnalyst,
		KindBullResearcher,
		KindBearResearcher,
		KindResearchManager,
		KindRiskManager,
		KindTrader,
		KindRiskyDebator,
		KindSafeDebator,
		KindNeutralDebator,
	}
}

// ParseKind validates a kind string
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown agent kind: %q", s)
}

// String returns the wire name of the kind
func (k Kind) String() string { return string(k) }

// State is the lifecycle state of a registered agent. The registry owns
// transitions; agents never mutate their own state.
type State string

const (
	StateIdle    State = "idle"
	StateBusy    State = "busy"
	StateError   State = "error"
	StateOffline State = "offline"
)

// Market identifies a supported equity market
type Market string

const (
	MarketCNA Market = "CN-A"
	MarketUS  Market = "US"
	MarketHK  Market = "HK"
)

// AllMarkets lists every supported market
func AllMarkets() []Market {
	return []Market{MarketCNA, MarketUS, MarketHK}
}

// ParseMarket validates a market string
func ParseMarket(s string) (Market, error) {
	for _, m := range AllMarkets() {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown market: %q", s)
}

// Agent is the contract every analyst implements. Implementations hold
// their own collaborator clients (LLM, data service) and produce a
// payload map; the dispatcher wraps it into a TaskResult and owns all
// state and metrics bookkeeping.
type Agent interface {
	// ID returns the stable unique id of this agent instance
	ID() string
	// Kind returns the analytical role
	Kind() Kind
	// Capabilities returns the tasks this agent can handle
	Capabilities() []Capability
	// ProcessTask runs one task to completion or ctx expiry
	ProcessTask(ctx context.Context, task *TaskContext) (map[string]any, error)
	// HealthCheck reports whether the agent can currently take work
	HealthCheck(ctx context.Context) error
}
