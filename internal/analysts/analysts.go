// Package analysts implements the built-in agent fleet: one agent per
// kind, from the four data analysts through the researcher pair, the
// risk debators, the two managers and the trader. Every agent follows
// the same shape: gather what its angle needs from the data service,
// ask the completion service for a verdict when one is configured, and
// fall back to a deterministic heuristic when the model is missing or
// misbehaves. Agents never fail a task just because the model did.
package analysts

import (
	"time"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/dataservice"
	"github.com/tradecouncil/council/internal/llm"
)

const (
	// historyDays covers the warmup the slowest indicator needs
	// (MACD 26+9) with margin for non-trading days.
	historyDays = 120
	// minHistory is the fewest closes the market analyst accepts.
	minHistory = 40
	// newsLimit bounds how many articles the news analyst reads.
	newsLimit = 10
)

// Config wires the two collaborator ports into the fleet. Both are
// optional: without Data the data analysts report unhealthy, without
// LLM every agent runs on its rule-based heuristic alone.
type Config struct {
	LLM  llm.CompletionService
	Data dataservice.DataService
}

// NewFleet builds one agent of every kind. The caller registers them;
// the slice order is stable so logs read the same across restarts.
func NewFleet(cfg Config) []agent.Agent {
	return []agent.Agent{
		NewFundamentalsAnalyst(cfg),
		NewMarketAnalyst(cfg),
		NewNewsAnalyst(cfg),
		NewSocialMediaAnalyst(cfg),
		NewBullResearcher(cfg),
		NewBearResearcher(cfg),
		NewResearchManager(cfg),
		NewRiskManager(cfg),
		NewTrader(cfg),
		NewRiskyDebator(cfg),
		NewSafeDebator(cfg),
		NewNeutralDebator(cfg),
	}
}

// capability builds one capability spanning all supported markets.
// Names are deliberately short: task routing matches capability names
// by substring, so "analysis" covers technical_analysis,
// parallel_analysis and the rest of the analysis family.
func capability(name, desc string, maxTasks int, est time.Duration) agent.Capability {
	return agent.Capability{
		Name:               name,
		Description:        desc,
		Markets:            []agent.Market{agent.MarketCNA, agent.MarketUS, agent.MarketHK},
		MaxConcurrentTasks: maxTasks,
		EstimatedDuration:  est,
	}
}
