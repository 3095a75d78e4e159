package workflow

import (
	"time"

	"github.com/tradecouncil/council/internal/agent"
)

// Built-in workflow ids
const (
	QuickAnalysisID         = "quick_analysis"
	ComprehensiveAnalysisID = "comprehensive_analysis"
)

// builtinDefinitions returns the workflows every library starts with.
// quick_analysis is a three-step sequential pipeline for fast calls;
// comprehensive_analysis is the full seven-step council with parallel
// analysis, research debate and risk review.
func builtinDefinitions() []*Definition {
	return []*Definition{
		{
			ID:      QuickAnalysisID,
			Name:    "Quick Analysis",
			Version: "1.0.0",
			Steps: []Step{
				{
					ID:         "technical_analysis",
					Name:       "technical_analysis",
					AgentKinds: []agent.Kind{agent.KindMarketAnalyst},
					Timeout:    3 * time.Minute,
				},
				{
					ID:         "risk_check",
					Name:       "risk_check",
					AgentKinds: []agent.Kind{agent.KindRiskManager},
					DependsOn:  []string{"technical_analysis"},
					Timeout:    3 * time.Minute,
				},
				{
					ID:         "quick_decision",
					Name:       "quick_decision",
					AgentKinds: []agent.Kind{agent.KindTrader},
					DependsOn:  []string{"risk_check"},
					Timeout:    2 * time.Minute,
				},
			},
			Timeout:         600 * time.Second,
			FailureStrategy: FailStop,
			Metadata: map[string]string{
				"description": "Fast three-stage pipeline: technical read, risk check, decision",
			},
		},
		{
			ID:      ComprehensiveAnalysisID,
			Name:    "Comprehensive Analysis",
			Version: "1.0.0",
			Steps: []Step{
				{
					// The market analyst doubles as data collector: its
					// data-service fetch primes caches for the later steps.
					ID:         "data_preparation",
					Name:       "data_preparation",
					AgentKinds: []agent.Kind{agent.KindMarketAnalyst},
					Timeout:    120 * time.Second,
				},
				{
					ID:   "parallel_analysis",
					Name: "parallel_analysis",
					AgentKinds: []agent.Kind{
						agent.KindFundamentalsAnalyst,
						agent.KindMarketAnalyst,
						agent.KindNewsAnalyst,
					},
					DependsOn: []string{"data_preparation"},
					Parallel:  true,
					Timeout:   300 * time.Second,
				},
				{
					ID:         "sentiment",
					Name:       "sentiment_analysis",
					AgentKinds: []agent.Kind{agent.KindSocialMediaAnalyst},
					DependsOn:  []string{"data_preparation"},
					Parallel:   true,
					Optional:   true,
					Timeout:    180 * time.Second,
				},
				{
					ID:   "research_debate",
					Name: "research_debate",
					AgentKinds: []agent.Kind{
						agent.KindBullResearcher,
						agent.KindBearResearcher,
					},
					DependsOn: []string{"parallel_analysis"},
					Parallel:  true,
					Timeout:   240 * time.Second,
				},
				{
					ID:   "risk_assessment",
					Name: "risk_assessment",
					AgentKinds: []agent.Kind{
						agent.KindRiskyDebator,
						agent.KindSafeDebator,
						agent.KindNeutralDebator,
					},
					DependsOn: []string{"research_debate"},
					Parallel:  true,
					Timeout:   180 * time.Second,
				},
				{
					ID:   "management_review",
					Name: "management_review",
					AgentKinds: []agent.Kind{
						agent.KindResearchManager,
						agent.KindRiskManager,
					},
					DependsOn: []string{"risk_assessment"},
					Parallel:  true,
					Timeout:   200 * time.Second,
				},
				{
					ID:         "final_decision",
					Name:       "final_decision",
					AgentKinds: []agent.Kind{agent.KindTrader},
					DependsOn:  []string{"management_review"},
					Timeout:    120 * time.Second,
				},
			},
			Timeout:         1800 * time.Second,
			FailureStrategy: FailContinue,
			Metadata: map[string]string{
				"description": "Full council: data prep, parallel analysis, research debate, risk review, decision",
			},
		},
	}
}
