package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/fault"
)

func validRequest() *Request {
	return &Request{
		StockCode:     "AAPL",
		CompanyName:   "Apple Inc.",
		MarketType:    agent.MarketUS,
		AnalysisDate:  "2025-06-02",
		ResearchDepth: 3,
		MarketAnalyst: true,
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(r *Request)
		ok   bool
	}{
		{"valid", func(r *Request) {}, true},
		{"missing stock code", func(r *Request) { r.StockCode = "" }, false},
		{"unknown market", func(r *Request) { r.MarketType = "LSE" }, false},
		{"missing date", func(r *Request) { r.AnalysisDate = "" }, false},
		{"non-ISO date", func(r *Request) { r.AnalysisDate = "06/02/2025" }, false},
		{"depth too low", func(r *Request) { r.ResearchDepth = 0 }, false},
		{"depth too high", func(r *Request) { r.ResearchDepth = 6 }, false},
		{"no analysts", func(r *Request) { r.MarketAnalyst = false }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mut(req)
			err := req.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, fault.KindInvalid, fault.KindOf(err))
		})
	}
}

func TestAnalystKindsPrecedence(t *testing.T) {
	req := &Request{
		MarketAnalyst:      true,
		SocialAnalyst:      true,
		NewsAnalyst:        true,
		FundamentalAnalyst: true,
	}
	assert.Equal(t, []agent.Kind{
		agent.KindMarketAnalyst,
		agent.KindFundamentalsAnalyst,
		agent.KindNewsAnalyst,
		agent.KindSocialMediaAnalyst,
	}, req.AnalystKinds())

	req = &Request{NewsAnalyst: true, SocialAnalyst: true}
	assert.Equal(t, []agent.Kind{agent.KindNewsAnalyst, agent.KindSocialMediaAnalyst}, req.AnalystKinds())
	assert.Equal(t, 2, req.AnalystCount())
}

func TestRequestTaskContext(t *testing.T) {
	req := validRequest()
	req.LLMModel = "gpt-4o-mini"
	req.CustomPrompt = "focus on margins"
	req.IncludeRisk = true

	tc := req.TaskContext("technical_analysis")
	require.NotNil(t, tc)
	assert.Equal(t, "technical_analysis", tc.TaskName)
	assert.Equal(t, "AAPL", tc.Symbol)
	assert.Equal(t, agent.MarketUS, tc.Market)
	assert.Equal(t, "Apple Inc.", tc.CompanyName)
	assert.Equal(t, "2025-06-02", tc.AnalysisDate)
	assert.Equal(t, 3, tc.Parameters["research_depth"])
	assert.Equal(t, "gpt-4o-mini", tc.Parameters["llm_model"])
	assert.Equal(t, "focus on margins", tc.Parameters["custom_prompt"])
	assert.Equal(t, true, tc.Parameters["include_risk_assessment"])
	assert.NotContains(t, tc.Parameters, "llm_provider")
	assert.NotContains(t, tc.Parameters, "debug_mode")
}

func TestMemorySummary(t *testing.T) {
	req := validRequest()
	assert.Equal(t, "Apple Inc. (AAPL, US) analysis on 2025-06-02 at research depth 3", req.MemorySummary())

	req.CompanyName = ""
	assert.Contains(t, req.MemorySummary(), "AAPL (AAPL, US)")
}
