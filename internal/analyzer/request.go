package analyzer

import (
	"fmt"
	"time"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/fault"
)

// dateLayout is the wire format for analysis dates
const dateLayout = "2006-01-02"

// Request is a client analysis order. Field names match the HTTP wire
// format.
type Request struct {
	StockCode     string       `json:"stock_code"`
	CompanyName   string       `json:"company_name,omitempty"`
	MarketType    agent.Market `json:"market_type"`
	AnalysisDate  string       `json:"analysis_date"`
	ResearchDepth int          `json:"research_depth"`

	MarketAnalyst      bool `json:"market_analyst"`
	SocialAnalyst      bool `json:"social_analyst"`
	NewsAnalyst        bool `json:"news_analyst"`
	FundamentalAnalyst bool `json:"fundamental_analyst"`

	LLMProvider      string `json:"llm_provider,omitempty"`
	LLMModel         string `json:"llm_model,omitempty"`
	EnableMemory     bool   `json:"enable_memory,omitempty"`
	DebugMode        bool   `json:"debug_mode,omitempty"`
	MaxOutputLength  int    `json:"max_output_length,omitempty"`
	IncludeSentiment bool   `json:"include_sentiment,omitempty"`
	IncludeRisk      bool   `json:"include_risk_assessment,omitempty"`
	CustomPrompt     string `json:"custom_prompt,omitempty"`
}

// Validate rejects requests the orchestrators cannot serve
func (r *Request) Validate() error {
	if r.StockCode == "" {
		return fault.New(fault.KindInvalid, "stock_code is required")
	}
	if _, err := agent.ParseMarket(string(r.MarketType)); err != nil {
		return err
	}
	if r.AnalysisDate == "" {
		return fault.New(fault.KindInvalid, "analysis_date is required")
	}
	if _, err := time.Parse(dateLayout, r.AnalysisDate); err != nil {
		return fault.Newf(fault.KindInvalid, "analysis_date %q is not an ISO date", r.AnalysisDate)
	}
	if r.ResearchDepth < 1 || r.ResearchDepth > 5 {
		return fault.Newf(fault.KindInvalid, "research_depth %d is outside 1..5", r.ResearchDepth)
	}
	if r.AnalystCount() == 0 {
		return fault.New(fault.KindInvalid, "at least one analyst must be selected")
	}
	return nil
}

// AnalystKinds lists the enabled analyst kinds in dispatch precedence
// order. The independent path calls the first one.
func (r *Request) AnalystKinds() []agent.Kind {
	var kinds []agent.Kind
	if r.MarketAnalyst {
		kinds = append(kinds, agent.KindMarketAnalyst)
	}
	if r.FundamentalAnalyst {
		kinds = append(kinds, agent.KindFundamentalsAnalyst)
	}
	if r.NewsAnalyst {
		kinds = append(kinds, agent.KindNewsAnalyst)
	}
	if r.SocialAnalyst {
		kinds = append(kinds, agent.KindSocialMediaAnalyst)
	}
	return kinds
}

// AnalystCount returns how many analyst kinds the request enables
func (r *Request) AnalystCount() int {
	return len(r.AnalystKinds())
}

// analystTasks names the direct-dispatch task for each analyst kind
var analystTasks = map[agent.Kind]string{
	agent.KindMarketAnalyst:       "technical_analysis",
	agent.KindFundamentalsAnalyst: "fundamentals_analysis",
	agent.KindNewsAnalyst:         "news_analysis",
	agent.KindSocialMediaAnalyst:  "sentiment_analysis",
}

// TaskContext converts the request into the task shape agents consume
func (r *Request) TaskContext(taskName string) *agent.TaskContext {
	tc := agent.NewTaskContext(taskName, r.StockCode, r.MarketType)
	tc.CompanyName = r.CompanyName
	tc.AnalysisDate = r.AnalysisDate

	if r.ResearchDepth > 0 {
		tc.Parameters["research_depth"] = r.ResearchDepth
	}
	if r.LLMProvider != "" {
		tc.Parameters["llm_provider"] = r.LLMProvider
	}
	if r.LLMModel != "" {
		tc.Parameters["llm_model"] = r.LLMModel
	}
	if r.CustomPrompt != "" {
		tc.Parameters["custom_prompt"] = r.CustomPrompt
	}
	if r.MaxOutputLength > 0 {
		tc.Parameters["max_output_length"] = r.MaxOutputLength
	}
	if r.DebugMode {
		tc.Parameters["debug_mode"] = true
	}
	if r.IncludeSentiment {
		tc.Parameters["include_sentiment"] = true
	}
	if r.IncludeRisk {
		tc.Parameters["include_risk_assessment"] = true
	}
	return tc
}

// MemorySummary renders the text past analyses are recalled by
func (r *Request) MemorySummary() string {
	name := r.CompanyName
	if name == "" {
		name = r.StockCode
	}
	return fmt.Sprintf("%s (%s, %s) analysis on %s at research depth %d",
		name, r.StockCode, r.MarketType, r.AnalysisDate, r.ResearchDepth)
}
