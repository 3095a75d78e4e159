// Package consensus fuses per-agent verdicts into a single recommendation.
// Five policies are supported; the hybrid policy runs the other four and
// arbitrates between them. All policies are deterministic: votes are
// processed in agent-id order and every tie has a written rule.
package consensus

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/fault"
)

// Method names a fusion policy
type Method string

const (
	Majority           Method = "majority"            // plain vote count
	Weighted           Method = "weighted"            // static per-kind weights
	ConfidenceWeighted Method = "confidence_weighted" // votes weighted by reported confidence
	ExpertPriority     Method = "expert_priority"     // highest-ranked kind decides
	Hybrid             Method = "hybrid"              // arbitrates across the four above
)

// AllMethods lists every fusion policy
func AllMethods() []Method {
	return []Method{Majority, Weighted, ConfidenceWeighted, ExpertPriority, Hybrid}
}

// ParseMethod validates a method string
func ParseMethod(s string) (Method, error) {
	for _, m := range AllMethods() {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fault.Newf(fault.KindInvalid, "unknown consensus method %q", s)
}

// Level buckets consensus strength
type Level string

const (
	LevelStrong      Level = "strong"       // strength >= 0.8
	LevelModerate    Level = "moderate"     // strength >= 0.6
	LevelWeak        Level = "weak"         // strength >= 0.4
	LevelNoConsensus Level = "no_consensus" // anything below
)

func levelFor(strength float64) Level {
	switch {
	case strength >= 0.8:
		return LevelStrong
	case strength >= 0.6:
		return LevelModerate
	case strength >= 0.4:
		return LevelWeak
	default:
		return LevelNoConsensus
	}
}

// Consensus is the fused decision over a set of agent results
type Consensus struct {
	Method         Method               `json:"method"`
	Recommendation agent.Recommendation `json:"recommendation"`
	Strength       float64              `json:"consensus_strength"`
	Level          Level                `json:"consensus_level"`
	Participants   []string             `json:"participants"`
	MeanConfidence float64              `json:"mean_confidence"`
	RiskLevel      agent.RiskLevel      `json:"risk_level"`
	KeyFactors     []string             `json:"key_factors,omitempty"`
	Details        map[string]any       `json:"details,omitempty"`
	ComputedAt     time.Time            `json:"computed_at"`
}

// vote is one successful result reduced to its verdict
type vote struct {
	agentID string
	kind    agent.Kind
	verdict agent.Verdict
}

// Config overrides the static weight and priority tables
type Config struct {
	// Weights are the per-kind multipliers for the weighted policy.
	// Kinds not listed get weight 1.0.
	Weights map[agent.Kind]float64
	// Priorities rank kinds for the expert policy; lower wins. Kinds not
	// listed rank 999.
	Priorities map[agent.Kind]int
}

// DefaultWeights returns the standard per-kind vote weights
func DefaultWeights() map[agent.Kind]float64 {
	return map[agent.Kind]float64{
		agent.KindResearchManager:     1.5,
		agent.KindRiskManager:         1.3,
		agent.KindFundamentalsAnalyst: 1.2,
		agent.KindMarketAnalyst:       1.1,
		agent.KindNewsAnalyst:         0.9,
		agent.KindSocialMediaAnalyst:  0.7,
	}
}

// DefaultPriorities returns the expert ranking, lower is higher priority
func DefaultPriorities() map[agent.Kind]int {
	return map[agent.Kind]int{
		agent.KindResearchManager:     1,
		agent.KindRiskManager:         2,
		agent.KindFundamentalsAnalyst: 3,
		agent.KindMarketAnalyst:       4,
		agent.KindTrader:              5,
	}
}

const (
	defaultWeight   = 1.0
	defaultPriority = 999
)

// Engine computes consensus decisions
type Engine struct {
	weights    map[agent.Kind]float64
	priorities map[agent.Kind]int
	log        zerolog.Logger
	metrics    *consensusMetrics
}

// NewEngine creates an engine with the default weight and priority tables
func NewEngine() *Engine {
	return NewEngineWithConfig(Config{})
}

// NewEngineWithConfig creates an engine with overridden tables
func NewEngineWithConfig(cfg Config) *Engine {
	weights := cfg.Weights
	if weights == nil {
		weights = DefaultWeights()
	}
	priorities := cfg.Priorities
	if priorities == nil {
		priorities = DefaultPriorities()
	}
	return &Engine{
		weights:    weights,
		priorities: priorities,
		log:        log.With().Str("component", "consensus").Logger(),
		metrics:    getOrCreateConsensusMetrics(),
	}
}

// Compute fuses the given results under one policy. Failed results are
// excluded before voting; when nothing remains the decision is a neutral
// hold with zero strength.
func (e *Engine) Compute(method Method, results map[string]*agent.TaskResult) *Consensus {
	votes := collectVotes(results)

	c := &Consensus{
		Method:         method,
		Recommendation: agent.RecommendHold,
		Level:          LevelNoConsensus,
		RiskLevel:      agent.RiskMedium,
		Participants:   make([]string, 0, len(votes)),
		ComputedAt:     time.Now(),
	}
	for _, v := range votes {
		c.Participants = append(c.Participants, v.agentID)
	}
	if len(votes) == 0 {
		e.log.Debug().Str("method", string(method)).Msg("No successful results to fuse")
		e.metrics.decisions.WithLabelValues(string(method), string(c.Recommendation)).Inc()
		return c
	}

	outcome := e.runPolicy(method, votes)
	c.Recommendation = outcome.recommendation
	c.Strength = outcome.strength
	c.Level = levelFor(outcome.strength)
	c.Details = outcome.details

	c.MeanConfidence = meanConfidence(votes)
	c.RiskLevel = aggregateRisk(votes)
	c.KeyFactors = aggregateKeyFactors(votes)

	e.log.Debug().
		Str("method", string(method)).
		Str("recommendation", string(c.Recommendation)).
		Float64("strength", c.Strength).
		Int("votes", len(votes)).
		Msg("Consensus computed")
	e.metrics.decisions.WithLabelValues(string(method), string(c.Recommendation)).Inc()
	return c
}

// outcome is what one policy produces before post-processing
type outcome struct {
	recommendation agent.Recommendation
	strength       float64
	details        map[string]any
}

func neutralOutcome() outcome {
	return outcome{recommendation: agent.RecommendHold}
}

// runPolicy dispatches to one policy with panic isolation: a policy that
// blows up degrades to a neutral hold instead of taking the analysis down
func (e *Engine) runPolicy(method Method, votes []vote) (out outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error().
				Interface("panic", rec).
				Str("method", string(method)).
				Msg("Consensus policy panicked, substituting neutral result")
			out = neutralOutcome()
		}
	}()

	switch method {
	case Weighted:
		return e.pickWeighted(votes)
	case ConfidenceWeighted:
		return e.pickByConfidence(votes)
	case ExpertPriority:
		return e.pickByExpert(votes)
	case Hybrid:
		return e.pickHybrid(votes)
	default:
		return e.pickMajority(votes)
	}
}

// collectVotes reduces successful results to verdicts, ordered by agent
// id so every policy sees the same deterministic sequence
func collectVotes(results map[string]*agent.TaskResult) []vote {
	ids := make([]string, 0, len(results))
	for id, r := range results {
		if r.OK() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	votes := make([]vote, 0, len(ids))
	for _, id := range ids {
		r := results[id]
		votes = append(votes, vote{
			agentID: id,
			kind:    r.AgentKind,
			verdict: agent.VerdictFromResult(r),
		})
	}
	return votes
}

func meanConfidence(votes []vote) float64 {
	if len(votes) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range votes {
		sum += v.verdict.Confidence
	}
	return sum / float64(len(votes))
}

// aggregateRisk averages the per-vote risk scores and buckets the mean
func aggregateRisk(votes []vote) agent.RiskLevel {
	if len(votes) == 0 {
		return agent.RiskMedium
	}
	sum := 0.0
	for _, v := range votes {
		sum += v.verdict.RiskLevel.Score()
	}
	return agent.RiskFromScore(sum / float64(len(votes)))
}

// aggregateKeyFactors ranks factors by how many agents cited them and
// returns the top ten. Ties rank alphabetically so output is stable.
func aggregateKeyFactors(votes []vote) []string {
	counts := make(map[string]int)
	for _, v := range votes {
		for _, f := range v.verdict.KeyFactors {
			counts[f]++
		}
	}
	if len(counts) == 0 {
		return nil
	}

	factors := make([]string, 0, len(counts))
	for f := range counts {
		factors = append(factors, f)
	}
	sort.Slice(factors, func(i, j int) bool {
		if counts[factors[i]] != counts[factors[j]] {
			return counts[factors[i]] > counts[factors[j]]
		}
		return factors[i] < factors[j]
	})

	if len(factors) > 10 {
		factors = factors[:10]
	}
	return factors
}

type consensusMetrics struct {
	decisions *prometheus.CounterVec
}

var (
	consensusMetricsInstance *consensusMetrics
	consensusMetricsOnce     sync.Once
)

// getOrCreateConsensusMetrics avoids duplicate registration panics when
// multiple engines are constructed (tests)
func getOrCreateConsensusMetrics() *consensusMetrics {
	consensusMetricsOnce.Do(func() {
		consensusMetricsInstance = &consensusMetrics{
			decisions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "council_consensus_decisions_total",
				Help: "Consensus decisions, by policy and recommendation",
			}, []string{"method", "recommendation"}),
		}
	})
	return consensusMetricsInstance
}
