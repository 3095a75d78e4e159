package consensus

import (
	"github.com/tradecouncil/council/internal/agent"
)

// conservativeOrder ranks recommendations for tie-breaking: when two
// stances draw, the more conservative one wins
var conservativeOrder = []agent.Recommendation{
	agent.RecommendSell,
	agent.RecommendHold,
	agent.RecommendBuy,
}

// pickMajority counts votes per recommendation and picks the top one.
// Two-way ties go to the more conservative side; an exact three-way tie
// reads as total disagreement and resolves to hold.
func (e *Engine) pickMajority(votes []vote) outcome {
	counts := make(map[agent.Recommendation]int)
	for _, v := range votes {
		counts[v.verdict.Recommendation]++
	}

	top := topRecommendations(counts)
	rec := agent.RecommendHold
	if len(top) < 3 {
		rec = mostConservative(top)
	}

	return outcome{
		recommendation: rec,
		strength:       float64(counts[rec]) / float64(len(votes)),
		details: map[string]any{
			"counts": recommendationCounts(counts),
		},
	}
}

// pickWeighted sums static per-kind weights per recommendation
func (e *Engine) pickWeighted(votes []vote) outcome {
	sums := make(map[agent.Recommendation]float64)
	total := 0.0
	for _, v := range votes {
		w := e.weightFor(v.kind)
		sums[v.verdict.Recommendation] += w
		total += w
	}

	rec, max := maxRecommendation(sums)
	strength := 0.0
	if total > 0 {
		strength = max / total
	} else {
		rec = agent.RecommendHold
	}
	return outcome{
		recommendation: rec,
		strength:       strength,
		details: map[string]any{
			"weight_sums":  recommendationSums(sums),
			"total_weight": total,
		},
	}
}

// pickByConfidence sums reported confidences per recommendation
func (e *Engine) pickByConfidence(votes []vote) outcome {
	sums := make(map[agent.Recommendation]float64)
	total := 0.0
	for _, v := range votes {
		sums[v.verdict.Recommendation] += v.verdict.Confidence
		total += v.verdict.Confidence
	}

	rec, max := maxRecommendation(sums)
	strength := 0.0
	if total > 0 {
		strength = max / total
	} else {
		// Every agent reported zero confidence; nothing to decide on
		rec = agent.RecommendHold
	}
	return outcome{
		recommendation: rec,
		strength:       strength,
		details: map[string]any{
			"confidence_sums": recommendationSums(sums),
			"mean_confidence": meanConfidence(votes),
		},
	}
}

// pickByExpert defers to the highest-priority kind present. Strength is
// that agent's own confidence; the details report how many of the other
// agents agreed with the expert.
func (e *Engine) pickByExpert(votes []vote) outcome {
	expert := votes[0]
	expertRank := e.priorityFor(expert.kind)
	for _, v := range votes[1:] {
		if rank := e.priorityFor(v.kind); rank < expertRank {
			expert, expertRank = v, rank
		}
	}

	agreeing := 0
	for _, v := range votes {
		if v.agentID == expert.agentID {
			continue
		}
		if v.verdict.Recommendation == expert.verdict.Recommendation {
			agreeing++
		}
	}
	supportRatio := 0.0
	if others := len(votes) - 1; others > 0 {
		supportRatio = float64(agreeing) / float64(others)
	}

	return outcome{
		recommendation: expert.verdict.Recommendation,
		strength:       expert.verdict.Confidence,
		details: map[string]any{
			"expert_agent_id":      expert.agentID,
			"expert_kind":          string(expert.kind),
			"expert_support_ratio": supportRatio,
		},
	}
}

// hybridArbitration is the tie-break order when sub-policies disagree:
// the recommendation of the earlier policy in this list wins
var hybridArbitration = []Method{Weighted, ConfidenceWeighted, Majority, ExpertPriority}

// pickHybrid runs the four base policies, picks the recommendation most
// of them chose, and blends their strengths 0.2/0.3/0.3/0.2
func (e *Engine) pickHybrid(votes []vote) outcome {
	results := map[Method]outcome{
		Majority:           e.runPolicy(Majority, votes),
		Weighted:           e.runPolicy(Weighted, votes),
		ConfidenceWeighted: e.runPolicy(ConfidenceWeighted, votes),
		ExpertPriority:     e.runPolicy(ExpertPriority, votes),
	}

	agreement := make(map[agent.Recommendation]int)
	for _, out := range results {
		agreement[out.recommendation]++
	}
	top := topRecommendations(agreement)

	rec := top[0]
	if len(top) > 1 {
		tied := make(map[agent.Recommendation]bool, len(top))
		for _, r := range top {
			tied[r] = true
		}
		for _, m := range hybridArbitration {
			if tied[results[m].recommendation] {
				rec = results[m].recommendation
				break
			}
		}
	}

	strength := 0.2*results[Majority].strength +
		0.3*results[Weighted].strength +
		0.3*results[ConfidenceWeighted].strength +
		0.2*results[ExpertPriority].strength

	breakdown := make(map[string]any, len(results))
	for m, out := range results {
		breakdown[string(m)] = map[string]any{
			"recommendation": string(out.recommendation),
			"strength":       out.strength,
		}
	}

	return outcome{
		recommendation: rec,
		strength:       strength,
		details: map[string]any{
			"breakdown":        breakdown,
			"method_agreement": float64(agreement[rec]) / float64(len(results)),
		},
	}
}

func (e *Engine) weightFor(kind agent.Kind) float64 {
	if w, ok := e.weights[kind]; ok {
		return w
	}
	return defaultWeight
}

func (e *Engine) priorityFor(kind agent.Kind) int {
	if p, ok := e.priorities[kind]; ok {
		return p
	}
	return defaultPriority
}

// topRecommendations returns every recommendation holding the maximum
// tally, in conservative order
func topRecommendations[N int | float64](tallies map[agent.Recommendation]N) []agent.Recommendation {
	var max N
	for _, n := range tallies {
		if n > max {
			max = n
		}
	}
	top := make([]agent.Recommendation, 0, len(tallies))
	for _, r := range conservativeOrder {
		if n, ok := tallies[r]; ok && n == max {
			top = append(top, r)
		}
	}
	return top
}

// mostConservative picks the winner among tied recommendations
func mostConservative(top []agent.Recommendation) agent.Recommendation {
	if len(top) == 0 {
		return agent.RecommendHold
	}
	return top[0]
}

// maxRecommendation returns the recommendation with the largest sum,
// breaking float ties conservatively
func maxRecommendation(sums map[agent.Recommendation]float64) (agent.Recommendation, float64) {
	top := topRecommendations(sums)
	rec := mostConservative(top)
	return rec, sums[rec]
}

func recommendationCounts(counts map[agent.Recommendation]int) map[string]int {
	out := make(map[string]int, len(counts))
	for r, n := range counts {
		out[string(r)] = n
	}
	return out
}

func recommendationSums(sums map[agent.Recommendation]float64) map[string]float64 {
	out := make(map[string]float64, len(sums))
	for r, n := range sums {
		out[string(r)] = n
	}
	return out
}
