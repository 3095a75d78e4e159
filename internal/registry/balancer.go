package registry

import (
	"sync"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/fault"
)

// Strategy names a load-balancing policy. One policy is active for the
// whole process, chosen at construction.
type Strategy string

const (
	// RoundRobin rotates through eligible agents with a per-kind counter
	RoundRobin Strategy = "round_robin"
	// LeastBusy picks the agent with the fewest running tasks
	LeastBusy Strategy = "least_busy"
	// BestPerformance picks the agent with the highest success rate
	BestPerformance Strategy = "best_performance"
)

// ParseStrategy converts a config string into a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case RoundRobin, LeastBusy, BestPerformance:
		return Strategy(s), nil
	}
	return "", fault.Newf(fault.KindInvalid, "unknown load balancing strategy %q", s)
}

// balancer picks one agent from a candidate set. Round-robin keeps a
// monotonic counter per kind so callers observe strict rotation while
// the candidate set is stable.
type balancer struct {
	strategy Strategy

	mu       sync.Mutex
	counters map[agent.Kind]uint64
}

func newBalancer(strategy Strategy) *balancer {
	return &balancer{
		strategy: strategy,
		counters: make(map[agent.Kind]uint64),
	}
}

// pick selects one entry from candidates, which must be non-empty and
// sorted by agent id
func (b *balancer) pick(kind agent.Kind, candidates []*Entry) *Entry {
	switch b.strategy {
	case LeastBusy:
		return pickLeastBusy(candidates)
	case BestPerformance:
		return pickBestPerformance(candidates)
	default:
		return candidates[b.advance(kind)%uint64(len(candidates))]
	}
}

// advance returns the current counter for the kind and increments it
func (b *balancer) advance(kind agent.Kind) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.counters[kind]
	b.counters[kind] = n + 1
	return n
}

// pickLeastBusy minimizes running task count; ties go to the
// lexicographically smaller agent id
func pickLeastBusy(candidates []*Entry) *Entry {
	best := candidates[0]
	bestCount := best.TaskCount()
	for _, e := range candidates[1:] {
		if n := e.TaskCount(); n < bestCount {
			best, bestCount = e, n
		}
	}
	return best
}

// pickBestPerformance maximizes success rate; ties go to the lower mean
// duration, then to the smaller agent id
func pickBestPerformance(candidates []*Entry) *Entry {
	best := candidates[0]
	bestRate := best.Metrics().SuccessRate()
	bestMean := best.Metrics().MeanDuration()

	for _, e := range candidates[1:] {
		rate := e.Metrics().SuccessRate()
		mean := e.Metrics().MeanDuration()
		if rate > bestRate || (rate == bestRate && mean < bestMean) {
			best, bestRate, bestMean = e, rate, mean
		}
	}
	return best
}
