package agent

import (
	"strings"
	"time"
)

// Capability declares one kind of task an agent can handle and the
// per-capability concurrency cap the dispatcher enforces.
type Capability struct {
	Name               string        `json:"name"`
	Description        string        `json:"description,omitempty"`
	Markets            []Market      `json:"markets"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
	EstimatedDuration  time.Duration `json:"estimated_duration"`
}

// Matches reports whether this capability covers the given task name and
// market. Name matching is a case-insensitive substring check in either
// direction, so "market_analysis" matches both "analysis" and
// "market_analysis_deep". An empty market set matches nothing.
func (c Capability) Matches(taskName string, market Market) bool {
	if !c.SupportsMarket(market) {
		return false
	}
	name := strings.ToLower(c.Name)
	task := strings.ToLower(taskName)
	return strings.Contains(task, name) || strings.Contains(name, task)
}

// SupportsMarket reports whether the market is in the supported set
func (c Capability) SupportsMarket(market Market) bool {
	for _, m := range c.Markets {
		if m == market {
			return true
		}
	}
	return false
}
