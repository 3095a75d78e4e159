package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/alerts"
)

const (
	defaultHealthInterval = time.Minute
	defaultHealthTimeout  = 10 * time.Second

	// inactivityWarnAfter is how long an agent may sit without tasks
	// before the health loop logs a warning. State is left unchanged.
	inactivityWarnAfter = time.Hour

	// healthyQuorum is the fraction of agents that must pass health
	// checks for the system to report healthy
	healthyQuorum = 0.8
)

// HealthReport summarizes one sweep over the pool
type HealthReport struct {
	Total     int       `json:"total"`
	Healthy   int       `json:"healthy"`
	Unhealthy []string  `json:"unhealthy,omitempty"`
	OK        bool      `json:"ok"`
	CheckedAt time.Time `json:"checked_at"`
}

// Run drives periodic health checks until the context is cancelled
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.healthInterval).Msg("Health check loop started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Health check loop stopped")
			return
		case <-ticker.C:
			r.CheckHealth(ctx)
		}
	}
}

// CheckHealth runs one health sweep: every agent's HealthCheck is
// invoked with a bounded context. A failing check moves the agent to
// error; a passing check recovers an errored agent. Long inactivity is
// logged but never changes state.
func (r *Registry) CheckHealth(ctx context.Context) HealthReport {
	entries := r.All()
	report := HealthReport{
		Total:     len(entries),
		CheckedAt: time.Now(),
	}

	for _, entry := range entries {
		if r.checkEntry(ctx, entry) {
			report.Healthy++
		} else {
			report.Unhealthy = append(report.Unhealthy, entry.ID())
		}
	}

	report.OK = quorumMet(report.Healthy, report.Total)
	if !report.OK {
		r.log.Warn().
			Int("healthy", report.Healthy).
			Int("total", report.Total).
			Msg("Agent pool below healthy quorum")
	}
	return report
}

// checkEntry checks one agent and applies the state transitions
func (r *Registry) checkEntry(ctx context.Context, entry *Entry) bool {
	checkCtx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	err := entry.agent.HealthCheck(checkCtx)
	cancel()

	now := time.Now()
	entry.mu.Lock()
	entry.lastHealthAt = now
	entry.healthy = err == nil
	prev := entry.state
	if err != nil {
		if entry.state != agent.StateOffline {
			entry.state = agent.StateError
		}
	} else if entry.state == agent.StateError {
		// Recovered: resume where the task load says we should be
		if len(entry.currentTasks) > 0 {
			entry.state = agent.StateBusy
		} else {
			entry.state = agent.StateIdle
		}
	}
	next := entry.state
	entry.mu.Unlock()

	if err != nil {
		r.metrics.healthChecks.WithLabelValues("fail").Inc()
		r.log.Error().
			Err(err).
			Str("agent_id", entry.ID()).
			Str("kind", string(entry.Kind())).
			Msg("Agent health check failed")
		if prev != next {
			r.alertUnhealthy(ctx, entry, err)
			r.publishEntry(entry)
		}
		return false
	}

	r.metrics.healthChecks.WithLabelValues("pass").Inc()
	if prev != next {
		r.log.Info().
			Str("agent_id", entry.ID()).
			Str("state", string(next)).
			Msg("Agent recovered")
		r.publishEntry(entry)
	}

	if last := entry.metrics.LastActivity(); !last.IsZero() && now.Sub(last) > inactivityWarnAfter {
		r.log.Warn().
			Str("agent_id", entry.ID()).
			Time("last_activity", last).
			Msg("Agent inactive for over an hour")
	}
	return true
}

// SystemHealthy reports whether the pool currently meets the healthy
// quorum, based on the most recent check of each agent. An empty pool
// is vacuously healthy.
func (r *Registry) SystemHealthy() bool {
	entries := r.All()
	healthy := 0
	for _, e := range entries {
		e.mu.RLock()
		if e.healthy {
			healthy++
		}
		e.mu.RUnlock()
	}
	return quorumMet(healthy, len(entries))
}

func (r *Registry) alertUnhealthy(ctx context.Context, entry *Entry, err error) {
	if r.alerts == nil {
		alerts.AlertAgentUnhealthy(ctx, entry.ID(), string(entry.Kind()), err)
		return
	}
	sendErr := r.alerts.SendCritical(ctx, "Agent Unhealthy",
		fmt.Sprintf("Agent %s failed its health check: %v", entry.ID(), err),
		map[string]interface{}{
			"agent_id": entry.ID(),
			"kind":     string(entry.Kind()),
		})
	if sendErr != nil {
		r.log.Error().Err(sendErr).Msg("Failed to send health alert")
	}
}

func quorumMet(healthy, total int) bool {
	if total == 0 {
		return true
	}
	return float64(healthy)/float64(total) >= healthyQuorum
}
