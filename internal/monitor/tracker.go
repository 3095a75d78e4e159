package monitor

import (
	"sync"
	"time"

	"github.com/tradecouncil/council/internal/agent"
)

// recentWindow bounds the per-agent response time deque
const recentWindow = 100

// AgentTracker accumulates execution statistics for one agent
type AgentTracker struct {
	mu sync.Mutex

	agentID string
	kind    agent.Kind

	totalTasks    int64
	successCount  int64
	failureCount  int64
	totalDuration time.Duration
	minDuration   time.Duration
	maxDuration   time.Duration
	meanDuration  time.Duration

	firstActivity time.Time
	lastActivity  time.Time
	recent        []time.Duration
}

func newAgentTracker(agentID string, kind agent.Kind) *AgentTracker {
	return &AgentTracker{
		agentID: agentID,
		kind:    kind,
		recent:  make([]time.Duration, 0, recentWindow),
	}
}

// record folds one task execution into the tracker
func (t *AgentTracker) record(d time.Duration, success bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalTasks++
	if success {
		t.successCount++
	} else {
		t.failureCount++
	}

	t.totalDuration += d
	if t.minDuration == 0 || d < t.minDuration {
		t.minDuration = d
	}
	if d > t.maxDuration {
		t.maxDuration = d
	}
	t.meanDuration += (d - t.meanDuration) / time.Duration(t.totalTasks)

	if t.firstActivity.IsZero() {
		t.firstActivity = now
	}
	t.lastActivity = now

	if len(t.recent) >= recentWindow {
		t.recent = t.recent[1:]
	}
	t.recent = append(t.recent, d)
}

// touch records non-task activity (heartbeats)
func (t *AgentTracker) touch(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.firstActivity.IsZero() {
		t.firstActivity = now
	}
	t.lastActivity = now
}

// AgentSnapshot is a point-in-time copy of one agent's statistics
type AgentSnapshot struct {
	AgentID       string        `json:"agent_id"`
	Kind          agent.Kind    `json:"kind"`
	TotalTasks    int64         `json:"total_tasks"`
	SuccessCount  int64         `json:"success_count"`
	FailureCount  int64         `json:"failure_count"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	MeanDuration  time.Duration `json:"mean_duration"`
	LastActivity  time.Time     `json:"last_activity"`
	Throughput    float64       `json:"throughput_per_hour"`
	SuccessRate   float64       `json:"success_rate"`
	ErrorRate     float64       `json:"error_rate"`
	HealthTag     HealthTag     `json:"health_tag"`
}

// snapshot copies the tracker state. Throughput is tasks per hour since
// first activity.
func (t *AgentTracker) snapshot(now time.Time, th Thresholds) AgentSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := AgentSnapshot{
		AgentID:       t.agentID,
		Kind:          t.kind,
		TotalTasks:    t.totalTasks,
		SuccessCount:  t.successCount,
		FailureCount:  t.failureCount,
		TotalDuration: t.totalDuration,
		MinDuration:   t.minDuration,
		MaxDuration:   t.maxDuration,
		MeanDuration:  t.meanDuration,
		LastActivity:  t.lastActivity,
	}

	if t.totalTasks > 0 {
		snap.SuccessRate = float64(t.successCount) / float64(t.totalTasks)
		snap.ErrorRate = float64(t.failureCount) / float64(t.totalTasks)

		elapsed := now.Sub(t.firstActivity)
		if elapsed < time.Second {
			elapsed = time.Second
		}
		snap.Throughput = float64(t.totalTasks) / elapsed.Hours()
	}

	snap.HealthTag = healthTagFor(snap.ErrorRate, snap.MeanDuration, t.totalTasks, th)
	return snap
}

// recentDurations copies the bounded response-time window
func (t *AgentTracker) recentDurations() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Duration, len(t.recent))
	copy(out, t.recent)
	return out
}

// activeSince reports whether the agent showed activity after the cutoff
func (t *AgentTracker) activeSince(cutoff time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.lastActivity.IsZero() && t.lastActivity.After(cutoff)
}

// counts returns the success and failure totals
func (t *AgentTracker) counts() (success, failure int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.successCount, t.failureCount
}
