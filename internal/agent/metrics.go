package agent

import (
	"sync"
	"time"
)

// recentWindow bounds the response-time deque
const recentWindow = 100

// Metrics tracks per-agent performance. The dispatcher is the only
// writer; monitor and balancer read snapshots.
type Metrics struct {
	mu sync.RWMutex

	totalTasks   int64
	successCount int64
	failureCount int64
	meanDuration time.Duration
	lastActivity time.Time
	recent       []time.Duration
}

// NewMetrics creates an empty metrics record
func NewMetrics() *Metrics {
	return &Metrics{recent: make([]time.Duration, 0, recentWindow)}
}

// Record folds one completed task into the running statistics.
// The mean uses the incremental form mean += (d - mean) / total.
func (m *Metrics) Record(d time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalTasks++
	if success {
		m.successCount++
	} else {
		m.failureCount++
	}
	m.meanDuration += (d - m.meanDuration) / time.Duration(m.totalTasks)
	m.lastActivity = time.Now()

	if len(m.recent) == recentWindow {
		copy(m.recent, m.recent[1:])
		m.recent[recentWindow-1] = d
	} else {
		m.recent = append(m.recent, d)
	}
}

// Touch marks activity without recording a task (heartbeats)
func (m *Metrics) Touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// MetricsSnapshot is a copyable view of the metrics
type MetricsSnapshot struct {
	TotalTasks   int64         `json:"total_tasks"`
	SuccessCount int64         `json:"success_count"`
	FailureCount int64         `json:"failure_count"`
	SuccessRate  float64       `json:"success_rate"`
	ErrorRate    float64       `json:"error_rate"`
	MeanDuration time.Duration `json:"mean_duration"`
	LastActivity time.Time     `json:"last_activity"`
	Recent       []time.Duration
}

// Snapshot returns a consistent copy of the metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := MetricsSnapshot{
		TotalTasks:   m.totalTasks,
		SuccessCount: m.successCount,
		FailureCount: m.failureCount,
		MeanDuration: m.meanDuration,
		LastActivity: m.lastActivity,
		Recent:       append([]time.Duration(nil), m.recent...),
	}
	if m.totalTasks > 0 {
		s.SuccessRate = float64(m.successCount) / float64(m.totalTasks)
		s.ErrorRate = float64(m.failureCount) / float64(m.totalTasks)
	}
	return s
}

// SuccessRate returns successes / total, 0 when idle
func (m *Metrics) SuccessRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.totalTasks == 0 {
		return 0
	}
	return float64(m.successCount) / float64(m.totalTasks)
}

// ErrorRate returns failures / total, 0 when idle
func (m *Metrics) ErrorRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.totalTasks == 0 {
		return 0
	}
	return float64(m.failureCount) / float64(m.totalTasks)
}

// MeanDuration returns the running mean response time
func (m *Metrics) MeanDuration() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meanDuration
}

// LastActivity returns the time of the last recorded task or heartbeat
func (m *Metrics) LastActivity() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastActivity
}
