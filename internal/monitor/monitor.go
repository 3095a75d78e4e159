// Package monitor collects per-agent and system-wide performance metrics,
// emits threshold alerts into a bounded history and grades overall health.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/alerts"
)

const (
	defaultSampleInterval = 30 * time.Second
	activeWindow          = 5 * time.Minute
	systemHistoryCap      = 120
)

// Thresholds holds the alerting boundaries
type Thresholds struct {
	CPUWarning        float64
	CPUCritical       float64
	MemoryWarning     float64
	MemoryCritical    float64
	ResponseWarning   time.Duration
	ResponseCritical  time.Duration
	ErrorRateWarning  float64
	ErrorRateCritical float64
}

// DefaultThresholds returns the standard alerting boundaries
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarning:        80,
		CPUCritical:       95,
		MemoryWarning:     80,
		MemoryCritical:    95,
		ResponseWarning:   30 * time.Second,
		ResponseCritical:  60 * time.Second,
		ErrorRateWarning:  0.10,
		ErrorRateCritical: 0.20,
	}
}

// Config configures the monitor
type Config struct {
	// SampleInterval between system samples (default 30s)
	SampleInterval time.Duration
	// Thresholds for alerting; zero value takes DefaultThresholds
	Thresholds Thresholds
	// Alerts optionally fans threshold breaches out to external channels
	Alerts *alerts.Manager
}

// Monitor owns the agent trackers, the system sample history and the
// alert ring.
type Monitor struct {
	mu       sync.RWMutex
	trackers map[string]*AgentTracker
	system   []SystemSnapshot

	ring           *alertRing
	thresholds     Thresholds
	sampleInterval time.Duration
	alerts         *alerts.Manager
	logger         zerolog.Logger
	metrics        *monitorMetrics
}

// New creates a monitor
func New(cfg Config) *Monitor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaultSampleInterval
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}

	return &Monitor{
		trackers:       make(map[string]*AgentTracker),
		ring:           newAlertRing(),
		thresholds:     cfg.Thresholds,
		sampleInterval: cfg.SampleInterval,
		alerts:         cfg.Alerts,
		logger:         log.With().Str("component", "monitor").Logger(),
		metrics:        getOrCreateMonitorMetrics(),
	}
}

// RecordTask folds one completed task into the agent's tracker and checks
// the per-agent thresholds.
func (m *Monitor) RecordTask(agentID string, kind agent.Kind, d time.Duration, success bool) {
	now := time.Now()
	tracker := m.tracker(agentID, kind)
	tracker.record(d, success, now)

	status := "success"
	if !success {
		status = "error"
	}
	m.metrics.tasksTotal.WithLabelValues(string(kind), status).Inc()
	m.metrics.taskDuration.WithLabelValues(string(kind)).Observe(d.Seconds())

	m.checkAgentThresholds(tracker, now)
}

// Touch records non-task agent activity (heartbeats, message handling)
func (m *Monitor) Touch(agentID string, kind agent.Kind) {
	m.tracker(agentID, kind).touch(time.Now())
}

// AgentSnapshot returns one agent's statistics
func (m *Monitor) AgentSnapshot(agentID string) (AgentSnapshot, bool) {
	m.mu.RLock()
	tracker, ok := m.trackers[agentID]
	m.mu.RUnlock()
	if !ok {
		return AgentSnapshot{}, false
	}
	return tracker.snapshot(time.Now(), m.thresholds), true
}

// AllAgents returns statistics for every tracked agent, ordered by id
func (m *Monitor) AllAgents() []AgentSnapshot {
	now := time.Now()

	m.mu.RLock()
	trackers := make([]*AgentTracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		trackers = append(trackers, t)
	}
	m.mu.RUnlock()

	snaps := make([]AgentSnapshot, 0, len(trackers))
	for _, t := range trackers {
		snaps = append(snaps, t.snapshot(now, m.thresholds))
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].AgentID < snaps[j].AgentID })
	return snaps
}

// LatestSystem returns the most recent system sample
func (m *Monitor) LatestSystem() (SystemSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.system) == 0 {
		return SystemSnapshot{}, false
	}
	return m.system[len(m.system)-1], true
}

// SystemHistory returns the retained system samples, oldest first
func (m *Monitor) SystemHistory() []SystemSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SystemSnapshot, len(m.system))
	copy(out, m.system)
	return out
}

// Alerts returns the alert history, oldest first
func (m *Monitor) Alerts() []ThresholdAlert {
	return m.ring.list()
}

// SystemGrade grades current health from the latest sample and aggregate
// task statistics
func (m *Monitor) SystemGrade() GradeReport {
	now := time.Now()

	var latest *SystemSnapshot
	if snap, ok := m.LatestSystem(); ok {
		latest = &snap
	}

	meanResponse, errorRate := m.aggregateTaskStats()
	return m.grade(latest, meanResponse, errorRate, now)
}

// Run samples the system on the configured interval until the context is
// cancelled. Core owns this loop.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.sampleInterval).Msg("System sampling started")
	m.Sample(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("System sampling stopped")
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample takes one system sample, stores it and checks system thresholds
func (m *Monitor) Sample(ctx context.Context) SystemSnapshot {
	snap := sampleHost(ctx)

	cutoff := snap.Timestamp.Add(-activeWindow)
	meanResponse, _ := m.aggregateTaskStats()
	snap.MeanResponseTime = meanResponse

	m.mu.RLock()
	for _, t := range m.trackers {
		if t.activeSince(cutoff) {
			snap.ActiveAgents++
		}
		success, failure := t.counts()
		snap.CompletedTasks += success
		snap.FailedTasks += failure
	}
	m.mu.RUnlock()

	m.mu.Lock()
	m.system = append(m.system, snap)
	if len(m.system) > systemHistoryCap {
		m.system = m.system[len(m.system)-systemHistoryCap:]
	}
	m.mu.Unlock()

	m.metrics.cpuPercent.Set(snap.CPUPercent)
	m.metrics.memoryPercent.Set(snap.MemoryPercent)
	m.metrics.activeAgents.Set(float64(snap.ActiveAgents))

	m.checkSystemThresholds(snap)
	return snap
}

// Stats summarizes the monitor for API consumers
func (m *Monitor) Stats() map[string]any {
	m.mu.RLock()
	tracked := len(m.trackers)
	samples := len(m.system)
	m.mu.RUnlock()

	return map[string]any{
		"tracked_agents": tracked,
		"system_samples": samples,
		"alerts":         m.ring.size(),
	}
}

func (m *Monitor) tracker(agentID string, kind agent.Kind) *AgentTracker {
	m.mu.RLock()
	t, ok := m.trackers[agentID]
	m.mu.RUnlock()
	if ok {
		return t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok = m.trackers[agentID]; ok {
		return t
	}
	t = newAgentTracker(agentID, kind)
	m.trackers[agentID] = t
	return t
}

// aggregateTaskStats computes the mean response time over every agent's
// recent window plus the overall error rate
func (m *Monitor) aggregateTaskStats() (time.Duration, float64) {
	m.mu.RLock()
	trackers := make([]*AgentTracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		trackers = append(trackers, t)
	}
	m.mu.RUnlock()

	var sum time.Duration
	var count int64
	var completed, failed int64

	for _, t := range trackers {
		for _, d := range t.recentDurations() {
			sum += d
			count++
		}
		success, failure := t.counts()
		completed += success
		failed += failure
	}

	var mean time.Duration
	if count > 0 {
		mean = sum / time.Duration(count)
	}

	var errorRate float64
	if total := completed + failed; total > 0 {
		errorRate = float64(failed) / float64(total)
	}
	return mean, errorRate
}

// checkAgentThresholds alerts on one agent's response time and error rate
func (m *Monitor) checkAgentThresholds(t *AgentTracker, now time.Time) {
	snap := t.snapshot(now, m.thresholds)

	switch {
	case snap.MeanDuration >= m.thresholds.ResponseCritical:
		m.emitAlert("mean_response_seconds", "critical", snap.AgentID,
			snap.MeanDuration.Seconds(), m.thresholds.ResponseCritical.Seconds(), now)
	case snap.MeanDuration >= m.thresholds.ResponseWarning:
		m.emitAlert("mean_response_seconds", "warning", snap.AgentID,
			snap.MeanDuration.Seconds(), m.thresholds.ResponseWarning.Seconds(), now)
	}

	switch {
	case snap.ErrorRate >= m.thresholds.ErrorRateCritical:
		m.emitAlert("error_rate", "critical", snap.AgentID,
			snap.ErrorRate, m.thresholds.ErrorRateCritical, now)
	case snap.ErrorRate >= m.thresholds.ErrorRateWarning:
		m.emitAlert("error_rate", "warning", snap.AgentID,
			snap.ErrorRate, m.thresholds.ErrorRateWarning, now)
	}
}

// checkSystemThresholds alerts on CPU and memory pressure
func (m *Monitor) checkSystemThresholds(snap SystemSnapshot) {
	switch {
	case snap.CPUPercent >= m.thresholds.CPUCritical:
		m.emitAlert("cpu_percent", "critical", "", snap.CPUPercent, m.thresholds.CPUCritical, snap.Timestamp)
	case snap.CPUPercent >= m.thresholds.CPUWarning:
		m.emitAlert("cpu_percent", "warning", "", snap.CPUPercent, m.thresholds.CPUWarning, snap.Timestamp)
	}

	switch {
	case snap.MemoryPercent >= m.thresholds.MemoryCritical:
		m.emitAlert("memory_percent", "critical", "", snap.MemoryPercent, m.thresholds.MemoryCritical, snap.Timestamp)
	case snap.MemoryPercent >= m.thresholds.MemoryWarning:
		m.emitAlert("memory_percent", "warning", "", snap.MemoryPercent, m.thresholds.MemoryWarning, snap.Timestamp)
	}
}

func (m *Monitor) emitAlert(metric, severity, agentID string, observed, threshold float64, now time.Time) {
	alert := ThresholdAlert{
		Metric:    metric,
		Severity:  severity,
		AgentID:   agentID,
		Observed:  observed,
		Threshold: threshold,
		Timestamp: now,
	}
	m.ring.add(alert)
	m.metrics.alertsTotal.WithLabelValues(metric, severity).Inc()

	m.logger.Warn().
		Str("metric", metric).
		Str("severity", severity).
		Str("agent_id", agentID).
		Float64("observed", observed).
		Float64("threshold", threshold).
		Msg("Threshold breached")

	if m.alerts != nil {
		message := fmt.Sprintf("%s at %.2f exceeds threshold %.2f", metric, observed, threshold)
		metadata := map[string]interface{}{
			"metric":    metric,
			"observed":  observed,
			"threshold": threshold,
		}
		if agentID != "" {
			metadata["agent_id"] = agentID
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if severity == "critical" {
				m.alerts.SendCritical(ctx, "Performance Threshold Breached", message, metadata)
			} else {
				m.alerts.SendWarning(ctx, "Performance Threshold Breached", message, metadata)
			}
		}()
	}
}

// monitorMetrics exports monitor observations to Prometheus
type monitorMetrics struct {
	cpuPercent    prometheus.Gauge
	memoryPercent prometheus.Gauge
	activeAgents  prometheus.Gauge
	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	alertsTotal   *prometheus.CounterVec
}

var (
	monitorMetricsInstance *monitorMetrics
	monitorMetricsOnce     sync.Once
)

func getOrCreateMonitorMetrics() *monitorMetrics {
	monitorMetricsOnce.Do(func() {
		monitorMetricsInstance = &monitorMetrics{
			cpuPercent: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "council_system_cpu_percent",
				Help: "Host CPU utilization",
			}),
			memoryPercent: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "council_system_memory_percent",
				Help: "Host memory utilization",
			}),
			activeAgents: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "council_active_agents",
				Help: "Agents with activity in the last five minutes",
			}),
			tasksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "council_agent_tasks_total",
				Help: "Completed tasks by agent kind and status",
			}, []string{"kind", "status"}),
			taskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "council_task_duration_seconds",
				Help:    "Task execution time by agent kind",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			}, []string{"kind"}),
			alertsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "council_threshold_alerts_total",
				Help: "Threshold breaches by metric and severity",
			}, []string{"metric", "severity"}),
		}
	})
	return monitorMetricsInstance
}
