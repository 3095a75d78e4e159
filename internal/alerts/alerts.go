package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert represents an alert message
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter defines the interface for sending alerts
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager manages multiple alert channels
type Manager struct {
	alerters []Alerter
}

// NewManager creates a new alert manager
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{
		alerters: alerters,
	}
}

// Send sends an alert to all configured alerters
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("title", alert.Title).
				Msg("Failed to send alert")
			lastErr = err
		}
	}

	return lastErr
}

// SendCritical is a convenience method for sending critical alerts
func (m *Manager) SendCritical(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityCritical,
		Metadata: metadata,
	})
}

// SendWarning is a convenience method for sending warning alerts
func (m *Manager) SendWarning(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityWarning,
		Metadata: metadata,
	})
}

// SendInfo is a convenience method for sending info alerts
func (m *Manager) SendInfo(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityInfo,
		Metadata: metadata,
	})
}

// LogAlerter logs alerts using zerolog
type LogAlerter struct{}

// NewLogAlerter creates a new log-based alerter
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

// Send sends an alert by logging it
func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	event := log.Log()

	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	case SeverityInfo:
		event = log.Info()
	}

	if alert.Metadata != nil {
		for key, value := range alert.Metadata {
			event = event.Interface(key, value)
		}
	}

	event.
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp).
		Msg(fmt.Sprintf("ALERT: %s", alert.Message))

	return nil
}

// Default global alert manager (can be replaced with custom configuration)
var defaultManager *Manager

func init() {
	defaultManager = NewManager(NewLogAlerter())
}

// GetDefaultManager returns the default alert manager
func GetDefaultManager() *Manager {
	return defaultManager
}

// SetDefaultManager sets the default alert manager
func SetDefaultManager(manager *Manager) {
	defaultManager = manager
}

// Helper functions for common alerts

// AlertAgentUnhealthy sends an alert when an agent fails its health check
func AlertAgentUnhealthy(ctx context.Context, agentID string, kind string, err error) {
	defaultManager.SendCritical(ctx, "Agent Unhealthy", fmt.Sprintf(
		"Agent %s (%s) failed health check: %v", agentID, kind, err,
	), map[string]interface{}{
		"agent_id":   agentID,
		"agent_kind": kind,
		"error":      err.Error(),
	})
}

// AlertThresholdBreached sends an alert for a performance threshold breach
func AlertThresholdBreached(ctx context.Context, metric string, severity Severity, observed, threshold float64, agentID string) {
	metadata := map[string]interface{}{
		"metric":    metric,
		"observed":  observed,
		"threshold": threshold,
	}
	if agentID != "" {
		metadata["agent_id"] = agentID
	}

	message := fmt.Sprintf("%s at %.2f exceeds threshold %.2f", metric, observed, threshold)
	if severity == SeverityCritical {
		defaultManager.SendCritical(ctx, "Performance Threshold Breached", message, metadata)
		return
	}
	defaultManager.SendWarning(ctx, "Performance Threshold Breached", message, metadata)
}

// AlertWorkflowFailed sends an alert when a workflow execution fails
func AlertWorkflowFailed(ctx context.Context, executionID, workflowID string, err error) {
	defaultManager.SendWarning(ctx, "Workflow Failed", fmt.Sprintf(
		"Workflow %s execution %s failed: %v", workflowID, executionID, err,
	), map[string]interface{}{
		"execution_id": executionID,
		"workflow_id":  workflowID,
		"error":        err.Error(),
	})
}

// AlertBackendDegraded sends an alert when an external backend stops responding
func AlertBackendDegraded(ctx context.Context, backend string, err error) {
	defaultManager.SendWarning(ctx, "Backend Degraded", fmt.Sprintf(
		"Backend %s unreachable, running degraded: %v", backend, err,
	), map[string]interface{}{
		"backend": backend,
		"error":   err.Error(),
	})
}

// AlertDebateStalled sends an alert when a debate fails before reaching a verdict
func AlertDebateStalled(ctx context.Context, debateID, topic string, err error) {
	defaultManager.SendWarning(ctx, "Debate Stalled", fmt.Sprintf(
		"Debate %s on %q failed: %v", debateID, topic, err,
	), map[string]interface{}{
		"debate_id": debateID,
		"topic":     topic,
		"error":     err.Error(),
	})
}

// AlertAnalysisFailed sends an alert when a full analysis run fails
func AlertAnalysisFailed(ctx context.Context, requestID, symbol string, err error) {
	defaultManager.SendCritical(ctx, "Analysis Failed", fmt.Sprintf(
		"Analysis %s for %s failed: %v", requestID, symbol, err,
	), map[string]interface{}{
		"request_id": requestID,
		"symbol":     symbol,
		"error":      err.Error(),
	})
}
