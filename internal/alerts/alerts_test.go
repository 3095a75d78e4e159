package alerts

import (
	"context"
	"errors"
	"testing"
	"time"
)

// MockAlerter is a test implementation of Alerter
type MockAlerter struct {
	alerts []Alert
	err    error
}

func NewMockAlerter(err error) *MockAlerter {
	return &MockAlerter{
		alerts: make([]Alert, 0),
		err:    err,
	}
}

func (m *MockAlerter) Send(ctx context.Context, alert Alert) error {
	m.alerts = append(m.alerts, alert)
	return m.err
}

func TestNewManager(t *testing.T) {
	alerter1 := NewMockAlerter(nil)
	alerter2 := NewMockAlerter(nil)

	manager := NewManager(alerter1, alerter2)

	if manager == nil {
		t.Fatal("Expected non-nil manager")
	}

	if len(manager.alerters) != 2 {
		t.Errorf("Expected 2 alerters, got %d", len(manager.alerters))
	}
}

func TestManager_Send(t *testing.T) {
	tests := []struct {
		name           string
		alert          Alert
		mockErr        error
		expectErr      bool
		checkTimestamp bool
	}{
		{
			name: "Successful send",
			alert: Alert{
				Title:    "Agent Unhealthy",
				Message:  "market analyst failed health check",
				Severity: SeverityInfo,
			},
			mockErr:        nil,
			expectErr:      false,
			checkTimestamp: true,
		},
		{
			name: "Send with error",
			alert: Alert{
				Title:    "Threshold Breached",
				Message:  "CPU at 96%",
				Severity: SeverityWarning,
			},
			mockErr:   errors.New("send error"),
			expectErr: true,
		},
		{
			name: "Send with explicit timestamp",
			alert: Alert{
				Title:     "Analysis Failed",
				Message:   "AAPL analysis failed",
				Severity:  SeverityCritical,
				Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			},
			mockErr:        nil,
			expectErr:      false,
			checkTimestamp: false,
		},
		{
			name: "Send with metadata",
			alert: Alert{
				Title:    "Backend Degraded",
				Message:  "Redis unreachable",
				Severity: SeverityInfo,
				Metadata: map[string]interface{}{
					"backend": "redis",
					"retries": 3,
				},
			},
			mockErr:   nil,
			expectErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockAlerter(tt.mockErr)
			manager := NewManager(mock)

			err := manager.Send(context.Background(), tt.alert)

			if tt.expectErr && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}

			if len(mock.alerts) != 1 {
				t.Fatalf("Expected 1 alert, got %d", len(mock.alerts))
			}

			sent := mock.alerts[0]
			if sent.Title != tt.alert.Title {
				t.Errorf("Expected title %q, got %q", tt.alert.Title, sent.Title)
			}

			if tt.checkTimestamp && sent.Timestamp.IsZero() {
				t.Error("Expected timestamp to be set automatically")
			}
			if !tt.checkTimestamp && !tt.alert.Timestamp.IsZero() && !sent.Timestamp.Equal(tt.alert.Timestamp) {
				t.Error("Expected explicit timestamp to be preserved")
			}
		})
	}
}

func TestManager_FanOutContinuesPastFailure(t *testing.T) {
	failing := NewMockAlerter(errors.New("down"))
	working := NewMockAlerter(nil)

	manager := NewManager(failing, working)

	err := manager.Send(context.Background(), Alert{
		Title:    "Workflow Failed",
		Message:  "comprehensive_analysis failed",
		Severity: SeverityWarning,
	})

	if err == nil {
		t.Error("Expected error from failing alerter")
	}
	if len(working.alerts) != 1 {
		t.Errorf("Expected working alerter to still receive the alert, got %d", len(working.alerts))
	}
}

func TestManager_SeverityHelpers(t *testing.T) {
	mock := NewMockAlerter(nil)
	manager := NewManager(mock)
	ctx := context.Background()

	manager.SendInfo(ctx, "info", "msg", nil)
	manager.SendWarning(ctx, "warn", "msg", nil)
	manager.SendCritical(ctx, "crit", "msg", nil)

	if len(mock.alerts) != 3 {
		t.Fatalf("Expected 3 alerts, got %d", len(mock.alerts))
	}
	if mock.alerts[0].Severity != SeverityInfo {
		t.Errorf("Expected INFO, got %s", mock.alerts[0].Severity)
	}
	if mock.alerts[1].Severity != SeverityWarning {
		t.Errorf("Expected WARNING, got %s", mock.alerts[1].Severity)
	}
	if mock.alerts[2].Severity != SeverityCritical {
		t.Errorf("Expected CRITICAL, got %s", mock.alerts[2].Severity)
	}
}

func TestHelperAlerts(t *testing.T) {
	mock := NewMockAlerter(nil)
	old := GetDefaultManager()
	SetDefaultManager(NewManager(mock))
	defer SetDefaultManager(old)

	ctx := context.Background()

	AlertAgentUnhealthy(ctx, "agent-1", "market_analyst", errors.New("timeout"))
	AlertThresholdBreached(ctx, "cpu_percent", SeverityCritical, 96.0, 95.0, "")
	AlertThresholdBreached(ctx, "mean_response_seconds", SeverityWarning, 31.0, 30.0, "agent-2")
	AlertWorkflowFailed(ctx, "exec-1", "quick_analysis", errors.New("step failed"))
	AlertBackendDegraded(ctx, "postgres", errors.New("connection refused"))
	AlertAnalysisFailed(ctx, "req-1", "AAPL", errors.New("no agents"))

	if len(mock.alerts) != 6 {
		t.Fatalf("Expected 6 alerts, got %d", len(mock.alerts))
	}

	if mock.alerts[0].Severity != SeverityCritical {
		t.Errorf("Expected agent health alert to be critical, got %s", mock.alerts[0].Severity)
	}
	if mock.alerts[1].Severity != SeverityCritical {
		t.Errorf("Expected critical threshold alert, got %s", mock.alerts[1].Severity)
	}
	if mock.alerts[2].Severity != SeverityWarning {
		t.Errorf("Expected warning threshold alert, got %s", mock.alerts[2].Severity)
	}
	if mock.alerts[2].Metadata["agent_id"] != "agent-2" {
		t.Error("Expected agent_id in threshold alert metadata")
	}
	if _, ok := mock.alerts[1].Metadata["agent_id"]; ok {
		t.Error("Expected no agent_id for system-level threshold alert")
	}
}

func TestLogAlerter_Send(t *testing.T) {
	alerter := NewLogAlerter()

	err := alerter.Send(context.Background(), Alert{
		Title:     "Test",
		Message:   "log only",
		Severity:  SeverityInfo,
		Timestamp: time.Now(),
		Metadata:  map[string]interface{}{"k": "v"},
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}
