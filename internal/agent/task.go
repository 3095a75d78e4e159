package agent

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the terminal status of a dispatched task
type TaskStatus string

const (
	TaskSuccess TaskStatus = "success"
	TaskError   TaskStatus = "error"
)

// TaskContext carries everything an agent needs to run one task.
// Parameters hold task-specific tuning (research depth, debate stance);
// Metadata carries orchestration context (workflow step id, prior step
// results, recalled memories) that agents may consult but not mutate.
type TaskContext struct {
	TaskID       string         `json:"task_id"`
	TaskName     string         `json:"task_name"`
	Symbol       string         `json:"symbol"`
	CompanyName  string         `json:"company_name,omitempty"`
	Market       Market         `json:"market"`
	AnalysisDate string         `json:"analysis_date"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// NewTaskContext builds a task with a fresh id
func NewTaskContext(taskName, symbol string, market Market) *TaskContext {
	return &TaskContext{
		TaskID:     uuid.New().String(),
		TaskName:   taskName,
		Symbol:     symbol,
		Market:     market,
		Parameters: make(map[string]any),
		Metadata:   make(map[string]any),
		CreatedAt:  time.Now(),
	}
}

// Param reads a parameter with a default
func (tc *TaskContext) Param(key string, def any) any {
	if tc.Parameters == nil {
		return def
	}
	if v, ok := tc.Parameters[key]; ok {
		return v
	}
	return def
}

// IntParam reads an integer parameter, tolerating JSON float decoding
func (tc *TaskContext) IntParam(key string, def int) int {
	switch v := tc.Param(key, def).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// StringParam reads a string parameter
func (tc *TaskContext) StringParam(key, def string) string {
	if v, ok := tc.Param(key, def).(string); ok {
		return v
	}
	return def
}

// TaskResult is the uniform outcome envelope the dispatcher produces for
// every task, successful or not. Payload is nil on error.
type TaskResult struct {
	TaskID      string         `json:"task_id"`
	AgentID     string         `json:"agent_id"`
	AgentKind   Kind           `json:"agent_kind"`
	Status      TaskStatus     `json:"status"`
	Payload     map[string]any `json:"payload,omitempty"`
	Error       string         `json:"error,omitempty"`
	Duration    time.Duration  `json:"duration"`
	CompletedAt time.Time      `json:"completed_at"`
}

// OK reports whether the task completed successfully
func (r *TaskResult) OK() bool {
	return r != nil && r.Status == TaskSuccess
}
