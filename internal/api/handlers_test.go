package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/analyzer"
	"github.com/tradecouncil/council/internal/registry"
	"github.com/tradecouncil/council/internal/state"
	"github.com/tradecouncil/council/internal/workflow"
)

// buyExecutor answers every dispatch with a confident buy verdict
type buyExecutor struct{}

func (buyExecutor) Execute(ctx context.Context, kind agent.Kind, tc *agent.TaskContext) (*agent.TaskResult, error) {
	v := agent.Verdict{
		Recommendation: agent.RecommendBuy,
		Confidence:     0.9,
		RiskLevel:      agent.RiskMedium,
		Reasoning:      "test verdict",
	}
	return &agent.TaskResult{
		TaskID:      tc.TaskID,
		AgentID:     string(kind) + "-1",
		AgentKind:   kind,
		Status:      agent.TaskSuccess,
		Payload:     v.ToPayload(nil),
		CompletedAt: time.Now(),
	}, nil
}

// stubAgent satisfies the registry for the read-only agent views
type stubAgent struct {
	id   string
	kind agent.Kind
}

func (a *stubAgent) ID() string       { return a.id }
func (a *stubAgent) Kind() agent.Kind { return a.kind }

func (a *stubAgent) Capabilities() []agent.Capability {
	return []agent.Capability{{
		Name:               "analysis",
		Markets:            agent.AllMarkets(),
		MaxConcurrentTasks: 2,
		EstimatedDuration:  time.Second,
	}}
}

func (a *stubAgent) ProcessTask(ctx context.Context, tc *agent.TaskContext) (map[string]any, error) {
	return map[string]any{}, nil
}

func (a *stubAgent) HealthCheck(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()

	reg := registry.New(registry.Config{})
	require.NoError(t, reg.Register(&stubAgent{id: "market-1", kind: agent.KindMarketAnalyst}))

	a := analyzer.New(analyzer.Config{
		Executor: buyExecutor{},
		Store:    state.New(state.Config{}),
	})
	return NewServer(Config{
		Analyzer:  a,
		Registry:  reg,
		Workflows: workflow.NewLibrary(),
	})
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env Envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env),
			"response is not an envelope: %s", rec.Body.String())
	}
	return rec, env
}

func dataMap(t *testing.T, env Envelope) map[string]any {
	t.Helper()
	m, ok := env.Data.(map[string]any)
	require.True(t, ok, "envelope data is %T", env.Data)
	return m
}

func startRequestBody() map[string]any {
	return map[string]any{
		"stock_code":     "AAPL",
		"company_name":   "Apple Inc.",
		"market_type":    "US",
		"analysis_date":  "2025-06-02",
		"research_depth": 1,
		"market_analyst": true,
	}
}

func startAnalysis(t *testing.T, s *Server) string {
	t.Helper()
	rec, env := doRequest(t, s.Handler(), http.MethodPost, "/api/v1/analysis/start", startRequestBody())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.True(t, env.Success)
	id, _ := dataMap(t, env)["analysis_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func awaitCompleted(t *testing.T, s *Server, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, env := doRequest(t, s.Handler(), http.MethodGet, "/api/v1/analysis/"+id+"/progress", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		return dataMap(t, env)["status"] == "completed"
	}, 5*time.Second, 5*time.Millisecond)
}

func TestAnalysisLifecycle(t *testing.T) {
	s := newTestServer(t)
	id := startAnalysis(t, s)
	awaitCompleted(t, s, id)

	rec, env := doRequest(t, s.Handler(), http.MethodGet, "/api/v1/analysis/"+id+"/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.Success)
	data := dataMap(t, env)
	assert.Equal(t, id, data["analysis_id"])
	assert.Equal(t, "buy", data["recommendation"])
	assert.Equal(t, "90.0%", data["confidence"])
	assert.Equal(t, "independent", data["mode"])

	// Cancel after the terminal state conflicts
	rec, env = doRequest(t, s.Handler(), http.MethodDelete, "/api/v1/analysis/"+id, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "duplicate", env.ErrorCode)
}

func TestStartAnalysisRejectsInvalid(t *testing.T) {
	s := newTestServer(t)

	body := startRequestBody()
	body["research_depth"] = 9
	rec, env := doRequest(t, s.Handler(), http.MethodPost, "/api/v1/analysis/start", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "invalid", env.ErrorCode)
	assert.Contains(t, env.Message, "research_depth")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analysis/start", bytes.NewReader([]byte("{not json")))
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestUnknownAnalysisRoutes(t *testing.T) {
	s := newTestServer(t)

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/analysis/ghost/progress"},
		{http.MethodGet, "/api/v1/analysis/ghost/result"},
		{http.MethodDelete, "/api/v1/analysis/ghost"},
	} {
		rec, env := doRequest(t, s.Handler(), route.method, route.path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, route.path)
		assert.False(t, env.Success)
		assert.Equal(t, "not_found", env.ErrorCode)
	}
}

func TestCapabilitiesEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec, env := doRequest(t, s.Handler(), http.MethodGet, "/api/v1/capabilities", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataMap(t, env)
	assert.Equal(t, true, data["independent"])
	assert.Equal(t, true, data["agent_service_available"])
	assert.Equal(t, false, data["workflow"], "no workflow engine is wired in this server")
}

func TestAgentViews(t *testing.T) {
	s := newTestServer(t)

	rec, env := doRequest(t, s.Handler(), http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataMap(t, env)
	assert.Equal(t, float64(1), data["count"])

	rec, env = doRequest(t, s.Handler(), http.MethodGet, "/api/v1/agents/market-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data = dataMap(t, env)
	assert.Equal(t, "market-1", data["agent_id"])
	assert.Equal(t, string(agent.KindMarketAnalyst), data["kind"])

	rec, env = doRequest(t, s.Handler(), http.MethodGet, "/api/v1/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", env.ErrorCode)
}

func TestWorkflowViews(t *testing.T) {
	s := newTestServer(t)

	rec, env := doRequest(t, s.Handler(), http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataMap(t, env)
	assert.Equal(t, float64(2), data["count"], "both builtin workflows are listed")

	raw, err := json.Marshal(data["workflows"])
	require.NoError(t, err)
	var views []struct {
		ID    string `json:"id"`
		Steps int    `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(raw, &views))
	ids := map[string]int{}
	for _, v := range views {
		ids[v.ID] = v.Steps
	}
	assert.Equal(t, 3, ids[workflow.QuickAnalysisID])
	assert.Equal(t, 7, ids[workflow.ComprehensiveAnalysisID])
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec, env := doRequest(t, s.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, "healthy", env.Message)
	assert.Equal(t, float64(1), dataMap(t, env)["agents"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	// A first request seeds the labelled series
	doRequest(t, s.Handler(), http.MethodGet, "/health", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "council_http_requests_total")
}

func TestRootEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec, env := doRequest(t, s.Handler(), http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, "Trade Council API", dataMap(t, env)["service"])
}
