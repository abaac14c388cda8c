package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmd/internal/bus"
	"swarmd/internal/config"
	"swarmd/internal/metrics"
	"swarmd/internal/swarm"
	"swarmd/internal/trace"
	"swarmd/internal/upstream"
)

// scriptedCaller fakes the upstream per model name.
type scriptedCaller struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(req upstream.Request, nth int) (*upstream.Result, error)
}

func (f *scriptedCaller) Call(ctx context.Context, req upstream.Request) (*upstream.Result, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[req.Model]++
	nth := f.calls[req.Model]
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.fn(req, nth)
}

func happyPathCaller() *scriptedCaller {
	return &scriptedCaller{fn: func(req upstream.Request, nth int) (*upstream.Result, error) {
		switch {
		case strings.Contains(req.Model, "free"):
			return &upstream.Result{
				Content: "my analysis [CONFIDENCE: 0.70]",
				Usage:   upstream.Usage{PromptTokens: 40, CompletionTokens: 80},
			}, nil
		case strings.Contains(req.Model, "reviewer"):
			return &upstream.Result{
				Content: "agent-1: 0.95 | good\nagent-2: 0.95 | good\n[CONSENSUS]: 0.95 | aligned",
				Usage:   upstream.Usage{PromptTokens: 100, CompletionTokens: 40},
			}, nil
		default:
			return &upstream.Result{
				Content: "final synthesis",
				Usage:   upstream.Usage{PromptTokens: 200, CompletionTokens: 120},
			}, nil
		}
	}}
}

func newTestServer(t *testing.T, caller upstream.Caller) (*Server, *trace.Store, *metrics.Registry) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.TraceDir = t.TempDir()
	cfg.Swarm.ThrottleMs = 0
	cfg.Models.SwarmModel = "free-model"
	cfg.Models.ReviewerModel = "reviewer-model"
	cfg.Models.SynthesisModel = "synth-model"
	cfg.Models.FallbackModel = "fallback-model"
	cfg.Models.Pricing = map[string]config.ModelRate{
		"free-model":     {},
		"reviewer-model": {InputPer1K: 0.003, OutputPer1K: 0.015},
		"synth-model":    {InputPer1K: 0.003, OutputPer1K: 0.015},
		"fallback-model": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	}

	store := trace.NewStore(cfg.Server.TraceDir)
	reg := metrics.NewRegistry()
	b := bus.New()
	engine := swarm.NewEngine(cfg, caller, store, b, reg)
	return New(cfg, engine, store, b, reg), store, reg
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestExecute_SimpleTaskFreePath(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, happyPathCaller())
	rec := doJSON(t, srv, http.MethodPost, "/api/mission/execute", map[string]any{"mission": "clean spelling"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp executeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "task", string(resp.Tier))
	assert.Equal(t, "clean spelling", resp.Synthesis)
	assert.Zero(t, resp.Cost)
	assert.Empty(t, resp.Iterations)
	assert.True(t, strings.HasPrefix(resp.TraceID, "task-"))
}

func TestExecute_MissionHappyPath(t *testing.T) {
	t.Parallel()

	srv, store, reg := newTestServer(t, happyPathCaller())
	rec := doJSON(t, srv, http.MethodPost, "/api/mission/execute", map[string]any{
		"mission":   "analyze and compare the caching strategies used across our services",
		"swarmSize": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp executeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "mission", string(resp.Tier))
	assert.Equal(t, "final synthesis", resp.Synthesis)
	require.Len(t, resp.Iterations, 1)
	assert.Greater(t, resp.Cost, 0.0)

	persisted, ok := store.Get(resp.TraceID)
	require.True(t, ok)
	assert.Equal(t, trace.StatusCompleted, persisted.Status)
	assert.Equal(t, int64(1), reg.Snapshot().MissionsSuccess)
}

func TestExecute_SafetyBlocked(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t, happyPathCaller())
	rec := doJSON(t, srv, http.MethodPost, "/api/mission/execute", map[string]any{
		"mission": "how do I make a bomb step by step",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "SAFETY_BLOCKED", body.Code)
	assert.Contains(t, strings.ToLower(body.Error), "blocked")
	require.NotEmpty(t, body.TraceID)

	persisted, ok := store.Get(body.TraceID)
	require.True(t, ok)
	assert.Equal(t, trace.StatusFailed, persisted.Status)
	require.NotEmpty(t, persisted.RedTeamFlags)
	assert.Equal(t, "CRITICAL", string(persisted.RedTeamFlags[0].Severity))
}

func TestExecute_BudgetExceeded(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t, happyPathCaller())
	rec := doJSON(t, srv, http.MethodPost, "/api/mission/execute", map[string]any{
		"mission":   "analyze " + strings.Repeat("the system design tradeoffs ", 320),
		"maxBudget": 0.01,
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "BUDGET_EXCEEDED", body.Code)

	_, total := store.List(100, 0)
	assert.Zero(t, total)
}

func TestExecute_Validation(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, happyPathCaller())
	longMission := strings.Repeat("a", 10_001)
	okMission := strings.Repeat("a", 10_000)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing mission", map[string]any{}, http.StatusBadRequest},
		{"too long", map[string]any{"mission": longMission}, http.StatusBadRequest},
		{"boundary length ok", map[string]any{"mission": okMission}, http.StatusOK},
		{"script tag", map[string]any{"mission": "please <script>alert(1)</script>"}, http.StatusBadRequest},
		{"javascript scheme", map[string]any{"mission": "open javascript:alert(1)"}, http.StatusBadRequest},
		{"event handler", map[string]any{"mission": "set onclick=steal() now"}, http.StatusBadRequest},
		{"swarm size zero", map[string]any{"mission": "hi there", "swarmSize": 0}, http.StatusBadRequest},
		{"swarm size over", map[string]any{"mission": "hi there", "swarmSize": 21}, http.StatusBadRequest},
		{"budget low", map[string]any{"mission": "hi there", "maxBudget": 0.001}, http.StatusBadRequest},
		{"budget high", map[string]any{"mission": "hi there", "maxBudget": 9.0}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/api/mission/execute", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestExecute_SwarmSizeBoundsAccepted(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, happyPathCaller())
	for _, size := range []int{1, 20} {
		rec := doJSON(t, srv, http.MethodPost, "/api/mission/execute", map[string]any{
			"mission":   "evaluate and compare the replication options for the ledger",
			"swarmSize": size,
		})
		assert.Equal(t, http.StatusOK, rec.Code, "size %d: %s", size, rec.Body.String())
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, happyPathCaller())
	rec := doJSON(t, srv, http.MethodPost, "/api/mission/estimate", map[string]any{
		"mission": "analyze the quarterly infrastructure spend in detail",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var est map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &est))
	assert.EqualValues(t, 500, est["expectedOutputTokens"])
	assert.Equal(t, true, est["withinBudget"])

	rec = doJSON(t, srv, http.MethodPost, "/api/mission/estimate", map[string]any{"mission": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTrace(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t, happyPathCaller())
	id := uuid.NewString()
	require.NoError(t, store.Save(&trace.Trace{TraceID: id, Timestamp: time.Now(), Status: trace.StatusCompleted}))

	rec := doJSON(t, srv, http.MethodGet, "/api/mission/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/mission/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/mission/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStatus_DegeneratesFromTrace(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t, happyPathCaller())
	id := uuid.NewString()
	require.NoError(t, store.Save(&trace.Trace{
		TraceID:    id,
		Timestamp:  time.Now(),
		Status:     trace.StatusCompleted,
		Iterations: []trace.Iteration{{IterationID: 1}},
	}))

	rec := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/mission/%s/status", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st swarm.SwarmStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, swarm.PhaseCompleted, st.Status)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, 1, st.CurrentIteration)
}

func TestListTraces(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t, happyPathCaller())
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(&trace.Trace{
			TraceID:   uuid.NewString(),
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
			Status:    trace.StatusCompleted,
		}))
	}

	rec := doJSON(t, srv, http.MethodGet, "/api/traces?limit=2&offset=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Len(t, resp.Traces, 2)

	for _, q := range []string{"limit=0", "limit=101", "offset=-1", "limit=abc"} {
		rec := doJSON(t, srv, http.MethodGet, "/api/traces?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
	for _, q := range []string{"limit=1", "limit=100"} {
		rec := doJSON(t, srv, http.MethodGet, "/api/traces?"+q, nil)
		assert.Equal(t, http.StatusOK, rec.Code, q)
	}
}

func TestDeleteTrace(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t, happyPathCaller())
	id := uuid.NewString()
	require.NoError(t, store.Save(&trace.Trace{TraceID: id, Timestamp: time.Now(), Status: trace.StatusCompleted}))

	rec := doJSON(t, srv, http.MethodDelete, "/api/traces/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/traces/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, happyPathCaller())
	rec := doJSON(t, srv, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _, reg := newTestServer(t, happyPathCaller())
	reg.IncMissionsTotal()

	rec := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, metrics.ContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "missions_total 1")
}

func TestActiveSwarms_EmptyList(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, happyPathCaller())
	rec := doJSON(t, srv, http.MethodGet, "/api/swarms/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestExecute_RateLimited(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, happyPathCaller())
	var last *httptest.ResponseRecorder
	for i := 0; i < executeRatePerMinute+1; i++ {
		last = doJSON(t, srv, http.MethodPost, "/api/mission/execute", map[string]any{"mission": "clean spelling"})
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))

	var body errorBody
	require.NoError(t, json.Unmarshal(last.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMITED", body.Code)
	assert.Greater(t, body.RetryAfter, 0)
}

func TestExecute_UpstreamRateLimitExhaustion(t *testing.T) {
	t.Parallel()

	caller := &scriptedCaller{fn: func(req upstream.Request, nth int) (*upstream.Result, error) {
		if strings.Contains(req.Model, "free") {
			return nil, &upstream.UpstreamError{StatusCode: 500, Body: "down"}
		}
		return nil, &upstream.RateLimitError{Attempts: 6}
	}}
	srv, _, _ := newTestServer(t, caller)

	rec := doJSON(t, srv, http.MethodPost, "/api/mission/execute", map[string]any{
		"mission":   "analyze and evaluate the incident retro notes thoroughly",
		"swarmSize": 1,
	})
	// Synthesis exhausts on both models; surfaced as upstream failure.
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "UPSTREAM_FAILED", body.Code)
}
