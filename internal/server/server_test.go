package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimux-ai/aimux/internal/routing"
	"github.com/aimux-ai/aimux/internal/types"
)

type stubDispatcher struct {
	name     string
	complete func(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)
}

func (d *stubDispatcher) Name() string { return d.name }

func (d *stubDispatcher) Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	return d.complete(ctx, req)
}

func (d *stubDispatcher) Stream(ctx context.Context, req *types.ChatRequest) (<-chan *types.ChatChunk, error) {
	chunks := make(chan *types.ChatChunk, 2)
	chunks <- &types.ChatChunk{
		ID:      "chunk-1",
		Object:  "chat.completion.chunk",
		Choices: []types.ChoiceChunk{{Delta: &types.Message{Role: "assistant", Content: "hi"}}},
	}
	close(chunks)
	return chunks, nil
}

func (d *stubDispatcher) HealthCheck(ctx context.Context) (*types.HealthStatus, error) {
	return &types.HealthStatus{State: types.HealthHealthy}, nil
}

func okDispatcher(name string) *stubDispatcher {
	return &stubDispatcher{
		name: name,
		complete: func(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
			return &types.ChatResponse{
				ID:      "chatcmpl-test",
				Object:  "chat.completion",
				Model:   "test-model",
				Choices: []types.Choice{{Message: types.Message{Role: "assistant", Content: "pong"}}},
			}, nil
		},
	}
}

func testServer(t *testing.T) *Server {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	catalog := []types.Provider{
		{
			ID:           "alpha",
			Kind:         "openai",
			Enabled:      true,
			Priority:     3,
			Capabilities: []types.Capability{types.CapabilityStreaming, types.CapabilityTools},
		},
		{
			ID:           "beta",
			Kind:         "anthropic",
			Enabled:      true,
			Priority:     2,
			Capabilities: []types.Capability{types.CapabilityStreaming, types.CapabilityVision},
		},
	}

	cfg := routing.DefaultConfig()
	cfg.EnableIntelligentFailover = false
	cfg.InitialRetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 2 * time.Millisecond

	router := routing.NewRouter(cfg, catalog, logger)
	router.RegisterDispatcher("alpha", okDispatcher("alpha"))
	router.RegisterDispatcher("beta", okDispatcher("beta"))

	return New(router, Config{Port: "0"}, nil, logger)
}

func postJSON(t *testing.T, handler http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func chatPayload() *types.ChatRequest {
	return &types.ChatRequest{
		Messages: []types.Message{{Role: "user", Content: "ping"}},
	}
}

func TestChatCompletion(t *testing.T) {
	s := testServer(t)

	rec := postJSON(t, s.Routes(), "/v1/chat/completions", chatPayload())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "pong", resp.Choices[0].Message.Content)
	require.NotNil(t, resp.RouterMetadata)
	assert.Equal(t, "alpha", resp.RouterMetadata.Provider)
	assert.Equal(t, 1, resp.RouterMetadata.Attempts)
}

func TestChatCompletionInvalidJSON(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader([]byte("{broken")))
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid JSON")
}

func TestChatCompletionFailover(t *testing.T) {
	s := testServer(t)

	s.router.RegisterDispatcher("alpha", &stubDispatcher{
		name: "alpha",
		complete: func(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
			return nil, types.NewProviderError("alpha", 503, "overloaded", nil)
		},
	})

	rec := postJSON(t, s.Routes(), "/v1/chat/completions", chatPayload())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "beta", resp.RouterMetadata.Provider)
	assert.True(t, resp.RouterMetadata.FailoverUsed)
}

func TestChatCompletionClientErrorShortCircuits(t *testing.T) {
	s := testServer(t)

	s.router.RegisterDispatcher("alpha", &stubDispatcher{
		name: "alpha",
		complete: func(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
			return nil, types.NewProviderError("alpha", 400, "bad request payload", nil)
		},
	})

	rec := postJSON(t, s.Routes(), "/v1/chat/completions", chatPayload())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "routing_error")
}

func TestChatCompletionStreaming(t *testing.T) {
	s := testServer(t)

	payload := chatPayload()
	payload.Stream = true
	rec := postJSON(t, s.Routes(), "/v1/chat/completions", payload)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "data: ")
	assert.Contains(t, rec.Body.String(), "data: [DONE]")
}

func TestRoutingDecision(t *testing.T) {
	s := testServer(t)

	rec := postJSON(t, s.Routes(), "/v1/routing/decision", chatPayload())
	require.Equal(t, http.StatusOK, rec.Code)

	var decision routing.RoutingDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Equal(t, "alpha", decision.Provider)
	assert.Equal(t, 2, decision.CandidateCount)
}

func TestRoutingDecisionNoCandidates(t *testing.T) {
	s := testServer(t)

	payload := chatPayload()
	payload.ExcludeProviders = []string{"alpha", "beta"}
	rec := postJSON(t, s.Routes(), "/v1/routing/decision", payload)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRoutingStatisticsEndpoint(t *testing.T) {
	s := testServer(t)
	postJSON(t, s.Routes(), "/v1/chat/completions", chatPayload())

	req := httptest.NewRequest("GET", "/v1/routing/statistics", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var stats routing.RoutingStatistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.NotZero(t, stats.ProviderUsage["alpha"])
}

func TestFailoverStatisticsEndpoint(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest("GET", "/v1/failover/statistics", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var stats routing.FailoverStatistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.True(t, stats.CircuitBreakerEnabled)
}

func TestListProviders(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest("GET", "/v1/providers", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Providers []map[string]interface{} `json:"providers"`
		Count     int                      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestGetProvider(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest("GET", "/v1/providers/alpha", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"alpha"`)

	req = httptest.NewRequest("GET", "/v1/providers/nope", nil)
	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.router.SetHealthState("alpha", types.HealthUnhealthy)
	req = httptest.NewRequest("GET", "/v1/health", nil)
	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	req = httptest.NewRequest("GET", "/v1/health/alpha", nil)
	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}

func TestAdminResetCircuitBreaker(t *testing.T) {
	s := testServer(t)

	for i := 0; i < 5; i++ {
		s.router.UpdateProviderPerformance("alpha", time.Millisecond, false, routing.ErrorRetryable)
	}
	require.Contains(t, s.router.FailoverStatistics().OpenCircuits, "alpha")

	req := httptest.NewRequest("POST", "/v1/admin/circuit-breaker/alpha/reset", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, s.router.FailoverStatistics().OpenCircuits, "alpha")

	req = httptest.NewRequest("POST", "/v1/admin/circuit-breaker/nope/reset", nil)
	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminClearCache(t *testing.T) {
	s := testServer(t)
	postJSON(t, s.Routes(), "/v1/chat/completions", chatPayload())

	req := httptest.NewRequest("POST", "/v1/admin/cache/clear", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Empty(t, s.router.ProviderPerformanceMetrics())
}

func TestUpdateConfigEndpoint(t *testing.T) {
	s := testServer(t)

	rec := postJSONMethod(t, s.Routes(), "PUT", "/v1/routing/config", map[string]interface{}{
		"max_total_retries": 4,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, s.router.Config().MaxTotalRetries)
}

func postJSONMethod(t *testing.T, handler http.Handler, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestOpenAPIEndpoints(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest("GET", "/openapi.json", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var spec map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &spec))
	assert.Equal(t, "3.0.3", spec["openapi"])
	paths, ok := spec["paths"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, paths, "/v1/chat/completions")

	req = httptest.NewRequest("GET", "/openapi.yaml", nil)
	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openapi: 3.0.3")
}

func TestCORSPreflight(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest("OPTIONS", "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServerGracefulStop(t *testing.T) {
	s := testServer(t)
	s.httpServer = &http.Server{Addr: ":0", Handler: s.Routes()}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
