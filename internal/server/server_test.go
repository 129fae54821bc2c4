package server_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/provider-ranking/internal/broadcast"
	"github.com/tributary-ai/provider-ranking/internal/middleware"
	"github.com/tributary-ai/provider-ranking/internal/ranking"
	"github.com/tributary-ai/provider-ranking/internal/security"
	"github.com/tributary-ai/provider-ranking/internal/server"
	"github.com/tributary-ai/provider-ranking/internal/telemetry"
	"github.com/tributary-ai/provider-ranking/internal/types"
)

const testAPIKey = "ranking-test-key-0001"

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type fixture struct {
	engine *ranking.Engine
	srv    *httptest.Server
}

func newFixture(t *testing.T, withAuth bool) *fixture {
	t.Helper()
	logger := testLogger()

	metrics := telemetry.New()
	engine, err := ranking.NewEngine(ranking.Config{MinRequests: 3, AutoRegister: true}, nil, logger, ranking.WithTelemetry(metrics))
	require.NoError(t, err)

	cfg := &server.ServerConfig{
		Security: &middleware.SecurityMiddlewareConfig{
			Auth:           &security.Config{},
			AllowedOrigins: []string{"*"},
		},
		Validation: &middleware.ValidationConfig{Enabled: true},
	}
	if withAuth {
		cfg.Security.Auth = &security.Config{APIKeys: []string{testAPIKey}, RequireAuth: true}
	}

	s, err := server.NewServer(engine, metrics, cfg, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		engine.Hub().Close()
	})
	return &fixture{engine: engine, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeJSON[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestServer_HealthAndEmptyRankings(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeJSON[map[string]interface{}](t, body)
	assert.Equal(t, "healthy", health["status"])

	resp, body = f.do(t, http.MethodGet, "/v1/rankings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeJSON[types.RankingSnapshot](t, body)
	assert.Equal(t, uint64(0), snap.Version)
	assert.Empty(t, snap.Rankings)
}

func TestServer_RegisterAndList(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.do(t, http.MethodPost, "/v1/providers", `{"provider_id": "openai"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	info := decodeJSON[types.ProviderInfo](t, body)
	assert.Equal(t, "openai", info.ID)
	assert.Equal(t, types.StatusActive, info.Status)

	resp, _ = f.do(t, http.MethodPost, "/v1/providers", `{"provider_id": "openai"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/providers", `{"provider_id": "anthropic", "status": "maintenance"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/v1/providers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeJSON[struct {
		Providers []types.ProviderInfo `json:"providers"`
	}](t, body)
	require.Len(t, list.Providers, 2)
	assert.Equal(t, "openai", list.Providers[0].ID)
	assert.Equal(t, types.StatusMaintenance, list.Providers[1].Status)
}

func TestServer_RecordOutcomesAndRank(t *testing.T) {
	f := newFixture(t, false)

	batch := `[
		{"response_time_ms": 300, "cost": 0.01, "quality_score": 0.9},
		{"response_time_ms": 320, "cost": 0.01, "quality_score": 0.8},
		{"response_time_ms": 280, "cost": 0.01, "quality_score": 0.95}
	]`
	resp, body := f.do(t, http.MethodPost, "/v1/providers/openai/outcomes", batch)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	accepted := decodeJSON[map[string]interface{}](t, body)
	assert.EqualValues(t, 3, accepted["accepted"])

	resp, body = f.do(t, http.MethodPost, "/v1/providers/openai/outcomes", `{"response_time_ms": 500, "cost": 0.02, "success": false}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	resp, body = f.do(t, http.MethodGet, "/v1/providers/openai/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decodeJSON[types.ProviderMetrics](t, body)
	assert.Equal(t, 4, m.TotalRequests)
	assert.Equal(t, 1, m.FailedRequests)

	resp, body = f.do(t, http.MethodPost, "/v1/rankings/recompute", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeJSON[types.RankingSnapshot](t, body)
	require.Len(t, snap.Rankings, 1)
	assert.Equal(t, "openai", snap.Rankings[0].ProviderID)
	assert.Equal(t, 1, snap.Rankings[0].Rank)

	resp, body = f.do(t, http.MethodGet, "/v1/rankings/history?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decodeJSON[struct {
		Snapshots []types.RankingSnapshot `json:"snapshots"`
	}](t, body)
	require.NotEmpty(t, history.Snapshots)
	assert.Equal(t, snap.Version, history.Snapshots[0].Version)

	resp, body = f.do(t, http.MethodGet, "/v1/analytics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	analytics := decodeJSON[ranking.Analytics](t, body)
	assert.Equal(t, 1, analytics.Overview.RankedProviders)
}

func TestServer_ErrorMapping(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.engine.RegisterProvider("openai", types.StatusActive)
	require.NoError(t, err)

	tests := []struct {
		name    string
		method  string
		path    string
		body    string
		want    int
		errType string
	}{
		{"unknown provider metrics", http.MethodGet, "/v1/providers/ghost/metrics", "", http.StatusNotFound, "not_found_error"},
		{"unknown provider status", http.MethodPut, "/v1/providers/ghost/status", `{"status": "offline"}`, http.StatusNotFound, "not_found_error"},
		{"unknown provider detail", http.MethodGet, "/v1/providers/ghost", "", http.StatusNotFound, "not_found_error"},
		{"invalid status", http.MethodPut, "/v1/providers/openai/status", `{"status": "asleep"}`, http.StatusBadRequest, "validation_error"},
		{"malformed outcome", http.MethodPost, "/v1/providers/openai/outcomes", `{"response_time_ms": -5, "cost": 0}`, http.StatusBadRequest, "validation_error"},
		{"bad json", http.MethodPost, "/v1/providers", `{"provider_id":`, http.StatusBadRequest, "validation_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode, string(body))
			assert.Contains(t, string(body), tt.errType)
		})
	}
}

func TestServer_OverflowingOutcomesDoNotBreakEncoding(t *testing.T) {
	f := newFixture(t, false)

	batch := "[" + strings.TrimSuffix(strings.Repeat(`{"response_time_ms": 1e308, "cost": 1e308, "quality_score": 0.9},`, 6), ",") + "]"
	resp, body := f.do(t, http.MethodPost, "/v1/providers/huge/outcomes", batch)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	resp, body = f.do(t, http.MethodGet, "/v1/providers/huge/metrics", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
	assert.Contains(t, string(body), "not finite")

	resp, body = f.do(t, http.MethodPost, "/v1/rankings/recompute", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	snap := decodeJSON[types.RankingSnapshot](t, body)
	assert.Empty(t, snap.Rankings)
}

func TestServer_UpdateStatus(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.engine.RegisterProvider("openai", types.StatusActive)
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPut, "/v1/providers/openai/status", `{"status": "degraded", "reason": "latency spike"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	change := decodeJSON[types.StatusChange](t, body)
	assert.Equal(t, types.StatusActive, change.OldStatus)
	assert.Equal(t, types.StatusDegraded, change.NewStatus)
	assert.Equal(t, "latency spike", change.Reason)

	resp, body = f.do(t, http.MethodGet, "/v1/providers/openai", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decodeJSON[struct {
		Provider      types.ProviderInfo   `json:"provider"`
		StatusHistory []types.StatusChange `json:"status_history"`
	}](t, body)
	assert.Equal(t, types.StatusDegraded, detail.Provider.Status)
	assert.Len(t, detail.StatusHistory, 1)
}

func TestServer_WriteRoutesRequireAuth(t *testing.T) {
	f := newFixture(t, true)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/providers", strings.NewReader(`{"provider_id": "openai"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Reads stay open
	resp, err = http.Get(f.srv.URL + "/v1/rankings")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, body := f.do(t, http.MethodPost, "/v1/providers", `{"provider_id": "openai"}`)
	assert.Equal(t, http.StatusCreated, resp2.StatusCode, string(body))
}

func TestServer_DocsAndMetrics(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.do(t, http.MethodGet, "/docs/openapi.json", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decodeJSON[map[string]interface{}](t, body)
	assert.Equal(t, "3.0.3", doc["openapi"])
	assert.Contains(t, doc["paths"], "/v1/rankings")

	resp, body = f.do(t, http.MethodGet, "/docs/openapi.yaml", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Provider Ranking Engine API")

	resp, _ = f.do(t, http.MethodGet, "/docs", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := f.engine.RegisterProvider("openai", types.StatusActive)
	require.NoError(t, err)
	_, _ = f.do(t, http.MethodPost, "/v1/providers/openai/outcomes", `{"response_time_ms": 100, "cost": 0.001}`)

	resp, body = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "provider_ranking_outcomes_recorded_total")
}

func TestServer_CORSPreflight(t *testing.T) {
	f := newFixture(t, false)

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/v1/providers/openai/outcomes", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_StreamDeliversSnapshots(t *testing.T) {
	f := newFixture(t, false)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/stream?subscriber_id=dashboard"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	first := decodeJSON[broadcast.Message](t, data)
	assert.Equal(t, broadcast.MessageSnapshot, first.Type)
	assert.Equal(t, uint64(0), first.SnapshotVersion)

	require.Eventually(t, func() bool { return f.engine.Hub().Has("dashboard") }, time.Second, 10*time.Millisecond)

	resp, _ := f.do(t, http.MethodPost, "/v1/rankings/recompute", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	update := decodeJSON[broadcast.Message](t, data)
	assert.Equal(t, broadcast.MessageRankingsUpdated, update.Type)
	assert.Equal(t, uint64(1), update.SnapshotVersion)

	resp, _ = f.do(t, http.MethodDelete, "/v1/subscribers/dashboard", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, f.engine.Hub().Has("dashboard"))
}
