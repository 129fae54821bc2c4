package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/provider-ranking/internal/broadcast"
	"github.com/tributary-ai/provider-ranking/internal/middleware"
	"github.com/tributary-ai/provider-ranking/internal/ranking"
	"github.com/tributary-ai/provider-ranking/internal/security"
	"github.com/tributary-ai/provider-ranking/internal/server"
	"github.com/tributary-ai/provider-ranking/internal/simulate"
	"github.com/tributary-ai/provider-ranking/internal/sink"
	"github.com/tributary-ai/provider-ranking/internal/telemetry"
	"github.com/tributary-ai/provider-ranking/internal/types"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel) // Reduce noise during tests
	return logger
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp
}

func outcomes(n int, latency, quality float64, success bool) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"response_time_ms": %g, "cost": 0.01, "quality_score": %g, "success": %t}`, latency, quality, success)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// TestIngestRankPersistReplay drives outcomes through HTTP, persists them
// through the buffered writer and rebuilds an equivalent ranking from the
// stored history in a fresh engine.
func TestIngestRankPersistReplay(t *testing.T) {
	logger := quietLogger()
	store := sink.NewMemory()
	metrics := telemetry.New()

	writer := sink.NewWriter(store, sink.WriterConfig{FlushInterval: 10 * time.Millisecond}, logger, metrics)
	engine, err := ranking.NewEngine(
		ranking.Config{MinRequests: 5, AutoRegister: true},
		nil,
		logger,
		ranking.WithTelemetry(metrics),
		ranking.WithPersister(writer),
	)
	require.NoError(t, err)
	defer engine.Hub().Close()

	s, err := server.NewServer(engine, metrics, &server.ServerConfig{
		Security:   &middleware.SecurityMiddlewareConfig{Auth: &security.Config{}},
		Validation: &middleware.ValidationConfig{Enabled: true},
	}, logger)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	require.Equal(t, http.StatusAccepted, post(t, srv.URL+"/v1/providers/fast/outcomes", outcomes(10, 200, 0.95, true)).StatusCode)
	require.Equal(t, http.StatusAccepted, post(t, srv.URL+"/v1/providers/slow/outcomes", outcomes(10, 4000, 0.6, true)).StatusCode)
	require.Equal(t, http.StatusAccepted, post(t, srv.URL+"/v1/providers/sparse/outcomes", outcomes(2, 100, 1, true)).StatusCode)

	resp, err := http.Post(srv.URL+"/v1/rankings/recompute", "application/json", nil)
	require.NoError(t, err)
	var snap types.RankingSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()

	require.Len(t, snap.Rankings, 2, "providers under the minimum request count are not ranked")
	assert.Equal(t, "fast", snap.Rankings[0].ProviderID)
	assert.Equal(t, "slow", snap.Rankings[1].ProviderID)

	require.NoError(t, writer.Stop())
	require.Len(t, store.Outcomes(), 22)
	require.NotEmpty(t, store.Snapshots())
	assert.Equal(t, snap.Version, store.Snapshots()[len(store.Snapshots())-1].Version)

	replayed, err := ranking.NewEngine(ranking.Config{MinRequests: 5, AutoRegister: true}, nil, logger)
	require.NoError(t, err)
	defer replayed.Hub().Close()

	n, err := replayed.LoadHistory(context.Background(), store, 100)
	require.NoError(t, err)
	assert.Equal(t, 22, n)

	again := replayed.Recompute(context.Background())
	require.Len(t, again.Rankings, 2)
	for i := range snap.Rankings {
		assert.Equal(t, snap.Rankings[i].ProviderID, again.Rankings[i].ProviderID)
		assert.InDelta(t, snap.Rankings[i].WeightedScore, again.Rankings[i].WeightedScore, 1e-9)
	}
}

// TestStatusChangeReachesSubscriber checks that a status transition is
// announced after the rankings it affected.
func TestStatusChangeReachesSubscriber(t *testing.T) {
	logger := quietLogger()
	engine, err := ranking.NewEngine(ranking.Config{MinRequests: 1}, nil, logger)
	require.NoError(t, err)
	defer engine.Hub().Close()

	for _, id := range []types.ProviderID{"alpha", "beta"} {
		_, err := engine.RegisterProvider(id, types.StatusActive)
		require.NoError(t, err)
		require.NoError(t, engine.RecordOutcome(id, types.OutcomeRecord{
			Timestamp:      time.Now(),
			Success:        true,
			ResponseTimeMs: 500,
			Cost:           0.01,
			QualityScore:   0.9,
		}))
	}

	sub, err := engine.Subscribe("ops-dashboard")
	require.NoError(t, err)

	change, err := engine.UpdateProviderStatus(context.Background(), "beta", types.StatusOffline, "planned outage")
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, change.OldStatus)

	read := func() broadcast.Message {
		select {
		case data := <-sub.C():
			var msg broadcast.Message
			require.NoError(t, json.Unmarshal(data, &msg))
			return msg
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for broadcast")
			return broadcast.Message{}
		}
	}

	updated := read()
	assert.Equal(t, broadcast.MessageRankingsUpdated, updated.Type)
	statusMsg := read()
	assert.Equal(t, broadcast.MessageProviderStatusChange, statusMsg.Type)
	require.NotNil(t, statusMsg.StatusChange)
	assert.Equal(t, "beta", statusMsg.StatusChange.ProviderID)
	assert.Equal(t, updated.SnapshotVersion, statusMsg.SnapshotVersion)

	for _, r := range updated.Rankings {
		if r.ProviderID == "beta" {
			assert.Equal(t, types.StatusOffline, r.Status)
		}
	}
}

// TestSimulatedActivityIsRanked runs the simulator against a live engine
// loop until a snapshot ranks every simulated provider.
func TestSimulatedActivityIsRanked(t *testing.T) {
	logger := quietLogger()
	engine, err := ranking.NewEngine(ranking.Config{
		MinRequests:       3,
		RecomputeInterval: 20 * time.Millisecond,
	}, nil, logger)
	require.NoError(t, err)
	defer engine.Hub().Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers := []types.ProviderID{"openai", "anthropic", "google"}
	sim := simulate.New(engine, simulate.Config{Providers: providers, Interval: 5 * time.Millisecond, Seed: 99}, logger)

	go func() { _ = engine.Run(ctx) }()
	go func() { _ = sim.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(engine.GetCurrentRankings().Rankings) == len(providers)
	}, 3*time.Second, 10*time.Millisecond)

	analytics := engine.Analytics()
	require.NotNil(t, analytics)
	assert.Equal(t, len(providers), analytics.Overview.RankedProviders)
}
