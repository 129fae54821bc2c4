package broadcast_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/provider-ranking/internal/broadcast"
	"github.com/tributary-ai/provider-ranking/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel) // Reduce noise in tests
	return logger
}

func snapshot(version uint64) *types.RankingSnapshot {
	return &types.RankingSnapshot{
		Version:     version,
		GeneratedAt: time.Now().UTC(),
		Rankings: []types.ProviderRanking{
			{ProviderID: "openai", Rank: 1, WeightedScore: 0.9, Status: types.StatusActive},
		},
	}
}

func decode(t *testing.T, payload []byte) broadcast.Message {
	t.Helper()
	var msg broadcast.Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func TestHub_PublishDeliversToAllSubscribers(t *testing.T) {
	hub := broadcast.NewHub(broadcast.Config{}, testLogger())

	a, err := hub.Subscribe("dashboard-a")
	require.NoError(t, err)
	b, err := hub.Subscribe("dashboard-b")
	require.NoError(t, err)

	res, err := hub.Publish(context.Background(),
		broadcast.SnapshotMessage(broadcast.MessageRankingsUpdated, snapshot(3), time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Empty(t, res.Evicted)

	for _, sub := range []*broadcast.Subscription{a, b} {
		select {
		case payload := <-sub.C():
			msg := decode(t, payload)
			assert.Equal(t, broadcast.MessageRankingsUpdated, msg.Type)
			assert.Equal(t, uint64(3), msg.SnapshotVersion)
			require.Len(t, msg.Rankings, 1)
			assert.Equal(t, "openai", msg.Rankings[0].ProviderID)
		default:
			t.Fatalf("subscriber %s received nothing", sub.ID())
		}
	}
}

func TestHub_SlowSubscriberIsEvicted(t *testing.T) {
	hub := broadcast.NewHub(broadcast.Config{QueueSize: 1, SendTimeout: 50 * time.Millisecond}, testLogger())

	slow, err := hub.Subscribe("slow")
	require.NoError(t, err)
	fast, err := hub.Subscribe("fast")
	require.NoError(t, err)

	ctx := context.Background()
	_, err = hub.Publish(ctx, broadcast.SnapshotMessage(broadcast.MessageRankingsUpdated, snapshot(1), time.Now()))
	require.NoError(t, err)
	<-fast.C()

	start := time.Now()
	res, err := hub.Publish(ctx, broadcast.SnapshotMessage(broadcast.MessageRankingsUpdated, snapshot(2), time.Now()))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"slow"}, res.Evicted)
	assert.Equal(t, 1, res.Delivered)
	assert.False(t, hub.Has("slow"))
	assert.True(t, hub.Has("fast"))

	select {
	case <-slow.Done():
	default:
		t.Fatal("evicted subscription should be done")
	}
}

func TestHub_CancelledPublishReportsErrorWithoutEvicting(t *testing.T) {
	hub := broadcast.NewHub(broadcast.Config{QueueSize: 1, SendTimeout: 5 * time.Second}, testLogger())

	_, err := hub.Subscribe("backlogged")
	require.NoError(t, err)
	_, err = hub.Publish(context.Background(), broadcast.SnapshotMessage(broadcast.MessageRankingsUpdated, snapshot(1), time.Now()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	res, err := hub.Publish(ctx, broadcast.SnapshotMessage(broadcast.MessageRankingsUpdated, snapshot(2), time.Now()))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, res.Delivered)
	assert.Empty(t, res.Evicted)
	assert.True(t, hub.Has("backlogged"))
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	hub := broadcast.NewHub(broadcast.Config{}, testLogger())

	sub, err := hub.Subscribe("viewer")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Count())

	hub.Unsubscribe("viewer")
	hub.Unsubscribe("viewer")
	hub.Unsubscribe("never-subscribed")

	assert.Zero(t, hub.Count())
	<-sub.Done()

	res, err := hub.Publish(context.Background(), broadcast.SnapshotMessage(broadcast.MessageRankingsUpdated, snapshot(1), time.Now()))
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)
}

func TestHub_ResubscribeReplacesPreviousQueue(t *testing.T) {
	hub := broadcast.NewHub(broadcast.Config{}, testLogger())

	first, err := hub.Subscribe("viewer")
	require.NoError(t, err)
	second, err := hub.Subscribe("viewer")
	require.NoError(t, err)

	<-first.Done()
	assert.Equal(t, 1, hub.Count())

	_, err = hub.Publish(context.Background(), broadcast.SnapshotMessage(broadcast.MessageRankingsUpdated, snapshot(1), time.Now()))
	require.NoError(t, err)
	assert.Len(t, second.C(), 1)
	assert.Len(t, first.C(), 0)
}

func TestHub_CloseRejectsSubscribers(t *testing.T) {
	hub := broadcast.NewHub(broadcast.Config{}, testLogger())
	sub, err := hub.Subscribe("viewer")
	require.NoError(t, err)

	hub.Close()
	<-sub.Done()

	_, err = hub.Subscribe("late")
	assert.ErrorIs(t, err, types.ErrHubClosed)
}

func TestWSHandler_StreamsMessages(t *testing.T) {
	hub := broadcast.NewHub(broadcast.Config{}, testLogger())
	initial := func() broadcast.Message {
		return broadcast.SnapshotMessage(broadcast.MessageSnapshot, snapshot(7), time.Now())
	}
	srv := httptest.NewServer(broadcast.NewWSHandler(hub, initial, broadcast.WSConfig{}, testLogger()))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?subscriber_id=ws-test"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	first := decode(t, data)
	assert.Equal(t, broadcast.MessageSnapshot, first.Type)
	assert.Equal(t, uint64(7), first.SnapshotVersion)

	require.Eventually(t, func() bool { return hub.Has("ws-test") }, time.Second, 10*time.Millisecond)

	change := &types.StatusChange{ProviderID: "openai", OldStatus: types.StatusActive, NewStatus: types.StatusDegraded}
	_, err = hub.Publish(context.Background(), broadcast.Message{
		Type:            broadcast.MessageProviderStatusChange,
		SnapshotVersion: 8,
		Timestamp:       time.Now(),
		StatusChange:    change,
	})
	require.NoError(t, err)

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	msg := decode(t, data)
	assert.Equal(t, broadcast.MessageProviderStatusChange, msg.Type)
	require.NotNil(t, msg.StatusChange)
	assert.Equal(t, types.StatusDegraded, msg.StatusChange.NewStatus)

	conn.Close()
	require.Eventually(t, func() bool { return !hub.Has("ws-test") }, 2*time.Second, 10*time.Millisecond)
}
