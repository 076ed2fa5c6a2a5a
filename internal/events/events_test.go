package events_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/gorilla/websocket"
	"github.com/proxymon/proxymon/internal/events"
	"github.com/proxymon/proxymon/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 5 * time.Second

// fakeStats is a [events.StatsSource] returning a fixed snapshot.
type fakeStats struct {
	o *storage.Overview
}

// Overview implements the [events.StatsSource] interface for *fakeStats.
func (s *fakeStats) Overview(_ context.Context) (o *storage.Overview, err error) {
	return s.o, nil
}

// newTestHub starts a hub and an HTTP server exposing it.
func newTestHub(t *testing.T, conf *events.Config) (h *events.Hub, wsURL string) {
	t.Helper()

	if conf.Logger == nil {
		conf.Logger = slogutil.NewDiscardLogger()
	}
	if conf.Stats == nil {
		conf.Stats = &fakeStats{o: &storage.Overview{}}
	}

	h = events.New(conf)
	require.NoError(t, h.Start(testutil.ContextWithTimeout(t, testTimeout)))
	t.Cleanup(func() {
		_ = h.Shutdown(testutil.ContextWithTimeout(t, testTimeout))
	})

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dialHub connects a websocket client to the hub.
func dialHub(t *testing.T, wsURL string) (conn *websocket.Conn) {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	if resp != nil && resp.Body != nil {
		require.NoError(t, resp.Body.Close())
	}

	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

// readEvent reads the next text message within the test timeout.
func readEvent(t *testing.T, conn *websocket.Conn) (data []byte) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	return data
}

// waitSubscribers blocks until the hub sees want subscribers.
func waitSubscribers(t *testing.T, h *events.Hub, want int) {
	t.Helper()

	require.Eventually(t, func() (ok bool) {
		return h.Len() == want
	}, testTimeout, 10*time.Millisecond)
}

func TestHub_broadcast(t *testing.T) {
	t.Parallel()

	h, wsURL := newTestHub(t, &events.Config{})

	first := dialHub(t, wsURL)
	second := dialHub(t, wsURL)
	waitSubscribers(t, h, 2)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	// An event for a group nobody joined must not reach the dashboard
	// subscribers.
	h.Broadcast(ctx, "nobody", map[string]string{"type": "hidden"})
	h.Broadcast(ctx, events.GroupDashboard, map[string]string{"type": "visible"})

	for _, conn := range []*websocket.Conn{first, second} {
		got := map[string]string{}
		require.NoError(t, json.Unmarshal(readEvent(t, conn), &got))

		assert.Equal(t, "visible", got["type"])
	}
}

func TestHub_statsUpdates(t *testing.T) {
	t.Parallel()

	h, wsURL := newTestHub(t, &events.Config{
		Stats: &fakeStats{o: &storage.Overview{
			TotalRequests:   42,
			BlockedRequests: 7,
		}},
		StatsPeriod: 50 * time.Millisecond,
	})

	conn := dialHub(t, wsURL)
	waitSubscribers(t, h, 1)

	var got struct {
		Stats *storage.Overview `json:"stats"`
		Type  string            `json:"type"`
	}
	require.NoError(t, json.Unmarshal(readEvent(t, conn), &got))

	assert.Equal(t, "stats_update", got.Type)
	require.NotNil(t, got.Stats)
	assert.Equal(t, int64(42), got.Stats.TotalRequests)
	assert.Equal(t, int64(7), got.Stats.BlockedRequests)
}

func TestHub_disconnect(t *testing.T) {
	t.Parallel()

	h, wsURL := newTestHub(t, &events.Config{})

	conn := dialHub(t, wsURL)
	waitSubscribers(t, h, 1)

	require.NoError(t, conn.Close())
	waitSubscribers(t, h, 0)
}

func TestHub_shutdown(t *testing.T) {
	t.Parallel()

	h := events.New(&events.Config{
		Logger: slogutil.NewDiscardLogger(),
		Stats:  &fakeStats{o: &storage.Overview{}},
	})
	require.NoError(t, h.Start(testutil.ContextWithTimeout(t, testTimeout)))

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn := dialHub(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	waitSubscribers(t, h, 1)

	require.NoError(t, h.Shutdown(testutil.ContextWithTimeout(t, testTimeout)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
