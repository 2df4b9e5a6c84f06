package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bookstream/internal/metrics"
	"bookstream/internal/types"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeFeed is an upstream websocket server that hands each accepted
// connection to the test
type fakeFeed struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeFeed(t *testing.T) *fakeFeed {
	t.Helper()
	f := &fakeFeed{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeFeed) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeFeed) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no upstream connection")
		return nil
	}
}

func readSubscription(t *testing.T, conn *websocket.Conn) []types.AssetID {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var frame []SubscribeRequest
	require.NoError(t, conn.ReadJSON(&frame))
	require.Len(t, frame, 1)
	assert.Equal(t, "market", frame[0].Type)
	return frame[0].AssetsIDs
}

func assetIDs(n int, prefix string) []types.AssetID {
	ids := make([]types.AssetID, n)
	for i := range ids {
		ids[i] = types.AssetID(fmt.Sprintf("%s%03d", prefix, i))
	}
	return ids
}

func testOptions(url string) Options {
	return Options{
		URL:              url,
		ChunkSize:        50,
		ChunkDelay:       time.Millisecond,
		ReconnectBackoff: 20 * time.Millisecond,
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
	}
}

func newTestManager(t *testing.T, opts Options, handler Handler) (*Manager, *metrics.Metrics) {
	t.Helper()
	if handler == nil {
		handler = func([]byte) {}
	}
	m := metrics.NewNop()
	mgr := New(opts, handler, zap.NewNop(), m)
	t.Cleanup(mgr.Disconnect)
	return mgr, m
}

func TestChunk(t *testing.T) {
	tests := []struct {
		n    int
		size int
		want []int
	}{
		{n: 0, size: 50, want: []int{}},
		{n: 50, size: 50, want: []int{50}},
		{n: 51, size: 50, want: []int{50, 1}},
		{n: 120, size: 50, want: []int{50, 50, 20}},
		{n: 3, size: 0, want: []int{3}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.n, tt.size), func(t *testing.T) {
			chunks := Chunk(assetIDs(tt.n, "a"), tt.size)
			sizes := make([]int, len(chunks))
			for i, c := range chunks {
				sizes[i] = len(c)
			}
			assert.Equal(t, tt.want, sizes)
		})
	}
}

func TestConnectSendsChunkedSubscriptions(t *testing.T) {
	feed := newFakeFeed(t)
	mgr, m := newTestManager(t, testOptions(feed.url()), nil)

	ids := assetIDs(120, "a")
	require.NoError(t, mgr.Connect(context.Background(), ids))
	conn := feed.accept(t)

	var got []types.AssetID
	var sizes []int
	for i := 0; i < 3; i++ {
		chunk := readSubscription(t, conn)
		sizes = append(sizes, len(chunk))
		got = append(got, chunk...)
	}
	assert.Equal(t, []int{50, 50, 20}, sizes)
	assert.Equal(t, ids, got)

	require.Eventually(t, func() bool { return mgr.State() == types.Connected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SubscribeFrames))
	assert.Equal(t, 120, mgr.Health().Subscribed)
}

func TestUpdateSubscriptionsSendsOnlyNewIDs(t *testing.T) {
	feed := newFakeFeed(t)
	mgr, _ := newTestManager(t, testOptions(feed.url()), nil)

	require.NoError(t, mgr.Connect(context.Background(), []types.AssetID{"a", "b"}))
	conn := feed.accept(t)
	assert.Equal(t, []types.AssetID{"a", "b"}, readSubscription(t, conn))
	require.Eventually(t, func() bool { return mgr.State() == types.Connected }, time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.UpdateSubscriptions([]types.AssetID{"b", "c", "d"}))
	assert.Equal(t, []types.AssetID{"c", "d"}, readSubscription(t, conn))

	// nothing new, nothing sent
	require.NoError(t, mgr.UpdateSubscriptions([]types.AssetID{"a", "c"}))
	assert.Equal(t, []types.AssetID{"a", "b", "c", "d"}, mgr.Subscriptions())
}

func TestConnectIsIdempotent(t *testing.T) {
	feed := newFakeFeed(t)
	mgr, _ := newTestManager(t, testOptions(feed.url()), nil)

	require.NoError(t, mgr.Connect(context.Background(), []types.AssetID{"a"}))
	conn := feed.accept(t)
	assert.Equal(t, []types.AssetID{"a"}, readSubscription(t, conn))
	require.Eventually(t, func() bool { return mgr.State() == types.Connected }, time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.Connect(context.Background(), []types.AssetID{"a", "b"}))
	assert.Equal(t, []types.AssetID{"b"}, readSubscription(t, conn))

	select {
	case <-feed.conns:
		t.Fatal("second Connect opened another connection")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconnectResubscribesFullSet(t *testing.T) {
	feed := newFakeFeed(t)

	var mu sync.Mutex
	var disconnects []error
	opts := testOptions(feed.url())
	opts.ChunkSize = 2
	opts.OnDisconnect = func(err error) {
		mu.Lock()
		disconnects = append(disconnects, err)
		mu.Unlock()
	}
	mgr, m := newTestManager(t, opts, nil)

	require.NoError(t, mgr.Connect(context.Background(), []types.AssetID{"a", "b", "c"}))
	first := feed.accept(t)
	assert.Equal(t, []types.AssetID{"a", "b"}, readSubscription(t, first))
	assert.Equal(t, []types.AssetID{"c"}, readSubscription(t, first))
	require.Eventually(t, func() bool { return mgr.State() == types.Connected }, time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.UpdateSubscriptions([]types.AssetID{"d"}))
	assert.Equal(t, []types.AssetID{"d"}, readSubscription(t, first))

	// drop the transport
	require.NoError(t, first.Close())

	second := feed.accept(t)
	var resent []types.AssetID
	for len(resent) < 4 {
		resent = append(resent, readSubscription(t, second)...)
	}
	assert.Equal(t, []types.AssetID{"a", "b", "c", "d"}, resent)

	require.Eventually(t, func() bool { return mgr.State() == types.Connected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects))
	assert.EqualValues(t, 1, mgr.Health().Reconnects)

	mu.Lock()
	assert.Len(t, disconnects, 1)
	mu.Unlock()
}

func TestFramesDeliveredInOrder(t *testing.T) {
	feed := newFakeFeed(t)

	received := make(chan string, 8)
	mgr, _ := newTestManager(t, testOptions(feed.url()), func(frame []byte) {
		received <- string(frame)
	})

	require.NoError(t, mgr.Connect(context.Background(), []types.AssetID{"a"}))
	conn := feed.accept(t)
	readSubscription(t, conn)

	want := []string{`{"n":1}`, `{"n":2}`, `[{"n":3}]`}
	for _, msg := range want {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	}

	for _, msg := range want {
		select {
		case got := <-received:
			assert.Equal(t, msg, got)
		case <-time.After(5 * time.Second):
			t.Fatal("frame not delivered")
		}
	}
	assert.EqualValues(t, 3, mgr.Health().MessageCount)
}

func TestDisconnect(t *testing.T) {
	feed := newFakeFeed(t)
	mgr, _ := newTestManager(t, testOptions(feed.url()), nil)

	require.NoError(t, mgr.Connect(context.Background(), []types.AssetID{"a"}))
	conn := feed.accept(t)
	readSubscription(t, conn)
	require.Eventually(t, func() bool { return mgr.State() == types.Connected }, time.Second, 5*time.Millisecond)

	mgr.Disconnect()
	assert.Equal(t, types.Disconnected, mgr.State())

	// the server sees a close frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// no reconnect after an explicit stop
	select {
	case <-feed.conns:
		t.Fatal("reconnected after Disconnect")
	case <-time.After(100 * time.Millisecond):
	}

	// the subscription set survives and a new Connect resends it
	require.NoError(t, mgr.Connect(context.Background(), nil))
	again := feed.accept(t)
	assert.Equal(t, []types.AssetID{"a"}, readSubscription(t, again))
}

func TestRetriesUntilStopped(t *testing.T) {
	feed := newFakeFeed(t)
	url := feed.url()
	feed.srv.Close()

	mgr, m := newTestManager(t, testOptions(url), nil)
	require.NoError(t, mgr.Connect(context.Background(), []types.AssetID{"a"}))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Reconnects) >= 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, mgr.Health().ErrorCount, int64(3))

	stopped := make(chan struct{})
	go func() {
		mgr.Disconnect()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Disconnect did not return")
	}
	assert.Equal(t, types.Disconnected, mgr.State())
}

func TestParentContextStopsLoop(t *testing.T) {
	feed := newFakeFeed(t)
	mgr, _ := newTestManager(t, testOptions(feed.url()), nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, mgr.Connect(ctx, []types.AssetID{"a"}))
	conn := feed.accept(t)
	readSubscription(t, conn)

	cancel()
	require.Eventually(t, func() bool { return !mgr.Running() }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, types.Disconnected, mgr.State())

	// a fresh Connect starts a new loop
	require.NoError(t, mgr.Connect(context.Background(), nil))
	again := feed.accept(t)
	assert.Equal(t, []types.AssetID{"a"}, readSubscription(t, again))
}

func TestStopReportsDisconnect(t *testing.T) {
	tests := []struct {
		name string
		stop func(mgr *Manager, cancel context.CancelFunc)
	}{
		{"disconnect", func(mgr *Manager, _ context.CancelFunc) { mgr.Disconnect() }},
		{"parent context", func(_ *Manager, cancel context.CancelFunc) { cancel() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed := newFakeFeed(t)

			ended := make(chan error, 4)
			opts := testOptions(feed.url())
			opts.OnDisconnect = func(err error) { ended <- err }
			mgr, _ := newTestManager(t, opts, nil)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			require.NoError(t, mgr.Connect(ctx, []types.AssetID{"a"}))
			conn := feed.accept(t)
			readSubscription(t, conn)
			require.Eventually(t, func() bool { return mgr.State() == types.Connected }, time.Second, 5*time.Millisecond)

			tt.stop(mgr, cancel)

			select {
			case err := <-ended:
				assert.ErrorIs(t, err, context.Canceled)
			case <-time.After(5 * time.Second):
				t.Fatal("session end not reported")
			}
			require.Eventually(t, func() bool { return !mgr.Running() }, 5*time.Second, 5*time.Millisecond)
			assert.Len(t, ended, 0)
		})
	}
}
