package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-pinboard/internal/database"
	"github.com/npezzotti/go-pinboard/internal/protocol"
	"github.com/npezzotti/go-pinboard/internal/stats"
	"github.com/npezzotti/go-pinboard/internal/store"
	"github.com/npezzotti/go-pinboard/internal/store/memstore"
	"github.com/npezzotti/go-pinboard/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newMockStats() *stats.MockStatsUpdater {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything)
	su.On("Incr", mock.Anything)
	su.On("Decr", mock.Anything)
	su.On("Add", mock.Anything, mock.Anything)
	return su
}

// newTestRelay creates a relay over a fresh tree. repo may be nil.
func newTestRelay(t *testing.T, repo database.SnapshotRepository) (*Relay, *memstore.Tree) {
	t.Helper()
	logger := testutil.TestLogger(t)
	tree := memstore.NewTree(logger)
	return NewRelay(logger, tree, repo, newMockStats()), tree
}

func runRelay(t *testing.T, r *Relay) {
	t.Helper()
	go r.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, r.Shutdown(ctx))
	})
}

func TestNewRelay(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Times(4)

	logger := testutil.TestLogger(t)
	r := NewRelay(logger, memstore.NewTree(logger), nil, su)
	assert.NotNil(t, r.clients, "expected clients map to be initialized")
	assert.NotNil(t, r.registerChan, "expected registerChan to be initialized")
	assert.NotNil(t, r.persistChan, "expected persistChan to be initialized")
	assert.Equal(t, logger, r.log, "expected logger to be set")
}

func TestPersistOnWrite(t *testing.T) {
	repo := &database.MockSnapshotRepository{}
	defer repo.AssertExpectations(t)

	saved := make(chan map[string]any, 4)
	repo.On("UpsertRecord", "rooms/123456", mock.Anything).Run(func(args mock.Arguments) {
		var v map[string]any
		json.Unmarshal(args.Get(1).([]byte), &v)
		saved <- v
	}).Return(nil)

	r, tree := newTestRelay(t, repo)
	runRelay(t, r)

	conn := tree.Connect()
	defer conn.Close()
	ctx := context.Background()

	require.NoError(t, conn.Set(ctx, "rooms/123456", map[string]any{"code": "123456"}))
	select {
	case v := <-saved:
		assert.Equal(t, map[string]any{"code": "123456"}, v)
	case <-time.After(time.Second):
		t.Fatal("expected room to be persisted")
	}

	// presence writes are ephemeral
	require.NoError(t, conn.Set(ctx, "rooms/123456/presence/abc", map[string]any{"active": true}))
	require.NoError(t, conn.Update(ctx, "rooms/123456", map[string]any{"board/name": "Trip"}))
	select {
	case v := <-saved:
		assert.NotContains(t, v, ephemeralKey)
		assert.Equal(t, map[string]any{"name": "Trip"}, v["board"])
	case <-time.After(time.Second):
		t.Fatal("expected board update to be persisted")
	}
}

func TestPersistDelete(t *testing.T) {
	repo := &database.MockSnapshotRepository{}
	defer repo.AssertExpectations(t)

	// the upsert may observe the removal already and turn into a delete
	deleted := make(chan string, 2)
	repo.On("UpsertRecord", "rooms/123456", mock.Anything).Return(nil).Maybe()
	repo.On("DeleteRecord", "rooms/123456").Run(func(args mock.Arguments) {
		deleted <- args.String(0)
	}).Return(nil)

	r, tree := newTestRelay(t, repo)
	runRelay(t, r)

	conn := tree.Connect()
	defer conn.Close()
	ctx := context.Background()

	require.NoError(t, conn.Set(ctx, "rooms/123456", map[string]any{"code": "123456"}))
	require.NoError(t, conn.Remove(ctx, "rooms/123456"))

	select {
	case path := <-deleted:
		assert.Equal(t, "rooms/123456", path)
	case <-time.After(time.Second):
		t.Fatal("expected record to be deleted")
	}
}

func TestPersistError(t *testing.T) {
	repo := &database.MockSnapshotRepository{}
	su := newMockStats()
	done := make(chan struct{})
	repo.On("UpsertRecord", "rooms/1", mock.Anything).Return(errors.New("connection refused"))

	logger := testutil.TestLogger(t)
	tree := memstore.NewTree(logger)
	r := NewRelay(logger, tree, repo, su)
	su.ExpectedCalls = nil
	su.On("Incr", stats.Writes)
	su.On("Incr", stats.PersistErrors).Run(func(mock.Arguments) { close(done) }).Once()

	runRelay(t, r)
	conn := tree.Connect()
	defer conn.Close()
	require.NoError(t, conn.Set(context.Background(), "rooms/1", "x"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected persist error to be counted")
	}
}

func TestLoad(t *testing.T) {
	repo := &database.MockSnapshotRepository{}
	defer repo.AssertExpectations(t)
	repo.On("ListRecords").Return([]database.Record{
		{Path: "rooms/111111", Value: json.RawMessage(`{"code":"111111","presence":{"gone":{"active":true}}}`)},
		{Path: "rooms/222222", Value: json.RawMessage(`not json`)},
		{Path: "rooms/$bad", Value: json.RawMessage(`{}`)},
	}, nil)

	r, tree := newTestRelay(t, repo)
	require.NoError(t, r.Load())

	v, err := tree.Value("rooms/111111")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"code": "111111"}, v, "expected presence to be dropped on load")

	v, err = tree.Value("rooms/222222")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestLoadWithoutRepository(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	assert.NoError(t, r.Load())
}

func TestLoadError(t *testing.T) {
	repo := &database.MockSnapshotRepository{}
	repo.On("ListRecords").Return(nil, errors.New("boom"))
	r, _ := newTestRelay(t, repo)
	assert.Error(t, r.Load())
}

func TestStripEphemeral(t *testing.T) {
	tcases := []struct {
		name string
		in   any
		want any
	}{
		{name: "scalar", in: "x", want: "x"},
		{name: "no presence", in: map[string]any{"a": 1.0}, want: map[string]any{"a": 1.0}},
		{name: "presence only", in: map[string]any{"presence": map[string]any{}}, want: nil},
		{name: "mixed", in: map[string]any{"a": 1.0, "presence": true}, want: map[string]any{"a": 1.0}},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, stripEphemeral(tc.in))
		})
	}
}

func TestRelayRegister(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	runRelay(t, r)

	c := NewClient(nil, r, r.log)
	require.True(t, r.Register(c))
	require.Eventually(t, func() bool { return r.NumClients() == 1 }, time.Second, 5*time.Millisecond)

	r.deRegister(c)
	require.Eventually(t, func() bool { return r.NumClients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRelayShutdownStopsClients(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	go r.Run()

	c := NewClient(nil, r, r.log)
	require.True(t, r.Register(c))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	select {
	case <-c.stop:
	default:
		t.Error("expected client to be stopped")
	}
	assert.False(t, r.Register(NewClient(nil, r, r.log)), "expected register to fail after shutdown")
}

func TestRelayShutdownTimeout(t *testing.T) {
	r, _ := newTestRelay(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Shutdown(ctx), context.DeadlineExceeded)
}

// upgradeHandler mirrors the api package's websocket endpoint.
func upgradeHandler(t *testing.T, r *Relay) http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		c := NewClient(conn, r, r.log)
		if !r.Register(c) {
			conn.Close()
			return
		}
		go c.Write()
		go c.Read()
	})
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil reads messages until one matches, returning the messages seen
// on the way.
func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.ServerMessage) bool) protocol.ServerMessage {
	t.Helper()
	for range 20 {
		msg := readMessage(t, conn)
		if match(msg) {
			return msg
		}
	}
	t.Fatal("expected matching message")
	return protocol.ServerMessage{}
}

func response(id int) func(protocol.ServerMessage) bool {
	return func(m protocol.ServerMessage) bool { return m.Response != nil && m.Id == id }
}

func event(subId int, exists bool) func(protocol.ServerMessage) bool {
	return func(m protocol.ServerMessage) bool {
		return m.Event != nil && m.Event.SubId == subId && m.Event.Exists == exists
	}
}

func TestWebsocketRoundTrip(t *testing.T) {
	r, tree := newTestRelay(t, nil)
	runRelay(t, r)
	srv := httptest.NewServer(upgradeHandler(t, r))
	defer srv.Close()

	a := dial(t, srv)
	b := dial(t, srv)

	require.NoError(t, b.WriteJSON(protocol.ClientMessage{
		BaseMessage: protocol.BaseMessage{Id: 1},
		Subscribe:   &protocol.Subscribe{SubId: 9, Path: "rooms/123456"},
	}))
	res := readUntil(t, b, response(1))
	assert.Equal(t, http.StatusOK, res.Response.ResponseCode)

	require.NoError(t, a.WriteJSON(protocol.ClientMessage{
		BaseMessage: protocol.BaseMessage{Id: 1},
		Set:         &protocol.Set{Path: "rooms/123456", Value: map[string]any{"createdAt": store.ServerTimestamp()}},
	}))
	res = readUntil(t, a, response(1))
	assert.Equal(t, http.StatusOK, res.Response.ResponseCode)

	ev := readUntil(t, b, event(9, true))
	assert.Equal(t, "rooms/123456", ev.Event.Path)
	createdAt, ok := ev.Event.Value.(map[string]any)["createdAt"].(float64)
	require.True(t, ok, "expected server timestamp to be resolved")
	assert.Greater(t, createdAt, 0.0)

	require.NoError(t, a.WriteJSON(protocol.ClientMessage{
		BaseMessage: protocol.BaseMessage{Id: 2},
		Get:         &protocol.Get{Path: "rooms/123456/createdAt"},
	}))
	res = readUntil(t, a, response(2))
	assert.Equal(t, true, res.Response.Data["exists"])
	assert.Equal(t, createdAt, res.Response.Data["value"])

	v, err := tree.Value("rooms/123456/createdAt")
	require.NoError(t, err)
	assert.Equal(t, createdAt, v)
}

func TestWebsocketOnDisconnect(t *testing.T) {
	r, tree := newTestRelay(t, nil)
	runRelay(t, r)
	srv := httptest.NewServer(upgradeHandler(t, r))
	defer srv.Close()

	a := dial(t, srv)
	for i, msg := range []protocol.ClientMessage{
		{Set: &protocol.Set{Path: "rooms/1/presence/a", Value: true}},
		{OnDisconnect: &protocol.OnDisconnect{Path: "rooms/1/presence/a"}},
		{Set: &protocol.Set{Path: "rooms/1/presence/b", Value: true}},
		{OnDisconnect: &protocol.OnDisconnect{Path: "rooms/1/presence/b"}},
		{CancelOnDisconnect: &protocol.OnDisconnect{Path: "rooms/1/presence/b"}},
	} {
		msg.Id = i + 1
		require.NoError(t, a.WriteJSON(msg))
		res := readUntil(t, a, response(i+1))
		require.Equal(t, http.StatusOK, res.Response.ResponseCode)
	}

	require.Eventually(t, func() bool { return r.NumClients() == 1 }, time.Second, 5*time.Millisecond)
	a.Close()

	require.Eventually(t, func() bool {
		v, _ := tree.Value("rooms/1/presence/a")
		return v == nil
	}, 2*time.Second, 5*time.Millisecond, "expected registered path to be removed on disconnect")
	v, err := tree.Value("rooms/1/presence/b")
	require.NoError(t, err)
	assert.Equal(t, true, v, "expected cancelled path to survive")
	require.Eventually(t, func() bool { return r.NumClients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHandleErrors(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	c := NewClient(nil, r, r.log)
	ctx := context.Background()

	tcases := []struct {
		name string
		msg  protocol.ClientMessage
		code int
	}{
		{name: "empty message", msg: protocol.ClientMessage{}, code: http.StatusBadRequest},
		{name: "invalid path", msg: protocol.ClientMessage{Set: &protocol.Set{Path: "rooms/$x", Value: 1}}, code: http.StatusBadRequest},
		{name: "invalid update key", msg: protocol.ClientMessage{Update: &protocol.Update{Path: "rooms", Fields: map[string]any{"": 1}}}, code: http.StatusBadRequest},
		{name: "unknown subscription", msg: protocol.ClientMessage{Unsubscribe: &protocol.Unsubscribe{SubId: 3}}, code: http.StatusNotFound},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			tc.msg.Id = 5
			res := c.handle(ctx, &tc.msg)
			require.NotNil(t, res.Response)
			assert.Equal(t, 5, res.Id)
			assert.Equal(t, tc.code, res.Response.ResponseCode)
		})
	}
}

func TestHandleSubscribe(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	c := NewClient(nil, r, r.log)
	ctx := context.Background()

	sub := &protocol.ClientMessage{Subscribe: &protocol.Subscribe{SubId: 1, Path: "rooms"}}
	res := c.handle(ctx, sub)
	assert.Equal(t, http.StatusOK, res.Response.ResponseCode)

	res = c.handle(ctx, sub)
	assert.Equal(t, http.StatusBadRequest, res.Response.ResponseCode, "expected duplicate sub id to be rejected")

	select {
	case msg := <-c.send:
		require.NotNil(t, msg.Event, "expected initial snapshot event")
		assert.Equal(t, 1, msg.Event.SubId)
		assert.False(t, msg.Event.Exists)
	case <-time.After(time.Second):
		t.Fatal("expected initial snapshot event")
	}

	res = c.handle(ctx, &protocol.ClientMessage{Unsubscribe: &protocol.Unsubscribe{SubId: 1}})
	assert.Equal(t, http.StatusOK, res.Response.ResponseCode)
	assert.Empty(t, c.subs)
}

func TestClosedStore(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	c := NewClient(nil, r, r.log)
	require.NoError(t, c.store.Close())

	res := c.handle(context.Background(), &protocol.ClientMessage{Get: &protocol.Get{Path: "rooms"}})
	assert.Equal(t, http.StatusServiceUnavailable, res.Response.ResponseCode)
}

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *protocol.ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		assert.True(t, c.queueMessage(&protocol.ServerMessage{}), "expected queueMessage to return true when channel is not full")
		assert.Len(t, c.send, 1)
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *protocol.ServerMessage, 1),
			log:  testutil.TestLogger(t),
			stop: make(chan struct{}),
		}

		c.send <- &protocol.ServerMessage{}
		assert.False(t, c.queueMessage(&protocol.ServerMessage{}), "expected queueMessage to return false when channel is full")

		c.queueEvent(&protocol.ServerMessage{})
		select {
		case <-c.stop:
		default:
			t.Error("expected slow client to be stopped")
		}
	})
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()
	c.stopClient()

	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed")
	}
}
