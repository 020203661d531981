package api

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
	"github.com/npezzotti/go-pinboard/internal/config"
	"github.com/npezzotti/go-pinboard/internal/database"
	"github.com/npezzotti/go-pinboard/internal/protocol"
	"github.com/npezzotti/go-pinboard/internal/relay"
	"github.com/npezzotti/go-pinboard/internal/stats"
	"github.com/npezzotti/go-pinboard/internal/store/memstore"
	"github.com/npezzotti/go-pinboard/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, db database.SnapshotRepository) *RelayApp {
	t.Helper()
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything)
	su.On("Incr", mock.Anything)
	su.On("Decr", mock.Anything)

	logger := testutil.TestLogger(t)
	r := relay.NewRelay(logger, memstore.NewTree(logger), db, su)
	go r.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})

	cfg := &config.Config{
		ServerAddr:     "localhost:8080",
		AllowedOrigins: []string{"http://localhost:3000"},
	}
	return NewRelayApp(http.NewServeMux(), logger, r, db, cfg)
}

func TestNewRelayApp(t *testing.T) {
	app := newTestApp(t, nil)

	assert.NotNil(t, app.srv, "expected server to be initialized")
	assert.NotNil(t, app.log, "expected logger to be set")
	assert.NotNil(t, app.relay, "expected relay to be set")
	assert.Nil(t, app.db, "expected persistence to be disabled")
	assert.Equal(t, "localhost:8080", app.srv.Addr, "expected server address to match config")
	assert.Equal(t, []string{"http://localhost:3000"}, app.allowedOrigins)
}

func TestHealth(t *testing.T) {
	tcases := []struct {
		name       string
		pingErr    error
		withDB     bool
		wantCode   int
		wantStatus string
	}{
		{name: "no persistence", wantCode: http.StatusOK, wantStatus: "ok"},
		{name: "database up", withDB: true, wantCode: http.StatusOK, wantStatus: "ok"},
		{name: "database down", withDB: true, pingErr: errors.New("connection refused"), wantCode: http.StatusServiceUnavailable, wantStatus: "degraded"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			var app *RelayApp
			if tc.withDB {
				db := &database.MockSnapshotRepository{}
				db.On("Ping").Return(tc.pingErr).Once()
				defer db.AssertExpectations(t)
				app = newTestApp(t, db)
			} else {
				app = newTestApp(t, nil)
			}

			rr := httptest.NewRecorder()
			app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tc.wantCode, rr.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tc.wantStatus, body["status"])
			assert.Equal(t, tc.withDB, body["persistence"])
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	app := &RelayApp{allowedOrigins: []string{"http://localhost:3000"}}

	tcases := []struct {
		name   string
		origin string
		want   bool
	}{
		{name: "no origin", origin: "", want: true},
		{name: "allowed", origin: "http://localhost:3000", want: true},
		{name: "foreign", origin: "http://evil.test", want: false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, app.checkOrigin(req))
		})
	}
}

func TestServeWs(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, res, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.test"}})
	require.Error(t, err, "expected foreign origin to be rejected")
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.ClientMessage{
		BaseMessage: protocol.BaseMessage{Id: 1},
		Set:         &protocol.Set{Path: "rooms/123456/code", Value: "123456"},
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.NotNil(t, msg.Response)
	assert.Equal(t, 1, msg.Id)
	assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
	assert.Eventually(t, func() bool { return app.relay.NumClients() == 1 }, time.Second, 5*time.Millisecond)
}
