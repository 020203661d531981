package api

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-pinboard/internal/relay"
)

func (s *RelayApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorw("json encode", "error", err)
	}
}

func (s *RelayApp) health(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"status":      "ok",
		"clients":     s.relay.NumClients(),
		"persistence": s.db != nil,
	}

	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			s.log.Warnw("database ping failed", "error", err)
			status["status"] = "degraded"
			s.writeJson(w, http.StatusServiceUnavailable, status)
			return
		}
	}

	s.writeJson(w, http.StatusOK, status)
}

func (s *RelayApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients send no origin
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

func (s *RelayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("error upgrading connection", "error", err)
		return
	}

	client := relay.NewClient(conn, s.relay, s.log.With("remote_addr", conn.RemoteAddr().String()))
	if !s.relay.Register(client) {
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
