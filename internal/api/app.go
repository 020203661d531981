package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-pinboard/internal/config"
	"github.com/npezzotti/go-pinboard/internal/database"
	"github.com/npezzotti/go-pinboard/internal/relay"
	"go.uber.org/zap"
)

// RelayApp is the HTTP front of a relay: the websocket endpoint plus health
// and stats.
type RelayApp struct {
	log            *zap.SugaredLogger
	db             database.SnapshotRepository
	srv            *http.Server
	relay          *relay.Relay
	allowedOrigins []string
}

// NewRelayApp registers its routes on mux, which may already carry the stats
// handler. db may be nil when persistence is disabled.
func NewRelayApp(mux *http.ServeMux, logger *zap.SugaredLogger, r *relay.Relay, db database.SnapshotRepository, cfg *config.Config) *RelayApp {
	s := &RelayApp{
		log:            logger,
		db:             db,
		relay:          r,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}
	return s
}

func (s *RelayApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *RelayApp) Start() error {
	s.log.Infow("starting server", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *RelayApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
