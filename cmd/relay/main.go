package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-pinboard/internal/api"
	"github.com/npezzotti/go-pinboard/internal/config"
	"github.com/npezzotti/go-pinboard/internal/database"
	"github.com/npezzotti/go-pinboard/internal/relay"
	"github.com/npezzotti/go-pinboard/internal/stats"
	"github.com/npezzotti/go-pinboard/internal/store/memstore"
	"go.uber.org/zap"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	allowedOrigins stringSliceFlag
	debug          bool
)

func main() {
	zl, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	logger := zl.Named("pinboard-relay").Sugar()
	defer logger.Sync()

	config.LoadEnv(logger)

	flag.StringVar(&addr, "addr", config.GetEnv(config.EnvAddr, "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", config.GetEnv(config.EnvDatabaseDSN, ""), "postgres connection string; rooms are kept in memory only when empty")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.BoolVar(&debug, "debug", false, "log at debug level")
	flag.Parse()

	if !debug {
		zl = zl.WithOptions(zap.IncreaseLevel(zap.InfoLevel))
		logger = zl.Named("pinboard-relay").Sugar()
	}

	if len(allowedOrigins) == 0 {
		allowedOrigins = config.GetEnvList(config.EnvAllowedOrigins)
	}

	cfg, err := config.NewConfig(addr, dsn, allowedOrigins)
	if err != nil {
		logger.Fatalw("config", "error", err)
	}

	var repo database.SnapshotRepository
	if cfg.DatabaseDSN != "" {
		pg, err := database.NewPgSnapshotRepository(cfg.DatabaseDSN)
		if err != nil {
			logger.Fatalw("db open", "error", err)
		}
		defer func() {
			if err := pg.Close(); err != nil {
				logger.Errorw("db close", "error", err)
			}
		}()
		repo = pg
	} else {
		logger.Warn("no database configured, rooms will not survive a restart")
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux, "pinboard-relay")

	tree := memstore.NewTree(logger.Named("tree"))
	r := relay.NewRelay(logger, tree, repo, statsUpdater)
	if err := r.Load(); err != nil {
		logger.Fatalw("load rooms", "error", err)
	}

	srv := api.NewRelayApp(mux, logger, r, repo, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go r.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Infow("received signal", "signal", sig.String())
	case err := <-errCh:
		logger.Errorw("server", "error", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Errorw("HTTP server shutdown", "error", err)
	}

	logger.Info("shutting down relay...")
	if err := r.Shutdown(shutDownCtx); err != nil {
		logger.Errorw("relay shutdown", "error", err)
	}

	logger.Info("shutdown complete")
}
