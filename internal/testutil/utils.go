package testutil

import (
	"testing"

	"go.uber.org/zap"
)

// TestLogger returns a development logger writing to stdout. Goroutines
// started by a test may outlive it, so the logger is not bound to t.
func TestLogger(t *testing.T) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)

	logger, err := cfg.Build()
	if err != nil {
		t.Fatalf("build test logger: %v", err)
	}
	t.Cleanup(func() {
		_ = logger.Sync()
	})
	return logger.Named("test").Sugar()
}
