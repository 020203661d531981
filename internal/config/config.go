package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	EnvAddr           = "PINBOARD_ADDR"
	EnvDatabaseDSN    = "PINBOARD_DSN"
	EnvAllowedOrigins = "PINBOARD_ALLOWED_ORIGINS"
	EnvRelayURL       = "PINBOARD_RELAY_URL"
	EnvRedisURL       = "PINBOARD_REDIS_URL"
	EnvDataDir        = "PINBOARD_DATA_DIR"
)

// Config holds the relay settings. An empty DatabaseDSN disables
// persistence.
type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	AllowedOrigins []string
}

func NewConfig(serverAddr, databaseDSN string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	origins := make([]string, 0, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return &Config{
		ServerAddr:     serverAddr,
		DatabaseDSN:    databaseDSN,
		AllowedOrigins: origins,
	}, nil
}

// LoadEnv reads a .env file from the working directory, if present. Values
// already set in the environment win.
func LoadEnv(logger *zap.SugaredLogger, filenames ...string) {
	if err := godotenv.Load(filenames...); err != nil {
		logger.Debugw("env file not loaded, using environment and defaults", "error", err)
	} else {
		logger.Debug("env file loaded")
	}
}

func GetEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// GetEnvList splits a comma separated variable.
func GetEnvList(key string) []string {
	v := GetEnv(key, "")
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}
