// Package config loads relay configuration from the environment.
//
// A .env file in the working directory is loaded first (godotenv), then
// variables are mapped onto Config via go-simpler/env struct tags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Storage drivers accepted by STORAGE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	Port           string `env:"PORT" default:"8080"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`
	LogLevel       string `env:"LOG_LEVEL" default:"info"`
	LogFormat      string `env:"LOG_FORMAT" default:"text"`

	StorageDriver string `env:"STORAGE_DRIVER" default:"sqlite"`
	SQLitePath    string `env:"SQLITE_PATH" default:"boardrelay.db"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisURL      string `env:"REDIS_URL"`

	// Whether the originator of an accepted ADD_OBJECT also receives the
	// OBJECT_ADDED broadcast.
	EchoToOriginator bool `env:"ECHO_TO_ORIGINATOR" default:"false"`

	MaxBoardSubscribers int     `env:"MAX_BOARD_SUBSCRIBERS" default:"50"`
	MaxObjectsPerBoard  int     `env:"MAX_OBJECTS_PER_BOARD" default:"10000"`
	MaxMessageSize      int     `env:"MAX_MESSAGE_SIZE" default:"65536"`
	MaxObjectDepth      int     `env:"MAX_OBJECT_DEPTH" default:"6"`
	MaxObjectElements   int     `env:"MAX_OBJECT_ELEMENTS" default:"200"`
	MessagesPerSecond   float64 `env:"MESSAGES_PER_SECOND" default:"30"`
	MessageBurst        int     `env:"MESSAGE_BURST" default:"10"`

	SessionIdleTTL  time.Duration `env:"SESSION_IDLE_TTL" default:"1h"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" default:"15m"`

	PersistMaxAttempts int           `env:"PERSIST_MAX_ATTEMPTS" default:"3"`
	PersistBackoff     time.Duration `env:"PERSIST_BACKOFF" default:"100ms"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Origins returns the trimmed, non-empty entries of ALLOWED_ORIGINS.
func (c *Config) Origins() []string {
	var origins []string
	for _, origin := range strings.Split(c.AllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func validate(cfg *Config) error {
	switch cfg.StorageDriver {
	case DriverMemory:
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	case DriverRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.StorageDriver)
	}

	positive := map[string]int{
		"MAX_BOARD_SUBSCRIBERS": cfg.MaxBoardSubscribers,
		"MAX_OBJECTS_PER_BOARD": cfg.MaxObjectsPerBoard,
		"MAX_MESSAGE_SIZE":      cfg.MaxMessageSize,
		"MAX_OBJECT_DEPTH":      cfg.MaxObjectDepth,
		"MAX_OBJECT_ELEMENTS":   cfg.MaxObjectElements,
		"MESSAGE_BURST":         cfg.MessageBurst,
		"PERSIST_MAX_ATTEMPTS":  cfg.PersistMaxAttempts,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.MessagesPerSecond <= 0 {
		return errors.New("MESSAGES_PER_SECOND must be positive")
	}

	return nil
}
