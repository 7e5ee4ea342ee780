// Package storage builds the configured board store.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mattfrayser/boardrelay/internal/board"
	"github.com/mattfrayser/boardrelay/internal/config"
	"github.com/mattfrayser/boardrelay/internal/storage/memory"
	"github.com/mattfrayser/boardrelay/internal/storage/postgres"
	"github.com/mattfrayser/boardrelay/internal/storage/redis"
	"github.com/mattfrayser/boardrelay/internal/storage/sqlite"
)

// Migrator is implemented by stores with a schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Open connects to the store named by cfg.StorageDriver, brings its schema
// up to date and wraps SQL stores in a circuit breaker. The redis store
// breaks per command through its client hook; the memory store is returned
// bare.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (board.Store, error) {
	store, err := open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if m, ok := store.(Migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	logger.Info("Storage ready", "driver", cfg.StorageDriver)
	switch cfg.StorageDriver {
	case config.DriverMemory, config.DriverRedis:
		return store, nil
	default:
		return NewBreaker(cfg.StorageDriver, store, logger), nil
	}
}

// Migrate runs schema migrations for the configured driver and reports
// whether the driver has a schema at all.
func Migrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) (bool, error) {
	store, err := open(ctx, cfg, logger)
	if err != nil {
		return false, err
	}
	defer store.Close()

	m, ok := store.(Migrator)
	if !ok {
		return false, nil
	}
	return true, m.Migrate(ctx)
}

func open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (board.Store, error) {
	switch cfg.StorageDriver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite:
		return sqlite.Open(cfg.SQLitePath)
	case config.DriverPostgres:
		return postgres.Connect(ctx, cfg.DatabaseURL)
	case config.DriverRedis:
		return redis.NewStore(ctx, cfg.RedisURL, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}
