package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/mattfrayser/boardrelay/internal/board"
	"github.com/mattfrayser/boardrelay/internal/config"
	"github.com/mattfrayser/boardrelay/internal/handlers"
	"github.com/mattfrayser/boardrelay/internal/hub"
	"github.com/mattfrayser/boardrelay/internal/logging"
	"github.com/mattfrayser/boardrelay/internal/metrics"
	"github.com/mattfrayser/boardrelay/internal/middleware"
	"github.com/mattfrayser/boardrelay/internal/object"
	"github.com/mattfrayser/boardrelay/internal/retry"
	"github.com/mattfrayser/boardrelay/internal/storage"
	"github.com/mattfrayser/boardrelay/internal/transport"
)

const (
	shutdownTimeout   = 10 * time.Second
	ipLimiterInterval = 10 * time.Minute
	maxPersistBackoff = 2 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Application starting",
		"port", cfg.Port,
		"storage", cfg.StorageDriver,
		"echo_to_originator", cfg.EchoToOriginator,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	reg := metrics.NewRegistry()
	m := metrics.New(reg)
	clock := clockwork.NewRealClock()

	boards := board.NewManager(store, board.Options{
		MaxObjects: cfg.MaxObjectsPerBoard,
		IdleTTL:    cfg.SessionIdleTTL,
		Persist: retry.Policy{
			MaxAttempts: cfg.PersistMaxAttempts,
			Backoff:     cfg.PersistBackoff,
			MaxBackoff:  maxPersistBackoff,
			OnRetry: func(attempt int, err error, wait time.Duration) {
				logger.Warn("Retrying object persist", "attempt", attempt, "wait", wait, "error", err)
			},
		},
	}, clock, logger, m)
	go boards.Run(ctx, cfg.CleanupInterval)

	limits := &middleware.Limits{
		MaxBoardSubscribers: cfg.MaxBoardSubscribers,
		MaxMessageSize:      cfg.MaxMessageSize,
		MaxObjectDepth:      cfg.MaxObjectDepth,
		MaxObjectElements:   cfg.MaxObjectElements,
		MessagesPerSecond:   cfg.MessagesPerSecond,
		BurstSize:           cfg.MessageBurst,
	}
	ipLimiter := middleware.NewIPRateLimit(clock)
	go runIPLimiterCleanup(ctx, ipLimiter, clock)

	registry := hub.NewRegistry(logger, m)
	dispatcher := handlers.NewDispatcher(boards, registry, object.NewValidator(), handlers.Options{
		Limits:           limits,
		EchoToOriginator: cfg.EchoToOriginator,
	}, logger, m)

	ws := transport.NewBoardHandler(dispatcher, limits, ipLimiter, cfg.Origins(), logger)
	srv := transport.NewServer(cfg.Addr(), boards, ws, reg, logger)

	done := runGracefulShutdown(srv, cancel)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	return nil
}

func runGracefulShutdown(srv *transport.Server, stop context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stop()
		close(done)
	}()

	return done
}

func runIPLimiterCleanup(ctx context.Context, limiter *middleware.IPRateLimit, clock clockwork.Clock) {
	ticker := clock.NewTicker(ipLimiterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			limiter.Cleanup()
		}
	}
}
