package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/relayq/internal/api"
	"github.com/nadmax/relayq/internal/config"
	"github.com/nadmax/relayq/internal/dashboard"
	"github.com/nadmax/relayq/internal/dispatch"
	"github.com/nadmax/relayq/internal/enqueue"
	"github.com/nadmax/relayq/internal/logging"
	"github.com/nadmax/relayq/internal/middleware"
	"github.com/nadmax/relayq/internal/queue"
	"github.com/nadmax/relayq/internal/repository/postgres"
	"github.com/nadmax/relayq/internal/systemd"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log.Logger = logger

	if cfg.Postgres.DSN == "" {
		logger.Fatal().Msg("POSTGRES_DSN is required")
	}

	repo, err := postgres.NewPostgresRepository(cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to Postgres")
	}

	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close Postgres repository")
		}
	}()

	q, err := queue.NewQueue(queue.Options{
		Addr:              cfg.Redis.Addr,
		Password:          cfg.Redis.Password,
		DB:                cfg.Redis.DB,
		Concurrency:       cfg.Dispatch.Concurrency,
		MaxAttempts:       cfg.Dispatch.MaxAttempts,
		BackoffBase:       cfg.Dispatch.BackoffBase,
		VisibilityTimeout: cfg.Dispatch.VisibilityTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to Redis")
	}

	defer func() {
		if err := q.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close server queue")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := dispatch.NewDispatcher(
		dispatch.Deps{Store: repo, Queue: q, Reader: enqueue.FileReader{}},
		enqueue.Config{
			DefaultChannelDelay: cfg.Dispatch.DefaultChannelDelay,
			MaxAttempts:         cfg.Dispatch.MaxAttempts,
		},
		logger,
	)

	collector, err := startMetricsCollector(ctx, q, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start metrics collector")
	}
	defer collector.Stop()

	apiHandler := api.NewAPI(d, dashboard.NewDashboard(q, repo), logger)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           middleware.MetricsMiddleware(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("redis", cfg.Redis.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	systemd.Ready(logger)
	<-ctx.Done()
	systemd.Stopping(logger)

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown incomplete")
	}
}
