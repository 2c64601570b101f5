package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/relayq/internal/config"
	"github.com/nadmax/relayq/internal/gateway"
	"github.com/nadmax/relayq/internal/lock"
	"github.com/nadmax/relayq/internal/logging"
	"github.com/nadmax/relayq/internal/maintenance"
	"github.com/nadmax/relayq/internal/notify"
	"github.com/nadmax/relayq/internal/queue"
	"github.com/nadmax/relayq/internal/repository/postgres"
	"github.com/nadmax/relayq/internal/systemd"
	"github.com/nadmax/relayq/internal/tracker"
	"github.com/nadmax/relayq/internal/worker"
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
			logger.Warn().Err(err).Msg("failed to close worker queue")
		}
	}()

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", time.Now().Unix())
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.Enabled() {
		notifier = notify.NewEmailNotifier(notify.EmailConfig{
			APIKey:      cfg.Notify.SendGridAPIKey,
			FromName:    cfg.Notify.FromName,
			FromAddress: cfg.Notify.FromAddress,
			To:          cfg.Notify.To,
		}, logger)
	}

	deps := worker.Deps{
		Queue: q,
		Locks: lock.NewLocker(q.Client()),
		Sender: gateway.NewClient(gateway.Config{
			BaseURL:    cfg.Sender.URL,
			Secret:     cfg.Sender.Secret,
			Timeout:    cfg.Sender.Timeout,
			RatePerSec: cfg.Sender.RatePerSec,
		}),
		Store:   repo,
		Tracker: tracker.NewTracker(repo, notifier, logger),
	}

	pool := worker.NewPool(workerID, cfg.Dispatch.Concurrency, deps, worker.Config{
		PollInterval: cfg.Dispatch.PollInterval,
		LockTTL:      cfg.Dispatch.LockTTL,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := maintenance.NewScheduler(q, logger)
	if err := scheduler.Add(ctx, maintenance.RecoverSpec, "recover_stalled", scheduler.RecoverStalled); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule lease recovery")
	}
	if err := scheduler.Add(ctx, maintenance.GaugeSpec, "queue_gauges", scheduler.RefreshGauges); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule gauge refresh")
	}

	// Expired leases are recovered once before the pool starts.
	scheduler.RecoverStalled(ctx)
	scheduler.Start()
	pool.Start(ctx)

	logger.Info().
		Str("worker_id", workerID).
		Int("workers", pool.Size()).
		Str("sender", cfg.Sender.URL).
		Bool("notify", cfg.Notify.Enabled()).
		Msg("worker started")

	systemd.Ready(logger)
	<-ctx.Done()
	systemd.Stopping(logger)

	logger.Info().Msg("shutting down worker, waiting for in-flight attempts")
	scheduler.Stop()
	pool.Stop()
}
