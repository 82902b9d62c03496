package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cassiomorais/interbank/internal/application/reconcile"
	"github.com/cassiomorais/interbank/internal/application/relay"
	"github.com/cassiomorais/interbank/internal/bootstrap"
	"github.com/cassiomorais/interbank/internal/infrastructure/postgres"
	infraRedis "github.com/cassiomorais/interbank/internal/infrastructure/redis"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const idempotencyCleanupInterval = time.Hour

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "interbank-worker", "interbank_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	// --- Repositories ---
	attemptRepo := postgres.NewTransferRepository(app.Pool)
	itemRepo := postgres.NewReconciliationRepository(app.Pool)
	outboxRepo := postgres.NewOutboxRepository(app.Pool)
	idempotencyRepo := postgres.NewIdempotencyRepository(app.Pool)
	txManager := postgres.NewTxManager(app.Pool)

	workerCfg := app.Config.Worker
	streamProducer := infraRedis.NewStreamProducer(app.Redis, workerCfg.EventStream, workerCfg.DLQStream)

	// --- Workers ---
	recCfg := app.Config.Reconcile
	reconciler := reconcile.NewReconciler(
		app.Banks,
		attemptRepo,
		itemRepo,
		outboxRepo,
		txManager,
		app.Locker,
		streamProducer,
		reconcile.Config{
			BatchSize:         recCfg.BatchSize,
			MaxCreditRetries:  recCfg.MaxCreditRetries,
			MaxReverseRetries: recCfg.MaxReverseRetries,
			BaseDelay:         recCfg.BaseDelay,
			MaxDelay:          recCfg.MaxDelay,
			StaleAfter:        recCfg.StaleAfter,
			LockTTL:           recCfg.LockTTL,
		},
		app.Metrics,
		app.Logger,
	)
	outboxRelay := relay.NewOutboxRelay(outboxRepo, txManager, streamProducer, workerCfg.OutboxBatchSize, app.Metrics, app.Logger)

	app.Logger.Info().
		Str("event_stream", streamProducer.EventStream()).
		Str("dlq_stream", streamProducer.DLQStream()).
		Str("consumer", app.Config.InstanceID).
		Msg("Worker started")

	// Signal handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Reconciliation queue: credit retries and debit reversals.
	g.Go(func() error {
		return runLoop(gCtx, app.Logger, "reconcile", recCfg.PollInterval, reconciler.RunOnce)
	})

	// 2. Stale sweep: attempts whose process died mid-pipeline.
	g.Go(func() error {
		return runLoop(gCtx, app.Logger, "sweep", recCfg.SweepInterval, reconciler.Sweep)
	})

	// 3. Outbox relay (polls outbox table and publishes to Redis Streams).
	g.Go(func() error {
		return runLoop(gCtx, app.Logger, "outbox", workerCfg.OutboxPollInterval, outboxRelay.RunOnce)
	})

	// 4. Expired idempotency responses.
	g.Go(func() error {
		return runLoop(gCtx, app.Logger, "idempotency_cleanup", idempotencyCleanupInterval, func(ctx context.Context) (int, error) {
			n, err := idempotencyRepo.DeleteExpired(ctx)
			return int(n), err
		})
	})

	// 5. Wait for shutdown signal.
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-quit:
			app.Logger.Info().Msg("Shutting down worker...")
			cancel()
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}

// runLoop calls fn every interval until ctx ends. Errors are logged and the
// loop carries on with the next tick.
func runLoop(
	ctx context.Context,
	logger zerolog.Logger,
	name string,
	interval time.Duration,
	fn func(ctx context.Context) (int, error),
) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	log := logger.With().Str("loop", name).Logger()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n, err := fn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Worker loop error")
			continue
		}
		if n > 0 {
			log.Debug().Int("processed", n).Msg("Worker loop pass")
		}
	}
}
