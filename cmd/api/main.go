package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	apptransfer "github.com/cassiomorais/interbank/internal/application/transfer"
	"github.com/cassiomorais/interbank/internal/bootstrap"
	"github.com/cassiomorais/interbank/internal/controller"
	"github.com/cassiomorais/interbank/internal/infrastructure/postgres"
)

func main() {
	ctx := context.Background()

	app, err := bootstrap.New(ctx, "interbank-api", "interbank")
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

	// --- Application services ---
	orchestrator := apptransfer.NewOrchestrator(
		app.Banks,
		attemptRepo,
		itemRepo,
		outboxRepo,
		txManager,
		apptransfer.OrchestratorConfig{
			CreditTimeout:     app.Config.Transfer.CreditTimeout,
			MaxCreditRetries:  app.Config.Reconcile.MaxCreditRetries,
			MaxReverseRetries: app.Config.Reconcile.MaxReverseRetries,
		},
		app.Metrics,
		app.Logger,
	)
	transferService := apptransfer.NewService(
		orchestrator,
		attemptRepo,
		itemRepo,
		app.Locker,
		app.Config.Transfer.LockTTL,
		app.Logger,
	)

	// --- Build router ---
	router := controller.NewRouter(controller.RouterDeps{
		TransferService:  transferService,
		IdempotencyStore: idempotencyRepo,
		IdempotencyTTL:   app.Config.Worker.IdempotencyTTL,
		HealthChecks: []controller.HealthCheck{
			{Name: "database", Ping: app.Pool.Ping},
			{Name: "redis", Ping: func(ctx context.Context) error { return app.Redis.Ping(ctx).Err() }},
		},
		Metrics: app.Metrics,
		Server:  app.Config.Server,
	})

	// --- HTTP server ---
	addr := fmt.Sprintf(":%d", app.Config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  app.Config.Server.IdleTimeout,
	}

	go func() {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.Logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// In-flight transfers finish their credit step detached from the request,
	// so Shutdown waits for their handlers to return.
	app.Logger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	app.Logger.Info().Msg("Server exited")
}
