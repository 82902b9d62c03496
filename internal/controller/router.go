package controller

import (
	"net/http"
	"time"

	apptransfer "github.com/cassiomorais/interbank/internal/application/transfer"
	"github.com/cassiomorais/interbank/internal/infrastructure/config"
	"github.com/cassiomorais/interbank/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/interbank/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDeps struct {
	TransferService  *apptransfer.Service
	IdempotencyStore customMW.ResponseStore
	IdempotencyTTL   time.Duration
	HealthChecks     []HealthCheck
	Metrics          *observability.Metrics
	// MetricsHandler serves /metrics; promhttp.Handler() when nil.
	MetricsHandler http.Handler
	Server         config.ServerConfig
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Server.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", customMW.HeaderIdempotencyKey},
		ExposedHeaders:   []string{"Location", customMW.HeaderIdempotencyKey, "X-Idempotency-Replayed"},
		AllowCredentials: deps.Server.CORS.AllowCredentials,
		MaxAge:           300,
	}))
	r.Use(customMW.Metrics(deps.Metrics))

	healthH := NewHealthController(deps.HealthChecks...)
	transferH := NewTransferController(deps.TransferService)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Handle("/metrics", metricsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		var submitMW []func(http.Handler) http.Handler
		if deps.Server.RateLimit > 0 {
			submitMW = append(submitMW, customMW.RateLimit(deps.Server.RateLimit))
		}
		submitMW = append(submitMW, customMW.Idempotency(deps.IdempotencyStore, deps.IdempotencyTTL))

		r.With(submitMW...).Post("/transfers", transferH.Submit)
		r.Get("/transfers/{id}", transferH.Get)
	})

	return r
}
