package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cassiomorais/interbank/internal/bank"
	"github.com/cassiomorais/interbank/internal/infrastructure/config"
	"github.com/cassiomorais/interbank/internal/infrastructure/observability"
	"github.com/cassiomorais/interbank/internal/infrastructure/postgres"
	infraRedis "github.com/cassiomorais/interbank/internal/infrastructure/redis"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// lockNamespace prefixes every distributed lock key of the service.
const lockNamespace = "interbank:lock:"

type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics
	Banks   *bank.Registry
	Locker  *infraRedis.Locker

	shutdownTracer observability.ShutdownFunc
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, serviceName, os.Stdout)
	logger.Info().Str("instance_id", cfg.InstanceID).Msg("Starting")

	app := &App{Config: cfg, Logger: logger}

	if cfg.Observability.EnableTracing {
		shutdown, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint, cfg.Observability.TraceSampleRatio)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			app.shutdownTracer = shutdown
			logger.Info().Msg("Tracing enabled")
		}
	}

	if cfg.Observability.EnableMetrics {
		app.Metrics = observability.NewMetrics(metricsNamespace, nil)
		logger.Info().Msg("Metrics initialized")
	}

	app.Pool, err = postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("Connected to PostgreSQL")

	app.Redis, err = infraRedis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Msg("Connected to Redis")

	app.Locker = infraRedis.NewLocker(app.Redis, lockNamespace)

	app.Banks, err = NewBankRegistry(&cfg.Banks, app.Metrics, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("build bank registry: %w", err)
	}
	for prefix, base := range cfg.Banks.Routes {
		logger.Info().Str("bank", prefix).Str("base_url", base).Msg("Bank route registered")
	}

	return app, nil
}

// NewBankRegistry builds one HTTP client per configured bank.
func NewBankRegistry(cfg *config.BanksConfig, metrics *observability.Metrics, logger zerolog.Logger) (*bank.Registry, error) {
	router, err := bank.NewRouter(cfg.PrefixWidth, cfg.Routes)
	if err != nil {
		return nil, err
	}

	policy := bank.DefaultRetryPolicy()
	policy.ValidateAttempts = cfg.ValidateMaxAttempts
	policy.DebitAttempts = cfg.DebitMaxAttempts
	policy.CreditAttempts = cfg.CreditMaxAttempts
	if cfg.RetryDelay > 0 {
		policy.Delay = cfg.RetryDelay
	}
	if cfg.RetryMaxDelay > 0 {
		policy.MaxDelay = cfg.RetryMaxDelay
	}

	return bank.NewRegistry(router,
		bank.WithTimeout(cfg.RequestTimeout),
		bank.WithRetryPolicy(policy),
		bank.WithBreaker(bank.BreakerSettings{
			MinRequests:  cfg.CircuitBreakerMinRequests,
			FailureRatio: cfg.CircuitBreakerRatio,
			Interval:     time.Minute,
			Timeout:      cfg.CircuitBreakerTimeout,
		}),
		bank.WithMetrics(metrics),
		bank.WithLogger(logger),
	), nil
}

func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTracer(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
}
