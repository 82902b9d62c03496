package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Banks         BanksConfig         `mapstructure:"banks"`
	Transfer      TransferConfig      `mapstructure:"transfer"`
	Reconcile     ReconcileConfig     `mapstructure:"reconcile"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       int           `mapstructure:"rate_limit"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	ApplicationName string        `mapstructure:"application_name"`
	ConnectRetries  int           `mapstructure:"connect_retries"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// BanksConfig describes the bank services and how they are called.
type BanksConfig struct {
	PrefixWidth int `mapstructure:"prefix_width"`
	// Routes maps an account prefix to the base URL of the bank owning it.
	Routes                    map[string]string `mapstructure:"routes"`
	RequestTimeout            time.Duration     `mapstructure:"request_timeout"`
	ValidateMaxAttempts       uint              `mapstructure:"validate_max_attempts"`
	DebitMaxAttempts          uint              `mapstructure:"debit_max_attempts"`
	CreditMaxAttempts         uint              `mapstructure:"credit_max_attempts"`
	RetryDelay                time.Duration     `mapstructure:"retry_delay"`
	RetryMaxDelay             time.Duration     `mapstructure:"retry_max_delay"`
	CircuitBreakerMinRequests uint32            `mapstructure:"circuit_breaker_min_requests"`
	CircuitBreakerRatio       float64           `mapstructure:"circuit_breaker_ratio"`
	CircuitBreakerTimeout     time.Duration     `mapstructure:"circuit_breaker_timeout"`
}

type TransferConfig struct {
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	CreditTimeout time.Duration `mapstructure:"credit_timeout"`
}

type ReconcileConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	MaxCreditRetries  int           `mapstructure:"max_credit_retries"`
	MaxReverseRetries int           `mapstructure:"max_reverse_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
}

type WorkerConfig struct {
	OutboxPollInterval time.Duration `mapstructure:"outbox_poll_interval"`
	OutboxBatchSize    int           `mapstructure:"outbox_batch_size"`
	EventStream        string        `mapstructure:"event_stream"`
	DLQStream          string        `mapstructure:"dlq_stream"`
	IdempotencyTTL     time.Duration `mapstructure:"idempotency_ttl"`
}

type ObservabilityConfig struct {
	LogLevel         string  `mapstructure:"log_level"`
	LogFormat        string  `mapstructure:"log_format"`
	JaegerEndpoint   string  `mapstructure:"jaeger_endpoint"`
	EnableMetrics    bool    `mapstructure:"enable_metrics"`
	EnableTracing    bool    `mapstructure:"enable_tracing"`
	TraceSampleRatio float64 `mapstructure:"trace_sample_ratio"`
}

// routesEnv carries the routing table as "prefix=url,prefix=url" since maps
// cannot be expressed as a single environment variable.
const routesEnv = "INTERBANK_BANK_ROUTES"

func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix("INTERBANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read from config file if exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/interbank")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if raw := os.Getenv(routesEnv); raw != "" {
		routes, err := ParseRoutes(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", routesEnv, err)
		}
		cfg.Banks.Routes = routes
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// ParseRoutes parses "prefix=url" pairs separated by commas.
func ParseRoutes(raw string) (map[string]string, error) {
	routes := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		prefix, base, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(prefix) == "" || strings.TrimSpace(base) == "" {
			return nil, fmt.Errorf("route %q must look like prefix=url", pair)
		}
		routes[strings.TrimSpace(prefix)] = strings.TrimSpace(base)
	}
	return routes, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}
	errs = append(errs, c.Banks.validate()...)
	if c.Transfer.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("transfer.lock_ttl must be positive"))
	}
	if c.Reconcile.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("reconcile.batch_size must be positive"))
	}
	if c.Reconcile.MaxCreditRetries <= 0 || c.Reconcile.MaxReverseRetries <= 0 {
		errs = append(errs, fmt.Errorf("reconcile.max_credit_retries and reconcile.max_reverse_retries must be positive"))
	}
	if c.Reconcile.BaseDelay <= 0 || c.Reconcile.MaxDelay < c.Reconcile.BaseDelay {
		errs = append(errs, fmt.Errorf("reconcile.base_delay must be positive and not exceed reconcile.max_delay"))
	}

	// Production environment checks
	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
	}

	return errors.Join(errs...)
}

func (c *BanksConfig) validate() []error {
	var errs []error

	if c.PrefixWidth <= 0 {
		errs = append(errs, fmt.Errorf("banks.prefix_width must be positive"))
	}
	if len(c.Routes) == 0 {
		errs = append(errs, fmt.Errorf("banks.routes must contain at least one bank"))
	}
	for prefix, base := range c.Routes {
		if c.PrefixWidth > 0 && utf8.RuneCountInString(prefix) != c.PrefixWidth {
			errs = append(errs, fmt.Errorf("banks.routes: prefix %q must be %d characters", prefix, c.PrefixWidth))
		}
		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("banks.routes: %q is not an absolute http(s) URL for prefix %q", base, prefix))
		}
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("banks.request_timeout must be positive"))
	}
	if c.ValidateMaxAttempts == 0 || c.DebitMaxAttempts == 0 || c.CreditMaxAttempts == 0 {
		errs = append(errs, fmt.Errorf("banks.validate_max_attempts, banks.debit_max_attempts and banks.credit_max_attempts must be positive"))
	}
	return errs
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.rate_limit", 100)
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "interbank")
	v.SetDefault("database.database", "interbank")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.conn_max_idle_time", "30m")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.application_name", "interbank")
	v.SetDefault("database.connect_retries", 5)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Bank defaults (delta bank and danske bank)
	v.SetDefault("banks.prefix_width", 4)
	v.SetDefault("banks.routes", map[string]string{
		"8075": "http://localhost:8100/",
		"2040": "http://localhost:8200/",
	})
	v.SetDefault("banks.request_timeout", "5s")
	v.SetDefault("banks.validate_max_attempts", 3)
	v.SetDefault("banks.debit_max_attempts", 2)
	v.SetDefault("banks.credit_max_attempts", 3)
	v.SetDefault("banks.retry_delay", "200ms")
	v.SetDefault("banks.retry_max_delay", "2s")
	v.SetDefault("banks.circuit_breaker_min_requests", 10)
	v.SetDefault("banks.circuit_breaker_ratio", 0.6)
	v.SetDefault("banks.circuit_breaker_timeout", "30s")

	// Transfer defaults
	v.SetDefault("transfer.lock_ttl", "60s")
	v.SetDefault("transfer.credit_timeout", "30s")

	// Reconciliation defaults
	v.SetDefault("reconcile.poll_interval", "5s")
	v.SetDefault("reconcile.sweep_interval", "1m")
	v.SetDefault("reconcile.batch_size", 20)
	v.SetDefault("reconcile.max_credit_retries", 5)
	v.SetDefault("reconcile.max_reverse_retries", 10)
	v.SetDefault("reconcile.base_delay", "2s")
	v.SetDefault("reconcile.max_delay", "5m")
	v.SetDefault("reconcile.stale_after", "5m")
	v.SetDefault("reconcile.lock_ttl", "2m")

	// Worker defaults
	v.SetDefault("worker.outbox_poll_interval", "2s")
	v.SetDefault("worker.outbox_batch_size", 50)
	v.SetDefault("worker.event_stream", "transfers:events")
	v.SetDefault("worker.dlq_stream", "transfers:dlq")
	v.SetDefault("worker.idempotency_ttl", "24h")

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", true)
	v.SetDefault("observability.trace_sample_ratio", 1.0)

	// Instance ID
	v.SetDefault("instance_id", "interbank-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DatabaseURL is the connection URL form used by the migration tool.
func (c *DatabaseConfig) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
