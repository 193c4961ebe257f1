package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Billing   BillingConfig
	Scheduler SchedulerConfig
	Stripe    StripeConfig
	Telemetry TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig holds JWT settings for admin and service tokens
type JWTConfig struct {
	Secret                string
	AccessTokenExpiration time.Duration
	Issuer                string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodySize       int64
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSAllowOrigins  []string
	CORSAllowMethods  []string
	CORSAllowHeaders  []string
	TrustedProxies    []string
}

// BillingConfig holds billing engine tuning knobs
type BillingConfig struct {
	// Idempotency gate
	EventClaimTimeout time.Duration // in-progress claims older than this are reclaimable
	MaxEventAttempts  int           // attempts before an event is parked as failed

	// Optimistic locking
	MaxVersionRetries int           // retries on version conflict before giving up
	RetryBackoffBase  time.Duration // base delay between conflict retries

	// Overage metering
	InstantChargeThresholdCents int64 // accrued overage that triggers an instant charge
	OverageChargeRetries        int   // provider call retries for instant charges
	OverageRetryBackoff         time.Duration

	// Spend cap
	CapSweepBatchSize int // orgs evaluated per spend-cap sweep pass
}

// SchedulerConfig holds background worker configuration
type SchedulerConfig struct {
	Enabled                bool
	DowngradePollInterval  time.Duration // how often the downgrade worker scans for due rows
	DowngradeBatchSize     int           // due downgrades claimed per scan
	StaleClaimSweepEvery   time.Duration // how often abandoned claims are swept
	StaleClaimThreshold    time.Duration // claims older than this are considered abandoned
	SpendCapSweepInterval  time.Duration // how often spend caps are re-evaluated
	JobTimeout             time.Duration
	ShutdownGracePeriod    time.Duration
	WebhookRecoverySweep   time.Duration // how often stuck webhook events are reclaimed
	WebhookRecoveryEnabled bool
	ChargeReplayInterval   time.Duration // how often failed instant charges are resubmitted
	ChargeReplayBatchSize  int           // failed charges replayed per pass
}

// StripeConfig holds payment provider settings
type StripeConfig struct {
	APIKey            string
	WebhookSecret     string
	SignatureRequired bool // reject unsigned webhook payloads when true
	RequestTimeout    time.Duration
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	// Database tracing options
	DBTraceEnabled    bool          // Enable database query tracing (otelgorm)
	DBLogFullSQL      bool          // Log full SQL statements (dev only, disable in prod for security)
	DBSlowQueryThresh time.Duration // Slow query threshold for warnings (default: 200ms)
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with ENTITLE_ prefix (e.g., ENTITLE_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	// Set config file settings
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Enable environment variable override
	v.SetEnvPrefix("ENTITLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Build config struct
	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:                v.GetString("jwt.secret"),
			AccessTokenExpiration: v.GetDuration("jwt.access_token_expiration"),
			Issuer:                v.GetString("jwt.issuer"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:       v.GetDuration("http.read_timeout"),
			WriteTimeout:      v.GetDuration("http.write_timeout"),
			IdleTimeout:       v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:    v.GetInt("http.max_header_bytes"),
			MaxBodySize:       v.GetInt64("http.max_body_size"),
			RateLimitEnabled:  v.GetBool("http.rate_limit_enabled"),
			RateLimitRequests: v.GetInt("http.rate_limit_requests"),
			RateLimitWindow:   v.GetDuration("http.rate_limit_window"),
			CORSAllowOrigins:  v.GetStringSlice("http.cors_allow_origins"),
			CORSAllowMethods:  v.GetStringSlice("http.cors_allow_methods"),
			CORSAllowHeaders:  v.GetStringSlice("http.cors_allow_headers"),
			TrustedProxies:    v.GetStringSlice("http.trusted_proxies"),
		},
		Billing: BillingConfig{
			EventClaimTimeout:           v.GetDuration("billing.event_claim_timeout"),
			MaxEventAttempts:            v.GetInt("billing.max_event_attempts"),
			MaxVersionRetries:           v.GetInt("billing.max_version_retries"),
			RetryBackoffBase:            v.GetDuration("billing.retry_backoff_base"),
			InstantChargeThresholdCents: v.GetInt64("billing.instant_charge_threshold_cents"),
			OverageChargeRetries:        v.GetInt("billing.overage_charge_retries"),
			OverageRetryBackoff:         v.GetDuration("billing.overage_retry_backoff"),
			CapSweepBatchSize:           v.GetInt("billing.cap_sweep_batch_size"),
		},
		Scheduler: SchedulerConfig{
			Enabled:                v.GetBool("scheduler.enabled"),
			DowngradePollInterval:  v.GetDuration("scheduler.downgrade_poll_interval"),
			DowngradeBatchSize:     v.GetInt("scheduler.downgrade_batch_size"),
			StaleClaimSweepEvery:   v.GetDuration("scheduler.stale_claim_sweep_every"),
			StaleClaimThreshold:    v.GetDuration("scheduler.stale_claim_threshold"),
			SpendCapSweepInterval:  v.GetDuration("scheduler.spend_cap_sweep_interval"),
			JobTimeout:             v.GetDuration("scheduler.job_timeout"),
			ShutdownGracePeriod:    v.GetDuration("scheduler.shutdown_grace_period"),
			WebhookRecoverySweep:   v.GetDuration("scheduler.webhook_recovery_sweep"),
			WebhookRecoveryEnabled: v.GetBool("scheduler.webhook_recovery_enabled"),
			ChargeReplayInterval:   v.GetDuration("scheduler.charge_replay_interval"),
			ChargeReplayBatchSize:  v.GetInt("scheduler.charge_replay_batch_size"),
		},
		Stripe: StripeConfig{
			APIKey:            v.GetString("stripe.api_key"),
			WebhookSecret:     v.GetString("stripe.webhook_secret"),
			SignatureRequired: v.GetBool("stripe.signature_required"),
			RequestTimeout:    v.GetDuration("stripe.request_timeout"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
		},
	}

	// Apply defaults for empty values
	applyDefaults(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "entitle-backend"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "entitle"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.JWT.AccessTokenExpiration == 0 {
		cfg.JWT.AccessTokenExpiration = 15 * time.Minute
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "entitle-backend"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20 // webhook payloads are small, 1MB is plenty
	}
	if cfg.HTTP.RateLimitRequests == 0 {
		cfg.HTTP.RateLimitRequests = 100
	}
	if cfg.HTTP.RateLimitWindow == 0 {
		cfg.HTTP.RateLimitWindow = time.Minute
	}
	// NOTE: CORS origins are intentionally not given a default fallback to "*".
	// An empty list means no cross-origin requests are allowed until explicitly configured.
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"}
	}
	if len(cfg.HTTP.CORSAllowHeaders) == 0 {
		cfg.HTTP.CORSAllowHeaders = []string{"Content-Type", "Authorization", "X-Request-ID", "X-Org-ID"}
	}
	if cfg.Billing.EventClaimTimeout == 0 {
		cfg.Billing.EventClaimTimeout = 5 * time.Minute
	}
	if cfg.Billing.MaxEventAttempts == 0 {
		cfg.Billing.MaxEventAttempts = 5
	}
	if cfg.Billing.MaxVersionRetries == 0 {
		cfg.Billing.MaxVersionRetries = 3
	}
	if cfg.Billing.RetryBackoffBase == 0 {
		cfg.Billing.RetryBackoffBase = 50 * time.Millisecond
	}
	if cfg.Billing.InstantChargeThresholdCents == 0 {
		cfg.Billing.InstantChargeThresholdCents = 10_000 // $100
	}
	if cfg.Billing.OverageChargeRetries == 0 {
		cfg.Billing.OverageChargeRetries = 3
	}
	if cfg.Billing.OverageRetryBackoff == 0 {
		cfg.Billing.OverageRetryBackoff = time.Second
	}
	if cfg.Billing.CapSweepBatchSize == 0 {
		cfg.Billing.CapSweepBatchSize = 200
	}
	if cfg.Scheduler.DowngradePollInterval == 0 {
		cfg.Scheduler.DowngradePollInterval = time.Minute
	}
	if cfg.Scheduler.DowngradeBatchSize == 0 {
		cfg.Scheduler.DowngradeBatchSize = 50
	}
	if cfg.Scheduler.StaleClaimSweepEvery == 0 {
		cfg.Scheduler.StaleClaimSweepEvery = 5 * time.Minute
	}
	if cfg.Scheduler.StaleClaimThreshold == 0 {
		cfg.Scheduler.StaleClaimThreshold = 10 * time.Minute
	}
	if cfg.Scheduler.SpendCapSweepInterval == 0 {
		cfg.Scheduler.SpendCapSweepInterval = time.Minute
	}
	if cfg.Scheduler.JobTimeout == 0 {
		cfg.Scheduler.JobTimeout = 5 * time.Minute
	}
	if cfg.Scheduler.ShutdownGracePeriod == 0 {
		cfg.Scheduler.ShutdownGracePeriod = 30 * time.Second
	}
	if cfg.Scheduler.WebhookRecoverySweep == 0 {
		cfg.Scheduler.WebhookRecoverySweep = 5 * time.Minute
	}
	if cfg.Scheduler.ChargeReplayInterval == 0 {
		cfg.Scheduler.ChargeReplayInterval = 10 * time.Minute
	}
	if cfg.Scheduler.ChargeReplayBatchSize == 0 {
		cfg.Scheduler.ChargeReplayBatchSize = 50
	}
	if cfg.Stripe.RequestTimeout == 0 {
		cfg.Stripe.RequestTimeout = 30 * time.Second
	}
	// Telemetry defaults
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317" // Default gRPC endpoint
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0 // 100% in development
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "entitle-backend"
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
	// Note: DBLogFullSQL defaults to false for security (disable in production)
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	// Validate connection pool settings
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Billing.InstantChargeThresholdCents < 0 {
		return fmt.Errorf("billing.instant_charge_threshold_cents cannot be negative")
	}
	if c.Billing.MaxVersionRetries < 1 {
		return fmt.Errorf("billing.max_version_retries must be at least 1")
	}

	// Production-specific validations
	if c.App.Env == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is required in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("jwt.secret must be at least 32 characters in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Stripe.WebhookSecret == "" {
			return fmt.Errorf("stripe.webhook_secret is required in production")
		}
		if !c.Stripe.SignatureRequired {
			return fmt.Errorf("stripe.signature_required must be true in production")
		}
		// CORS must not use wildcard with credentials
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
		// Database tracing: full SQL logging is a security risk in production
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
	}

	// Validate telemetry configuration (all environments)
	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns host:port for the Redis client
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
