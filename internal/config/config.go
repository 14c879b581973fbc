// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Queue ────────────────────────────────────────────────────────────────────
	QueueName          string `env:"QUEUE_NAME"           envDefault:"default"`
	MaxAttemptsDefault int    `env:"MAX_ATTEMPTS_DEFAULT" envDefault:"3"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	WorkerName        string        `env:"WORKER_NAME"         envDefault:"hookrelay"`
	PollInterval      time.Duration `env:"POLL_INTERVAL"       envDefault:"1s"`
	MaxPollInterval   time.Duration `env:"MAX_POLL_INTERVAL"   envDefault:"10s"`
	ClaimBatchSize    int           `env:"CLAIM_BATCH_SIZE"    envDefault:"10"`
	MaxConcurrentJobs int           `env:"MAX_CONCURRENT_JOBS" envDefault:"20"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT"     envDefault:"10s"`
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT"  envDefault:"5m"`
	ReapInterval      time.Duration `env:"REAP_INTERVAL"       envDefault:"1m"`

	// ── Delivery ─────────────────────────────────────────────────────────────────
	// SigningSecret enables HMAC-SHA256 signature headers when non-empty.
	SigningSecret string `env:"SIGNING_SECRET"`

	// ── Retry policy ─────────────────────────────────────────────────────────────
	RetryInitialInterval    time.Duration `env:"RETRY_INITIAL_INTERVAL"      envDefault:"1s"`
	RetryBackoffCoefficient float64       `env:"RETRY_BACKOFF_COEFFICIENT"   envDefault:"2"`
	RetryMaxInterval        time.Duration `env:"RETRY_MAX_INTERVAL"          envDefault:"5m"`
	RetryJitter             float64       `env:"RETRY_JITTER"                envDefault:"0.25"`
	RetryQueueName          string        `env:"RETRY_QUEUE_NAME"`
	DeadLetterOnPermanent   bool          `env:"RETRY_DEADLETTER_ON_PERMANENT" envDefault:"true"`

	// ── Janitor ──────────────────────────────────────────────────────────────────
	JanitorInterval  time.Duration `env:"JANITOR_INTERVAL"   envDefault:"1m"`
	JanitorRetention time.Duration `env:"JANITOR_RETENTION"  envDefault:"720h"`
	JanitorBatchSize int           `env:"JANITOR_BATCH_SIZE" envDefault:"1000"`

	// ── Rate limiting ────────────────────────────────────────────────────────────
	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"600"`
	RateLimitBurst     int           `env:"RATE_LIMIT_BURST"      envDefault:"100"`
	RateLimitEvictTTL  time.Duration `env:"RATE_LIMIT_EVICT_TTL"  envDefault:"15m"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
