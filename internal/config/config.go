package config

import (
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all process configuration. It is loaded once at startup and
// immutable afterwards.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"local"`
	Debug       bool   `env:"DEBUG" envDefault:"false"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Database settings
	Database DatabaseConfig

	// Worker fleet settings
	Worker WorkerConfig

	// Queue adapter settings
	Queue QueueConfig

	// Claim registry settings
	Registry RegistryConfig

	// Email transport settings
	Email EmailConfig

	// Audit notification settings
	Audit AuditConfig

	// Ops HTTP server settings
	Ops OpsConfig

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"repolens"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"repolens"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// WorkerConfig holds worker fleet settings
type WorkerConfig struct {
	// Concurrency is the number of parallel workers in the fleet
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`
	// JobTimeoutMinutes bounds a single handler invocation
	JobTimeoutMinutes int `env:"JOB_TIMEOUT_MINUTES" envDefault:"30"`
	// ConsecutiveFailureLimit stops a worker after this many failed
	// iterations in a row
	ConsecutiveFailureLimit int `env:"CONSECUTIVE_FAILURE_LIMIT" envDefault:"5"`
	// MaxAttemptsDefault is the fleet-wide default when a message carries
	// no max_attempts of its own
	MaxAttemptsDefault int `env:"MAX_ATTEMPTS_DEFAULT" envDefault:"3"`
	// RetryBaseSeconds is the base of the retry backoff schedule
	RetryBaseSeconds int `env:"RETRY_BASE_SECONDS" envDefault:"10"`
	// RetryCapSeconds caps the retry backoff delay
	RetryCapSeconds int `env:"RETRY_CAP_SECONDS" envDefault:"300"`
	// MonitorIntervalSeconds is how often the health monitor samples the fleet
	MonitorIntervalSeconds int `env:"WORKER_MONITOR_INTERVAL_SECONDS" envDefault:"60"`
}

// JobTimeout returns the handler timeout as a Duration
func (w *WorkerConfig) JobTimeout() time.Duration {
	return time.Duration(w.JobTimeoutMinutes) * time.Minute
}

// QueueConfig holds queue adapter settings
type QueueConfig struct {
	// Name is the logical queue the fleet consumes from
	Name string `env:"QUEUE_NAME" envDefault:"processing"`
	// JobTypes is the allow-list of job types this fleet handles
	JobTypes []string `env:"QUEUE_JOB_TYPES" envDefault:"analyze,process" envSeparator:","`
	// BatchSize is the number of messages read per poll
	BatchSize int `env:"QUEUE_BATCH_SIZE" envDefault:"5"`
	// PollingIntervalSeconds is the sleep between empty polls
	PollingIntervalSeconds int `env:"QUEUE_POLLING_INTERVAL_SECONDS" envDefault:"5"`
	// VisibilityTimeoutSeconds is how long a read message stays invisible
	VisibilityTimeoutSeconds int `env:"VISIBILITY_TIMEOUT_SECONDS" envDefault:"30"`
}

// PollingInterval returns the poll sleep as a Duration
func (q *QueueConfig) PollingInterval() time.Duration {
	return time.Duration(q.PollingIntervalSeconds) * time.Second
}

// RegistryConfig holds claim registry settings
type RegistryConfig struct {
	// ReaperEnabled turns on the stuck-claim reaper cron task
	ReaperEnabled bool `env:"REGISTRY_REAPER_ENABLED" envDefault:"false"`
	// ReaperSchedule is the cron spec for reaper runs (seconds precision)
	ReaperSchedule string `env:"REGISTRY_REAPER_SCHEDULE" envDefault:"0 */5 * * * *"`
	// ReaperAfterMinutes is how old an IN_PROGRESS claim must be before
	// the reaper fails it
	ReaperAfterMinutes int `env:"REGISTRY_REAPER_AFTER_MINUTES" envDefault:"60"`
}

// EmailConfig holds email transport settings
type EmailConfig struct {
	Enabled       bool   `env:"EMAIL_ENABLED" envDefault:"false"`
	MailgunDomain string `env:"MAILGUN_DOMAIN"`
	MailgunAPIKey string `env:"MAILGUN_API_KEY"`
	FromEmail     string `env:"EMAIL_FROM" envDefault:"noreply@repolens.ai"`
	FromName      string `env:"EMAIL_FROM_NAME" envDefault:"RepoLens"`
}

// IsConfigured returns true if Mailgun credentials are present
func (e *EmailConfig) IsConfigured() bool {
	return e.MailgunDomain != "" && e.MailgunAPIKey != ""
}

// AuditConfig holds settlement notification settings
type AuditConfig struct {
	// Recipients receive failure notifications
	Recipients []string `env:"AUDIT_RECIPIENTS" envSeparator:","`
	// SubjectPrefix is prepended to every outgoing subject line
	SubjectPrefix string `env:"AUDIT_SUBJECT_PREFIX"`
	// RedirectAllTo reroutes every email to this list (staging safety net)
	RedirectAllTo []string `env:"EMAIL_REDIRECT_ALL_TO" envSeparator:","`
	// AlwaysBcc is blind-copied on every email
	AlwaysBcc []string `env:"EMAIL_ALWAYS_BCC" envSeparator:","`
}

// OpsConfig holds the ops HTTP server settings
type OpsConfig struct {
	Enabled bool   `env:"OPS_ENABLED" envDefault:"true"`
	Address string `env:"OPS_ADDRESS" envDefault:"0.0.0.0"`
	Port    int    `env:"OPS_PORT" envDefault:"9090"`
}

// NewConfig loads configuration from environment variables and validates it.
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.String("queue", cfg.Queue.Name),
		slog.Int("worker_concurrency", cfg.Worker.Concurrency),
		slog.Int("batch_size", cfg.Queue.BatchSize),
	)

	return cfg, nil
}

// Validate applies the configuration invariants. A violation is fatal at
// startup; workers never run with an out-of-range configuration.
func (c *Config) Validate() error {
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.Worker.Concurrency)
	}
	if c.Queue.BatchSize < 1 || c.Queue.BatchSize > 100 {
		return fmt.Errorf("QUEUE_BATCH_SIZE must be in 1..100, got %d", c.Queue.BatchSize)
	}
	if c.Queue.PollingIntervalSeconds < 1 || c.Queue.PollingIntervalSeconds > 60 {
		return fmt.Errorf("QUEUE_POLLING_INTERVAL_SECONDS must be in 1..60, got %d", c.Queue.PollingIntervalSeconds)
	}
	if c.Worker.JobTimeoutMinutes < 5 || c.Worker.JobTimeoutMinutes > 120 {
		return fmt.Errorf("JOB_TIMEOUT_MINUTES must be in 5..120, got %d", c.Worker.JobTimeoutMinutes)
	}
	if c.Worker.MaxAttemptsDefault < 1 {
		return fmt.Errorf("MAX_ATTEMPTS_DEFAULT must be >= 1, got %d", c.Worker.MaxAttemptsDefault)
	}
	if c.Worker.RetryBaseSeconds < 1 {
		return fmt.Errorf("RETRY_BASE_SECONDS must be >= 1, got %d", c.Worker.RetryBaseSeconds)
	}
	if c.Worker.RetryCapSeconds < c.Worker.RetryBaseSeconds {
		return fmt.Errorf("RETRY_CAP_SECONDS (%d) must be >= RETRY_BASE_SECONDS (%d)",
			c.Worker.RetryCapSeconds, c.Worker.RetryBaseSeconds)
	}
	if c.Queue.VisibilityTimeoutSeconds < 1 {
		return fmt.Errorf("VISIBILITY_TIMEOUT_SECONDS must be >= 1, got %d", c.Queue.VisibilityTimeoutSeconds)
	}
	if c.Worker.ConsecutiveFailureLimit < 1 {
		return fmt.Errorf("CONSECUTIVE_FAILURE_LIMIT must be >= 1, got %d", c.Worker.ConsecutiveFailureLimit)
	}
	if len(c.Queue.JobTypes) == 0 {
		return fmt.Errorf("QUEUE_JOB_TYPES must not be empty")
	}
	for _, addr := range c.Audit.Recipients {
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("AUDIT_RECIPIENTS contains invalid address %q: %w", addr, err)
		}
	}
	for _, addr := range c.Audit.RedirectAllTo {
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("EMAIL_REDIRECT_ALL_TO contains invalid address %q: %w", addr, err)
		}
	}
	for _, addr := range c.Audit.AlwaysBcc {
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("EMAIL_ALWAYS_BCC contains invalid address %q: %w", addr, err)
		}
	}
	return nil
}
