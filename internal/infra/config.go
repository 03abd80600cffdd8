package infra

import (
	"fmt"
	"time"

	"github.com/attaboy/shareguard/internal/enforcement"
	"github.com/attaboy/shareguard/internal/policy"
	"github.com/caarlos0/env/v11"
)

const insecureSecret = "change-me-in-production"

// Config holds all application configuration parsed from environment variables.
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL"`
	PGHost      string `env:"PGHOST" envDefault:"localhost"`
	PGPort      int    `env:"PGPORT" envDefault:"5432"`
	PGUser      string `env:"PGUSER" envDefault:"shareguard"`
	PGPassword  string `env:"PGPASSWORD" envDefault:"shareguard"`
	PGDatabase  string `env:"PGDATABASE" envDefault:"shareguard"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	// JWT
	JWTSecret        string        `env:"JWT_SECRET" envDefault:"change-me-in-production"`
	JWTServiceExpiry time.Duration `env:"JWT_SERVICE_EXPIRY" envDefault:"1h"`
	JWTAdminExpiry   time.Duration `env:"JWT_ADMIN_EXPIRY" envDefault:"8h"`

	// Server ports
	APIPort     int `env:"API_PORT" envDefault:"3100"`
	MetricsPort int `env:"METRICS_PORT" envDefault:"9102"` // reconciler only

	// Engine
	WeightHardware          float64       `env:"WEIGHT_HARDWARE" envDefault:"0.35"`
	WeightBehavior          float64       `env:"WEIGHT_BEHAVIOR" envDefault:"0.40"`
	WeightSession           float64       `env:"WEIGHT_SESSION" envDefault:"0.25"`
	ThresholdSuspicious     int           `env:"THRESHOLD_SUSPICIOUS" envDefault:"60"`
	ThresholdLikelySharing  int           `env:"THRESHOLD_LIKELY_SHARING" envDefault:"75"`
	ThresholdConfirmed      int           `env:"THRESHOLD_CONFIRMED_SHARING" envDefault:"85"`
	ValidationTimeout       time.Duration `env:"VALIDATION_TIMEOUT" envDefault:"2s"`
	CircuitFailureThreshold int           `env:"CIRCUIT_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitResetTimeout     time.Duration `env:"CIRCUIT_RESET_TIMEOUT" envDefault:"30s"`

	// Rate limits on POST /v1/sessions/validate
	RateLimitPerIP   int           `env:"RATE_LIMIT_PER_IP" envDefault:"120"`
	RateLimitPerUser int           `env:"RATE_LIMIT_PER_USER" envDefault:"20"`
	RateLimitWindow  time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	// Geo
	GeoIPDBPath string `env:"GEOIP_DB_PATH"`
	Timezone    string `env:"TIMEZONE" envDefault:"UTC"`

	// Reconciler
	ExpiryInterval         time.Duration `env:"EXPIRY_INTERVAL" envDefault:"5m"`
	ExpiryBatchSize        int           `env:"EXPIRY_BATCH_SIZE" envDefault:"100"`
	ExpiryWorkers          int           `env:"EXPIRY_WORKERS" envDefault:"4"`
	SessionCleanupInterval time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"1h"`
	SessionRetention       time.Duration `env:"SESSION_RETENTION" envDefault:"168h"`
	SessionTTL             time.Duration `env:"SESSION_TTL" envDefault:"168h"`

	// Kafka
	KafkaBrokers         string        `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaEnabled         bool          `env:"KAFKA_ENABLED" envDefault:"false"`
	OutboxInterval       time.Duration `env:"OUTBOX_INTERVAL" envDefault:"500ms"`
	OutboxBatchSize      int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	OutboxBreakerTimeout time.Duration `env:"OUTBOX_BREAKER_TIMEOUT" envDefault:"30s"`

	// Dev
	AllowInsecureDefaults bool `env:"ALLOW_INSECURE_DEFAULTS" envDefault:"false"`
}

// LoadConfig parses environment variables into a Config struct.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the engine tuning and rejects insecure configuration that
// must not run in production. Set ALLOW_INSECURE_DEFAULTS=true to bypass the
// secret checks (local dev only).
func (c *Config) Validate() error {
	if err := c.Weights().Validate(); err != nil {
		return err
	}
	if err := c.Thresholds().Validate(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.ExpiryBatchSize <= 0 || c.ExpiryWorkers <= 0 || c.OutboxBatchSize <= 0 {
		return fmt.Errorf("EXPIRY_BATCH_SIZE, EXPIRY_WORKERS and OUTBOX_BATCH_SIZE must be positive")
	}

	if c.AllowInsecureDefaults {
		return nil
	}
	if c.JWTSecret == insecureSecret {
		return fmt.Errorf("JWT_SECRET is set to the insecure default; set a strong secret or set ALLOW_INSECURE_DEFAULTS=true for local dev")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET is too short (%d chars); minimum 32 characters required", len(c.JWTSecret))
	}
	return nil
}

// DSN returns the PostgreSQL connection string, preferring DATABASE_URL if set.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.PGUser, c.PGPassword, c.PGHost, c.PGPort, c.PGDatabase)
}

func (c *Config) Weights() policy.Weights {
	return policy.Weights{Hardware: c.WeightHardware, Behavior: c.WeightBehavior, Session: c.WeightSession}
}

func (c *Config) Thresholds() policy.Thresholds {
	return policy.Thresholds{
		Suspicious:       c.ThresholdSuspicious,
		LikelySharing:    c.ThresholdLikelySharing,
		ConfirmedSharing: c.ThresholdConfirmed,
	}
}

// Engine returns the enforcement engine tuning.
func (c *Config) Engine() enforcement.Config {
	return enforcement.Config{
		Weights:    c.Weights(),
		Thresholds: c.Thresholds(),
		Timeout:    c.ValidationTimeout,
	}
}

// Location is the zone used for local-hour checks when an IP has no geo time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}
