package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	DBMaxOpenConns   int    `mapstructure:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns   int    `mapstructure:"DB_MAX_IDLE_CONNS"`
	DBConnectRetries int    `mapstructure:"DB_CONNECT_RETRIES"`

	RedisAddress  string `mapstructure:"REDIS_ADDRESS"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	GCSBucket           string `mapstructure:"GCS_BUCKET"`
	GCSCredentialsJSON  string `mapstructure:"GCS_CREDENTIALS_JSON"`
	GCSSignerEmail      string `mapstructure:"GCS_SIGNER_EMAIL"`
	GCSSignerPrivateKey string `mapstructure:"GCS_SIGNER_PRIVATE_KEY"`

	PubSubProjectID       string `mapstructure:"PUBSUB_PROJECT_ID"`
	PubSubCredentialsJSON string `mapstructure:"PUBSUB_CREDENTIALS_JSON"`
	ReturnsTopic          string `mapstructure:"RETURNS_TOPIC"`
	ReturnsSubscription   string `mapstructure:"RETURNS_SUBSCRIPTION"`

	// Push deliveries are checked against an OIDC audience, a shared token,
	// or both.
	PushAudience       string `mapstructure:"PUBSUB_PUSH_AUDIENCE"`
	PushServiceAccount string `mapstructure:"PUBSUB_PUSH_SERVICE_ACCOUNT"`
	PushToken          string `mapstructure:"PUBSUB_PUSH_TOKEN"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	// PublicURL is where clients reach this server. Only the in-memory
	// object store needs it.
	PublicURL string `mapstructure:"PUBLIC_URL"`

	MaxReturnFileSize int64         `mapstructure:"MAX_RETURN_FILE_SIZE"`
	SignedURLTTL      time.Duration `mapstructure:"SIGNED_URL_TTL"`

	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts  int           `mapstructure:"OUTBOX_MAX_ATTEMPTS"`
	OutboxBaseBackoff  time.Duration `mapstructure:"OUTBOX_BASE_BACKOFF"`
	OutboxMaxBackoff   time.Duration `mapstructure:"OUTBOX_MAX_BACKOFF"`
	OutboxLockTTL      time.Duration `mapstructure:"OUTBOX_LOCK_TTL"`

	RiskParallelism int `mapstructure:"RISK_PARALLELISM"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "DB_CONNECT_RETRIES",
	"REDIS_ADDRESS", "REDIS_PASSWORD",
	"GCS_BUCKET", "GCS_CREDENTIALS_JSON", "GCS_SIGNER_EMAIL", "GCS_SIGNER_PRIVATE_KEY",
	"PUBSUB_PROJECT_ID", "PUBSUB_CREDENTIALS_JSON", "RETURNS_TOPIC", "RETURNS_SUBSCRIPTION",
	"PUBSUB_PUSH_AUDIENCE", "PUBSUB_PUSH_SERVICE_ACCOUNT", "PUBSUB_PUSH_TOKEN",
	"CORS_ORIGINS", "PUBLIC_URL", "MAX_RETURN_FILE_SIZE", "SIGNED_URL_TTL",
	"OUTBOX_POLL_INTERVAL", "OUTBOX_BATCH_SIZE", "OUTBOX_MAX_ATTEMPTS",
	"OUTBOX_BASE_BACKOFF", "OUTBOX_MAX_BACKOFF", "OUTBOX_LOCK_TTL",
	"RISK_PARALLELISM",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 10)
	v.SetDefault("DB_CONNECT_RETRIES", 5)
	v.SetDefault("RETURNS_TOPIC", "tiss-returns")
	v.SetDefault("RETURNS_SUBSCRIPTION", "tiss-returns-worker")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("MAX_RETURN_FILE_SIZE", 20<<20)
	v.SetDefault("SIGNED_URL_TTL", "15m")
	v.SetDefault("OUTBOX_POLL_INTERVAL", "5s")
	v.SetDefault("OUTBOX_BATCH_SIZE", 20)
	v.SetDefault("OUTBOX_MAX_ATTEMPTS", 8)
	v.SetDefault("OUTBOX_BASE_BACKOFF", "10s")
	v.SetDefault("OUTBOX_MAX_BACKOFF", "10m")
	v.SetDefault("OUTBOX_LOCK_TTL", "2m")
	v.SetDefault("RISK_PARALLELISM", 8)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.MaxReturnFileSize <= 0 {
		return fmt.Errorf("MAX_RETURN_FILE_SIZE must be positive")
	}
	if c.SignedURLTTL <= 0 {
		return fmt.Errorf("SIGNED_URL_TTL must be positive")
	}
	if c.RiskParallelism < 1 {
		c.RiskParallelism = 1
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) BaseURL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	return "http://localhost:" + c.Port
}

func (c *Config) RedisEnabled() bool {
	return c.RedisAddress != ""
}

func (c *Config) PubSubEnabled() bool {
	return c.PubSubProjectID != ""
}

func (c *Config) PushAuthEnabled() bool {
	return c.PushAudience != "" || c.PushToken != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
