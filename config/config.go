package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port string
	Env  string

	StripeSecretKey      string
	StripeWebhookSecrets []string // comma-separated env, first entry is current
	WebhookSecretID      string   // optional Secrets Manager secret id
	ToleranceWindow      time.Duration
	StripeFetchTimeout   time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	RedisURL       string
	IdempotencyTTL time.Duration

	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresHost     string
	PostgresPort     string
	PostgresSSLMode  string

	PublishBaseBackoff time.Duration
	PublishMaxBackoff  time.Duration
	PublishMaxAttempts int
	PublishTimeout     time.Duration
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port: getEnv("PORT", "8090"),
		Env:  getEnv("APP_ENV", "development"),

		StripeSecretKey:      os.Getenv("STRIPE_API_KEY"),
		StripeWebhookSecrets: splitList(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		WebhookSecretID:      os.Getenv("WEBHOOK_SECRET_ID"),
		ToleranceWindow:      getDuration("WEBHOOK_TOLERANCE", 5*time.Minute),
		StripeFetchTimeout:   getDuration("STRIPE_FETCH_TIMEOUT", 10*time.Second),

		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "payment.successful"),

		RedisURL:       getEnv("REDIS_URL", "redis://redis:6379"),
		IdempotencyTTL: time.Duration(getInt("IDEMPOTENCY_TTL_HOURS", 72)) * time.Hour,

		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresHost:     os.Getenv("POSTGRES_HOST"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		PublishBaseBackoff: getDuration("PUBLISH_BASE_BACKOFF", 200*time.Millisecond),
		PublishMaxBackoff:  getDuration("PUBLISH_MAX_BACKOFF", 5*time.Second),
		PublishMaxAttempts: getInt("PUBLISH_MAX_ATTEMPTS", 5),
		PublishTimeout:     getDuration("PUBLISH_TIMEOUT", 10*time.Second),
	}

	if cfg.StripeSecretKey == "" {
		return nil, fmt.Errorf("missing required environment variable STRIPE_API_KEY")
	}
	// The signing secret may come from Secrets Manager instead of the env.
	if len(cfg.StripeWebhookSecrets) == 0 && cfg.WebhookSecretID == "" {
		return nil, fmt.Errorf("either STRIPE_WEBHOOK_SECRET or WEBHOOK_SECRET_ID must be set")
	}

	return cfg, nil
}

// DSN builds the Postgres connection string for the webhook delivery log.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.PostgresHost, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresPort, c.PostgresSSLMode,
	)
}

// DeliveryLogEnabled reports whether the optional Postgres audit log is
// configured.
func (c *Config) DeliveryLogEnabled() bool {
	return c.PostgresHost != "" && c.PostgresUser != "" && c.PostgresDB != ""
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
