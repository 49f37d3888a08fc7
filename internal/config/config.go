package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string
	PostgresDSN  string
	RedisAddr    string
	KafkaBrokers []string
	LedgerTopic  string
	UsageTopic   string
	UsageGroupID string
	JWTSecret    string
	LogLevel     string
	OTLPEndpoint string

	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	PackagesFile        string

	SignupBonusCredits int64
	ReconcileInterval  time.Duration
	PendingPurchaseTTL time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using default values", "error", err)
	}

	cfg := &Config{
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		PostgresDSN:  getEnv("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=interviewer sslmode=disable"),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers: getEnvAsList("KAFKA_BROKERS", []string{"localhost:9092"}),
		LedgerTopic:  getEnv("KAFKA_LEDGER_TOPIC", "credit-ledger"),
		UsageTopic:   getEnv("KAFKA_USAGE_TOPIC", "interview-usage"),
		UsageGroupID: getEnv("KAFKA_USAGE_GROUP", "credit-service-usage"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CheckoutSuccessURL:  getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/credits?status=success&session_id={CHECKOUT_SESSION_ID}"),
		CheckoutCancelURL:   getEnv("CHECKOUT_CANCEL_URL", "http://localhost:3000/credits?status=cancelled"),
		PackagesFile:        os.Getenv("PACKAGES_FILE"),

		SignupBonusCredits: getEnvAsInt64("SIGNUP_BONUS_CREDITS", 50),
		ReconcileInterval:  getEnvAsDuration("RECONCILE_INTERVAL", 5*time.Minute),
		PendingPurchaseTTL: getEnvAsDuration("PENDING_PURCHASE_TTL", 30*time.Minute),
	}

	if cfg.JWTSecret == "" {
		slog.Warn("JWT_SECRET is not set, the HTTP server will refuse to start")
	}
	if cfg.StripeSecretKey == "" {
		slog.Warn("STRIPE_SECRET_KEY is not set, checkout will fail")
	}
	if cfg.StripeWebhookSecret == "" {
		slog.Warn("STRIPE_WEBHOOK_SECRET is not set, every webhook will be rejected")
	}

	slog.Info("config loaded", "http_addr", cfg.HTTPAddr, "redis_addr", cfg.RedisAddr, "kafka_brokers", cfg.KafkaBrokers,
		"ledger_topic", cfg.LedgerTopic, "usage_topic", cfg.UsageTopic, "signup_bonus", cfg.SignupBonusCredits)
	return cfg
}

var ErrMissingJWTSecret = errors.New("JWT_SECRET must be set")

// Validate checks the settings the HTTP server cannot run without.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
			return value
		}
		slog.Warn("invalid integer in env, using default", "key", key, "value", valueStr)
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
		slog.Warn("invalid duration in env, using default", "key", key, "value", valueStr)
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
