package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the process configuration, read from the environment with an
// optional local .env file.
type Config struct {
	DBSource string
	Port     string
	Env      string
	LogLevel string

	FeeRate     decimal.Decimal
	LockTimeout time.Duration

	// InstantSellQuote is the flat per-item quote offered on instant sells.
	// Zero leaves instant sell disabled until a pricing service is wired.
	InstantSellQuote decimal.Decimal

	KafkaBrokers  []string
	JobsTopic     string
	OutcomesTopic string
	ConsumerGroup string

	EnqueueMaxAttempts int
	EnqueueBackoffMin  time.Duration
	EnqueueBackoffMax  time.Duration
}

// Load reads the configuration. Only DB_SOURCE is mandatory.
func Load() (*Config, error) {
	// Missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource: dbSource,
		Port:     getenv("SERVER_PORT", "8080"),
		Env:      getenv("ENVIRONMENT", "development"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		LockTimeout: getduration("LOCK_TIMEOUT", 3*time.Second),

		KafkaBrokers:  strings.Split(getenv("KAFKA_BROKERS", "localhost:9092"), ","),
		JobsTopic:     getenv("FULFILLMENT_JOBS_TOPIC", "fulfillment.jobs"),
		OutcomesTopic: getenv("FULFILLMENT_OUTCOMES_TOPIC", "fulfillment.outcomes"),
		ConsumerGroup: getenv("FULFILLMENT_CONSUMER_GROUP", "settlement-core"),

		EnqueueMaxAttempts: 3,
		EnqueueBackoffMin:  getduration("ENQUEUE_BACKOFF_MIN", 100*time.Millisecond),
		EnqueueBackoffMax:  getduration("ENQUEUE_BACKOFF_MAX", time.Second),
	}

	feeRate, err := decimal.NewFromString(getenv("FEE_RATE", "0.05"))
	if err != nil {
		return nil, fmt.Errorf("invalid FEE_RATE: %w", err)
	}
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("FEE_RATE must be in [0, 1)")
	}
	cfg.FeeRate = feeRate

	quote, err := decimal.NewFromString(getenv("INSTANT_SELL_QUOTE", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid INSTANT_SELL_QUOTE: %w", err)
	}
	if quote.IsNegative() {
		return nil, fmt.Errorf("INSTANT_SELL_QUOTE must not be negative")
	}
	cfg.InstantSellQuote = quote

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
