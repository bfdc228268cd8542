// Package config loads service settings from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable of the service. Zero-value backends
// (DatabaseURL, RedisAddr, AMQPURL, OTELHost) select the in-process default.
// Setting both TLS files serves HTTPS.
type Config struct {
	HTTPAddr    string
	TLSCertFile string
	TLSKeyFile  string
	DatabaseURL string
	RedisAddr   string
	AMQPURL     string
	OTELHost    string
	LogLevel    string

	LockStripes int

	QueueCapacity   int
	PipelineWorkers int
	OfferTimeout    time.Duration
	ProcessingDelay time.Duration
	ShippingDelay   time.Duration

	CacheTTL           time.Duration
	CacheSweepInterval time.Duration

	AnalyticsInterval time.Duration

	BatchWorkers int
	BatchMaxWait time.Duration

	RetryAttempts int
	RetryBackoff  time.Duration
}

// Load reads the environment, falling back to defaults for anything unset or malformed.
func Load() Config {
	return Config{
		HTTPAddr:    str("HTTP_ADDR", ":8080"),
		TLSCertFile: os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:  os.Getenv("TLS_KEY_FILE"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		AMQPURL:     os.Getenv("AMQP_URL"),
		OTELHost:    os.Getenv("OTEL_HOST"),
		LogLevel:    str("LOG_LEVEL", "info"),

		LockStripes: num("LOCK_STRIPES", 0),

		QueueCapacity:   num("ORDER_QUEUE_CAPACITY", 1000),
		PipelineWorkers: num("ORDER_WORKERS", 3),
		OfferTimeout:    dur("ORDER_OFFER_TIMEOUT", 5*time.Second),
		ProcessingDelay: dur("ORDER_PROCESSING_DELAY", 2*time.Second),
		ShippingDelay:   dur("ORDER_SHIPPING_DELAY", 3*time.Second),

		CacheTTL:           dur("CACHE_TTL", 10*time.Minute),
		CacheSweepInterval: dur("CACHE_SWEEP_INTERVAL", 5*time.Minute),

		AnalyticsInterval: dur("ANALYTICS_INTERVAL", 30*time.Second),

		BatchWorkers: num("BATCH_WORKERS", 4),
		BatchMaxWait: dur("BATCH_MAX_WAIT", 30*time.Second),

		RetryAttempts: num("RETRY_ATTEMPTS", 3),
		RetryBackoff:  dur("RETRY_BACKOFF", 100*time.Millisecond),
	}
}

func str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func num(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func dur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
