package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-tunable setting named in spec.md §6.
type Config struct {
	Debug bool

	// Storage
	DBURL    string
	RedisURL string

	// Worker tick periods (§6, §4.8)
	WorkerTickBidding   time.Duration
	WorkerTickConfirm   time.Duration
	WorkerTickIdempGC   time.Duration
	WorkerTickPending   time.Duration
	WorkerTickReconcile time.Duration

	ConfirmationTimeout time.Duration
	IdempotencyTTL      time.Duration

	TransactionMaxRetries int
	TransactionTimeout    time.Duration
}

// Load reads the environment and applies the defaults documented in §6.
// DB_URL is the only required setting; everything else has a spec-mandated
// default.
func Load() (*Config, error) {
	cfg := &Config{
		Debug: getEnvBool("DEBUG", false),

		DBURL:    os.Getenv("DB_URL"),
		RedisURL: os.Getenv("REDIS_URL"),

		WorkerTickBidding:   getEnvSeconds("WORKER_TICK_BIDDING", 120*time.Second),
		WorkerTickConfirm:   getEnvSeconds("WORKER_TICK_CONFIRMATION", 120*time.Second),
		WorkerTickIdempGC:   getEnvSeconds("WORKER_TICK_IDEMPOTENCY_GC", 3600*time.Second),
		WorkerTickPending:   getEnvSeconds("WORKER_TICK_PENDING", 21600*time.Second),
		WorkerTickReconcile: getEnvSeconds("WORKER_TICK_RECONCILE", 24*time.Hour),

		ConfirmationTimeout: getEnvMinutes("CONFIRMATION_TIMEOUT_MIN", 15*time.Minute),
		IdempotencyTTL:      getEnvSeconds("IDEMPOTENCY_TTL_SEC", 86400*time.Second),

		TransactionMaxRetries: getEnvInt("TRANSACTION_MAX_RETRIES", 3),
		TransactionTimeout:    getEnvMillis("TRANSACTION_TIMEOUT_MS", 10000*time.Millisecond),
	}

	if cfg.DBURL == "" {
		return nil, fmt.Errorf("DB_URL is required")
	}

	return cfg, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvMinutes(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if mins, err := strconv.Atoi(value); err == nil {
			return time.Duration(mins) * time.Minute
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
