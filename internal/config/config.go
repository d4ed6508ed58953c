package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the service.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	NumWorkers  int

	// Outbound HTTP policy.
	HTTPTimeout      time.Duration
	MaxResponseBytes int64

	// Retry policy. Attempt delays grow exponentially from BaseDelay up to
	// MaxDelay; after MaxAttempts failed attempts the delivery is terminal.
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ScanInterval time.Duration

	// Consecutive terminal failures before a subscription is suspended.
	SuspendThreshold int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbURL := getEnv("DATABASE_URL", "")
	redisURL := getEnv("REDIS_URL", "")

	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	return &Config{
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      dbURL,
		RedisURL:         redisURL,
		NumWorkers:       getEnvInt("NUM_WORKERS", 50),
		HTTPTimeout:      getEnvDuration("HTTP_TIMEOUT", 10*time.Second),
		MaxResponseBytes: int64(getEnvInt("MAX_RESPONSE_BYTES", 1024)),
		MaxAttempts:      getEnvInt("RETRY_MAX_ATTEMPTS", 6),
		BaseDelay:        getEnvDuration("RETRY_BASE_DELAY", 30*time.Second),
		MaxDelay:         getEnvDuration("RETRY_MAX_DELAY", time.Hour),
		ScanInterval:     getEnvDuration("RETRY_SCAN_INTERVAL", time.Minute),
		SuspendThreshold: getEnvInt("SUSPEND_THRESHOLD", 10),
	}, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}
