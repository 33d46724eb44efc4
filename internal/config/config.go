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

	// MasterKey is the hex-encoded 32-byte root of per-tenant key derivation.
	MasterKey string

	NumWorkers int
	BatchSize  int

	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	JitterFactor  float64
	LeaseDuration time.Duration

	BreakerThreshold int
	BreakerCooldown  time.Duration

	DisableThreshold int

	DeliverTimeout  time.Duration
	TestSendTimeout time.Duration
	MaxBodyBytes    int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		MasterKey:   getEnv("MASTER_KEY", ""),

		NumWorkers: getEnvInt("NUM_WORKERS", 50),
		BatchSize:  getEnvInt("BATCH_SIZE", 20),

		MaxAttempts:   getEnvInt("MAX_ATTEMPTS", 8),
		BackoffBase:   getEnvDuration("BACKOFF_BASE", 60*time.Second),
		BackoffMax:    getEnvDuration("BACKOFF_MAX", time.Hour),
		JitterFactor:  getEnvFloat("JITTER_FACTOR", 0.3),
		LeaseDuration: getEnvDuration("LEASE_DURATION", 2*time.Minute),

		BreakerThreshold: getEnvInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:  getEnvDuration("BREAKER_COOLDOWN", 60*time.Second),

		DisableThreshold: getEnvInt("DISABLE_THRESHOLD", 10),

		DeliverTimeout:  getEnvDuration("DELIVER_TIMEOUT", 20*time.Second),
		TestSendTimeout: getEnvDuration("TEST_SEND_TIMEOUT", 10*time.Second),
		MaxBodyBytes:    getEnvInt("MAX_BODY_BYTES", 256*1024),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.MasterKey == "" {
		return nil, fmt.Errorf("MASTER_KEY is required")
	}
	if cfg.JitterFactor < 0 || cfg.JitterFactor >= 1 {
		return nil, fmt.Errorf("JITTER_FACTOR must be in [0, 1)")
	}

	return cfg, nil
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

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
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
