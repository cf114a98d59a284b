// Package config loads the protection pipeline's configuration from
// environment variables and an optional .env file, one Load/getEnv*
// helper family covering all nine components instead of one gateway's
// worth of settings.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/reqshield/reqshield/breaker"
	"github.com/reqshield/reqshield/overload"
	"github.com/reqshield/reqshield/priority"
	"github.com/reqshield/reqshield/ratelimit"
	"github.com/reqshield/reqshield/throttle"
)

// Config aggregates process-wide settings plus every component's own
// data-only configuration (function-valued fields like KeyFn/Extractor/
// Fallback are left zero here and attached by the caller at wiring time,
// per the construction-time dependency injection style).
type Config struct {
	// Server
	Addr            string
	Env             string
	LogLevel        string
	GracefulTimeout time.Duration

	// ShutdownMode, when true, makes the Guard bypass all protection
	// while logging a security event, per §6's SHIELD_SHUTDOWN_MODE.
	ShutdownMode bool

	// Redis
	RedisURL string

	// DistributedSync
	SyncInterval time.Duration

	RateLimit ratelimit.Config
	Throttle  throttle.Config
	Priority  priority.Config
	Overload  overload.Config
	Breaker   breaker.Config
}

// Load reads configuration from environment variables and an optional
// .env file in the working directory.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("SHIELD_GRACEFUL_TIMEOUT_SEC", 15)
	syncIntervalSec := getEnvInt("SHIELD_SYNC_INTERVAL_SEC", 10)

	return &Config{
		Addr:            getEnv("SHIELD_ADDR", ":8080"),
		Env:             getEnv("NODE_ENV", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,
		ShutdownMode:    getEnvBool("SHIELD_SHUTDOWN_MODE", false),
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379"),
		SyncInterval:    time.Duration(syncIntervalSec) * time.Second,

		RateLimit: ratelimit.Config{
			Points:   getEnvInt("SHIELD_RATE_LIMIT_POINTS", 100),
			Duration: time.Duration(getEnvInt("SHIELD_RATE_LIMIT_WINDOW_SEC", 60)) * time.Second,
		},
		Throttle: throttle.Config{
			Limit: getEnvInt("SHIELD_THROTTLE_LIMIT", 20),
			TTL:   time.Duration(getEnvInt("SHIELD_THROTTLE_TTL_SEC", 10)) * time.Second,
		},
		Priority: priority.Config{
			DefaultPriority:            getEnvInt("SHIELD_PRIORITY_DEFAULT", 5),
			FairnessThreshold:          getEnvFloat("SHIELD_PRIORITY_FAIRNESS_THRESHOLD", 2.0),
			AdaptiveEnabled:            getEnvBool("SHIELD_PRIORITY_ADAPTIVE_ENABLED", false),
			AdaptiveAdjustmentInterval: time.Duration(getEnvInt("SHIELD_PRIORITY_ADAPTIVE_INTERVAL_SEC", 30)) * time.Second,
			PriorityHeader:             getEnv("SHIELD_PRIORITY_HEADER", "X-Request-Priority"),
			ShedStrategy:               priority.ShedStrategy(getEnv("SHIELD_PRIORITY_SHED_STRATEGY", string(priority.ShedFIFO))),
		},
		Overload: overload.Config{
			Enabled:        getEnvBool("SHIELD_OVERLOAD_ENABLED", true),
			MaxConcurrent:  getEnvInt("SHIELD_OVERLOAD_MAX_CONCURRENT", 200),
			MaxQueueSize:   getEnvInt("SHIELD_OVERLOAD_MAX_QUEUE", 500),
			QueueTimeout:   time.Duration(getEnvInt("SHIELD_OVERLOAD_QUEUE_TIMEOUT_MS", 5000)) * time.Millisecond,
			ShedStrategy:   priority.ShedStrategy(getEnv("SHIELD_OVERLOAD_SHED_STRATEGY", string(priority.ShedFIFO))),
			HealthInterval: time.Duration(getEnvInt("SHIELD_OVERLOAD_HEALTH_INTERVAL_SEC", 5)) * time.Second,
		},
		Breaker: breaker.Config{
			ErrorThresholdPercent: getEnvFloat("SHIELD_BREAKER_ERROR_THRESHOLD_PCT", 50),
			VolumeThreshold:       getEnvInt("SHIELD_BREAKER_VOLUME_THRESHOLD", 20),
			RollingCountBuckets:   getEnvInt("SHIELD_BREAKER_BUCKETS", 10),
			RollingCountTimeout:   time.Duration(getEnvInt("SHIELD_BREAKER_ROLLING_WINDOW_SEC", 10)) * time.Second,
			ResetTimeout:          time.Duration(getEnvInt("SHIELD_BREAKER_RESET_TIMEOUT_SEC", 30)) * time.Second,
			TimeoutMs:             time.Duration(getEnvInt("SHIELD_BREAKER_CALL_TIMEOUT_MS", 30000)) * time.Millisecond,
			AllowWarmUp:           getEnvBool("SHIELD_BREAKER_ALLOW_WARMUP", true),
			WarmUpCallVolume:      getEnvInt("SHIELD_BREAKER_WARMUP_VOLUME", 10),
		},
	}
}

// IsProduction reports whether NODE_ENV selects production, per §6's
// "verbose protection info only outside production" rule.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
