package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vigilops/vigil/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Webhooks      WebhooksConfig
	History       HistoryConfig
	Redis         RedisConfig
	Observability ObservabilityConfig

	// APIKeys maps API keys to the owner ids they authenticate. Empty
	// disables authentication (development mode).
	APIKeys map[string]string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// WebhooksConfig holds delivery worker settings
type WebhooksConfig struct {
	// PollInterval is the worker's idle sleep between iterations.
	PollInterval time.Duration

	// RateLimit allows this many deliveries per webhook per RateWindow.
	RateLimit  int
	RateWindow time.Duration
}

// HistoryConfig holds delivery history settings
type HistoryConfig struct {
	// MaxInMemory caps the in-memory record store.
	MaxInMemory int

	// DatabaseURL enables the PostgreSQL sink when set.
	DatabaseURL string

	// Retention bounds how long persisted records are kept.
	Retention time.Duration
}

// RedisConfig holds optional Redis settings for the distributed delivery
// rate limiter
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ObservabilityConfig holds logging and metrics settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// Load reads configuration from environment variables with sane defaults
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnv("VIGIL_HOST", ""),
			Port:            getEnv("VIGIL_PORT", "8080"),
			ReadTimeout:     getEnvDuration("VIGIL_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("VIGIL_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("VIGIL_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("VIGIL_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Webhooks: WebhooksConfig{
			PollInterval: getEnvDuration("VIGIL_WORKER_POLL_INTERVAL", 100*time.Millisecond),
			RateLimit:    getEnvInt("VIGIL_DELIVERY_RATE_LIMIT", 100),
			RateWindow:   getEnvDuration("VIGIL_DELIVERY_RATE_WINDOW", time.Minute),
		},
		History: HistoryConfig{
			MaxInMemory: getEnvInt("VIGIL_HISTORY_MAX_IN_MEMORY", 1000),
			DatabaseURL: getEnv("VIGIL_DATABASE_URL", ""),
			Retention:   getEnvDuration("VIGIL_HISTORY_RETENTION", 30*24*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("VIGIL_REDIS_ADDR", ""),
			Password: getEnv("VIGIL_REDIS_PASSWORD", ""),
			DB:       getEnvInt("VIGIL_REDIS_DB", 0),
		},
		Observability: ObservabilityConfig{
			LogLevel:       observability.ParseLogLevel(getEnv("VIGIL_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("VIGIL_METRICS_ENABLED", true),
		},
		APIKeys: parseAPIKeys(getEnv("VIGIL_API_KEYS", "")),
	}
}

// parseAPIKeys parses "key1:owner1,key2:owner2" into a map
func parseAPIKeys(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			keys[parts[0]] = parts[1]
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return keys
}

// getEnv returns a string environment variable or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
