package config

import (
	"testing"
	"time"

	"github.com/vigilops/vigil/pkg/observability"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.Server.Port != "8080" {
		t.Errorf("Expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Webhooks.PollInterval != 100*time.Millisecond {
		t.Errorf("Expected default poll interval, got %s", cfg.Webhooks.PollInterval)
	}
	if cfg.Webhooks.RateLimit != 100 {
		t.Errorf("Expected default rate limit 100, got %d", cfg.Webhooks.RateLimit)
	}
	if cfg.History.MaxInMemory != 1000 {
		t.Errorf("Expected default history cap 1000, got %d", cfg.History.MaxInMemory)
	}
	if cfg.History.Retention != 30*24*time.Hour {
		t.Errorf("Expected default 30d retention, got %s", cfg.History.Retention)
	}
	if cfg.Redis.Addr != "" {
		t.Errorf("Expected redis to be disabled by default, got %s", cfg.Redis.Addr)
	}
	if cfg.Observability.LogLevel != observability.InfoLevel {
		t.Errorf("Expected info log level, got %s", cfg.Observability.LogLevel)
	}
	if !cfg.Observability.MetricsEnabled {
		t.Error("Expected metrics enabled by default")
	}
	if cfg.APIKeys != nil {
		t.Error("Expected auth disabled by default")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VIGIL_PORT", "9090")
	t.Setenv("VIGIL_WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("VIGIL_DELIVERY_RATE_LIMIT", "5")
	t.Setenv("VIGIL_DATABASE_URL", "postgres://localhost/vigil")
	t.Setenv("VIGIL_REDIS_ADDR", "localhost:6379")
	t.Setenv("VIGIL_LOG_LEVEL", "debug")
	t.Setenv("VIGIL_METRICS_ENABLED", "false")

	cfg := Load()

	if cfg.Server.Port != "9090" {
		t.Errorf("Expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Webhooks.PollInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms poll interval, got %s", cfg.Webhooks.PollInterval)
	}
	if cfg.Webhooks.RateLimit != 5 {
		t.Errorf("Expected rate limit 5, got %d", cfg.Webhooks.RateLimit)
	}
	if cfg.History.DatabaseURL != "postgres://localhost/vigil" {
		t.Errorf("Expected database url override, got %s", cfg.History.DatabaseURL)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Expected redis addr override, got %s", cfg.Redis.Addr)
	}
	if cfg.Observability.LogLevel != observability.DebugLevel {
		t.Errorf("Expected debug log level, got %s", cfg.Observability.LogLevel)
	}
	if cfg.Observability.MetricsEnabled {
		t.Error("Expected metrics disabled")
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("VIGIL_DELIVERY_RATE_LIMIT", "not-a-number")
	t.Setenv("VIGIL_WORKER_POLL_INTERVAL", "soon")

	cfg := Load()

	if cfg.Webhooks.RateLimit != 100 {
		t.Errorf("Expected fallback to default rate limit, got %d", cfg.Webhooks.RateLimit)
	}
	if cfg.Webhooks.PollInterval != 100*time.Millisecond {
		t.Errorf("Expected fallback to default poll interval, got %s", cfg.Webhooks.PollInterval)
	}
}

func TestParseAPIKeys(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]string
	}{
		{"empty", "", nil},
		{"single", "key1:user-1", map[string]string{"key1": "user-1"}},
		{"multiple", "key1:user-1,key2:user-2", map[string]string{"key1": "user-1", "key2": "user-2"}},
		{"whitespace", " key1:user-1 , key2:user-2", map[string]string{"key1": "user-1", "key2": "user-2"}},
		{"malformed pairs dropped", "key1,key2:user-2,:user-3", map[string]string{"key2": "user-2"}},
		{"all malformed", "key1,:,x:", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseAPIKeys(tt.raw)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d keys, got %d", len(tt.want), len(got))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("Expected %s -> %s, got %s", k, v, got[k])
				}
			}
		})
	}
}
