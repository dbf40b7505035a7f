package config

import (
	"testing"
	"time"
)

func TestLoadServerConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"ENV", "PORT", "LISTEN_ADDR", "DATABASE_URL", "REDIS_URL",
		"CORS_ORIGINS", "RATE_LIMIT_REQUESTS", "RATE_LIMIT_PERIOD",
		"ACTIVATION_LIMIT_REQUESTS", "ACTIVATION_LIMIT_PERIOD",
		"TASK_LEASE", "TASK_RETENTION_DAYS",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadServerConfig()

	if cfg.Environment != EnvDevelopment {
		t.Errorf("environment = %s, want development", cfg.Environment)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %s, want :8080", cfg.ListenAddr)
	}
	if cfg.RateLimitRequests != 300 || cfg.RateLimitPeriod != "1m" {
		t.Errorf("rate limit = %d/%s", cfg.RateLimitRequests, cfg.RateLimitPeriod)
	}
	if cfg.ActivationLimitRequests != 30 {
		t.Errorf("activation limit = %d, want 30", cfg.ActivationLimitRequests)
	}
	if cfg.TaskLease != 15*time.Minute {
		t.Errorf("task lease = %s, want 15m", cfg.TaskLease)
	}
	if cfg.TaskRetentionDays != 30 {
		t.Errorf("retention = %d, want 30", cfg.TaskRetentionDays)
	}
	if len(cfg.CORSOrigins) != 0 {
		t.Errorf("cors origins = %v, want none", cfg.CORSOrigins)
	}
}

func TestLoadServerConfig_Overrides(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("LISTEN_ADDR", "0.0.0.0:9000")
	t.Setenv("CORS_ORIGINS", "https://app.example.com, https://admin.example.com ,")
	t.Setenv("TASK_LEASE", "5m")
	t.Setenv("TASK_RETENTION_DAYS", "7")

	cfg := LoadServerConfig()

	if cfg.Environment != EnvProduction {
		t.Errorf("environment = %s, want production", cfg.Environment)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("listen_addr = %s", cfg.ListenAddr)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != "https://app.example.com" {
		t.Errorf("cors origins = %v", cfg.CORSOrigins)
	}
	if cfg.TaskLease != 5*time.Minute {
		t.Errorf("task lease = %s, want 5m", cfg.TaskLease)
	}
	if cfg.TaskRetentionDays != 7 {
		t.Errorf("retention = %d, want 7", cfg.TaskRetentionDays)
	}
}

func TestLoadServerConfig_InvalidValues(t *testing.T) {
	t.Setenv("ENV", "qa")
	t.Setenv("TASK_LEASE", "-1m")
	t.Setenv("TASK_RETENTION_DAYS", "0")
	t.Setenv("RATE_LIMIT_REQUESTS", "lots")

	cfg := LoadServerConfig()

	if cfg.Environment != EnvDevelopment {
		t.Errorf("unknown ENV should fall back to development, got %s", cfg.Environment)
	}
	if cfg.TaskLease != 15*time.Minute {
		t.Errorf("negative lease should fall back, got %s", cfg.TaskLease)
	}
	if cfg.TaskRetentionDays != 30 {
		t.Errorf("zero retention should fall back, got %d", cfg.TaskRetentionDays)
	}
	if cfg.RateLimitRequests != 300 {
		t.Errorf("unparseable limit should fall back, got %d", cfg.RateLimitRequests)
	}
}
