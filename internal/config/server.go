// Package config provides configuration management for Arkivo.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// ServerConfig holds server-level configuration loaded from environment variables.
type ServerConfig struct {
	Environment Environment
	ListenAddr  string
	DatabaseURL string
	RedisURL    string // optional; enables shared rate limit counters

	OIDCIssuer   string
	OIDCAudience string

	CORSOrigins []string

	// Requests allowed per period, per client IP.
	RateLimitRequests int64
	RateLimitPeriod   string
	// Stricter limit applied to the unauthenticated activation endpoints.
	ActivationLimitRequests int64
	ActivationLimitPeriod   string

	TaskLease         time.Duration // how long a claimed task may run before reclaim
	TaskRetentionDays int           // terminal tasks older than this are purged
}

// LoadServerConfig reads server configuration from environment variables.
func LoadServerConfig() ServerConfig {
	env := Environment(os.Getenv("ENV"))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		env = EnvDevelopment
	}

	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":" + getEnv("PORT", "8080")
	}

	lease := getEnvDuration("TASK_LEASE", 15*time.Minute)
	if lease <= 0 {
		lease = 15 * time.Minute
	}

	retention := getEnvInt("TASK_RETENTION_DAYS", 30)
	if retention < 1 {
		retention = 30
	}

	var corsOrigins []string
	for _, origin := range strings.Split(os.Getenv("CORS_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			corsOrigins = append(corsOrigins, origin)
		}
	}

	return ServerConfig{
		Environment:             env,
		ListenAddr:              listenAddr,
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		OIDCIssuer:              os.Getenv("OIDC_ISSUER"),
		OIDCAudience:            os.Getenv("OIDC_AUDIENCE"),
		CORSOrigins:             corsOrigins,
		RateLimitRequests:       int64(getEnvInt("RATE_LIMIT_REQUESTS", 300)),
		RateLimitPeriod:         getEnv("RATE_LIMIT_PERIOD", "1m"),
		ActivationLimitRequests: int64(getEnvInt("ACTIVATION_LIMIT_REQUESTS", 30)),
		ActivationLimitPeriod:   getEnv("ACTIVATION_LIMIT_PERIOD", "1m"),
		TaskLease:               lease,
		TaskRetentionDays:       retention,
	}
}

// getEnv reads a string from an environment variable, returning the default if unset.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvDuration reads a duration from an environment variable, returning the default if unset or invalid.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
