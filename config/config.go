// Package config reads the process-level configuration recognized by
// the engine from the environment, per spec.md's configuration table.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the environment-derived process configuration.
type Config struct {
	// DatabaseURL is the persistence endpoint (sqlite DSN or connection string).
	DatabaseURL string

	// Environment is NODE_ENV/APP_ENV; "production" disables verbose logs
	// and SSE test messages.
	Environment string

	// LogLevel controls log verbosity ("debug", "info", "warn", "error").
	LogLevel string

	// TerminologyDefaultBase overrides the built-in default terminology
	// endpoint used by the router when no configured server is usable.
	TerminologyDefaultBase string

	// RedisAddr, when set, enables the terminology cache's shared Redis
	// tier at this address (host:port). Empty disables it.
	RedisAddr string

	// ValidateCodeTimeout bounds a single $validate-code call.
	ValidateCodeTimeout time.Duration

	// HealthCheckTimeout bounds a single terminology server health check.
	HealthCheckTimeout time.Duration
}

const (
	defaultValidateCodeTimeout = 10 * time.Second
	defaultHealthCheckTimeout  = 5 * time.Second
	defaultTerminologyBase     = "https://tx.fhir.org"
)

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() Config {
	cfg := Config{
		DatabaseURL:             getenv("DATABASE_URL", ""),
		Environment:             firstNonEmpty(os.Getenv("NODE_ENV"), os.Getenv("APP_ENV")),
		LogLevel:                getenv("LOG_LEVEL", "info"),
		TerminologyDefaultBase:  getenv("TERMINOLOGY_DEFAULT_BASE", defaultTerminologyBase),
		RedisAddr:               getenv("REDIS_ADDR", ""),
		ValidateCodeTimeout:     getDurationEnv("VALIDATE_CODE_TIMEOUT", defaultValidateCodeTimeout),
		HealthCheckTimeout:      getDurationEnv("HEALTH_CHECK_TIMEOUT", defaultHealthCheckTimeout),
	}
	return cfg
}

// IsProduction reports whether verbose/debug-only behavior should be
// suppressed.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
