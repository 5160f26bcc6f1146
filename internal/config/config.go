// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL  string // PostgreSQL connection string (optional, uses in-memory if not set)
	StoreTimeout time.Duration
	AutoMigrate  bool // apply embedded migrations on startup

	// Ledger limits
	MaxDelta        int64
	MaxReasonLength int

	// Access
	ParentPasswordHash string // bcrypt hash; empty means open gate
	ViewerPasswordHash string
	AllowedOrigins     []string
	RateLimitRPS       int

	// Background work
	ReconcileInterval time.Duration

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultMaxDelta          = 1000
	DefaultMaxReasonLength   = 200
	DefaultRateLimit         = 100
	DefaultStoreTimeout      = 5 * time.Second
	DefaultReconcileInterval = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		StoreTimeout:       getEnvDuration("STORE_TIMEOUT", DefaultStoreTimeout),
		AutoMigrate:        getEnvBool("AUTO_MIGRATE", false),
		MaxDelta:           getEnvInt64("MAX_DELTA", DefaultMaxDelta),
		MaxReasonLength:    int(getEnvInt64("MAX_REASON_LENGTH", DefaultMaxReasonLength)),
		ParentPasswordHash: os.Getenv("PARENT_PASSWORD_HASH"),
		ViewerPasswordHash: os.Getenv("VIEWER_PASSWORD_HASH"),
		AllowedOrigins:     splitList(os.Getenv("ALLOWED_ORIGINS")),
		RateLimitRPS:       int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if c.MaxDelta < 1 {
		return fmt.Errorf("MAX_DELTA must be at least 1")
	}
	if c.MaxReasonLength < 1 {
		return fmt.Errorf("MAX_REASON_LENGTH must be at least 1")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.IsProduction() && c.ParentPasswordHash == "" {
		return fmt.Errorf("PARENT_PASSWORD_HASH is required in production")
	}
	for name, hash := range map[string]string{
		"PARENT_PASSWORD_HASH": c.ParentPasswordHash,
		"VIEWER_PASSWORD_HASH": c.ViewerPasswordHash,
	} {
		if hash != "" && !strings.HasPrefix(hash, "$2") {
			return fmt.Errorf("%s must be a bcrypt hash", name)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
