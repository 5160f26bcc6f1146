package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHash = "$2a$10$abcdefghijklmnopqrstuuJ6lqB1zJ7N3r0u8Zxv9wq7eJvZkR1pW"

func validConfig() Config {
	return Config{
		Port:            "8080",
		Env:             "development",
		MaxDelta:        DefaultMaxDelta,
		MaxReasonLength: DefaultMaxReasonLength,
		RateLimitRPS:    DefaultRateLimit,
		StoreTimeout:    DefaultStoreTimeout,
	}
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "MAX_DELTA",
		"MAX_REASON_LENGTH", "PARENT_PASSWORD_HASH", "VIEWER_PASSWORD_HASH", "ALLOWED_ORIGINS",
		"STORE_TIMEOUT", "RECONCILE_INTERVAL", "RATE_LIMIT_RPS", "AUTO_MIGRATE"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, int64(DefaultMaxDelta), cfg.MaxDelta)
	assert.Equal(t, DefaultMaxReasonLength, cfg.MaxReasonLength)
	assert.Equal(t, DefaultStoreTimeout, cfg.StoreTimeout)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.Empty(t, cfg.DatabaseURL)
	assert.False(t, cfg.AutoMigrate)
	assert.Nil(t, cfg.AllowedOrigins)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_DELTA", "50")
	t.Setenv("STORE_TIMEOUT", "2s")
	t.Setenv("RECONCILE_INTERVAL", "1m")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test,")
	t.Setenv("PARENT_PASSWORD_HASH", testHash)
	t.Setenv("AUTO_MIGRATE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.AutoMigrate)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(50), cfg.MaxDelta)
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
	assert.Equal(t, time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
	assert.Equal(t, testHash, cfg.ParentPasswordHash)
}

func TestLoad_BadNumbersFallBack(t *testing.T) {
	t.Setenv("MAX_DELTA", "lots")
	t.Setenv("STORE_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultMaxDelta), cfg.MaxDelta)
	assert.Equal(t, DefaultStoreTimeout, cfg.StoreTimeout)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty port", func(c *Config) { c.Port = "" }, "PORT is required"},
		{"non numeric port", func(c *Config) { c.Port = "http" }, "PORT must be numeric"},
		{"zero max delta", func(c *Config) { c.MaxDelta = 0 }, "MAX_DELTA"},
		{"zero reason length", func(c *Config) { c.MaxReasonLength = 0 }, "MAX_REASON_LENGTH"},
		{"negative rps", func(c *Config) { c.RateLimitRPS = -1 }, "RATE_LIMIT_RPS"},
		{"zero store timeout", func(c *Config) { c.StoreTimeout = 0 }, "STORE_TIMEOUT"},
		{"production without parent hash", func(c *Config) { c.Env = "production" }, "PARENT_PASSWORD_HASH is required"},
		{"production with parent hash", func(c *Config) {
			c.Env = "production"
			c.ParentPasswordHash = testHash
		}, ""},
		{"plaintext viewer password", func(c *Config) { c.ViewerPasswordHash = "hunter2" }, "VIEWER_PASSWORD_HASH must be a bcrypt hash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := Config{Env: "production"}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
