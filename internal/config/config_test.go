package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.State.Backend)
	assert.Equal(t, DefaultAdminToken, cfg.Admin.Token)
	assert.Equal(t, 10, cfg.Code.MinLength)
	assert.Equal(t, 50, cfg.Code.MaxLength)
	assert.Equal(t, 5, cfg.Throttle.MaxFailures)
	assert.Equal(t, time.Hour, cfg.Throttle.Window)
	assert.Equal(t, 15*time.Minute, cfg.Throttle.Lockout)
	assert.Equal(t, 3, cfg.Rotator.FailureThreshold)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9100
database:
  driver: memory
throttle:
  lockout: 30m
rotator:
  keys:
    - key-one
    - key-two
`), 0o600))

	t.Setenv("SERVER_PORT", "9200")
	t.Setenv("GEMINI_API_KEY_1", "key-two")
	t.Setenv("GEMINI_API_KEY_3", "key-three, key-four ,")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Throttle.Lockout)
	assert.Equal(t, []string{"key-one", "key-two", "key-three", "key-four"}, cfg.Rotator.Keys)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "sqlite" }},
		{"unknown state backend", func(c *Config) { c.State.Backend = "etcd" }},
		{"bad pattern", func(c *Config) { c.Code.Pattern = "([" }},
		{"inverted length bounds", func(c *Config) { c.Code.MinLength = 60 }},
		{"max length above column width", func(c *Config) { c.Code.MaxLength = 65 }},
		{"bad trusted proxy", func(c *Config) { c.Server.TrustedProxies = []string{"not-an-ip"} }},
		{"unknown generator", func(c *Config) { c.Code.Generator = "words" }},
		{"default above max usage", func(c *Config) { c.Code.DefaultUsageLimit = 5000 }},
		{"bad timezone", func(c *Config) { c.Code.Timezone = "Mars/Olympus" }},
		{"zero lockout", func(c *Config) { c.Throttle.Lockout = 0 }},
		{"zero daily limit", func(c *Config) { c.Rotator.DailyLimit = 0 }},
		{"zero upstream attempts", func(c *Config) { c.Upstream.MaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_TrustedProxies(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Server.TrustedProxies)

	cfg.Server.TrustedProxies = []string{"10.0.0.0/8", "192.0.2.10", "::1"}
	assert.NoError(t, cfg.Validate())
}

func TestWarnings(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Rotator.Keys = nil
	assert.Len(t, cfg.Warnings(), 2)

	cfg.Admin.Token = "a-real-secret"
	cfg.Rotator.Keys = []string{"k"}
	assert.Empty(t, cfg.Warnings())
}
