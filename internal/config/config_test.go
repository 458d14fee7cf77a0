package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.Tools.MaxConcurrent)
	assert.Equal(t, 256, cfg.Stream.BufferSize)
	assert.Equal(t, 30*time.Second, cfg.Tools.InvocationTimeout)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero daily limit", func(c *Config) { c.Quota.DailyLimit = 0 }},
		{"estimate above limit", func(c *Config) { c.Quota.DefaultEstimate = c.Quota.DailyLimit + 1 }},
		{"zero fan-out", func(c *Config) { c.Tools.MaxConcurrent = 0 }},
		{"zero tool timeout", func(c *Config) { c.Tools.InvocationTimeout = 0 }},
		{"negative retries", func(c *Config) { c.Tools.MaxRetries = -1 }},
		{"zero buffer", func(c *Config) { c.Stream.BufferSize = 0 }},
		{"zero tool steps", func(c *Config) { c.Turn.MaxToolSteps = 0 }},
		{"bad port", func(c *Config) { c.Gateway.Port = 70000 }},
		{"bad provider", func(c *Config) {
			c.Models.Profiles = []ModelProfile{{ID: "p", Provider: "bogus"}}
		}},
		{"empty profile id", func(c *Config) {
			c.Models.Profiles = []ModelProfile{{Provider: "anthropic"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoader_MissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(500_000), cfg.Quota.DailyLimit)
	assert.NotEmpty(t, cfg.Store.Path)
	assert.NotEmpty(t, cfg.Logging.File)
}

func TestLoader_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Quota.DailyLimit = 1234
	cfg.Tools.MaxConcurrent = 2
	require.NoError(t, loader.Save(cfg))

	_, err := os.Stat(path)
	require.NoError(t, err)

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1234), loaded.Quota.DailyLimit)
	assert.Equal(t, 2, loaded.Tools.MaxConcurrent)
}
