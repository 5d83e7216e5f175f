package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.NotNil(t, cfg)
	assert.True(t, cfg.Stream.Enabled)
	assert.Equal(t, 5, cfg.Stream.MaxConsecutiveFailures)
	assert.Equal(t, 0.1, cfg.Scaling.DynamicMin)
	assert.Equal(t, 2.0, cfg.Scaling.DynamicMax)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"valid config", func(*Config) {}, ""},
		{"missing database", func(c *Config) { c.Database.Path = "" }, "database.path is required"},
		{"bad duration", func(c *Config) { c.Poll.Interval = "soon" }, "poll.interval"},
		{"zero duration", func(c *Config) { c.Stream.HeartbeatTimeout = "0s" }, "stream.heartbeat_timeout must be positive"},
		{"max below base", func(c *Config) { c.Stream.BaseDelay = "2m" }, "stream.max_delay must not be less"},
		{"no failures allowed", func(c *Config) { c.Stream.MaxConsecutiveFailures = 0 }, "max_consecutive_failures"},
		{"no frame size", func(c *Config) { c.Stream.MaxFrameBytes = 0 }, "max_frame_bytes"},
		{"inverted bounds", func(c *Config) { c.Scaling.DynamicMin = 3 }, "dynamic_min must not exceed"},
		{"negative retries", func(c *Config) { c.OANDA.RetryCount = -1 }, "retry_count"},
		{"api without listen", func(c *Config) { c.API.Listen = "" }, "api.listen"},
		{"api disabled without listen", func(c *Config) { c.API.Enabled = false; c.API.Listen = "" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()

	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(tmpDir, name)
			cfg := Default()
			cfg.Stream.FallbackInterval = "5s"
			cfg.Scaling.DynamicMax = 1.5
			require.NoError(t, cfg.SaveToFile(path))

			loaded, err := LoadFromFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  path: /tmp/x.db\nstream:\n  enabled: false\n"), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", cfg.Database.Path)
	assert.False(t, cfg.Stream.Enabled)
	assert.Equal(t, "30s", cfg.Poll.Interval)
	assert.Equal(t, 5, cfg.Stream.MaxConsecutiveFailures)
}

func TestEnvOverridesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, Default().SaveToFile(path))
	t.Setenv(EnvDatabasePath, "/data/env.db")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/env.db", cfg.Database.Path)
}

func TestLoadInvalidFile(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/config.json")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not: [valid"), 0o600))
	_, err = LoadFromFile(path)
	assert.Error(t, err)
}

func TestDerivedSettings(t *testing.T) {
	cfg := Default()
	cfg.OANDA.PracticeURL = "http://127.0.0.1:9999"

	sm := cfg.StreamManager()
	assert.Equal(t, time.Second, sm.Client.BaseDelay)
	assert.Equal(t, time.Minute, sm.Client.MaxDelay)
	assert.Equal(t, 30*time.Second, sm.Client.HeartbeatTimeout)
	assert.Equal(t, 10*time.Second, sm.FallbackInterval)

	eng := cfg.Engine()
	assert.Equal(t, 30*time.Second, eng.PollInterval)
	assert.Equal(t, 15*time.Second, eng.RequestTimeout)

	opts := cfg.OANDAOptions()
	assert.Equal(t, "http://127.0.0.1:9999", opts.PracticeURL)
	assert.Equal(t, 15*time.Second, opts.RequestTimeout)

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "127.0.0.1:8080", cfg.APIServer().Listen)
}
