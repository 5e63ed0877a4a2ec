package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Engine.Enabled)
	assert.Equal(t, 2, cfg.Engine.MinHealthyPeers)
	assert.Equal(t, 45*time.Second, cfg.Signaling.SignalTTL)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Agent.Address, cfg.Agent.Address)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  min_healthy_peers: 5
signaling:
  base_url: http://mailbox.internal:9000
  poll_interval: 2s
  poll_max: 30s
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Engine.MinHealthyPeers)
	assert.Equal(t, "http://mailbox.internal:9000", cfg.Signaling.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.Signaling.PollInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Engine.MaxRacers)
	assert.Equal(t, int64(64<<20), cfg.Cache.MaxBytes)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  max_racers: 0
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateCatchesBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative min healthy peers", func(c *Config) { c.Engine.MinHealthyPeers = -1 }},
		{"zero transfer timeout", func(c *Config) { c.Engine.TransferTimeout = 0 }},
		{"empty signaling url", func(c *Config) { c.Signaling.BaseURL = "" }},
		{"poll max below floor", func(c *Config) { c.Signaling.PollMax = c.Signaling.PollInterval / 2 }},
		{"decay out of range", func(c *Config) { c.Health.Decay = 101 }},
		{"threshold out of range", func(c *Config) { c.Health.Threshold = 100 }},
		{"zero cache budget", func(c *Config) { c.Cache.MaxBytes = 0 }},
		{"cdn max delay below initial", func(c *Config) { c.CDN.MaxDelay = c.CDN.InitialDelay / 2 }},
		{"redis enabled without address", func(c *Config) { c.Redis.Enabled = true; c.Redis.Address = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SWARMCAST_SIGNALING_URL", "http://other:8090")
	t.Setenv("SWARMCAST_LOG_LEVEL", "debug")
	t.Setenv("SWARMCAST_ENGINE_ENABLED", "false")
	t.Setenv("SWARMCAST_MIN_HEALTHY_PEERS", "4")

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "http://other:8090", cfg.Signaling.BaseURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Engine.Enabled)
	assert.Equal(t, 4, cfg.Engine.MinHealthyPeers)
}

func TestLoadMissingFileRejectsBadEnvOverride(t *testing.T) {
	t.Setenv("SWARMCAST_MIN_HEALTHY_PEERS", "-1")

	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err, "env overrides must pass validation like file values do")
}
