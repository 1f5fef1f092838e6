package node

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg, err := LoadConfig(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pbftd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host_addr: validator:5050
log_level: debug
log_format: json
devnet:
  nodes: 7
  block_interval: 250ms
`), 0o600))
	t.Setenv("PBFTD_METRICS_ENABLED", "false")
	t.Setenv("PBFTD_DEVNET_NODES", "5")

	cfg, err := LoadConfig(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, "validator:5050", cfg.HostAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.False(t, cfg.MetricsEnabled)
	assert.Equal(t, 5, cfg.Devnet.Nodes, "env wins over the file")
	assert.Equal(t, 250*time.Millisecond, cfg.Devnet.BlockInterval)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(NewViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"host", func(c *Config) { c.HostAddr = "" }, ErrEmptyHostAddr},
		{"timeout", func(c *Config) { c.CallTimeout = 0 }, ErrInvalidCallTimeout},
		{"metrics addr", func(c *Config) { c.MetricsAddr = "" }, ErrEmptyMetricsAddr},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, ErrInvalidLogLevel},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, ErrInvalidLogFormat},
		{"nodes", func(c *Config) { c.Devnet.Nodes = 3 }, ErrInsufficientValidators},
		{"block interval", func(c *Config) { c.Devnet.BlockInterval = 0 }, ErrInvalidBlockInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsConfigError(err))
		})
	}

	cfg := DefaultConfig()
	cfg.MetricsEnabled = false
	cfg.MetricsAddr = ""
	assert.NoError(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := NewLogger("warn", format)
		require.NoError(t, err)
		assert.False(t, logger.Core().Enabled(-1), "debug disabled at warn")
	}

	_, err := NewLogger("loud", "json")
	assert.Error(t, err)
}
