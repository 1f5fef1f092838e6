// Package node wires the PBFT engine into a daemon: configuration, logging, metrics and the
// host bridge.
package node

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. PBFTD_HOST_ADDR.
const EnvPrefix = "PBFTD"

// Config keys, shared by viper, env and flags.
const (
	KeyHostAddr            = "host_addr"
	KeyCallTimeout         = "call_timeout"
	KeyMetricsEnabled      = "metrics_enabled"
	KeyMetricsAddr         = "metrics_addr"
	KeyMetricsNamespace    = "metrics_namespace"
	KeyLogLevel            = "log_level"
	KeyLogFormat           = "log_format"
	KeyDevnetNodes         = "devnet.nodes"
	KeyDevnetBlockInterval = "devnet.block_interval"
	KeyDevnetDataDir       = "devnet.data_dir"
)

// Config holds configuration for a pbftd process.
type Config struct {
	// 호스트 밸리데이터 주소
	HostAddr    string        `mapstructure:"host_addr"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`

	// Prometheus metrics
	MetricsEnabled   bool   `mapstructure:"metrics_enabled"`
	MetricsAddr      string `mapstructure:"metrics_addr"`
	MetricsNamespace string `mapstructure:"metrics_namespace"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Devnet DevnetConfig `mapstructure:"devnet"`
}

// DevnetConfig sizes the in-process network run by `pbftd devnet`.
type DevnetConfig struct {
	Nodes         int           `mapstructure:"nodes"`
	BlockInterval time.Duration `mapstructure:"block_interval"`
	// DataDir keeps each validator's chain under DataDir/node-<i>. Empty keeps chains in memory.
	DataDir string `mapstructure:"data_dir"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		HostAddr:         "localhost:5050",
		CallTimeout:      5 * time.Second,
		MetricsEnabled:   true,
		MetricsAddr:      "0.0.0.0:26660",
		MetricsNamespace: "pbft",
		LogLevel:         "info",
		LogFormat:        "console",
		Devnet: DevnetConfig{
			Nodes:         4,
			BlockInterval: time.Second,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HostAddr == "" {
		return ErrEmptyHostAddr
	}
	if c.CallTimeout <= 0 {
		return ErrInvalidCallTimeout
	}
	if c.MetricsEnabled && c.MetricsAddr == "" {
		return ErrEmptyMetricsAddr
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.LogFormat)
	}
	if c.Devnet.Nodes < 4 {
		return ErrInsufficientValidators
	}
	if c.Devnet.BlockInterval <= 0 {
		return ErrInvalidBlockInterval
	}
	return nil
}

// NewViper returns a viper instance preloaded with defaults and env overrides.
func NewViper() *viper.Viper {
	d := DefaultConfig()
	v := viper.New()
	v.SetDefault(KeyHostAddr, d.HostAddr)
	v.SetDefault(KeyCallTimeout, d.CallTimeout)
	v.SetDefault(KeyMetricsEnabled, d.MetricsEnabled)
	v.SetDefault(KeyMetricsAddr, d.MetricsAddr)
	v.SetDefault(KeyMetricsNamespace, d.MetricsNamespace)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogFormat, d.LogFormat)
	v.SetDefault(KeyDevnetNodes, d.Devnet.Nodes)
	v.SetDefault(KeyDevnetBlockInterval, d.Devnet.BlockInterval)
	v.SetDefault(KeyDevnetDataDir, d.Devnet.DataDir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads the optional config file into v and decodes the result.
// An empty path skips the file.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// IsConfigError reports whether err came from Validate.
func IsConfigError(err error) bool {
	var ce configError
	return errors.As(err, &ce)
}

// Custom errors
type configError string

func (e configError) Error() string {
	return string(e)
}

const (
	ErrEmptyHostAddr          = configError("host address is required")
	ErrInvalidCallTimeout     = configError("call timeout must be positive")
	ErrEmptyMetricsAddr       = configError("metrics address is required when metrics are enabled")
	ErrInvalidLogLevel        = configError("invalid log level")
	ErrInvalidLogFormat       = configError("log format must be json or console")
	ErrInsufficientValidators = configError("at least 4 validators are required for BFT")
	ErrInvalidBlockInterval   = configError("devnet block interval must be positive")
)
