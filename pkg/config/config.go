// Package config loads and validates the tierfs configuration.
package config

import (
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/tierfs/internal/bytesize"
	"github.com/marmos91/tierfs/pkg/tier"
)

// Config represents the tierfs configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (TIERFS_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Storage describes the tier devices and the allocator layout
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Migration tunes the background migration daemon
	Migration MigrationConfig `mapstructure:"migration" yaml:"migration"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig contains Prometheus metrics server configuration.
type MetricsConfig struct {
	// Enabled controls whether the metrics endpoint is served
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Address is the listen address of the metrics HTTP server
	Address string `mapstructure:"address" yaml:"address"`
}

// StorageConfig describes the tier devices and the allocator layout.
type StorageConfig struct {
	// Tiers lists the storage tiers, fastest first. The first tier must
	// be the pmem (or memory) tier.
	Tiers []TierConfig `mapstructure:"tiers" validate:"required,min=1,max=8,dive" yaml:"tiers"`

	// ShardsPerTier is the number of free-list shards per tier.
	// Zero means one shard per CPU.
	ShardsPerTier int `mapstructure:"shards_per_tier" validate:"gte=0" yaml:"shards_per_tier"`

	// WatermarkPercent is the usage percentage above which a tier drains
	// downward. Default: 80
	WatermarkPercent int `mapstructure:"watermark_percent" validate:"gte=1,lte=100" yaml:"watermark_percent"`

	// EntryLogPath is the directory holding the durable write-entry log
	EntryLogPath string `mapstructure:"entry_log_path" validate:"required" yaml:"entry_log_path"`
}

// TierConfig describes one storage tier.
type TierConfig struct {
	// Kind selects the device backend
	// Valid values: pmem, file, memory
	Kind string `mapstructure:"kind" validate:"required,oneof=pmem file memory" yaml:"kind"`

	// Path is the device node or backing file. Unused for memory tiers.
	Path string `mapstructure:"path" yaml:"path"`

	// Capacity is the tier size. Zero adopts the backing file's size.
	Capacity bytesize.ByteSize `mapstructure:"capacity" yaml:"capacity"`

	// OptimalUnit is the device's preferred transfer unit. Zero means no
	// preference; otherwise it must be a power-of-two multiple of the
	// block size. Typical for NVMe tiers: "64Ki".
	OptimalUnit bytesize.ByteSize `mapstructure:"optimal_unit" yaml:"optimal_unit"`
}

// MigrationConfig tunes the background migration daemon.
type MigrationConfig struct {
	// Interval between watermark checks. Default: 30s
	Interval time.Duration `mapstructure:"interval" validate:"gt=0" yaml:"interval"`

	// StagingSize is the bounce buffer for copies between block tiers.
	// Default: 1Mi
	StagingSize bytesize.ByteSize `mapstructure:"staging_size" yaml:"staging_size"`

	// MaxPassesPerTick bounds drain passes per daemon tick. Default: 4
	MaxPassesPerTick int `mapstructure:"max_passes_per_tick" validate:"gte=1" yaml:"max_passes_per_tick"`

	// Profiler selects the drain-candidate policy
	// Valid values: default, coldest
	Profiler string `mapstructure:"profiler" validate:"oneof=default coldest" yaml:"profiler"`
}

// CapacityBlocks returns the tier capacity in blocks.
func (t TierConfig) CapacityBlocks() uint64 {
	return t.Capacity.Uint64() / tier.BlockSize
}

// OptimalUnitBits returns log2 of the optimal unit in blocks, zero when the
// tier has no preferred unit.
func (t TierConfig) OptimalUnitBits() uint {
	blocks := t.OptimalUnit.Uint64() / tier.BlockSize
	if blocks < 2 {
		return 0
	}
	return uint(bits.TrailingZeros64(blocks))
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := GetDefaultConfig()
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveConfig saves the configuration to the given path in YAML.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Dump returns the configuration rendered as YAML.
func Dump(cfg *Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(data), nil
}

// setupViper configures environment variable support and the config file
// search path. Environment variables use the TIERFS_ prefix, for example
// TIERFS_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("TIERFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks combines the custom decode hooks: human-readable byte
// sizes ("16Gi") and durations ("30s").
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory, honoring
// XDG_CONFIG_HOME.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "tierfs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "tierfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
