package config

import (
	"fmt"
	"math/bits"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/tierfs/internal/bytesize"
	"github.com/marmos91/tierfs/pkg/tier"
)

// GetDefaultConfig returns a complete configuration with default values:
// one in-memory pmem tier and one file-backed block tier, suitable for
// trying tierfs out without real devices.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Storage: StorageConfig{
			Tiers: []TierConfig{
				{
					Kind:     "memory",
					Capacity: 256 * bytesize.MiB,
				},
				{
					Kind:        "file",
					Path:        "/var/lib/tierfs/bdev0.img",
					Capacity:    4 * bytesize.GiB,
					OptimalUnit: 64 * bytesize.KiB,
				},
			},
			EntryLogPath: "/var/lib/tierfs/entrylog",
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyStorageDefaults(&cfg.Storage)
	applyMigrationDefaults(&cfg.Migration)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Address == "" {
		cfg.Address = ":9090"
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.WatermarkPercent == 0 {
		cfg.WatermarkPercent = 80
	}
	if cfg.EntryLogPath == "" {
		cfg.EntryLogPath = "/var/lib/tierfs/entrylog"
	}
}

func applyMigrationDefaults(cfg *MigrationConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StagingSize == 0 {
		cfg.StagingSize = 1 * bytesize.MiB
	}
	if cfg.MaxPassesPerTick == 0 {
		cfg.MaxPassesPerTick = 4
	}
	if cfg.Profiler == "" {
		cfg.Profiler = "default"
	}
}

// Validate checks the configuration: struct tags first, then the
// cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}
	return validateStorage(&cfg.Storage)
}

func validateStorage(cfg *StorageConfig) error {
	for i, t := range cfg.Tiers {
		if i == 0 && t.Kind == "file" {
			return fmt.Errorf("tier 0 must be pmem or memory, got %q", t.Kind)
		}
		if t.Kind != "memory" && t.Path == "" {
			return fmt.Errorf("tier %d (%s): path is required", i, t.Kind)
		}
		if t.Kind == "memory" && t.Capacity == 0 {
			return fmt.Errorf("tier %d (memory): capacity is required", i)
		}
		if cap := t.Capacity.Uint64(); cap%tier.BlockSize != 0 {
			return fmt.Errorf("tier %d: capacity %s is not a multiple of the %d-byte block size",
				i, t.Capacity, tier.BlockSize)
		}
		if unit := t.OptimalUnit.Uint64(); unit != 0 {
			if unit%tier.BlockSize != 0 {
				return fmt.Errorf("tier %d: optimal unit %s is not a multiple of the block size",
					i, t.OptimalUnit)
			}
			if blocks := unit / tier.BlockSize; bits.OnesCount64(blocks) != 1 {
				return fmt.Errorf("tier %d: optimal unit %s is not a power of two of blocks",
					i, t.OptimalUnit)
			}
		}
	}
	return nil
}
