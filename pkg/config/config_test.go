package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/tierfs/internal/bytesize"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 80, cfg.Storage.WatermarkPercent)
	assert.Equal(t, 30*time.Second, cfg.Migration.Interval)
	assert.Equal(t, "default", cfg.Migration.Profiler)
	require.Len(t, cfg.Storage.Tiers, 2)
	assert.Equal(t, "memory", cfg.Storage.Tiers[0].Kind)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json
storage:
  entry_log_path: /tmp/tierfs/log
  watermark_percent: 75
  tiers:
    - kind: pmem
      path: /dev/dax0.0
      capacity: 16Gi
    - kind: file
      path: /data/bdev0.img
      capacity: 1Ti
      optimal_unit: 64Ki
migration:
  interval: 10s
  staging_size: 2Mi
  profiler: coldest
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level, "level normalized to uppercase")
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 75, cfg.Storage.WatermarkPercent)
	assert.Equal(t, 10*time.Second, cfg.Migration.Interval)
	assert.Equal(t, 2*bytesize.MiB, cfg.Migration.StagingSize)
	assert.Equal(t, "coldest", cfg.Migration.Profiler)

	require.Len(t, cfg.Storage.Tiers, 2)
	pmem := cfg.Storage.Tiers[0]
	assert.Equal(t, 16*bytesize.GiB, pmem.Capacity)
	assert.EqualValues(t, 16*bytesize.GiB/4096, pmem.CapacityBlocks())
	assert.EqualValues(t, 0, pmem.OptimalUnitBits())

	bdev := cfg.Storage.Tiers[1]
	assert.EqualValues(t, 4, bdev.OptimalUnitBits(), "64Ki unit is 16 blocks")

	// Defaults filled the gaps.
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, ":9090", cfg.Metrics.Address)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			"no tiers",
			`
storage:
  entry_log_path: /tmp/log
  tiers: []
`,
		},
		{
			"file tier first",
			`
storage:
  entry_log_path: /tmp/log
  tiers:
    - kind: file
      path: /data/bdev.img
      capacity: 1Gi
`,
		},
		{
			"pmem tier without path",
			`
storage:
  entry_log_path: /tmp/log
  tiers:
    - kind: pmem
      capacity: 1Gi
`,
		},
		{
			"optimal unit not a power of two",
			`
storage:
  entry_log_path: /tmp/log
  tiers:
    - kind: memory
      capacity: 1Gi
      optimal_unit: 12Ki
`,
		},
		{
			"capacity not block aligned",
			`
storage:
  entry_log_path: /tmp/log
  tiers:
    - kind: memory
      capacity: 1000
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "DEBUG"
	cfg.Storage.WatermarkPercent = 70

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", loaded.Logging.Level)
	assert.Equal(t, 70, loaded.Storage.WatermarkPercent)
	assert.Equal(t, cfg.Storage.Tiers[1].Capacity, loaded.Storage.Tiers[1].Capacity)
}

func TestDump(t *testing.T) {
	out, err := Dump(GetDefaultConfig())
	require.NoError(t, err)
	assert.Contains(t, out, "watermark_percent: 80")
	assert.Contains(t, out, "kind: memory")
}
