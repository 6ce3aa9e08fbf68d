// Package tiering assembles a mount: it opens the tier devices, rebuilds
// the allocator and inode table from the write-entry log, and runs the
// migration engine and its background daemon over them.
package tiering

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/tierfs/internal/logger"
	"github.com/marmos91/tierfs/pkg/balloc"
	"github.com/marmos91/tierfs/pkg/config"
	"github.com/marmos91/tierfs/pkg/device"
	"github.com/marmos91/tierfs/pkg/extent"
	"github.com/marmos91/tierfs/pkg/metrics"
	"github.com/marmos91/tierfs/pkg/migrate"
	"github.com/marmos91/tierfs/pkg/store/entrylog"
	"github.com/marmos91/tierfs/pkg/tier"
)

// Service is one mounted tierfs instance.
type Service struct {
	// MountID identifies this mount session in logs and stats.
	MountID uuid.UUID

	cfg     *config.Config
	devices device.Set
	alloc   *balloc.Allocator
	log     entrylog.Log
	table   *extent.Table
	engine  *migrate.Engine
	daemon  *migrate.Daemon
}

// Mount opens the configured devices, rebuilds state from the entry log
// and starts the migration daemon. The returned service owns the devices
// and the log; Close releases both.
func Mount(ctx context.Context, cfg *config.Config) (*Service, error) {
	mountID := uuid.New()
	log := logger.With("mount_id", mountID.String())
	log.Info("mounting tierfs", "tiers", len(cfg.Storage.Tiers))

	devices, err := openDevices(cfg.Storage.Tiers)
	if err != nil {
		return nil, err
	}

	alloc, err := balloc.New(
		devices.Geometries(),
		shardCount(cfg.Storage.ShardsPerTier),
		cfg.Storage.WatermarkPercent,
		metrics.NewAllocatorMetrics(),
	)
	if err != nil {
		devices.Close()
		return nil, fmt.Errorf("build allocator: %w", err)
	}

	elog, err := entrylog.OpenBadger(cfg.Storage.EntryLogPath)
	if err != nil {
		devices.Close()
		return nil, err
	}

	table := extent.NewTable()
	if err := recoverState(ctx, alloc, elog, table); err != nil {
		elog.Close()
		devices.Close()
		return nil, fmt.Errorf("recover mount state: %w", err)
	}

	engine := migrate.NewEngine(alloc, devices, elog, table, migrate.Config{
		StagingPages: uint32(cfg.Migration.StagingSize.Uint64() / tier.BlockSize),
		Metrics:      metrics.NewMigrationMetrics(),
		Profiler:     profilerFor(cfg.Migration.Profiler),
	})

	daemon := migrate.NewDaemon(engine, migrate.DaemonConfig{
		Interval:         cfg.Migration.Interval,
		MaxPassesPerTick: cfg.Migration.MaxPassesPerTick,
	})
	daemon.Start(ctx)

	log.Info("mounted", "inodes", table.Len())
	return &Service{
		MountID: mountID,
		cfg:     cfg,
		devices: devices,
		alloc:   alloc,
		log:     elog,
		table:   table,
		engine:  engine,
		daemon:  daemon,
	}, nil
}

func openDevices(tiers []config.TierConfig) (device.Set, error) {
	devices := make(device.Set, 0, len(tiers))
	for i, tc := range tiers {
		var (
			d   device.BlockDevice
			err error
		)
		switch tc.Kind {
		case "pmem":
			d, err = device.OpenPmemDevice(tc.Path, tc.CapacityBlocks())
		case "file":
			d, err = device.OpenFileDevice(tc.Path, tc.CapacityBlocks(), tc.OptimalUnitBits())
		case "memory":
			d = device.NewMemoryDevice(tc.CapacityBlocks(), tc.OptimalUnitBits())
		default:
			err = fmt.Errorf("unknown tier kind %q", tc.Kind)
		}
		if err != nil {
			devices.Close()
			return nil, fmt.Errorf("open tier %d: %w", i, err)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func shardCount(configured int) int {
	if configured > 0 {
		return configured
	}
	return runtime.NumCPU()
}

func profilerFor(name string) migrate.Profiler {
	if name == "coldest" {
		return migrate.ColdestProfiler{}
	}
	return migrate.DefaultProfiler{}
}

// recoverState replays the write-entry log: every record carves its blocks
// out of the allocator's free space and lands in its inode's entry index.
func recoverState(ctx context.Context, alloc *balloc.Allocator, elog entrylog.Log, table *extent.Table) error {
	start := time.Now()
	var records uint64

	err := alloc.Recover(func(yield func(balloc.Extent) error) error {
		return elog.Scan(ctx, func(r entrylog.Record) error {
			if err := yield(balloc.Extent{
				Tier:   int(r.Tier),
				Block:  r.Block,
				Blocks: uint64(r.NumPages),
			}); err != nil {
				return err
			}

			ino := table.GetOrCreate(r.Ino, r.Tier)
			ino.Entries().Insert(r.Entry())
			ino.AddBlocks(int64(r.NumPages))
			records++
			return nil
		})
	})
	if err != nil {
		return err
	}

	table.Range(func(ino *extent.Inode) bool {
		ino.RecomputeTierState()
		return true
	})

	logger.Info("recovered mount state",
		"records", records, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// Engine returns the mount's migration engine.
func (s *Service) Engine() *migrate.Engine {
	return s.engine
}

// Allocator returns the mount's block allocator.
func (s *Service) Allocator() *balloc.Allocator {
	return s.alloc
}

// Inodes returns the mount's inode table.
func (s *Service) Inodes() *extent.Table {
	return s.table
}

// Stats reports per-tier usage.
func (s *Service) Stats() []balloc.TierStats {
	return s.alloc.Stats()
}

// Close stops the daemon, flushes every device and releases the mount.
func (s *Service) Close(timeout time.Duration) error {
	logger.Info("unmounting tierfs", "mount_id", s.MountID.String())
	s.daemon.Stop(timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var first error
	for _, d := range s.devices {
		if err := d.Flush(ctx); err != nil && first == nil {
			first = err
		}
	}
	if err := s.log.Close(); err != nil && first == nil {
		first = err
	}
	if err := s.devices.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
