package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/tierfs/internal/logger"
	"github.com/marmos91/tierfs/pkg/extent"
	"github.com/marmos91/tierfs/pkg/tier"
)

// ============================================================================
// Candidate selection
// ============================================================================

// Profiler picks which file drains from an overloaded tier. The returned
// inode carries a claimed migration lock; the engine releases it when the
// move finishes. Returning nil means the tier has no candidate.
type Profiler interface {
	Pick(table *extent.Table, from tier.Tier) *extent.Inode
}

// DefaultProfiler pops the table's next migratable inode on the tier,
// rotating through the table so repeated drains spread across files.
type DefaultProfiler struct{}

func (DefaultProfiler) Pick(table *extent.Table, from tier.Tier) *extent.Inode {
	return table.PopInode(from)
}

// ColdestProfiler scans the tier's inodes and picks the one with the
// fewest recorded accesses, trading a table walk for better candidates.
type ColdestProfiler struct{}

func (ColdestProfiler) Pick(table *extent.Table, from tier.Tier) *extent.Inode {
	var (
		coldest *extent.Inode
		minHeat uint64
	)
	table.Range(func(in *extent.Inode) bool {
		if in.CurrentTier() != from || in.Entries().Len() == 0 {
			return true
		}
		heat := in.Heat()
		if coldest == nil || heat < minHeat {
			coldest, minHeat = in, heat
		}
		return true
	})
	if coldest == nil || !coldest.TryLockMigration() {
		return nil
	}
	return coldest
}

// ============================================================================
// Tier policy drivers
// ============================================================================

// Rotate moves a tier-homogeneous file one tier onward in the rotation
// ring: pmem to the first block tier, each block tier to the next, the
// last back to pmem. Files spanning tiers are refused with ErrMixedTiers.
func (en *Engine) Rotate(ctx context.Context, ino *extent.Inode) error {
	if ino.MixedTierOffset() != 0 {
		return fmt.Errorf("%w: inode %d mixed at pgoff %d", ErrMixedTiers, ino.Ino, ino.MixedTierOffset())
	}

	from := ino.CurrentTier()
	to, ok := from.Next(len(en.devices))
	if !ok {
		to = tier.Pmem
	}
	if to == from {
		return nil
	}

	logger.Info("rotating file", "inode", ino.Ino, "from", from.String(), "to", to.String())
	if to.IsPmem() {
		return en.MigrateFileByEntries(ctx, ino, from, to)
	}
	return en.MigrateFile(ctx, ino, from, to)
}

// MigrateDownward drains every tier above its usage watermark by one file,
// moving it to the next tier down. One file per tier per call keeps the
// background pass bounded; the caller repeats while pressure remains.
//
// Returns the number of files moved.
func (en *Engine) MigrateDownward(ctx context.Context) (int, error) {
	moved := 0

	for t := 0; t < len(en.devices)-1; t++ {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		if !en.alloc.UsageHigh(t) {
			continue
		}

		from := tier.Tier(t)
		ino := en.profiler.Pick(en.table, from)
		if ino == nil {
			logger.Debug("tier over watermark but no candidate", "tier", from.String())
			continue
		}

		to := tier.Tier(t + 1)
		err := en.migrateFileLocked(ctx, ino, from, to)
		ino.UnlockMigration()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return moved, err
			}
			logger.Warn("downward migration failed",
				"inode", ino.Ino, "from", from.String(), "to", to.String(), "error", err)
			continue
		}

		moved++
		logger.Info("drained file downward",
			"inode", ino.Ino, "from", from.String(), "to", to.String())
	}
	return moved, nil
}
