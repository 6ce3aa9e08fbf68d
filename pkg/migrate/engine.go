package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/tierfs/internal/logger"
	"github.com/marmos91/tierfs/pkg/balloc"
	"github.com/marmos91/tierfs/pkg/device"
	"github.com/marmos91/tierfs/pkg/extent"
	"github.com/marmos91/tierfs/pkg/store/entrylog"
	"github.com/marmos91/tierfs/pkg/tier"
)

// ============================================================================
// Engine
// ============================================================================

// Config tunes a migration engine.
type Config struct {
	// StagingPages sizes the bounce buffer used when neither device is
	// byte-addressable. Zero means DefaultStagingPages.
	StagingPages uint32

	// Metrics receives observations; nil disables instrumentation.
	Metrics Metrics

	// Profiler picks drain candidates; nil installs the default.
	Profiler Profiler
}

// Engine moves file data between tiers. One engine serves a mount; all
// methods are safe for concurrent use.
type Engine struct {
	alloc    *balloc.Allocator
	devices  device.Set
	log      entrylog.Log
	table    *extent.Table
	staging  *StagingBuffer
	ranges   *RangeLockMap
	metrics  Metrics
	profiler Profiler
}

// NewEngine wires a migration engine over the mount's allocator, devices,
// entry log and inode table.
func NewEngine(alloc *balloc.Allocator, devices device.Set, log entrylog.Log, table *extent.Table, cfg Config) *Engine {
	p := cfg.Profiler
	if p == nil {
		p = DefaultProfiler{}
	}
	return &Engine{
		alloc:    alloc,
		devices:  devices,
		log:      log,
		table:    table,
		staging:  NewStagingBuffer(cfg.StagingPages),
		ranges:   NewRangeLockMap(),
		metrics:  cfg.Metrics,
		profiler: p,
	}
}

// ============================================================================
// Entry migration
// ============================================================================

// MigrateEntry moves one write entry to the destination tier and returns
// the committed replacement entry.
//
// The pipeline: verify the entry and mark it against concurrent movers,
// allocate on the destination, copy behind the device drain barrier, commit
// the new mapping to the entry log and the index, then release the source
// blocks. A busy entry returns ErrEntryBusy and is left untouched; any
// failure before commit leaves the old mapping in place.
func (en *Engine) MigrateEntry(ctx context.Context, ino *extent.Inode, e *extent.WriteEntry, to tier.Tier) (*extent.WriteEntry, error) {
	if e.Tier == to {
		return nil, ErrSameTier
	}
	if !e.ChecksumOK() {
		return nil, fmt.Errorf("%w: inode %d pgoff %d", ErrCorruptEntry, ino.Ino, e.Pgoff)
	}
	if !e.TryMark() {
		if en.metrics != nil {
			en.metrics.IncBusySkip()
		}
		return nil, ErrEntryBusy
	}
	defer e.Unmark()

	num := uint64(e.NumPages)
	dstBlock, _, err := en.alloc.Allocate(int(to), balloc.AnyShard, num, balloc.FromHead)
	if err != nil {
		en.fail()
		return nil, fmt.Errorf("allocate %d blocks on %s: %w", num, to, err)
	}

	fresh, err := en.copyAndCommit(ctx, ino, e, to, dstBlock, num)
	if err != nil {
		en.fail()
		if ferr := en.alloc.Free(int(to), dstBlock, num); ferr != nil {
			logger.Error("leak: undo of destination allocation failed",
				"tier", to.String(), "blocknr", dstBlock, "blocks", num, "error", ferr)
		}
		return nil, err
	}
	return fresh, nil
}

// copyAndCommit runs the copy and commit steps for one marked entry whose
// destination blocks are already allocated.
func (en *Engine) copyAndCommit(ctx context.Context, ino *extent.Inode, e *extent.WriteEntry, to tier.Tier, dstBlock, num uint64) (*extent.WriteEntry, error) {
	start := time.Now()

	if !en.ranges.TryLock(e.Tier, e.Block, num) {
		return nil, ErrRangeContended
	}
	defer en.ranges.Unlock(e.Tier, e.Block, num)
	if !en.ranges.TryLock(to, dstBlock, num) {
		return nil, ErrRangeContended
	}
	defer en.ranges.Unlock(to, dstBlock, num)

	if err := en.copyBlocks(ctx, e.Tier, e.Block, to, dstBlock, num); err != nil {
		return nil, err
	}

	// Drain barrier: the new mapping must not become visible before its
	// data is stable on the destination.
	if err := en.devices[int(to)].Flush(ctx); err != nil {
		return nil, fmt.Errorf("drain %s: %w", to, err)
	}

	fresh := &extent.WriteEntry{
		Pgoff:    e.Pgoff,
		NumPages: e.NumPages,
		Block:    dstBlock,
		Tier:     to,
		TransID:  ino.BumpTransID(),
	}
	fresh.UpdateChecksum()

	rec := entrylog.RecordOf(ino.Ino, fresh)
	if err := en.log.Commit(ctx, ino.Ino, []entrylog.Record{rec}, nil); err != nil {
		return nil, fmt.Errorf("commit entry for inode %d: %w", ino.Ino, err)
	}
	ino.Entries().Reassign(e, fresh)

	if err := en.alloc.Free(int(e.Tier), e.Block, num); err != nil {
		logger.Error("leak: source blocks not freed after commit",
			"tier", e.Tier.String(), "blocknr", e.Block, "blocks", num, "error", err)
	}

	en.observe(e.Tier, to, num, time.Since(start))
	logger.Debug("migrated entry",
		"inode", ino.Ino, "pgoff", e.Pgoff, "pages", num,
		"from", e.Tier.String(), "to", to.String())
	return fresh, nil
}

// ============================================================================
// Group migration
// ============================================================================

// MigrateGroup moves several adjacent entries of one file into a single
// optimal unit of the destination tier and commits them as one merged
// entry. The group must be page-contiguous, tier-homogeneous, and fit one
// destination unit; the file driver establishes that with groupableWindow,
// which only hands over windows tiling a full unit.
//
// The destination unit is taken from the tail of the free space, keeping
// head allocations (fresh writes) and unit-sized migration landings from
// interleaving.
func (en *Engine) MigrateGroup(ctx context.Context, ino *extent.Inode, group []*extent.WriteEntry, to tier.Tier) (*extent.WriteEntry, error) {
	if len(group) < 2 {
		return nil, fmt.Errorf("group of %d entries: need at least 2", len(group))
	}
	optBits := en.alloc.OptimalUnitBits(int(to))
	if optBits == 0 {
		return nil, fmt.Errorf("tier %s has no optimal unit", to)
	}
	unit := uint64(1) << optBits

	var total uint64
	for i, e := range group {
		if e.Tier == to {
			return nil, ErrSameTier
		}
		if !e.ChecksumOK() {
			return nil, fmt.Errorf("%w: inode %d pgoff %d", ErrCorruptEntry, ino.Ino, e.Pgoff)
		}
		if i > 0 && group[i-1].End() != e.Pgoff {
			return nil, fmt.Errorf("group not contiguous at pgoff %d", e.Pgoff)
		}
		total += uint64(e.NumPages)
	}
	firstOff := group[0].Pgoff & (unit - 1)
	if firstOff+total > unit {
		return nil, fmt.Errorf("group of %d pages does not fit one unit", total)
	}

	marked := make([]*extent.WriteEntry, 0, len(group))
	for _, e := range group {
		if !e.TryMark() {
			for _, m := range marked {
				m.Unmark()
			}
			if en.metrics != nil {
				en.metrics.IncBusySkip()
			}
			return nil, ErrEntryBusy
		}
		marked = append(marked, e)
	}
	defer func() {
		for _, m := range marked {
			m.Unmark()
		}
	}()

	base, _, err := en.alloc.Allocate(int(to), balloc.AnyShard, unit, balloc.FromTail)
	if err != nil {
		en.fail()
		return nil, fmt.Errorf("allocate unit on %s: %w", to, err)
	}

	fresh, err := en.copyAndCommitGroup(ctx, ino, group, to, base, unit, firstOff, total)
	if err != nil {
		en.fail()
		if ferr := en.alloc.Free(int(to), base, unit); ferr != nil {
			logger.Error("leak: undo of unit allocation failed",
				"tier", to.String(), "blocknr", base, "blocks", unit, "error", ferr)
		}
		return nil, err
	}
	return fresh, nil
}

func (en *Engine) copyAndCommitGroup(ctx context.Context, ino *extent.Inode, group []*extent.WriteEntry, to tier.Tier, base, unit, firstOff, total uint64) (*extent.WriteEntry, error) {
	start := time.Now()
	from := group[0].Tier

	if !en.ranges.TryLock(to, base, unit) {
		return nil, ErrRangeContended
	}
	defer en.ranges.Unlock(to, base, unit)

	var locked []*extent.WriteEntry
	defer func() {
		for _, e := range locked {
			en.ranges.Unlock(e.Tier, e.Block, uint64(e.NumPages))
		}
	}()
	for _, e := range group {
		if !en.ranges.TryLock(e.Tier, e.Block, uint64(e.NumPages)) {
			return nil, ErrRangeContended
		}
		locked = append(locked, e)
	}

	// Each entry lands at its file-offset position inside the unit, so
	// the merged run stays page-to-block linear.
	for _, e := range group {
		dst := base + (e.Pgoff & (unit - 1))
		if err := en.copyBlocks(ctx, e.Tier, e.Block, to, dst, uint64(e.NumPages)); err != nil {
			return nil, err
		}
	}

	if err := en.devices[int(to)].Flush(ctx); err != nil {
		return nil, fmt.Errorf("drain %s: %w", to, err)
	}

	merged := &extent.WriteEntry{
		Pgoff:    group[0].Pgoff,
		NumPages: uint32(total),
		Block:    base + firstOff,
		Tier:     to,
		TransID:  ino.BumpTransID(),
	}
	merged.UpdateChecksum()

	drop := make([]uint64, 0, len(group)-1)
	for _, e := range group[1:] {
		drop = append(drop, e.Pgoff)
	}
	rec := entrylog.RecordOf(ino.Ino, merged)
	if err := en.log.Commit(ctx, ino.Ino, []entrylog.Record{rec}, drop); err != nil {
		return nil, fmt.Errorf("commit group for inode %d: %w", ino.Ino, err)
	}
	ino.Entries().Merge(group, merged)

	// Release the source runs and the unused edges of the unit.
	for _, e := range group {
		if err := en.alloc.Free(int(e.Tier), e.Block, uint64(e.NumPages)); err != nil {
			logger.Error("leak: source blocks not freed after commit",
				"tier", e.Tier.String(), "blocknr", e.Block, "blocks", e.NumPages, "error", err)
		}
	}
	if firstOff > 0 {
		if err := en.alloc.Free(int(to), base, firstOff); err != nil {
			logger.Error("leak: unit head not freed", "blocknr", base, "error", err)
		}
	}
	if rest := unit - firstOff - total; rest > 0 {
		if err := en.alloc.Free(int(to), base+firstOff+total, rest); err != nil {
			logger.Error("leak: unit tail not freed", "blocknr", base+firstOff+total, "error", err)
		}
	}

	if en.metrics != nil {
		en.metrics.IncGroup()
	}
	en.observe(from, to, total, time.Since(start))
	logger.Debug("migrated group",
		"inode", ino.Ino, "pgoff", merged.Pgoff, "entries", len(group), "pages", total,
		"from", from.String(), "to", to.String())
	return merged, nil
}

// ============================================================================
// Copy paths
// ============================================================================

// copyBlocks moves num blocks between tiers, picking the cheapest path the
// devices allow: straight into (or out of) byte-addressable memory, or
// chunked through the staging buffer when both ends are block devices.
func (en *Engine) copyBlocks(ctx context.Context, from tier.Tier, srcBlock uint64, to tier.Tier, dstBlock, num uint64) error {
	src := en.devices[int(from)]
	dst := en.devices[int(to)]
	srcOff := srcBlock - en.alloc.TierStart(int(from))
	dstOff := dstBlock - en.alloc.TierStart(int(to))

	if da, ok := dst.(device.DirectAccess); ok {
		buf, err := da.Slice(dstOff, num)
		if err != nil {
			return fmt.Errorf("map destination range: %w", err)
		}
		return src.ReadBlocks(ctx, srcOff, num, buf)
	}

	if da, ok := src.(device.DirectAccess); ok {
		buf, err := da.Slice(srcOff, num)
		if err != nil {
			return fmt.Errorf("map source range: %w", err)
		}
		return dst.WriteBlocks(ctx, dstOff, num, buf, false)
	}

	buf, release, err := en.staging.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	chunk := uint64(len(buf)) / tier.BlockSize
	for done := uint64(0); done < num; {
		n := min(chunk, num-done)
		if err := src.ReadBlocks(ctx, srcOff+done, n, buf); err != nil {
			return err
		}
		if err := dst.WriteBlocks(ctx, dstOff+done, n, buf, false); err != nil {
			return err
		}
		done += n
	}
	return nil
}

func (en *Engine) observe(from, to tier.Tier, pages uint64, elapsed time.Duration) {
	if en.metrics != nil {
		en.metrics.ObserveMigration(from, to, pages, elapsed)
	}
}

func (en *Engine) fail() {
	if en.metrics != nil {
		en.metrics.IncFailure()
	}
}
