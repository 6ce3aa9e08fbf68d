package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/tierfs/internal/logger"
	"github.com/marmos91/tierfs/pkg/extent"
	"github.com/marmos91/tierfs/pkg/store/entrylog"
	"github.com/marmos91/tierfs/pkg/tier"
)

// ============================================================================
// File-level drivers
// ============================================================================

// MigrateFile moves the file's entries living on the source tier to the
// destination tier. Entries tiling a whole destination optimal unit travel
// as a group; the rest move one at a time, split at unit boundaries first.
// Entries on any other tier, and busy entries, are left where they are.
//
// The file's migration lock is claimed for the duration; a file already
// being migrated returns ErrEntryBusy.
func (en *Engine) MigrateFile(ctx context.Context, ino *extent.Inode, from, to tier.Tier) error {
	if !ino.TryLockMigration() {
		return ErrEntryBusy
	}
	defer ino.UnlockMigration()
	return en.migrateFileLocked(ctx, ino, from, to)
}

// migrateFileLocked is MigrateFile for callers already holding the inode's
// migration lock (the drain path pops inodes pre-locked).
func (en *Engine) migrateFileLocked(ctx context.Context, ino *extent.Inode, from, to tier.Tier) error {
	optBits := en.alloc.OptimalUnitBits(int(to))

	entries := ino.Entries().Entries()
	if len(entries) == 0 {
		return nil
	}

	for i := 0; i < len(entries); {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entries[i].Tier != from {
			i++
			continue
		}

		group := groupableWindow(entries[i:], from, optBits)
		if len(group) > 1 {
			_, err := en.MigrateGroup(ctx, ino, group, to)
			switch {
			case err == nil, errors.Is(err, ErrEntryBusy), errors.Is(err, ErrRangeContended):
				i += len(group)
				continue
			default:
				return err
			}
		}

		if err := en.migrateOneWithSplit(ctx, ino, entries[i], to, optBits); err != nil {
			return err
		}
		i++
	}

	ino.RecomputeTierState()
	return en.compact(ctx, ino)
}

// MigrateFileByEntries moves the file's source-tier entries to the
// destination one at a time, in file-offset order, with no grouping and no
// splitting. This is the driver for destinations without an optimal unit,
// where alignment buys nothing; pmem is the usual case.
func (en *Engine) MigrateFileByEntries(ctx context.Context, ino *extent.Inode, from, to tier.Tier) error {
	if !ino.TryLockMigration() {
		return ErrEntryBusy
	}
	defer ino.UnlockMigration()

	for _, e := range ino.Entries().Entries() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Tier != from {
			continue
		}
		if err := en.migrateSkippingBusy(ctx, ino, e, to); err != nil {
			return err
		}
	}

	ino.RecomputeTierState()
	return en.compact(ctx, ino)
}

// migrateOneWithSplit moves one entry, splitting it at destination unit
// boundaries first so every moved piece lands inside one unit.
func (en *Engine) migrateOneWithSplit(ctx context.Context, ino *extent.Inode, e *extent.WriteEntry, to tier.Tier, optBits uint) error {
	if e.Tier == to {
		return nil
	}

	for e.CrossesBoundary(optBits) {
		if !e.TryMark() {
			if en.metrics != nil {
				en.metrics.IncBusySkip()
			}
			return nil
		}

		prefix, suffix := e.SplitAt(optBits)
		recs := []entrylog.Record{
			entrylog.RecordOf(ino.Ino, prefix),
			entrylog.RecordOf(ino.Ino, suffix),
		}
		if err := en.log.Commit(ctx, ino.Ino, recs, nil); err != nil {
			e.Unmark()
			return fmt.Errorf("commit split for inode %d: %w", ino.Ino, err)
		}
		ino.Entries().Reassign(e, prefix, suffix)
		e.Unmark()

		if en.metrics != nil {
			en.metrics.IncSplit()
		}
		logger.Debug("split entry at unit boundary",
			"inode", ino.Ino, "pgoff", e.Pgoff, "boundary", suffix.Pgoff)

		// The suffix fits one unit; move it, then keep splitting the
		// prefix until it fits too.
		if err := en.migrateSkippingBusy(ctx, ino, suffix, to); err != nil {
			return err
		}
		e = prefix
	}

	return en.migrateSkippingBusy(ctx, ino, e, to)
}

func (en *Engine) migrateSkippingBusy(ctx context.Context, ino *extent.Inode, e *extent.WriteEntry, to tier.Tier) error {
	_, err := en.MigrateEntry(ctx, ino, e, to)
	if err == nil ||
		errors.Is(err, ErrSameTier) ||
		errors.Is(err, ErrEntryBusy) ||
		errors.Is(err, ErrRangeContended) {
		return nil
	}
	return err
}

// groupableWindow returns the prefix of entries that tiles the whole
// destination unit the first entry starts: source-tier homogeneous, gap
// free from the window start all the way to the window end. Anything less
// than full coverage yields nil and the per-entry pass handles the window.
// The scan has no side effects.
func groupableWindow(entries []*extent.WriteEntry, from tier.Tier, optBits uint) []*extent.WriteEntry {
	if optBits == 0 || len(entries) < 2 {
		return nil
	}
	unit := uint64(1) << optBits

	first := entries[0]
	if first.Tier != from || first.Pgoff&(unit-1) != 0 || first.CrossesBoundary(optBits) {
		return nil
	}
	windowEnd := first.Pgoff + unit

	n := 1
	for ; n < len(entries); n++ {
		e := entries[n]
		if e.Tier != from || e.Pgoff != entries[n-1].End() || e.End() > windowEnd {
			break
		}
	}
	if n < 2 || entries[n-1].End() != windowEnd {
		return nil
	}
	return entries[:n]
}

// compact rewrites the file's entry log to exactly the live index, dropping
// records superseded by splits and merges.
func (en *Engine) compact(ctx context.Context, ino *extent.Inode) error {
	live := ino.Entries().Entries()
	recs := make([]entrylog.Record, 0, len(live))
	for _, e := range live {
		recs = append(recs, entrylog.RecordOf(ino.Ino, e))
	}
	if err := en.log.Compact(ctx, ino.Ino, recs); err != nil {
		return fmt.Errorf("compact log for inode %d: %w", ino.Ino, err)
	}
	return nil
}

// MigrateFileToPmem promotes a file back to persistent memory, the upward
// leg used when a cold file turns hot again. Entries already off the
// file's home tier are left for later passes.
func (en *Engine) MigrateFileToPmem(ctx context.Context, ino *extent.Inode) error {
	return en.MigrateFileByEntries(ctx, ino, ino.CurrentTier(), tier.Pmem)
}
