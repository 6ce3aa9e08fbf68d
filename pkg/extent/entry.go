// Package extent tracks which blocks back which file pages. Every
// contiguous run of pages written to one tier is described by a write
// entry; the per-inode index orders entries by page offset and answers
// page-to-block lookups.
package extent

import (
	"sync/atomic"

	"github.com/marmos91/tierfs/pkg/checksum"
	"github.com/marmos91/tierfs/pkg/tier"
)

// ============================================================================
// Write entries
// ============================================================================

// WriteEntry maps a contiguous page range of one file to a contiguous block
// range on one tier. Entries never span tiers and, after splitting, never
// span an optimal-unit boundary of their tier.
//
// Pgoff, NumPages, Block, Tier and TransID are immutable while the entry is
// indexed; migration replaces entries rather than rewriting them in place.
// The checksum guards those five fields against bit errors on persistent
// memory.
type WriteEntry struct {
	Pgoff    uint64 // first file page covered
	NumPages uint32
	Block    uint64 // global block number of the first backing block
	Tier     tier.Tier
	TransID  uint64
	Checksum uint32

	migrating atomic.Bool
	accesses  atomic.Uint64
}

// End returns the first page offset past the entry.
func (e *WriteEntry) End() uint64 {
	return e.Pgoff + uint64(e.NumPages)
}

// Covers reports whether the entry backs the given page.
func (e *WriteEntry) Covers(pgoff uint64) bool {
	return pgoff >= e.Pgoff && pgoff < e.End()
}

// BlockFor returns the global block number backing the given page. The page
// must be covered by the entry.
func (e *WriteEntry) BlockFor(pgoff uint64) uint64 {
	return e.Block + (pgoff - e.Pgoff)
}

// UpdateChecksum recomputes the guard checksum from the addressing fields.
func (e *WriteEntry) UpdateChecksum() {
	e.Checksum = checksum.Entry(e.Pgoff, e.NumPages, e.Block, uint8(e.Tier))
}

// ChecksumOK verifies the addressing fields against the stored checksum.
func (e *WriteEntry) ChecksumOK() bool {
	return e.Checksum == checksum.Entry(e.Pgoff, e.NumPages, e.Block, uint8(e.Tier))
}

// TryMark flags the entry as being migrated. It returns false when another
// migration already holds the entry; callers skip such entries instead of
// waiting.
func (e *WriteEntry) TryMark() bool {
	return e.migrating.CompareAndSwap(false, true)
}

// Unmark clears the migration flag.
func (e *WriteEntry) Unmark() {
	e.migrating.Store(false)
}

// Migrating reports whether a migration currently holds the entry.
func (e *WriteEntry) Migrating() bool {
	return e.migrating.Load()
}

// Touch records one access for hotness accounting.
func (e *WriteEntry) Touch() {
	e.accesses.Add(1)
}

// Heat returns the access count accumulated since the entry was created.
func (e *WriteEntry) Heat() uint64 {
	return e.accesses.Load()
}

// ============================================================================
// Optimal-unit tiling
// ============================================================================

// CrossesBoundary reports whether the entry's page range straddles an
// optimal-unit boundary of size 1<<optBits pages. Entries that do must be
// split before migrating, so each half lands inside one unit of the
// destination device. optBits of zero means the device has no preferred
// unit and nothing ever crosses.
func (e *WriteEntry) CrossesBoundary(optBits uint) bool {
	if optBits == 0 || e.NumPages == 0 {
		return false
	}
	return e.Pgoff>>optBits != (e.End()-1)>>optBits
}

// SplitAt cuts the entry at the last optimal-unit boundary inside its page
// range. The prefix covers everything before the boundary; the suffix starts
// at the boundary and stays on the entry's current tier until it is migrated
// itself. Both halves inherit the transaction ID and carry fresh checksums.
//
// The entry must cross a boundary; check CrossesBoundary first.
func (e *WriteEntry) SplitAt(optBits uint) (prefix, suffix *WriteEntry) {
	boundary := (e.End() - 1) >> optBits << optBits
	numPrev := uint32(boundary - e.Pgoff)

	prefix = &WriteEntry{
		Pgoff:    e.Pgoff,
		NumPages: numPrev,
		Block:    e.Block,
		Tier:     e.Tier,
		TransID:  e.TransID,
	}
	suffix = &WriteEntry{
		Pgoff:    boundary,
		NumPages: e.NumPages - numPrev,
		Block:    e.Block + uint64(numPrev),
		Tier:     e.Tier,
		TransID:  e.TransID,
	}
	prefix.UpdateChecksum()
	suffix.UpdateChecksum()
	return prefix, suffix
}
