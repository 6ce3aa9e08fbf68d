// Package entrylog persists write entries. Free-range trees are never
// written out; at mount the allocator is rebuilt by scanning this log, so
// the log is the single durable source of truth for block ownership.
package entrylog

import (
	"context"
	"errors"

	"github.com/marmos91/tierfs/pkg/checksum"
	"github.com/marmos91/tierfs/pkg/extent"
	"github.com/marmos91/tierfs/pkg/tier"
)

var (
	// ErrCorruptRecord is returned by Scan when a stored record fails its
	// checksum. Mount stops rather than rebuilding from bad data.
	ErrCorruptRecord = errors.New("entrylog: corrupt record")

	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("entrylog: log closed")
)

// Record is the durable form of one write entry. Records are keyed by
// (inode, page offset): committing a record at an existing key supersedes
// the old record.
type Record struct {
	Ino      uint64
	Pgoff    uint64
	NumPages uint32
	Block    uint64
	Tier     tier.Tier
	TransID  uint64
	Checksum uint32
}

// UpdateChecksum recomputes the record's guard checksum.
func (r *Record) UpdateChecksum() {
	r.Checksum = checksum.Entry(r.Pgoff, r.NumPages, r.Block, uint8(r.Tier))
}

// ChecksumOK verifies the addressing fields against the stored checksum.
func (r *Record) ChecksumOK() bool {
	return r.Checksum == checksum.Entry(r.Pgoff, r.NumPages, r.Block, uint8(r.Tier))
}

// RecordOf builds the durable record for an indexed write entry.
func RecordOf(ino uint64, e *extent.WriteEntry) Record {
	return Record{
		Ino:      ino,
		Pgoff:    e.Pgoff,
		NumPages: e.NumPages,
		Block:    e.Block,
		Tier:     e.Tier,
		TransID:  e.TransID,
		Checksum: e.Checksum,
	}
}

// Entry rebuilds the in-memory write entry for a scanned record.
func (r Record) Entry() *extent.WriteEntry {
	return &extent.WriteEntry{
		Pgoff:    r.Pgoff,
		NumPages: r.NumPages,
		Block:    r.Block,
		Tier:     r.Tier,
		TransID:  r.TransID,
		Checksum: r.Checksum,
	}
}

// Log stores write-entry records durably.
//
// Commit is the transactional mutation: the added records appear and the
// dropped keys disappear atomically, so a crash never leaves a file's log
// with both an entry and the entries it replaced.
type Log interface {
	// Append stores records for one inode. Shorthand for a Commit with no
	// drops.
	Append(ctx context.Context, recs ...Record) error

	// Commit atomically adds records and drops the records of inode ino
	// at the given page offsets.
	Commit(ctx context.Context, ino uint64, add []Record, drop []uint64) error

	// Entries returns every record of one inode in page order.
	Entries(ctx context.Context, ino uint64) ([]Record, error)

	// Compact rewrites one inode's records to exactly the live set.
	Compact(ctx context.Context, ino uint64, live []Record) error

	// Scan visits every record in the log. Recovery rebuilds the
	// allocator and inode table from this walk. A record failing its
	// checksum aborts the scan with ErrCorruptRecord.
	Scan(ctx context.Context, yield func(Record) error) error

	Close() error
}
