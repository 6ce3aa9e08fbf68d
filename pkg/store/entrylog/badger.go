package entrylog

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/tierfs/internal/logger"
	"github.com/marmos91/tierfs/pkg/tier"
)

// ============================================================================
// Key Namespace Design
// ============================================================================
//
// One namespace, binary keys ordered for range scans:
//
// Data Type      Prefix   Key Format                 Value
// =================================================================
// Write entries  "e:"     e:<ino BE64><pgoff BE64>   Record (binary)
//
// Big-endian inode and page offset keep one inode's records contiguous and
// page-ordered, so Entries and Compact are single prefix scans.

const entryPrefix = "e:"

func keyEntry(ino, pgoff uint64) []byte {
	k := make([]byte, len(entryPrefix)+16)
	copy(k, entryPrefix)
	binary.BigEndian.PutUint64(k[len(entryPrefix):], ino)
	binary.BigEndian.PutUint64(k[len(entryPrefix)+8:], pgoff)
	return k
}

func keyInodePrefix(ino uint64) []byte {
	k := make([]byte, len(entryPrefix)+8)
	copy(k, entryPrefix)
	binary.BigEndian.PutUint64(k[len(entryPrefix):], ino)
	return k
}

// recordSize is the encoded size of one record value: pgoff, block and
// trans ID (8 bytes each), num pages and checksum (4 bytes each), tier (1).
const recordSize = 8 + 8 + 8 + 4 + 4 + 1

func encodeRecord(r Record) []byte {
	buf := make([]byte, recordSize)
	binary.BigEndian.PutUint64(buf[0:], r.Pgoff)
	binary.BigEndian.PutUint64(buf[8:], r.Block)
	binary.BigEndian.PutUint64(buf[16:], r.TransID)
	binary.BigEndian.PutUint32(buf[24:], r.NumPages)
	binary.BigEndian.PutUint32(buf[28:], r.Checksum)
	buf[32] = uint8(r.Tier)
	return buf
}

func decodeRecord(ino uint64, val []byte) (Record, error) {
	if len(val) != recordSize {
		return Record{}, fmt.Errorf("%w: inode %d: value is %d bytes, want %d",
			ErrCorruptRecord, ino, len(val), recordSize)
	}
	r := Record{
		Ino:      ino,
		Pgoff:    binary.BigEndian.Uint64(val[0:]),
		Block:    binary.BigEndian.Uint64(val[8:]),
		TransID:  binary.BigEndian.Uint64(val[16:]),
		NumPages: binary.BigEndian.Uint32(val[24:]),
		Checksum: binary.BigEndian.Uint32(val[28:]),
	}
	r.Tier = tier.Tier(val[32])
	return r, nil
}

// ============================================================================
// BadgerLog
// ============================================================================

// BadgerLog stores write-entry records in a BadgerDB instance.
type BadgerLog struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the entry log at the given directory.
func OpenBadger(dir string) (*BadgerLog, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open entry log at %s: %w", dir, err)
	}

	logger.Info("opened entry log", "path", dir)
	return &BadgerLog{db: db}, nil
}

// NewBadgerLog wraps an already open BadgerDB. The caller keeps ownership
// of the database lifecycle.
func NewBadgerLog(db *badger.DB) *BadgerLog {
	return &BadgerLog{db: db}
}

func (l *BadgerLog) Append(ctx context.Context, recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	return l.Commit(ctx, recs[0].Ino, recs, nil)
}

func (l *BadgerLog) Commit(ctx context.Context, ino uint64, add []Record, drop []uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return l.db.Update(func(txn *badger.Txn) error {
		for _, pgoff := range drop {
			if err := txn.Delete(keyEntry(ino, pgoff)); err != nil {
				return fmt.Errorf("drop record at pgoff %d: %w", pgoff, err)
			}
		}
		for _, r := range add {
			if err := txn.Set(keyEntry(r.Ino, r.Pgoff), encodeRecord(r)); err != nil {
				return fmt.Errorf("store record at pgoff %d: %w", r.Pgoff, err)
			}
		}
		return nil
	})
}

func (l *BadgerLog) Entries(ctx context.Context, ino uint64) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Record
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyInodePrefix(ino)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				r, err := decodeRecord(ino, val)
				if err != nil {
					return err
				}
				out = append(out, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load records for inode %d: %w", ino, err)
	}

	// Keys are page-ordered already; keep the guarantee explicit.
	sort.Slice(out, func(i, j int) bool { return out[i].Pgoff < out[j].Pgoff })
	return out, nil
}

func (l *BadgerLog) Compact(ctx context.Context, ino uint64, live []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return l.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyInodePrefix(ino)
		opts.PrefetchValues = false

		var stale [][]byte
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for _, r := range live {
			if err := txn.Set(keyEntry(ino, r.Pgoff), encodeRecord(r)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *BadgerLog) Scan(ctx context.Context, yield func(Record) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != len(entryPrefix)+16 {
				return fmt.Errorf("%w: malformed key of %d bytes", ErrCorruptRecord, len(key))
			}
			ino := binary.BigEndian.Uint64(key[len(entryPrefix):])

			err := item.Value(func(val []byte) error {
				r, err := decodeRecord(ino, val)
				if err != nil {
					return err
				}
				if !r.ChecksumOK() {
					return fmt.Errorf("%w: inode %d pgoff %d", ErrCorruptRecord, ino, r.Pgoff)
				}
				return yield(r)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *BadgerLog) Close() error {
	logger.Debug("closing entry log")
	return l.db.Close()
}
