package extent

import (
	"sync"
	"sync/atomic"

	"github.com/marmos91/tierfs/pkg/tier"
)

// ============================================================================
// Inode table
// ============================================================================

const (
	tableBuckets = 64

	// Inode numbers at or below this are filesystem-internal (root
	// directory, journals, reserved slots) and never migrate.
	reservedInodes = 8
)

// Table holds every live inode, sharded across lock-striped buckets so
// lookup on the I/O path does not serialize against table mutation.
type Table struct {
	buckets [tableBuckets]tableBucket

	// Rotating start bucket for PopInode, so repeated drains of an
	// overloaded tier spread across the table instead of hammering the
	// same files.
	cursor atomic.Uint32
}

type tableBucket struct {
	mu sync.RWMutex
	m  map[uint64]*Inode
}

// NewTable returns an empty inode table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.buckets {
		t.buckets[i].m = make(map[uint64]*Inode)
	}
	return t
}

func (t *Table) bucket(ino uint64) *tableBucket {
	return &t.buckets[ino%tableBuckets]
}

// Get returns the inode with the given number, or nil.
func (t *Table) Get(ino uint64) *Inode {
	b := t.bucket(ino)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.m[ino]
}

// GetOrCreate returns the inode with the given number, creating it on the
// given tier when absent.
func (t *Table) GetOrCreate(ino uint64, home tier.Tier) *Inode {
	b := t.bucket(ino)

	b.mu.RLock()
	existing := b.m[ino]
	b.mu.RUnlock()
	if existing != nil {
		return existing
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing := b.m[ino]; existing != nil {
		return existing
	}
	in := NewInode(ino, home)
	b.m[ino] = in
	return in
}

// Forget drops the inode from the table. The caller has already released
// the inode's blocks.
func (t *Table) Forget(ino uint64) {
	b := t.bucket(ino)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, ino)
}

// Len returns the number of live inodes.
func (t *Table) Len() int {
	var n int
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.RLock()
		n += len(b.m)
		b.mu.RUnlock()
	}
	return n
}

// Range visits every inode until fn returns false. Visiting order is
// unspecified. The bucket lock is not held during fn.
func (t *Table) Range(fn func(*Inode) bool) {
	for i := range t.buckets {
		b := &t.buckets[i]

		b.mu.RLock()
		batch := make([]*Inode, 0, len(b.m))
		for _, in := range b.m {
			batch = append(batch, in)
		}
		b.mu.RUnlock()

		for _, in := range batch {
			if !fn(in) {
				return
			}
		}
	}
}

// PopInode picks one migratable inode whose data sits on the given tier and
// claims its migration lock. It returns nil when no such inode exists.
// Reserved inodes and inodes already being migrated are skipped. The caller
// must release the inode with UnlockMigration.
func (t *Table) PopInode(from tier.Tier) *Inode {
	start := int(t.cursor.Add(1)) % tableBuckets

	for i := 0; i < tableBuckets; i++ {
		b := &t.buckets[(start+i)%tableBuckets]

		b.mu.RLock()
		batch := make([]*Inode, 0, len(b.m))
		for _, in := range b.m {
			batch = append(batch, in)
		}
		b.mu.RUnlock()

		for _, in := range batch {
			if in.Ino <= reservedInodes {
				continue
			}
			if in.CurrentTier() != from || in.Entries().Len() == 0 {
				continue
			}
			if in.TryLockMigration() {
				return in
			}
		}
	}
	return nil
}
