package extent

import (
	"sync"

	"github.com/google/btree"
)

const indexDegree = 16

// entryLess orders write entries by first covered page. Indexed entries
// never overlap, so the page offset alone is a total order.
func entryLess(a, b *WriteEntry) bool {
	return a.Pgoff < b.Pgoff
}

// Index is one inode's ordered set of write entries, keyed by page offset.
// All methods are safe for concurrent use.
type Index struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*WriteEntry]
}

// NewIndex returns an empty entry index.
func NewIndex() *Index {
	return &Index{tree: btree.NewG(indexDegree, entryLess)}
}

// Lookup returns the entry covering the given page, or nil when the page is
// a hole.
func (ix *Index) Lookup(pgoff uint64) *WriteEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var found *WriteEntry
	ix.tree.DescendLessOrEqual(&WriteEntry{Pgoff: pgoff}, func(e *WriteEntry) bool {
		found = e
		return false
	})
	if found == nil || !found.Covers(pgoff) {
		return nil
	}
	return found
}

// Insert adds an entry to the index. The caller guarantees the entry does
// not overlap any indexed entry.
func (ix *Index) Insert(e *WriteEntry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.tree.ReplaceOrInsert(e)
}

// Remove drops the entry starting at the given page offset and returns it,
// or nil when no entry starts there.
func (ix *Index) Remove(pgoff uint64) *WriteEntry {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.tree.Delete(&WriteEntry{Pgoff: pgoff})
	if !ok {
		return nil
	}
	return e
}

// Reassign atomically replaces one entry with its successors. Migration
// commits through here: the old entry disappears and the freshly written
// entries appear in the same critical section, so a concurrent Lookup sees
// either the old mapping or the new one, never a gap.
func (ix *Index) Reassign(old *WriteEntry, replacements ...*WriteEntry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.tree.Delete(old)
	for _, e := range replacements {
		ix.tree.ReplaceOrInsert(e)
	}
}

// Merge atomically replaces a group of entries with one merged entry, the
// commit step of a group migration.
func (ix *Index) Merge(group []*WriteEntry, merged *WriteEntry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, e := range group {
		ix.tree.Delete(e)
	}
	ix.tree.ReplaceOrInsert(merged)
}

// Ascend visits every entry in page order until fn returns false.
func (ix *Index) Ascend(fn func(*WriteEntry) bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ix.tree.Ascend(fn)
}

// AscendRange visits entries whose start offset lies in [lo, hi) in page
// order until fn returns false. An entry starting before lo but covering it
// is not visited; use Lookup for the covering entry.
func (ix *Index) AscendRange(lo, hi uint64, fn func(*WriteEntry) bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ix.tree.AscendRange(&WriteEntry{Pgoff: lo}, &WriteEntry{Pgoff: hi}, fn)
}

// Entries returns a snapshot of all entries in page order.
func (ix *Index) Entries() []*WriteEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]*WriteEntry, 0, ix.tree.Len())
	ix.tree.Ascend(func(e *WriteEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.Len()
}
