package extent

import (
	"sync"
	"sync/atomic"

	"github.com/marmos91/tierfs/pkg/tier"
)

// ============================================================================
// Inodes
// ============================================================================

// Inode is the in-memory tiering state of one file: its entry index plus the
// counters the migration and policy layers consult. File data and directory
// structure live elsewhere; this type only knows where a file's blocks are.
type Inode struct {
	Ino uint64

	entries *Index

	size    atomic.Uint64
	blocks  atomic.Uint64 // blocks currently allocated to the file
	transID atomic.Uint64

	// Tier summary, maintained by RecomputeTierState. currentTier is the
	// tier of the file's first entry; mixedOffset is the page offset of
	// the first entry on a different tier, or zero when every entry sits
	// on currentTier.
	tierMu      sync.RWMutex
	currentTier tier.Tier
	mixedOffset uint64

	// One migration works a file at a time.
	migrating atomic.Bool
}

// NewInode returns an inode with an empty entry index on the given tier.
func NewInode(ino uint64, t tier.Tier) *Inode {
	return &Inode{
		Ino:         ino,
		entries:     NewIndex(),
		currentTier: t,
	}
}

// Entries returns the inode's write-entry index.
func (ino *Inode) Entries() *Index {
	return ino.entries
}

// Size returns the file size in bytes.
func (ino *Inode) Size() uint64 {
	return ino.size.Load()
}

// SetSize records the file size in bytes.
func (ino *Inode) SetSize(n uint64) {
	ino.size.Store(n)
}

// Blocks returns the number of blocks allocated to the file.
func (ino *Inode) Blocks() uint64 {
	return ino.blocks.Load()
}

// AddBlocks adjusts the allocated-block count by delta.
func (ino *Inode) AddBlocks(delta int64) {
	ino.blocks.Add(uint64(delta))
}

// TransID returns the inode's current transaction ID.
func (ino *Inode) TransID() uint64 {
	return ino.transID.Load()
}

// BumpTransID advances the transaction ID and returns the new value. Every
// committed migration of the file's entries bumps it once.
func (ino *Inode) BumpTransID() uint64 {
	return ino.transID.Add(1)
}

// CurrentTier returns the tier of the file's first entry, as of the last
// RecomputeTierState.
func (ino *Inode) CurrentTier() tier.Tier {
	ino.tierMu.RLock()
	defer ino.tierMu.RUnlock()
	return ino.currentTier
}

// MixedTierOffset returns the page offset of the first entry that sits on a
// different tier than the file's first entry, or zero when the file is
// tier-homogeneous. Rotation refuses mixed files.
func (ino *Inode) MixedTierOffset() uint64 {
	ino.tierMu.RLock()
	defer ino.tierMu.RUnlock()
	return ino.mixedOffset
}

// RecomputeTierState rescans the entry index and refreshes the tier summary.
// Called after every migration commit and after mount-time recovery.
func (ino *Inode) RecomputeTierState() {
	var (
		first = true
		home  tier.Tier
		mixed uint64
	)
	ino.entries.Ascend(func(e *WriteEntry) bool {
		if first {
			home = e.Tier
			first = false
			return true
		}
		if e.Tier != home {
			mixed = e.Pgoff
			return false
		}
		return true
	})

	ino.tierMu.Lock()
	if !first {
		ino.currentTier = home
	}
	ino.mixedOffset = mixed
	ino.tierMu.Unlock()
}

// TryLockMigration claims the inode for one migration pass. It returns
// false when another pass already owns the inode.
func (ino *Inode) TryLockMigration() bool {
	return ino.migrating.CompareAndSwap(false, true)
}

// UnlockMigration releases the inode after a migration pass.
func (ino *Inode) UnlockMigration() {
	ino.migrating.Store(false)
}

// Heat sums the access counters of every entry. The policy layer prefers
// cold files when draining an overloaded tier.
func (ino *Inode) Heat() uint64 {
	var sum uint64
	ino.entries.Ascend(func(e *WriteEntry) bool {
		sum += e.Heat()
		return true
	})
	return sum
}
