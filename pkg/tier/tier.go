// Package tier defines storage tier identifiers and block geometry shared by
// the allocator and the migration engine.
//
// Tiers are ordered by speed: tier 0 is persistent memory, tiers 1..N are
// block devices, slowest last. Block numbers are global across tiers; the
// allocator owns the mapping from a global block number to a tier and device
// offset.
package tier

import "fmt"

// BlockSize is the size of one block in bytes. All device I/O and all
// allocator bookkeeping is in units of this size.
const BlockSize = 4096

// BlockShift is log2(BlockSize).
const BlockShift = 12

// Tier identifies a storage tier. Pmem is always tier 0.
type Tier uint8

const (
	// Pmem is the persistent-memory tier, the fastest tier.
	Pmem Tier = 0

	// BdevLow is the first (fastest) block-device tier.
	BdevLow Tier = 1

	// MaxTiers bounds the number of tiers a filesystem can configure.
	MaxTiers = 8
)

// IsPmem reports whether t is the persistent-memory tier.
func (t Tier) IsPmem() bool {
	return t == Pmem
}

// IsBdev reports whether t is a block-device tier.
func (t Tier) IsBdev() bool {
	return t >= BdevLow && t < MaxTiers
}

// Next returns the next slower tier. ok is false when t is the last
// configured tier.
func (t Tier) Next(numTiers int) (Tier, bool) {
	if int(t)+1 >= numTiers {
		return t, false
	}
	return t + 1, true
}

func (t Tier) String() string {
	if t.IsPmem() {
		return "pmem"
	}
	return fmt.Sprintf("bdev%d", t-BdevLow)
}
