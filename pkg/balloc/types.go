// Package balloc implements the tiered, sharded block allocator.
//
// Block space is partitioned into tiers (pmem first, then block devices) and
// each tier into shards. Every shard owns a contiguous block range and tracks
// its free space as maximal, non-adjacent ranges in an ordered tree keyed by
// the range's low block. Adjacent ranges are coalesced on free; a single
// allocation is always served from a single contiguous range.
package balloc

import (
	"errors"

	"github.com/marmos91/tierfs/pkg/checksum"
)

// Direction selects which end of a shard's free space an allocation is
// carved from. Allocating from the tail biases large pre-reserved ranges
// away from the head where small allocations churn.
type Direction int

const (
	// FromHead scans free ranges from the lowest block upward.
	FromHead Direction = iota

	// FromTail scans free ranges from the highest block downward.
	FromTail
)

func (d Direction) String() string {
	if d == FromTail {
		return "tail"
	}
	return "head"
}

// stealRetries bounds how many times an allocation retries against the
// same-tier shard with the most free blocks before falling back to the
// original shard.
const stealRetries = 2

var (
	// ErrNoSpace is returned when no single free range can satisfy the
	// request. Fragmented free space is never stitched together.
	ErrNoSpace = errors.New("no contiguous free range satisfies request")

	// ErrInvalidRequest is returned for zero-length allocate or free requests.
	ErrInvalidRequest = errors.New("invalid block request")

	// ErrOutOfRange is returned when a freed range falls outside every
	// shard, or overlaps a range that is already free. Both indicate an
	// accounting bug in the caller; the operation is aborted.
	ErrOutOfRange = errors.New("block range outside shard bounds")
)

// RangeNode records one maximal contiguous free block range [Low, High].
// Nodes live in a shard's ordered tree and are always disjoint from and
// non-adjacent to their neighbors.
type RangeNode struct {
	Low      uint64
	High     uint64
	Checksum uint32
}

// Blocks returns the number of blocks covered by the node.
func (n *RangeNode) Blocks() uint64 {
	return n.High - n.Low + 1
}

// UpdateChecksum recomputes the node's checksum after a mutation.
func (n *RangeNode) UpdateChecksum() {
	n.Checksum = checksum.Range(n.Low, n.High)
}

// ChecksumOK verifies the node's checksum.
func (n *RangeNode) ChecksumOK() bool {
	return n.Checksum == checksum.Range(n.Low, n.High)
}

// rangeLess orders nodes by their low bound for the shard tree.
func rangeLess(a, b *RangeNode) bool {
	return a.Low < b.Low
}

// BlockLocation is the result of resolving a global block number.
type BlockLocation struct {
	Tier   int
	Shard  int
	Offset uint64 // block offset local to the tier's device
}

// TierStats summarizes usage of one tier across all its shards.
type TierStats struct {
	Tier        int
	TotalBlocks uint64
	FreeBlocks  uint64
	UsedBlocks  uint64
	Shards      int
}

// Metrics receives allocator observations. Implementations must be safe for
// concurrent use. A nil Metrics disables instrumentation with no overhead.
type Metrics interface {
	ObserveAlloc(tier int, requested, granted uint64)
	ObserveFree(tier int, blocks uint64)
	IncSteal(tier int)
	IncNoSpace(tier int)
	IncChecksumSkip(tier int)
	SetFreeBlocks(tier int, free, total uint64)
}
