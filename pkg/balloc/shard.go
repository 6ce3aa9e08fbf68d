package balloc

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/marmos91/tierfs/internal/logger"
)

// treeDegree is the btree branching factor for shard free trees.
const treeDegree = 16

// shard is one per-tier, per-CPU-bucket partition of block space.
//
// All tree mutations happen under mu. numFree is additionally kept as an
// atomic so that cross-shard steal selection and usage accounting can read
// it without taking the lock; those reads are best-effort and may race.
type shard struct {
	tier int
	id   int

	blockStart uint64
	blockEnd   uint64
	numTotal   uint64

	mu       sync.Mutex
	tree     *btree.BTreeG[*RangeNode]
	first    *RangeNode // cached tree minimum, nil when tree empty
	last     *RangeNode // cached tree maximum, nil when tree empty
	numNodes int

	numFree atomic.Uint64
}

// newShard creates a shard covering [start, end] with one free range
// spanning the whole shard.
func newShard(tierID, shardID int, start, end uint64) *shard {
	s := &shard{
		tier:       tierID,
		id:         shardID,
		blockStart: start,
		blockEnd:   end,
		numTotal:   end - start + 1,
		tree:       btree.NewG(treeDegree, rangeLess),
	}

	node := &RangeNode{Low: start, High: end}
	node.UpdateChecksum()
	s.tree.ReplaceOrInsert(node)
	s.first = node
	s.last = node
	s.numNodes = 1
	s.numFree.Store(s.numTotal)

	return s
}

// freeBlocks returns the shard's free block count without locking.
func (s *shard) freeBlocks() uint64 {
	return s.numFree.Load()
}

// contains reports whether the global block number falls inside the shard.
func (s *shard) contains(blocknr uint64) bool {
	return blocknr >= s.blockStart && blocknr <= s.blockEnd
}

// refreshBounds recomputes the cached min/max pointers from the tree.
// Called after a mutation that removed a cached boundary node.
func (s *shard) refreshBounds() {
	s.first, _ = s.tree.Min()
	if s.first == nil {
		s.last = nil
		return
	}
	s.last, _ = s.tree.Max()
}

// alloc carves num blocks from a single free range, scanning from the head
// or tail of the shard. The request is satisfied from one contiguous range
// only: ranges smaller than num are skipped, an exact fit consumes the whole
// node, a larger range is shrunk from the requested edge. Nodes failing
// checksum verification are logged and skipped.
//
// Returns the first granted block and the granted count (always num on
// success); ErrNoSpace when no single range can hold the request.
func (s *shard) alloc(num uint64, dir Direction, m Metrics) (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.first == nil || s.numFree.Load() == 0 {
		return 0, 0, ErrNoSpace
	}

	var target *RangeNode
	scan := func(n *RangeNode) bool {
		if !n.ChecksumOK() {
			logger.Warn("skipping corrupt free-range node",
				"tier", s.tier, "shard", s.id, "low", n.Low, "high", n.High)
			if m != nil {
				m.IncChecksumSkip(s.tier)
			}
			return true
		}
		if num > n.Blocks() {
			return true
		}
		target = n
		return false
	}

	if dir == FromHead {
		s.tree.AscendGreaterOrEqual(s.first, scan)
	} else {
		s.tree.DescendLessOrEqual(s.last, scan)
	}

	if target == nil {
		return 0, 0, ErrNoSpace
	}

	var blocknr uint64
	switch {
	case num == target.Blocks():
		// Exact fit: the whole node is consumed.
		blocknr = target.Low
		wasBoundary := target == s.first || target == s.last
		s.tree.Delete(target)
		s.numNodes--
		if wasBoundary {
			s.refreshBounds()
		}
	case dir == FromHead:
		// Shrink from the low edge. The key grows but stays below the
		// successor's low bound, so in-place mutation keeps tree order.
		blocknr = target.Low
		target.Low += num
		target.UpdateChecksum()
	default:
		blocknr = target.High + 1 - num
		target.High -= num
		target.UpdateChecksum()
	}

	s.numFree.Add(^(num - 1))
	return blocknr, num, nil
}

// free returns [blocknr, blocknr+num-1] to the shard, coalescing with
// adjacent free ranges. Coalescing priority: both neighbors adjacent merges
// into the left node and erases the right one; otherwise the single adjacent
// neighbor is extended; otherwise a new node is inserted.
func (s *shard) free(blocknr, num uint64) error {
	low := blocknr
	high := blocknr + num - 1

	s.mu.Lock()
	defer s.mu.Unlock()

	if low < s.blockStart || high > s.blockEnd {
		return ErrOutOfRange
	}

	var prev, next *RangeNode
	pivot := &RangeNode{Low: low}
	s.tree.DescendLessOrEqual(pivot, func(n *RangeNode) bool {
		prev = n
		return false
	})
	s.tree.AscendGreaterOrEqual(pivot, func(n *RangeNode) bool {
		next = n
		return false
	})

	// A freed range must not overlap free space; overlap means a double
	// free or allocator accounting bug.
	if prev != nil && prev.High >= low {
		return ErrOutOfRange
	}
	if next != nil && next.Low <= high {
		return ErrOutOfRange
	}

	leftAdjacent := prev != nil && low == prev.High+1
	rightAdjacent := next != nil && high+1 == next.Low

	switch {
	case leftAdjacent && rightAdjacent:
		// The freed range fills the hole between prev and next.
		s.tree.Delete(next)
		s.numNodes--
		prev.High = next.High
		prev.UpdateChecksum()
		if s.last == next {
			s.last = prev
		}
	case leftAdjacent:
		prev.High += num
		prev.UpdateChecksum()
	case rightAdjacent:
		// The key shrinks but stays above prev's high bound, so in-place
		// mutation keeps tree order.
		next.Low -= num
		next.UpdateChecksum()
	default:
		node := &RangeNode{Low: low, High: high}
		node.UpdateChecksum()
		s.tree.ReplaceOrInsert(node)
		s.numNodes++
		if s.first == nil || node.Low < s.first.Low {
			s.first = node
		}
		if s.last == nil || node.Low > s.last.Low {
			s.last = node
		}
	}

	s.numFree.Add(num)
	return nil
}

// carve removes [blocknr, blocknr+num-1] from free space during mount-time
// rebuild. The range must be entirely free; anything else means the
// write-entry log and the shard layout disagree.
func (s *shard) carve(blocknr, num uint64) error {
	low := blocknr
	high := blocknr + num - 1

	s.mu.Lock()
	defer s.mu.Unlock()

	if low < s.blockStart || high > s.blockEnd {
		return ErrOutOfRange
	}

	var owner *RangeNode
	s.tree.DescendLessOrEqual(&RangeNode{Low: low}, func(n *RangeNode) bool {
		owner = n
		return false
	})
	if owner == nil || owner.High < high {
		return ErrOutOfRange
	}

	switch {
	case owner.Low == low && owner.High == high:
		wasBoundary := owner == s.first || owner == s.last
		s.tree.Delete(owner)
		s.numNodes--
		if wasBoundary {
			s.refreshBounds()
		}
	case owner.Low == low:
		owner.Low = high + 1
		owner.UpdateChecksum()
	case owner.High == high:
		owner.High = low - 1
		owner.UpdateChecksum()
	default:
		// Split the owner around the carved range.
		tail := &RangeNode{Low: high + 1, High: owner.High}
		tail.UpdateChecksum()
		owner.High = low - 1
		owner.UpdateChecksum()
		s.tree.ReplaceOrInsert(tail)
		s.numNodes++
		if s.last == owner {
			s.last = tail
		}
	}

	s.numFree.Add(^(num - 1))
	return nil
}

// sumFree walks the tree and sums block counts. Test and debug hook for the
// invariant numFree == sum over all nodes.
func (s *shard) sumFree() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum uint64
	s.tree.Ascend(func(n *RangeNode) bool {
		sum += n.Blocks()
		return true
	})
	return sum
}
