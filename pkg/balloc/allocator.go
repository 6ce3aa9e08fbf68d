package balloc

import (
	"fmt"
	"sync/atomic"

	"github.com/marmos91/tierfs/internal/logger"
)

// Geometry describes the block capacity and preferred transfer unit of one
// tier's backing device.
type Geometry struct {
	// CapacityBlocks is the device capacity in blocks.
	CapacityBlocks uint64

	// OptimalUnitBits is log2 of the tier's optimal allocation and
	// transfer unit in blocks. Zero means no alignment preference (pmem).
	OptimalUnitBits uint
}

// DefaultWatermarkPercent is the usage percentage above which a tier is
// considered overloaded.
const DefaultWatermarkPercent = 80

// tierSpace is the block-number region and shard set of one tier.
type tierSpace struct {
	start    uint64 // first global block number of the tier
	capacity uint64
	optBits  uint
	shards   []*shard
}

// Allocator tracks free block ranges for every (tier, shard) pair and
// translates global block numbers back to tiers and device offsets.
//
// The global block space is a concatenation of the tiers' capacities in
// tier order; within a tier, shards own contiguous, non-overlapping
// sub-ranges. All state is mount-scoped: an Allocator is built at mount and
// discarded at unmount.
type Allocator struct {
	tiers         []tierSpace
	shardsPerTier int
	watermarkPct  int
	metrics       Metrics

	// rr spreads allocations without an explicit shard hint across shards,
	// standing in for a per-CPU hint.
	rr atomic.Uint32
}

// New builds an allocator over the given tier geometries. Each tier's
// capacity is partitioned into shardsPerTier contiguous shard ranges, and
// every shard starts as one free range spanning its whole partition.
func New(geometries []Geometry, shardsPerTier, watermarkPct int, m Metrics) (*Allocator, error) {
	if len(geometries) == 0 {
		return nil, fmt.Errorf("allocator needs at least one tier")
	}
	if shardsPerTier <= 0 {
		return nil, fmt.Errorf("shards per tier must be positive, got %d", shardsPerTier)
	}
	if watermarkPct <= 0 || watermarkPct > 100 {
		watermarkPct = DefaultWatermarkPercent
	}

	a := &Allocator{
		tiers:         make([]tierSpace, len(geometries)),
		shardsPerTier: shardsPerTier,
		watermarkPct:  watermarkPct,
		metrics:       m,
	}

	var next uint64
	for t, g := range geometries {
		if g.CapacityBlocks < uint64(shardsPerTier) {
			return nil, fmt.Errorf("tier %d capacity %d smaller than shard count %d",
				t, g.CapacityBlocks, shardsPerTier)
		}

		ts := tierSpace{
			start:    next,
			capacity: g.CapacityBlocks,
			optBits:  g.OptimalUnitBits,
			shards:   make([]*shard, shardsPerTier),
		}

		per := g.CapacityBlocks / uint64(shardsPerTier)
		start := next
		for i := 0; i < shardsPerTier; i++ {
			end := start + per - 1
			if i == shardsPerTier-1 {
				// Last shard absorbs the remainder.
				end = next + g.CapacityBlocks - 1
			}
			ts.shards[i] = newShard(t, i, start, end)
			start = end + 1
		}

		a.tiers[t] = ts
		next += g.CapacityBlocks

		logger.Debug("initialized tier block space",
			"tier", t, "start", ts.start, "blocks", ts.capacity, "shards", shardsPerTier)
	}

	a.publishUsage()
	return a, nil
}

// NumTiers returns the number of configured tiers.
func (a *Allocator) NumTiers() int {
	return len(a.tiers)
}

// OptimalUnitBits returns log2 of the tier's optimal unit in blocks.
func (a *Allocator) OptimalUnitBits(tierID int) uint {
	return a.tiers[tierID].optBits
}

// TierStart returns the first global block number of a tier.
func (a *Allocator) TierStart(tierID int) uint64 {
	return a.tiers[tierID].start
}

// AnyShard requests automatic shard selection in Allocate.
const AnyShard = -1

// Allocate carves num contiguous blocks from the given tier.
//
// The starting shard is shardHint, or a rotating pick when shardHint is
// AnyShard. If the shard's free count is too low, the allocation retries
// against the same-tier shard with the most free blocks (best-effort read of
// the other shards' counters, bounded by stealRetries), then proceeds
// against the original shard regardless.
//
// Returns the first block number and the granted count. Callers must check
// the granted count rather than assume the full request was served.
// ErrNoSpace means no single contiguous free range could hold the request;
// fragmented free space is never combined.
func (a *Allocator) Allocate(tierID, shardHint int, num uint64, dir Direction) (uint64, uint64, error) {
	if tierID < 0 || tierID >= len(a.tiers) {
		return 0, 0, fmt.Errorf("%w: unknown tier %d", ErrInvalidRequest, tierID)
	}
	if num == 0 {
		return 0, 0, fmt.Errorf("%w: zero-length allocation", ErrInvalidRequest)
	}

	ts := &a.tiers[tierID]

	var origin *shard
	if shardHint >= 0 && shardHint < len(ts.shards) {
		origin = ts.shards[shardHint]
	} else {
		origin = ts.shards[int(a.rr.Add(1))%len(ts.shards)]
	}

	s := origin
	for attempt := 0; attempt <= stealRetries; attempt++ {
		if s.freeBlocks() >= num {
			blocknr, granted, err := s.alloc(num, dir, a.metrics)
			if err == nil {
				a.observeAlloc(tierID, num, granted)
				return blocknr, granted, nil
			}
		}
		if attempt < stealRetries {
			richest := a.richestShard(ts)
			if richest != s && a.metrics != nil {
				a.metrics.IncSteal(tierID)
			}
			s = richest
		}
	}

	// Retries exhausted: allocate anyway against the original shard. The
	// single-range scan still decides; a request larger than every free
	// range fails with ErrNoSpace.
	blocknr, granted, err := origin.alloc(num, dir, a.metrics)
	if err != nil {
		if a.metrics != nil {
			a.metrics.IncNoSpace(tierID)
		}
		logger.Debug("allocation failed",
			"tier", tierID, "shard", origin.id, "blocks", num, "direction", dir.String())
		return 0, 0, err
	}

	a.observeAlloc(tierID, num, granted)
	return blocknr, granted, nil
}

// Free returns num blocks starting at blocknr to the owning shard of the
// given tier. The owning shard is resolved by address-range containment;
// a block number outside every shard aborts with ErrOutOfRange.
func (a *Allocator) Free(tierID int, blocknr, num uint64) error {
	if tierID < 0 || tierID >= len(a.tiers) {
		return fmt.Errorf("%w: unknown tier %d", ErrInvalidRequest, tierID)
	}
	if num == 0 {
		return fmt.Errorf("%w: zero-length free", ErrInvalidRequest)
	}

	s := a.shardOf(tierID, blocknr)
	if s == nil || blocknr+num-1 > s.blockEnd {
		logger.Error("free target outside shard bounds",
			"tier", tierID, "blocknr", blocknr, "blocks", num)
		return fmt.Errorf("%w: free [%d, %d) on tier %d", ErrOutOfRange, blocknr, blocknr+num, tierID)
	}

	if err := s.free(blocknr, num); err != nil {
		logger.Error("free failed",
			"tier", tierID, "shard", s.id, "blocknr", blocknr, "blocks", num, "error", err)
		return err
	}

	if a.metrics != nil {
		a.metrics.ObserveFree(tierID, num)
	}
	a.publishTierUsage(tierID)
	return nil
}

// shardOf finds the shard containing a global block number by linear range
// containment over the tier's shard boundaries.
func (a *Allocator) shardOf(tierID int, blocknr uint64) *shard {
	for _, s := range a.tiers[tierID].shards {
		if s.contains(blocknr) {
			return s
		}
	}
	return nil
}

// Resolve translates a global block number to its tier, shard, and
// device-local block offset.
func (a *Allocator) Resolve(blocknr uint64) (BlockLocation, error) {
	for t := range a.tiers {
		ts := &a.tiers[t]
		if blocknr < ts.start || blocknr >= ts.start+ts.capacity {
			continue
		}
		for _, s := range ts.shards {
			if s.contains(blocknr) {
				return BlockLocation{Tier: t, Shard: s.id, Offset: blocknr - ts.start}, nil
			}
		}
	}
	return BlockLocation{}, fmt.Errorf("%w: block %d", ErrOutOfRange, blocknr)
}

// richestShard returns the tier's shard with the most free blocks, reading
// the counters without shard locks.
func (a *Allocator) richestShard(ts *tierSpace) *shard {
	best := ts.shards[0]
	for _, s := range ts.shards[1:] {
		if s.freeBlocks() > best.freeBlocks() {
			best = s
		}
	}
	return best
}

// Usage returns the used and total block counts of a tier.
func (a *Allocator) Usage(tierID int) (used, total uint64) {
	for _, s := range a.tiers[tierID].shards {
		total += s.numTotal
		used += s.numTotal - s.freeBlocks()
	}
	return used, total
}

// UsageHigh reports whether the tier's usage exceeds the configured
// watermark percentage.
func (a *Allocator) UsageHigh(tierID int) bool {
	used, total := a.Usage(tierID)
	return used*100 > uint64(a.watermarkPct)*total
}

// Stats returns per-tier usage summaries.
func (a *Allocator) Stats() []TierStats {
	stats := make([]TierStats, len(a.tiers))
	for t := range a.tiers {
		used, total := a.Usage(t)
		stats[t] = TierStats{
			Tier:        t,
			TotalBlocks: total,
			FreeBlocks:  total - used,
			UsedBlocks:  used,
			Shards:      len(a.tiers[t].shards),
		}
	}
	return stats
}

func (a *Allocator) observeAlloc(tierID int, requested, granted uint64) {
	if a.metrics != nil {
		a.metrics.ObserveAlloc(tierID, requested, granted)
	}
	a.publishTierUsage(tierID)
}

func (a *Allocator) publishTierUsage(tierID int) {
	if a.metrics == nil {
		return
	}
	used, total := a.Usage(tierID)
	a.metrics.SetFreeBlocks(tierID, total-used, total)
}

func (a *Allocator) publishUsage() {
	for t := range a.tiers {
		a.publishTierUsage(t)
	}
}
