package balloc

import (
	"fmt"

	"github.com/marmos91/tierfs/internal/logger"
)

// Extent is one live block range reported by the write-entry log during
// mount-time recovery.
type Extent struct {
	Tier   int
	Block  uint64 // global block number
	Blocks uint64
}

// Recover rebuilds free space from the durable write-entry log. Free-range
// trees are never persisted: the allocator starts with every shard fully
// free and carves out each extent the log scan reports.
//
// The iterator is expected to visit every live extent exactly once. An
// extent that is not fully free indicates the log and the configured tier
// geometry disagree; recovery stops with an error rather than mounting an
// inconsistent allocator.
func (a *Allocator) Recover(scan func(yield func(Extent) error) error) error {
	var carved uint64

	err := scan(func(e Extent) error {
		if e.Blocks == 0 {
			return nil
		}
		if e.Tier < 0 || e.Tier >= len(a.tiers) {
			return fmt.Errorf("%w: extent on unknown tier %d", ErrOutOfRange, e.Tier)
		}

		s := a.shardOf(e.Tier, e.Block)
		if s == nil {
			return fmt.Errorf("%w: extent block %d outside tier %d shards",
				ErrOutOfRange, e.Block, e.Tier)
		}
		if err := s.carve(e.Block, e.Blocks); err != nil {
			return fmt.Errorf("carve extent [%d, %d) on tier %d: %w",
				e.Block, e.Block+e.Blocks, e.Tier, err)
		}

		carved += e.Blocks
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild free lists: %w", err)
	}

	a.publishUsage()
	logger.Info("rebuilt free lists from write-entry log", "live_blocks", carved)
	return nil
}
