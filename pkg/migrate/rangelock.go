package migrate

import (
	"sync"

	"github.com/marmos91/tierfs/pkg/tier"
)

// blockRange identifies a physical block interval on one tier. High is
// inclusive.
type blockRange struct {
	tier tier.Tier
	low  uint64
	high uint64
}

func (r blockRange) overlaps(o blockRange) bool {
	return r.tier == o.tier && r.low <= o.high && o.low <= r.high
}

// RangeLockMap is a try-lock over physical block ranges. A copy locks its
// source and destination ranges so two migrations never read or write
// overlapping blocks at the same time. Contention is rare (movers work
// disjoint files), so held ranges live in a small slice scanned linearly.
type RangeLockMap struct {
	mu   sync.Mutex
	held []blockRange
}

// NewRangeLockMap returns an empty lock map.
func NewRangeLockMap() *RangeLockMap {
	return &RangeLockMap{}
}

// TryLock claims [block, block+num) on the given tier. It returns false
// without blocking when any held range overlaps.
func (m *RangeLockMap) TryLock(t tier.Tier, block, num uint64) bool {
	r := blockRange{tier: t, low: block, high: block + num - 1}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.held {
		if h.overlaps(r) {
			return false
		}
	}
	m.held = append(m.held, r)
	return true
}

// Unlock releases a range claimed by TryLock.
func (m *RangeLockMap) Unlock(t tier.Tier, block, num uint64) {
	r := blockRange{tier: t, low: block, high: block + num - 1}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, h := range m.held {
		if h == r {
			m.held[i] = m.held[len(m.held)-1]
			m.held = m.held[:len(m.held)-1]
			return
		}
	}
}
