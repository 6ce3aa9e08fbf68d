package migrate

import (
	"context"

	"github.com/marmos91/tierfs/pkg/tier"
)

// DefaultStagingPages is the staging buffer capacity when the config leaves
// it unset.
const DefaultStagingPages = 256

// StagingBuffer is the bounce buffer for copies between two devices that
// are not byte-addressable. It is a single slot: one copy stages at a time,
// and acquisition blocks (context-aware) until the slot frees up.
type StagingBuffer struct {
	slot chan struct{}
	buf  []byte
}

// NewStagingBuffer allocates a staging buffer of the given capacity in
// pages.
func NewStagingBuffer(pages uint32) *StagingBuffer {
	if pages == 0 {
		pages = DefaultStagingPages
	}
	b := &StagingBuffer{
		slot: make(chan struct{}, 1),
		buf:  make([]byte, uint64(pages)*tier.BlockSize),
	}
	return b
}

// Pages returns the buffer capacity in pages.
func (b *StagingBuffer) Pages() uint32 {
	return uint32(uint64(len(b.buf)) / tier.BlockSize)
}

// Acquire claims the slot and returns the buffer plus its release func.
func (b *StagingBuffer) Acquire(ctx context.Context) ([]byte, func(), error) {
	select {
	case b.slot <- struct{}{}:
		return b.buf, func() { <-b.slot }, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}
