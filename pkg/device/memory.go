package device

import (
	"context"
	"sync/atomic"

	"github.com/marmos91/tierfs/pkg/tier"
)

// MemoryDevice backs a tier with a byte slice. It is the test double for
// both device kinds: it implements DirectAccess like a pmem device and the
// block read/write path like a file device.
type MemoryDevice struct {
	data    []byte
	optBits uint
	pending *pendingIO
	closed  atomic.Bool
}

// NewMemoryDevice allocates an in-memory device of the given size.
func NewMemoryDevice(capacityBlocks uint64, optBits uint) *MemoryDevice {
	return &MemoryDevice{
		data:    make([]byte, capacityBlocks*tier.BlockSize),
		optBits: optBits,
		pending: newPendingIO(),
	}
}

func (d *MemoryDevice) ReadBlocks(ctx context.Context, blockOff, num uint64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.closed.Load() {
		return ErrClosed
	}
	if err := checkRange(blockOff, num, d.CapacityBlocks(), buf); err != nil {
		return err
	}

	copy(buf[:num*tier.BlockSize], d.data[blockOff*tier.BlockSize:])
	return nil
}

func (d *MemoryDevice) WriteBlocks(ctx context.Context, blockOff, num uint64, buf []byte, sync bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.closed.Load() {
		return ErrClosed
	}
	if err := checkRange(blockOff, num, d.CapacityBlocks(), buf); err != nil {
		return err
	}

	d.pending.begin()
	defer d.pending.end()

	copy(d.data[blockOff*tier.BlockSize:], buf[:num*tier.BlockSize])
	return nil
}

func (d *MemoryDevice) Flush(ctx context.Context) error {
	return d.pending.drain(ctx)
}

func (d *MemoryDevice) CapacityBlocks() uint64 {
	return uint64(len(d.data)) / tier.BlockSize
}

func (d *MemoryDevice) OptimalUnitBits() uint {
	return d.optBits
}

// Slice exposes the backing bytes of a block range.
func (d *MemoryDevice) Slice(blockOff, num uint64) ([]byte, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if num == 0 || blockOff+num > d.CapacityBlocks() {
		return nil, ErrOutOfBounds
	}
	start := blockOff * tier.BlockSize
	return d.data[start : start+num*tier.BlockSize], nil
}

func (d *MemoryDevice) Close() error {
	d.closed.Store(true)
	return nil
}
