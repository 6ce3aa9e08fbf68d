// Package device abstracts the storage behind each tier. A tier is backed
// by one block device: persistent memory mapped into the address space, a
// regular file, or (in tests) a byte slice. All devices speak in whole
// blocks; byte addressing stays inside the device.
package device

import (
	"context"
	"errors"

	"github.com/marmos91/tierfs/pkg/balloc"
	"github.com/marmos91/tierfs/pkg/tier"
)

var (
	ErrOutOfBounds = errors.New("device: block range out of bounds")
	ErrShortBuffer = errors.New("device: buffer smaller than block range")
	ErrClosed      = errors.New("device: closed")
)

// BlockDevice is the storage behind one tier. Offsets are device-local
// block numbers starting at zero; the allocator's tier start is already
// subtracted by the caller.
//
// Implementations track in-flight writes; Flush is the drain barrier
// migration commits behind, and also forces dirty data to stable media.
type BlockDevice interface {
	// ReadBlocks fills buf with num blocks starting at blockOff.
	ReadBlocks(ctx context.Context, blockOff, num uint64, buf []byte) error

	// WriteBlocks writes num blocks from buf at blockOff. With sync set
	// the write reaches stable media before returning.
	WriteBlocks(ctx context.Context, blockOff, num uint64, buf []byte, sync bool) error

	// Flush waits for every in-flight write to finish and forces dirty
	// data down. No write started after Flush returns is covered.
	Flush(ctx context.Context) error

	// CapacityBlocks returns the device size in blocks.
	CapacityBlocks() uint64

	// OptimalUnitBits returns log2 of the device's preferred transfer
	// unit in blocks, or zero when the device has no preference.
	OptimalUnitBits() uint

	Close() error
}

// DirectAccess is implemented by byte-addressable devices. Slice exposes
// the backing memory of a block range, letting copies skip the read path.
type DirectAccess interface {
	Slice(blockOff, num uint64) ([]byte, error)
}

// checkRange validates a block range and buffer against a device capacity.
func checkRange(blockOff, num, capacity uint64, buf []byte) error {
	if num == 0 || blockOff+num < blockOff || blockOff+num > capacity {
		return ErrOutOfBounds
	}
	if uint64(len(buf)) < num*tier.BlockSize {
		return ErrShortBuffer
	}
	return nil
}

// ============================================================================
// Device sets
// ============================================================================

// Set maps tier IDs to their backing devices, in tier order.
type Set []BlockDevice

// Geometries derives the allocator geometry from the devices.
func (s Set) Geometries() []balloc.Geometry {
	out := make([]balloc.Geometry, len(s))
	for i, d := range s {
		out[i] = balloc.Geometry{
			CapacityBlocks:  d.CapacityBlocks(),
			OptimalUnitBits: d.OptimalUnitBits(),
		}
	}
	return out
}

// Close closes every device, returning the first error.
func (s Set) Close() error {
	var first error
	for _, d := range s {
		if err := d.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
