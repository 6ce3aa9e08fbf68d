package device

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/marmos91/tierfs/internal/logger"
	"github.com/marmos91/tierfs/pkg/tier"
)

// PmemDevice maps a persistent-memory character device (or a regular file
// standing in for one) into the address space. Reads and writes are memory
// copies; Slice hands out the mapping directly so the copy path can work
// in place.
type PmemDevice struct {
	path    string
	file    *os.File
	data    []byte
	pending *pendingIO
	closed  atomic.Bool
}

// OpenPmemDevice maps the file at path. A zero capacityBlocks adopts the
// file's current size; otherwise the file is extended before mapping.
func OpenPmemDevice(path string, capacityBlocks uint64) (*PmemDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open pmem %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat pmem %s: %w", path, err)
	}

	size := capacityBlocks * tier.BlockSize
	if capacityBlocks == 0 {
		size = uint64(info.Size()) / tier.BlockSize * tier.BlockSize
	} else if uint64(info.Size()) < size {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("size pmem %s: %w", path, err)
		}
	}
	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("pmem %s: zero capacity", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map pmem %s: %w", path, err)
	}

	logger.Info("mapped pmem device", "path", path, "capacity_blocks", size/tier.BlockSize)

	return &PmemDevice{
		path:    path,
		file:    f,
		data:    data,
		pending: newPendingIO(),
	}, nil
}

func (d *PmemDevice) ReadBlocks(ctx context.Context, blockOff, num uint64, buf []byte) error {
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

func (d *PmemDevice) WriteBlocks(ctx context.Context, blockOff, num uint64, buf []byte, sync bool) error {
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

	start := blockOff * tier.BlockSize
	length := num * tier.BlockSize
	copy(d.data[start:], buf[:length])

	if sync {
		if err := unix.Msync(d.data[start:start+length], unix.MS_SYNC); err != nil {
			return fmt.Errorf("msync pmem %s: %w", d.path, err)
		}
	}
	return nil
}

func (d *PmemDevice) Flush(ctx context.Context) error {
	if err := d.pending.drain(ctx); err != nil {
		return err
	}
	if d.closed.Load() {
		return ErrClosed
	}
	if err := unix.Msync(d.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync pmem %s: %w", d.path, err)
	}
	return nil
}

func (d *PmemDevice) CapacityBlocks() uint64 {
	return uint64(len(d.data)) / tier.BlockSize
}

// OptimalUnitBits is zero: byte-addressable media has no preferred transfer
// unit, any block run migrates as-is.
func (d *PmemDevice) OptimalUnitBits() uint {
	return 0
}

// Slice exposes the mapped bytes of a block range for in-place access.
func (d *PmemDevice) Slice(blockOff, num uint64) ([]byte, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if num == 0 || blockOff+num > d.CapacityBlocks() {
		return nil, ErrOutOfBounds
	}
	start := blockOff * tier.BlockSize
	return d.data[start : start+num*tier.BlockSize], nil
}

func (d *PmemDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	logger.Debug("unmapping pmem device", "path", d.path)

	_ = unix.Msync(d.data, unix.MS_SYNC)
	if err := unix.Munmap(d.data); err != nil {
		d.file.Close()
		return fmt.Errorf("unmap pmem %s: %w", d.path, err)
	}
	return d.file.Close()
}
