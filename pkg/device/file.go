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

// FileDevice backs a tier with a regular file or raw block device node,
// using positioned reads and writes so concurrent I/O never contends on a
// file offset.
type FileDevice struct {
	path     string
	file     *os.File
	capacity uint64 // blocks
	optBits  uint
	pending  *pendingIO
	closed   atomic.Bool
}

// OpenFileDevice opens (or creates) a file-backed device. A zero
// capacityBlocks adopts the file's current size; otherwise the file is
// extended to the requested capacity.
func OpenFileDevice(path string, capacityBlocks uint64, optBits uint) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat device %s: %w", path, err)
	}

	if capacityBlocks == 0 {
		capacityBlocks = uint64(info.Size()) / tier.BlockSize
	} else if uint64(info.Size()) < capacityBlocks*tier.BlockSize {
		if err := f.Truncate(int64(capacityBlocks * tier.BlockSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("size device %s: %w", path, err)
		}
	}
	if capacityBlocks == 0 {
		f.Close()
		return nil, fmt.Errorf("device %s: zero capacity", path)
	}

	logger.Info("opened block device",
		"path", path, "capacity_blocks", capacityBlocks, "optimal_unit_bits", optBits)

	return &FileDevice{
		path:     path,
		file:     f,
		capacity: capacityBlocks,
		optBits:  optBits,
		pending:  newPendingIO(),
	}, nil
}

func (d *FileDevice) ReadBlocks(ctx context.Context, blockOff, num uint64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.closed.Load() {
		return ErrClosed
	}
	if err := checkRange(blockOff, num, d.capacity, buf); err != nil {
		return err
	}

	want := int(num * tier.BlockSize)
	off := int64(blockOff * tier.BlockSize)
	for done := 0; done < want; {
		n, err := unix.Pread(int(d.file.Fd()), buf[done:want], off+int64(done))
		if err != nil {
			return fmt.Errorf("read %s at block %d: %w", d.path, blockOff, err)
		}
		if n == 0 {
			return fmt.Errorf("read %s at block %d: unexpected EOF", d.path, blockOff)
		}
		done += n
	}
	return nil
}

func (d *FileDevice) WriteBlocks(ctx context.Context, blockOff, num uint64, buf []byte, sync bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.closed.Load() {
		return ErrClosed
	}
	if err := checkRange(blockOff, num, d.capacity, buf); err != nil {
		return err
	}

	d.pending.begin()
	defer d.pending.end()

	want := int(num * tier.BlockSize)
	off := int64(blockOff * tier.BlockSize)
	for done := 0; done < want; {
		n, err := unix.Pwrite(int(d.file.Fd()), buf[done:want], off+int64(done))
		if err != nil {
			return fmt.Errorf("write %s at block %d: %w", d.path, blockOff, err)
		}
		done += n
	}

	if sync {
		if err := unix.Fdatasync(int(d.file.Fd())); err != nil {
			return fmt.Errorf("sync %s: %w", d.path, err)
		}
	}
	return nil
}

func (d *FileDevice) Flush(ctx context.Context) error {
	if err := d.pending.drain(ctx); err != nil {
		return err
	}
	if d.closed.Load() {
		return ErrClosed
	}
	if err := unix.Fdatasync(int(d.file.Fd())); err != nil {
		return fmt.Errorf("sync %s: %w", d.path, err)
	}
	return nil
}

func (d *FileDevice) CapacityBlocks() uint64 {
	return d.capacity
}

func (d *FileDevice) OptimalUnitBits() uint {
	return d.optBits
}

func (d *FileDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	logger.Debug("closing block device", "path", d.path)
	return d.file.Close()
}
