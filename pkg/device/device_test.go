package device

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/tierfs/pkg/tier"
)

// runDeviceSuite exercises one BlockDevice implementation through the
// shared contract.
func runDeviceSuite(t *testing.T, open func(t *testing.T, capacityBlocks uint64) BlockDevice) {
	ctx := context.Background()

	t.Run("write read round trip", func(t *testing.T) {
		d := open(t, 16)
		defer d.Close()

		out := bytes.Repeat([]byte{0xab}, 2*tier.BlockSize)
		require.NoError(t, d.WriteBlocks(ctx, 4, 2, out, true))

		in := make([]byte, 2*tier.BlockSize)
		require.NoError(t, d.ReadBlocks(ctx, 4, 2, in))
		assert.Equal(t, out, in)
	})

	t.Run("bounds checking", func(t *testing.T) {
		d := open(t, 16)
		defer d.Close()

		buf := make([]byte, tier.BlockSize)
		assert.ErrorIs(t, d.ReadBlocks(ctx, 16, 1, buf), ErrOutOfBounds)
		assert.ErrorIs(t, d.WriteBlocks(ctx, 15, 2, make([]byte, 2*tier.BlockSize), false), ErrOutOfBounds)
		assert.ErrorIs(t, d.ReadBlocks(ctx, 0, 0, buf), ErrOutOfBounds)
		assert.ErrorIs(t, d.ReadBlocks(ctx, 0, 2, buf), ErrShortBuffer)
	})

	t.Run("flush drains concurrent writes", func(t *testing.T) {
		d := open(t, 64)
		defer d.Close()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(block uint64) {
				defer wg.Done()
				buf := bytes.Repeat([]byte{byte(block)}, tier.BlockSize)
				_ = d.WriteBlocks(ctx, block, 1, buf, false)
			}(uint64(i))
		}
		wg.Wait()

		require.NoError(t, d.Flush(ctx))

		buf := make([]byte, tier.BlockSize)
		require.NoError(t, d.ReadBlocks(ctx, 3, 1, buf))
		assert.Equal(t, byte(3), buf[0])
	})

	t.Run("closed device rejects io", func(t *testing.T) {
		d := open(t, 16)
		require.NoError(t, d.Close())

		buf := make([]byte, tier.BlockSize)
		assert.ErrorIs(t, d.ReadBlocks(ctx, 0, 1, buf), ErrClosed)
		assert.ErrorIs(t, d.WriteBlocks(ctx, 0, 1, buf, false), ErrClosed)
	})
}

func TestMemoryDevice(t *testing.T) {
	runDeviceSuite(t, func(t *testing.T, capacityBlocks uint64) BlockDevice {
		return NewMemoryDevice(capacityBlocks, 4)
	})
}

func TestFileDevice(t *testing.T) {
	runDeviceSuite(t, func(t *testing.T, capacityBlocks uint64) BlockDevice {
		d, err := OpenFileDevice(filepath.Join(t.TempDir(), "bdev.img"), capacityBlocks, 4)
		require.NoError(t, err)
		return d
	})
}

func TestPmemDevice(t *testing.T) {
	runDeviceSuite(t, func(t *testing.T, capacityBlocks uint64) BlockDevice {
		d, err := OpenPmemDevice(filepath.Join(t.TempDir(), "pmem.img"), capacityBlocks)
		require.NoError(t, err)
		return d
	})
}

func TestDirectAccessSlice(t *testing.T) {
	d := NewMemoryDevice(8, 0)
	defer d.Close()

	ctx := context.Background()
	out := bytes.Repeat([]byte{0x5a}, tier.BlockSize)
	require.NoError(t, d.WriteBlocks(ctx, 2, 1, out, false))

	s, err := d.Slice(2, 1)
	require.NoError(t, err)
	assert.Equal(t, out, s)

	// Writes through the slice land in the device.
	s[0] = 0xff
	in := make([]byte, tier.BlockSize)
	require.NoError(t, d.ReadBlocks(ctx, 2, 1, in))
	assert.Equal(t, byte(0xff), in[0])

	_, err = d.Slice(8, 1)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestFileDeviceAdoptsExistingSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bdev.img")

	d, err := OpenFileDevice(path, 32, 4)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	reopened, err := OpenFileDevice(path, 0, 4)
	require.NoError(t, err)
	defer reopened.Close()
	assert.EqualValues(t, 32, reopened.CapacityBlocks())
	assert.EqualValues(t, 4, reopened.OptimalUnitBits())
}

func TestSetGeometries(t *testing.T) {
	s := Set{NewMemoryDevice(1024, 0), NewMemoryDevice(4096, 4)}
	defer s.Close()

	geos := s.Geometries()
	require.Len(t, geos, 2)
	assert.EqualValues(t, 1024, geos[0].CapacityBlocks)
	assert.EqualValues(t, 0, geos[0].OptimalUnitBits)
	assert.EqualValues(t, 4096, geos[1].CapacityBlocks)
	assert.EqualValues(t, 4, geos[1].OptimalUnitBits)
}
