package migrate

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/tierfs/pkg/balloc"
	"github.com/marmos91/tierfs/pkg/device"
	"github.com/marmos91/tierfs/pkg/extent"
	"github.com/marmos91/tierfs/pkg/store/entrylog"
	"github.com/marmos91/tierfs/pkg/tier"
)

// testMount is the in-memory harness: a pmem tier of 1024 blocks and one
// block tier of 4096 blocks with a 16-block optimal unit.
type testMount struct {
	alloc   *balloc.Allocator
	devices device.Set
	log     *entrylog.MemoryLog
	table   *extent.Table
	engine  *Engine
}

func newTestMount(t *testing.T) *testMount {
	t.Helper()
	return newTestMountDevices(t, device.Set{
		device.NewMemoryDevice(1024, 0),
		device.NewMemoryDevice(4096, 4),
	}, 8)
}

func newTestMountDevices(t *testing.T, devices device.Set, stagingPages uint32) *testMount {
	t.Helper()

	alloc, err := balloc.New(devices.Geometries(), 2, balloc.DefaultWatermarkPercent, nil)
	require.NoError(t, err)

	log := entrylog.NewMemoryLog()
	table := extent.NewTable()
	return &testMount{
		alloc:   alloc,
		devices: devices,
		log:     log,
		table:   table,
		engine:  NewEngine(alloc, devices, log, table, Config{StagingPages: stagingPages}),
	}
}

// writeEntry allocates blocks on the tier, fills them with the pattern and
// registers a committed write entry for the inode.
func (m *testMount) writeEntry(t *testing.T, ino *extent.Inode, pgoff uint64, num uint32, on tier.Tier, pattern byte) *extent.WriteEntry {
	t.Helper()
	ctx := context.Background()

	block, granted, err := m.alloc.Allocate(int(on), balloc.AnyShard, uint64(num), balloc.FromHead)
	require.NoError(t, err)
	require.EqualValues(t, num, granted)

	data := bytes.Repeat([]byte{pattern}, int(num)*tier.BlockSize)
	local := block - m.alloc.TierStart(int(on))
	require.NoError(t, m.devices[int(on)].WriteBlocks(ctx, local, uint64(num), data, true))

	e := &extent.WriteEntry{Pgoff: pgoff, NumPages: num, Block: block, Tier: on, TransID: ino.TransID()}
	e.UpdateChecksum()
	ino.Entries().Insert(e)
	require.NoError(t, m.log.Append(ctx, entrylog.RecordOf(ino.Ino, e)))
	ino.RecomputeTierState()
	return e
}

// readPages returns the bytes the entry maps.
func (m *testMount) readPages(t *testing.T, e *extent.WriteEntry) []byte {
	t.Helper()
	buf := make([]byte, int(e.NumPages)*tier.BlockSize)
	local := e.Block - m.alloc.TierStart(int(e.Tier))
	require.NoError(t, m.devices[int(e.Tier)].ReadBlocks(context.Background(), local, uint64(e.NumPages), buf))
	return buf
}

func TestMigrateEntry(t *testing.T) {
	m := newTestMount(t)
	ctx := context.Background()

	ino := m.table.GetOrCreate(100, tier.Pmem)
	e := m.writeEntry(t, ino, 0, 8, tier.Pmem, 0xaa)

	fresh, err := m.engine.MigrateEntry(ctx, ino, e, tier.BdevLow)
	require.NoError(t, err)

	assert.Equal(t, tier.BdevLow, fresh.Tier)
	assert.EqualValues(t, 0, fresh.Pgoff)
	assert.EqualValues(t, 8, fresh.NumPages)
	assert.True(t, fresh.ChecksumOK())
	assert.EqualValues(t, 1, fresh.TransID, "commit bumps the transaction ID")

	// Data followed the entry.
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, 8*tier.BlockSize), m.readPages(t, fresh))

	// Source blocks returned to the pmem tier.
	used, _ := m.alloc.Usage(0)
	assert.Zero(t, used)
	used, _ = m.alloc.Usage(1)
	assert.EqualValues(t, 8, used)

	// The index serves the new mapping.
	got := ino.Entries().Lookup(4)
	require.NotNil(t, got)
	assert.Same(t, fresh, got)

	// The log holds exactly the new record.
	recs, err := m.log.Entries(ctx, 100)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, tier.BdevLow, recs[0].Tier)
	assert.Equal(t, fresh.Block, recs[0].Block)
}

func TestMigrateEntrySkipsBusy(t *testing.T) {
	m := newTestMount(t)
	ino := m.table.GetOrCreate(100, tier.Pmem)
	e := m.writeEntry(t, ino, 0, 4, tier.Pmem, 0x11)

	require.True(t, e.TryMark())
	_, err := m.engine.MigrateEntry(context.Background(), ino, e, tier.BdevLow)
	assert.ErrorIs(t, err, ErrEntryBusy)

	// Untouched: mapping, data and free counts are as before.
	used, _ := m.alloc.Usage(1)
	assert.Zero(t, used)
	assert.Same(t, e, ino.Entries().Lookup(0))
}

func TestMigrateEntrySameTier(t *testing.T) {
	m := newTestMount(t)
	ino := m.table.GetOrCreate(100, tier.Pmem)
	e := m.writeEntry(t, ino, 0, 4, tier.Pmem, 0x11)

	_, err := m.engine.MigrateEntry(context.Background(), ino, e, tier.Pmem)
	assert.ErrorIs(t, err, ErrSameTier)
}

func TestMigrateEntryCorrupt(t *testing.T) {
	m := newTestMount(t)
	ino := m.table.GetOrCreate(100, tier.Pmem)
	e := m.writeEntry(t, ino, 0, 4, tier.Pmem, 0x11)
	e.Checksum ^= 1

	_, err := m.engine.MigrateEntry(context.Background(), ino, e, tier.BdevLow)
	assert.ErrorIs(t, err, ErrCorruptEntry)
}

func TestMigrateFileSplitsAtUnitBoundary(t *testing.T) {
	m := newTestMount(t)
	ctx := context.Background()

	// One entry of 20 pages crosses the destination's 16-block unit.
	ino := m.table.GetOrCreate(100, tier.Pmem)
	m.writeEntry(t, ino, 0, 20, tier.Pmem, 0xcd)

	require.NoError(t, m.engine.MigrateFile(ctx, ino, tier.Pmem, tier.BdevLow))

	entries := ino.Entries().Entries()
	require.Len(t, entries, 2, "crossing entry split into two")

	assert.EqualValues(t, 0, entries[0].Pgoff)
	assert.EqualValues(t, 16, entries[0].NumPages)
	assert.EqualValues(t, 16, entries[1].Pgoff)
	assert.EqualValues(t, 4, entries[1].NumPages)
	for _, e := range entries {
		assert.Equal(t, tier.BdevLow, e.Tier, "both halves moved")
		assert.False(t, e.CrossesBoundary(4))
		assert.Equal(t, bytes.Repeat([]byte{0xcd}, int(e.NumPages)*tier.BlockSize), m.readPages(t, e))
	}

	// Every pmem block came back; the destination holds exactly 20.
	used, _ := m.alloc.Usage(0)
	assert.Zero(t, used)
	used, _ = m.alloc.Usage(1)
	assert.EqualValues(t, 20, used)

	// The compacted log matches the index.
	recs, err := m.log.Entries(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	assert.Equal(t, tier.BdevLow, ino.CurrentTier())
	assert.Zero(t, ino.MixedTierOffset())
}

func TestMigrateFileGroupsAdjacentEntries(t *testing.T) {
	m := newTestMount(t)
	ctx := context.Background()

	// Four contiguous 4-page entries fill one destination unit.
	ino := m.table.GetOrCreate(100, tier.Pmem)
	for i := uint64(0); i < 4; i++ {
		m.writeEntry(t, ino, i*4, 4, tier.Pmem, byte(0x10+i))
	}

	require.NoError(t, m.engine.MigrateFile(ctx, ino, tier.Pmem, tier.BdevLow))

	entries := ino.Entries().Entries()
	require.Len(t, entries, 1, "group commits as one merged entry")
	merged := entries[0]
	assert.EqualValues(t, 0, merged.Pgoff)
	assert.EqualValues(t, 16, merged.NumPages)
	assert.Equal(t, tier.BdevLow, merged.Tier)

	// Each source entry's pattern sits at its page position.
	data := m.readPages(t, merged)
	for i := 0; i < 4; i++ {
		off := i * 4 * tier.BlockSize
		assert.Equal(t, byte(0x10+i), data[off], "page group %d", i)
	}

	used, _ := m.alloc.Usage(0)
	assert.Zero(t, used)
	used, _ = m.alloc.Usage(1)
	assert.EqualValues(t, 16, used, "unused unit edges were freed")

	recs, err := m.log.Entries(ctx, 100)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.EqualValues(t, 16, recs[0].NumPages)
}

func TestMigrateGroupSkipsBusyMember(t *testing.T) {
	m := newTestMount(t)
	ino := m.table.GetOrCreate(100, tier.Pmem)
	a := m.writeEntry(t, ino, 0, 4, tier.Pmem, 0x01)
	b := m.writeEntry(t, ino, 4, 4, tier.Pmem, 0x02)

	require.True(t, b.TryMark())
	_, err := m.engine.MigrateGroup(context.Background(), ino, []*extent.WriteEntry{a, b}, tier.BdevLow)
	assert.ErrorIs(t, err, ErrEntryBusy)

	assert.False(t, a.Migrating(), "mark on the first member was unwound")
	used, _ := m.alloc.Usage(1)
	assert.Zero(t, used)
}

func TestMigrateFilePartialWindowStaysPerEntry(t *testing.T) {
	m := newTestMount(t)
	ctx := context.Background()

	// Two contiguous entries cover only [0,8) of the destination's
	// 16-block unit: not a full tiling, so no group and no unit-sized
	// tail allocation.
	ino := m.table.GetOrCreate(100, tier.Pmem)
	m.writeEntry(t, ino, 0, 4, tier.Pmem, 0x11)
	m.writeEntry(t, ino, 4, 4, tier.Pmem, 0x22)

	require.NoError(t, m.engine.MigrateFile(ctx, ino, tier.Pmem, tier.BdevLow))

	entries := ino.Entries().Entries()
	require.Len(t, entries, 2, "partial window moves entry by entry, unmerged")
	for i, pattern := range []byte{0x11, 0x22} {
		assert.Equal(t, tier.BdevLow, entries[i].Tier)
		assert.EqualValues(t, 4, entries[i].NumPages)
		assert.Equal(t, bytes.Repeat([]byte{pattern}, 4*tier.BlockSize), m.readPages(t, entries[i]))
	}

	used, _ := m.alloc.Usage(1)
	assert.EqualValues(t, 8, used, "exactly the copied pages, no unit reservation")
}

func TestMigrateFileUnalignedRunStaysPerEntry(t *testing.T) {
	m := newTestMount(t)
	ctx := context.Background()

	// Contiguous run [4,20) spans a boundary but starts mid-unit; no
	// window is fully tiled, so both units fall to the per-entry path.
	ino := m.table.GetOrCreate(100, tier.Pmem)
	m.writeEntry(t, ino, 4, 12, tier.Pmem, 0x31)
	m.writeEntry(t, ino, 16, 4, tier.Pmem, 0x32)

	require.NoError(t, m.engine.MigrateFile(ctx, ino, tier.Pmem, tier.BdevLow))

	entries := ino.Entries().Entries()
	require.Len(t, entries, 2)
	assert.EqualValues(t, 4, entries[0].Pgoff)
	assert.EqualValues(t, 16, entries[1].Pgoff)
	for _, e := range entries {
		assert.Equal(t, tier.BdevLow, e.Tier)
	}
	used, _ := m.alloc.Usage(1)
	assert.EqualValues(t, 16, used)
}

func TestMigrateFileOnlyMovesSourceTierEntries(t *testing.T) {
	m := newTestMountDevices(t, device.Set{
		device.NewMemoryDevice(1024, 0),
		device.NewMemoryDevice(4096, 4),
		device.NewMemoryDevice(4096, 4),
	}, 8)
	ctx := context.Background()

	// Mixed file: home entry on pmem, a second entry stranded on the
	// slowest tier by an earlier partial pass.
	ino := m.table.GetOrCreate(100, tier.Pmem)
	m.writeEntry(t, ino, 0, 4, tier.Pmem, 0x01)
	slow := m.writeEntry(t, ino, 4, 4, tier.BdevLow+1, 0x02)

	require.NoError(t, m.engine.MigrateFile(ctx, ino, tier.Pmem, tier.BdevLow))

	// The pmem entry drained down; the slow-tier entry was not pulled up.
	moved := ino.Entries().Lookup(0)
	require.NotNil(t, moved)
	assert.Equal(t, tier.BdevLow, moved.Tier)

	assert.Same(t, slow, ino.Entries().Lookup(4))
	assert.Equal(t, tier.BdevLow+1, slow.Tier)

	usedSlow, _ := m.alloc.Usage(2)
	assert.EqualValues(t, 4, usedSlow, "slow tier still holds its entry")
	usedMid, _ := m.alloc.Usage(1)
	assert.EqualValues(t, 4, usedMid, "only the pmem entry landed here")
}

// opaqueDevice forwards to a memory device without exposing its backing
// memory, so copies involving it cannot take the byte-addressable paths.
type opaqueDevice struct {
	mem *device.MemoryDevice
}

func (d *opaqueDevice) ReadBlocks(ctx context.Context, blockOff, num uint64, buf []byte) error {
	return d.mem.ReadBlocks(ctx, blockOff, num, buf)
}

func (d *opaqueDevice) WriteBlocks(ctx context.Context, blockOff, num uint64, buf []byte, sync bool) error {
	return d.mem.WriteBlocks(ctx, blockOff, num, buf, sync)
}

func (d *opaqueDevice) Flush(ctx context.Context) error { return d.mem.Flush(ctx) }
func (d *opaqueDevice) CapacityBlocks() uint64          { return d.mem.CapacityBlocks() }
func (d *opaqueDevice) OptimalUnitBits() uint           { return d.mem.OptimalUnitBits() }
func (d *opaqueDevice) Close() error                    { return d.mem.Close() }

func TestMigrateEntryStagedCopy(t *testing.T) {
	// Neither device is byte-addressable, so the copy must relay through
	// the staging buffer; two pages of staging against an eight-page
	// entry forces the chunked loop.
	m := newTestMountDevices(t, device.Set{
		&opaqueDevice{mem: device.NewMemoryDevice(1024, 0)},
		&opaqueDevice{mem: device.NewMemoryDevice(4096, 4)},
	}, 2)
	ctx := context.Background()

	ino := m.table.GetOrCreate(100, tier.Pmem)
	e := m.writeEntry(t, ino, 0, 8, tier.Pmem, 0x5a)

	fresh, err := m.engine.MigrateEntry(ctx, ino, e, tier.BdevLow)
	require.NoError(t, err)
	assert.Equal(t, tier.BdevLow, fresh.Tier)
	assert.Equal(t, bytes.Repeat([]byte{0x5a}, 8*tier.BlockSize), m.readPages(t, fresh))

	used, _ := m.alloc.Usage(0)
	assert.Zero(t, used, "source blocks freed after the staged copy")

	// The slot was released: a second staged copy goes through.
	back, err := m.engine.MigrateEntry(ctx, ino, fresh, tier.Pmem)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x5a}, 8*tier.BlockSize), m.readPages(t, back))
}

func TestStagingBufferSingleSlot(t *testing.T) {
	b := NewStagingBuffer(2)
	assert.EqualValues(t, 2, b.Pages())

	buf, release, err := b.Acquire(context.Background())
	require.NoError(t, err)
	assert.Len(t, buf, 2*tier.BlockSize)

	// Slot held: a second acquirer waits until its context gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err = b.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	_, release, err = b.Acquire(context.Background())
	require.NoError(t, err)
	release()
}

func TestRotate(t *testing.T) {
	m := newTestMount(t)
	ctx := context.Background()

	ino := m.table.GetOrCreate(100, tier.Pmem)
	m.writeEntry(t, ino, 0, 8, tier.Pmem, 0x42)

	// pmem -> bdev0.
	require.NoError(t, m.engine.Rotate(ctx, ino))
	assert.Equal(t, tier.BdevLow, ino.CurrentTier())

	// Last tier rotates back to pmem.
	require.NoError(t, m.engine.Rotate(ctx, ino))
	assert.Equal(t, tier.Pmem, ino.CurrentTier())
}

func TestRotateRefusesMixedFile(t *testing.T) {
	m := newTestMount(t)
	ino := m.table.GetOrCreate(100, tier.Pmem)
	m.writeEntry(t, ino, 0, 4, tier.Pmem, 0x01)
	m.writeEntry(t, ino, 4, 4, tier.BdevLow, 0x02)

	err := m.engine.Rotate(context.Background(), ino)
	assert.ErrorIs(t, err, ErrMixedTiers)
}

func TestMigrateDownward(t *testing.T) {
	m := newTestMount(t)
	ctx := context.Background()

	// Push pmem over its 80% watermark with two files.
	heavy := m.table.GetOrCreate(100, tier.Pmem)
	m.writeEntry(t, heavy, 0, 500, tier.Pmem, 0x01)
	light := m.table.GetOrCreate(101, tier.Pmem)
	m.writeEntry(t, light, 0, 340, tier.Pmem, 0x02)
	require.True(t, m.alloc.UsageHigh(0))

	moved, err := m.engine.MigrateDownward(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved, "one file per overloaded tier per call")

	used, _ := m.alloc.Usage(1)
	assert.NotZero(t, used, "some data landed on the block tier")

	// Draining repeatedly brings the tier under its watermark.
	for i := 0; i < 4 && m.alloc.UsageHigh(0); i++ {
		_, err = m.engine.MigrateDownward(ctx)
		require.NoError(t, err)
	}
	assert.False(t, m.alloc.UsageHigh(0))
}

func TestMigrateFileToPmem(t *testing.T) {
	m := newTestMount(t)
	ctx := context.Background()

	ino := m.table.GetOrCreate(100, tier.BdevLow)
	m.writeEntry(t, ino, 0, 8, tier.BdevLow, 0x77)

	require.NoError(t, m.engine.MigrateFileToPmem(ctx, ino))

	assert.Equal(t, tier.Pmem, ino.CurrentTier())
	e := ino.Entries().Lookup(0)
	require.NotNil(t, e)
	assert.Equal(t, bytes.Repeat([]byte{0x77}, 8*tier.BlockSize), m.readPages(t, e))
}

func TestMigrateFileByEntriesKeepsEntriesSeparate(t *testing.T) {
	m := newTestMount(t)
	ctx := context.Background()

	ino := m.table.GetOrCreate(100, tier.Pmem)
	m.writeEntry(t, ino, 0, 4, tier.Pmem, 0x11)
	m.writeEntry(t, ino, 4, 4, tier.Pmem, 0x22)

	require.NoError(t, m.engine.MigrateFileByEntries(ctx, ino, tier.Pmem, tier.BdevLow))

	// Adjacent entries that MigrateFile would merge stay distinct here.
	assert.Equal(t, 2, ino.Entries().Len())
	for pgoff, pattern := range map[uint64]byte{0: 0x11, 4: 0x22} {
		e := ino.Entries().Lookup(pgoff)
		require.NotNil(t, e)
		assert.Equal(t, tier.BdevLow, e.Tier)
		assert.Equal(t, bytes.Repeat([]byte{pattern}, 4*tier.BlockSize), m.readPages(t, e))
	}
	assert.Equal(t, tier.BdevLow, ino.CurrentTier())
}

func TestMigrateFileIsExclusive(t *testing.T) {
	m := newTestMount(t)
	ino := m.table.GetOrCreate(100, tier.Pmem)
	m.writeEntry(t, ino, 0, 4, tier.Pmem, 0x01)

	require.True(t, ino.TryLockMigration())
	err := m.engine.MigrateFile(context.Background(), ino, tier.Pmem, tier.BdevLow)
	assert.ErrorIs(t, err, ErrEntryBusy)
}
