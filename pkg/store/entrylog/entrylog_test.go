package entrylog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/tierfs/pkg/tier"
)

func rec(ino, pgoff uint64, num uint32, block uint64, t tier.Tier) Record {
	r := Record{Ino: ino, Pgoff: pgoff, NumPages: num, Block: block, Tier: t, TransID: 1}
	r.UpdateChecksum()
	return r
}

// runLogSuite exercises one Log implementation through the shared contract.
func runLogSuite(t *testing.T, open func(t *testing.T) Log) {
	ctx := context.Background()

	t.Run("append and read back", func(t *testing.T) {
		l := open(t)
		defer l.Close()

		require.NoError(t, l.Append(ctx,
			rec(10, 0, 16, 1000, tier.Pmem),
			rec(10, 16, 4, 1016, tier.Pmem),
		))

		recs, err := l.Entries(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.EqualValues(t, 0, recs[0].Pgoff, "records come back page-ordered")
		assert.EqualValues(t, 16, recs[1].Pgoff)

		recs, err = l.Entries(ctx, 11)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("same key supersedes", func(t *testing.T) {
		l := open(t)
		defer l.Close()

		require.NoError(t, l.Append(ctx, rec(10, 0, 16, 1000, tier.Pmem)))
		require.NoError(t, l.Append(ctx, rec(10, 0, 16, 5000, tier.BdevLow)))

		recs, err := l.Entries(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.EqualValues(t, 5000, recs[0].Block)
		assert.Equal(t, tier.BdevLow, recs[0].Tier)
	})

	t.Run("commit adds and drops atomically", func(t *testing.T) {
		l := open(t)
		defer l.Close()

		require.NoError(t, l.Append(ctx,
			rec(10, 0, 16, 1000, tier.Pmem),
			rec(10, 16, 16, 1016, tier.Pmem),
		))

		// A group migration replaces two entries with one merged entry.
		merged := rec(10, 0, 32, 8000, tier.BdevLow)
		require.NoError(t, l.Commit(ctx, 10, []Record{merged}, []uint64{16}))

		recs, err := l.Entries(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.EqualValues(t, 32, recs[0].NumPages)
	})

	t.Run("compact rewrites to the live set", func(t *testing.T) {
		l := open(t)
		defer l.Close()

		require.NoError(t, l.Append(ctx,
			rec(10, 0, 8, 1000, tier.Pmem),
			rec(10, 8, 8, 1008, tier.Pmem),
			rec(10, 32, 8, 1032, tier.Pmem),
		))

		require.NoError(t, l.Compact(ctx, 10, []Record{rec(10, 8, 8, 2000, tier.BdevLow)}))

		recs, err := l.Entries(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.EqualValues(t, 8, recs[0].Pgoff)
		assert.EqualValues(t, 2000, recs[0].Block)
	})

	t.Run("scan visits every record", func(t *testing.T) {
		l := open(t)
		defer l.Close()

		require.NoError(t, l.Append(ctx, rec(10, 0, 8, 1000, tier.Pmem)))
		require.NoError(t, l.Append(ctx, rec(20, 64, 16, 3000, tier.BdevLow)))

		seen := map[uint64]Record{}
		require.NoError(t, l.Scan(ctx, func(r Record) error {
			seen[r.Ino] = r
			return nil
		}))
		require.Len(t, seen, 2)
		assert.EqualValues(t, 64, seen[20].Pgoff)
	})

	t.Run("scan rejects corrupt records", func(t *testing.T) {
		l := open(t)
		defer l.Close()

		bad := rec(10, 0, 8, 1000, tier.Pmem)
		bad.Checksum ^= 0xdeadbeef
		require.NoError(t, l.Append(ctx, bad))

		err := l.Scan(ctx, func(Record) error { return nil })
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})
}

func TestMemoryLog(t *testing.T) {
	runLogSuite(t, func(t *testing.T) Log {
		return NewMemoryLog()
	})
}

func TestBadgerLog(t *testing.T) {
	runLogSuite(t, func(t *testing.T) Log {
		l, err := OpenBadger(t.TempDir())
		require.NoError(t, err)
		return l
	})
}

func TestRecordRoundTrip(t *testing.T) {
	r := rec(42, 128, 16, 9000, tier.BdevLow)

	e := r.Entry()
	assert.True(t, e.ChecksumOK())

	back := RecordOf(42, e)
	assert.Equal(t, r, back)
}

func TestMemoryLogClosed(t *testing.T) {
	l := NewMemoryLog()
	require.NoError(t, l.Close())

	err := l.Append(context.Background(), rec(1, 0, 1, 0, tier.Pmem))
	assert.ErrorIs(t, err, ErrClosed)
}
