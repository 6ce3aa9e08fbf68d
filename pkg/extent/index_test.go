package extent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/tierfs/pkg/tier"
)

func TestIndexLookup(t *testing.T) {
	ix := NewIndex()
	ix.Insert(&WriteEntry{Pgoff: 0, NumPages: 8, Block: 100})
	ix.Insert(&WriteEntry{Pgoff: 16, NumPages: 4, Block: 200})

	e := ix.Lookup(3)
	require.NotNil(t, e)
	assert.EqualValues(t, 0, e.Pgoff)

	e = ix.Lookup(16)
	require.NotNil(t, e)
	assert.EqualValues(t, 200, e.Block)

	assert.Nil(t, ix.Lookup(8), "hole between entries")
	assert.Nil(t, ix.Lookup(20), "past the last entry")
}

func TestIndexRemove(t *testing.T) {
	ix := NewIndex()
	ix.Insert(&WriteEntry{Pgoff: 5, NumPages: 3})

	assert.Nil(t, ix.Remove(4))
	e := ix.Remove(5)
	require.NotNil(t, e)
	assert.Zero(t, ix.Len())
}

func TestIndexReassign(t *testing.T) {
	ix := NewIndex()
	old := &WriteEntry{Pgoff: 0, NumPages: 20, Block: 100, Tier: tier.Pmem}
	ix.Insert(old)

	prefix := &WriteEntry{Pgoff: 0, NumPages: 16, Block: 4096, Tier: tier.BdevLow}
	suffix := &WriteEntry{Pgoff: 16, NumPages: 4, Block: 116, Tier: tier.Pmem}
	ix.Reassign(old, prefix, suffix)

	assert.Equal(t, 2, ix.Len())
	e := ix.Lookup(10)
	require.NotNil(t, e)
	assert.Equal(t, tier.BdevLow, e.Tier)
	e = ix.Lookup(18)
	require.NotNil(t, e)
	assert.Equal(t, tier.Pmem, e.Tier)
}

func TestIndexAscendRange(t *testing.T) {
	ix := NewIndex()
	for _, pgoff := range []uint64{0, 10, 20, 30} {
		ix.Insert(&WriteEntry{Pgoff: pgoff, NumPages: 5})
	}

	var got []uint64
	ix.AscendRange(10, 30, func(e *WriteEntry) bool {
		got = append(got, e.Pgoff)
		return true
	})
	assert.Equal(t, []uint64{10, 20}, got)
}
