package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ja7ad/minikern/pkg/kernel/mem"
)

func TestPageDir_GetPTEAllocatesLevels(t *testing.T) {
	pool := mem.NewPagePool(mem.NewArena(64 * mem.PageSize))
	d := New(pool)

	_, ok := d.GetPTE(0x1000, false)
	assert.False(t, ok, "no tables should exist before the first alloc walk")
	assert.Zero(t, d.Root())

	pte, ok := d.GetPTE(0x1000, true)
	require.True(t, ok)
	require.NotZero(t, pte)
	assert.EqualValues(t, 4, pool.Live(), "one table frame per level")

	// Same virtual address reuses the same entry without new frames.
	pte2, ok := d.GetPTE(0x1000, true)
	require.True(t, ok)
	assert.Equal(t, pte, pte2)
	assert.EqualValues(t, 4, pool.Live())

	// A neighbor in the same level-3 table allocates nothing.
	_, ok = d.GetPTE(0x2000, true)
	require.True(t, ok)
	assert.EqualValues(t, 4, pool.Live())

	// A distant address forks the tree below the root.
	_, ok = d.GetPTE(1<<39|0x1000, true)
	require.True(t, ok)
	assert.EqualValues(t, 7, pool.Live())
}

func TestPageDir_MapLookup(t *testing.T) {
	pool := mem.NewPagePool(mem.NewArena(64 * mem.PageSize))
	d := New(pool)

	frame := pool.AllocPage()
	d.Map(0x40_0000, frame, 0)

	entry, ok := d.Lookup(0x40_0000)
	require.True(t, ok)
	assert.Equal(t, frame, entry&^uint64(mem.PageSize-1))

	_, ok = d.Lookup(0x80_0000)
	assert.False(t, ok)
}

func TestPageDir_FreeReturnsAllTableFrames(t *testing.T) {
	pool := mem.NewPagePool(mem.NewArena(256 * mem.PageSize))
	d := New(pool)

	vas := []uint64{0x0, 0x1000, 1 << 21, 1 << 30, 1 << 39, 1<<39 | 1<<30}
	for _, va := range vas {
		_, ok := d.GetPTE(va, true)
		require.True(t, ok)
	}
	require.Positive(t, pool.Live())

	d.Free()
	assert.EqualValues(t, 0, pool.Live(), "every populated level goes back to the pool")
	assert.Zero(t, d.Root())

	// Freeing an empty directory is a no-op.
	d.Free()
	assert.EqualValues(t, 0, pool.Live())
}

func TestPageDir_FreeKeepsLeafFrames(t *testing.T) {
	pool := mem.NewPagePool(mem.NewArena(64 * mem.PageSize))
	d := New(pool)

	frame := pool.AllocPage()
	d.Map(0x1000, frame, 0)
	d.Free()

	// The mapped data frame stays allocated; only table frames return.
	assert.EqualValues(t, 1, pool.Live())
	pool.FreePage(frame)
}
