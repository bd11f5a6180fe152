package cache

import "fmt"

func bitGet(buf []byte, i uint32) bool { return buf[i/8]&(1<<(i%8)) != 0 }

func bitSet(buf []byte, i uint32) { buf[i/8] |= 1 << (i % 8) }

func bitClear(buf []byte, i uint32) { buf[i/8] &^= 1 << (i % 8) }

// Alloc finds a free block on the device, marks it in the allocation
// bitmap through the transaction, and returns its number zeroed.
//
// The scan starts at the bitmap's own block number rather than at the
// first data block; see DESIGN.md — this is only sound while a single
// bitmap block covers the whole device.
//
// The fresh block is zeroed with a direct device write that bypasses
// the log: the bitmap commit is the authoritative record, and a crash
// before it leaves the block free.
func (c *Cache) Alloc(ctx *OpContext) uint32 {
	bm := c.Acquire(c.bmBno)
	for i := c.bmBno; i < c.sb.NumBlocks; i++ {
		if bitGet(bm.data, i) {
			continue
		}
		bitSet(bm.data, i)
		c.Sync(ctx, bm)
		c.Release(bm)

		b := c.Acquire(i)
		for j := range b.data {
			b.data[j] = 0
		}
		c.Sync(nil, b)
		c.Release(b)
		return i
	}
	c.Release(bm)
	panic("cache: device full")
}

// Free clears a block's bitmap bit through the transaction.
func (c *Cache) Free(ctx *OpContext, blockNo uint32) {
	if blockNo >= c.sb.NumBlocks {
		panic(fmt.Sprintf("cache: freeing block %d beyond device end", blockNo))
	}
	bm := c.Acquire(c.bmBno)
	bitClear(bm.data, blockNo)
	c.Sync(ctx, bm)
	c.Release(bm)
}
