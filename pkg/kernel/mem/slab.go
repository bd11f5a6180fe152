package mem

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	pageHdrSize  = 16 // next (8) + maxFree (4) + owner (4)
	blockHdrSize = 16 // prev (8) + size (4) + used (1) + pad

	// MaxAlloc is the largest payload the slab can serve from one page.
	MaxAlloc = PageSize - pageHdrSize - blockHdrSize
)

// Slab is the small-object allocator. Each CPU owns a chain of headered
// pages pulled from the pool; allocations carve 8-byte-aligned blocks out
// of them, frees coalesce with the physically next block and hand fully
// free pages back to the pool.
//
// Merging with the physically previous block is deliberately not done:
// the prev links are not maintained across splits, so a backward merge
// would corrupt the chain. See DESIGN.md.
type Slab struct {
	pool  *PagePool
	arena *Arena

	shards []slabShard
	locks  sync.Map // page base -> *sync.Mutex
	rr     atomic.Uint32
}

// slabShard is one CPU's page chain. mu guards the chain links (the
// next fields of the page headers); page contents are guarded by the
// per-page lock.
type slabShard struct {
	mu    sync.Mutex
	first uint64
}

// NewSlab builds a slab with one shard per CPU.
func NewSlab(pool *PagePool, ncpu int) *Slab {
	if ncpu <= 0 {
		panic("mem: slab needs at least one cpu shard")
	}
	return &Slab{pool: pool, arena: pool.Arena(), shards: make([]slabShard, ncpu)}
}

// Alloc carves a block of at least size bytes, choosing a shard for the
// caller. Host-level callers (tests, the block cache) have no CPU
// identity, so shards are rotated.
func (s *Slab) Alloc(size uint32) uint64 {
	return s.AllocOn(int(s.rr.Add(1))%len(s.shards), size)
}

// AllocOn carves a block of at least size bytes from the given CPU's
// page chain, pulling a fresh page from the pool when no page fits.
// The returned address is 8-byte aligned.
func (s *Slab) AllocOn(cpu int, size uint32) uint64 {
	if size == 0 {
		size = 8
	}
	if r := size % 8; r != 0 {
		size += 8 - r
	}
	if size > MaxAlloc {
		panic(fmt.Sprintf("mem: alloc of %d bytes exceeds page capacity", size))
	}

	sh := &s.shards[cpu]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for pg := sh.first; pg != 0; pg = s.arena.readU64(pg) {
		l := s.lockOf(pg)
		if !l.TryLock() {
			continue // contended, skip
		}
		if s.arena.readU32(pg+8) >= size {
			addr := s.carve(pg, size)
			l.Unlock()
			return addr
		}
		l.Unlock()
	}

	// No page fits; pull a fresh frame and link it in front.
	pg := s.pool.AllocPage()
	s.arena.writeU64(pg, sh.first)
	s.arena.writeU32(pg+8, MaxAlloc)
	s.arena.writeU32(pg+12, uint32(cpu))
	first := pg + pageHdrSize
	s.arena.writeU64(first, first) // prev of the first block is itself
	s.arena.writeU32(first+8, MaxAlloc)
	s.arena.writeU8(first+12, 0)
	sh.first = pg

	l := s.lockOf(pg)
	l.Lock()
	addr := s.carve(pg, size)
	l.Unlock()
	return addr
}

// carve finds a free block of at least size bytes in pg and marks it
// used, splitting off the remainder when it can hold another header.
// Caller holds the page lock, and the hint guarantees a fit.
func (s *Slab) carve(pg uint64, size uint32) uint64 {
	end := pg + PageSize
	blk := pg + pageHdrSize
	for {
		if blk >= end {
			panic(fmt.Sprintf("mem: page %#x max-free hint violated", pg))
		}
		if s.arena.readU8(blk+12) == 0 && s.arena.readU32(blk+8) >= size {
			break
		}
		blk += blockHdrSize + uint64(s.arena.readU32(blk+8))
	}

	orig := s.arena.readU32(blk + 8)
	if orig-size <= blockHdrSize {
		// Remainder cannot hold a header, consume the whole block.
		s.arena.writeU8(blk+12, 1)
	} else {
		nblk := blk + blockHdrSize + uint64(size)
		s.arena.writeU64(nblk, blk)
		s.arena.writeU32(nblk+8, orig-blockHdrSize-size)
		s.arena.writeU8(nblk+12, 0)
		s.arena.writeU32(blk+8, size)
		s.arena.writeU8(blk+12, 1)
	}

	if orig == s.arena.readU32(pg+8) {
		s.recomputeMaxFree(pg)
	}
	return blk + blockHdrSize
}

// Free releases a block previously returned by Alloc, coalescing with
// the physically next block when that one is free. A page whose blocks
// are all free goes back to the pool.
func (s *Slab) Free(addr uint64) {
	pg := PageBase(addr)
	blk := addr - blockHdrSize
	l := s.lockOf(pg)
	l.Lock()

	if s.arena.readU8(blk+12) == 0 {
		l.Unlock()
		panic(fmt.Sprintf("mem: double free of %#x", addr))
	}
	s.arena.writeU8(blk+12, 0)

	end := pg + PageSize
	size := s.arena.readU32(blk + 8)
	next := blk + blockHdrSize + uint64(size)
	if next < end && s.arena.readU8(next+12) == 0 {
		nsize := s.arena.readU32(next + 8)
		size += blockHdrSize + nsize
		s.arena.writeU32(blk+8, size)
		if nnext := next + blockHdrSize + uint64(nsize); nnext < end {
			s.arena.writeU64(nnext, blk)
		}
	}

	if mf := s.arena.readU32(pg + 8); size > mf {
		s.arena.writeU32(pg+8, size)
	}

	// With the backward merge disabled a drained page may still be
	// fragmented into several free blocks, so reclaim on all-free
	// rather than on a single spanning block.
	if s.pageAllFree(pg) {
		s.reclaim(pg, l)
		return
	}
	l.Unlock()
}

func (s *Slab) pageAllFree(pg uint64) bool {
	end := pg + PageSize
	for blk := pg + pageHdrSize; blk < end; blk += blockHdrSize + uint64(s.arena.readU32(blk+8)) {
		if s.arena.readU8(blk+12) != 0 {
			return false
		}
	}
	return true
}

// reclaim unlinks a fully free page from its owner shard and returns it
// to the pool. Caller holds the page lock; the shard lock is taken here
// (allocators only try-lock pages, so the inverse order cannot deadlock).
func (s *Slab) reclaim(pg uint64, l *sync.Mutex) {
	sh := &s.shards[s.arena.readU32(pg+12)]
	sh.mu.Lock()
	if sh.first == pg {
		sh.first = s.arena.readU64(pg)
	} else {
		for p := sh.first; p != 0; p = s.arena.readU64(p) {
			if s.arena.readU64(p) == pg {
				s.arena.writeU64(p, s.arena.readU64(pg))
				break
			}
		}
	}
	sh.mu.Unlock()
	s.locks.Delete(pg)
	l.Unlock()
	s.pool.FreePage(pg)
}

func (s *Slab) recomputeMaxFree(pg uint64) {
	end := pg + PageSize
	var max uint32
	for blk := pg + pageHdrSize; blk < end; blk += blockHdrSize + uint64(s.arena.readU32(blk+8)) {
		if s.arena.readU8(blk+12) == 0 && s.arena.readU32(blk+8) > max {
			max = s.arena.readU32(blk + 8)
		}
	}
	s.arena.writeU32(pg+8, max)
}

func (s *Slab) lockOf(pg uint64) *sync.Mutex {
	l, _ := s.locks.LoadOrStore(pg, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Bytes returns a view of a block's payload. The caller must know the
// block's size; the view never crosses a page boundary.
func (s *Slab) Bytes(addr uint64, n uint32) []byte { return s.arena.Bytes(addr, n) }

// Pages reports the number of pages currently held across all shards.
func (s *Slab) Pages() int {
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for pg := sh.first; pg != 0; pg = s.arena.readU64(pg) {
			total++
		}
		sh.mu.Unlock()
	}
	return total
}

// CheckIntegrity walks every page and verifies the block-header chain:
// headers strictly monotonic and in bounds, sizes 8-byte aligned, and
// the max-free hint equal to the largest free block. Intended for tests.
func (s *Slab) CheckIntegrity() error {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for pg := sh.first; pg != 0; pg = s.arena.readU64(pg) {
			l := s.lockOf(pg)
			l.Lock()
			err := s.checkPage(pg)
			l.Unlock()
			if err != nil {
				sh.mu.Unlock()
				return err
			}
		}
		sh.mu.Unlock()
	}
	return nil
}

func (s *Slab) checkPage(pg uint64) error {
	end := pg + PageSize
	var max uint32
	blk := pg + pageHdrSize
	for blk < end {
		size := s.arena.readU32(blk + 8)
		if size%8 != 0 {
			return fmt.Errorf("mem: page %#x block %#x has unaligned size %d", pg, blk, size)
		}
		nxt := blk + blockHdrSize + uint64(size)
		if nxt <= blk || nxt > end {
			return fmt.Errorf("mem: page %#x block %#x size %d escapes page", pg, blk, size)
		}
		if s.arena.readU8(blk+12) == 0 && size > max {
			max = size
		}
		blk = nxt
	}
	if blk != end {
		return fmt.Errorf("mem: page %#x chain ends at %#x, not page end", pg, blk)
	}
	if mf := s.arena.readU32(pg + 8); mf != max {
		return fmt.Errorf("mem: page %#x max-free hint %d, largest free block %d", pg, mf, max)
	}
	return nil
}
