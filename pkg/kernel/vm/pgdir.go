// Package vm implements the per-process page directory: a four-level
// page table whose tables are page frames in the kernel arena. The
// scheduler attaches a directory on every switch into a non-idle
// process; the rest of the kernel treats it as opaque.
package vm

import (
	"encoding/binary"

	"github.com/ja7ad/minikern/pkg/kernel/mem"
)

const (
	// PTEsPerTable is the number of 8-byte entries in one table frame.
	PTEsPerTable = mem.PageSize / 8

	// PTEValid marks an entry as present.
	PTEValid uint64 = 1 << 0
	// PTETable marks an entry as pointing to a next-level table.
	PTETable uint64 = 1<<1 | PTEValid

	pteAddrMask uint64 = ^uint64(mem.PageSize - 1)

	levels = 4
)

// vaPart extracts the 9-bit table index of va at the given level
// (level 0 is the root).
func vaPart(va uint64, level int) uint64 {
	shift := 12 + 9*(levels-1-level)
	return (va >> shift) & (PTEsPerTable - 1)
}

// PageDir is one address space. The zero value is an empty directory
// with no tables allocated.
type PageDir struct {
	pool *mem.PagePool
	root uint64 // level-0 table frame, 0 when empty
}

// New returns an empty page directory backed by the given pool.
func New(pool *mem.PagePool) *PageDir {
	return &PageDir{pool: pool}
}

// Root returns the address of the level-0 table, or 0 when the
// directory is empty. This is the value the scheduler installs on
// attach (the model's translation base register).
func (d *PageDir) Root() uint64 { return d.root }

// GetPTE returns the address of the level-3 entry for va, allocating
// missing intermediate tables when alloc is true. Without alloc, a
// missing level yields ok=false. The entry itself need not be valid.
func (d *PageDir) GetPTE(va uint64, alloc bool) (pte uint64, ok bool) {
	arena := d.pool.Arena()
	if d.root == 0 {
		if !alloc {
			return 0, false
		}
		d.root = d.pool.AllocPage()
	}
	table := d.root
	for level := 0; level < levels-1; level++ {
		slot := table + 8*vaPart(va, level)
		entry := readU64(arena, slot)
		if entry&PTEValid == 0 {
			if !alloc {
				return 0, false
			}
			child := d.pool.AllocPage()
			writeU64(arena, slot, child|PTETable)
			table = child
			continue
		}
		table = entry & pteAddrMask
	}
	return table + 8*vaPart(va, levels-1), true
}

// Map installs a leaf mapping va -> pa|flags, allocating tables as
// needed.
func (d *PageDir) Map(va, pa, flags uint64) {
	pte, _ := d.GetPTE(va, true)
	writeU64(d.pool.Arena(), pte, (pa&pteAddrMask)|flags|PTEValid)
}

// Lookup walks the directory without allocating and returns the leaf
// entry for va.
func (d *PageDir) Lookup(va uint64) (entry uint64, ok bool) {
	pte, ok := d.GetPTE(va, false)
	if !ok {
		return 0, false
	}
	entry = readU64(d.pool.Arena(), pte)
	return entry, entry&PTEValid != 0
}

// Free walks all populated levels and returns their frames to the pool.
// Pages described by leaf entries are not freed; they belong to whoever
// mapped them.
func (d *PageDir) Free() {
	if d.root == 0 {
		return
	}
	d.freeTable(d.root, 0)
	d.root = 0
}

func (d *PageDir) freeTable(table uint64, level int) {
	if level < levels-1 {
		arena := d.pool.Arena()
		for i := uint64(0); i < PTEsPerTable; i++ {
			entry := readU64(arena, table+8*i)
			if entry&PTEValid != 0 {
				d.freeTable(entry&pteAddrMask, level+1)
			}
		}
	}
	d.pool.FreePage(table)
}

func readU64(a *mem.Arena, addr uint64) uint64 {
	return binary.LittleEndian.Uint64(a.Bytes(addr, 8))
}

func writeU64(a *mem.Arena, addr, v uint64) {
	binary.LittleEndian.PutUint64(a.Bytes(addr, 8), v)
}
