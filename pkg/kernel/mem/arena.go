package mem

import (
	"encoding/binary"
	"fmt"
)

const (
	// PageSize is the platform page frame size.
	PageSize = 4096

	// KernBase is the address of the first frame. A nonzero base keeps
	// address zero free to mean "null" in in-arena links.
	KernBase uint64 = 0x40000000
)

// Arena models the machine's physical memory as a single byte slice.
// Frame and block addresses handed out by the allocators are offsets
// into this slice, shifted by KernBase.
type Arena struct {
	buf []byte
}

// NewArena creates an arena of the given size, rounded up to a whole
// number of pages.
func NewArena(size uint64) *Arena {
	if size == 0 {
		panic("mem: zero-sized arena")
	}
	if r := size % PageSize; r != 0 {
		size += PageSize - r
	}
	return &Arena{buf: make([]byte, size)}
}

// Base returns the address of the first byte of physical memory.
func (a *Arena) Base() uint64 { return KernBase }

// End returns one past the last valid address.
func (a *Arena) End() uint64 { return KernBase + uint64(len(a.buf)) }

// Size returns the arena size in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.buf)) }

// Bytes returns a view of n bytes of memory starting at addr. The view
// aliases the arena; writes through it are visible to everyone holding
// the relevant lock.
func (a *Arena) Bytes(addr uint64, n uint32) []byte {
	off := a.offset(addr)
	if off+uint64(n) > uint64(len(a.buf)) {
		panic(fmt.Sprintf("mem: range [%#x, %#x) outside arena", addr, addr+uint64(n)))
	}
	return a.buf[off : off+uint64(n) : off+uint64(n)]
}

func (a *Arena) offset(addr uint64) uint64 {
	if addr < KernBase || addr >= a.End() {
		panic(fmt.Sprintf("mem: address %#x outside arena [%#x, %#x)", addr, KernBase, a.End()))
	}
	return addr - KernBase
}

func (a *Arena) readU64(addr uint64) uint64 {
	return binary.LittleEndian.Uint64(a.Bytes(addr, 8))
}

func (a *Arena) writeU64(addr, v uint64) {
	binary.LittleEndian.PutUint64(a.Bytes(addr, 8), v)
}

func (a *Arena) readU32(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(a.Bytes(addr, 4))
}

func (a *Arena) writeU32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(a.Bytes(addr, 4), v)
}

func (a *Arena) readU8(addr uint64) uint8 { return a.Bytes(addr, 1)[0] }

func (a *Arena) writeU8(addr uint64, v uint8) { a.Bytes(addr, 1)[0] = v }

func (a *Arena) zero(addr uint64, n uint32) {
	b := a.Bytes(addr, n)
	for i := range b {
		b[i] = 0
	}
}

// PageBase aligns addr down to the start of its page frame.
func PageBase(addr uint64) uint64 { return addr &^ (PageSize - 1) }
