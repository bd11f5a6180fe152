// Package mem implements the kernel memory core: a flat physical-memory
// arena, a free-page pool over it, and a per-CPU slab-like small-object
// allocator that carves headered blocks out of pool pages.
//
// All allocator metadata (free-list links, page headers, block headers)
// lives inside the arena bytes, at the addresses the kernel would use,
// so layout invariants are enforced on real memory:
//
//   - every payload address is 8-byte aligned and lies strictly between a
//     block header and the end of its page;
//   - block headers form a strictly monotonic chain within a page;
//   - a page's max-free hint equals the largest free block whenever the
//     page lock is released.
//
// Addresses are uint64 values relative to the arena base (KernBase). An
// address is only meaningful together with the arena that issued it.
package mem
