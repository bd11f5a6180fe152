// Package cache implements the block cache and its write-ahead log: an
// MRU-front LRU of fixed-size device blocks, and a transactional
// group-commit protocol (BeginOp / Sync / EndOp) that keeps the device
// crash-consistent.
//
// Block data buffers are carved from the kernel's small-object
// allocator; the cache owns them for as long as the block stays cached.
//
// Commit protocol: an op reserves OpMaxNumBlocks log slots at BeginOp,
// records touched blocks at Sync (duplicates within the op are
// absorbed locally), and merges its list into the shared log at EndOp
// (duplicates across ops are absorbed globally). The last in-flight op
// commits for everyone: logged payloads go to the log area, the header
// write is the commit point, blocks are installed at their home
// locations, and the header is zeroed. An EndOp returns only once the
// commit is durable. At construction, a nonzero on-disk header is
// replayed before the cache goes live.
//
// Synchronization: the op admission lock is taken before the shared log
// lock, and the commit path holds both while it acquires the logged
// blocks (cache list lock and per-block sleep locks) and then takes the
// pending-op list lock. The cache runs on host-level primitives so it
// can be exercised without a running scheduler.
package cache
