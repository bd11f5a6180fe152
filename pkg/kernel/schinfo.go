package kernel

import (
	"sync/atomic"

	"github.com/google/btree"
)

// tsNone marks lastrun/traptime as unset. Timestamps are milliseconds
// since boot and therefore never negative.
const tsNone int64 = -1

// SchInfo is the per-entity scheduling record embedded in processes and
// containers. All fields are guarded by the scheduler lock except
// traptime, which the trap path stamps without it.
type SchInfo struct {
	vruntime int64
	lastrun  int64
	traptime atomic.Int64

	isContainer bool
	seq         uint64 // identity, breaks vruntime ties deterministically
	queued      bool

	proc  *Proc      // set when !isContainer
	group *Container // set when isContainer
}

func (k *Kernel) initSchInfo(si *SchInfo, group bool) {
	si.vruntime = 0
	si.lastrun = tsNone
	si.traptime.Store(tsNone)
	si.isContainer = group
	si.seq = k.seq.Add(1)
}

// schQueue is one container's sched index: an ordered set of SchInfo
// keyed by (vruntime, seq). Mutated only under the scheduler lock.
type schQueue struct {
	tree *btree.BTreeG[*SchInfo]
}

func schLess(a, b *SchInfo) bool {
	if a.vruntime != b.vruntime {
		return a.vruntime < b.vruntime
	}
	return a.seq < b.seq
}

func newSchQueue() *schQueue {
	return &schQueue{tree: btree.NewG(2, schLess)}
}

func (q *schQueue) insert(si *SchInfo) {
	if si.queued {
		panic("kernel: sched node inserted twice")
	}
	q.tree.ReplaceOrInsert(si)
	si.queued = true
}

func (q *schQueue) erase(si *SchInfo) {
	if _, ok := q.tree.Delete(si); !ok {
		panic("kernel: sched node missing on erase")
	}
	si.queued = false
}

// first returns the entity with the smallest vruntime, or nil.
func (q *schQueue) first() *SchInfo {
	si, ok := q.tree.Min()
	if !ok {
		return nil
	}
	return si
}

func (q *schQueue) empty() bool { return q.tree.Len() == 0 }
