package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchQueue_OrderAndTies(t *testing.T) {
	k := New(&Config{NCPU: 1, MemSize: 4 << 20})
	q := newSchQueue()

	mk := func(vr int64) *SchInfo {
		si := &SchInfo{}
		k.initSchInfo(si, false)
		si.vruntime = vr
		return si
	}

	a, b, c := mk(30), mk(10), mk(10)
	q.insert(a)
	q.insert(b)
	q.insert(c)

	// Smallest vruntime first; equal keys break ties by creation order.
	require.Same(t, b, q.first())
	q.erase(b)
	require.Same(t, c, q.first())
	q.erase(c)
	require.Same(t, a, q.first())
	q.erase(a)
	assert.Nil(t, q.first())
	assert.True(t, q.empty())
}

func TestSchQueue_DoubleInsertPanics(t *testing.T) {
	k := New(&Config{NCPU: 1, MemSize: 4 << 20})
	q := newSchQueue()
	si := &SchInfo{}
	k.initSchInfo(si, false)
	q.insert(si)
	require.Panics(t, func() { q.insert(si) })
}

func TestNewProc_KernelStackLayout(t *testing.T) {
	k := New(&Config{NCPU: 1, MemSize: 8 << 20})
	p := k.newProc()

	require.NotZero(t, p.kstack)
	assert.Zero(t, p.kstack%4096)
	// Context frames sit at the top of the stack page, 16-byte aligned,
	// user frame above kernel frame.
	assert.Zero(t, p.ucontextAddr%16)
	assert.Zero(t, p.kcontextAddr%16)
	assert.Less(t, p.kcontextAddr, p.ucontextAddr)
	assert.Less(t, p.ucontextAddr, p.kstack+4096)
	assert.Greater(t, p.kcontextAddr, p.kstack)
}

// runnableProc builds a process in container c with a pinned vruntime,
// indexed as RUNNABLE, without going through activation's snapping.
func runnableProc(k *Kernel, c *Container, vr int64) *Proc {
	p := k.newProc()
	p.container = c
	p.state = Runnable
	p.schinfo.vruntime = vr
	c.schqueue.insert(&p.schinfo)
	return p
}

func TestPickNext_HierarchicalDescent(t *testing.T) {
	k := New(&Config{NCPU: 1, MemSize: 16 << 20})
	cpu := k.cpus[0]

	// Root index: process A (vr 5), container C (vr 0) holding process
	// B (vr 50). The container's smaller key wins the root comparison,
	// so the descent must surface B despite B's large vruntime.
	sub := k.newContainer()
	sub.parent = k.root
	sub.schinfo.vruntime = 0
	k.root.schqueue.insert(&sub.schinfo)

	a := runnableProc(k, k.root, 5)
	b := runnableProc(k, sub, 50)

	k.schedMu.Lock()
	picked := k.pickNext(cpu)
	k.schedMu.Unlock()
	require.Same(t, b, picked)
	assert.False(t, b.schinfo.queued, "pick removes the node from its index")

	// Next pick finds A: the container is still present but empty.
	k.schedMu.Lock()
	picked = k.pickNext(cpu)
	k.schedMu.Unlock()
	require.Same(t, a, picked)

	// Nothing left anywhere: the CPU's idle task runs.
	k.schedMu.Lock()
	picked = k.pickNext(cpu)
	k.schedMu.Unlock()
	assert.Same(t, cpu.idle, picked)
}

func TestActivate_SnapsToQueueMinimum(t *testing.T) {
	k := New(&Config{NCPU: 1, MemSize: 16 << 20})

	runnableProc(k, k.root, 700)
	p := k.newProc()
	p.schinfo.vruntime = 5 // long sleeper, far behind

	require.True(t, k.activateProc(p, false))
	assert.EqualValues(t, 700, p.schinfo.vruntime,
		"activation snaps vruntime to the index minimum")
	assert.Equal(t, Runnable, p.state)

	// Re-activating a runnable process is a no-op.
	assert.False(t, k.activateProc(p, false))
}

func TestActivate_DeepSleepRejectsAlert(t *testing.T) {
	k := New(&Config{NCPU: 1, MemSize: 16 << 20})
	p := k.newProc()
	p.state = DeepSleeping

	assert.False(t, k.activateProc(p, true), "alerts must not wake an uninterruptible sleep")
	assert.Equal(t, DeepSleeping, p.state)

	assert.True(t, k.activateProc(p, false))
	assert.Equal(t, Runnable, p.state)
}

func TestActivate_ZombieStaysDown(t *testing.T) {
	k := New(&Config{NCPU: 1, MemSize: 16 << 20})
	p := k.newProc()
	p.state = Zombie
	assert.False(t, k.activateProc(p, false))
	assert.Equal(t, Zombie, p.state)
}

func TestUpdateThisState_ChargesAncestors(t *testing.T) {
	k := New(&Config{NCPU: 1, MemSize: 16 << 20})
	cpu := k.cpus[0]

	sub := k.newContainer()
	sub.parent = k.root
	k.root.schqueue.insert(&sub.schinfo)

	p := k.newProc()
	p.container = sub
	p.state = Running
	cpu.thisproc = p
	p.cpu = cpu
	// Backdate boot so the stamps below are valid post-boot times.
	k.boot = k.boot.Add(-time.Second)
	p.schinfo.lastrun = k.now() - 40 // ran for ~40ms

	k.schedMu.Lock()
	k.updateThisState(cpu, Runnable)
	k.schedMu.Unlock()

	assert.GreaterOrEqual(t, p.schinfo.vruntime, int64(40))
	assert.Equal(t, p.schinfo.vruntime, sub.schinfo.vruntime,
		"the container absorbs exactly the child's charge")
	assert.True(t, p.schinfo.queued, "a RUNNABLE process goes back into its index")
	assert.True(t, sub.schinfo.queued, "the re-keyed container node is reinserted")
	assert.Equal(t, tsNone, p.schinfo.lastrun)

	cpu.thisproc = cpu.idle
}

func TestUpdateThisState_TraptimeBoundsCharge(t *testing.T) {
	k := New(&Config{NCPU: 1, MemSize: 16 << 20})
	cpu := k.cpus[0]

	p := k.newProc()
	p.state = Running
	cpu.thisproc = p
	p.cpu = cpu
	// Backdate boot so the stamps below are valid post-boot times.
	k.boot = k.boot.Add(-time.Second)
	now := k.now()
	p.schinfo.lastrun = now - 100
	p.schinfo.traptime.Store(now - 60) // entered the kernel 60ms in

	k.schedMu.Lock()
	k.updateThisState(cpu, Sleeping)
	k.schedMu.Unlock()

	// Charged up to kernel entry only: ~40ms, not ~100ms.
	assert.GreaterOrEqual(t, p.schinfo.vruntime, int64(40))
	assert.Less(t, p.schinfo.vruntime, int64(60))
	assert.Equal(t, tsNone, p.schinfo.traptime.Load(), "the stamp is consumed")
	assert.False(t, p.schinfo.queued, "a sleeper is not indexed")

	cpu.thisproc = cpu.idle
}
