package kernel

import "runtime"

// ProcState is a process's scheduler state.
type ProcState int32

const (
	Unused ProcState = iota
	Runnable
	Running
	Sleeping
	DeepSleeping
	Zombie
)

func (s ProcState) String() string {
	switch s {
	case Unused:
		return "unused"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case DeepSleeping:
		return "deepsleeping"
	case Zombie:
		return "zombie"
	}
	return "invalid"
}

// activateProc transitions p to RUNNABLE and inserts it into its
// container's sched index. UNUSED, SLEEPING and DEEPSLEEPING are
// activatable; DEEPSLEEPING rejects alert wakes. On entry vruntime is
// snapped to the index minimum so a long sleeper cannot starve the
// queue while it catches up.
func (k *Kernel) activateProc(p *Proc, onAlert bool) bool {
	k.schedMu.Lock()
	defer k.schedMu.Unlock()

	switch p.state {
	case Sleeping, Unused, DeepSleeping:
		if p.state == DeepSleeping && onAlert {
			return false
		}
		p.state = Runnable
		q := p.container.schqueue
		if min := q.first(); min != nil {
			p.schinfo.vruntime = min.vruntime
		} else {
			p.schinfo.vruntime = 0
		}
		q.insert(&p.schinfo)
		return true
	default:
		// RUNNABLE, RUNNING: nothing to do. ZOMBIE: cannot come back.
		return false
	}
}

// alertProc delivers a kill alert: it wakes the process only from an
// alertable sleep.
func (k *Kernel) alertProc(p *Proc) { k.activateProc(p, true) }

// activateGroup makes a container schedulable by inserting its node in
// the parent's index, snapped to the parent's minimum vruntime.
func (k *Kernel) activateGroup(c *Container) {
	k.schedMu.Lock()
	defer k.schedMu.Unlock()
	q := c.parent.schqueue
	if min := q.first(); min != nil {
		c.schinfo.vruntime = min.vruntime
	} else {
		c.schinfo.vruntime = 0
	}
	q.insert(&c.schinfo)
}

// updateThisState charges the outgoing process for its run interval and
// records its new state. The charge propagates up the container chain:
// each ancestor is re-keyed in its parent's index. Scheduler lock held.
func (k *Kernel) updateThisState(c *CPU, newState ProcState) {
	p := c.thisproc
	if p.state != Running {
		panic("kernel: descheduling a process that is not running")
	}
	p.state = newState
	if p.idle {
		return
	}

	t := p.schinfo.traptime.Swap(tsNone)
	if t < 0 {
		t = k.now()
	}
	var run int64
	if p.schinfo.lastrun >= 0 && t > p.schinfo.lastrun {
		run = t - p.schinfo.lastrun
	}
	p.schinfo.lastrun = tsNone
	p.schinfo.vruntime += run

	for con := p.container; run > 0 && con != k.root; con = con.parent {
		// Erase before the key changes; the index looks nodes up by key.
		con.parent.schqueue.erase(&con.schinfo)
		con.schinfo.vruntime += run
		con.parent.schqueue.insert(&con.schinfo)
	}

	if newState == Runnable {
		p.container.schqueue.insert(&p.schinfo)
	}
}

// pickIn walks one container's index in vruntime order, descending into
// container nodes, and returns the first process found.
func pickIn(c *Container) *SchInfo {
	var found *SchInfo
	c.schqueue.tree.Ascend(func(si *SchInfo) bool {
		if si.isContainer {
			if r := pickIn(si.group); r != nil {
				found = r
				return false
			}
			return true
		}
		found = si
		return false
	})
	return found
}

// pickNext chooses the laggardmost runnable process across the whole
// hierarchy, removing it from its container's index. The CPU's idle
// task runs when nothing is runnable. Scheduler lock held.
func (k *Kernel) pickNext(c *CPU) *Proc {
	si := pickIn(k.root)
	if si == nil {
		return c.idle
	}
	p := si.proc
	p.container.schqueue.erase(si)
	return p
}

// updateThisProc installs p as the CPU's running process and rearms the
// preemption timer. Scheduler lock held.
func (k *Kernel) updateThisProc(c *CPU, p *Proc) {
	p.state = Running
	c.thisproc = p
	p.cpu = c
	p.schinfo.lastrun = k.now()
	k.setCPUTimer(c, &Timer{key: k.now() + k.cfg.Slice.Milliseconds()})
}

// schedLocked is the context switch. Caller holds the scheduler lock;
// it is released on return — by this goroutine when no switch happens,
// otherwise by whichever context the CPU resumes. A killed process
// requesting anything but ZOMBIE is handed the CPU back so it can
// observe the kill and exit itself. Reports whether a switch happened.
func (k *Kernel) schedLocked(c *CPU, newState ProcState) bool {
	this := c.thisproc
	if this.killed.Load() && newState != Zombie {
		k.schedMu.Unlock()
		return false
	}

	k.updateThisState(c, newState)
	next := k.pickNext(c)
	if next != this && next.state != Runnable {
		panic("kernel: picked a process that is not runnable")
	}
	k.updateThisProc(c, next)
	if next == this {
		k.schedMu.Unlock()
		return false
	}

	k.log.Debug().Int("cpu", c.id).Int("from", this.pid).Int("to", next.pid).
		Msg("switch")
	k.attachPgdir(c, next)
	k.swtch(c, next, this, newState == Zombie)
	return true
}

// swtch hands the CPU to next and parks this context. The scheduler
// lock travels with the CPU: the resumed side releases it (procEntry on
// a first dispatch, the post-park path here otherwise). A zombie does
// not park, its goroutine ends with the handoff.
func (k *Kernel) swtch(c *CPU, next, this *Proc, thisZombie bool) {
	if !next.kcontext.started {
		next.kcontext.started = true
		go k.procEntry(next)
	} else {
		next.kcontext.resume <- struct{}{}
	}

	if thisZombie {
		runtime.Goexit()
	}
	<-this.kcontext.resume
	// Back on a CPU; we own the scheduler lock again.
	k.schedMu.Unlock()
}

// attachPgdir installs next's address space on the CPU. Idle tasks run
// on the invalid (empty) translation base.
func (k *Kernel) attachPgdir(c *CPU, p *Proc) {
	if p.pgdir != nil {
		c.attachedPT = p.pgdir.Root()
	} else {
		c.attachedPT = 0
	}
}

// procEntry is the first-dispatch trampoline: it releases the scheduler
// lock handed over by the switching CPU, then runs the planted entry.
// An entry that returns leaves through exit.
func (k *Kernel) procEntry(p *Proc) {
	k.schedMu.Unlock()
	e := &Env{k: k, p: p}
	p.kcontext.entry(e, p.kcontext.arg)
	if p.killed.Load() {
		e.Exit(-1)
	}
	e.Exit(0)
}
