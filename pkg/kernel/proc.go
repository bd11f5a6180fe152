package kernel

import (
	"fmt"
	"sync/atomic"

	"github.com/ja7ad/minikern/pkg/kernel/mem"
	"github.com/ja7ad/minikern/pkg/kernel/vm"
)

// Sizes of the context frames placed at the top of a kernel stack. The
// model keeps the frames as Go values but reserves their slots on the
// stack page, 16-byte aligned, the way the switch path expects them.
const (
	ucontextSize = 176 // spsr, elr, sp_el0, ttbr0 + x0..x17
	kcontextSize = 112 // lr, x0, x1 + callee-saved x19..x29
)

// KernelContext is a process's saved kernel execution state: the
// planted entry point and the park/resume channel standing in for the
// callee-saved register file.
type KernelContext struct {
	entry   func(*Env, uint64)
	arg     uint64
	resume  chan struct{}
	started bool
}

// Proc is one process record.
type Proc struct {
	killed atomic.Bool
	idle   bool

	pid      int
	localpid int
	exitcode int

	state ProcState // scheduler lock

	childexit *Semaphore
	parent    *Proc   // process-tree lock
	children  []*Proc // process-tree lock
	reaped    bool    // process-tree lock

	schinfo   SchInfo
	pgdir     *vm.PageDir
	container *Container

	kstack       uint64
	ucontextAddr uint64
	kcontextAddr uint64
	kcontext     *KernelContext

	cpu *CPU // CPU currently running this process
}

// PID returns the global process identifier.
func (p *Proc) PID() int { return p.pid }

// LocalPID returns the container-local identifier.
func (p *Proc) LocalPID() int { return p.localpid }

// ExitStatus is what Wait reports about a reaped child.
type ExitStatus struct {
	PID      int
	LocalPID int
	Code     int
}

// newProc builds an UNUSED process in the root container with a global
// PID, an empty address space, and a kernel stack page with the context
// frames laid out at its top.
func (k *Kernel) newProc() *Proc {
	p := &Proc{state: Unused, container: k.root}
	p.pid = k.pidGet(nil)
	p.childexit = k.NewSem(0)
	p.pgdir = vm.New(k.pool)
	p.kstack = k.pool.AllocPage()
	p.ucontextAddr = p.kstack + mem.PageSize - 16 - ucontextSize
	p.kcontextAddr = p.ucontextAddr - kcontextSize
	p.kcontext = &KernelContext{resume: make(chan struct{}, 1)}
	k.initSchInfo(&p.schinfo, false)
	p.schinfo.proc = p
	return p
}

// CreateProc allocates a new UNUSED process. It belongs to the root
// container until SetContainerToThis moves it; reparent and start it
// with SetParentToThis and StartProc.
func (e *Env) CreateProc() *Proc { return e.k.newProc() }

// SetParentToThis attaches p under the calling process. p must not have
// a parent yet.
func (e *Env) SetParentToThis(p *Proc) {
	k := e.k
	k.ptreeMu.Lock()
	if p.parent != nil {
		k.ptreeMu.Unlock()
		panic("kernel: process already has a parent")
	}
	p.parent = e.p
	e.p.children = append(e.p.children, p)
	k.ptreeMu.Unlock()
}

// SetContainerToThis moves p into the calling process's container. Must
// happen before StartProc; the local PID is drawn from the container
// the process starts in.
func (e *Env) SetContainerToThis(p *Proc) { p.container = e.p.container }

// StartProc plants entry/arg in the saved kernel context, assigns the
// container-local PID and activates p. Orphans are adopted by the root
// process. Returns the local PID.
func (e *Env) StartProc(p *Proc, entry func(*Env, uint64), arg uint64) int {
	return e.k.startProc(p, entry, arg)
}

func (k *Kernel) startProc(p *Proc, entry func(*Env, uint64), arg uint64) int {
	if p.parent == nil {
		k.ptreeMu.Lock()
		p.parent = k.rootproc
		k.rootproc.children = append(k.rootproc.children, p)
		k.ptreeMu.Unlock()
	}
	p.kcontext.entry = entry
	p.kcontext.arg = arg
	p.localpid = k.pidGet(p.container)
	id := p.localpid
	k.activateProc(p, false)
	return id
}

// Exit terminates the calling process: children move to the container's
// root process (which is notified once per already-zombie child), the
// parent is notified, the address space is freed, and the process turns
// ZOMBIE. Idle tasks and container root processes must never exit.
func (e *Env) Exit(code int) {
	k, this := e.k, e.p
	if this.idle || this == this.container.rootproc {
		panic(fmt.Sprintf("kernel: exit of pid %d, an idle or container root process", this.pid))
	}
	this.exitcode = code
	this.pgdir.Free()

	k.ptreeMu.Lock()
	rp := this.container.rootproc
	for _, child := range this.children {
		child.parent = rp
		rp.children = append(rp.children, child)
		if k.isZombie(child) {
			rp.childexit.Post()
		}
	}
	this.children = nil
	this.parent.childexit.Post()

	k.log.Debug().Int("pid", this.pid).Int("code", code).Msg("exit")

	// The zombie state must be published in the same scheduler critical
	// section that follows the notifications, so a woken waiter cannot
	// scan before it lands.
	k.schedMu.Lock()
	k.ptreeMu.Unlock()
	k.schedLocked(this.cpu, Zombie)
	panic("kernel: exited process resumed")
}

// Wait blocks until a child exits, reaps it and returns its
// identifiers and exit code. ErrNoChildren when childless;
// ErrInterrupted when the wait was cut short by a kill (the caller then
// exits on the trap return path).
func (e *Env) Wait() (ExitStatus, error) {
	k, this := e.k, e.p

	k.ptreeMu.Lock()
	if len(this.children) == 0 {
		k.ptreeMu.Unlock()
		return ExitStatus{}, ErrNoChildren
	}
	k.ptreeMu.Unlock()

	if !this.childexit.Wait(e) {
		return ExitStatus{}, ErrInterrupted
	}

	k.ptreeMu.Lock()
	for i, child := range this.children {
		if !k.isZombie(child) {
			continue
		}
		st := ExitStatus{PID: child.pid, LocalPID: child.localpid, Code: child.exitcode}
		child.reaped = true
		this.children = append(this.children[:i], this.children[i+1:]...)
		k.pool.FreePage(child.kstack)
		k.ptreeMu.Unlock()

		k.pidRelease(child.container, child.localpid)
		k.pidRelease(nil, child.pid)
		return st, nil
	}
	k.ptreeMu.Unlock()
	panic("kernel: childexit posted with no zombie child")
}

// Kill flags the process with the given global PID and alerts it out of
// any alertable sleep. The kill lands on the target's next return to
// user level. ErrNoSuchProc when the PID names nothing live.
func (k *Kernel) Kill(pid int) error {
	k.ptreeMu.Lock()
	p := k.findPID(k.rootproc, pid)
	if p == nil || k.isUnused(p) {
		k.ptreeMu.Unlock()
		return ErrNoSuchProc
	}
	p.killed.Store(true)
	k.ptreeMu.Unlock()

	k.log.Debug().Int("pid", pid).Msg("kill")
	k.alertProc(p)
	return nil
}

// findPID is a DFS over the process tree. Process-tree lock held.
func (k *Kernel) findPID(p *Proc, pid int) *Proc {
	if p.pid == pid {
		return p
	}
	for _, child := range p.children {
		if r := k.findPID(child, pid); r != nil {
			return r
		}
	}
	return nil
}

func (k *Kernel) isZombie(p *Proc) bool {
	k.schedMu.Lock()
	defer k.schedMu.Unlock()
	return p.state == Zombie
}

func (k *Kernel) isUnused(p *Proc) bool {
	k.schedMu.Lock()
	defer k.schedMu.Unlock()
	return p.state == Unused
}
