package kernel

import "fmt"

// ExcClass is the exception class decoded by the low-level vector.
type ExcClass uint8

const (
	// ExcInterrupt is an external interrupt (the preemption clock).
	ExcInterrupt ExcClass = iota
	// ExcSyscall is a supervisor call from user level.
	ExcSyscall
	// ExcPageFault is an instruction or data abort. Fatal.
	ExcPageFault
	// ExcUnknown is anything else. Fatal.
	ExcUnknown
)

// Syscall numbers.
const (
	SysYield = iota
	SysGetPID
	SysGetLocalPID
	SysExit
	SysKill
	SysWait
)

// UserContext is the trap frame: the exception class plus the syscall
// number, arguments and return slot.
type UserContext struct {
	Class    ExcClass
	Num      uint64
	Args     [2]uint64
	Ret      uint64
	FromUser bool
}

// Env is the process-context handle handed to every process entry. All
// syscall-shaped operations hang off it; the kernel derives the calling
// process from it the way thisproc() does on a real CPU.
type Env struct {
	k *Kernel
	p *Proc
}

// Kernel returns the kernel this process runs on.
func (e *Env) Kernel() *Kernel { return e.k }

// PID returns the calling process's global identifier.
func (e *Env) PID() int { return e.p.pid }

// LocalPID returns the calling process's container-local identifier.
func (e *Env) LocalPID() int { return e.p.localpid }

// Trap is the global trap handler. On entry from user level the
// kernel-entry timestamp is recorded so run-time accounting charges the
// process only up to the moment it left user code. On the way back to
// user level a pending kill turns into exit(-1).
func (e *Env) Trap(uc *UserContext) {
	if uc.FromUser {
		e.p.schinfo.traptime.Store(e.k.now())
	}

	switch uc.Class {
	case ExcInterrupt:
		e.k.interruptHandler(e)
	case ExcSyscall:
		e.syscallEntry(uc)
	case ExcPageFault:
		panic(fmt.Sprintf("kernel: page fault in pid %d", e.p.pid))
	default:
		panic(fmt.Sprintf("kernel: unknown exception class %d", uc.Class))
	}

	if uc.FromUser {
		if e.p.killed.Load() {
			e.Exit(-1)
		}
		// Back to user level: the stamp only means something while the
		// process sits in the kernel.
		e.p.schinfo.traptime.Store(tsNone)
	}
}

// interruptHandler services the preemption clock: acknowledge and
// reschedule.
func (k *Kernel) interruptHandler(e *Env) {
	k.schedMu.Lock()
	k.schedLocked(e.p.cpu, Runnable)
}

// syscallEntry dispatches a supervisor call.
func (e *Env) syscallEntry(uc *UserContext) {
	switch uc.Num {
	case SysYield:
		e.k.schedMu.Lock()
		e.k.schedLocked(e.p.cpu, Runnable)
		uc.Ret = 0
	case SysGetPID:
		uc.Ret = uint64(e.p.pid)
	case SysGetLocalPID:
		uc.Ret = uint64(e.p.localpid)
	case SysExit:
		e.Exit(int(int64(uc.Args[0])))
	case SysKill:
		if err := e.k.Kill(int(uc.Args[0])); err != nil {
			uc.Ret = ^uint64(0)
		} else {
			uc.Ret = 0
		}
	case SysWait:
		st, err := e.Wait()
		if err != nil {
			uc.Ret = ^uint64(0)
		} else {
			uc.Ret = uint64(st.LocalPID)
		}
	default:
		panic(fmt.Sprintf("kernel: unknown syscall %d", uc.Num))
	}
}

// Syscall crosses from user level into the kernel through the trap
// path and returns the syscall's result.
func (e *Env) Syscall(num uint64, args ...uint64) uint64 {
	uc := &UserContext{Class: ExcSyscall, Num: num, FromUser: true}
	copy(uc.Args[:], args)
	e.Trap(uc)
	return uc.Ret
}

// Yield gives up the CPU voluntarily.
func (e *Env) Yield() { e.Syscall(SysYield) }

// Kill flags the process with the given global PID; see Kernel.Kill.
func (e *Env) Kill(pid int) error {
	if e.Syscall(SysKill, uint64(pid)) != 0 {
		return ErrNoSuchProc
	}
	return nil
}

// Checkpoint is a preemption point: if the CPU's slice timer has fired
// since the last switch, the clock interrupt is taken here. CPU-bound
// process bodies call this in their loops; it models the fact that a
// tick only lands at a trap boundary.
func (e *Env) Checkpoint() {
	if e.p.cpu.schedTimer.Elapsed() {
		e.Trap(&UserContext{Class: ExcInterrupt, FromUser: true})
	}
}
