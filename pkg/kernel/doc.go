// Package kernel implements the process and scheduling core: processes
// and containers, the hierarchical completely-fair scheduler, PID
// allocation, kernel semaphores, and the trap/syscall dispatch seam.
//
// The kernel is an in-process model. CPUs are goroutines running
// per-CPU scheduler loops; a context switch hands a CPU from one
// execution context to another over the context's resume channel, with
// the global scheduler lock passed to the resumed side. Process bodies
// are ordinary Go functions receiving an *Env, the process-context
// handle carrying every syscall-shaped operation.
//
// Lock order, top-down (violating it deadlocks):
//
//  1. process-tree lock
//  2. semaphore locks (a post/wait takes the scheduler lock inside)
//  3. scheduler lock
//
// The state machine per process:
//
//	UNUSED -> RUNNABLE          activate (StartProc)
//	RUNNABLE -> RUNNING         pick-next
//	RUNNING -> RUNNABLE         yield / preemption tick
//	RUNNING -> SLEEPING         alertable semaphore wait
//	RUNNING -> DEEPSLEEPING     uninterruptible semaphore wait
//	RUNNING -> ZOMBIE           exit
//	SLEEPING -> RUNNABLE        any wake, including kill alerts
//	DEEPSLEEPING -> RUNNABLE    non-alert wake only
//	ZOMBIE                      terminal, reaped by Wait
package kernel
