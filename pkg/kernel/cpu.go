package kernel

import (
	"sync/atomic"
	"time"
)

// Timer is a one-shot per-CPU timer record. key is the deadline in
// kernel milliseconds; fired flips when the deadline passes and is
// observed at the next trap checkpoint.
type Timer struct {
	key   int64
	fired atomic.Bool
	t     *time.Timer
}

// Elapsed reports whether the timer has fired.
func (t *Timer) Elapsed() bool { return t != nil && t.fired.Load() }

// CPU is one scheduler loop. thisproc and attachedPT are owned by the
// scheduler lock; the idle process never appears in any sched index.
type CPU struct {
	id         int
	idle       *Proc
	thisproc   *Proc
	schedTimer *Timer
	attachedPT uint64 // translation base of the attached page directory
}

// ID returns the CPU number.
func (c *CPU) ID() int { return c.id }

// setCPUTimer arms tm on the CPU, replacing any pending timer.
func (k *Kernel) setCPUTimer(c *CPU, tm *Timer) {
	if c.schedTimer != nil {
		k.cancelCPUTimer(c)
	}
	d := time.Duration(tm.key-k.now()) * time.Millisecond
	if d < 0 {
		d = 0
	}
	tm.t = time.AfterFunc(d, func() { tm.fired.Store(true) })
	c.schedTimer = tm
}

// cancelCPUTimer stops the CPU's pending timer, if any.
func (k *Kernel) cancelCPUTimer(c *CPU) {
	if c.schedTimer == nil {
		return
	}
	c.schedTimer.t.Stop()
	c.schedTimer = nil
}

// idleLoop is the per-CPU scheduling loop. It yields in a loop; when
// nothing is runnable the yield picks the idle task itself and the loop
// backs off briefly instead of spinning hot.
func (k *Kernel) idleLoop(c *CPU) {
	defer k.wg.Done()
	for {
		if k.stopping.Load() {
			k.schedMu.Lock()
			k.cancelCPUTimer(c)
			k.schedMu.Unlock()
			return
		}
		k.schedMu.Lock()
		switched := k.schedLocked(c, Runnable)
		if !switched {
			time.Sleep(200 * time.Microsecond)
		}
	}
}
