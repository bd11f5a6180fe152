package kernel

import "fmt"

// VerifyIntegrity checks, under both tree locks, that the scheduler's
// core invariant holds: a process is RUNNABLE exactly when it sits in
// some container's sched index, and every index entry belongs to a
// reachable entity. Intended for tests and the CLI's self-checks.
func (k *Kernel) VerifyIntegrity() error {
	k.ptreeMu.Lock()
	defer k.ptreeMu.Unlock()
	k.schedMu.Lock()
	defer k.schedMu.Unlock()

	procs := make(map[*Proc]bool)
	var walk func(p *Proc) error
	walk = func(p *Proc) error {
		if procs[p] {
			return nil
		}
		procs[p] = true
		if p.state == Runnable && !p.schinfo.queued {
			return fmt.Errorf("kernel: pid %d runnable but not indexed", p.pid)
		}
		if p.state != Runnable && p.schinfo.queued {
			return fmt.Errorf("kernel: pid %d %s but indexed", p.pid, p.state)
		}
		if p.schinfo.vruntime < 0 {
			return fmt.Errorf("kernel: pid %d negative vruntime", p.pid)
		}
		for _, c := range p.children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(k.rootproc); err != nil {
		return err
	}

	var scan func(c *Container) error
	scan = func(c *Container) error {
		var err error
		c.schqueue.tree.Ascend(func(si *SchInfo) bool {
			if !si.queued {
				err = fmt.Errorf("kernel: index entry not marked queued")
				return false
			}
			if si.isContainer {
				err = scan(si.group)
				return err == nil
			}
			if !procs[si.proc] {
				err = fmt.Errorf("kernel: indexed pid %d unreachable from the tree", si.proc.pid)
				return false
			}
			if si.proc.state != Runnable {
				err = fmt.Errorf("kernel: indexed pid %d is %s", si.proc.pid, si.proc.state)
				return false
			}
			return true
		})
		return err
	}
	return scan(k.root)
}
