package kernel

// Container is a schedulable grouping of processes and subcontainers.
// Its schinfo is a pseudo-entity in the parent's sched index; its own
// index holds its runnable members. Every container owns a root process
// and a local PID scope.
type Container struct {
	parent   *Container
	rootproc *Proc

	schinfo  SchInfo
	schqueue *schQueue

	pids      pidSet
	destroyed bool
}

// RootProc returns the container's root process.
func (c *Container) RootProc() *Proc { return c.rootproc }

func (k *Kernel) newContainer() *Container {
	c := &Container{schqueue: newSchQueue()}
	k.initSchInfo(&c.schinfo, true)
	c.schinfo.group = c
	return c
}

// CreateContainer allocates a container under the calling process's
// container, gives it a root process running rootEntry, and makes the
// container schedulable in its parent's index. The root process is
// already in the new container's index when the container goes live,
// so the hierarchical pick can reach it immediately.
func (e *Env) CreateContainer(rootEntry func(*Env, uint64), arg uint64) *Container {
	k := e.k
	rt := k.newProc()
	c := k.newContainer()
	c.parent = e.p.container
	c.rootproc = rt

	e.SetParentToThis(rt)
	rt.container = c

	k.startProc(rt, rootEntry, arg)
	k.activateGroup(c)
	k.log.Debug().Int("rootpid", rt.pid).Msg("container created")
	return c
}

// DestroyContainer tears down an idle container: its node leaves the
// parent index, the root process record is released, and the local PID
// cells are compacted away. The container must have nothing runnable,
// a parked root process, and no unreaped children under the root.
func (k *Kernel) DestroyContainer(c *Container) error {
	if c == k.root {
		panic("kernel: destroying the root container")
	}
	rt := c.rootproc

	k.ptreeMu.Lock()
	k.schedMu.Lock()
	busy := !c.schqueue.empty() || len(rt.children) > 0 ||
		rt.state == Running || rt.state == Runnable
	if busy {
		k.schedMu.Unlock()
		k.ptreeMu.Unlock()
		return ErrContainerBusy
	}
	if c.schinfo.queued {
		c.parent.schqueue.erase(&c.schinfo)
	}
	rt.state = Unused
	k.schedMu.Unlock()

	if rt.parent != nil {
		for i, sib := range rt.parent.children {
			if sib == rt {
				rt.parent.children = append(rt.parent.children[:i], rt.parent.children[i+1:]...)
				break
			}
		}
	}
	rt.reaped = true
	k.pool.FreePage(rt.kstack)
	k.ptreeMu.Unlock()

	k.pidRelease(c, rt.localpid)
	k.pidRelease(nil, rt.pid)
	k.pidCompact(c)
	c.destroyed = true
	return nil
}

// VRuntimeOf reads an entity's accumulated virtual runtime under the
// scheduler lock. For a container this aggregates the run intervals of
// everything beneath it.
func (k *Kernel) VRuntimeOf(c *Container) int64 {
	k.schedMu.Lock()
	defer k.schedMu.Unlock()
	return c.schinfo.vruntime
}
