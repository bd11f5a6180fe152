package kernel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ja7ad/minikern/pkg/kernel/mem"
)

// Kernel is the explicit kernel-context aggregate: memory, CPUs, the
// root container/process, the PID scopes and the global locks. Nothing
// kernel-wide lives outside it.
type Kernel struct {
	cfg *Config
	log zerolog.Logger

	arena *mem.Arena
	pool  *mem.PagePool
	slab  *mem.Slab

	schedMu sync.Mutex // scheduler lock; linearizes all state transitions
	ptreeMu sync.Mutex // process-tree lock; taken before schedMu
	pidMu   sync.Mutex

	globalPIDs pidSet

	cpus     []*CPU
	root     *Container
	rootproc *Proc

	seq      atomic.Uint64
	boot     time.Time
	stopping atomic.Bool
	wg       sync.WaitGroup
}

// New builds a kernel from cfg (nil for defaults): arena, page pool,
// slab shards, CPUs with idle tasks, and the root container with its
// root process. The kernel is inert until Boot.
func New(cfg *Config) *Kernel {
	if cfg == nil {
		cfg = _defaultConfig()
	}
	cfg.fill()

	k := &Kernel{cfg: cfg, log: cfg.Logger, boot: time.Now()}
	k.globalPIDs.next = 1

	k.arena = mem.NewArena(cfg.MemSize)
	k.pool = mem.NewPagePool(k.arena)
	k.slab = mem.NewSlab(k.pool, cfg.NCPU)

	k.root = k.newContainer()
	k.rootproc = k.newProc()
	k.rootproc.parent = k.rootproc
	k.root.rootproc = k.rootproc

	k.cpus = make([]*CPU, cfg.NCPU)
	for i := range k.cpus {
		idle := &Proc{
			idle:     true,
			state:    Running,
			kcontext: &KernelContext{resume: make(chan struct{}, 1), started: true},
		}
		c := &CPU{id: i, idle: idle, thisproc: idle}
		idle.cpu = c
		k.cpus[i] = c
	}
	return k
}

// Boot starts the root process on main and launches one scheduling
// loop per CPU. main is the kernel's init process: it must never
// return (park it on a semaphore when done).
func (k *Kernel) Boot(main func(*Env, uint64), arg uint64) {
	k.startProc(k.rootproc, main, arg)
	for _, c := range k.cpus {
		k.wg.Add(1)
		go k.idleLoop(c)
	}
	k.log.Debug().Int("ncpu", len(k.cpus)).Msg("boot")
}

// Shutdown asks the CPU loops to stop and waits for them. Call it only
// once the workload has drained; a CPU parked under a still-running
// process leaves when that process next yields.
func (k *Kernel) Shutdown() {
	k.stopping.Store(true)
	k.wg.Wait()
}

// now is the monotonic kernel clock in milliseconds since boot.
func (k *Kernel) now() int64 { return time.Since(k.boot).Milliseconds() }

// GetTimestampMS returns the kernel clock.
func (k *Kernel) GetTimestampMS() int64 { return k.now() }

// Pool returns the page pool.
func (k *Kernel) Pool() *mem.PagePool { return k.pool }

// Slab returns the small-object allocator.
func (k *Kernel) Slab() *mem.Slab { return k.slab }

// RootContainer returns the root container.
func (k *Kernel) RootContainer() *Container { return k.root }

// NCPU returns the number of CPU loops.
func (k *Kernel) NCPU() int { return len(k.cpus) }
