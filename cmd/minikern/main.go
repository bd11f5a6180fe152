package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ja7ad/minikern/pkg/fs"
	"github.com/ja7ad/minikern/pkg/fs/cache"
	"github.com/ja7ad/minikern/pkg/kernel"
	"github.com/ja7ad/minikern/pkg/kernel/mem"
	"github.com/ja7ad/minikern/pkg/types"
)

var (
	cpus    int
	verbose bool
)

func logger() zerolog.Logger {
	if !verbose {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// park blocks a process forever. Kernel-main and container-root
// processes must never return, so every long-lived entry ends here.
func park(e *kernel.Env) {
	e.Kernel().NewSem(0).WaitUninterruptible(e)
}

// spin burns CPU for roughly arg milliseconds, taking preemption ticks
// at checkpoints.
func spin(e *kernel.Env, arg uint64) {
	end := time.Now().Add(time.Duration(arg) * time.Millisecond)
	for time.Now().Before(end) {
		e.Checkpoint()
	}
}

func procsCmd() *cobra.Command {
	var spawners, perSpawner int
	c := &cobra.Command{
		Use:   "procs",
		Short: "process storm: create, spin, exit, wait; verify PID reuse",
		RunE: func(cmd *cobra.Command, args []string) error {
			k := kernel.New(&kernel.Config{NCPU: cpus, Logger: logger()})
			done := make(chan [2]int, spawners)

			spawner := func(e *kernel.Env, _ uint64) {
				seen := make(map[int]bool)
				for i := 0; i < perSpawner; i++ {
					p := e.CreateProc()
					e.SetParentToThis(p)
					e.StartProc(p, spin, uint64(rand.Intn(5)))
				}
				reaped := 0
				for reaped < perSpawner {
					st, err := e.Wait()
					if err != nil {
						panic(err)
					}
					if seen[st.PID] {
						panic(fmt.Sprintf("pid %d reaped twice", st.PID))
					}
					seen[st.PID] = true
					reaped++
				}
				done <- [2]int{e.PID(), reaped}
			}

			k.Boot(func(e *kernel.Env, _ uint64) {
				for i := 0; i < spawners; i++ {
					p := e.CreateProc()
					e.SetParentToThis(p)
					e.StartProc(p, spawner, 0)
				}
				for i := 0; i < spawners; i++ {
					if _, err := e.Wait(); err != nil {
						panic(err)
					}
				}
				park(e)
			}, 0)

			start := time.Now()
			for i := 0; i < spawners; i++ {
				r := <-done
				fmt.Printf("spawner pid %d reaped %d children\n", r[0], r[1])
			}
			k.Shutdown()

			if err := k.VerifyIntegrity(); err != nil {
				return err
			}
			total, used := k.FreePIDCells()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "procs\t%d\n", spawners*perSpawner)
			fmt.Fprintf(w, "elapsed\t%s\n", time.Since(start).Round(time.Millisecond))
			fmt.Fprintf(w, "pid cells\t%d total, %d in use\n", total, used)
			fmt.Fprintf(w, "pages live\t%d\n", k.Pool().Live())
			return w.Flush()
		},
	}
	c.Flags().IntVar(&spawners, "spawners", 2, "spawner processes")
	c.Flags().IntVar(&perSpawner, "procs", 100, "children per spawner")
	return c
}

func fairCmd() *cobra.Command {
	var window time.Duration
	var children int
	c := &cobra.Command{
		Use:   "fair",
		Short: "two containers of CPU-bound children; report CPU shares",
		RunE: func(cmd *cobra.Command, args []string) error {
			k := kernel.New(&kernel.Config{NCPU: cpus, Logger: logger()})

			var pids [2][]int32
			var setup atomic.Int32
			containers := make(chan *kernel.Container, 2)

			containerRoot := func(e *kernel.Env, idx uint64) {
				for i := 0; i < children; i++ {
					p := e.CreateProc()
					e.SetParentToThis(p)
					e.SetContainerToThis(p)
					e.StartProc(p, spin, uint64(time.Hour/time.Millisecond))
					pids[idx] = append(pids[idx], int32(p.PID()))
				}
				setup.Add(1)
				for i := 0; i < children; i++ {
					if _, err := e.Wait(); err != nil {
						panic(err)
					}
				}
				park(e)
			}

			k.Boot(func(e *kernel.Env, _ uint64) {
				containers <- e.CreateContainer(containerRoot, 0)
				containers <- e.CreateContainer(containerRoot, 1)
				park(e)
			}, 0)

			ca, cb := <-containers, <-containers
			for setup.Load() < 2 {
				time.Sleep(time.Millisecond)
			}

			meter := kernel.NewShareMeter(k, ca, cb)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "tick\tshare A\tshare B")
			ticks := int(window / (500 * time.Millisecond))
			if ticks < 1 {
				ticks = 1
			}
			for i := 0; i < ticks; i++ {
				time.Sleep(500 * time.Millisecond)
				s := meter.Tick()
				fmt.Fprintf(w, "%d\t%.3f\t%.3f\n", i, s[0], s[1])
			}
			avg := meter.Averages()
			fmt.Fprintf(w, "avg\t%.3f\t%.3f\n", avg[0], avg[1])
			w.Flush()

			for _, side := range pids {
				for _, pid := range side {
					if err := k.Kill(int(pid)); err != nil {
						return err
					}
				}
			}
			time.Sleep(200 * time.Millisecond)
			k.Shutdown()
			return k.VerifyIntegrity()
		},
	}
	c.Flags().DurationVar(&window, "window", 10*time.Second, "measurement window")
	c.Flags().IntVar(&children, "children", 4, "children per container")
	return c
}

func allocCmd() *cobra.Command {
	var objects, workers int
	c := &cobra.Command{
		Use:   "alloc",
		Short: "slab stress: random-size alloc/free storm",
		RunE: func(cmd *cobra.Command, args []string) error {
			arena := mem.NewArena(64 << 20)
			pool := mem.NewPagePool(arena)
			slab := mem.NewSlab(pool, cpus)
			before := pool.FreeCount()

			start := time.Now()
			var g errgroup.Group
			var allocated atomic.Int64
			for w := 0; w < workers; w++ {
				g.Go(func() error {
					rng := rand.New(rand.NewSource(time.Now().UnixNano()))
					addrs := make([]uint64, 0, objects/workers)
					for i := 0; i < objects/workers; i++ {
						size := uint32(8 + rng.Intn(249))
						addrs = append(addrs, slab.Alloc(size))
						allocated.Add(int64(size))
					}
					rng.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
					for _, a := range addrs {
						slab.Free(a)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if err := slab.CheckIntegrity(); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "objects\t%d\n", objects)
			fmt.Fprintf(w, "bytes\t%s\n", types.Bytes(allocated.Load()).Humanized())
			fmt.Fprintf(w, "elapsed\t%s\n", time.Since(start).Round(time.Millisecond))
			fmt.Fprintf(w, "pages before\t%d\n", before)
			fmt.Fprintf(w, "pages after\t%d (hysteresis %d)\n", pool.FreeCount(), before-pool.FreeCount())
			return w.Flush()
		},
	}
	c.Flags().IntVar(&objects, "objects", 1000000, "objects to allocate")
	c.Flags().IntVar(&workers, "workers", 4, "concurrent workers")
	return c
}

func fsbenchCmd() *cobra.Command {
	var ops int
	c := &cobra.Command{
		Use:   "fsbench",
		Short: "overlapping transactions against an in-memory disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			sb := &fs.SuperBlock{LogStart: 1, NumLogBlocks: 64, BitmapStart: 65, NumBlocks: 1024}
			disk := fs.NewInMemDisk(sb.NumBlocks)
			markMetadata(disk, sb)

			arena := mem.NewArena(8 << 20)
			slab := mem.NewSlab(mem.NewPagePool(arena), cpus)
			bc := cache.New(sb, disk, slab, &cache.Config{Logger: logger()})

			start := time.Now()
			var g errgroup.Group
			for i := 0; i < ops; i++ {
				g.Go(func() error {
					var op cache.OpContext
					bc.BeginOp(&op)
					no := bc.Alloc(&op)
					b := bc.Acquire(no)
					for j := range b.Data() {
						b.Data()[j] = byte(no)
					}
					bc.Sync(&op, b)
					bc.Release(b)
					bc.EndOp(&op)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "ops\t%d\n", ops)
			fmt.Fprintf(w, "elapsed\t%s\n", time.Since(start).Round(time.Millisecond))
			fmt.Fprintf(w, "cached blocks\t%d\n", bc.NumCached())
			return w.Flush()
		},
	}
	c.Flags().IntVar(&ops, "ops", 64, "concurrent transactions")
	return c
}

// markMetadata pre-sets the bitmap bits covering the superblock, log
// area and bitmap itself, the way mkfs would.
func markMetadata(disk fs.BlockDevice, sb *fs.SuperBlock) {
	buf := make([]byte, fs.BlockSize)
	disk.Read(sb.BitmapStart, buf)
	for i := uint32(0); i <= sb.BitmapStart; i++ {
		buf[i/8] |= 1 << (i % 8)
	}
	disk.Write(sb.BitmapStart, buf)
}

func main() {
	root := &cobra.Command{
		Use:   "minikern",
		Short: "educational kernel core: scheduler, allocators, block cache",
	}
	root.PersistentFlags().IntVar(&cpus, "cpus", 4, "scheduler loops")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "kernel trace output")
	root.AddCommand(procsCmd(), fairCmd(), allocCmd(), fsbenchCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
