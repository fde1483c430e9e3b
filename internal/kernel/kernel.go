// Package kernel assembles the memory pool, filesystem, system call
// dispatcher and task manager into a bootable machine.
package kernel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hpu-os/hpukernel/internal/config"
	"github.com/hpu-os/hpukernel/internal/klog"
	"github.com/hpu-os/hpukernel/internal/mm"
	sys "github.com/hpu-os/hpukernel/internal/syscall"
	"github.com/hpu-os/hpukernel/internal/task"
	"github.com/hpu-os/hpukernel/internal/user"
	"github.com/hpu-os/hpukernel/internal/vfs"
	"golang.org/x/sync/errgroup"
)

// Version of the kernel
const Version = "0.3.0"

// Physical memory starts at 0x8000_0000
const memoryBase mm.PhysPageNum = 0x80000

// Options are the host side attachments of a kernel
type Options struct {
	// Stdin and Stdout back the console on descriptors 0, 1 and 2.
	Stdin     io.Reader
	Stdout    io.Writer
	// LogOutput receives kernel log lines. Defaults to os.Stderr.
	LogOutput io.Writer
}

// Kernel is a booted machine ready to run init
type Kernel struct {
	cfg *config.KernelConfig
	log *slog.Logger

	ring     *klog.Ring
	pool     *mm.Pool
	swap     *os.File
	compress *mm.CompressStore
	fs       vfs.FileSystem
	host     *vfs.HostFS
	watcher  *vfs.HostWatcher
	images   *imageCache
	console  *vfs.Console
	disp     *sys.Dispatcher
	mgr      *task.Manager

	bootTime time.Time
	halted   atomic.Bool
}

// New initializes every subsystem from cfg
func New(cfg *config.KernelConfig, opts Options) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	k := &Kernel{cfg: cfg, bootTime: time.Now(), ring: klog.NewRing(klog.DefaultRingSize)}
	k.log = klog.New(io.MultiWriter(opts.LogOutput, k.ring), cfg.LogLevel)
	k.log.Info("hpu kernel initializing", "version", Version)

	// Step 1: Memory
	k.log.Info("[1/6] Initializing memory management")
	if err := k.initMemory(); err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}

	// Step 2: File system
	k.log.Info("[2/6] Initializing file system")
	if err := k.initFS(); err != nil {
		k.Close()
		return nil, fmt.Errorf("file system: %w", err)
	}

	// Step 3: Console
	k.log.Info("[3/6] Initializing console")
	k.console = vfs.NewConsole(opts.Stdin, opts.Stdout)

	// Step 4: System calls
	k.log.Info("[4/6] Initializing system calls")
	k.disp = sys.NewDispatcher(sys.Config{
		FS:   k.fs,
		Pool: k.pool,
		Uname: sys.Uname{
			Nodename: cfg.Hostname,
			Release:  cfg.Release,
			Version:  "#1 SMP Debian 5.10.40-1 (2021-05-28)",
			Machine:  cfg.Machine,
		},
		Syslog:   k.ring,
		Shutdown: k.halt,
		Log:      k.log,
	})

	// Step 5: Tasks
	k.log.Info("[5/6] Initializing task management", "harts", cfg.Harts, "max_tasks", cfg.MaxTasks)
	k.mgr = task.NewManager(task.Options{
		Pool:      k.pool,
		Harts:     cfg.Harts,
		MaxTasks:  cfg.MaxTasks,
		StackSize: cfg.UserStackSize,
		Images:    k.images,
		Trap:      k.disp.Trap,
		InitFiles: k.initFiles,
		Log:       k.log,
	})

	// Step 6: Programs
	k.log.Info("[6/6] Installing programs")
	var target vfs.FileSystem
	if k.host == nil {
		target = k.fs
	}
	if err := user.Install(k.mgr, target); err != nil {
		k.Close()
		return nil, fmt.Errorf("install programs: %w", err)
	}

	k.log.Info("hpu kernel initialized", "elapsed", time.Since(k.bootTime))
	return k, nil
}

func (k *Kernel) initMemory() error {
	cfg := k.cfg
	frames := cfg.MemorySize / cfg.PageSize
	k.pool = &mm.Pool{
		Frames:    mm.NewFrameAllocator(memoryBase, frames),
		LRU:       cfg.MemoryPressure == config.PressureLRU,
		MmapTop:   mm.VirtAddr(cfg.MmapTop),
		HeapLimit: cfg.UserHeapLimit,
		Log:       k.log,
	}
	if cfg.SwapFile != "" {
		f, err := os.OpenFile(cfg.SwapFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("open swap file: %w", err)
		}
		k.swap = f
		k.pool.Swap = mm.NewSwapStore(f, frames)
	}
	if cfg.Compression {
		k.compress = mm.NewCompressStore()
		k.pool.Compress = k.compress
	}
	k.log.Info("memory ready", "frames", frames, "policy", cfg.MemoryPressure,
		"swap", cfg.SwapFile != "", "compression", cfg.Compression)
	return nil
}

func (k *Kernel) initFS() error {
	cfg := k.cfg
	if cfg.RootFS == "" {
		k.fs = vfs.NewMem()
		k.log.Info("root is in memory")
	} else {
		fi, err := os.Stat(cfg.RootFS)
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return fmt.Errorf("rootfs %s is not a directory", cfg.RootFS)
		}
		k.host = vfs.NewHost(cfg.RootFS)
		k.fs = k.host
		k.log.Info("root is a host directory", "path", cfg.RootFS)
		if cfg.WatchRootFS {
			w, err := vfs.NewHostWatcher(k.host)
			if err != nil {
				return fmt.Errorf("watch rootfs: %w", err)
			}
			k.watcher = w
		}
	}
	k.images = newImageCache(k.fs, klog.Module(k.log, "images"))
	return nil
}

// initFiles opens the console on the first three descriptors of init
func (k *Kernel) initFiles(ft *task.FdTable) error {
	if limit := uint64(k.cfg.MaxOpenFile); limit > 0 {
		if err := ft.SetLimits(limit, limit); err != nil {
			return err
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := ft.Install(k.console); err != nil {
			return err
		}
	}
	return nil
}

// halt is called by the shutdown system call
func (k *Kernel) halt() {
	if k.halted.CompareAndSwap(false, true) {
		k.log.Info("system halting", "uptime", time.Since(k.bootTime))
	}
}

// FS returns the root filesystem
func (k *Kernel) FS() vfs.FileSystem { return k.fs }

// Syslog returns the kernel message buffer
func (k *Kernel) Syslog() *klog.Ring { return k.ring }

// Halted reports whether init asked to power off
func (k *Kernel) Halted() bool { return k.halted.Load() }

// ============================================================================
// Running
// ============================================================================

// Run starts init with argv and blocks until it exits or ctx is done. It
// returns the wait status of init
func (k *Kernel) Run(ctx context.Context, argv ...string) (int, error) {
	argv = append([]string{user.InitPath}, argv...)
	if _, err := k.mgr.SpawnInit(user.InitPath, argv, user.Environ); err != nil {
		return 0, fmt.Errorf("spawn init: %w", err)
	}

	var status int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := k.mgr.Wait(gctx)
		status = s
		return err
	})
	if k.watcher != nil {
		g.Go(func() error { return k.watch(gctx) })
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	k.log.Info("init exited", "status", fmt.Sprintf("%#x", status), "halted", k.Halted())
	return status, nil
}

// watch invalidates cached images as the host root changes
func (k *Kernel) watch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-k.mgr.Done():
			return nil
		case ev, ok := <-k.watcher.Events():
			if !ok {
				return nil
			}
			if ev.Op&(vfs.OpWrite|vfs.OpRemove|vfs.OpRename|vfs.OpCreate) != 0 {
				k.images.Invalidate(ev.Path)
			}
		case err := <-k.watcher.Errors():
			k.log.Warn("rootfs watcher", "err", err)
		}
	}
}

// Close releases host resources held by the kernel
func (k *Kernel) Close() error {
	var first error
	if k.watcher != nil {
		if err := k.watcher.Close(); err != nil && first == nil {
			first = err
		}
	}
	if k.swap != nil {
		name := k.swap.Name()
		if err := k.swap.Close(); err != nil && first == nil {
			first = err
		}
		if err := os.Remove(name); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ============================================================================
// Status
// ============================================================================

// ProcessInfo describes one task for ps
type ProcessInfo struct {
	Tid    int
	Pid    int
	Parent int
	Status task.Status
}

// Processes lists the live tasks by tid
func (k *Kernel) Processes() []ProcessInfo {
	tasks := k.mgr.Registry().Tasks()
	out := make([]ProcessInfo, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, ProcessInfo{Tid: t.Tid(), Pid: t.Pid(), Parent: t.Parent(), Status: t.Status()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tid < out[j].Tid })
	return out
}

// SyscallCounts returns how often each system call ran
func (k *Kernel) SyscallCounts() []sys.CallCount { return k.disp.Counts() }

// Uptime since the kernel was created
func (k *Kernel) Uptime() time.Duration { return time.Since(k.bootTime) }

// Status returns current kernel status
func (k *Kernel) Status() map[string]interface{} {
	status := make(map[string]interface{})

	// Memory status
	total, free, used := k.pool.Frames.GetMemoryInfo()
	status["memory_total_pages"] = total / mm.PageSize
	status["memory_free_pages"] = free / mm.PageSize
	status["memory_allocated_pages"] = used / mm.PageSize
	if sw, ok := k.pool.Swap.(*mm.SwapStore); ok {
		status["swap_pages"] = sw.InUse()
	}
	if k.compress != nil {
		status["compressed_bytes"] = k.compress.Footprint()
	}

	// Task status
	stats := k.mgr.Stats()
	status["process_count"] = stats.Tasks
	status["harts"] = stats.Scheduler.Harts
	status["context_switches"] = stats.Scheduler.ContextSwitches
	status["ready_tasks"] = stats.Scheduler.ReadyQueue
	status["blocked_tasks"] = stats.Scheduler.Blocked

	// System call status
	var calls uint64
	for _, c := range k.disp.Counts() {
		calls += c.Count
	}
	status["system_calls"] = calls
	status["timer_ticks"] = k.mgr.Timer().Ticks()
	status["timers_pending"] = k.mgr.Timer().Pending()
	status["timers_fired"] = k.mgr.Timer().Fired()

	// Console and images
	cs := k.console.Stats()
	status["console_bytes_read"] = cs.BytesRead
	status["console_bytes_written"] = cs.BytesWritten
	is := k.images.Stats()
	status["image_cache_entries"] = is.Entries
	status["image_cache_hits"] = is.Hits

	status["uptime_seconds"] = int64(k.Uptime() / time.Second)
	status["halted"] = k.Halted()
	return status
}
