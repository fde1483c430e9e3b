package syscall

import (
	"log/slog"
	"sort"
	"sync"

	kerrors "github.com/hpu-os/hpukernel/internal/errors"
	"github.com/hpu-os/hpukernel/internal/klog"
	"github.com/hpu-os/hpukernel/internal/mm"
	"github.com/hpu-os/hpukernel/internal/task"
	"github.com/hpu-os/hpukernel/internal/vfs"
	"golang.org/x/sys/unix"
)

// Uname is what uname reports
type Uname struct {
	Sysname    string
	Nodename   string
	Release    string
	Version    string
	Machine    string
	Domainname string
}

// Config wires the dispatcher to the rest of the kernel
type Config struct {
	FS    vfs.FileSystem
	Pool  *mm.Pool
	Uname Uname
	// Syslog is the kernel message buffer read by syslog(2). It may be nil.
	Syslog *klog.Ring
	// Shutdown powers the machine off. It may be nil.
	Shutdown func()
	Log      *slog.Logger
}

// Dispatcher decodes system calls and runs them on behalf of a task
type Dispatcher struct {
	cfg Config
	log *slog.Logger

	mutex  sync.Mutex
	counts map[Number]uint64
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Uname.Sysname == "" {
		cfg.Uname.Sysname = "Linux"
	}
	if cfg.Syslog == nil {
		cfg.Syslog = klog.NewRing(klog.DefaultRingSize)
	}
	return &Dispatcher{
		cfg:    cfg,
		log:    klog.Module(cfg.Log, "syscall"),
		counts: make(map[Number]uint64),
	}
}

// Trap is the task.TrapFunc entering the dispatcher
func (d *Dispatcher) Trap(t *task.Task, id uintptr, a [6]uintptr) int {
	return d.Dispatch(t, Number(id), a)
}

// Dispatch runs one system call and returns the value left in a0: the
// result on success and the negated errno on failure. Pending signals
// are delivered on the way back to user mode
func (d *Dispatcher) Dispatch(t *task.Task, num Number, a [6]uintptr) int {
	t.EnterKernel()
	d.count(num)
	v, err := d.dispatch(t, num, args(a))
	ret := kerrors.Ret(v, err)
	if err != nil {
		d.log.Debug("syscall failed", "tid", t.Tid(), "call", num.String(), "ret", ret, "err", err)
	}
	t.LeaveKernel()
	t.DeliverSignals()
	return ret
}

func (d *Dispatcher) dispatch(t *task.Task, num Number, a args) (int, error) {
	switch num {
	// Files
	case SysOpenat:
		return d.sysOpenat(t, a)
	case SysClose:
		return d.sysClose(t, a)
	case SysLseek:
		return d.sysLseek(t, a)
	case SysRead:
		return d.sysRead(t, a)
	case SysWrite:
		return d.sysWrite(t, a)

	// Process lifecycle
	case SysExit:
		t.Exit(a.int(0))
		return 0, nil
	case SysExitGroup:
		t.ExitGroup(a.int(0))
		return 0, nil
	case SysSetTidAddress:
		t.SetClearChildTID(a.ptr(0))
		return t.Tid(), nil
	case SysClone:
		return d.sysClone(t, a)
	case SysExecve:
		return d.sysExecve(t, a)
	case SysWait4:
		return d.sysWait4(t, a)
	case SysSchedYield:
		t.Yield()
		return 0, nil

	// Futexes
	case SysFutex:
		return d.sysFutex(t, a)
	case SysSetRobustList:
		return 0, t.SetRobustList(a.ptr(0), a.u64(1))
	case SysGetRobustList:
		return d.sysGetRobustList(t, a)

	// Signals
	case SysKill:
		return 0, t.Manager().Kill(a.i32(0), a.u64(1))
	case SysTkill:
		return 0, t.Manager().Tkill(a.i32(0), a.u64(1))
	case SysSigaction:
		return d.sysSigaction(t, a)
	case SysSigprocmask:
		return d.sysSigprocmask(t, a)
	case SysSigtimedwait:
		return d.sysSigtimedwait(t, a)
	case SysSigreturn:
		return t.Sigreturn()

	// Time
	case SysNanosleep:
		return d.sysNanosleep(t, a)
	case SysGetitimer:
		return d.sysGetitimer(t, a)
	case SysSetitimer:
		return d.sysSetitimer(t, a)
	case SysClockGettime:
		return d.sysClockGettime(t, a)
	case SysGettimeofday:
		return d.sysGettimeofday(t, a)
	case SysTimes:
		return d.sysTimes(t, a)

	// Identity and resources
	case SysGetpid:
		return t.Pid(), nil
	case SysGetppid:
		return t.Parent(), nil
	case SysGettid:
		return t.Tid(), nil
	case SysGetuid, SysGeteuid, SysGetgid, SysGetegid:
		return 0, nil
	case SysSetpgid:
		return 0, t.Setpgid(a.i32(0), a.i32(1))
	case SysGetpgid:
		return t.Getpgid(a.i32(0))
	case SysGetrusage:
		return d.sysGetrusage(t, a)
	case SysPrlimit:
		return d.sysPrlimit(t, a)
	case SysUname:
		return d.sysUname(t, a)
	case SysSysinfo:
		return d.sysSysinfo(t, a)

	// Memory
	case SysSbrk:
		return int(t.Sbrk(int64(a.int(0)))), nil
	case SysBrk:
		return int(t.Brk(a.ptr(0))), nil
	case SysMmap:
		return d.sysMmap(t, a)
	case SysMunmap:
		return 0, t.VM().Munmap(a.ptr(0), a.u64(1))
	case SysMprotect:
		return 0, t.VM().Mprotect(a.ptr(0), a.u64(1), a.int(2))

	// Machine
	case SysSyslog:
		return d.sysSyslog(t, a)
	case SysGetrandom:
		return d.sysGetrandom(t, a)
	case SysMembarrier:
		return d.sysMembarrier(t, a)
	case SysShutdown:
		return d.sysShutdown(t, a)
	case SysPrintTCB:
		return d.sysPrintTCB(t, a)
	}
	d.log.Warn("unsupported syscall", "tid", t.Tid(), "id", uintptr(num), "call", num.String())
	return 0, unix.ENOSYS
}

func (d *Dispatcher) count(num Number) {
	d.mutex.Lock()
	d.counts[num]++
	d.mutex.Unlock()
}

// CallCount is how often one system call was made
type CallCount struct {
	Number Number
	Count  uint64
}

// Counts returns the calls made so far, most frequent first
func (d *Dispatcher) Counts() []CallCount {
	d.mutex.Lock()
	out := make([]CallCount, 0, len(d.counts))
	for n, c := range d.counts {
		out = append(out, CallCount{Number: n, Count: c})
	}
	d.mutex.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Number < out[j].Number
	})
	return out
}
