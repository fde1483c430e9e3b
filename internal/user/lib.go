// Package user is the user-side library and the programs bundled with the
// kernel. Programs only reach the kernel through system calls; arguments
// travel through a staging area mapped in the program's own memory.
package user

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hpu-os/hpukernel/internal/mm"
	sys "github.com/hpu-os/hpukernel/internal/syscall"
	"github.com/hpu-os/hpukernel/internal/task"
	"golang.org/x/sys/unix"
)

// Standard descriptors
const (
	Stdin  = 0
	Stdout = 1
	Stderr = 2
)

// stageSize is the size of the per-thread argument staging area. Attach
// maps twice as much; signal handlers stage in the upper half
const stageSize = 4 * mm.PageSize

// Proc is a thread of a user program as the program sees itself
type Proc struct {
	t     *task.Task
	stage mm.VirtAddr
	used  uint64
}

// Program is the main function of a bundled program
type Program func(p *Proc, argv []string) int

// Attach maps a staging area for t. It exits the task when memory is
// exhausted
func Attach(t *task.Task) *Proc {
	p := &Proc{t: t}
	addr := p.MapAnon(2 * stageSize)
	if addr < 0 {
		p.Exit(127)
	}
	p.stage = mm.VirtAddr(addr)
	return p
}

// Main adapts a Program to a task entry, decoding argc and argv from the
// initial registers
func Main(prog Program) task.Entry {
	return func(t *task.Task) int {
		p := Attach(t)
		return prog(p, p.args())
	}
}

// Task returns the kernel task behind p
func (p *Proc) Task() *task.Task { return p.t }

func (p *Proc) syscall(n sys.Number, a ...uintptr) int {
	return p.t.Syscall(uintptr(n), a...)
}

// ============================================================================
// User memory
// ============================================================================

// reset frees the staging area for the next call
func (p *Proc) reset() { p.used = 0 }

// alloc reserves n bytes of the staging area, 8 byte aligned
func (p *Proc) alloc(n int) mm.VirtAddr {
	size := (uint64(n) + 7) &^ 7
	if p.used+size > stageSize {
		p.t.Fault(p.stage+mm.VirtAddr(p.used), unix.E2BIG)
	}
	addr := p.stage + mm.VirtAddr(p.used)
	p.used += size
	return addr
}

// Poke writes b at addr, faulting the thread on a bad address
func (p *Proc) Poke(addr mm.VirtAddr, b []byte) {
	if err := p.t.VM().WriteBytes(addr, b); err != nil {
		p.t.Fault(addr, err)
	}
}

// Peek reads n bytes at addr, faulting the thread on a bad address
func (p *Proc) Peek(addr mm.VirtAddr, n int) []byte {
	b := make([]byte, n)
	if err := p.t.VM().ReadBytes(addr, b); err != nil {
		p.t.Fault(addr, err)
	}
	return b
}

func (p *Proc) Load32(addr mm.VirtAddr) uint32 {
	v, err := p.t.VM().ReadU32(addr)
	if err != nil {
		p.t.Fault(addr, err)
	}
	return v
}

func (p *Proc) Store32(addr mm.VirtAddr, v uint32) {
	if err := p.t.VM().WriteU32(addr, v); err != nil {
		p.t.Fault(addr, err)
	}
}

func (p *Proc) load(addr mm.VirtAddr, v any) {
	if err := p.t.VM().ReadStruct(addr, v); err != nil {
		p.t.Fault(addr, err)
	}
}

func (p *Proc) store(addr mm.VirtAddr, v any) {
	if err := p.t.VM().WriteStruct(addr, v); err != nil {
		p.t.Fault(addr, err)
	}
}

// cstring stages s with its terminating NUL
func (p *Proc) cstring(s string) uintptr {
	addr := p.alloc(len(s) + 1)
	p.Poke(addr, append([]byte(s), 0))
	return uintptr(addr)
}

// vector stages a NULL terminated array of strings
func (p *Proc) vector(strs []string) uintptr {
	if strs == nil {
		return 0
	}
	ptrs := make([]uint64, len(strs)+1)
	for i, s := range strs {
		ptrs[i] = uint64(p.cstring(s))
	}
	addr := p.alloc(8 * len(ptrs))
	p.store(addr, ptrs)
	return uintptr(addr)
}

func (p *Proc) args() []string {
	trap := p.t.Trap()
	argc, argv := int(trap.Regs[task.RegA0]), mm.VirtAddr(trap.Regs[task.RegA1])
	out := make([]string, 0, argc)
	for i := 0; i < argc; i++ {
		var ptr uint64
		p.load(argv+mm.VirtAddr(8*i), &ptr)
		s, err := p.t.VM().ReadCString(mm.VirtAddr(ptr), 4096)
		if err != nil {
			p.t.Fault(mm.VirtAddr(ptr), err)
		}
		out = append(out, s)
	}
	return out
}

// ============================================================================
// Files
// ============================================================================

func (p *Proc) Open(path string, flags int) int {
	p.reset()
	return p.syscall(sys.SysOpenat, uintptr(unix.AT_FDCWD&0xffffffff), p.cstring(path), uintptr(flags))
}

func (p *Proc) Close(fd int) int { return p.syscall(sys.SysClose, uintptr(fd)) }

// Read reads up to len(buf) bytes, at most the staging area at once
func (p *Proc) Read(fd int, buf []byte) int {
	p.reset()
	n := min(len(buf), int(stageSize))
	addr := p.alloc(n)
	ret := p.syscall(sys.SysRead, uintptr(fd), uintptr(addr), uintptr(n))
	if ret > 0 {
		copy(buf, p.Peek(addr, ret))
	}
	return ret
}

// Write writes all of b unless the kernel reports an error
func (p *Proc) Write(fd int, b []byte) int {
	total := 0
	for len(b) > 0 {
		p.reset()
		n := min(len(b), int(stageSize))
		addr := p.alloc(n)
		p.Poke(addr, b[:n])
		ret := p.syscall(sys.SysWrite, uintptr(fd), uintptr(addr), uintptr(n))
		if ret <= 0 {
			if total == 0 {
				return ret
			}
			break
		}
		total += ret
		b = b[ret:]
	}
	return total
}

func (p *Proc) Lseek(fd int, off int64, whence int) int {
	return p.syscall(sys.SysLseek, uintptr(fd), uintptr(off), uintptr(whence))
}

// Printf formats to standard output
func (p *Proc) Printf(format string, a ...any) {
	p.Write(Stdout, []byte(fmt.Sprintf(format, a...)))
}

// Errorf formats to standard error
func (p *Proc) Errorf(format string, a ...any) {
	p.Write(Stderr, []byte(fmt.Sprintf(format, a...)))
}

// ============================================================================
// Processes
// ============================================================================

// Exit terminates the calling thread
func (p *Proc) Exit(code int) {
	p.syscall(sys.SysExit, uintptr(code))
}

// ExitGroup terminates the whole process
func (p *Proc) ExitGroup(code int) {
	p.syscall(sys.SysExitGroup, uintptr(code))
}

func (p *Proc) Yield() int   { return p.syscall(sys.SysSchedYield) }
func (p *Proc) Getpid() int  { return p.syscall(sys.SysGetpid) }
func (p *Proc) Getppid() int { return p.syscall(sys.SysGetppid) }
func (p *Proc) Gettid() int  { return p.syscall(sys.SysGettid) }

// Fork creates a child process running child. It returns the child pid
// to the parent or a negative errno
func (p *Proc) Fork(child func(c *Proc) int) int {
	stage := p.stage
	p.t.Trap().Resume = func(c *task.Task) int {
		return child(&Proc{t: c, stage: stage})
	}
	return p.syscall(sys.SysClone, uintptr(unix.SIGCHLD), 0, 0, 0, 0)
}

const threadStackSize = 4 * mm.PageSize

// Thread flags of pthread_create
const threadFlags = unix.CLONE_VM | unix.CLONE_FS | unix.CLONE_FILES | unix.CLONE_SIGHAND |
	unix.CLONE_THREAD | unix.CLONE_SYSVSEM | unix.CLONE_CHILD_CLEARTID

// Thread is a thread created with Spawn
type Thread struct {
	Tid   int
	ctid  mm.VirtAddr
	stack mm.VirtAddr
}

// Spawn starts fn on a new thread of the process with its own stack. The
// thread id word is cleared and woken when the thread exits
func (p *Proc) Spawn(fn func(c *Proc) int) (*Thread, int) {
	base := p.MapAnon(threadStackSize + mm.PageSize)
	if base < 0 {
		return nil, base
	}
	th := &Thread{stack: mm.VirtAddr(base), ctid: mm.VirtAddr(base) + threadStackSize}
	p.t.Trap().Resume = func(c *task.Task) int {
		return fn(Attach(c))
	}
	tid := p.syscall(sys.SysClone, threadFlags|unix.CLONE_PARENT_SETTID, uintptr(th.ctid), uintptr(th.ctid), 0, uintptr(th.ctid))
	if tid < 0 {
		p.Munmap(mm.VirtAddr(base), threadStackSize+mm.PageSize)
		return nil, tid
	}
	th.Tid = tid
	return th, 0
}

// Join waits until the thread has exited and frees its stack
func (p *Proc) Join(th *Thread) {
	for {
		tid := p.Load32(th.ctid)
		if tid == 0 {
			break
		}
		p.FutexWait(th.ctid, tid, 0)
	}
	p.Munmap(th.stack, threadStackSize+mm.PageSize)
}

// Exec replaces the program image. It only returns on failure
func (p *Proc) Exec(path string, argv, envp []string) int {
	p.reset()
	return p.syscall(sys.SysExecve, p.cstring(path), p.vector(argv), p.vector(envp))
}

// Waitpid waits for the child pid, -1 meaning any, and stores its wait
// status in status when not nil
func (p *Proc) Waitpid(pid int, status *int, options int) int {
	p.reset()
	addr := p.alloc(4)
	ret := p.syscall(sys.SysWait4, uintptr(pid), uintptr(addr), uintptr(options), 0)
	if ret > 0 && status != nil {
		*status = int(p.Load32(addr))
	}
	return ret
}

func (p *Proc) Wait(status *int) int { return p.Waitpid(-1, status, 0) }

func (p *Proc) Kill(pid int, sig unix.Signal) int {
	return p.syscall(sys.SysKill, uintptr(pid), uintptr(sig))
}

// MapAnon maps length bytes of zeroed private memory and returns its
// address or a negative errno
func (p *Proc) MapAnon(length uint64) int {
	return p.syscall(sys.SysMmap, 0, uintptr(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, ^uintptr(0), 0)
}

func (p *Proc) Munmap(addr mm.VirtAddr, length uint64) int {
	return p.syscall(sys.SysMunmap, uintptr(addr), uintptr(length))
}

// Sbrk moves the program break and returns the new one
func (p *Proc) Sbrk(increment int) int { return p.syscall(sys.SysSbrk, uintptr(increment)) }

func (p *Proc) Brk(addr uintptr) int { return p.syscall(sys.SysBrk, addr) }

func (p *Proc) Getrusage(who int, usage *unix.Rusage) int {
	p.reset()
	addr := p.alloc(binary.Size(usage))
	ret := p.syscall(sys.SysGetrusage, uintptr(who), uintptr(addr))
	if ret == 0 {
		p.load(addr, usage)
	}
	return ret
}

// PrintTCB fills info with pid, tid, tgid, kernel stack, user stack and
// page table token
func (p *Proc) PrintTCB(info *[6]uint64) int {
	p.reset()
	addr := p.alloc(8 * len(info))
	ret := p.syscall(sys.SysPrintTCB, uintptr(addr))
	if ret == 0 {
		p.load(addr, info)
	}
	return ret
}

func (p *Proc) Uname(u *unix.Utsname) int {
	p.reset()
	addr := p.alloc(binary.Size(u))
	ret := p.syscall(sys.SysUname, uintptr(addr))
	if ret == 0 {
		p.load(addr, u)
	}
	return ret
}

// Shutdown powers the machine off
func (p *Proc) Shutdown() int { return p.syscall(sys.SysShutdown) }

// ============================================================================
// Time, futexes and signals
// ============================================================================

func (p *Proc) Sleep(d time.Duration) int {
	p.reset()
	addr := p.alloc(16)
	ts := unix.NsecToTimespec(int64(d))
	p.store(addr, &ts)
	return p.syscall(sys.SysNanosleep, uintptr(addr), 0)
}

func (p *Proc) Monotonic() time.Duration {
	p.reset()
	addr := p.alloc(16)
	if p.syscall(sys.SysClockGettime, unix.CLOCK_MONOTONIC, uintptr(addr)) != 0 {
		return 0
	}
	var ts unix.Timespec
	p.load(addr, &ts)
	return time.Duration(ts.Nano())
}

// Futex operations, always process private
const (
	futexWaitPrivate = 0 | 128
	futexWakePrivate = 1 | 128
)

// FutexWait sleeps while the word at addr holds val. A zero timeout
// waits forever
func (p *Proc) FutexWait(addr mm.VirtAddr, val uint32, timeout time.Duration) int {
	p.reset()
	var ts uintptr
	if timeout > 0 {
		a := p.alloc(16)
		spec := unix.NsecToTimespec(int64(timeout))
		p.store(a, &spec)
		ts = uintptr(a)
	}
	return p.syscall(sys.SysFutex, uintptr(addr), futexWaitPrivate, uintptr(val), ts, 0, 0)
}

// FutexWake wakes up to n waiters of addr
func (p *Proc) FutexWake(addr mm.VirtAddr, n int) int {
	return p.syscall(sys.SysFutex, uintptr(addr), futexWakePrivate, uintptr(n), 0, 0, 0)
}

// Signal installs fn as the handler of sig
func (p *Proc) Signal(sig unix.Signal, fn func(c *Proc, sig task.Signal)) int {
	p.reset()
	handler := p.t.Manager().Text().Register(func(t *task.Task, s task.Signal) {
		fn(&Proc{t: t, stage: p.stage + stageSize}, s)
	})
	addr := p.alloc(32)
	p.store(addr, &[4]uint64{handler, 0, 0, 0})
	return p.syscall(sys.SysSigaction, uintptr(sig), uintptr(addr), 0)
}
