// Package task implements the kernel's tasks: the control block, the
// status machine, signals, futexes, clone, exec, exit and wait, and the
// scheduler that runs tasks over the machine's harts.
package task

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hpu-os/hpukernel/internal/mm"
)

// Status is the scheduling state of a task.
type Status uint8

const (
	Ready Status = iota
	Running
	Interruptible
	Zombie
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Interruptible:
		return "Interruptible"
	case Zombie:
		return "Zombie"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Entry is the user code of a program image or of a cloned child. Its
// return value is the exit code.
type Entry func(t *Task) int

// Register indices of the trap context.
const (
	RegRA = 1
	RegSP = 2
	RegTP = 4
	RegA0 = 10
	RegA1 = 11
	RegA2 = 12
)

// TrapContext is the user register state saved on kernel entry. Resume is
// where a cloned child starts executing.
type TrapContext struct {
	Regs   [32]uint64
	Sepc   uint64
	Resume Entry
}

// AddressSpace is a MemorySet together with its futex table; both are
// shared by tasks cloned with CLONE_VM.
type AddressSpace struct {
	*mm.MemorySet
	Futex *FutexTable
	users atomic.Int32
}

func newAddressSpace(ms *mm.MemorySet) *AddressSpace {
	as := &AddressSpace{MemorySet: ms, Futex: NewFutexTable()}
	as.users.Store(1)
	return as
}

func (as *AddressSpace) retain() *AddressSpace {
	as.users.Add(1)
	return as
}

func (as *AddressSpace) release() {
	if as.users.Add(-1) == 0 {
		as.Recycle()
	}
}

// ThreadGroup is the set of tasks sharing a tgid.
type ThreadGroup struct {
	mutex      sync.Mutex
	tgid       int
	members    []*Task
	exiting    bool
	exitStatus int
	deadUsage  Rusage
	pgid       int
	itimers    [3]ITimerVal
	execKill   map[*Task]bool // threads killed by execve
}

func (g *ThreadGroup) add(t *Task) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.members = append(g.members, t)
}

func (g *ThreadGroup) remove(t *Task, usage Rusage) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	for i, m := range g.members {
		if m == t {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	g.deadUsage.add(usage)
}

// others returns the live members other than t.
func (g *ThreadGroup) others(t *Task) []*Task {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	var out []*Task
	for _, m := range g.members {
		if m != t {
			out = append(out, m)
		}
	}
	return out
}

func (g *ThreadGroup) live() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return len(g.members)
}

func (g *ThreadGroup) first() *Task {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if len(g.members) == 0 {
		return nil
	}
	return g.members[0]
}

type sigFrame struct {
	mask Signals
	trap TrapContext
}

// taskInner is the mutable part of a task, guarded by Task.mutex.
type taskInner struct {
	status        Status
	parent        int
	children      []*Task
	exitCode      int
	sigpending    Signals
	sigmask       Signals
	waitSet       Signals
	sigframes     []sigFrame
	robustHead    mm.VirtAddr
	robustLen     uint64
	clearChildTID mm.VirtAddr
	heapBottom    mm.VirtAddr
	heapPt        mm.VirtAddr
	trap          TrapContext
	rusage        Rusage
	childUsage    Rusage
	sliceStart    time.Time
	inKernel      bool

	vm      *AddressSpace
	sighand *SigHand
	files   *FdTable
}

// Task is a task control block. The registry indexes tasks weakly; the
// strong holders are the parent's children list and the scheduler while
// the task is live, counted in holders.
type Task struct {
	tid        int
	tgid       int
	exitSignal Signal
	group      *ThreadGroup
	mgr        *Manager

	holders atomic.Int32
	wakeup  chan struct{}
	next    Entry // image installed by execve

	mutex sync.Mutex
	inner taskInner
}

func (t *Task) Tid() int  { return t.tid }
func (t *Task) Tgid() int { return t.tgid }

// Pid is the process id, which is the thread group id.
func (t *Task) Pid() int { return t.tgid }

// Manager returns the manager the task runs under.
func (t *Task) Manager() *Manager { return t.mgr }

// Holders returns the number of strong references to the task.
func (t *Task) Holders() int32 { return t.holders.Load() }

func (t *Task) Status() Status {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.inner.status
}

func (t *Task) setStatus(s Status) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.inner.status = s
}

// Parent returns the pid of the parent, 0 for an orphan.
func (t *Task) Parent() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.inner.parent
}

// Children returns the tids of the children in creation order.
func (t *Task) Children() []int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	out := make([]int, 0, len(t.inner.children))
	for _, c := range t.inner.children {
		out = append(out, c.tid)
	}
	return out
}

// VM returns the address space the task runs in.
func (t *Task) VM() *AddressSpace {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.inner.vm
}

// Files returns the descriptor table of the task.
func (t *Task) Files() *FdTable {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.inner.files
}

// Trap returns the saved user registers for modification before a syscall.
func (t *Task) Trap() *TrapContext {
	return &t.inner.trap
}

func (t *Task) String() string {
	return fmt.Sprintf("Task{tid: %d, tgid: %d}", t.tid, t.tgid)
}

// ExitCode returns the wait status recorded at exit.
func (t *Task) ExitCode() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.inner.exitCode
}

// Heap returns the bottom and the current break of the heap.
func (t *Task) Heap() (bottom, pt mm.VirtAddr) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.inner.heapBottom, t.inner.heapPt
}

// Sbrk moves the program break by increment and returns the new break.
func (t *Task) Sbrk(increment int64) mm.VirtAddr {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.inner.heapPt = t.inner.vm.Sbrk(t.inner.heapPt, t.inner.heapBottom, increment)
	return t.inner.heapPt
}

// Brk sets the program break to addr; zero queries it.
func (t *Task) Brk(addr mm.VirtAddr) mm.VirtAddr {
	if addr == 0 {
		return t.Sbrk(0)
	}
	t.mutex.Lock()
	cur := t.inner.heapPt
	t.mutex.Unlock()
	return t.Sbrk(int64(addr) - int64(cur))
}

// SetClearChildTID records the word cleared and woken at exit.
func (t *Task) SetClearChildTID(addr mm.VirtAddr) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.inner.clearChildTID = addr
}

// ============================================================================
// CPU time accounting
// ============================================================================

func (t *Task) startSlice() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.inner.sliceStart = time.Now()
}

func (t *Task) endSlice() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.accountLocked()
}

func (t *Task) accountLocked() {
	now := time.Now()
	if t.inner.sliceStart.IsZero() {
		t.inner.sliceStart = now
		return
	}
	d := now.Sub(t.inner.sliceStart)
	if t.inner.inKernel {
		t.inner.rusage.Stime += d
	} else {
		t.inner.rusage.Utime += d
	}
	t.inner.sliceStart = now
}

// EnterKernel and LeaveKernel bracket a syscall for time accounting.
func (t *Task) EnterKernel() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.accountLocked()
	t.inner.inKernel = true
}

func (t *Task) LeaveKernel() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.accountLocked()
	t.inner.inKernel = false
}

func (t *Task) countSwitch(voluntary bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if voluntary {
		t.inner.rusage.Nvcsw++
	} else {
		t.inner.rusage.Nivcsw++
	}
}
