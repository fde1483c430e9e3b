package task

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	kerrors "github.com/hpu-os/hpukernel/internal/errors"
	"github.com/hpu-os/hpukernel/internal/klog"
	"github.com/hpu-os/hpukernel/internal/mm"
	"golang.org/x/sys/unix"
)

// User address space layout.
const (
	ProgramBase     mm.VirtAddr = 0x10000
	DefaultStackTop mm.VirtAddr = 0x8000_0000
)

// TrapFunc enters the kernel on behalf of t.
type TrapFunc func(t *Task, id uintptr, args [6]uintptr) int

// Options configures a Manager.
type Options struct {
	Pool      *mm.Pool
	Harts     int
	MaxTasks  int
	StackSize uint64
	StackTop  mm.VirtAddr
	Images    ImageSource
	Trap      TrapFunc
	Text      *TextTable
	// InitFiles populates the descriptor table of the first task.
	InitFiles func(*FdTable) error
	Log       *slog.Logger
}

// ManagerStats is a snapshot of task activity.
type ManagerStats struct {
	Tasks     int
	Scheduler SchedulerStats
}

// Manager owns the task registry, the scheduler and the program registry.
type Manager struct {
	opts     Options
	sched    *Scheduler
	timer    *TimerService
	registry *Registry
	text     *TextTable
	log      *slog.Logger

	mutex    sync.RWMutex
	programs map[string]Entry

	done       chan struct{}
	doneOnce   sync.Once
	initStatus int
}

// NewManager creates a task manager.
func NewManager(opts Options) *Manager {
	if opts.Harts <= 0 {
		opts.Harts = 1
	}
	if opts.StackTop == 0 {
		opts.StackTop = DefaultStackTop
	}
	if opts.Text == nil {
		opts.Text = NewTextTable()
	}
	log := klog.Module(opts.Log, "task")
	sched := NewScheduler(opts.Harts, log)
	return &Manager{
		opts:     opts,
		sched:    sched,
		timer:    NewTimerService(sched),
		registry: NewRegistry(opts.MaxTasks),
		text:     opts.Text,
		log:      log,
		programs: make(map[string]Entry),
		done:     make(chan struct{}),
	}
}

func (m *Manager) Scheduler() *Scheduler { return m.sched }
func (m *Manager) Timer() *TimerService  { return m.timer }
func (m *Manager) Registry() *Registry   { return m.registry }
func (m *Manager) Text() *TextTable      { return m.text }
func (m *Manager) Options() Options      { return m.opts }

// Register makes entry available to images naming it.
func (m *Manager) Register(name string, entry Entry) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.programs[name] = entry
}

func (m *Manager) program(name string) (Entry, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	e, ok := m.programs[name]
	return e, ok
}

// Lookup returns the task with the given tid, nil when there is none.
func (m *Manager) Lookup(tid int) *Task { return m.registry.Lookup(tid) }

func (m *Manager) Stats() ManagerStats {
	return ManagerStats{Tasks: m.registry.Len(), Scheduler: m.sched.Stats()}
}

// Done is closed when the first task exits.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Wait blocks until the first task exits and returns its wait status.
func (m *Manager) Wait(ctx context.Context) (int, error) {
	select {
	case <-m.done:
		return m.initStatus, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Manager) shutdown(status int) {
	m.doneOnce.Do(func() {
		m.initStatus = status
		close(m.done)
	})
}

// ============================================================================
// Task creation and execution
// ============================================================================

func (m *Manager) newTask(tid int, group *ThreadGroup) *Task {
	return &Task{
		tid:    tid,
		tgid:   group.tgid,
		group:  group,
		mgr:    m,
		wakeup: make(chan struct{}, 1),
	}
}

// SpawnInit loads the program at path as the first task.
func (m *Manager) SpawnInit(path string, argv, envp []string) (*Task, error) {
	entry, img, err := m.resolve(path, argv)
	if err != nil {
		return nil, err
	}
	pid, err := m.registry.alloc()
	if err != nil {
		return nil, err
	}
	files := NewFdTable()
	if m.opts.InitFiles != nil {
		if err := m.opts.InitFiles(files); err != nil {
			m.registry.remove(pid)
			return nil, err
		}
	}
	group := &ThreadGroup{tgid: pid, pgid: pid}
	t := m.newTask(pid, group)
	if err := t.load(img.data, img.argv, envp); err != nil {
		m.registry.remove(pid)
		files.Release()
		return nil, err
	}
	t.inner.sighand = newSigHand()
	t.inner.files = files
	t.exitSignal = unix.SIGCHLD
	group.add(t)
	m.registry.insert(t)
	m.log.Info("spawn", "pid", pid, "path", path)
	m.start(t, entry)
	return t, nil
}

func (m *Manager) start(t *Task, entry Entry) {
	m.sched.Add(t, func() { m.run(t, entry, false) })
}

// run executes entry on the calling goroutine. Exit and execve leave the
// goroutine through runtime.Goexit; an image installed by execve resumes
// on a fresh goroutine that keeps the hart.
func (m *Manager) run(t *Task, entry Entry, holding bool) {
	defer m.finish(t)
	if !holding {
		m.sched.acquire(t)
	}
	t.DeliverSignals()
	code := entry(t)
	t.Exit(code)
}

func (m *Manager) finish(t *Task) {
	if r := recover(); r != nil {
		if se, ok := r.(*kerrors.StandardError); ok {
			panic(se)
		}
		m.log.Error("user fault", "tid", t.tid, "panic", r)
		t.die(unix.SIGSEGV)
		return
	}
	if next := t.takeImage(); next != nil {
		go m.run(t, next, true)
	}
}

func (t *Task) takeImage() Entry {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	next := t.next
	t.next = nil
	return next
}

// Syscall traps into the kernel. It is the only way user code enters it.
func (t *Task) Syscall(id uintptr, args ...uintptr) int {
	var a [6]uintptr
	copy(a[:], args)
	return t.mgr.opts.Trap(t, id, a)
}

// Yield gives the hart to another ready task.
func (t *Task) Yield() { t.mgr.sched.Yield(t) }

// Fault kills the task with SIGSEGV after a bad user memory access.
func (t *Task) Fault(addr mm.VirtAddr, err error) {
	t.mgr.log.Warn("segmentation fault", "tid", t.tid, "addr", uint64(addr), "err", err)
	t.die(unix.SIGSEGV)
	runtime.Goexit()
}

// ============================================================================
// Signals from outside the task
// ============================================================================

// Kill sends signum to the process pid. The signal goes to an arbitrary
// live thread of the group. Process groups and broadcast are not
// supported.
func (m *Manager) Kill(pid int, signum uint64) error {
	if pid <= 0 {
		return fmt.Errorf("kill pid %d: %w", pid, unix.EINVAL)
	}
	set, err := FromSignum(signum)
	if err != nil {
		return err
	}
	leader := m.registry.Lookup(pid)
	if leader == nil || leader.tgid != pid {
		return fmt.Errorf("kill pid %d: %w", pid, unix.ESRCH)
	}
	target := leader.group.first()
	if target == nil {
		return fmt.Errorf("kill pid %d: no live thread: %w", pid, unix.ESRCH)
	}
	if sig, ok := set.Lowest(); ok {
		target.send(sig)
	}
	return nil
}

// Tkill sends signum to the thread tid.
func (m *Manager) Tkill(tid int, signum uint64) error {
	if tid <= 0 {
		return fmt.Errorf("tkill tid %d: %w", tid, unix.EINVAL)
	}
	set, err := FromSignum(signum)
	if err != nil {
		return err
	}
	target := m.registry.Lookup(tid)
	if target == nil || target.Status() == Zombie {
		return fmt.Errorf("tkill tid %d: %w", tid, unix.ESRCH)
	}
	if sig, ok := set.Lowest(); ok {
		target.send(sig)
	}
	return nil
}
