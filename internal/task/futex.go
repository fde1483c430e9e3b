package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/hpu-os/hpukernel/internal/mm"
	"golang.org/x/sys/unix"
)

// ============================================================================
// Futex wait queues
// ============================================================================

type futexWaiter struct {
	task  *Task
	woken bool
}

// FutexTable holds the wait queues of one address space, keyed by the
// user virtual address of the futex word.
type FutexTable struct {
	mutex  sync.Mutex
	queues map[mm.VirtAddr][]*futexWaiter
}

func NewFutexTable() *FutexTable {
	return &FutexTable{queues: make(map[mm.VirtAddr][]*futexWaiter)}
}

// Wait blocks t on addr while the word there equals expected. A zero
// deadline waits forever.
func (ft *FutexTable) Wait(t *Task, vm *mm.MemorySet, addr mm.VirtAddr, expected uint32, deadline time.Time) error {
	ft.mutex.Lock()
	val, err := vm.ReadU32(addr)
	if err != nil {
		ft.mutex.Unlock()
		return err
	}
	if val != expected {
		ft.mutex.Unlock()
		return fmt.Errorf("futex %#x holds %#x, expected %#x: %w", uint64(addr), val, expected, unix.EAGAIN)
	}
	w := &futexWaiter{task: t}
	ft.queues[addr] = append(ft.queues[addr], w)
	ft.mutex.Unlock()

	for {
		t.mgr.timer.WaitWithTimeout(t, deadline)

		ft.mutex.Lock()
		switch {
		case w.woken:
			ft.mutex.Unlock()
			return nil
		case t.mgr.timer.Expired(deadline):
			ft.removeLocked(addr, w)
			ft.mutex.Unlock()
			return unix.ETIMEDOUT
		case t.hasDeliverableSignal():
			ft.removeLocked(addr, w)
			ft.mutex.Unlock()
			return unix.EINTR
		}
		ft.mutex.Unlock()
	}
}

func (ft *FutexTable) removeLocked(addr mm.VirtAddr, w *futexWaiter) {
	q := ft.queues[addr]
	for i, x := range q {
		if x == w {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	ft.setQueueLocked(addr, q)
}

func (ft *FutexTable) setQueueLocked(addr mm.VirtAddr, q []*futexWaiter) {
	if len(q) == 0 {
		delete(ft.queues, addr)
	} else {
		ft.queues[addr] = q
	}
}

// Wake wakes up to n waiters of addr in FIFO order and returns how many
// were woken.
func (ft *FutexTable) Wake(addr mm.VirtAddr, n int) int {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	return ft.wakeLocked(addr, n)
}

func (ft *FutexTable) wakeLocked(addr mm.VirtAddr, n int) int {
	q := ft.queues[addr]
	woken := 0
	for woken < n && woken < len(q) {
		w := q[woken]
		w.woken = true
		w.task.mgr.sched.Wake(w.task)
		woken++
	}
	ft.setQueueLocked(addr, q[woken:])
	return woken
}

// Requeue wakes up to nWake waiters of addr1 and moves up to nRequeue of
// the remaining ones to the tail of addr2, keeping their order. It
// returns the number woken.
func (ft *FutexTable) Requeue(addr1, addr2 mm.VirtAddr, nWake, nRequeue int) int {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	return ft.requeueLocked(addr1, addr2, nWake, nRequeue)
}

// CmpRequeue is Requeue guarded by the word at addr1 still holding expected.
func (ft *FutexTable) CmpRequeue(vm *mm.MemorySet, addr1, addr2 mm.VirtAddr, nWake, nRequeue int, expected uint32) (int, error) {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	val, err := vm.ReadU32(addr1)
	if err != nil {
		return 0, err
	}
	if val != expected {
		return 0, unix.EAGAIN
	}
	return ft.requeueLocked(addr1, addr2, nWake, nRequeue), nil
}

func (ft *FutexTable) requeueLocked(addr1, addr2 mm.VirtAddr, nWake, nRequeue int) int {
	woken := ft.wakeLocked(addr1, nWake)
	if addr1 == addr2 {
		return woken
	}
	q := ft.queues[addr1]
	moved := min(nRequeue, len(q))
	if moved > 0 {
		ft.queues[addr2] = append(ft.queues[addr2], q[:moved]...)
		ft.setQueueLocked(addr1, q[moved:])
	}
	return woken
}

// Waiters returns the number of tasks queued on addr.
func (ft *FutexTable) Waiters(addr mm.VirtAddr) int {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	return len(ft.queues[addr])
}

// ============================================================================
// Task entry points
// ============================================================================

// FutexWait waits on addr in the caller's address space. A nil timeout
// waits forever.
func (t *Task) FutexWait(addr mm.VirtAddr, expected uint32, timeout *time.Duration) error {
	var deadline time.Time
	if timeout != nil {
		deadline = t.mgr.timer.Deadline(*timeout)
	}
	vm := t.VM()
	return vm.Futex.Wait(t, vm.MemorySet, addr, expected, deadline)
}

// FutexWake wakes up to n waiters of addr.
func (t *Task) FutexWake(addr mm.VirtAddr, n int) int {
	return t.VM().Futex.Wake(addr, n)
}

// FutexWaitUntil is FutexWait with an absolute deadline.
func (t *Task) FutexWaitUntil(addr mm.VirtAddr, expected uint32, deadline time.Time) error {
	vm := t.VM()
	return vm.Futex.Wait(t, vm.MemorySet, addr, expected, deadline)
}
