package task

import (
	"fmt"
	"runtime"

	kerrors "github.com/hpu-os/hpukernel/internal/errors"
	"github.com/hpu-os/hpukernel/internal/mm"
	"golang.org/x/sys/unix"
)

// ============================================================================
// Exit
// ============================================================================

// Robust futex word bits.
const (
	futexWaiters   = 0x80000000
	futexOwnerDied = 0x40000000
	futexTidMask   = 0x3fffffff

	robustListHeadSize = 24
	robustListLimit    = 2048
)

// ExitStatus encodes an exit code the way wait4 reports it.
func ExitStatus(code int) int { return (code & 0xff) << 8 }

// Exit terminates the calling thread. It does not return.
func (t *Task) Exit(code int) {
	t.exit(ExitStatus(code))
	runtime.Goexit()
}

// ExitGroup terminates every thread of the process. It does not return.
func (t *Task) ExitGroup(code int) {
	status := t.beginGroupExit(ExitStatus(code))
	t.exit(status)
	runtime.Goexit()
}

// terminate ends the process because of sig. It does not return.
func (t *Task) terminate(sig Signal) {
	t.die(sig)
	runtime.Goexit()
}

// die is terminate for callers that unwind on their own.
func (t *Task) die(sig Signal) {
	g := t.group
	g.mutex.Lock()
	if g.execKill[t] {
		delete(g.execKill, t)
		g.mutex.Unlock()
		t.exit(int(sig))
		return
	}
	g.mutex.Unlock()
	t.exit(t.beginGroupExit(int(sig)))
}

// beginGroupExit records status as the group's exit status unless a group
// exit is already under way, kills the other threads and returns the
// status the caller exits with.
func (t *Task) beginGroupExit(status int) int {
	g := t.group
	g.mutex.Lock()
	if !g.exiting {
		g.exiting = true
		g.exitStatus = status
	}
	status = g.exitStatus
	g.mutex.Unlock()
	for _, o := range g.others(t) {
		o.send(unix.SIGKILL)
	}
	return status
}

func (t *Task) exit(status int) {
	m := t.mgr
	t.mutex.Lock()
	vm := t.inner.vm
	files := t.inner.files
	ctid := t.inner.clearChildTID
	t.inner.clearChildTID = 0
	t.mutex.Unlock()

	if ctid != 0 {
		if err := vm.WriteU32(ctid, 0); err != nil {
			m.log.Debug("clear child tid", "tid", t.tid, "addr", uint64(ctid), "err", err)
		}
		vm.Futex.Wake(ctid, 1)
	}
	t.exitRobustList(vm)

	// Reparent children to init.
	t.mutex.Lock()
	children := t.inner.children
	t.inner.children = nil
	t.mutex.Unlock()
	t.reparent(children)

	t.mutex.Lock()
	t.inner.exitCode = status
	parent := t.inner.parent
	t.mutex.Unlock()

	m.sched.exit(t)
	t.group.remove(t, t.ownUsage())
	files.Release()
	vm.release()
	t.setStatus(Zombie)
	m.log.Debug("exit", "tid", t.tid, "tgid", t.tgid, "status", status)

	// The leader becomes reapable with the last thread of its group.
	if t.tid != t.tgid && t.group.live() == 0 {
		if leader := m.registry.Lookup(t.tgid); leader != nil && leader.Status() == Zombie {
			if pp := m.registry.Lookup(leader.Parent()); pp != nil {
				m.sched.Wake(pp)
			}
		}
	}

	if p := m.registry.Lookup(parent); parent != 0 && p != nil {
		if t.exitSignal != 0 {
			p.send(t.exitSignal)
		}
		m.sched.Wake(p)
	}
	if t.tid == 1 {
		m.shutdown(status)
	}
}

func (t *Task) reparent(children []*Task) {
	if len(children) == 0 {
		return
	}
	m := t.mgr
	initTask := m.registry.Lookup(1)
	if initTask == nil || initTask == t {
		for _, c := range children {
			c.mutex.Lock()
			c.inner.parent = 0
			c.mutex.Unlock()
			c.holders.Add(-1)
		}
		return
	}
	zombie := false
	initTask.mutex.Lock()
	for _, c := range children {
		c.mutex.Lock()
		c.inner.parent = 1
		zombie = zombie || c.inner.status == Zombie
		c.mutex.Unlock()
		initTask.inner.children = append(initTask.inner.children, c)
	}
	initTask.mutex.Unlock()
	if zombie {
		m.sched.Wake(initTask)
	}
}

// exitRobustList releases the robust futexes still held by the thread.
func (t *Task) exitRobustList(vm *AddressSpace) {
	t.mutex.Lock()
	head, size := t.inner.robustHead, t.inner.robustLen
	t.inner.robustHead = 0
	t.mutex.Unlock()
	if head == 0 || size != robustListHeadSize {
		return
	}
	var hdr struct {
		Next    uint64
		Offset  int64
		Pending uint64
	}
	if err := vm.ReadStruct(head, &hdr); err != nil {
		return
	}
	entry := mm.VirtAddr(hdr.Next)
	for i := 0; entry != head && entry != 0 && i < robustListLimit; i++ {
		next, err := vm.ReadU64(entry &^ 1)
		if err != nil {
			return
		}
		if entry != mm.VirtAddr(hdr.Pending) {
			t.handleFutexDeath(vm, mm.VirtAddr(int64(entry&^1)+hdr.Offset))
		}
		entry = mm.VirtAddr(next)
	}
	if hdr.Pending != 0 {
		t.handleFutexDeath(vm, mm.VirtAddr(int64(hdr.Pending&^1)+hdr.Offset))
	}
}

func (t *Task) handleFutexDeath(vm *AddressSpace, addr mm.VirtAddr) {
	word, err := vm.ReadU32(addr)
	if err != nil || int(word&futexTidMask) != t.tid {
		return
	}
	if err := vm.WriteU32(addr, word&futexWaiters|futexOwnerDied); err != nil {
		return
	}
	if word&futexWaiters != 0 {
		vm.Futex.Wake(addr, 1)
	}
}

// SetRobustList records the robust list head of the thread.
func (t *Task) SetRobustList(head mm.VirtAddr, size uint64) error {
	if size != robustListHeadSize {
		return fmt.Errorf("robust list head size %d: %w", size, unix.EINVAL)
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.inner.robustHead = head
	t.inner.robustLen = size
	return nil
}

// GetRobustList returns the robust list of tid, 0 meaning the caller.
func (t *Task) GetRobustList(tid int) (mm.VirtAddr, uint64, error) {
	target := t
	if tid != 0 {
		if target = t.mgr.registry.Lookup(tid); target == nil {
			return 0, 0, fmt.Errorf("get_robust_list %d: %w", tid, unix.ESRCH)
		}
	}
	target.mutex.Lock()
	defer target.mutex.Unlock()
	return target.inner.robustHead, target.inner.robustLen, nil
}

// ============================================================================
// Wait
// ============================================================================

// WaitResult is what wait4 reports about a reaped child.
type WaitResult struct {
	Pid    int
	Status int
	Usage  Rusage
}

// Wait4 reaps a zombie child. pid -1 matches any child, otherwise the
// child process pid. Zombie threads other than group leaders are reaped
// without being reported. With WNOHANG and no zombie it returns a zero
// result.
func (t *Task) Wait4(pid int, options int) (WaitResult, error) {
	m := t.mgr
	for {
		found := false
		var reaped *Task
		var threads []*Task

		t.mutex.Lock()
		for i := 0; i < len(t.inner.children); {
			c := t.inner.children[i]
			own := c.tgid == t.tgid
			if !own && pid != -1 && c.tgid != pid {
				i++
				continue
			}
			// Threads of the caller's own group are reaped but never waited for.
			found = found || !own
			if c.Status() != Zombie || (c.tid == c.tgid && c.group.live() > 0) {
				i++
				continue
			}
			t.inner.children = append(t.inner.children[:i], t.inner.children[i+1:]...)
			if h := c.holders.Load(); h != 1 {
				t.mutex.Unlock()
				panic(kerrors.StillReferenced(c.tid, h))
			}
			c.holders.Add(-1)
			if c.tid != c.tgid {
				threads = append(threads, c)
				continue
			}
			reaped = c
			break
		}
		t.mutex.Unlock()

		for _, c := range threads {
			m.registry.remove(c.tid)
		}
		if reaped != nil {
			return t.reap(reaped), nil
		}
		if !found {
			return WaitResult{}, fmt.Errorf("wait4 pid %d: %w", pid, unix.ECHILD)
		}
		if options&unix.WNOHANG != 0 {
			return WaitResult{}, nil
		}
		if t.hasDeliverableSignal() {
			return WaitResult{}, unix.EINTR
		}
		m.sched.Block(t)
	}
}

func (t *Task) reap(c *Task) WaitResult {
	usage := c.group.usage()
	c.mutex.Lock()
	status := c.inner.exitCode
	usage.add(c.inner.childUsage)
	c.mutex.Unlock()

	t.mutex.Lock()
	t.inner.childUsage.add(usage)
	t.mutex.Unlock()

	t.mgr.registry.remove(c.tid)
	t.mgr.log.Debug("reap", "parent", t.tid, "child", c.tid, "status", status)
	return WaitResult{Pid: c.tid, Status: status, Usage: usage}
}
