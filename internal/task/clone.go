package task

import (
	"fmt"

	"github.com/hpu-os/hpukernel/internal/mm"
	"golang.org/x/sys/unix"
)

// CloneArgs are the arguments of the clone syscall.
type CloneArgs struct {
	Flags uint64
	Stack mm.VirtAddr
	Ptid  mm.VirtAddr
	TLS   uint64
	Ctid  mm.VirtAddr
}

// Clone creates a child task and returns its tid. The child resumes at
// the Resume entry of the caller's trap context with a0 set to 0.
func (t *Task) Clone(args CloneArgs) (int, error) {
	m := t.mgr
	flags := args.Flags &^ 0xff
	switch {
	case flags&unix.CLONE_SIGHAND != 0 && flags&unix.CLONE_VM == 0:
		return 0, fmt.Errorf("CLONE_SIGHAND without CLONE_VM: %w", unix.EINVAL)
	case flags&unix.CLONE_THREAD != 0 && flags&unix.CLONE_SIGHAND == 0:
		return 0, fmt.Errorf("CLONE_THREAD without CLONE_SIGHAND: %w", unix.EINVAL)
	}
	var exitSignal Signal
	if set, err := FromSignum(args.Flags & 0xff); err != nil {
		m.log.Warn("invalid clone exit signal", "signum", args.Flags&0xff)
	} else if sig, ok := set.Lowest(); ok {
		exitSignal = sig
	}

	t.mutex.Lock()
	parentVM := t.inner.vm
	sighand := t.inner.sighand
	files := t.inner.files
	trap := t.inner.trap
	heapBottom, heapPt := t.inner.heapBottom, t.inner.heapPt
	sigmask := t.inner.sigmask
	t.mutex.Unlock()

	var vm *AddressSpace
	if flags&unix.CLONE_VM != 0 {
		vm = parentVM.retain()
	} else {
		ms, err := parentVM.Fork()
		if err != nil {
			return 0, err
		}
		vm = newAddressSpace(ms)
	}

	tid, err := m.registry.alloc()
	if err != nil {
		vm.release()
		return 0, err
	}

	group := t.group
	if flags&unix.CLONE_THREAD == 0 {
		group.mutex.Lock()
		pgid := group.pgid
		group.mutex.Unlock()
		group = &ThreadGroup{tgid: tid, pgid: pgid}
	}
	c := m.newTask(tid, group)
	c.exitSignal = exitSignal
	if flags&unix.CLONE_SIGHAND != 0 {
		c.inner.sighand = sighand
	} else {
		c.inner.sighand = sighand.clone()
	}
	if flags&unix.CLONE_FILES != 0 {
		c.inner.files = files.retain()
	} else {
		c.inner.files = files.Clone()
	}
	c.inner.vm = vm
	c.inner.parent = t.tid
	c.inner.heapBottom, c.inner.heapPt = heapBottom, heapPt
	c.inner.sigmask = sigmask
	c.inner.trap = trap
	c.inner.trap.Regs[RegA0] = 0
	if args.Stack != 0 {
		c.inner.trap.Regs[RegSP] = uint64(args.Stack)
	}
	if flags&unix.CLONE_SETTLS != 0 {
		c.inner.trap.Regs[RegTP] = args.TLS
	}

	if flags&unix.CLONE_PARENT_SETTID != 0 {
		if err := parentVM.WriteU32(args.Ptid, uint32(tid)); err != nil {
			c.discard()
			return 0, err
		}
	}
	if flags&unix.CLONE_CHILD_SETTID != 0 {
		if err := vm.WriteU32(args.Ctid, uint32(tid)); err != nil {
			c.discard()
			return 0, err
		}
	}
	if flags&unix.CLONE_CHILD_CLEARTID != 0 {
		c.inner.clearChildTID = args.Ctid
	}

	group.add(c)
	m.registry.insert(c)
	c.holders.Add(1)
	t.mutex.Lock()
	t.inner.children = append(t.inner.children, c)
	t.mutex.Unlock()

	m.log.Debug("clone", "parent", t.tid, "child", tid, "flags", fmt.Sprintf("%#x", flags), "exit_signal", exitSignal)
	m.start(c, resumeChild)
	return tid, nil
}

// discard undoes a clone that failed before the child was published.
func (t *Task) discard() {
	t.inner.files.Release()
	t.inner.vm.release()
	t.mgr.registry.remove(t.tid)
}

func resumeChild(c *Task) int {
	c.mutex.Lock()
	resume := c.inner.trap.Resume
	c.mutex.Unlock()
	if resume == nil {
		c.mgr.log.Warn("clone child without resume point", "tid", c.tid)
		c.terminate(unix.SIGSEGV)
	}
	return resume(c)
}

// Fork is clone with SIGCHLD and a private copy of everything.
func (t *Task) Fork() (int, error) {
	return t.Clone(CloneArgs{Flags: uint64(unix.SIGCHLD)})
}
