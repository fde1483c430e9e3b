package syscall

import (
	"time"

	"github.com/hpu-os/hpukernel/internal/task"
	"golang.org/x/sys/unix"
)

// ============================================================================
// Signal system calls
// ============================================================================

func (d *Dispatcher) sysSigaction(t *task.Task, a args) (int, error) {
	vm := t.VM()
	var act *task.SigAction
	if p := a.ptr(1); p != 0 {
		var raw sigactionABI
		if err := vm.ReadStruct(p, &raw); err != nil {
			return 0, err
		}
		action := raw.action()
		act = &action
	}
	old, err := t.Sigaction(a.int(0), act)
	if err != nil {
		return 0, err
	}
	if p := a.ptr(2); p != 0 {
		raw := toSigactionABI(old)
		return 0, vm.WriteStruct(p, &raw)
	}
	return 0, nil
}

func (d *Dispatcher) sysSigprocmask(t *task.Task, a args) (int, error) {
	vm := t.VM()
	var set *task.Signals
	if p := a.ptr(1); p != 0 {
		raw, err := vm.ReadU64(p)
		if err != nil {
			return 0, err
		}
		s := task.Signals(raw)
		set = &s
	}
	old, err := t.Sigprocmask(a.int(0), set)
	if err != nil {
		return 0, err
	}
	if p := a.ptr(2); p != 0 {
		return 0, vm.WriteU64(p, uint64(old))
	}
	return 0, nil
}

func (d *Dispatcher) sysSigtimedwait(t *task.Task, a args) (int, error) {
	vm := t.VM()
	raw, err := vm.ReadU64(a.ptr(0))
	if err != nil {
		return 0, err
	}
	var timeout *time.Duration
	if p := a.ptr(2); p != 0 {
		var ts unix.Timespec
		if err := vm.ReadStruct(p, &ts); err != nil {
			return 0, err
		}
		if !validTimespec(ts) {
			return 0, unix.EINVAL
		}
		dur := timespecToDuration(ts)
		timeout = &dur
	}
	sig, err := t.Sigtimedwait(task.Signals(raw), timeout)
	if err != nil {
		return 0, err
	}
	if p := a.ptr(1); p != 0 {
		info := siginfoABI{Signo: int32(sig)}
		if err := vm.WriteStruct(p, &info); err != nil {
			return 0, err
		}
	}
	return int(sig), nil
}
