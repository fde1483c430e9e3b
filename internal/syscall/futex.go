package syscall

import (
	"time"

	"github.com/hpu-os/hpukernel/internal/mm"
	"github.com/hpu-os/hpukernel/internal/task"
	"golang.org/x/sys/unix"
)

// Futex operations.
const (
	futexWait          = 0
	futexWake          = 1
	futexRequeue       = 3
	futexCmpRequeue    = 4
	futexWaitBitset    = 9
	futexWakeBitset    = 10
	futexPrivateFlag   = 128
	futexClockRealtime = 256
	futexCmdMask       = 0x7f
)

// sysFutex takes futex(uaddr, op, val, timeout/val2, uaddr2, val3).
// Address spaces are private to their process, so shared futexes are
// served as private ones. Bitsets are checked but do not filter waiters.
func (d *Dispatcher) sysFutex(t *task.Task, a args) (int, error) {
	uaddr := a.ptr(0)
	op := a.int(1)
	val := uint32(a[2])
	if uaddr == 0 || uaddr%4 != 0 {
		return 0, unix.EINVAL
	}
	if op&futexPrivateFlag == 0 {
		d.log.Debug("shared futex served as private", "tid", t.Tid(), "addr", uint64(uaddr))
	}

	switch op & futexCmdMask {
	case futexWait:
		timeout, err := d.readTimeout(t, a.ptr(3))
		if err != nil {
			return 0, err
		}
		return 0, t.FutexWait(uaddr, val, timeout)
	case futexWaitBitset:
		if uint32(a[5]) == 0 {
			return 0, unix.EINVAL
		}
		timeout, err := d.readTimeout(t, a.ptr(3))
		if err != nil {
			return 0, err
		}
		var deadline time.Time
		if timeout != nil {
			deadline = d.absoluteDeadline(t, op, *timeout)
		}
		return 0, t.FutexWaitUntil(uaddr, val, deadline)
	case futexWake:
		return t.FutexWake(uaddr, int(val)), nil
	case futexWakeBitset:
		if uint32(a[5]) == 0 {
			return 0, unix.EINVAL
		}
		return t.FutexWake(uaddr, int(val)), nil
	case futexRequeue, futexCmpRequeue:
		uaddr2 := a.ptr(4)
		if uaddr2%4 != 0 {
			return 0, unix.EINVAL
		}
		nWake, nRequeue := int(int32(val)), int(int32(a[3]))
		if nWake < 0 || nRequeue < 0 {
			return 0, unix.EINVAL
		}
		vm := t.VM()
		if op&futexCmdMask == futexRequeue {
			return vm.Futex.Requeue(uaddr, uaddr2, nWake, nRequeue), nil
		}
		return vm.Futex.CmpRequeue(vm.MemorySet, uaddr, uaddr2, nWake, nRequeue, uint32(a[5]))
	}
	d.log.Warn("unsupported futex op", "tid", t.Tid(), "op", op)
	return 0, unix.ENOSYS
}

func (d *Dispatcher) readTimeout(t *task.Task, p mm.VirtAddr) (*time.Duration, error) {
	if p == 0 {
		return nil, nil
	}
	var ts unix.Timespec
	if err := t.VM().ReadStruct(p, &ts); err != nil {
		return nil, err
	}
	if !validTimespec(ts) {
		return nil, unix.EINVAL
	}
	dur := timespecToDuration(ts)
	return &dur, nil
}

// absoluteDeadline turns a FUTEX_WAIT_BITSET timeout, measured on the
// monotonic clock unless FUTEX_CLOCK_REALTIME is set, into a deadline.
func (d *Dispatcher) absoluteDeadline(t *task.Task, op int, at time.Duration) time.Time {
	timer := t.Manager().Timer()
	if op&futexClockRealtime != 0 {
		return time.Unix(0, int64(at))
	}
	return timer.Now().Add(at - timer.Uptime())
}
