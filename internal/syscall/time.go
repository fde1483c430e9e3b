package syscall

import (
	"errors"

	"github.com/hpu-os/hpukernel/internal/task"
	"golang.org/x/sys/unix"
)

// ============================================================================
// Time system calls
// ============================================================================

func (d *Dispatcher) sysNanosleep(t *task.Task, a args) (int, error) {
	vm := t.VM()
	var req unix.Timespec
	if err := vm.ReadStruct(a.ptr(0), &req); err != nil {
		return 0, err
	}
	if !validTimespec(req) {
		return 0, unix.EINVAL
	}
	rem, err := t.Nanosleep(timespecToDuration(req))
	if errors.Is(err, unix.EINTR) {
		if p := a.ptr(1); p != 0 {
			left := durationToTimespec(rem)
			if werr := vm.WriteStruct(p, &left); werr != nil {
				return 0, werr
			}
		}
	}
	return 0, err
}

func (d *Dispatcher) sysClockGettime(t *task.Task, a args) (int, error) {
	timer := t.Manager().Timer()
	var ts unix.Timespec
	switch a.int(0) {
	case unix.CLOCK_REALTIME, unix.CLOCK_REALTIME_COARSE:
		ts = unix.NsecToTimespec(timer.Now().UnixNano())
	case unix.CLOCK_MONOTONIC, unix.CLOCK_MONOTONIC_RAW, unix.CLOCK_MONOTONIC_COARSE, unix.CLOCK_BOOTTIME:
		ts = durationToTimespec(timer.Uptime())
	case unix.CLOCK_PROCESS_CPUTIME_ID, unix.CLOCK_THREAD_CPUTIME_ID:
		self, _ := t.Times()
		ts = durationToTimespec(self.Utime + self.Stime)
	default:
		return 0, unix.EINVAL
	}
	if p := a.ptr(1); p != 0 {
		return 0, t.VM().WriteStruct(p, &ts)
	}
	return 0, nil
}

func (d *Dispatcher) sysGettimeofday(t *task.Task, a args) (int, error) {
	tv := unix.NsecToTimeval(t.Manager().Timer().Now().UnixNano())
	if p := a.ptr(0); p != 0 {
		return 0, t.VM().WriteStruct(p, &tv)
	}
	return 0, nil
}

// sysTimes reports the CPU time of the process and of its reaped
// children in clock ticks and returns the ticks since boot.
func (d *Dispatcher) sysTimes(t *task.Task, a args) (int, error) {
	self, children := t.Times()
	if p := a.ptr(0); p != 0 {
		tms := unix.Tms{
			Utime:  clockTicks(self.Utime),
			Stime:  clockTicks(self.Stime),
			Cutime: clockTicks(children.Utime),
			Cstime: clockTicks(children.Stime),
		}
		if err := t.VM().WriteStruct(p, &tms); err != nil {
			return 0, err
		}
	}
	return int(t.Manager().Timer().Ticks()), nil
}

func (d *Dispatcher) sysGetitimer(t *task.Task, a args) (int, error) {
	v, err := t.Getitimer(a.int(0))
	if err != nil {
		return 0, err
	}
	raw := toItimervalABI(v)
	return 0, t.VM().WriteStruct(a.ptr(1), &raw)
}

func (d *Dispatcher) sysSetitimer(t *task.Task, a args) (int, error) {
	vm := t.VM()
	var raw unix.Itimerval
	if err := vm.ReadStruct(a.ptr(1), &raw); err != nil {
		return 0, err
	}
	old, err := t.Setitimer(a.int(0), fromItimervalABI(raw))
	if err != nil {
		return 0, err
	}
	if p := a.ptr(2); p != 0 {
		prev := toItimervalABI(old)
		return 0, vm.WriteStruct(p, &prev)
	}
	return 0, nil
}
