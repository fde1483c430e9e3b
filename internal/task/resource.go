package task

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Rusage is the resource usage of a task or of a set of tasks.
type Rusage struct {
	Utime  time.Duration
	Stime  time.Duration
	Minflt uint64
	Majflt uint64
	Nvcsw  uint64
	Nivcsw uint64
}

func (r *Rusage) add(o Rusage) {
	r.Utime += o.Utime
	r.Stime += o.Stime
	r.Minflt += o.Minflt
	r.Majflt += o.Majflt
	r.Nvcsw += o.Nvcsw
	r.Nivcsw += o.Nivcsw
}

// Rusage "who" values.
const (
	RusageSelf     = 0
	RusageChildren = -1
)

// ITimerVal is an interval timer setting.
type ITimerVal struct {
	Interval time.Duration
	Value    time.Duration
}

// usage returns the usage of the whole group, exited threads included.
func (g *ThreadGroup) usage() Rusage {
	g.mutex.Lock()
	members := append([]*Task(nil), g.members...)
	u := g.deadUsage
	g.mutex.Unlock()
	for _, m := range members {
		u.add(m.ownUsage())
	}
	return u
}

func (t *Task) ownUsage() Rusage {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.inner.status == Running {
		t.accountLocked()
	}
	return t.inner.rusage
}

// Getrusage reports the usage of the calling process. Only RUSAGE_SELF
// is supported.
func (t *Task) Getrusage(who int) (Rusage, error) {
	if who != RusageSelf {
		return Rusage{}, fmt.Errorf("getrusage who=%d: %w", who, unix.EINVAL)
	}
	u := t.group.usage()
	st := t.VM().Stats()
	u.Minflt += st.MinorFaults
	u.Majflt += st.MajorFaults
	return u, nil
}

// Times returns the usage of the process and of its reaped children.
func (t *Task) Times() (self, children Rusage) {
	self = t.group.usage()
	t.mutex.Lock()
	children = t.inner.childUsage
	t.mutex.Unlock()
	return self, children
}

// Setitimer stores an interval timer and returns the previous setting.
// Timers are recorded but never fire.
func (t *Task) Setitimer(which int, v ITimerVal) (ITimerVal, error) {
	if which < 0 || which > 2 {
		return ITimerVal{}, fmt.Errorf("itimer %d: %w", which, unix.EINVAL)
	}
	t.group.mutex.Lock()
	defer t.group.mutex.Unlock()
	old := t.group.itimers[which]
	t.group.itimers[which] = v
	return old, nil
}

func (t *Task) Getitimer(which int) (ITimerVal, error) {
	if which < 0 || which > 2 {
		return ITimerVal{}, fmt.Errorf("itimer %d: %w", which, unix.EINVAL)
	}
	t.group.mutex.Lock()
	defer t.group.mutex.Unlock()
	return t.group.itimers[which], nil
}

// Prlimit gets and optionally sets a resource limit of the calling
// process. STACK, NPROC and NOFILE are supported; the stack limit can
// only be lowered and is otherwise left as is.
func (t *Task) Prlimit(pid int, resource int, newLimit *unix.Rlimit) (unix.Rlimit, error) {
	if pid != 0 && pid != t.tgid {
		return unix.Rlimit{}, fmt.Errorf("prlimit on pid %d: %w", pid, unix.ESRCH)
	}
	opts := t.mgr.opts
	var old unix.Rlimit
	switch resource {
	case unix.RLIMIT_STACK:
		old = unix.Rlimit{Cur: opts.StackSize, Max: opts.StackSize}
	case unix.RLIMIT_NPROC:
		old = unix.Rlimit{Cur: uint64(opts.MaxTasks), Max: uint64(opts.MaxTasks)}
	case unix.RLIMIT_NOFILE:
		soft, hard := t.Files().Limits()
		old = unix.Rlimit{Cur: soft, Max: hard}
	default:
		return unix.Rlimit{}, fmt.Errorf("resource %d: %w", resource, unix.EINVAL)
	}
	if newLimit == nil {
		return old, nil
	}
	switch resource {
	case unix.RLIMIT_NOFILE:
		if err := t.Files().SetLimits(newLimit.Cur, newLimit.Max); err != nil {
			return old, err
		}
	case unix.RLIMIT_STACK:
		if newLimit.Cur > opts.StackSize {
			return old, fmt.Errorf("stack limit %d above %d: %w", newLimit.Cur, opts.StackSize, unix.EINVAL)
		}
		t.mgr.log.Warn("stack limit change ignored", "tid", t.tid, "cur", newLimit.Cur)
	default:
		return old, fmt.Errorf("resource %d is read-only: %w", resource, unix.EINVAL)
	}
	return old, nil
}

// Getpgid returns the process group of pid, 0 meaning the caller.
func (t *Task) Getpgid(pid int) (int, error) {
	target := t
	if pid != 0 {
		if target = t.mgr.registry.Lookup(pid); target == nil {
			return 0, fmt.Errorf("getpgid %d: %w", pid, unix.ESRCH)
		}
	}
	target.group.mutex.Lock()
	defer target.group.mutex.Unlock()
	return target.group.pgid, nil
}

// Setpgid is accepted and ignored.
func (t *Task) Setpgid(pid, pgid int) error {
	t.mgr.log.Warn("setpgid is a stub", "tid", t.tid, "pid", pid, "pgid", pgid)
	return nil
}
