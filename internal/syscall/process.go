package syscall

import (
	"github.com/hpu-os/hpukernel/internal/task"
	"golang.org/x/sys/unix"
)

// ============================================================================
// Process system calls
// ============================================================================

// sysClone takes the RISC-V argument order: flags, stack, ptid, tls, ctid.
func (d *Dispatcher) sysClone(t *task.Task, a args) (int, error) {
	return t.Clone(task.CloneArgs{
		Flags: a.u64(0),
		Stack: a.ptr(1),
		Ptid:  a.ptr(2),
		TLS:   a.u64(3),
		Ctid:  a.ptr(4),
	})
}

func (d *Dispatcher) sysExecve(t *task.Task, a args) (int, error) {
	vm := t.VM()
	name, err := vm.ReadCString(a.ptr(0), pathMax)
	if err != nil {
		return 0, err
	}
	argv, err := readStrings(vm.MemorySet, a.ptr(1))
	if err != nil {
		return 0, err
	}
	envp, err := readStrings(vm.MemorySet, a.ptr(2))
	if err != nil {
		return 0, err
	}
	if len(argv) == 0 {
		argv = []string{name}
	}
	d.log.Debug("execve", "tid", t.Tid(), "path", name, "argv", argv)
	// Execve only returns on failure.
	return 0, t.Execve(name, argv, envp)
}

func (d *Dispatcher) sysWait4(t *task.Task, a args) (int, error) {
	options := a.int(2)
	if options&^(unix.WNOHANG|unix.WUNTRACED|unix.WCONTINUED) != 0 {
		return 0, unix.EINVAL
	}
	res, err := t.Wait4(a.i32(0), options)
	if err != nil || res.Pid == 0 {
		return 0, err
	}
	vm := t.VM()
	if status := a.ptr(1); status != 0 {
		if err := vm.WriteU32(status, uint32(res.Status)); err != nil {
			return 0, err
		}
	}
	if ru := a.ptr(3); ru != 0 {
		usage := toRusageABI(res.Usage)
		if err := vm.WriteStruct(ru, &usage); err != nil {
			return 0, err
		}
	}
	return res.Pid, nil
}

func (d *Dispatcher) sysGetRobustList(t *task.Task, a args) (int, error) {
	head, size, err := t.GetRobustList(a.i32(0))
	if err != nil {
		return 0, err
	}
	vm := t.VM()
	if err := vm.WriteU64(a.ptr(1), uint64(head)); err != nil {
		return 0, err
	}
	return 0, vm.WriteU64(a.ptr(2), size)
}

func (d *Dispatcher) sysGetrusage(t *task.Task, a args) (int, error) {
	u, err := t.Getrusage(a.int(0))
	if err != nil {
		return 0, err
	}
	usage := toRusageABI(u)
	return 0, t.VM().WriteStruct(a.ptr(1), &usage)
}

// sysPrlimit reads the new limit before writing the old one so both may
// point at the same buffer.
func (d *Dispatcher) sysPrlimit(t *task.Task, a args) (int, error) {
	vm := t.VM()
	var newLimit *unix.Rlimit
	if p := a.ptr(2); p != 0 {
		newLimit = new(unix.Rlimit)
		if err := vm.ReadStruct(p, newLimit); err != nil {
			return 0, err
		}
	}
	old, err := t.Prlimit(a.i32(0), a.int(1), newLimit)
	if err != nil {
		return 0, err
	}
	if p := a.ptr(3); p != 0 {
		return 0, vm.WriteStruct(p, &old)
	}
	return 0, nil
}

func (d *Dispatcher) sysUname(t *task.Task, a args) (int, error) {
	u := d.cfg.Uname
	var buf unix.Utsname
	buf.Sysname = utsField(u.Sysname)
	buf.Nodename = utsField(u.Nodename)
	buf.Release = utsField(u.Release)
	buf.Version = utsField(u.Version)
	buf.Machine = utsField(u.Machine)
	buf.Domainname = utsField(u.Domainname)
	return 0, t.VM().WriteStruct(a.ptr(0), &buf)
}

// Load averages are fixed point with 16 fraction bits and are estimated
// from the current task count.
const sysinfoLoadScale = 1 << 16

func (d *Dispatcher) sysSysinfo(t *task.Task, a args) (int, error) {
	m := t.Manager()
	procs := uint64(m.Registry().Len())
	info := sysinfoABI{
		Uptime: int64(m.Timer().Uptime().Seconds()),
		Loads: [3]uint64{
			procs * sysinfoLoadScale / 60,
			procs * sysinfoLoadScale / 300,
			procs * sysinfoLoadScale / 900,
		},
		Procs: uint16(procs),
		Unit:  1,
	}
	if pool := d.cfg.Pool; pool != nil && pool.Frames != nil {
		total, free, _ := pool.Frames.GetMemoryInfo()
		info.Totalram, info.Freeram = total, free
	}
	return 0, t.VM().WriteStruct(a.ptr(0), &info)
}
