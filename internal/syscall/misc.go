package syscall

import (
	"crypto/rand"

	"github.com/hpu-os/hpukernel/internal/mm"
	"github.com/hpu-os/hpukernel/internal/task"
	"golang.org/x/sys/unix"
)

// ============================================================================
// Memory mapping
// ============================================================================

func (d *Dispatcher) sysMmap(t *task.Task, a args) (int, error) {
	flags := a.int(3)
	var file mm.BackingFile
	if flags&unix.MAP_ANONYMOUS == 0 {
		f, err := t.Files().Get(a.i32(4))
		if err != nil {
			return 0, err
		}
		file = f
	}
	start, err := t.VM().Mmap(a.ptr(0), a.u64(1), a.int(2), flags, file, a.u64(5))
	if err != nil {
		return 0, err
	}
	return int(start), nil
}

// ============================================================================
// Machine
// ============================================================================

// syslog actions.
const (
	syslogClose      = 0
	syslogOpen       = 1
	syslogRead       = 2
	syslogReadAll    = 3
	syslogReadClear  = 4
	syslogClear      = 5
	syslogConsoleOff = 6
	syslogConsoleOn  = 7
	syslogConsoleLvl = 8
	syslogSizeUnread = 9
	syslogSizeBuffer = 10
)

func (d *Dispatcher) sysSyslog(t *task.Task, a args) (int, error) {
	ring := d.cfg.Syslog
	action := a.int(0)
	buf, n := a.ptr(1), a.int(2)
	switch action {
	case syslogClose, syslogOpen, syslogConsoleOff, syslogConsoleOn, syslogConsoleLvl:
		return 0, nil
	case syslogRead, syslogReadAll, syslogReadClear:
		if n < 0 || (buf == 0 && n > 0) {
			return 0, unix.EINVAL
		}
		var data []byte
		switch action {
		case syslogRead:
			data = ring.Consume(n)
		case syslogReadAll:
			data = ring.Tail(n)
		default:
			data = ring.Tail(n)
			ring.Clear()
		}
		if err := t.VM().WriteBytes(buf, data); err != nil {
			return 0, err
		}
		return len(data), nil
	case syslogClear:
		ring.Clear()
		return 0, nil
	case syslogSizeUnread:
		return ring.Len(), nil
	case syslogSizeBuffer:
		return ring.Size(), nil
	}
	return 0, unix.EINVAL
}

func (d *Dispatcher) sysGetrandom(t *task.Task, a args) (int, error) {
	if a.int(2)&^(unix.GRND_NONBLOCK|unix.GRND_RANDOM) != 0 {
		return 0, unix.EINVAL
	}
	buf := make([]byte, a.size(1))
	if _, err := rand.Read(buf); err != nil {
		return 0, unix.EIO
	}
	if err := t.VM().WriteBytes(a.ptr(0), buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// membarrier commands.
const (
	membarrierQuery  = 0
	membarrierGlobal = 1
)

// sysMembarrier serves the global barrier only. Harts share Go's memory
// model, so the barrier itself is implied by entering the kernel.
func (d *Dispatcher) sysMembarrier(t *task.Task, a args) (int, error) {
	switch a.int(0) {
	case membarrierQuery:
		return membarrierGlobal, nil
	case membarrierGlobal:
		return 0, nil
	}
	return 0, unix.EINVAL
}

func (d *Dispatcher) sysShutdown(t *task.Task, a args) (int, error) {
	d.log.Info("shutdown requested", "tid", t.Tid())
	if d.cfg.Shutdown == nil {
		return 0, unix.EPERM
	}
	d.cfg.Shutdown()
	return 0, nil
}

// sysPrintTCB fills six words describing the caller: pid, tid, tgid, the
// kernel stack top, the user stack pointer and the page table token.
func (d *Dispatcher) sysPrintTCB(t *task.Task, a args) (int, error) {
	vm := t.VM()
	words := [6]uint64{
		uint64(t.Pid()),
		uint64(t.Tid()),
		uint64(t.Tgid()),
		0,
		t.Trap().Regs[task.RegSP],
		vm.Token(),
	}
	d.log.Info("print_tcb", "pid", words[0], "tid", words[1], "tgid", words[2], "sp", words[4], "token", words[5])
	return 0, vm.WriteStruct(a.ptr(0), &words)
}
