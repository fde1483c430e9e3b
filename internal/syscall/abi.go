package syscall

import (
	"time"

	"github.com/hpu-os/hpukernel/internal/mm"
	"github.com/hpu-os/hpukernel/internal/task"
	"golang.org/x/sys/unix"
)

// ============================================================================
// User ABI structures
// ============================================================================

// Limits on what the kernel copies in from user space
const (
	pathMax    = unix.PathMax
	argMax     = 256
	argStrMax  = 4096
	ioChunkMax = 1 << 20
)

// args are the raw a0..a5 registers of a system call
type args [6]uintptr

func (a args) int(i int) int         { return int(int64(a[i])) }
func (a args) i32(i int) int         { return int(int32(a[i])) }
func (a args) u64(i int) uint64      { return uint64(a[i]) }
func (a args) ptr(i int) mm.VirtAddr { return mm.VirtAddr(a[i]) }
func (a args) size(i int) int        { return int(min(uint64(a[i]), ioChunkMax)) }

// sigactionABI is struct sigaction as the kernel ABI lays it out
type sigactionABI struct {
	Handler  uint64
	Flags    uint64
	Restorer uint64
	Mask     uint64
}

func (s sigactionABI) action() task.SigAction {
	return task.SigAction{Handler: s.Handler, Flags: s.Flags, Restorer: s.Restorer, Mask: task.Signals(s.Mask)}
}

func toSigactionABI(a task.SigAction) sigactionABI {
	return sigactionABI{Handler: a.Handler, Flags: a.Flags, Restorer: a.Restorer, Mask: uint64(a.Mask)}
}

// siginfoABI carries the leading fields of siginfo_t
type siginfoABI struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
}

// sysinfoABI is struct sysinfo with the riscv64 padding spelled out
type sysinfoABI struct {
	Uptime    int64
	Loads     [3]uint64
	Totalram  uint64
	Freeram   uint64
	Sharedram uint64
	Bufferram uint64
	Totalswap uint64
	Freeswap  uint64
	Procs     uint16
	_         [6]byte
	Totalhigh uint64
	Freehigh  uint64
	Unit      uint32
	_         [4]byte
}

func durationToTimespec(d time.Duration) unix.Timespec  { return unix.NsecToTimespec(int64(d)) }
func durationToTimeval(d time.Duration) unix.Timeval    { return unix.NsecToTimeval(int64(d)) }
func timespecToDuration(ts unix.Timespec) time.Duration { return time.Duration(ts.Nano()) }
func timevalToDuration(tv unix.Timeval) time.Duration   { return time.Duration(tv.Nano()) }

func validTimespec(ts unix.Timespec) bool {
	return ts.Sec >= 0 && ts.Nsec >= 0 && ts.Nsec < int64(time.Second)
}

func toRusageABI(u task.Rusage) unix.Rusage {
	return unix.Rusage{
		Utime:  durationToTimeval(u.Utime),
		Stime:  durationToTimeval(u.Stime),
		Minflt: int64(u.Minflt),
		Majflt: int64(u.Majflt),
		Nvcsw:  int64(u.Nvcsw),
		Nivcsw: int64(u.Nivcsw),
	}
}

// clockTicks converts d to clock ticks of 10ms
func clockTicks(d time.Duration) int64 { return int64(d / (10 * time.Millisecond)) }

func toItimervalABI(v task.ITimerVal) unix.Itimerval {
	return unix.Itimerval{Interval: durationToTimeval(v.Interval), Value: durationToTimeval(v.Value)}
}

func fromItimervalABI(v unix.Itimerval) task.ITimerVal {
	return task.ITimerVal{Interval: timevalToDuration(v.Interval), Value: timevalToDuration(v.Value)}
}

// utsField copies s into a NUL padded utsname field
func utsField(s string) (f [65]byte) {
	copy(f[:len(f)-1], s)
	return f
}

// readStrings reads a NULL terminated vector of string pointers
func readStrings(vm *mm.MemorySet, addr mm.VirtAddr) ([]string, error) {
	if addr == 0 {
		return nil, nil
	}
	var out []string
	for i := 0; ; i++ {
		if i >= argMax {
			return nil, unix.E2BIG
		}
		p, err := vm.ReadU64(addr + mm.VirtAddr(8*i))
		if err != nil {
			return nil, err
		}
		if p == 0 {
			return out, nil
		}
		s, err := vm.ReadCString(mm.VirtAddr(p), argStrMax)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
}
