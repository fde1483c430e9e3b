package user

import (
	"bytes"
	"os"
	"path"
	"strings"
	"time"

	"github.com/hpu-os/hpukernel/internal/mm"
	"github.com/hpu-os/hpukernel/internal/task"
	"github.com/hpu-os/hpukernel/internal/vfs"
	"golang.org/x/sys/unix"
)

// Paths of the programs the kernel cannot run without
const (
	InitPath  = "/initproc"
	ShellPath = task.DefaultShell
	RcPath    = "/etc/rc"
)

// Programs are the bundled programs by path
var Programs = map[string]Program{
	InitPath:              Init,
	ShellPath:             Bash,
	"/bin/cat":            Cat,
	"/bin/getpid":         Getpid,
	"/bin/sbrk_test":      SbrkTest,
	"/bin/getrusage_test": GetrusageTest,
	"/bin/printf_tcb":     PrintfTCB,
	"/bin/futex_test":     FutexTest,
	"/bin/uname":          Uname,
	"/bin/sleep":          Sleep,
}

// DefaultSchedule is what init runs when the root has no /etc/rc
var DefaultSchedule = []string{
	"getpid",
	"sbrk_test",
	"getrusage_test",
	"printf_tcb",
	"futex_test",
	"uname -a",
}

// Environ is the environment init hands to every command
var Environ = []string{
	"SHELL=/bin/bash",
	"PWD=/",
	"LOGNAME=root",
	"HOME=/root",
	"LANG=C.UTF-8",
	"TERM=vt220",
	"USER=root",
	"SHLVL=0",
	"PS1=hpu:\\w\\$ ",
	"_=/bin/bash",
	"PATH=/:/bin",
}

// Install registers every bundled program with m. When fsys is not nil
// the program images are also written to it
func Install(m *task.Manager, fsys vfs.FileSystem) error {
	for name, prog := range Programs {
		m.Register(name, Main(prog))
		if fsys == nil {
			continue
		}
		if err := fsys.MkdirAll(path.Dir(name), 0o755); err != nil {
			return err
		}
		if err := vfs.WriteFile(fsys, name, task.BuildImage(name), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// init
// ============================================================================

// Init runs every line of the schedule through the shell, one child at a
// time, reaps what is left and powers the machine off. With -i it runs
// an interactive shell instead
func Init(p *Proc, argv []string) int {
	var lines []string
	switch {
	case len(argv) > 1 && argv[1] == "-i":
		lines = []string{""}
	default:
		lines = readLines(p, RcPath)
		if lines == nil {
			lines = DefaultSchedule
		}
	}
	for _, line := range lines {
		shArgv := []string{ShellPath}
		if line != "" {
			shArgv = append(shArgv, "-c", line)
		}
		pid := p.Fork(func(c *Proc) int {
			c.Exec(ShellPath, shArgv, Environ)
			c.Errorf("init: cannot run %s\n", ShellPath)
			return 127
		})
		if pid < 0 {
			p.Errorf("init: fork: %v\n", unix.Errno(-pid))
			continue
		}
		var status int
		p.Waitpid(pid, &status, 0)
	}
	// Orphans reparented to init.
	for p.Waitpid(-1, nil, unix.WNOHANG) > 0 {
	}
	p.Shutdown()
	return 0
}

// readLines returns the non-empty, non-comment lines of a file, or nil
// when it cannot be opened
func readLines(p *Proc, path string) []string {
	data, ok := readFile(p, path)
	if !ok {
		return nil
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func readFile(p *Proc, path string) ([]byte, bool) {
	fd := p.Open(path, os.O_RDONLY)
	if fd < 0 {
		return nil, false
	}
	defer p.Close(fd)
	var out bytes.Buffer
	buf := make([]byte, 512)
	for {
		n := p.Read(fd, buf)
		if n <= 0 {
			return out.Bytes(), n == 0
		}
		out.Write(buf[:n])
	}
}

// ============================================================================
// Test programs
// ============================================================================

func Getpid(p *Proc, argv []string) int {
	p.Printf(" The current process pid is:%d\n", p.Getpid())
	return 0
}

func SbrkTest(p *Proc, argv []string) int {
	p.Printf("old_heap_pt:%08x\n", p.Sbrk(0))
	p.Printf("increment:8192, new_heap_pt:%08x\n", p.Sbrk(8192))
	p.Printf("increment:-4096, new_heap_pt:%08x\n", p.Sbrk(-4096))
	p.Printf("increment:999999999, new_heap_pt:%08x\n", p.Sbrk(999999999))
	p.Printf("increment:-8192, new_heap_pt:%08x\n", p.Sbrk(-8192))
	p.Printf("sbrk test pass!!!\n")
	return 0
}

func GetrusageTest(p *Proc, argv []string) int {
	var ru unix.Rusage
	if ret := p.Getrusage(0, &ru); ret < 0 {
		p.Errorf("getrusage: %v\n", unix.Errno(-ret))
		return 1
	}
	p.Printf("user cpu time:%dns\n", ru.Utime.Nano())
	p.Printf("system cpu time:%dns\n", ru.Stime.Nano())
	return 0
}

func PrintfTCB(p *Proc, argv []string) int {
	var info [6]uint64
	if ret := p.PrintTCB(&info); ret < 0 {
		return 1
	}
	p.Printf("pid of the TCB is: %d \n", info[0])
	p.Printf("tid of the TCB is: %d \n", info[1])
	p.Printf("tgid of the TCB is: %d \n", info[2])
	p.Printf("kernel stack of the TCB is: %d \n", info[3])
	p.Printf("user stack of the TCB is: %d \n", info[4])
	p.Printf("trap context physics page number of the TCB is: %d \n", info[5])
	return 0
}

func Cat(p *Proc, argv []string) int {
	if len(argv) != 2 {
		p.Errorf("usage: cat FILE\n")
		return 1
	}
	fd := p.Open(argv[1], os.O_RDONLY)
	if fd < 0 {
		p.Errorf("cat: %s: %v\n", argv[1], unix.Errno(-fd))
		return 1
	}
	buf := make([]byte, 16)
	for {
		n := p.Read(fd, buf)
		if n <= 0 {
			break
		}
		p.Write(Stdout, buf[:n])
	}
	p.Close(fd)
	return 0
}

func Uname(p *Proc, argv []string) int {
	var u unix.Utsname
	if ret := p.Uname(&u); ret < 0 {
		return 1
	}
	field := func(f [65]byte) string { return string(bytes.TrimRight(f[:], "\x00")) }
	if len(argv) > 1 && argv[1] == "-a" {
		p.Printf("%s %s %s %s %s\n", field(u.Sysname), field(u.Nodename), field(u.Release), field(u.Version), field(u.Machine))
		return 0
	}
	p.Printf("%s\n", field(u.Sysname))
	return 0
}

func Sleep(p *Proc, argv []string) int {
	if len(argv) != 2 {
		p.Errorf("usage: sleep DURATION\n")
		return 1
	}
	d, err := time.ParseDuration(argv[1])
	if err != nil {
		if d, err = time.ParseDuration(argv[1] + "s"); err != nil {
			p.Errorf("sleep: invalid time interval %q\n", argv[1])
			return 1
		}
	}
	if ret := p.Sleep(d); ret < 0 {
		return 1
	}
	return 0
}

// futexWorkers is the number of threads FutexTest starts
const futexWorkers = 4

// FutexTest starts worker threads that block on a shared gate word until
// the main thread opens it, then joins them through their clear-child-tid
// words
func FutexTest(p *Proc, argv []string) int {
	shared := p.MapAnon(mm.PageSize)
	if shared < 0 {
		return 1
	}
	gate := mm.VirtAddr(shared)
	slots := gate + 8

	threads := make([]*Thread, 0, futexWorkers)
	for i := 0; i < futexWorkers; i++ {
		slot := slots + mm.VirtAddr(4*i)
		th, ret := p.Spawn(func(c *Proc) int {
			for c.Load32(gate) == 0 {
				c.FutexWait(gate, 0, 0)
			}
			c.Store32(slot, uint32(c.Gettid()))
			return 0
		})
		if ret < 0 {
			p.Errorf("futex_test: spawn: %v\n", unix.Errno(-ret))
			return 1
		}
		threads = append(threads, th)
	}

	// Let the workers reach the gate before opening it.
	p.Sleep(5 * time.Millisecond)
	p.Store32(gate, 1)
	woken := p.FutexWake(gate, futexWorkers)

	for i, th := range threads {
		p.Join(th)
		if got := p.Load32(slots + mm.VirtAddr(4*i)); int(got) != th.Tid {
			p.Errorf("futex_test: worker %d wrote %d, want %d\n", i, got, th.Tid)
			return 1
		}
	}
	if ret := p.FutexWait(gate, 1, time.Millisecond); ret != -int(unix.ETIMEDOUT) {
		p.Errorf("futex_test: timed wait returned %d\n", ret)
		return 1
	}
	p.Printf("futex test: %d workers, %d woken at the gate\n", futexWorkers, woken)
	p.Printf("futex test pass!!!\n")
	return 0
}
