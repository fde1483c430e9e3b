package user

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hpu-os/hpukernel/internal/mm"
	sys "github.com/hpu-os/hpukernel/internal/syscall"
	"github.com/hpu-os/hpukernel/internal/task"
	"github.com/hpu-os/hpukernel/internal/vfs"
)

type syncBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.String()
}

type fsImages struct{ fs vfs.FileSystem }

func (s fsImages) ReadImage(name string) ([]byte, error) { return vfs.ReadFile(s.fs, name) }

type machine struct {
	*task.Manager
	fs       *vfs.MemFS
	out      syncBuffer
	shutdown int
}

func newMachine(t *testing.T, stdin io.Reader) *machine {
	t.Helper()
	mc := &machine{fs: vfs.NewMem()}
	pool := &mm.Pool{
		Frames:    mm.NewFrameAllocator(0x80000, 4096),
		MmapTop:   0x4000_0000,
		HeapLimit: 1 << 20,
	}
	console := vfs.NewConsole(stdin, &mc.out)
	disp := sys.NewDispatcher(sys.Config{
		FS:       mc.fs,
		Pool:     pool,
		Uname:    sys.Uname{Nodename: "hpu", Release: "5.10.0-7-riscv64", Machine: "riscv64"},
		Shutdown: func() { mc.shutdown++ },
	})
	mc.Manager = task.NewManager(task.Options{
		Pool:      pool,
		Harts:     2,
		MaxTasks:  64,
		StackSize: 8 * mm.PageSize,
		Images:    fsImages{mc.fs},
		Trap:      disp.Trap,
		InitFiles: func(ft *task.FdTable) error {
			for i := 0; i < 3; i++ {
				if _, err := ft.Install(console); err != nil {
					return err
				}
			}
			return nil
		},
	})
	if err := Install(mc.Manager, mc.fs); err != nil {
		t.Fatal(err)
	}
	return mc
}

func (mc *machine) boot(t *testing.T, path string, argv ...string) int {
	t.Helper()
	if _, err := mc.SpawnInit(path, append([]string{path}, argv...), Environ); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	status, err := mc.Wait(ctx)
	if err != nil {
		t.Fatalf("init did not exit: %v\noutput:\n%s", err, mc.out.String())
	}
	return status
}

func (mc *machine) writeFile(t *testing.T, name, content string) {
	t.Helper()
	if err := vfs.WriteFile(mc.fs, name, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestInit_DefaultSchedule(t *testing.T) {
	mc := newMachine(t, nil)
	if status := mc.boot(t, InitPath); status != 0 {
		t.Fatalf("init status %#x", status)
	}
	out := mc.out.String()
	for _, want := range []string{
		" The current process pid is:",
		"sbrk test pass!!!",
		"user cpu time:",
		"pid of the TCB is:",
		"futex test pass!!!",
		"Linux hpu 5.10.0-7-riscv64",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
	if mc.shutdown != 1 {
		t.Errorf("shutdown called %d times", mc.shutdown)
	}
}

func TestInit_RcFile(t *testing.T) {
	mc := newMachine(t, nil)
	mc.writeFile(t, "/etc/motd", "message of the day\n")
	mc.writeFile(t, RcPath, strings.Join([]string{
		"# boot schedule",
		"echo redirected > /out",
		"cat /out",
		"cat /etc/motd",
		"getpid > /pid",
		"cat /pid",
		"nosuch",
		"/bin/sleep 1ms",
	}, "\n"))
	mc.boot(t, InitPath)
	out := mc.out.String()
	for _, want := range []string{
		"redirected\n",
		"message of the day\n",
		" The current process pid is:",
		"bash: nosuch: command not found",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "sbrk test pass") {
		t.Error("default schedule ran despite /etc/rc")
	}
}

func TestBash_ExitStatus(t *testing.T) {
	mc := newMachine(t, nil)
	mc.writeFile(t, "/script", "#!/bin/bash\necho one\nexit 3\necho two\n")

	tests := []struct {
		name string
		argv []string
		want int
	}{
		{"script", []string{"/script"}, 3},
		{"missing command", []string{ShellPath, "-c", "nosuch"}, 127},
		{"builtin false", []string{ShellPath, "-c", "false"}, 1},
		{"child status", []string{ShellPath, "-c", "cat"}, 1},
	}
	statuses := make([]int, len(tests))
	mc.Register("/runner", Main(func(p *Proc, argv []string) int {
		for i, tt := range tests {
			pid := p.Fork(func(c *Proc) int {
				c.Exec(tt.argv[0], tt.argv, Environ)
				return 126
			})
			p.Waitpid(pid, &statuses[i], 0)
		}
		return 0
	}))
	mc.writeFile(t, "/runner", string(task.BuildImage("/runner")))
	mc.boot(t, "/runner")

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if statuses[i] != task.ExitStatus(tt.want) {
				t.Errorf("status %#x, want exit %d", statuses[i], tt.want)
			}
		})
	}
	if out := mc.out.String(); !strings.Contains(out, "one\n") || strings.Contains(out, "two") {
		t.Errorf("script output %q", out)
	}
}

func TestBash_Interactive(t *testing.T) {
	mc := newMachine(t, strings.NewReader("echo first\ncat /etc/motd\nexit\necho never\n"))
	mc.writeFile(t, "/etc/motd", "motd\n")
	mc.boot(t, InitPath, "-i")
	out := mc.out.String()
	if !strings.HasPrefix(out, prompt) {
		t.Errorf("no prompt: %q", out)
	}
	if !strings.Contains(out, "first\n") || !strings.Contains(out, "motd\n") {
		t.Errorf("output %q", out)
	}
	if strings.Contains(out, "never") {
		t.Errorf("shell ran past exit: %q", out)
	}
	if mc.shutdown != 1 {
		t.Errorf("shutdown called %d times", mc.shutdown)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		line     string
		argv     []string
		redirect string
		ok       bool
	}{
		{"", nil, "", false},
		{"  # comment", nil, "", false},
		{"echo a  b", []string{"echo", "a", "b"}, "", true},
		{"echo a > /f", []string{"echo", "a"}, "/f", true},
		{"echo a >/f", []string{"echo", "a"}, "/f", true},
		{"> /f", nil, "/f", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, ok := parse(tt.line)
			if ok != tt.ok {
				t.Fatalf("ok = %v", ok)
			}
			if strings.Join(cmd.argv, ",") != strings.Join(tt.argv, ",") || cmd.redirect != tt.redirect {
				t.Errorf("parse(%q) = %v > %q", tt.line, cmd.argv, cmd.redirect)
			}
		})
	}
}

func TestCandidates(t *testing.T) {
	if got := candidates("cat"); len(got) != 2 || got[0] != "/bin/cat" || got[1] != "/cat" {
		t.Errorf("candidates(cat) = %v", got)
	}
	if got := candidates("./x/../y"); len(got) != 1 || got[0] != "/y" {
		t.Errorf("candidates(./x/../y) = %v", got)
	}
}
