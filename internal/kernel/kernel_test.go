package kernel

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hpu-os/hpukernel/internal/config"
	"github.com/hpu-os/hpukernel/internal/klog"
	"github.com/hpu-os/hpukernel/internal/task"
	"github.com/hpu-os/hpukernel/internal/user"
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

func testConfig() *config.KernelConfig {
	cfg := config.Default()
	cfg.MemorySize = 16 * 1024 * 1024
	cfg.LogLevel = "info"
	return cfg
}

func boot(t *testing.T, cfg *config.KernelConfig, stdin io.Reader, argv ...string) (*Kernel, string) {
	t.Helper()
	var out syncBuffer
	k, err := New(cfg, Options{Stdin: stdin, Stdout: &out, LogOutput: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { k.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	status, err := k.Run(ctx, argv...)
	if err != nil {
		t.Fatalf("run: %v\noutput:\n%s", err, out.String())
	}
	if status != 0 {
		t.Fatalf("init status %#x\noutput:\n%s", status, out.String())
	}
	return k, out.String()
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Harts = 0
	if _, err := New(cfg, Options{LogOutput: io.Discard}); err == nil {
		t.Fatal("expected an error")
	}
	cfg = testConfig()
	cfg.RootFS = filepath.Join(t.TempDir(), "missing")
	if _, err := New(cfg, Options{LogOutput: io.Discard}); err == nil {
		t.Fatal("expected an error for a missing rootfs")
	}
}

func TestRun_DefaultSchedule(t *testing.T) {
	k, out := boot(t, testConfig(), nil)
	for _, want := range []string{"sbrk test pass!!!", "futex test pass!!!", "Linux hpu 5.10.0-7-riscv64 #1 SMP Debian"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
	if !k.Halted() {
		t.Error("init did not power off")
	}

	status := k.Status()
	if status["system_calls"].(uint64) == 0 {
		t.Error("no system calls counted")
	}
	if status["memory_total_pages"].(uint64) != 4096 {
		t.Errorf("total pages %v", status["memory_total_pages"])
	}
	procs := k.Processes()
	if len(procs) != 1 || procs[0].Tid != 1 || procs[0].Status != task.Zombie {
		t.Errorf("only the init zombie should remain: %+v", procs)
	}
	if !strings.Contains(string(k.Syslog().Tail(k.Syslog().Len())), "system halting") {
		t.Error("kernel log did not reach the syslog ring")
	}
}

func TestRun_MemoryPressure(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.KernelConfig)
	}{
		{"lru with swap", func(c *config.KernelConfig) {
			c.MemoryPressure = config.PressureLRU
			c.SwapFile = filepath.Join(t.TempDir(), "swap")
		}},
		{"lru with compression", func(c *config.KernelConfig) {
			c.MemoryPressure = config.PressureLRU
			c.Compression = true
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, out := boot(t, cfg, nil)
			if !strings.Contains(out, "sbrk test pass!!!") {
				t.Errorf("output:\n%s", out)
			}
		})
	}
}

func TestRun_HostRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "etc"), 0o755); err != nil {
		t.Fatal(err)
	}
	rc := "echo from the host\ncat /etc/motd\n/script\n"
	files := map[string]string{
		"etc/rc":   rc,
		"etc/motd": "host motd\n",
		"script":   "#!/bin/bash\necho scripted\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	cfg := testConfig()
	cfg.RootFS = root
	cfg.WatchRootFS = true
	_, out := boot(t, cfg, nil)
	for _, want := range []string{"from the host\n", "host motd\n", "scripted\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "bin")); !os.IsNotExist(err) {
		t.Error("program images were written to the host root")
	}
}

func TestRun_Interactive(t *testing.T) {
	_, out := boot(t, testConfig(), strings.NewReader("echo typed\nexit\n"), "-i")
	if !strings.Contains(out, "typed\n") {
		t.Errorf("output:\n%s", out)
	}
}

func TestImageCache(t *testing.T) {
	fsys := vfs.NewMem()
	c := newImageCache(fsys, klog.Discard())

	if _, err := c.ReadImage("/nope"); err == nil {
		t.Fatal("missing file read")
	}
	data, err := c.ReadImage(user.ShellPath)
	if err != nil {
		t.Fatal(err)
	}
	if name, err := task.ParseImage(data); err != nil || name != user.ShellPath {
		t.Fatalf("bundled image %q: %v", name, err)
	}

	if err := vfs.WriteFile(fsys, "/prog", []byte("one"), 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if data, err := c.ReadImage("/prog"); err != nil || string(data) != "one" {
			t.Fatalf("read %d: %q %v", i, data, err)
		}
	}
	if s := c.Stats(); s.Hits != 1 || s.Misses != 1 || s.Entries != 1 {
		t.Fatalf("stats %+v", s)
	}

	if err := vfs.WriteFile(fsys, "/prog", []byte("second"), 0o755); err != nil {
		t.Fatal(err)
	}
	if data, err := c.ReadImage("/prog"); err != nil || string(data) != "second" {
		t.Fatalf("stale image %q %v", data, err)
	}

	c.Invalidate("/prog")
	c.Invalidate("/prog")
	if s := c.Stats(); s.Invalidations != 1 || s.Entries != 0 {
		t.Fatalf("stats %+v", s)
	}
}
