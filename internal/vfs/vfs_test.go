package vfs

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestMemFS_CreateReadWrite(t *testing.T) {
	m := NewMem()
	if err := WriteFile(m, "/etc/motd", []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	data, err := ReadFile(m, "/etc/motd")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q", data)
	}

	f, err := m.OpenFile("/etc/motd", os.O_RDWR|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write([]byte(" world")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := f.ReadAt(buf, 6); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "world" {
		t.Fatalf("got %q", buf)
	}
	if info, _ := f.Stat(); info.Size() != 11 {
		t.Fatalf("size %d", info.Size())
	}
}

func TestMemFS_Errors(t *testing.T) {
	m := NewMem()
	_ = WriteFile(m, "/bin/cat", []byte("x"), 0o755)

	tests := []struct {
		name string
		fn   func() error
		want unix.Errno
	}{
		{"missing file", func() error { _, err := Open(m, "/nope"); return err }, unix.ENOENT},
		{"missing parent", func() error {
			_, err := m.OpenFile("/a/b", os.O_CREATE|os.O_WRONLY, 0)
			return err
		}, unix.ENOENT},
		{"exclusive create", func() error {
			_, err := m.OpenFile("/bin/cat", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0)
			return err
		}, unix.EEXIST},
		{"write to read-only handle", func() error {
			f, _ := Open(m, "/bin/cat")
			_, err := f.Write([]byte("y"))
			return err
		}, unix.EACCES},
		{"read after close", func() error {
			f, _ := Open(m, "/bin/cat")
			f.Close()
			_, err := f.Read(make([]byte, 1))
			return err
		}, unix.EBADF},
		{"remove non-empty dir", func() error { return m.Remove("/bin") }, unix.EEXIST},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Errno(tt.fn()); got != tt.want {
				t.Fatalf("errno = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemFS_ReadDir(t *testing.T) {
	m := NewMem()
	_ = WriteFile(m, "/bin/cat", nil, 0o755)
	_ = WriteFile(m, "/bin/bash", nil, 0o755)
	_ = m.MkdirAll("/bin/sub", 0o755)

	ds, err := m.ReadDir("/bin")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, d := range ds {
		names = append(names, d.Name())
	}
	if got := strings.Join(names, ","); got != "bash,cat,sub" {
		t.Fatalf("entries %v", names)
	}
	if !ds[2].IsDir() {
		t.Fatal("sub must be a directory")
	}
}

func TestHostFS_StaysInsideRoot(t *testing.T) {
	dir := t.TempDir()
	h := NewHost(dir)
	if err := WriteFile(h, "/../../escape.txt", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); err != nil {
		t.Fatalf("file not created below root: %v", err)
	}
	if p, ok := h.KernelPath(filepath.Join(dir, "bin", "cat")); !ok || p != "/bin/cat" {
		t.Fatalf("kernel path %q %v", p, ok)
	}
	if _, ok := h.KernelPath(filepath.Dir(dir)); ok {
		t.Fatal("path above root mapped")
	}
}

func TestConsole(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(bytes.NewReader([]byte("in")), &out)
	if _, err := c.Write([]byte("out")); err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(c)
	if string(data) != "in" || out.String() != "out" {
		t.Fatalf("in %q out %q", data, out.String())
	}
	if _, err := c.Seek(0, io.SeekStart); !errors.Is(err, unix.ESPIPE) {
		t.Fatalf("seek: %v", err)
	}
	st := c.Stats()
	if st.BytesWritten != 3 || st.BytesRead != 2 {
		t.Fatalf("stats %+v", st)
	}
	if info, _ := c.Stat(); info.Mode()&fs.ModeCharDevice == 0 {
		t.Fatal("console is not a char device")
	}
}

func TestHostWatcher(t *testing.T) {
	dir := t.TempDir()
	h := NewHost(dir)
	w, err := NewHostWatcher(h)
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	defer w.Close()

	go func() { _ = os.WriteFile(filepath.Join(dir, "prog"), []byte("x"), 0o644) }()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Path == "/prog" {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for event")
		}
	}
}
