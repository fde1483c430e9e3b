package syscall

import (
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/hpu-os/hpukernel/internal/task"
	"github.com/hpu-os/hpukernel/internal/vfs"
	"golang.org/x/sys/unix"
)

// ============================================================================
// File system calls
// ============================================================================

// sysOpenat opens a file. Every task runs with the root as its working
// directory, so relative names resolve against it whatever dirfd is.
func (d *Dispatcher) sysOpenat(t *task.Task, a args) (int, error) {
	if d.cfg.FS == nil {
		return 0, unix.ENOENT
	}
	dirfd := a.i32(0)
	name, err := t.VM().ReadCString(a.ptr(1), pathMax)
	if err != nil {
		return 0, err
	}
	if name == "" {
		return 0, unix.ENOENT
	}
	if !path.IsAbs(name) && dirfd != unix.AT_FDCWD {
		if _, err := t.Files().Get(dirfd); err != nil {
			return 0, err
		}
	}
	flags := a.int(2) &^ unix.O_CLOEXEC
	f, err := d.cfg.FS.OpenFile(vfs.Clean(name), flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", name, vfs.Errno(err))
	}
	fd, err := t.Files().Install(f)
	if err != nil {
		_ = f.Close()
		return 0, err
	}
	return fd, nil
}

func (d *Dispatcher) sysClose(t *task.Task, a args) (int, error) {
	return 0, t.Files().Close(a.i32(0))
}

func (d *Dispatcher) sysRead(t *task.Task, a args) (int, error) {
	f, err := t.Files().Get(a.i32(0))
	if err != nil {
		return 0, err
	}
	buf := make([]byte, a.size(2))
	n, err := f.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, vfs.Errno(err)
	}
	if err := t.VM().WriteBytes(a.ptr(1), buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

func (d *Dispatcher) sysWrite(t *task.Task, a args) (int, error) {
	f, err := t.Files().Get(a.i32(0))
	if err != nil {
		return 0, err
	}
	buf := make([]byte, a.size(2))
	if err := t.VM().ReadBytes(a.ptr(1), buf); err != nil {
		return 0, err
	}
	n, err := f.Write(buf)
	if err != nil {
		return n, vfs.Errno(err)
	}
	return n, nil
}

func (d *Dispatcher) sysLseek(t *task.Task, a args) (int, error) {
	f, err := t.Files().Get(a.i32(0))
	if err != nil {
		return 0, err
	}
	whence := a.int(2)
	if whence < io.SeekStart || whence > io.SeekEnd {
		return 0, unix.EINVAL
	}
	off, err := f.Seek(int64(a.int(1)), whence)
	if err != nil {
		return 0, vfs.Errno(err)
	}
	return int(off), nil
}
