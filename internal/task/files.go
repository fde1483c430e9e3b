package task

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hpu-os/hpukernel/internal/vfs"
	"golang.org/x/sys/unix"
)

// DefaultNoFile is the initial descriptor limit.
const DefaultNoFile = 64

// openFile is a file description. Descriptors copied by fork share it.
type openFile struct {
	vfs.File
	refs atomic.Int32
}

func (f *openFile) retain() *openFile {
	f.refs.Add(1)
	return f
}

func (f *openFile) put() error {
	if f.refs.Add(-1) == 0 {
		return f.File.Close()
	}
	return nil
}

// FdTable is a descriptor table, shared between tasks cloned with
// CLONE_FILES.
type FdTable struct {
	mutex     sync.Mutex
	files     []*openFile
	softLimit uint64
	hardLimit uint64
	users     atomic.Int32
}

// NewFdTable creates an empty table.
func NewFdTable() *FdTable {
	ft := &FdTable{softLimit: DefaultNoFile, hardLimit: DefaultNoFile}
	ft.users.Store(1)
	return ft
}

// Install places f in the lowest free slot and returns the descriptor.
func (ft *FdTable) Install(f vfs.File) (int, error) {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	of := &openFile{File: f}
	of.refs.Store(1)
	for fd, slot := range ft.files {
		if slot == nil {
			ft.files[fd] = of
			return fd, nil
		}
	}
	if uint64(len(ft.files)) >= ft.softLimit {
		return -1, fmt.Errorf("descriptor limit %d: %w", ft.softLimit, unix.EMFILE)
	}
	ft.files = append(ft.files, of)
	return len(ft.files) - 1, nil
}

// Get returns the file behind fd.
func (ft *FdTable) Get(fd int) (vfs.File, error) {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	if fd < 0 || fd >= len(ft.files) || ft.files[fd] == nil {
		return nil, fmt.Errorf("fd %d: %w", fd, unix.EBADF)
	}
	return ft.files[fd].File, nil
}

// Close frees fd.
func (ft *FdTable) Close(fd int) error {
	ft.mutex.Lock()
	if fd < 0 || fd >= len(ft.files) || ft.files[fd] == nil {
		ft.mutex.Unlock()
		return fmt.Errorf("fd %d: %w", fd, unix.EBADF)
	}
	f := ft.files[fd]
	ft.files[fd] = nil
	ft.mutex.Unlock()
	return f.put()
}

// Len returns the number of open descriptors.
func (ft *FdTable) Len() int {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	n := 0
	for _, f := range ft.files {
		if f != nil {
			n++
		}
	}
	return n
}

// Limits returns the soft and hard NOFILE limits.
func (ft *FdTable) Limits() (soft, hard uint64) {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	return ft.softLimit, ft.hardLimit
}

// SetLimits changes the NOFILE limits; soft may not exceed hard.
func (ft *FdTable) SetLimits(soft, hard uint64) error {
	if soft > hard {
		return fmt.Errorf("soft limit %d above hard limit %d: %w", soft, hard, unix.EINVAL)
	}
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	ft.softLimit, ft.hardLimit = soft, hard
	return nil
}

// Clone copies the table for fork; descriptions are shared.
func (ft *FdTable) Clone() *FdTable {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	n := &FdTable{softLimit: ft.softLimit, hardLimit: ft.hardLimit, files: make([]*openFile, len(ft.files))}
	n.users.Store(1)
	for fd, f := range ft.files {
		if f != nil {
			n.files[fd] = f.retain()
		}
	}
	return n
}

func (ft *FdTable) retain() *FdTable {
	ft.users.Add(1)
	return ft
}

// Release drops one user; the last one closes every descriptor.
func (ft *FdTable) Release() {
	if ft.users.Add(-1) != 0 {
		return
	}
	ft.mutex.Lock()
	files := ft.files
	ft.files = nil
	ft.mutex.Unlock()
	for _, f := range files {
		if f != nil {
			_ = f.put()
		}
	}
}
