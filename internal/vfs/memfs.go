package vfs

import (
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

type memNode struct {
	mu   sync.RWMutex
	data []byte
	mode fs.FileMode
	mod  time.Time
}

func (n *memNode) info(name string) fileInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return fileInfo{name: path.Base(name), size: int64(len(n.data)), mode: n.mode, mod: n.mod}
}

// memHandle is one open file description of a memNode
type memHandle struct {
	node   *memNode
	name   string
	flag   int
	mu     sync.Mutex
	offset int64
	closed bool
}

func (h *memHandle) readable() bool { return h.flag&(os.O_WRONLY|os.O_RDWR) != os.O_WRONLY }
func (h *memHandle) writable() bool { return h.flag&(os.O_WRONLY|os.O_RDWR) != 0 }

func (h *memHandle) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.readAt(p, h.offset)
	h.offset += int64(n)
	return n, err
}

func (h *memHandle) ReadAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readAt(p, off)
}

func (h *memHandle) readAt(p []byte, off int64) (int, error) {
	if h.closed {
		return 0, fs.ErrClosed
	}
	if !h.readable() {
		return 0, fs.ErrPermission
	}
	if off < 0 {
		return 0, fs.ErrInvalid
	}
	h.node.mu.RLock()
	defer h.node.mu.RUnlock()
	if off >= int64(len(h.node.data)) {
		return 0, io.EOF
	}
	n := copy(p, h.node.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *memHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.flag&os.O_APPEND != 0 {
		h.node.mu.RLock()
		h.offset = int64(len(h.node.data))
		h.node.mu.RUnlock()
	}
	n, err := h.writeAt(p, h.offset)
	h.offset += int64(n)
	return n, err
}

func (h *memHandle) WriteAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writeAt(p, off)
}

func (h *memHandle) writeAt(p []byte, off int64) (int, error) {
	if h.closed {
		return 0, fs.ErrClosed
	}
	if !h.writable() {
		return 0, fs.ErrPermission
	}
	if off < 0 {
		return 0, fs.ErrInvalid
	}
	h.node.mu.Lock()
	defer h.node.mu.Unlock()
	if end := int(off) + len(p); end > len(h.node.data) {
		h.node.data = append(h.node.data, make([]byte, end-len(h.node.data))...)
	}
	copy(h.node.data[off:], p)
	h.node.mod = time.Now()
	return len(p), nil
}

func (h *memHandle) Seek(off int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = h.offset
	case io.SeekEnd:
		h.node.mu.RLock()
		base = int64(len(h.node.data))
		h.node.mu.RUnlock()
	default:
		return 0, fs.ErrInvalid
	}
	if base+off < 0 {
		return 0, fs.ErrInvalid
	}
	h.offset = base + off
	return h.offset, nil
}

func (h *memHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fs.ErrClosed
	}
	h.closed = true
	return nil
}

func (h *memHandle) Stat() (fs.FileInfo, error) { return h.node.info(h.name), nil }

// MemFS is an in-memory filesystem used as the default root filesystem
type MemFS struct {
	mu    sync.RWMutex
	files map[string]*memNode
	dirs  map[string]bool
}

func NewMem() *MemFS {
	return &MemFS{files: make(map[string]*memNode), dirs: map[string]bool{"/": true}}
}

func (m *MemFS) mkdirAllLocked(dir string) {
	for dir != "/" && !m.dirs[dir] {
		m.dirs[dir] = true
		dir = path.Dir(dir)
	}
}

func (m *MemFS) OpenFile(name string, flag int, perm fs.FileMode) (File, error) {
	name = Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dirs[name] {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	n, ok := m.files[name]
	switch {
	case ok && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrExist}
	case !ok && flag&os.O_CREATE == 0:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	case !ok:
		if !m.dirs[path.Dir(name)] {
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
		}
		n = &memNode{mode: perm, mod: time.Now()}
		m.files[name] = n
	}
	if flag&os.O_TRUNC != 0 && flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		n.mu.Lock()
		n.data = n.data[:0]
		n.mod = time.Now()
		n.mu.Unlock()
	}
	return &memHandle{node: n, name: name, flag: flag}, nil
}

func (m *MemFS) Stat(name string) (fs.FileInfo, error) {
	name = Clean(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dirs[name] {
		return fileInfo{name: path.Base(name), mode: fs.ModeDir | 0o755}, nil
	}
	n, ok := m.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return n.info(name), nil
}

func (m *MemFS) MkdirAll(name string, perm fs.FileMode) error {
	name = Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; ok {
		return &fs.PathError{Op: "mkdir", Path: name, Err: fs.ErrExist}
	}
	m.mkdirAllLocked(name)
	return nil
}

func (m *MemFS) Remove(name string) error {
	name = Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; ok {
		delete(m.files, name)
		return nil
	}
	if !m.dirs[name] || name == "/" {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
	}
	prefix := name + "/"
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrExist}
		}
	}
	delete(m.dirs, name)
	return nil
}

func (m *MemFS) ReadDir(name string) ([]fs.DirEntry, error) {
	name = Clean(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.dirs[name] {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}
	var out []fs.DirEntry
	for p := range m.dirs {
		if p != "/" && path.Dir(p) == name {
			out = append(out, fs.FileInfoToDirEntry(fileInfo{name: path.Base(p), mode: fs.ModeDir | 0o755}))
		}
	}
	for p, n := range m.files {
		if path.Dir(p) == name {
			out = append(out, fs.FileInfoToDirEntry(n.info(p)))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}
