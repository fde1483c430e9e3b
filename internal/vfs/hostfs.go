package vfs

import (
	"io/fs"
	"os"
	"path/filepath"
)

type hostFile struct{ *os.File }

func (f hostFile) Stat() (fs.FileInfo, error) { return f.File.Stat() }

// HostFS exposes a host directory as the kernel's filesystem. Paths never
// escape the root.
type HostFS struct {
	root string
}

func NewHost(root string) *HostFS { return &HostFS{root: root} }

// Root returns the host directory backing the filesystem.
func (h *HostFS) Root() string { return h.root }

// HostPath maps a kernel path to the host path behind it.
func (h *HostFS) HostPath(name string) string {
	return filepath.Join(h.root, filepath.FromSlash(Clean(name)))
}

// KernelPath maps a host path below the root back to a kernel path.
func (h *HostFS) KernelPath(hostPath string) (string, bool) {
	rel, err := filepath.Rel(h.root, hostPath)
	if err != nil || rel == ".." || filepath.IsAbs(rel) || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return "", false
	}
	return Clean(filepath.ToSlash(rel)), true
}

func (h *HostFS) OpenFile(name string, flag int, perm fs.FileMode) (File, error) {
	f, err := os.OpenFile(h.HostPath(name), flag, perm)
	if err != nil {
		return nil, err
	}
	return hostFile{f}, nil
}

func (h *HostFS) Stat(name string) (fs.FileInfo, error) { return os.Stat(h.HostPath(name)) }
func (h *HostFS) Remove(name string) error              { return os.Remove(h.HostPath(name)) }

func (h *HostFS) ReadDir(name string) ([]fs.DirEntry, error) {
	return os.ReadDir(h.HostPath(name))
}

func (h *HostFS) MkdirAll(name string, perm fs.FileMode) error {
	return os.MkdirAll(h.HostPath(name), perm)
}
