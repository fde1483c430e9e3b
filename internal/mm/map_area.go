package mm

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// MapPermission is the user permission of an area, laid out as PTE bits.
type MapPermission uint8

const (
	MapR MapPermission = MapPermission(PTE_R)
	MapW MapPermission = MapPermission(PTE_W)
	MapX MapPermission = MapPermission(PTE_X)
	MapU MapPermission = MapPermission(PTE_U)
)

// PermissionFromProt converts PROT_* bits into a user area permission.
func PermissionFromProt(prot int) MapPermission {
	perm := MapU
	if prot&unix.PROT_READ != 0 {
		perm |= MapR
	}
	if prot&unix.PROT_WRITE != 0 {
		perm |= MapW
	}
	if prot&unix.PROT_EXEC != 0 {
		perm |= MapX
	}
	return perm
}

func (p MapPermission) String() string {
	b := []byte("----")
	if p&MapR != 0 {
		b[0] = 'r'
	}
	if p&MapW != 0 {
		b[1] = 'w'
	}
	if p&MapX != 0 {
		b[2] = 'x'
	}
	if p&MapU != 0 {
		b[3] = 'u'
	}
	return string(b)
}

// AreaKind names what an area was established for.
type AreaKind uint8

const (
	AreaProgram AreaKind = iota
	AreaHeap
	AreaStack
	AreaMmap
)

func (k AreaKind) String() string {
	switch k {
	case AreaProgram:
		return "program"
	case AreaHeap:
		return "heap"
	case AreaStack:
		return "stack"
	case AreaMmap:
		return "mmap"
	default:
		return fmt.Sprintf("AreaKind(%d)", uint8(k))
	}
}

// BackingFile is the file content behind a file mapping.
type BackingFile interface {
	io.ReaderAt
	io.WriterAt
}

// MapArea is one contiguous region of an address space.
type MapArea struct {
	inner  *LinearMap
	perm   MapPermission
	kind   AreaKind
	shared bool
	file   BackingFile
	offset uint64 // file offset of the first page
}

func newMapArea(r VPNRange, perm MapPermission, kind AreaKind, residency Residency) *MapArea {
	return &MapArea{inner: NewLinearMap(r, residency), perm: perm, kind: kind}
}

func (a *MapArea) Range() VPNRange { return a.inner.Range() }

// split cuts the area at vpn and returns the upper part.
func (a *MapArea) split(cut VirtPageNum) (*MapArea, error) {
	second, err := a.inner.IntoTwo(cut)
	if err != nil {
		return nil, err
	}
	return a.derive(second), nil
}

// splitThree cuts the area twice and returns the middle and upper parts.
func (a *MapArea) splitThree(first, second VirtPageNum) (*MapArea, *MapArea, error) {
	mid, hi, err := a.inner.IntoThree(first, second)
	if err != nil {
		return nil, nil, err
	}
	return a.derive(mid), a.derive(hi), nil
}

func (a *MapArea) derive(m *LinearMap) *MapArea {
	d := *a
	d.inner = m
	if a.file != nil {
		d.offset = a.fileOffset(m.Range().Start())
	}
	return &d
}

func (a *MapArea) fileOffset(vpn VirtPageNum) uint64 {
	return a.offset + uint64(vpn-a.inner.Range().Start())*PageSize
}

func (a *MapArea) pteFlags() PTEFlags { return PTEFlags(a.perm) }

// AreaInfo describes an area for diagnostics.
type AreaInfo struct {
	Range  VPNRange
	Perm   MapPermission
	Kind   AreaKind
	Shared bool
	File   bool
	Counts ResidencyCounts
}

func (a *MapArea) info() AreaInfo {
	return AreaInfo{
		Range:  a.Range(),
		Perm:   a.perm,
		Kind:   a.kind,
		Shared: a.shared,
		File:   a.file != nil,
		Counts: a.inner.Counts(),
	}
}
