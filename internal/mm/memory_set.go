package mm

import (
	"bytes"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hpu-os/hpukernel/internal/klog"
	"golang.org/x/sys/unix"
)

// Pool is the machine-wide memory context shared by every address space:
// the frame allocator, the eviction stores and the layout limits.
type Pool struct {
	Frames    *FrameAllocator
	LRU       bool
	Swap      PageStore // nil disables swapping
	Compress  PageStore // nil disables compression
	MmapTop   VirtAddr
	HeapLimit uint64
	Log       *slog.Logger
}

func (p *Pool) residency() Residency { return NewResidency(p.LRU) }

// mmapFloor is the lowest page the mmap allocator hands out.
const mmapFloor VirtPageNum = 0x10

// PageFaultStats tracks page fault statistics.
type PageFaultStats struct {
	TotalFaults      uint64
	MajorFaults      uint64 // page was never backed
	MinorFaults      uint64 // page came back from swap or compression
	ProtectionFaults uint64
	Evictions        uint64
}

// MemorySet is a user address space: the page table and the areas mapped
// into it. Its mutex is the per-process address space lock; no method
// blocks while holding it.
type MemorySet struct {
	mutex     sync.Mutex
	pool      *Pool
	pageTable PageTable
	areas     []*MapArea // sorted by start, never overlapping
	stats     PageFaultStats
	log       *slog.Logger
}

// NewMemorySet creates an empty address space over pool.
func NewMemorySet(pool *Pool, pt PageTable) *MemorySet {
	if pt == nil {
		pt = NewSoftPageTable()
	}
	return &MemorySet{
		pool:      pool,
		pageTable: pt,
		log:       klog.Module(pool.Log, "mm"),
	}
}

// Token identifies the address space's page table.
func (ms *MemorySet) Token() uint64 { return ms.pageTable.Token() }

// Stats returns a snapshot of the fault counters.
func (ms *MemorySet) Stats() PageFaultStats {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	return ms.stats
}

// Areas describes every area in address order.
func (ms *MemorySet) Areas() []AreaInfo {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	out := make([]AreaInfo, 0, len(ms.areas))
	for _, a := range ms.areas {
		out = append(out, a.info())
	}
	return out
}

// ============================================================================
// Area bookkeeping
// ============================================================================

func (ms *MemorySet) findArea(vpn VirtPageNum) (int, *MapArea) {
	i, _ := slices.BinarySearchFunc(ms.areas, vpn, func(a *MapArea, v VirtPageNum) int {
		switch {
		case a.Range().End() <= v:
			return -1
		case a.Range().Start() > v:
			return 1
		default:
			return 0
		}
	})
	if i < len(ms.areas) && ms.areas[i].Range().Contains(vpn) {
		return i, ms.areas[i]
	}
	return -1, nil
}

func (ms *MemorySet) overlaps(r VPNRange) bool {
	for _, a := range ms.areas {
		if a.Range().Overlaps(r) {
			return true
		}
	}
	return false
}

func (ms *MemorySet) insertArea(a *MapArea) {
	i, _ := slices.BinarySearchFunc(ms.areas, a.Range().Start(), func(x *MapArea, v VirtPageNum) int {
		if x.Range().Start() < v {
			return -1
		}
		if x.Range().Start() > v {
			return 1
		}
		return 0
	})
	ms.areas = slices.Insert(ms.areas, i, a)
}

func (ms *MemorySet) removeArea(a *MapArea) {
	ms.areas = slices.DeleteFunc(ms.areas, func(x *MapArea) bool { return x == a })
}

// InsertFramedArea maps [start, end) lazily with the given permission.
func (ms *MemorySet) InsertFramedArea(start, end VirtAddr, perm MapPermission, kind AreaKind) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	r := NewVPNRange(start.Floor(), end.Ceil())
	if ms.overlaps(r) {
		return fmt.Errorf("area %s overlaps an existing area: %w", r, unix.EINVAL)
	}
	ms.insertArea(newMapArea(r, perm, kind, ms.pool.residency()))
	return nil
}

// LoadProgram maps image read-only at start as the program area. Pages
// are filled from image on first touch.
func (ms *MemorySet) LoadProgram(start VirtAddr, image []byte, perm MapPermission) (VirtAddr, error) {
	if !start.Aligned() {
		return 0, fmt.Errorf("program base %#x not aligned: %w", uint64(start), unix.EINVAL)
	}
	end := start + VirtAddr(len(image))
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	r := NewVPNRange(start.Floor(), end.Ceil())
	if ms.overlaps(r) {
		return 0, fmt.Errorf("program %s overlaps an existing area: %w", r, unix.EINVAL)
	}
	a := newMapArea(r, perm, AreaProgram, ms.pool.residency())
	a.file = imageFile{bytes.NewReader(image)}
	ms.insertArea(a)
	return r.End().Addr(), nil
}

// imageFile is the read-only backing of a program area.
type imageFile struct{ *bytes.Reader }

func (imageFile) WriteAt([]byte, int64) (int, error) { return 0, unix.EROFS }

// releaseRange drops the backing of every page of sub inside a. Shared
// file pages are written back first.
func (ms *MemorySet) releaseRange(a *MapArea, sub VPNRange) {
	for vpn := sub.Start(); vpn < sub.End(); vpn++ {
		slot := a.inner.GetMut(vpn)
		switch slot.State() {
		case InMemory:
			if a.shared && a.file != nil {
				t := slot.Tracker()
				if _, err := a.file.WriteAt(t.Bytes(), int64(a.fileOffset(vpn))); err != nil {
					ms.log.Warn("write back failed", "vpn", uint64(vpn), "err", err)
				}
			}
			ms.pageTable.Unmap(vpn)
			a.inner.RemoveInMemory(vpn).Release()
		case Compressed:
			h, _ := a.inner.TakeCompressed(vpn)
			ms.pool.Compress.Drop(h)
		case SwappedOut:
			h, _ := a.inner.TakeSwapped(vpn)
			ms.pool.Swap.Drop(h)
		}
	}
}

// unmapRange removes r from the address space, trimming or splitting the
// areas it covers.
func (ms *MemorySet) unmapRange(r VPNRange) error {
	for _, a := range slices.Clone(ms.areas) {
		ar := a.Range()
		if !ar.Overlaps(r) {
			continue
		}
		sub := ar.Intersect(r)
		ms.releaseRange(a, sub)
		switch {
		case sub == ar:
			ms.removeArea(a)
		case sub.Start() == ar.Start():
			if a.file != nil {
				a.offset = a.fileOffset(sub.End())
			}
			if err := a.inner.SetStart(sub.End()); err != nil {
				return err
			}
		case sub.End() == ar.End():
			if err := a.inner.SetEnd(sub.Start()); err != nil {
				return err
			}
		default:
			_, hi, err := a.splitThree(sub.Start(), sub.End())
			if err != nil {
				return err
			}
			ms.insertArea(hi)
		}
	}
	return nil
}

// ============================================================================
// mmap / munmap / mprotect / sbrk
// ============================================================================

// Mmap maps length bytes and returns the start address chosen.
func (ms *MemorySet) Mmap(start VirtAddr, length uint64, prot, flags int, file BackingFile, offset uint64) (VirtAddr, error) {
	if length == 0 {
		return 0, fmt.Errorf("mmap of zero length: %w", unix.EINVAL)
	}
	if length > uint64(ms.pool.MmapTop) {
		return 0, fmt.Errorf("mmap of %#x bytes: %w", length, unix.ENOMEM)
	}
	if offset%PageSize != 0 {
		return 0, fmt.Errorf("mmap offset %#x not aligned: %w", offset, unix.EINVAL)
	}
	anonymous := flags&unix.MAP_ANONYMOUS != 0
	if !anonymous && file == nil {
		return 0, fmt.Errorf("file mapping without a file: %w", unix.EBADF)
	}

	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	pages := VirtPageNum(VirtAddr(length).Ceil())
	var r VPNRange
	switch {
	case flags&unix.MAP_FIXED != 0:
		if !start.Aligned() || start == 0 {
			return 0, fmt.Errorf("fixed mapping at %#x: %w", uint64(start), unix.EINVAL)
		}
		r = NewVPNRange(start.Floor(), start.Floor()+pages)
		if err := ms.unmapRange(r); err != nil {
			return 0, err
		}
	case start != 0 && start.Aligned() && !ms.overlaps(NewVPNRange(start.Floor(), start.Floor()+pages)):
		r = NewVPNRange(start.Floor(), start.Floor()+pages)
	default:
		found, ok := ms.findFreeRange(pages)
		if !ok {
			return 0, fmt.Errorf("no free range of %d pages: %w", pages, unix.ENOMEM)
		}
		r = found
	}

	a := newMapArea(r, PermissionFromProt(prot), AreaMmap, ms.pool.residency())
	a.shared = flags&unix.MAP_SHARED != 0
	if !anonymous {
		a.file = file
		a.offset = offset
	}
	ms.insertArea(a)
	ms.log.Debug("mmap", "range", r.String(), "perm", a.perm.String(), "shared", a.shared, "file", !anonymous)
	return r.Start().Addr(), nil
}

// findFreeRange searches top-down below MmapTop for a gap of pages.
func (ms *MemorySet) findFreeRange(pages VirtPageNum) (VPNRange, bool) {
	hi := ms.pool.MmapTop.Floor()
	for i := len(ms.areas) - 1; i >= 0; i-- {
		ar := ms.areas[i].Range()
		if ar.Start() >= hi {
			continue
		}
		if ar.End() <= hi && hi-ar.End() >= pages {
			return NewVPNRange(hi-pages, hi), true
		}
		hi = ar.Start()
	}
	if hi >= mmapFloor+pages {
		return NewVPNRange(hi-pages, hi), true
	}
	return VPNRange{}, false
}

// pageSpan returns the pages covering [start, start+length), or false when
// the end wraps past the top of the address space.
func pageSpan(start VirtAddr, length uint64) (VPNRange, bool) {
	end := uint64(start) + length
	if end < uint64(start) || end > ^uint64(0)-(PageSize-1) {
		return VPNRange{}, false
	}
	return NewVPNRange(start.Floor(), VirtAddr(end).Ceil()), true
}

// Munmap removes [start, start+length) from the address space.
func (ms *MemorySet) Munmap(start VirtAddr, length uint64) error {
	if !start.Aligned() || length == 0 {
		return fmt.Errorf("munmap %#x+%#x: %w", uint64(start), length, unix.EINVAL)
	}
	r, ok := pageSpan(start, length)
	if !ok {
		return fmt.Errorf("munmap %#x+%#x wraps: %w", uint64(start), length, unix.EINVAL)
	}
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	ms.log.Debug("munmap", "range", r.String())
	return ms.unmapRange(r)
}

// Mprotect changes the permission of [addr, addr+length).
func (ms *MemorySet) Mprotect(addr VirtAddr, length uint64, prot int) error {
	if !addr.Aligned() {
		return fmt.Errorf("mprotect %#x: %w", uint64(addr), unix.EINVAL)
	}
	if length == 0 {
		return nil
	}
	r, ok := pageSpan(addr, length)
	if !ok {
		return fmt.Errorf("mprotect %#x+%#x wraps: %w", uint64(addr), length, unix.ENOMEM)
	}
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	if !ms.covered(r) {
		return fmt.Errorf("mprotect %s: range not mapped: %w", r, unix.ENOMEM)
	}
	perm := PermissionFromProt(prot)
	for _, a := range slices.Clone(ms.areas) {
		ar := a.Range()
		if !ar.Overlaps(r) {
			continue
		}
		sub := ar.Intersect(r)
		target := a
		switch {
		case sub == ar:
		case sub.Start() == ar.Start():
			hi, err := a.split(sub.End())
			if err != nil {
				return err
			}
			ms.insertArea(hi)
		case sub.End() == ar.End():
			hi, err := a.split(sub.Start())
			if err != nil {
				return err
			}
			ms.insertArea(hi)
			target = hi
		default:
			mid, hi, err := a.splitThree(sub.Start(), sub.End())
			if err != nil {
				return err
			}
			ms.insertArea(mid)
			ms.insertArea(hi)
			target = mid
		}
		target.perm = perm
		target.inner.ForEach(func(vpn VirtPageNum, f *Frame) {
			if t := f.Tracker(); t != nil {
				ms.pageTable.Unmap(vpn)
				ms.pageTable.Map(vpn, t.PPN(), target.pteFlags())
			}
		})
	}
	return nil
}

func (ms *MemorySet) covered(r VPNRange) bool {
	next := r.Start()
	for _, a := range ms.areas {
		ar := a.Range()
		if ar.End() <= next {
			continue
		}
		if ar.Start() > next {
			return false
		}
		next = ar.End()
		if next >= r.End() {
			return true
		}
	}
	return next >= r.End()
}

// Sbrk moves the program break by increment and returns the new break.
// A move below heapBottom or past the heap limit leaves it unchanged.
func (ms *MemorySet) Sbrk(heapPt, heapBottom VirtAddr, increment int64) VirtAddr {
	if increment == 0 {
		return heapPt
	}
	newPt := VirtAddr(int64(heapPt) + increment)
	if int64(heapPt)+increment < int64(heapBottom) || uint64(newPt-heapBottom) > ms.pool.HeapLimit {
		ms.log.Debug("sbrk rejected", "heap_pt", uint64(heapPt), "increment", increment)
		return heapPt
	}

	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	_, heap := ms.heapArea(heapBottom)
	if heap == nil {
		r := NewVPNRange(heapBottom.Floor(), heapBottom.Floor())
		heap = newMapArea(r, MapR|MapW|MapU, AreaHeap, ms.pool.residency())
		ms.insertArea(heap)
	}
	oldEnd, newEnd := heap.Range().End(), newPt.Ceil()
	switch {
	case newEnd > oldEnd:
		if ms.overlaps(NewVPNRange(oldEnd, newEnd)) {
			return heapPt
		}
		if err := heap.inner.SetEnd(newEnd); err != nil {
			return heapPt
		}
	case newEnd < oldEnd:
		ms.releaseRange(heap, NewVPNRange(newEnd, oldEnd))
		if err := heap.inner.SetEnd(newEnd); err != nil {
			return heapPt
		}
	}
	return newPt
}

func (ms *MemorySet) heapArea(bottom VirtAddr) (int, *MapArea) {
	for i, a := range ms.areas {
		if a.kind == AreaHeap && a.Range().Start() == bottom.Floor() {
			return i, a
		}
	}
	return -1, nil
}

// ============================================================================
// Fork and teardown
// ============================================================================

// Fork copies the address space into fresh frames. Shared areas keep
// referencing the same frames.
func (ms *MemorySet) Fork() (*MemorySet, error) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	child := NewMemorySet(ms.pool, nil)
	for _, a := range ms.areas {
		inner, err := a.inner.Clone(ms.pool.residency(), func(vpn VirtPageNum) (*FrameTracker, error) {
			t, err := ms.residentLocked(a, vpn)
			if err != nil {
				return nil, err
			}
			if a.shared {
				return t.Retain(), nil
			}
			nt, err := ms.pool.Frames.Alloc()
			if err != nil {
				return nil, err
			}
			copy(nt.Bytes(), t.Bytes())
			return nt, nil
		})
		if err != nil {
			child.recycleLocked()
			return nil, fmt.Errorf("fork address space: %w", err)
		}

		ca := *a
		ca.inner = inner
		inner.ForEach(func(vpn VirtPageNum, f *Frame) {
			if t := f.Tracker(); t != nil {
				child.pageTable.Map(vpn, t.PPN(), ca.pteFlags())
			}
		})
		child.areas = append(child.areas, &ca)
	}
	return child, nil
}

// Recycle releases every frame and area.
func (ms *MemorySet) Recycle() {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	ms.recycleLocked()
}

func (ms *MemorySet) recycleLocked() {
	for _, a := range ms.areas {
		ms.releaseRange(a, a.Range())
	}
	ms.areas = nil
}
