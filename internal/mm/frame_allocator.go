package mm

import (
	"fmt"
	"sync"
	"sync/atomic"

	kerrors "github.com/hpu-os/hpukernel/internal/errors"
	"golang.org/x/sys/unix"
)

// ============================================================================
// Physical frame pool
// ============================================================================

// FrameTracker is the shared handle on one physical frame. The frame goes
// back to its allocator when the last reference is released.
type FrameTracker struct {
	ppn   PhysPageNum
	data  []byte
	refs  atomic.Int32
	alloc *FrameAllocator
}

// PPN returns the physical page number of the frame.
func (f *FrameTracker) PPN() PhysPageNum { return f.ppn }

// Bytes exposes the frame contents.
func (f *FrameTracker) Bytes() []byte { return f.data }

// Retain adds a reference and returns f for chaining.
func (f *FrameTracker) Retain() *FrameTracker {
	f.refs.Add(1)
	return f
}

// Release drops a reference, returning the frame to the pool on the last one.
func (f *FrameTracker) Release() {
	n := f.refs.Add(-1)
	switch {
	case n == 0:
		f.alloc.free(f.ppn)
	case n < 0:
		panic(kerrors.DoubleFree(uint64(f.ppn)))
	}
}

// Refs returns the current reference count.
func (f *FrameTracker) Refs() int32 { return f.refs.Load() }

// FrameAllocator manages the simulated physical page frames.
type FrameAllocator struct {
	mutex         sync.Mutex
	base          PhysPageNum
	pages         [][]byte
	freePagesList []PhysPageNum
	usedPages     map[PhysPageNum]bool
	totalPages    uint64
	freePages     uint64
}

// NewFrameAllocator creates a pool of frameCount frames starting at base.
func NewFrameAllocator(base PhysPageNum, frameCount uint64) *FrameAllocator {
	fa := &FrameAllocator{
		base:          base,
		pages:         make([][]byte, frameCount),
		freePagesList: make([]PhysPageNum, 0, frameCount),
		usedPages:     make(map[PhysPageNum]bool),
		totalPages:    frameCount,
		freePages:     frameCount,
	}
	for i := uint64(0); i < frameCount; i++ {
		fa.freePagesList = append(fa.freePagesList, base+PhysPageNum(i))
	}
	return fa
}

// Alloc hands out one zeroed frame. Exhaustion is reported as ENOMEM.
func (fa *FrameAllocator) Alloc() (*FrameTracker, error) {
	fa.mutex.Lock()
	defer fa.mutex.Unlock()

	if len(fa.freePagesList) == 0 {
		return nil, fmt.Errorf("out of physical memory: %w", unix.ENOMEM)
	}

	ppn := fa.freePagesList[0]
	fa.freePagesList = fa.freePagesList[1:]
	fa.usedPages[ppn] = true
	fa.freePages--

	idx := ppn - fa.base
	if fa.pages[idx] == nil {
		fa.pages[idx] = make([]byte, PageSize)
	} else {
		clear(fa.pages[idx])
	}

	f := &FrameTracker{ppn: ppn, data: fa.pages[idx], alloc: fa}
	f.refs.Store(1)
	return f, nil
}

func (fa *FrameAllocator) free(ppn PhysPageNum) {
	fa.mutex.Lock()
	defer fa.mutex.Unlock()

	if !fa.usedPages[ppn] {
		panic(kerrors.DoubleFree(uint64(ppn)))
	}
	delete(fa.usedPages, ppn)
	fa.freePagesList = append(fa.freePagesList, ppn)
	fa.freePages++
}

// Unallocated returns the number of free frames.
func (fa *FrameAllocator) Unallocated() uint64 {
	fa.mutex.Lock()
	defer fa.mutex.Unlock()
	return fa.freePages
}

// Total returns the size of the pool in frames.
func (fa *FrameAllocator) Total() uint64 { return fa.totalPages }

// GetMemoryInfo returns memory statistics in bytes.
func (fa *FrameAllocator) GetMemoryInfo() (total, free, used uint64) {
	fa.mutex.Lock()
	defer fa.mutex.Unlock()
	return fa.totalPages * PageSize,
		fa.freePages * PageSize,
		(fa.totalPages - fa.freePages) * PageSize
}
