package mm

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// ============================================================================
// Page fault handling and reclaim
// ============================================================================

// HandlePageFault resolves a user access to addr. A fault outside every
// area, or one the area's permission forbids, is EFAULT.
func (ms *MemorySet) HandlePageFault(addr VirtAddr, write bool) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	_, err := ms.pageLocked(addr.Floor(), write)
	return err
}

// pageLocked returns the resident frame of vpn, faulting it in if needed.
func (ms *MemorySet) pageLocked(vpn VirtPageNum, write bool) (*FrameTracker, error) {
	_, a := ms.findArea(vpn)
	if a == nil {
		ms.stats.TotalFaults++
		return nil, fmt.Errorf("page %#x not mapped: %w", uint64(vpn), unix.EFAULT)
	}
	if (write && a.perm&MapW == 0) || (!write && a.perm&MapR == 0) {
		ms.stats.TotalFaults++
		ms.stats.ProtectionFaults++
		return nil, fmt.Errorf("page %#x is %s: %w", uint64(vpn), a.perm, unix.EFAULT)
	}
	if t := a.inner.GetInMemory(vpn); t != nil {
		return t, nil
	}

	ms.stats.TotalFaults++
	if a.inner.GetMut(vpn).State() == Unallocated {
		t, err := ms.allocFrameLocked()
		if err != nil {
			return nil, err
		}
		if a.file != nil {
			if _, err := a.file.ReadAt(t.Bytes(), int64(a.fileOffset(vpn))); err != nil && !errors.Is(err, io.EOF) {
				t.Release()
				return nil, fmt.Errorf("fill page %#x: %w", uint64(vpn), unix.EIO)
			}
		}
		a.inner.AllocInMemory(vpn, t)
		ms.pageTable.Map(vpn, t.PPN(), a.pteFlags())
		ms.stats.MajorFaults++
		return t, nil
	}

	t, err := ms.residentLocked(a, vpn)
	if err != nil {
		return nil, err
	}
	ms.stats.MinorFaults++
	return t, nil
}

// residentLocked returns the frame of an allocated page of a, reloading
// it from the compression or swap store first if it was evicted.
func (ms *MemorySet) residentLocked(a *MapArea, vpn VirtPageNum) (*FrameTracker, error) {
	slot := a.inner.GetMut(vpn)
	switch slot.State() {
	case InMemory:
		return slot.Tracker(), nil
	case Unallocated:
		return nil, fmt.Errorf("page %#x has no backing: %w", uint64(vpn), unix.EFAULT)
	}

	t, err := ms.allocFrameLocked()
	if err != nil {
		return nil, err
	}
	store := ms.pool.Swap
	if slot.State() == Compressed {
		store = ms.pool.Compress
	}
	h, _ := slot.Handle()
	if err := store.Get(h, t.Bytes()); err != nil {
		t.Release()
		return nil, fmt.Errorf("reload page %#x: %w", uint64(vpn), unix.EIO)
	}
	if slot.State() == Compressed {
		a.inner.TakeCompressed(vpn)
	} else {
		a.inner.TakeSwapped(vpn)
	}
	a.inner.AllocInMemory(vpn, t)
	ms.pageTable.Map(vpn, t.PPN(), a.pteFlags())
	return t, nil
}

// allocFrameLocked takes a frame from the pool, evicting one page of this
// address space when the pool is exhausted.
func (ms *MemorySet) allocFrameLocked() (*FrameTracker, error) {
	t, err := ms.pool.Frames.Alloc()
	if err == nil {
		return t, nil
	}
	if ms.reclaimLocked(1) == 0 {
		return nil, err
	}
	return ms.pool.Frames.Alloc()
}

// Reclaim evicts up to n resident private pages and returns how many
// frames were released.
func (ms *MemorySet) Reclaim(n int) int {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	return ms.reclaimLocked(n)
}

func (ms *MemorySet) reclaimLocked(n int) int {
	if ms.pool.Compress == nil && ms.pool.Swap == nil {
		return 0
	}
	freed := 0
	for freed < n {
		progress := false
		for _, a := range ms.areas {
			if freed == n {
				break
			}
			if a.shared {
				continue
			}
			vpn, ok := a.inner.EvictionCandidate()
			if !ok {
				continue
			}
			if ms.evictLocked(a, vpn) {
				freed++
				progress = true
			}
		}
		if !progress {
			break
		}
	}
	return freed
}

func (ms *MemorySet) evictLocked(a *MapArea, vpn VirtPageNum) bool {
	t := a.inner.GetInMemory(vpn)
	if ms.pool.Compress != nil {
		if h, err := ms.pool.Compress.Put(t.Bytes()); err == nil {
			ms.pageTable.Unmap(vpn)
			a.inner.Compress(vpn, h).Release()
			ms.stats.Evictions++
			return true
		}
	}
	if ms.pool.Swap != nil {
		h, err := ms.pool.Swap.Put(t.Bytes())
		if err != nil {
			ms.log.Warn("swap out failed", "vpn", uint64(vpn), "err", err)
			return false
		}
		ms.pageTable.Unmap(vpn)
		a.inner.SwapOut(vpn, h).Release()
		ms.stats.Evictions++
		return true
	}
	return false
}
