// Package mm implements the kernel's virtual memory: page-granular ranges,
// the physical frame pool, per-region frame tables and address spaces.
package mm

import (
	"fmt"

	kerrors "github.com/hpu-os/hpukernel/internal/errors"
)

const (
	PageSizeBits = 12
	PageSize     = 1 << PageSizeBits
)

// VirtAddr is a user virtual address.
type VirtAddr uint64

// PhysAddr is a simulated physical address.
type PhysAddr uint64

// VirtPageNum is a page-granular virtual address.
type VirtPageNum uint64

// PhysPageNum indexes a physical frame.
type PhysPageNum uint64

// Floor returns the page containing va.
func (va VirtAddr) Floor() VirtPageNum { return VirtPageNum(va >> PageSizeBits) }

// Ceil returns the first page starting at or after va.
func (va VirtAddr) Ceil() VirtPageNum {
	return VirtPageNum((uint64(va) + PageSize - 1) >> PageSizeBits)
}

// PageOffset returns the offset of va inside its page.
func (va VirtAddr) PageOffset() uint64 { return uint64(va) & (PageSize - 1) }

// Aligned reports whether va sits on a page boundary.
func (va VirtAddr) Aligned() bool { return va.PageOffset() == 0 }

// Addr returns the first address of the page.
func (vpn VirtPageNum) Addr() VirtAddr { return VirtAddr(vpn << PageSizeBits) }

// Addr returns the first address of the frame.
func (ppn PhysPageNum) Addr() PhysAddr { return PhysAddr(ppn << PageSizeBits) }

// VPNRange is the half-open page range [start, end).
type VPNRange struct {
	start VirtPageNum
	end   VirtPageNum
}

// NewVPNRange builds [start, end). start > end is a contract violation.
func NewVPNRange(start, end VirtPageNum) VPNRange {
	if start > end {
		panic(kerrors.InvalidRange(uint64(start), uint64(end)))
	}
	return VPNRange{start: start, end: end}
}

func (r VPNRange) Start() VirtPageNum { return r.start }
func (r VPNRange) End() VirtPageNum   { return r.end }
func (r VPNRange) Len() int           { return int(r.end - r.start) }
func (r VPNRange) Empty() bool        { return r.start == r.end }

// Contains reports whether vpn falls inside the range.
func (r VPNRange) Contains(vpn VirtPageNum) bool {
	return vpn >= r.start && vpn < r.end
}

// Overlaps reports whether the two ranges share at least one page.
func (r VPNRange) Overlaps(o VPNRange) bool {
	return r.start < o.end && o.start < r.end
}

// Intersect returns the common sub-range, possibly empty.
func (r VPNRange) Intersect(o VPNRange) VPNRange {
	start, end := max(r.start, o.start), min(r.end, o.end)
	if start > end {
		return VPNRange{start: start, end: start}
	}
	return VPNRange{start: start, end: end}
}

func (r VPNRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.start), uint64(r.end))
}
