package mm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

//go:generate mockgen -source=page_table.go -destination=mock_page_table_test.go -package=mm

// ============================================================================
// Hardware page table adapter
// ============================================================================

// PTEFlags are the permission and status bits of a page table entry.
type PTEFlags uint8

const (
	PTE_V PTEFlags = 1 << 0
	PTE_R PTEFlags = 1 << 1
	PTE_W PTEFlags = 1 << 2
	PTE_X PTEFlags = 1 << 3
	PTE_U PTEFlags = 1 << 4
	PTE_G PTEFlags = 1 << 5
	PTE_A PTEFlags = 1 << 6
	PTE_D PTEFlags = 1 << 7
)

// PageTableEntry represents a page table entry.
type PageTableEntry uint64

// NewPTE packs ppn and flags the way Sv39 lays them out.
func NewPTE(ppn PhysPageNum, flags PTEFlags) PageTableEntry {
	return PageTableEntry(uint64(ppn)<<10 | uint64(flags))
}

func (e PageTableEntry) PPN() PhysPageNum { return PhysPageNum(uint64(e) >> 10) }
func (e PageTableEntry) Flags() PTEFlags  { return PTEFlags(e & 0xff) }
func (e PageTableEntry) Valid() bool      { return e.Flags()&PTE_V != 0 }
func (e PageTableEntry) Writable() bool   { return e.Flags()&PTE_W != 0 }
func (e PageTableEntry) Readable() bool   { return e.Flags()&PTE_R != 0 }
func (e PageTableEntry) Executable() bool { return e.Flags()&PTE_X != 0 }

// PageTable is the hardware page table of one address space.
type PageTable interface {
	Map(vpn VirtPageNum, ppn PhysPageNum, flags PTEFlags)
	Unmap(vpn VirtPageNum)
	Translate(vpn VirtPageNum) (PageTableEntry, bool)
	// Token identifies the table the way satp would.
	Token() uint64
}

var nextToken atomic.Uint64

// SoftPageTable is an in-memory single level page table.
type SoftPageTable struct {
	entries map[VirtPageNum]PageTableEntry
	token   uint64
	mutex   sync.RWMutex
}

// NewSoftPageTable creates an empty page table.
func NewSoftPageTable() *SoftPageTable {
	return &SoftPageTable{
		entries: make(map[VirtPageNum]PageTableEntry),
		token:   nextToken.Add(1),
	}
}

// Map sets the entry of vpn; remapping a valid entry is a kernel bug.
func (pt *SoftPageTable) Map(vpn VirtPageNum, ppn PhysPageNum, flags PTEFlags) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	if old, ok := pt.entries[vpn]; ok && old.Valid() {
		panic(fmt.Sprintf("vpn %#x is mapped before mapping", uint64(vpn)))
	}
	pt.entries[vpn] = NewPTE(ppn, flags|PTE_V)
}

// Unmap clears the entry of vpn.
func (pt *SoftPageTable) Unmap(vpn VirtPageNum) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	delete(pt.entries, vpn)
	pt.invalidateTLB(vpn)
}

// Translate looks up the entry of vpn.
func (pt *SoftPageTable) Translate(vpn VirtPageNum) (PageTableEntry, bool) {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()

	e, ok := pt.entries[vpn]
	if !ok || !e.Valid() {
		return 0, false
	}
	return e, true
}

func (pt *SoftPageTable) Token() uint64 { return pt.token }

// Len returns the number of valid entries.
func (pt *SoftPageTable) Len() int {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()
	return len(pt.entries)
}

// invalidateTLB invalidates TLB entry for given virtual page.
func (pt *SoftPageTable) invalidateTLB(vpn VirtPageNum) {
	// There is no TLB to shoot down in the simulated machine; on RISC-V
	// this is sfence.vma with the page address.
}
