package mm

import (
	"bytes"
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestFrameAllocator_AllocRelease(t *testing.T) {
	fa := NewFrameAllocator(0x80000, 2)
	a := mustAlloc(t, fa)
	b := mustAlloc(t, fa)
	if a.PPN() == b.PPN() {
		t.Fatal("same frame handed out twice")
	}
	if _, err := fa.Alloc(); !errors.Is(err, unix.ENOMEM) {
		t.Fatalf("err = %v, want ENOMEM", err)
	}

	copy(a.Bytes(), "dirty")
	a.Retain()
	a.Release()
	if fa.Unallocated() != 0 {
		t.Fatal("frame freed while still referenced")
	}
	a.Release()
	if fa.Unallocated() != 1 {
		t.Fatal("frame not returned on last release")
	}

	c := mustAlloc(t, fa)
	if !bytes.Equal(c.Bytes(), make([]byte, PageSize)) {
		t.Fatal("reused frame not zeroed")
	}
	total, free, used := fa.GetMemoryInfo()
	if total != 2*PageSize || free != 0 || used != 2*PageSize {
		t.Fatalf("info %d %d %d", total, free, used)
	}

	b.Release()
	expectPanic(t, func() { b.Release() })
}

func TestPageStores(t *testing.T) {
	page := make([]byte, PageSize)
	for i := range page {
		page[i] = byte(i % 13)
	}

	stores := map[string]PageStore{
		"compress": NewCompressStore(),
		"swap":     NewSwapStore(&memFile{}, 2),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			h, err := s.Put(page)
			if err != nil {
				t.Fatal(err)
			}
			dst := make([]byte, PageSize)
			if err := s.Get(h, dst); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(dst, page) {
				t.Fatal("page contents changed")
			}
			if err := s.Get(h, dst); err == nil {
				t.Fatal("handle usable after Get")
			}
		})
	}

	t.Run("swap full", func(t *testing.T) {
		s := NewSwapStore(&memFile{}, 1)
		h, err := s.Put(page)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Put(page); !errors.Is(err, unix.ENOMEM) {
			t.Fatalf("err = %v", err)
		}
		s.Drop(h)
		if s.InUse() != 0 {
			t.Fatal("drop kept the slot")
		}
		if _, err := s.Put(page); err != nil {
			t.Fatal(err)
		}
	})
}

func TestSoftPageTable(t *testing.T) {
	pt := NewSoftPageTable()
	pt.Map(5, 0x80001, PTE_R|PTE_U)
	e, ok := pt.Translate(5)
	if !ok || e.PPN() != 0x80001 || !e.Readable() || e.Writable() {
		t.Fatalf("entry %#x", uint64(e))
	}
	expectPanic(t, func() { pt.Map(5, 0x80002, PTE_R) })
	pt.Unmap(5)
	if _, ok := pt.Translate(5); ok || pt.Len() != 0 {
		t.Fatal("entry survived unmap")
	}
	if NewSoftPageTable().Token() == pt.Token() {
		t.Fatal("tokens must differ")
	}
}

func TestVPNRange(t *testing.T) {
	r := NewVPNRange(10, 20)
	if !r.Contains(10) || r.Contains(20) || r.Len() != 10 {
		t.Fatal("bounds")
	}
	if got := r.Intersect(NewVPNRange(15, 30)); got != NewVPNRange(15, 20) {
		t.Fatalf("intersect %s", got)
	}
	if !r.Intersect(NewVPNRange(30, 40)).Empty() {
		t.Fatal("disjoint ranges intersect")
	}
	if VirtAddr(0x1001).Floor() != 1 || VirtAddr(0x1001).Ceil() != 2 || VirtAddr(0x2000).Ceil() != 2 {
		t.Fatal("rounding")
	}
	expectPanic(t, func() { NewVPNRange(5, 4) })
}
