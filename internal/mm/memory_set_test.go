package mm

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"go.uber.org/mock/gomock"
	"golang.org/x/sys/unix"
)

const (
	protRW   = unix.PROT_READ | unix.PROT_WRITE
	anonPriv = unix.MAP_ANONYMOUS | unix.MAP_PRIVATE
)

func newTestPool(frames uint64, lru bool) *Pool {
	return &Pool{
		Frames:    NewFrameAllocator(0x80000, frames),
		LRU:       lru,
		MmapTop:   0x60000000,
		HeapLimit: 16 << 20,
	}
}

type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.data)) {
		return 0, nil
	}
	return copy(p, f.data[off:]), nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if need := int(off) + len(p); need > len(f.data) {
		f.data = append(f.data, make([]byte, need-len(f.data))...)
	}
	return copy(f.data[off:], p), nil
}

func TestMemorySet_MmapReadWrite(t *testing.T) {
	pool := newTestPool(16, false)
	ms := NewMemorySet(pool, nil)

	addr, err := ms.Mmap(0, 3*PageSize, protRW, anonPriv, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x60000000-3*PageSize {
		t.Fatalf("addr = %#x", uint64(addr))
	}
	if pool.Frames.Unallocated() != 16 {
		t.Fatal("mmap must not allocate eagerly")
	}

	msg := bytes.Repeat([]byte("hpu"), 2000)
	if err := ms.WriteBytes(addr+100, msg); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	if err := ms.ReadBytes(addr+100, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("read back mismatch")
	}
	if st := ms.Stats(); st.MajorFaults != 2 {
		t.Fatalf("major faults = %d", st.MajorFaults)
	}

	next, err := ms.Mmap(0, PageSize, protRW, anonPriv, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if next != addr-PageSize {
		t.Fatalf("second mapping at %#x", uint64(next))
	}
}

func TestMemorySet_Errors(t *testing.T) {
	ms := NewMemorySet(newTestPool(4, false), nil)

	tests := []struct {
		name string
		fn   func() error
		want unix.Errno
	}{
		{"zero length mmap", func() error {
			_, err := ms.Mmap(0, 0, protRW, anonPriv, nil, 0)
			return err
		}, unix.EINVAL},
		{"unaligned fixed mmap", func() error {
			_, err := ms.Mmap(0x1001, PageSize, protRW, anonPriv|unix.MAP_FIXED, nil, 0)
			return err
		}, unix.EINVAL},
		{"file mapping without file", func() error {
			_, err := ms.Mmap(0, PageSize, protRW, unix.MAP_PRIVATE, nil, 0)
			return err
		}, unix.EBADF},
		{"unaligned munmap", func() error { return ms.Munmap(0x1234, PageSize) }, unix.EINVAL},
		{"zero length munmap", func() error { return ms.Munmap(0x1000, 0) }, unix.EINVAL},
		{"fault outside areas", func() error { return ms.HandlePageFault(0x4000, false) }, unix.EFAULT},
		{"mprotect unmapped", func() error { return ms.Mprotect(0x4000, PageSize, unix.PROT_READ) }, unix.ENOMEM},
		{"mmap larger than address space", func() error {
			_, err := ms.Mmap(0, ^uint64(0), protRW, anonPriv, nil, 0)
			return err
		}, unix.ENOMEM},
		{"fixed mmap larger than address space", func() error {
			_, err := ms.Mmap(0x10000, ^uint64(0)-PageSize, protRW, anonPriv|unix.MAP_FIXED, nil, 0)
			return err
		}, unix.ENOMEM},
		{"munmap wrapping the address space", func() error { return ms.Munmap(0x1000, ^uint64(0)-0xfff) }, unix.EINVAL},
		{"munmap ending in the last page", func() error { return ms.Munmap(0x1000, ^uint64(0)-0x1000) }, unix.EINVAL},
		{"mprotect wrapping the address space", func() error {
			return ms.Mprotect(0x1000, ^uint64(0)-0xfff, unix.PROT_READ)
		}, unix.ENOMEM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMemorySet_MunmapMiddle(t *testing.T) {
	pool := newTestPool(8, true)
	ms := NewMemorySet(pool, nil)
	addr, err := ms.Mmap(0x20000000, 4*PageSize, protRW, anonPriv|unix.MAP_FIXED, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if err := ms.WriteU64(addr+VirtAddr(i*PageSize), uint64(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := ms.Munmap(addr+PageSize, 2*PageSize); err != nil {
		t.Fatal(err)
	}

	areas := ms.Areas()
	if len(areas) != 2 {
		t.Fatalf("areas = %v", areas)
	}
	if areas[0].Range.Len() != 1 || areas[1].Range.Len() != 1 {
		t.Fatalf("areas = %v", areas)
	}
	if pool.Frames.Unallocated() != 6 {
		t.Fatalf("free frames = %d", pool.Frames.Unallocated())
	}
	if err := ms.HandlePageFault(addr+PageSize, false); !errors.Is(err, unix.EFAULT) {
		t.Fatalf("hole still mapped: %v", err)
	}
	if v, err := ms.ReadU64(addr + 3*PageSize); err != nil || v != 3 {
		t.Fatalf("upper page = %d, %v", v, err)
	}

	ms.Recycle()
	if pool.Frames.Unallocated() != 8 {
		t.Fatalf("recycle left %d frames in use", 8-pool.Frames.Unallocated())
	}
}

func TestMemorySet_MprotectSplitsArea(t *testing.T) {
	ms := NewMemorySet(newTestPool(8, false), nil)
	addr, err := ms.Mmap(0x20000000, 3*PageSize, protRW, anonPriv|unix.MAP_FIXED, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := ms.WriteU32(addr+PageSize, 42); err != nil {
		t.Fatal(err)
	}
	if err := ms.Mprotect(addr+PageSize, PageSize, unix.PROT_READ); err != nil {
		t.Fatal(err)
	}

	areas := ms.Areas()
	if len(areas) != 3 {
		t.Fatalf("areas = %v", areas)
	}
	if areas[1].Perm != MapR|MapU {
		t.Fatalf("middle perm = %s", areas[1].Perm)
	}
	if err := ms.WriteU32(addr+PageSize, 1); !errors.Is(err, unix.EFAULT) {
		t.Fatalf("write to read-only page: %v", err)
	}
	if v, err := ms.ReadU32(addr + PageSize); err != nil || v != 42 {
		t.Fatalf("read = %d, %v", v, err)
	}
	if err := ms.WriteU32(addr+2*PageSize, 1); err != nil {
		t.Fatal(err)
	}
	if st := ms.Stats(); st.ProtectionFaults != 1 {
		t.Fatalf("protection faults = %d", st.ProtectionFaults)
	}
}

func TestMemorySet_Sbrk(t *testing.T) {
	ms := NewMemorySet(newTestPool(16, false), nil)
	const bottom VirtAddr = 0x10000

	pt := ms.Sbrk(bottom, bottom, 0)
	if pt != bottom {
		t.Fatalf("sbrk(0) = %#x", uint64(pt))
	}
	pt = ms.Sbrk(pt, bottom, PageSize)
	if pt != bottom+PageSize {
		t.Fatalf("sbrk(4096) = %#x", uint64(pt))
	}
	if err := ms.WriteU64(bottom, 0xdead); err != nil {
		t.Fatal(err)
	}
	if got := ms.Sbrk(pt, bottom, 999999999); got != pt {
		t.Fatalf("sbrk past the limit moved the break to %#x", uint64(got))
	}
	if got := ms.Sbrk(pt, bottom, -8192); got != pt {
		t.Fatalf("sbrk below the bottom moved the break to %#x", uint64(got))
	}
	pt = ms.Sbrk(pt, bottom, -PageSize)
	if pt != bottom {
		t.Fatalf("shrink = %#x", uint64(pt))
	}
	if err := ms.WriteU64(bottom, 1); !errors.Is(err, unix.EFAULT) {
		t.Fatalf("released heap page still writable: %v", err)
	}
}

func TestMemorySet_Fork(t *testing.T) {
	pool := newTestPool(16, false)
	parent := NewMemorySet(pool, nil)
	priv, _ := parent.Mmap(0x20000000, PageSize, protRW, anonPriv|unix.MAP_FIXED, nil, 0)
	shared, _ := parent.Mmap(0x30000000, PageSize, protRW, unix.MAP_ANONYMOUS|unix.MAP_SHARED|unix.MAP_FIXED, nil, 0)
	_ = parent.WriteU64(priv, 1)
	_ = parent.WriteU64(shared, 1)

	child, err := parent.Fork()
	if err != nil {
		t.Fatal(err)
	}
	if child.Token() == parent.Token() {
		t.Fatal("child shares the page table")
	}
	_ = parent.WriteU64(priv, 2)
	_ = parent.WriteU64(shared, 2)

	if v, _ := child.ReadU64(priv); v != 1 {
		t.Fatalf("private page = %d, want 1", v)
	}
	if v, _ := child.ReadU64(shared); v != 2 {
		t.Fatalf("shared page = %d, want 2", v)
	}

	child.Recycle()
	parent.Recycle()
	if pool.Frames.Unallocated() != 16 {
		t.Fatalf("leaked %d frames", 16-pool.Frames.Unallocated())
	}
}

func TestMemorySet_ReclaimAndReload(t *testing.T) {
	pool := newTestPool(3, true)
	pool.Compress = NewCompressStore()
	pool.Swap = NewSwapStore(&memFile{}, 4)
	ms := NewMemorySet(pool, nil)

	addr, err := ms.Mmap(0x20000000, 5*PageSize, protRW, anonPriv|unix.MAP_FIXED, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := ms.WriteU64(addr+VirtAddr(i*PageSize), uint64(100+i)); err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
	}
	c := ms.Areas()[0].Counts
	if c.Active != 3 || c.Compressed != 2 {
		t.Fatalf("counts %+v", c)
	}

	for i := 0; i < 5; i++ {
		v, err := ms.ReadU64(addr + VirtAddr(i*PageSize))
		if err != nil || v != uint64(100+i) {
			t.Fatalf("page %d = %d, %v", i, v, err)
		}
	}
	st := ms.Stats()
	if st.Evictions == 0 || st.MinorFaults == 0 {
		t.Fatalf("stats %+v", st)
	}

	if n := ms.Reclaim(10); n != 3 {
		t.Fatalf("reclaimed %d", n)
	}
	if pool.Frames.Unallocated() != 3 {
		t.Fatalf("free frames = %d", pool.Frames.Unallocated())
	}
	ms.Recycle()
	if pool.Compress.(*CompressStore).Footprint() != 0 {
		t.Fatal("recycle left compressed pages behind")
	}
}

// failingStore fails the next failures reloads.
type failingStore struct {
	PageStore
	failures int
}

func (s *failingStore) Get(h StoreHandle, dst []byte) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("device error")
	}
	return s.PageStore.Get(h, dst)
}

func TestMemorySet_FailedReloadKeepsPage(t *testing.T) {
	pool := newTestPool(2, true)
	pool.Compress = &failingStore{PageStore: NewCompressStore(), failures: 1}
	ms := NewMemorySet(pool, nil)

	addr, err := ms.Mmap(0, PageSize, protRW, anonPriv, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := ms.WriteBytes(addr, []byte("precious")); err != nil {
		t.Fatal(err)
	}
	if n := ms.Reclaim(1); n != 1 {
		t.Fatalf("reclaimed %d", n)
	}

	if _, err := ms.ReadU64(addr); !errors.Is(err, unix.EIO) {
		t.Fatalf("reload err = %v, want EIO", err)
	}
	if c := ms.Areas()[0].Counts; c.Compressed != 1 || c.Active != 0 {
		t.Fatalf("counts after failed reload %+v", c)
	}
	if pool.Frames.Unallocated() != 2 {
		t.Fatalf("free frames = %d", pool.Frames.Unallocated())
	}

	got := make([]byte, 8)
	if err := ms.ReadBytes(addr, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "precious" {
		t.Fatalf("page contents %q", got)
	}
	if pool.Compress.(*failingStore).PageStore.(*CompressStore).Footprint() != 0 {
		t.Fatal("reloaded page still held by the store")
	}
}

func TestMemorySet_SharedFileWriteBack(t *testing.T) {
	file := &memFile{data: []byte("original contents")}
	ms := NewMemorySet(newTestPool(4, false), nil)

	addr, err := ms.Mmap(0, PageSize, protRW, unix.MAP_SHARED, file, 0)
	if err != nil {
		t.Fatal(err)
	}
	s, err := ms.ReadCString(addr, 64)
	if err != nil || s != "original contents" {
		t.Fatalf("mapped contents %q, %v", s, err)
	}
	if err := ms.WriteBytes(addr, []byte("modified")); err != nil {
		t.Fatal(err)
	}
	if err := ms.Munmap(addr, PageSize); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(file.data, []byte("modified contents")) {
		t.Fatalf("file = %q", file.data[:17])
	}
}

func TestMemorySet_PageTableUpdates(t *testing.T) {
	ctrl := gomock.NewController(t)
	pt := NewMockPageTable(ctrl)
	ms := NewMemorySet(newTestPool(2, false), pt)

	addr, err := ms.Mmap(0x20000000, PageSize, protRW, anonPriv|unix.MAP_FIXED, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	vpn := addr.Floor()
	gomock.InOrder(
		pt.EXPECT().Map(vpn, gomock.Any(), PTEFlags(MapR|MapW|MapU)),
		pt.EXPECT().Unmap(vpn),
	)
	if err := ms.HandlePageFault(addr, true); err != nil {
		t.Fatal(err)
	}
	if err := ms.Munmap(addr, PageSize); err != nil {
		t.Fatal(err)
	}
}
