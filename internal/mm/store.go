package mm

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// PageStore keeps evicted page contents until they are faulted back in.
type PageStore interface {
	Put(page []byte) (StoreHandle, error)
	// Get copies the page parked under h into dst and frees the slot. On
	// error the page stays parked.
	Get(h StoreHandle, dst []byte) error
	Drop(h StoreHandle)
}

// SwapBacking is the file a SwapStore writes pages to.
type SwapBacking interface {
	io.ReaderAt
	io.WriterAt
}

// SwapStore parks pages in fixed page-sized slots of a backing file.
type SwapStore struct {
	mutex    sync.Mutex
	backing  SwapBacking
	slots    uint64
	next     uint64
	freeList []uint64
	used     map[uint64]bool
}

// NewSwapStore creates a swap area of slots pages over backing.
func NewSwapStore(backing SwapBacking, slots uint64) *SwapStore {
	return &SwapStore{backing: backing, slots: slots, used: make(map[uint64]bool)}
}

func (s *SwapStore) Put(page []byte) (StoreHandle, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var slot uint64
	switch {
	case len(s.freeList) > 0:
		slot = s.freeList[len(s.freeList)-1]
		s.freeList = s.freeList[:len(s.freeList)-1]
	case s.next < s.slots:
		slot = s.next
		s.next++
	default:
		return 0, fmt.Errorf("swap area full: %w", unix.ENOMEM)
	}
	if _, err := s.backing.WriteAt(page[:PageSize], int64(slot*PageSize)); err != nil {
		s.freeList = append(s.freeList, slot)
		return 0, fmt.Errorf("swap out slot %d: %w", slot, err)
	}
	s.used[slot] = true
	return StoreHandle(slot), nil
}

func (s *SwapStore) Get(h StoreHandle, dst []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	slot := uint64(h)
	if !s.used[slot] {
		return fmt.Errorf("swap slot %d not in use", slot)
	}
	if _, err := s.backing.ReadAt(dst[:PageSize], int64(slot*PageSize)); err != nil && err != io.EOF {
		return fmt.Errorf("swap in slot %d: %w", slot, err)
	}
	delete(s.used, slot)
	s.freeList = append(s.freeList, slot)
	return nil
}

func (s *SwapStore) Drop(h StoreHandle) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.used[uint64(h)] {
		delete(s.used, uint64(h))
		s.freeList = append(s.freeList, uint64(h))
	}
}

// InUse returns the number of occupied swap slots.
func (s *SwapStore) InUse() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.used)
}

// CompressStore keeps deflated page images in kernel memory.
type CompressStore struct {
	mutex sync.Mutex
	next  StoreHandle
	pages map[StoreHandle][]byte
	bytes int
}

func NewCompressStore() *CompressStore {
	return &CompressStore{pages: make(map[StoreHandle][]byte)}
}

func (c *CompressStore) Put(page []byte) (StoreHandle, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(page[:PageSize]); err != nil {
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.next++
	c.pages[c.next] = buf.Bytes()
	c.bytes += buf.Len()
	return c.next, nil
}

func (c *CompressStore) Get(h StoreHandle, dst []byte) error {
	c.mutex.Lock()
	data, ok := c.pages[h]
	c.mutex.Unlock()
	if !ok {
		return fmt.Errorf("compressed page %d not found", h)
	}

	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	if _, err := io.ReadFull(r, dst[:PageSize]); err != nil {
		return fmt.Errorf("inflate page %d: %w", h, err)
	}
	c.Drop(h)
	return nil
}

func (c *CompressStore) Drop(h StoreHandle) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if data, ok := c.pages[h]; ok {
		delete(c.pages, h)
		c.bytes -= len(data)
	}
}

// Footprint returns the bytes held by compressed pages.
func (c *CompressStore) Footprint() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.bytes
}
