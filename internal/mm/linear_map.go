package mm

import (
	"fmt"

	kerrors "github.com/hpu-os/hpukernel/internal/errors"
)

// LinearMap is the dense frame table of one memory region: one Frame per
// page of its range, so len(frames) == range length after every operation.
type LinearMap struct {
	vpnRange  VPNRange
	frames    []Frame
	residency Residency
}

// NewLinearMap returns a map over r with every slot Unallocated.
func NewLinearMap(r VPNRange, residency Residency) *LinearMap {
	if residency == nil {
		residency = noResidency{}
	}
	return &LinearMap{
		vpnRange:  r,
		frames:    make([]Frame, r.Len()),
		residency: residency,
	}
}

func (m *LinearMap) Range() VPNRange { return m.vpnRange }

func (m *LinearMap) Len() int { return len(m.frames) }

// index translates vpn into a slot index. Callers validate membership
// first; a vpn outside the range is a contract violation.
func (m *LinearMap) index(vpn VirtPageNum) int {
	if !m.vpnRange.Contains(vpn) {
		panic(kerrors.PageOutOfRange(uint64(vpn), uint64(m.vpnRange.start), uint64(m.vpnRange.end)))
	}
	return int(vpn - m.vpnRange.start)
}

// GetMut returns the slot of vpn.
func (m *LinearMap) GetMut(vpn VirtPageNum) *Frame {
	return &m.frames[m.index(vpn)]
}

// GetInMemory returns the resident frame of vpn, or nil.
func (m *LinearMap) GetInMemory(vpn VirtPageNum) *FrameTracker {
	return m.frames[m.index(vpn)].Tracker()
}

// AllocInMemory installs t at vpn. The slot must be Unallocated.
func (m *LinearMap) AllocInMemory(vpn VirtPageNum, t *FrameTracker) {
	idx := m.index(vpn)
	if err := m.frames[idx].InsertInMemory(t); err != nil {
		panic(kerrors.SlotOccupied(uint64(vpn), m.frames[idx].state.String()))
	}
	m.residency.Touch(idx)
}

// RemoveInMemory returns vpn's slot to Unallocated and hands back the
// previous owner, if the page was resident.
func (m *LinearMap) RemoveInMemory(vpn VirtPageNum) *FrameTracker {
	idx := m.index(vpn)
	m.residency.Forget(idx)
	return m.frames[idx].TakeInMemory()
}

// Compress parks the resident page at vpn under h and returns the frame
// that used to back it.
func (m *LinearMap) Compress(vpn VirtPageNum, h StoreHandle) *FrameTracker {
	return m.park(vpn, Compressed, h)
}

// SwapOut parks the resident page at vpn under h and returns the frame
// that used to back it.
func (m *LinearMap) SwapOut(vpn VirtPageNum, h StoreHandle) *FrameTracker {
	return m.park(vpn, SwappedOut, h)
}

func (m *LinearMap) park(vpn VirtPageNum, state FrameState, h StoreHandle) *FrameTracker {
	idx := m.index(vpn)
	t, ok := m.frames[idx].park(state, h)
	if !ok {
		panic(kerrors.InvalidTransition(uint64(vpn), m.frames[idx].state.String(), state.String()))
	}
	m.residency.Forget(idx)
	m.residency.Parked(state, 1)
	return t
}

// TakeCompressed clears a Compressed slot and returns its handle.
func (m *LinearMap) TakeCompressed(vpn VirtPageNum) (StoreHandle, bool) {
	return m.take(vpn, Compressed)
}

// TakeSwapped clears a SwappedOut slot and returns its handle.
func (m *LinearMap) TakeSwapped(vpn VirtPageNum) (StoreHandle, bool) {
	return m.take(vpn, SwappedOut)
}

func (m *LinearMap) take(vpn VirtPageNum, state FrameState) (StoreHandle, bool) {
	idx := m.index(vpn)
	h, ok := m.frames[idx].take(state)
	if ok {
		m.residency.Parked(state, -1)
	}
	return h, ok
}

// EvictionCandidate returns the oldest resident page.
func (m *LinearMap) EvictionCandidate() (VirtPageNum, bool) {
	idx, ok := m.residency.Oldest()
	if !ok {
		return 0, false
	}
	return m.vpnRange.start + VirtPageNum(idx), true
}

func (m *LinearMap) Counts() ResidencyCounts { return m.residency.Counts() }

// ForEach calls fn for every slot in page order.
func (m *LinearMap) ForEach(fn func(vpn VirtPageNum, f *Frame)) {
	for i := range m.frames {
		fn(m.vpnRange.start+VirtPageNum(i), &m.frames[i])
	}
}

// Clone returns a map over the same range with residency as its policy.
// Every slot that is not Unallocated here gets the frame fill returns for
// it, so the clone holds all its pages in memory. If fill fails, the
// frames already installed in the clone are released.
func (m *LinearMap) Clone(residency Residency, fill func(vpn VirtPageNum) (*FrameTracker, error)) (*LinearMap, error) {
	c := NewLinearMap(m.vpnRange, residency)
	for i := range m.frames {
		if m.frames[i].state == Unallocated {
			continue
		}
		vpn := m.vpnRange.start + VirtPageNum(i)
		t, err := fill(vpn)
		if err != nil {
			c.ForEach(func(vpn VirtPageNum, _ *Frame) {
				if t := c.RemoveInMemory(vpn); t != nil {
					t.Release()
				}
			})
			return nil, err
		}
		c.AllocInMemory(vpn, t)
	}
	return c, nil
}

// SetStart moves the first page of the range. Growing adds Unallocated
// slots in front; shrinking drops slots whose frames the caller already
// released.
func (m *LinearMap) SetStart(newStart VirtPageNum) error {
	start, end := m.vpnRange.start, m.vpnRange.end
	if newStart > end {
		return fmt.Errorf("new start %#x beyond end %#x", uint64(newStart), uint64(end))
	}
	var shift int
	if newStart < start {
		shift = int(start - newStart)
		grown := make([]Frame, shift, shift+len(m.frames))
		m.frames = append(grown, m.frames...)
	} else {
		shift = -int(newStart - start)
		m.frames = append([]Frame(nil), m.frames[-shift:]...)
	}
	m.vpnRange = NewVPNRange(newStart, end)
	m.residency.Reset(shift, m.frames)
	return nil
}

// SetEnd moves the end of the range. Growing appends Unallocated slots;
// shrinking truncates slots whose frames the caller already released.
func (m *LinearMap) SetEnd(newEnd VirtPageNum) error {
	start := m.vpnRange.start
	if newEnd < start {
		return fmt.Errorf("new end %#x below start %#x", uint64(newEnd), uint64(start))
	}
	n := int(newEnd - start)
	if n > len(m.frames) {
		m.frames = append(m.frames, make([]Frame, n-len(m.frames))...)
	} else {
		clear(m.frames[n:])
		m.frames = m.frames[:n:n]
	}
	m.vpnRange = NewVPNRange(start, newEnd)
	m.residency.Reset(0, m.frames)
	return nil
}

// IntoTwo splits the map at cut, keeping [start, cut) and returning
// [cut, end). cut must lie strictly inside the range.
func (m *LinearMap) IntoTwo(cut VirtPageNum) (*LinearMap, error) {
	start, end := m.vpnRange.start, m.vpnRange.end
	if cut <= start || cut >= end {
		return nil, fmt.Errorf("cut %#x outside of %s", uint64(cut), m.vpnRange)
	}
	idx := int(cut - start)
	second := &LinearMap{
		vpnRange: NewVPNRange(cut, end),
		frames:   append([]Frame(nil), m.frames[idx:]...),
	}
	m.frames = m.frames[:idx:idx]
	m.vpnRange = NewVPNRange(start, cut)
	second.residency = m.residency.Split(idx, m.frames)
	return second, nil
}

// IntoThree splits the map at both cuts, returning the middle and the last
// part. Both cuts are validated before anything changes.
func (m *LinearMap) IntoThree(firstCut, secondCut VirtPageNum) (*LinearMap, *LinearMap, error) {
	start, end := m.vpnRange.start, m.vpnRange.end
	if firstCut <= start || secondCut >= end || firstCut >= secondCut {
		return nil, nil, fmt.Errorf("cuts %#x, %#x outside of %s", uint64(firstCut), uint64(secondCut), m.vpnRange)
	}
	second, err := m.IntoTwo(firstCut)
	if err != nil {
		return nil, nil, err
	}
	third, err := second.IntoTwo(secondCut)
	if err != nil {
		return nil, nil, err
	}
	return second, third, nil
}

func (m *LinearMap) String() string {
	c := m.residency.Counts()
	return fmt.Sprintf("LinearMap{range: %s, active: %d, compressed: %d, swapped: %d}",
		m.vpnRange, c.Active, c.Compressed, c.Swapped)
}
