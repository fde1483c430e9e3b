package mm

import (
	"errors"
	"fmt"
)

// FrameState tags the backing of one virtual page slot.
type FrameState uint8

const (
	Unallocated FrameState = iota
	InMemory
	Compressed
	SwappedOut
)

func (s FrameState) String() string {
	switch s {
	case Unallocated:
		return "Unallocated"
	case InMemory:
		return "InMemory"
	case Compressed:
		return "Compressed"
	case SwappedOut:
		return "SwappedOut"
	default:
		return fmt.Sprintf("FrameState(%d)", uint8(s))
	}
}

// StoreHandle identifies a page parked in a swap or compression store.
type StoreHandle uint64

var errSlotOccupied = errors.New("frame slot occupied")

// Frame is the state cell of one virtual page. Exactly one variant is live:
// tracker is set only for InMemory, handle only for Compressed and SwappedOut.
type Frame struct {
	state   FrameState
	tracker *FrameTracker
	handle  StoreHandle
}

func (f *Frame) State() FrameState { return f.state }

// Tracker returns the resident frame, or nil when the page is not in memory.
func (f *Frame) Tracker() *FrameTracker {
	if f.state != InMemory {
		return nil
	}
	return f.tracker
}

// Handle returns the store handle of a compressed or swapped page.
func (f *Frame) Handle() (StoreHandle, bool) {
	if f.state != Compressed && f.state != SwappedOut {
		return 0, false
	}
	return f.handle, true
}

// InsertInMemory moves an Unallocated slot to InMemory.
func (f *Frame) InsertInMemory(t *FrameTracker) error {
	if f.state != Unallocated {
		return fmt.Errorf("%w: %s", errSlotOccupied, f.state)
	}
	f.state, f.tracker = InMemory, t
	return nil
}

// TakeInMemory moves an InMemory slot back to Unallocated and returns the
// previous owner; other states are left untouched.
func (f *Frame) TakeInMemory() *FrameTracker {
	if f.state != InMemory {
		return nil
	}
	t := f.tracker
	*f = Frame{}
	return t
}

func (f *Frame) park(state FrameState, h StoreHandle) (*FrameTracker, bool) {
	if f.state != InMemory {
		return nil, false
	}
	t := f.tracker
	*f = Frame{state: state, handle: h}
	return t, true
}

func (f *Frame) take(state FrameState) (StoreHandle, bool) {
	if f.state != state {
		return 0, false
	}
	h := f.handle
	*f = Frame{}
	return h, true
}
