package mm

import "slices"

// ResidencyCounts is the bookkeeping a Residency keeps for one LinearMap.
type ResidencyCounts struct {
	Active     int
	Compressed int
	Swapped    int
}

// Residency tracks which slots of a LinearMap are eviction candidates. The
// no-op policy is used when memory pressure handling is disabled.
type Residency interface {
	// Touch records that slot idx became resident.
	Touch(idx int)
	// Forget drops slot idx from the candidate queue.
	Forget(idx int)
	// Parked adjusts the compressed or swapped counter by delta.
	Parked(state FrameState, delta int)
	// Reset rebases every queued index by shift and recounts from frames,
	// which are the slots of the map after a resize.
	Reset(shift int, frames []Frame)
	// Split keeps the slots below cut and returns the policy for the rest.
	Split(cut int, first []Frame) Residency
	// Oldest returns the least recently installed resident slot.
	Oldest() (int, bool)
	Counts() ResidencyCounts
}

// NewResidency returns the policy for the given memory pressure setting.
func NewResidency(lru bool) Residency {
	if lru {
		return &LRUResidency{}
	}
	return noResidency{}
}

type noResidency struct{}

func (noResidency) Touch(int)                    {}
func (noResidency) Forget(int)                   {}
func (noResidency) Parked(FrameState, int)       {}
func (noResidency) Reset(int, []Frame)           {}
func (noResidency) Split(int, []Frame) Residency { return noResidency{} }
func (noResidency) Oldest() (int, bool)          { return 0, false }
func (noResidency) Counts() ResidencyCounts      { return ResidencyCounts{} }

// LRUResidency keeps resident slots in install order together with the
// number of compressed and swapped slots.
type LRUResidency struct {
	active     []int
	compressed int
	swapped    int
}

func (r *LRUResidency) Touch(idx int) { r.active = append(r.active, idx) }

func (r *LRUResidency) Forget(idx int) {
	r.active = slices.DeleteFunc(r.active, func(i int) bool { return i == idx })
}

func (r *LRUResidency) Parked(state FrameState, delta int) {
	switch state {
	case Compressed:
		r.compressed += delta
	case SwappedOut:
		r.swapped += delta
	}
}

func (r *LRUResidency) Reset(shift int, frames []Frame) {
	kept := r.active[:0]
	for _, idx := range r.active {
		idx += shift
		if idx >= 0 && idx < len(frames) && frames[idx].state == InMemory {
			kept = append(kept, idx)
		}
	}
	r.active = kept
	r.compressed, r.swapped = countParked(frames)
}

func (r *LRUResidency) Split(cut int, first []Frame) Residency {
	second := &LRUResidency{}
	kept := make([]int, 0, len(r.active))
	for _, idx := range r.active {
		if idx < cut {
			kept = append(kept, idx)
		} else {
			second.active = append(second.active, idx-cut)
		}
	}
	r.active = kept

	var compressed, swapped int
	if r.compressed != 0 || r.swapped != 0 {
		compressed, swapped = countParked(first)
	}
	second.compressed = r.compressed - compressed
	second.swapped = r.swapped - swapped
	r.compressed, r.swapped = compressed, swapped
	return second
}

func (r *LRUResidency) Oldest() (int, bool) {
	if len(r.active) == 0 {
		return 0, false
	}
	return r.active[0], true
}

func (r *LRUResidency) Counts() ResidencyCounts {
	return ResidencyCounts{Active: len(r.active), Compressed: r.compressed, Swapped: r.swapped}
}

func countParked(frames []Frame) (compressed, swapped int) {
	for i := range frames {
		switch frames[i].state {
		case Compressed:
			compressed++
		case SwappedOut:
			swapped++
		}
	}
	return compressed, swapped
}
