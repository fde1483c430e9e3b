package mm

import (
	"errors"
	"testing"
)

func newTestAllocator(t *testing.T, frames uint64) *FrameAllocator {
	t.Helper()
	return NewFrameAllocator(0x80000, frames)
}

func mustAlloc(t *testing.T, fa *FrameAllocator) *FrameTracker {
	t.Helper()
	f, err := fa.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func expectPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	fn()
}

func TestLinearMap_SplitScenario(t *testing.T) {
	fa := newTestAllocator(t, 8)
	m := NewLinearMap(NewVPNRange(100, 104), NewResidency(true))
	m.AllocInMemory(100, mustAlloc(t, fa))
	m.AllocInMemory(101, mustAlloc(t, fa))
	m.AllocInMemory(103, mustAlloc(t, fa))
	if got := m.Counts().Active; got != 3 {
		t.Fatalf("active = %d, want 3", got)
	}

	second, err := m.IntoTwo(102)
	if err != nil {
		t.Fatal(err)
	}
	if m.Range() != NewVPNRange(100, 102) || second.Range() != NewVPNRange(102, 104) {
		t.Fatalf("ranges %s %s", m.Range(), second.Range())
	}
	if m.Len() != 2 || second.Len() != 2 {
		t.Fatalf("lens %d %d", m.Len(), second.Len())
	}
	if m.Counts().Active != 2 || second.Counts().Active != 1 {
		t.Fatalf("active %d %d", m.Counts().Active, second.Counts().Active)
	}
	if second.GetInMemory(102) != nil || second.GetInMemory(103) == nil {
		t.Fatal("second half lost its frames")
	}
	if vpn, ok := second.EvictionCandidate(); !ok || vpn != 103 {
		t.Fatalf("candidate = %#x %v", uint64(vpn), ok)
	}
}

func TestLinearMap_SetStartSetEnd(t *testing.T) {
	fa := newTestAllocator(t, 8)

	t.Run("grow end", func(t *testing.T) {
		m := NewLinearMap(NewVPNRange(10, 12), NewResidency(true))
		m.AllocInMemory(11, mustAlloc(t, fa))
		if err := m.SetEnd(15); err != nil {
			t.Fatal(err)
		}
		if m.Len() != 5 || m.GetInMemory(11) == nil || m.GetMut(14).State() != Unallocated {
			t.Fatalf("unexpected map %s", m)
		}
		m.RemoveInMemory(11).Release()
	})

	t.Run("shrink end", func(t *testing.T) {
		m := NewLinearMap(NewVPNRange(10, 14), NewResidency(true))
		m.AllocInMemory(10, mustAlloc(t, fa))
		if err := m.SetEnd(11); err != nil {
			t.Fatal(err)
		}
		if m.Len() != 1 || m.Counts().Active != 1 {
			t.Fatalf("unexpected map %s", m)
		}
		m.RemoveInMemory(10).Release()
	})

	t.Run("grow start", func(t *testing.T) {
		m := NewLinearMap(NewVPNRange(10, 12), NewResidency(true))
		m.AllocInMemory(10, mustAlloc(t, fa))
		if err := m.SetStart(8); err != nil {
			t.Fatal(err)
		}
		if m.Len() != 4 || m.GetInMemory(10) == nil || m.GetMut(8).State() != Unallocated {
			t.Fatalf("unexpected map %s", m)
		}
		if vpn, ok := m.EvictionCandidate(); !ok || vpn != 10 {
			t.Fatalf("candidate = %#x", uint64(vpn))
		}
		m.RemoveInMemory(10).Release()
	})

	t.Run("shrink start", func(t *testing.T) {
		m := NewLinearMap(NewVPNRange(10, 14), NewResidency(true))
		m.AllocInMemory(13, mustAlloc(t, fa))
		if err := m.SetStart(12); err != nil {
			t.Fatal(err)
		}
		if vpn, ok := m.EvictionCandidate(); !ok || vpn != 13 {
			t.Fatalf("candidate = %#x", uint64(vpn))
		}
		m.RemoveInMemory(13).Release()
	})

	t.Run("invalid arguments leave map unchanged", func(t *testing.T) {
		m := NewLinearMap(NewVPNRange(10, 14), nil)
		if err := m.SetStart(15); err == nil {
			t.Fatal("expected error")
		}
		if err := m.SetEnd(9); err == nil {
			t.Fatal("expected error")
		}
		if m.Range() != NewVPNRange(10, 14) || m.Len() != 4 {
			t.Fatalf("map changed: %s", m)
		}
	})

	if fa.Unallocated() != 8 {
		t.Fatalf("leaked frames: %d free", fa.Unallocated())
	}
}

func TestLinearMap_IntoTwoInvalidCut(t *testing.T) {
	m := NewLinearMap(NewVPNRange(100, 104), nil)
	for _, cut := range []VirtPageNum{99, 100, 104, 105} {
		if _, err := m.IntoTwo(cut); err == nil {
			t.Fatalf("cut %#x: expected error", uint64(cut))
		}
	}
	if m.Range() != NewVPNRange(100, 104) || m.Len() != 4 {
		t.Fatalf("map changed: %s", m)
	}
}

func TestLinearMap_IntoThree(t *testing.T) {
	fa := newTestAllocator(t, 4)
	m := NewLinearMap(NewVPNRange(0, 6), NewResidency(true))
	m.AllocInMemory(1, mustAlloc(t, fa))
	m.AllocInMemory(3, mustAlloc(t, fa))
	m.AllocInMemory(5, mustAlloc(t, fa))

	if _, _, err := m.IntoThree(4, 2); err == nil {
		t.Fatal("expected error for reversed cuts")
	}
	if m.Len() != 6 {
		t.Fatal("failed split mutated map")
	}

	mid, hi, err := m.IntoThree(2, 4)
	if err != nil {
		t.Fatal(err)
	}
	for _, part := range []*LinearMap{m, mid, hi} {
		if part.Len() != 2 || part.Counts().Active != 1 {
			t.Fatalf("part %s", part)
		}
	}
}

func TestLinearMap_StateTransitions(t *testing.T) {
	fa := newTestAllocator(t, 2)
	m := NewLinearMap(NewVPNRange(0, 4), NewResidency(true))
	f := mustAlloc(t, fa)
	m.AllocInMemory(2, f)

	t.Run("occupied slot panics", func(t *testing.T) {
		expectPanic(t, func() { m.AllocInMemory(2, f) })
	})
	t.Run("out of range panics", func(t *testing.T) {
		expectPanic(t, func() { m.GetMut(4) })
	})
	t.Run("compress and take", func(t *testing.T) {
		old := m.Compress(2, 7)
		if old != f {
			t.Fatal("compress returned a different frame")
		}
		old.Release()
		c := m.Counts()
		if c.Active != 0 || c.Compressed != 1 {
			t.Fatalf("counts %+v", c)
		}
		if _, ok := m.TakeSwapped(2); ok {
			t.Fatal("took a compressed page as swapped")
		}
		h, ok := m.TakeCompressed(2)
		if !ok || h != 7 {
			t.Fatalf("handle %d %v", h, ok)
		}
		if m.Counts() != (ResidencyCounts{}) {
			t.Fatalf("counts %+v", m.Counts())
		}
	})
	t.Run("swap out unallocated panics", func(t *testing.T) {
		expectPanic(t, func() { m.SwapOut(1, 3) })
	})
}

func TestLinearMap_CountsMatchFrames(t *testing.T) {
	fa := newTestAllocator(t, 16)
	m := NewLinearMap(NewVPNRange(0, 12), NewResidency(true))
	for vpn := VirtPageNum(0); vpn < 12; vpn += 2 {
		m.AllocInMemory(vpn, mustAlloc(t, fa))
	}
	m.SwapOut(0, 1).Release()
	m.Compress(4, 2).Release()

	check := func(lm *LinearMap) {
		t.Helper()
		var want ResidencyCounts
		lm.ForEach(func(_ VirtPageNum, f *Frame) {
			switch f.State() {
			case InMemory:
				want.Active++
			case Compressed:
				want.Compressed++
			case SwappedOut:
				want.Swapped++
			}
		})
		if lm.Counts() != want {
			t.Fatalf("%s: counts %+v, frames say %+v", lm.Range(), lm.Counts(), want)
		}
	}

	hi, err := m.IntoTwo(3)
	if err != nil {
		t.Fatal(err)
	}
	check(m)
	check(hi)
	if err := hi.SetStart(5); err != nil {
		t.Fatal(err)
	}
	check(hi)
}

func TestResidency_Disabled(t *testing.T) {
	fa := newTestAllocator(t, 1)
	m := NewLinearMap(NewVPNRange(0, 2), NewResidency(false))
	m.AllocInMemory(0, mustAlloc(t, fa))
	if _, ok := m.EvictionCandidate(); ok {
		t.Fatal("no candidates without lru")
	}
	if m.Counts() != (ResidencyCounts{}) {
		t.Fatalf("counts %+v", m.Counts())
	}
}

func TestLinearMap_Clone(t *testing.T) {
	fa := newTestAllocator(t, 8)
	m := NewLinearMap(NewVPNRange(10, 14), NewResidency(true))
	m.AllocInMemory(10, mustAlloc(t, fa))
	m.AllocInMemory(12, mustAlloc(t, fa))
	m.Compress(12, 7).Release()

	t.Run("allocated slots", func(t *testing.T) {
		var filled []VirtPageNum
		c, err := m.Clone(NewResidency(true), func(vpn VirtPageNum) (*FrameTracker, error) {
			filled = append(filled, vpn)
			return fa.Alloc()
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(filled) != 2 || filled[0] != 10 || filled[1] != 12 {
			t.Fatalf("filled %v", filled)
		}
		if c.Range() != m.Range() || c.Len() != m.Len() {
			t.Fatalf("clone range %s len %d", c.Range(), c.Len())
		}
		if got := c.Counts(); got.Active != 2 || got.Compressed != 0 {
			t.Fatalf("clone counts %+v", got)
		}
		if got := m.Counts(); got.Active != 1 || got.Compressed != 1 {
			t.Fatalf("source counts %+v", got)
		}
		if h, ok := m.GetMut(12).Handle(); !ok || h != 7 {
			t.Fatal("source slot changed")
		}
		c.ForEach(func(vpn VirtPageNum, _ *Frame) {
			if f := c.RemoveInMemory(vpn); f != nil {
				f.Release()
			}
		})
	})

	t.Run("fill failure releases frames", func(t *testing.T) {
		free := fa.Unallocated()
		calls := 0
		_, err := m.Clone(NewResidency(true), func(vpn VirtPageNum) (*FrameTracker, error) {
			if calls++; calls == 2 {
				return nil, errTestFill
			}
			return fa.Alloc()
		})
		if err != errTestFill {
			t.Fatalf("err = %v", err)
		}
		if fa.Unallocated() != free {
			t.Fatalf("free frames %d, want %d", fa.Unallocated(), free)
		}
	})
}

var errTestFill = errors.New("fill failed")
