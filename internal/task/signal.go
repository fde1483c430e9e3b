package task

import (
	"fmt"
	"math/bits"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// ============================================================================
// Signal sets and actions
// ============================================================================

// Signal is a signal number, 1 through 64.
type Signal = unix.Signal

// Signals is a set of signals: signal n is bit n-1.
type Signals uint64

// MaxSignal is the highest supported signal number.
const MaxSignal = 64

// unmaskable signals can never be blocked, caught or ignored.
const unmaskable = Signals(1<<(unix.SIGKILL-1) | 1<<(unix.SIGSTOP-1))

// FromSignum converts a signal number into a one-element set. Zero is the
// empty set; anything above 64 is EINVAL.
func FromSignum(signum uint64) (Signals, error) {
	switch {
	case signum == 0:
		return 0, nil
	case signum > MaxSignal:
		return 0, fmt.Errorf("signal %d: %w", signum, unix.EINVAL)
	default:
		return 1 << (signum - 1), nil
	}
}

// SetOf returns the set holding exactly sig.
func SetOf(sig Signal) Signals { return 1 << (uint(sig) - 1) }

func (s Signals) Has(sig Signal) bool { return s&SetOf(sig) != 0 }
func (s Signals) Empty() bool         { return s == 0 }

// Lowest returns the lowest numbered signal of the set.
func (s Signals) Lowest() (Signal, bool) {
	if s == 0 {
		return 0, false
	}
	return Signal(bits.TrailingZeros64(uint64(s)) + 1), true
}

func (s Signals) String() string {
	var names []string
	for rest := s; rest != 0; {
		sig, _ := rest.Lowest()
		rest &^= SetOf(sig)
		if name := unix.SignalName(sig); name != "" {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("SIG%d", int(sig)))
		}
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Handler addresses with a fixed meaning.
const (
	SIG_DFL uint64 = 0
	SIG_IGN uint64 = 1
)

// Sigaction flags the kernel acts on.
const (
	SA_NODEFER   = 0x40000000
	SA_RESETHAND = 0x80000000
	SA_RESTORER  = 0x04000000
	SA_SIGINFO   = 0x00000004
)

// SigAction is the user visible signal disposition.
type SigAction struct {
	Handler  uint64
	Flags    uint64
	Restorer uint64
	Mask     Signals
}

// defaultIgnored reports whether SIG_DFL for sig means ignore.
func defaultIgnored(sig Signal) bool {
	switch sig {
	case unix.SIGCHLD, unix.SIGURG, unix.SIGWINCH, unix.SIGCONT:
		return true
	}
	return false
}

// defaultStops reports whether SIG_DFL for sig means stop.
func defaultStops(sig Signal) bool {
	switch sig {
	case unix.SIGSTOP, unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU:
		return true
	}
	return false
}

func (a SigAction) ignores(sig Signal) bool {
	if SetOf(sig)&unmaskable != 0 {
		return false
	}
	return a.Handler == SIG_IGN || (a.Handler == SIG_DFL && defaultIgnored(sig))
}

// SigHand is the signal handler table, shared between threads created
// with CLONE_SIGHAND.
type SigHand struct {
	mutex   sync.RWMutex
	actions [MaxSignal]SigAction
}

func newSigHand() *SigHand { return &SigHand{} }

func (h *SigHand) get(sig Signal) SigAction {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.actions[sig-1]
}

func (h *SigHand) set(sig Signal, a SigAction) SigAction {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	old := h.actions[sig-1]
	h.actions[sig-1] = a
	return old
}

func (h *SigHand) clone() *SigHand {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return &SigHand{actions: h.actions}
}

// forExec keeps ignored dispositions and resets caught ones to default.
func (h *SigHand) forExec() *SigHand {
	n := h.clone()
	for i := range n.actions {
		if n.actions[i].Handler != SIG_IGN {
			n.actions[i] = SigAction{}
		}
	}
	return n
}

// ============================================================================
// Handler text
// ============================================================================

// Handler is user code installed as a signal handler or restorer.
type Handler func(t *Task, sig Signal)

const textBase uint64 = 0x7f00_0000_0000

// TextTable maps the addresses user programs pass as handlers to the
// code behind them.
type TextTable struct {
	mutex    sync.RWMutex
	next     uint64
	handlers map[uint64]Handler
}

func NewTextTable() *TextTable {
	return &TextTable{next: textBase, handlers: make(map[uint64]Handler)}
}

// Register installs h and returns its address.
func (tt *TextTable) Register(h Handler) uint64 {
	tt.mutex.Lock()
	defer tt.mutex.Unlock()
	addr := tt.next
	tt.next += 16
	tt.handlers[addr] = h
	return addr
}

// Lookup returns the code at addr.
func (tt *TextTable) Lookup(addr uint64) (Handler, bool) {
	tt.mutex.RLock()
	defer tt.mutex.RUnlock()
	h, ok := tt.handlers[addr]
	return h, ok
}
