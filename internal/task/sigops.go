package task

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Sigprocmask "how" values.
const (
	SIG_BLOCK   = 0
	SIG_UNBLOCK = 1
	SIG_SETMASK = 2
)

// ============================================================================
// Generation and delivery
// ============================================================================

// send makes sig pending on t. A signal whose disposition is to ignore it
// is dropped unless blocked or waited for.
func (t *Task) send(sig Signal) {
	t.mutex.Lock()
	if t.inner.status == Zombie {
		t.mutex.Unlock()
		return
	}
	hand := t.inner.sighand
	t.mutex.Unlock()
	act := hand.get(sig)

	t.mutex.Lock()
	set := SetOf(sig)
	if act.ignores(sig) && t.inner.sigmask&set == 0 && t.inner.waitSet&set == 0 {
		t.mutex.Unlock()
		return
	}
	t.inner.sigpending |= set
	wake := t.inner.status == Interruptible && t.deliverableLocked()
	t.mutex.Unlock()
	if wake {
		t.mgr.sched.Wake(t)
	}
}

func (t *Task) deliverableLocked() bool {
	p := t.inner.sigpending
	return p&^(t.inner.sigmask&^unmaskable) != 0 || p&t.inner.waitSet != 0
}

func (t *Task) hasDeliverableSignal() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.deliverableLocked()
}

// prepareBlock marks t Interruptible unless a signal is deliverable.
func (t *Task) prepareBlock() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.deliverableLocked() {
		return false
	}
	t.inner.status = Interruptible
	return true
}

// Pending returns the pending and the blocked signals.
func (t *Task) Pending() (pending, mask Signals) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.inner.sigpending, t.inner.sigmask
}

// DeliverSignals acts on every pending unblocked signal, lowest number
// first. It runs on the return path of every syscall.
func (t *Task) DeliverSignals() {
	for {
		t.mutex.Lock()
		sig, ok := (t.inner.sigpending &^ (t.inner.sigmask &^ unmaskable)).Lowest()
		if !ok {
			t.mutex.Unlock()
			return
		}
		t.inner.sigpending &^= SetOf(sig)
		hand := t.inner.sighand
		t.mutex.Unlock()

		act := hand.get(sig)
		switch {
		case SetOf(sig)&unmaskable != 0 || act.Handler == SIG_DFL:
			switch {
			case sig == unix.SIGKILL:
				t.terminate(sig)
			case defaultIgnored(sig):
			case defaultStops(sig):
				t.mgr.log.Warn("stop signals are not supported", "tid", t.tid, "signal", sig)
			default:
				t.mgr.log.Debug("terminated by signal", "tid", t.tid, "signal", sig)
				t.terminate(sig)
			}
		case act.Handler == SIG_IGN:
		default:
			t.runHandler(hand, sig, act)
		}
	}
}

func (t *Task) runHandler(hand *SigHand, sig Signal, act SigAction) {
	h, ok := t.mgr.text.Lookup(act.Handler)
	if !ok {
		t.mgr.log.Warn("signal handler outside text", "tid", t.tid, "signal", sig, "handler", act.Handler)
		t.terminate(unix.SIGSEGV)
	}

	t.mutex.Lock()
	t.inner.sigframes = append(t.inner.sigframes, sigFrame{mask: t.inner.sigmask, trap: t.inner.trap})
	depth := len(t.inner.sigframes)
	mask := t.inner.sigmask | act.Mask
	if act.Flags&SA_NODEFER == 0 {
		mask |= SetOf(sig)
	}
	t.inner.sigmask = mask &^ unmaskable
	t.inner.trap.Sepc = act.Handler
	t.inner.trap.Regs[RegA0] = uint64(sig)
	t.mutex.Unlock()

	if act.Flags&SA_RESETHAND != 0 {
		hand.set(sig, SigAction{})
	}
	h(t, sig)

	if act.Flags&SA_RESTORER != 0 {
		if restorer, ok := t.mgr.text.Lookup(act.Restorer); ok {
			restorer(t, sig)
		}
	}
	t.mutex.Lock()
	unwound := len(t.inner.sigframes) < depth
	t.mutex.Unlock()
	if !unwound {
		_, _ = t.Sigreturn()
	}
}

// Sigreturn restores the mask and the registers saved when the current
// handler was entered.
func (t *Task) Sigreturn() (int, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	n := len(t.inner.sigframes)
	if n == 0 {
		return 0, fmt.Errorf("sigreturn outside a handler: %w", unix.EINVAL)
	}
	f := t.inner.sigframes[n-1]
	t.inner.sigframes = t.inner.sigframes[:n-1]
	t.inner.sigmask = f.mask
	t.inner.trap = f.trap
	return int(t.inner.trap.Regs[RegA0]), nil
}

// ============================================================================
// Disposition and mask
// ============================================================================

func checkSignal(signum int) (Signal, error) {
	if signum < 1 || signum > MaxSignal {
		return 0, fmt.Errorf("signal %d: %w", signum, unix.EINVAL)
	}
	return Signal(signum), nil
}

// Sigaction installs act for signum when act is not nil and returns the
// previous disposition.
func (t *Task) Sigaction(signum int, act *SigAction) (SigAction, error) {
	sig, err := checkSignal(signum)
	if err != nil {
		return SigAction{}, err
	}
	t.mutex.Lock()
	hand := t.inner.sighand
	t.mutex.Unlock()
	if act == nil {
		return hand.get(sig), nil
	}
	if SetOf(sig)&unmaskable != 0 {
		return SigAction{}, fmt.Errorf("disposition of %v is fixed: %w", sig, unix.EINVAL)
	}
	a := *act
	a.Mask &^= unmaskable
	old := hand.set(sig, a)
	if a.ignores(sig) {
		t.mutex.Lock()
		t.inner.sigpending &^= SetOf(sig)
		t.mutex.Unlock()
	}
	return old, nil
}

// Sigprocmask changes the blocked set and returns the previous one. A nil
// set only queries.
func (t *Task) Sigprocmask(how int, set *Signals) (Signals, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	old := t.inner.sigmask
	if set == nil {
		return old, nil
	}
	switch how {
	case SIG_BLOCK:
		t.inner.sigmask |= *set
	case SIG_UNBLOCK:
		t.inner.sigmask &^= *set
	case SIG_SETMASK:
		t.inner.sigmask = *set
	default:
		return old, fmt.Errorf("sigprocmask how=%d: %w", how, unix.EINVAL)
	}
	t.inner.sigmask &^= unmaskable
	return old, nil
}

// ============================================================================
// Waiting for signals and time
// ============================================================================

// Sigtimedwait waits for a signal of set, consuming it. A nil timeout
// waits forever; a zero one polls. It fails with EAGAIN on timeout and
// EINTR when another signal becomes deliverable.
func (t *Task) Sigtimedwait(set Signals, timeout *time.Duration) (Signal, error) {
	set &^= unmaskable
	var deadline time.Time
	if timeout != nil {
		deadline = t.mgr.timer.Deadline(*timeout)
	}
	t.mutex.Lock()
	t.inner.waitSet = set
	t.mutex.Unlock()
	defer func() {
		t.mutex.Lock()
		t.inner.waitSet = 0
		t.mutex.Unlock()
	}()

	for {
		t.mutex.Lock()
		if sig, ok := (t.inner.sigpending & set).Lowest(); ok {
			t.inner.sigpending &^= SetOf(sig)
			t.mutex.Unlock()
			return sig, nil
		}
		other := t.inner.sigpending&^(t.inner.sigmask&^unmaskable) != 0
		t.mutex.Unlock()
		if other {
			return 0, unix.EINTR
		}
		if timeout != nil && t.mgr.timer.Expired(deadline) {
			return 0, fmt.Errorf("sigtimedwait: %w", unix.EAGAIN)
		}
		t.mgr.timer.WaitWithTimeout(t, deadline)
	}
}

// Nanosleep sleeps for d. When a signal interrupts it, it returns the
// time left and EINTR.
func (t *Task) Nanosleep(d time.Duration) (time.Duration, error) {
	timer := t.mgr.timer
	deadline := timer.Deadline(d)
	for {
		rem := timer.Until(deadline)
		if rem <= 0 {
			return 0, nil
		}
		if t.hasDeliverableSignal() {
			return rem, unix.EINTR
		}
		timer.WaitWithTimeout(t, deadline)
	}
}
