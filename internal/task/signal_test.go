package task

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestSignals_Set(t *testing.T) {
	s, err := FromSignum(uint64(unix.SIGUSR1))
	if err != nil || !s.Has(unix.SIGUSR1) || s.Has(unix.SIGUSR2) {
		t.Fatalf("FromSignum: %v %v", s, err)
	}
	if s, err := FromSignum(0); err != nil || !s.Empty() {
		t.Fatalf("signal 0: %v %v", s, err)
	}
	if _, err := FromSignum(65); !errors.Is(err, unix.EINVAL) {
		t.Fatalf("signal 65: %v", err)
	}
	set := SetOf(unix.SIGTERM) | SetOf(unix.SIGHUP)
	if sig, _ := set.Lowest(); sig != unix.SIGHUP {
		t.Fatalf("lowest %v", sig)
	}
	if got := set.String(); got != "{SIGHUP,SIGTERM}" {
		t.Fatalf("String() = %s", got)
	}
}

func newIdleTask(k *testKernel) *Task {
	task := k.newTask(1, &ThreadGroup{tgid: 1})
	task.inner.sighand = newSigHand()
	return task
}

func TestSigaction_Errors(t *testing.T) {
	k := newTestKernel(t, 1)
	task := newIdleTask(k)
	handler := &SigAction{Handler: 0x1000}

	tests := []struct {
		name   string
		signum int
		act    *SigAction
	}{
		{"zero", 0, handler},
		{"too large", 65, handler},
		{"catch SIGKILL", int(unix.SIGKILL), handler},
		{"ignore SIGSTOP", int(unix.SIGSTOP), &SigAction{Handler: SIG_IGN}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := task.Sigaction(tt.signum, tt.act); !errors.Is(err, unix.EINVAL) {
				t.Fatalf("err = %v", err)
			}
		})
	}

	t.Run("query SIGKILL", func(t *testing.T) {
		if _, err := task.Sigaction(int(unix.SIGKILL), nil); err != nil {
			t.Fatal(err)
		}
	})
}

func TestSigprocmask(t *testing.T) {
	k := newTestKernel(t, 1)
	task := newIdleTask(k)

	set := SetOf(unix.SIGUSR1) | SetOf(unix.SIGKILL)
	if _, err := task.Sigprocmask(SIG_BLOCK, &set); err != nil {
		t.Fatal(err)
	}
	_, mask := task.Pending()
	if !mask.Has(unix.SIGUSR1) || mask.Has(unix.SIGKILL) {
		t.Fatalf("mask %v", mask)
	}
	unblock := SetOf(unix.SIGUSR1)
	old, err := task.Sigprocmask(SIG_UNBLOCK, &unblock)
	if err != nil || !old.Has(unix.SIGUSR1) {
		t.Fatalf("old %v err %v", old, err)
	}
	if _, err := task.Sigprocmask(3, &unblock); !errors.Is(err, unix.EINVAL) {
		t.Fatalf("bad how: %v", err)
	}
}

func TestSend_IgnoredSignalsAreDropped(t *testing.T) {
	k := newTestKernel(t, 1)
	task := newIdleTask(k)

	task.send(unix.SIGCHLD)
	if p, _ := task.Pending(); !p.Empty() {
		t.Fatalf("default-ignored signal kept: %v", p)
	}

	blocked := SetOf(unix.SIGCHLD)
	_, _ = task.Sigprocmask(SIG_SETMASK, &blocked)
	task.send(unix.SIGCHLD)
	if p, _ := task.Pending(); !p.Has(unix.SIGCHLD) {
		t.Fatal("blocked signal dropped")
	}

	task.send(unix.SIGUSR2)
	if _, err := task.Sigaction(int(unix.SIGUSR2), &SigAction{Handler: SIG_IGN}); err != nil {
		t.Fatal(err)
	}
	if p, _ := task.Pending(); p.Has(unix.SIGUSR2) {
		t.Fatal("pending signal survived SIG_IGN")
	}
}

func TestKillInterruptsSleep(t *testing.T) {
	k := newTestKernel(t, 1)
	var (
		rem        time.Duration
		sleepErr   error
		handled    Signal
		maskInside Signals
		maskAfter  Signals
		killErrs   = map[string]error{}
	)
	k.boot(t, func(t *Task) int {
		handler := k.Text().Register(func(c *Task, sig Signal) {
			handled = sig
			_, maskInside = c.Pending()
		})
		if _, err := t.Sigaction(int(unix.SIGUSR1), &SigAction{Handler: handler, Mask: SetOf(unix.SIGUSR2)}); err != nil {
			return 1
		}
		t.Trap().Resume = func(c *Task) int {
			rem, sleepErr = c.Nanosleep(5 * time.Second)
			c.DeliverSignals()
			_, maskAfter = c.Pending()
			return 0
		}
		pid, err := t.Fork()
		if err != nil {
			return 1
		}
		_, _ = t.Nanosleep(20 * time.Millisecond)
		killErrs["deliver"] = k.Kill(pid, uint64(unix.SIGUSR1))
		killErrs["probe"] = k.Kill(pid, 0)
		killErrs["pid 0"] = k.Kill(0, uint64(unix.SIGUSR1))
		killErrs["bad signal"] = k.Kill(pid, 99)
		killErrs["no such pid"] = k.Kill(60, uint64(unix.SIGUSR1))
		_, _ = t.Wait4(pid, 0)
		return 0
	})

	want := map[string]error{
		"deliver":     nil,
		"probe":       nil,
		"pid 0":       unix.EINVAL,
		"bad signal":  unix.EINVAL,
		"no such pid": unix.ESRCH,
	}
	for name, w := range want {
		if got := killErrs[name]; (w == nil) != (got == nil) || (w != nil && !errors.Is(got, w)) {
			t.Errorf("kill %s: %v, want %v", name, got, w)
		}
	}
	if !errors.Is(sleepErr, unix.EINTR) || rem <= 0 || rem > 5*time.Second {
		t.Fatalf("nanosleep: rem %v err %v", rem, sleepErr)
	}
	if handled != unix.SIGUSR1 {
		t.Fatalf("handled %v", handled)
	}
	if !maskInside.Has(unix.SIGUSR1) || !maskInside.Has(unix.SIGUSR2) {
		t.Fatalf("mask inside handler %v", maskInside)
	}
	if !maskAfter.Empty() {
		t.Fatalf("mask after sigreturn %v", maskAfter)
	}
}

func TestDefaultActionTerminates(t *testing.T) {
	k := newTestKernel(t, 1)
	var res WaitResult
	k.boot(t, func(t *Task) int {
		t.Trap().Resume = func(c *Task) int {
			_, _ = c.Nanosleep(5 * time.Second)
			c.DeliverSignals()
			return 0
		}
		pid, err := t.Fork()
		if err != nil {
			return 1
		}
		_, _ = t.Nanosleep(10 * time.Millisecond)
		_ = k.Tkill(pid, uint64(unix.SIGTERM))
		res, _ = t.Wait4(pid, 0)
		return 0
	})
	if res.Status != int(unix.SIGTERM) {
		t.Fatalf("status %#x", res.Status)
	}
}

func TestSigtimedwait(t *testing.T) {
	k := newTestKernel(t, 1)
	var (
		pollErr    error
		timeoutErr error
		got        Signal
		gotErr     error
		intrErr    error
	)
	k.boot(t, func(t *Task) int {
		usr1 := SetOf(unix.SIGUSR1)
		_, _ = t.Sigprocmask(SIG_BLOCK, &usr1)

		zero, short := time.Duration(0), 10*time.Millisecond
		_, pollErr = t.Sigtimedwait(usr1, &zero)
		_, timeoutErr = t.Sigtimedwait(usr1, &short)

		t.send(unix.SIGUSR1)
		got, gotErr = t.Sigtimedwait(usr1, nil)

		t.send(unix.SIGUSR2)
		_, _ = t.Sigaction(int(unix.SIGUSR2), &SigAction{Handler: k.Text().Register(func(*Task, Signal) {})})
		t.send(unix.SIGUSR2)
		_, intrErr = t.Sigtimedwait(usr1, nil)
		t.DeliverSignals()
		return 0
	})
	if !errors.Is(pollErr, unix.EAGAIN) || !errors.Is(timeoutErr, unix.EAGAIN) {
		t.Fatalf("poll %v timeout %v", pollErr, timeoutErr)
	}
	if gotErr != nil || got != unix.SIGUSR1 {
		t.Fatalf("got %v %v", got, gotErr)
	}
	if !errors.Is(intrErr, unix.EINTR) {
		t.Fatalf("interrupted wait: %v", intrErr)
	}
}

func TestSigreturnWithoutFrame(t *testing.T) {
	k := newTestKernel(t, 1)
	task := newIdleTask(k)
	if _, err := task.Sigreturn(); !errors.Is(err, unix.EINVAL) {
		t.Fatalf("err = %v", err)
	}
}
