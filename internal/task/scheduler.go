package task

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ============================================================================
// Harts and the ready queue
// ============================================================================

// SchedulerStats is a snapshot of scheduler activity.
type SchedulerStats struct {
	Harts           int
	ContextSwitches uint64
	ReadyQueue      int
	Blocked         int
}

// Scheduler multiplexes tasks over a fixed number of harts. A task runs
// user code only while it holds a hart.
type Scheduler struct {
	harts      *semaphore.Weighted
	numHarts   int
	mutex      sync.Mutex
	readyQueue []*Task
	blocked    int

	contextSwitches atomic.Uint64
	log             *slog.Logger
}

func NewScheduler(harts int, log *slog.Logger) *Scheduler {
	return &Scheduler{
		harts:    semaphore.NewWeighted(int64(harts)),
		numHarts: harts,
		log:      log,
	}
}

// acquire queues t for a hart and returns once it is Running.
func (s *Scheduler) acquire(t *Task) {
	s.mutex.Lock()
	s.readyQueue = append(s.readyQueue, t)
	s.mutex.Unlock()

	// Acquire only fails on context cancellation.
	_ = s.harts.Acquire(context.Background(), 1)

	s.mutex.Lock()
	s.readyQueue = slices.DeleteFunc(s.readyQueue, func(x *Task) bool { return x == t })
	s.mutex.Unlock()

	s.contextSwitches.Add(1)
	t.setStatus(Running)
	t.startSlice()
}

func (s *Scheduler) release(t *Task) {
	t.endSlice()
	s.harts.Release(1)
}

// Add takes a scheduler hold on t and starts it on its own goroutine.
func (s *Scheduler) Add(t *Task, run func()) {
	t.holders.Add(1)
	t.setStatus(Ready)
	go run()
}

// exit drops the hold Add took and gives the hart back.
func (s *Scheduler) exit(t *Task) {
	s.release(t)
	t.holders.Add(-1)
}

// Yield gives up the hart and queues for it again.
func (s *Scheduler) Yield(t *Task) {
	t.setStatus(Ready)
	t.countSwitch(false)
	s.release(t)
	s.acquire(t)
}

// Block parks t until it is woken. It returns immediately when a signal
// is already deliverable, and may return spuriously: callers re-check
// their condition.
func (s *Scheduler) Block(t *Task) {
	s.block(t, nil)
}

// block parks t. arm, when set, runs once t is committed to sleeping and
// returns the function that cancels whatever it armed.
func (s *Scheduler) block(t *Task, arm func() (disarm func())) {
	if !t.prepareBlock() {
		return
	}
	var disarm func()
	if arm != nil {
		disarm = arm()
	}
	t.countSwitch(true)
	s.release(t)

	s.mutex.Lock()
	s.blocked++
	s.mutex.Unlock()

	<-t.wakeup

	s.mutex.Lock()
	s.blocked--
	s.mutex.Unlock()

	if disarm != nil {
		disarm()
	}
	s.acquire(t)
}

// Wake moves an Interruptible task to Ready and unparks it.
func (s *Scheduler) Wake(t *Task) {
	t.mutex.Lock()
	if t.inner.status == Interruptible {
		t.inner.status = Ready
	}
	t.mutex.Unlock()
	select {
	case t.wakeup <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Stats() SchedulerStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return SchedulerStats{
		Harts:           s.numHarts,
		ContextSwitches: s.contextSwitches.Load(),
		ReadyQueue:      len(s.readyQueue),
		Blocked:         s.blocked,
	}
}

// ============================================================================
// Timer service
// ============================================================================

// TimerService is the kernel clock. Timed waits register their deadline
// here and are woken through the scheduler when it passes.
type TimerService struct {
	boot    time.Time
	sched   *Scheduler
	pending atomic.Int64
	fired   atomic.Uint64
}

func NewTimerService(sched *Scheduler) *TimerService {
	return &TimerService{boot: time.Now(), sched: sched}
}

// Now returns the wall clock time.
func (ts *TimerService) Now() time.Time { return time.Now() }

// Uptime returns the time since boot.
func (ts *TimerService) Uptime() time.Duration { return time.Since(ts.boot) }

// Ticks returns clock ticks since boot at 100Hz.
func (ts *TimerService) Ticks() uint64 { return uint64(ts.Uptime() / (10 * time.Millisecond)) }

// Deadline returns the instant d from now.
func (ts *TimerService) Deadline(d time.Duration) time.Time { return ts.Now().Add(d) }

// Until returns the time left before deadline, negative once it passed.
func (ts *TimerService) Until(deadline time.Time) time.Duration { return deadline.Sub(ts.Now()) }

// Expired reports whether deadline is set and has passed.
func (ts *TimerService) Expired(deadline time.Time) bool {
	return !deadline.IsZero() && !ts.Now().Before(deadline)
}

// WaitWithTimeout parks t until it is woken or deadline passes. A zero
// deadline never expires. Like Scheduler.Block it may return early, so
// callers re-check their condition and the deadline.
func (ts *TimerService) WaitWithTimeout(t *Task, deadline time.Time) {
	if deadline.IsZero() {
		ts.sched.Block(t)
		return
	}
	ts.sched.block(t, func() func() {
		ts.pending.Add(1)
		timer := time.AfterFunc(ts.Until(deadline), func() {
			ts.fired.Add(1)
			ts.sched.Wake(t)
		})
		return func() {
			timer.Stop()
			ts.pending.Add(-1)
		}
	})
}

// Pending returns the number of timed waits currently armed.
func (ts *TimerService) Pending() int { return int(ts.pending.Load()) }

// Fired returns how many deadlines expired and woke their task.
func (ts *TimerService) Fired() uint64 { return ts.fired.Load() }
