// Package testutil provides deterministic test doubles for code that runs on a
// dispatch.Scheduler.
package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/rickgao/voicenote-sync/internal/dispatch"
)

// Epoch is the fake clock's default start time.
var Epoch = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

// ManualScheduler is a dispatch.Scheduler driven explicitly by the test.
//
// Posted closures queue until Drain. Work started with Go is held until
// RunAsync, so tests can observe a manager while I/O is in flight. Settle
// runs both until nothing is left. Advance moves the fake clock, firing due
// timers in deadline order.
//
// Thread-safety: Post and Go may be called from any goroutine. Drain,
// RunAsync, Settle and Advance must be called from the test goroutine.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	queue  []func()
	async  []asyncOp
	timers []*manualTimer
	seq    int
	closed bool
}

type asyncOp struct {
	work func()
	then func()
}

// NewManualScheduler creates a scheduler whose clock starts at Epoch.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{now: Epoch}
}

var _ dispatch.Scheduler = (*ManualScheduler)(nil)

// Post queues fn until the next Drain.
func (s *ManualScheduler) Post(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, fn)
	return true
}

// AfterFunc registers a timer that fires when the clock passes now+d.
func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) dispatch.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTimer{s: s, when: s.now.Add(d), delay: d, seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Go holds work until RunAsync.
func (s *ManualScheduler) Go(work func(), then func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.async = append(s.async, asyncOp{work: work, then: then})
}

// Now returns the fake clock.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Close makes further Posts fail.
func (s *ManualScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Drain runs queued closures, including ones they post, until the queue is
// empty. Returns the number run.
func (s *ManualScheduler) Drain() int {
	n := 0
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return n
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		fn()
		n++
	}
}

// RunAsync runs all held work functions in order and posts their
// completions. Completions are not drained.
func (s *ManualScheduler) RunAsync() int {
	s.mu.Lock()
	ops := s.async
	s.async = nil
	s.mu.Unlock()

	for _, op := range ops {
		s.runAsync(op)
	}
	return len(ops)
}

// runAsync mirrors dispatch.Loop.Go: a panicking work still posts then.
func (s *ManualScheduler) runAsync(op asyncOp) {
	defer func() {
		_ = recover()
		if op.then != nil {
			s.Post(op.then)
		}
	}()
	op.work()
}

// Settle alternates Drain and RunAsync until both are empty.
func (s *ManualScheduler) Settle() {
	for {
		ran := s.Drain()
		ran += s.RunAsync()
		if ran == 0 {
			return
		}
	}
}

// Advance moves the clock forward by d. Every timer due within the window
// fires at its own deadline, followed by Settle.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.Settle()

	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		t := s.nextDueLocked(target)
		if t == nil {
			s.now = target
			s.mu.Unlock()
			break
		}
		s.now = t.when
		s.removeLocked(t)
		s.queue = append(s.queue, t.fire)
		s.mu.Unlock()

		s.Settle()
	}

	s.Settle()
}

// AdvanceToNextTimer moves the clock to the earliest pending timer and fires
// it. Returns the delay that timer was created with, or false if none.
func (s *ManualScheduler) AdvanceToNextTimer() (time.Duration, bool) {
	s.Settle()

	s.mu.Lock()
	if len(s.timers) == 0 {
		s.mu.Unlock()
		return 0, false
	}
	t := s.nextDueLocked(time.Time{})
	s.mu.Unlock()

	s.Advance(t.when.Sub(s.Now()))
	return t.delay, true
}

// PendingTimers returns the creation delays of unfired timers, earliest
// deadline first.
func (s *ManualScheduler) PendingTimers() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	timers := append([]*manualTimer(nil), s.timers...)
	sortTimers(timers)

	out := make([]time.Duration, len(timers))
	for i, t := range timers {
		out[i] = t.delay
	}
	return out
}

// PendingAsync returns the number of held work functions.
func (s *ManualScheduler) PendingAsync() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.async)
}

// nextDueLocked returns the earliest timer due at or before limit. A zero
// limit means any timer.
func (s *ManualScheduler) nextDueLocked(limit time.Time) *manualTimer {
	if len(s.timers) == 0 {
		return nil
	}
	timers := append([]*manualTimer(nil), s.timers...)
	sortTimers(timers)
	t := timers[0]
	if !limit.IsZero() && t.when.After(limit) {
		return nil
	}
	return t
}

func (s *ManualScheduler) removeLocked(t *manualTimer) bool {
	for i, other := range s.timers {
		if other == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return true
		}
	}
	return false
}

func sortTimers(timers []*manualTimer) {
	sort.Slice(timers, func(i, j int) bool {
		if !timers[i].when.Equal(timers[j].when) {
			return timers[i].when.Before(timers[j].when)
		}
		return timers[i].seq < timers[j].seq
	})
}

type manualTimer struct {
	s       *ManualScheduler
	when    time.Time
	delay   time.Duration
	seq     int
	fn      func()
	stopped bool
}

// fire runs on the scheduler's queue and skips timers stopped after their
// fire was queued.
func (t *manualTimer) fire() {
	if t.stopped {
		return
	}
	t.stopped = true
	t.fn()
}

func (t *manualTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	t.s.mu.Lock()
	t.s.removeLocked(t)
	t.s.mu.Unlock()
	return true
}
