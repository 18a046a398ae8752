// Package dispatch provides the single-threaded executor that sync managers
// run on.
//
// Every state mutation of a manager happens inside a closure posted to a
// Scheduler. Closures run one at a time in FIFO order, so manager state needs
// no locks. Blocking I/O is started with Go: the work function runs on its
// own goroutine and the completion is posted back to the loop. Timer
// callbacks are posted the same way.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// ErrAlreadyRunning is returned when Run is called twice on the same Loop.
var ErrAlreadyRunning = errors.New("dispatch loop already running")

// ErrWorkAborted is the result a Go work function leaves behind when it
// panics before assigning its own.
var ErrWorkAborted = errors.New("dispatch work aborted")

// Scheduler runs closures sequentially on one dispatch goroutine.
type Scheduler interface {
	// Post queues fn to run on the loop. Never blocks. Returns false if the
	// loop has shut down and fn will not run.
	Post(fn func()) bool

	// AfterFunc runs fn on the loop after d. The returned Timer must only be
	// stopped from the loop.
	AfterFunc(d time.Duration, fn func()) Timer

	// Go runs work off the loop, then posts then (if non-nil) to the loop.
	Go(work func(), then func())

	// Now returns the scheduler's current time.
	Now() time.Time
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. Returns false if it already
	// ran or was already stopped.
	Stop() bool
}

// Loop is the production Scheduler backed by a goroutine draining a Queue.
type Loop struct {
	queue   *Queue[func()]
	logger  *slog.Logger
	running atomic.Bool
	done    chan struct{}
}

// NewLoop creates a loop. Call Run to start dispatching.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		queue:  NewQueue[func()](64),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Run dispatches posted closures until ctx is cancelled or Close is called.
// Closures already queued at shutdown are still run.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(l.done)

	stop := context.AfterFunc(ctx, l.queue.Close)
	defer stop()

	l.logger.Debug("dispatch loop started")
	for {
		fn, ok := l.queue.Receive()
		if !ok {
			l.logger.Debug("dispatch loop stopped")
			return nil
		}
		l.invoke(fn)
	}
}

// Close stops accepting new closures. Run returns after draining the queue.
func (l *Loop) Close() {
	l.queue.Close()
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Stats returns queue statistics for the loop.
func (l *Loop) Stats() QueueStats {
	return l.queue.Stats()
}

// Post queues fn to run on the loop.
func (l *Loop) Post(fn func()) bool {
	if !l.queue.Send(fn) {
		l.logger.Debug("dispatch loop closed, dropping task")
		return false
	}
	return true
}

// AfterFunc schedules fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped {
				return
			}
			lt.stopped = true
			fn()
		})
	})
	return lt
}

// Go runs work on a new goroutine and posts then back to the loop. then is
// posted even if work panics; callers seed their result with
// ErrWorkAborted so a panic reads as a failure.
func (l *Loop) Go(work func(), then func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("dispatch work panicked",
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
			if then != nil {
				l.Post(then)
			}
		}()
		work()
	}()
}

// Now returns the wall clock time.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// invoke runs fn, recovering panics so one bad callback cannot kill the loop.
func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("dispatch task panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}

// loopTimer wraps time.Timer. stopped is only touched on the loop, which
// also discards fires that were queued before Stop.
type loopTimer struct {
	t       *time.Timer
	stopped bool
}

func (t *loopTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	t.t.Stop()
	return true
}
