package sink

import (
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/rickgao/voicenote-sync/internal/dispatch"
	"github.com/rickgao/voicenote-sync/internal/model"
)

// Async delivers events to another Sink on its own goroutine. Event order is
// preserved; the queue grows instead of blocking the caller.
type Async struct {
	next   Sink
	queue  *dispatch.Queue[func(Sink)]
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsync starts delivering to next. Call Close to flush and stop.
func NewAsync(next Sink, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:   next,
		queue:  dispatch.NewQueue[func(Sink)](32),
		logger: logger,
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for {
		deliver, ok := a.queue.Receive()
		if !ok {
			return
		}
		a.invoke(deliver)
	}
}

func (a *Async) invoke(deliver func(Sink)) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("sink callback panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	deliver(a.next)
}

// Close stops accepting events and waits until queued events are delivered.
func (a *Async) Close() {
	a.closeOnce.Do(a.queue.Close)
	<-a.done
}

// Stats returns delivery queue statistics.
func (a *Async) Stats() dispatch.QueueStats {
	return a.queue.Stats()
}

func (a *Async) send(deliver func(Sink)) {
	if !a.queue.Send(deliver) {
		a.logger.Debug("async sink closed, dropping event")
	}
}

func (a *Async) OnConnectionStatusChange(status model.Status) {
	a.send(func(s Sink) { s.OnConnectionStatusChange(status) })
}

func (a *Async) OnError(message string) {
	a.send(func(s Sink) { s.OnError(message) })
}

func (a *Async) OnSyncTimeUpdate() {
	a.send(func(s Sink) { s.OnSyncTimeUpdate() })
}

func (a *Async) OnTaskPinned(taskID string) {
	a.send(func(s Sink) { s.OnTaskPinned(taskID) })
}

func (a *Async) OnTaskUnpinned(taskID string) {
	a.send(func(s Sink) { s.OnTaskUnpinned(taskID) })
}

func (a *Async) OnPinUpdated() {
	a.send(func(s Sink) { s.OnPinUpdated() })
}

func (a *Async) OnToast(message string, severity model.Severity) {
	a.send(func(s Sink) { s.OnToast(message, severity) })
}

var _ Sink = (*Async)(nil)
