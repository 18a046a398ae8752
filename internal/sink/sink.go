// Package sink defines the callback surface that sync managers report to.
//
// Managers call a Sink from their dispatch loop. Implementations must not
// block; wrap a slow consumer with NewAsync.
package sink

import (
	"github.com/rickgao/voicenote-sync/internal/model"
)

// Sink receives connection and pin events. All methods are fire-and-forget.
type Sink interface {
	// OnConnectionStatusChange reports the current transport status.
	OnConnectionStatusChange(status model.Status)

	// OnError reports a user-facing error. An empty message clears it.
	OnError(message string)

	// OnSyncTimeUpdate marks a successful sync.
	OnSyncTimeUpdate()

	OnTaskPinned(taskID string)
	OnTaskUnpinned(taskID string)

	// OnPinUpdated signals that the pinned set changed in a way not captured
	// by pinned/unpinned events. Callers typically debounce a full refresh.
	OnPinUpdated()

	OnToast(message string, severity model.Severity)
}

// Nop discards every event.
type Nop struct{}

func (Nop) OnConnectionStatusChange(model.Status) {}
func (Nop) OnError(string) {}
func (Nop) OnSyncTimeUpdate() {}
func (Nop) OnTaskPinned(string) {}
func (Nop) OnTaskUnpinned(string) {}
func (Nop) OnPinUpdated() {}
func (Nop) OnToast(string, model.Severity) {}

// Funcs adapts optional functions to a Sink. Nil fields are skipped.
type Funcs struct {
	ConnectionStatusChange func(model.Status)
	Error                  func(string)
	SyncTimeUpdate         func()
	TaskPinned             func(string)
	TaskUnpinned           func(string)
	PinUpdated             func()
	Toast                  func(string, model.Severity)
}

func (f Funcs) OnConnectionStatusChange(status model.Status) {
	if f.ConnectionStatusChange != nil {
		f.ConnectionStatusChange(status)
	}
}

func (f Funcs) OnError(message string) {
	if f.Error != nil {
		f.Error(message)
	}
}

func (f Funcs) OnSyncTimeUpdate() {
	if f.SyncTimeUpdate != nil {
		f.SyncTimeUpdate()
	}
}

func (f Funcs) OnTaskPinned(taskID string) {
	if f.TaskPinned != nil {
		f.TaskPinned(taskID)
	}
}

func (f Funcs) OnTaskUnpinned(taskID string) {
	if f.TaskUnpinned != nil {
		f.TaskUnpinned(taskID)
	}
}

func (f Funcs) OnPinUpdated() {
	if f.PinUpdated != nil {
		f.PinUpdated()
	}
}

func (f Funcs) OnToast(message string, severity model.Severity) {
	if f.Toast != nil {
		f.Toast(message, severity)
	}
}

// Multi fans every event out to each sink in order.
type Multi []Sink

func (m Multi) OnConnectionStatusChange(status model.Status) {
	for _, s := range m {
		s.OnConnectionStatusChange(status)
	}
}

func (m Multi) OnError(message string) {
	for _, s := range m {
		s.OnError(message)
	}
}

func (m Multi) OnSyncTimeUpdate() {
	for _, s := range m {
		s.OnSyncTimeUpdate()
	}
}

func (m Multi) OnTaskPinned(taskID string) {
	for _, s := range m {
		s.OnTaskPinned(taskID)
	}
}

func (m Multi) OnTaskUnpinned(taskID string) {
	for _, s := range m {
		s.OnTaskUnpinned(taskID)
	}
}

func (m Multi) OnPinUpdated() {
	for _, s := range m {
		s.OnPinUpdated()
	}
}

func (m Multi) OnToast(message string, severity model.Severity) {
	for _, s := range m {
		s.OnToast(message, severity)
	}
}

var (
	_ Sink = Nop{}
	_ Sink = Funcs{}
	_ Sink = Multi(nil)
)
