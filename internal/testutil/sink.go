package testutil

import (
	"sync"

	"github.com/rickgao/voicenote-sync/internal/model"
)

// EventKind names a sink callback.
type EventKind string

const (
	EventStatus   EventKind = "status"
	EventError    EventKind = "error"
	EventSyncTime EventKind = "sync_time"
	EventPinned   EventKind = "pinned"
	EventUnpinned EventKind = "unpinned"
	EventUpdated  EventKind = "pin_updated"
	EventToast    EventKind = "toast"
)

// SinkEvent is one recorded sink callback.
type SinkEvent struct {
	Kind     EventKind
	Value    string // status, error message, task ID or toast message
	Severity model.Severity
}

// RecordingSink records every callback it receives. Safe for concurrent use.
type RecordingSink struct {
	mu     sync.Mutex
	events []SinkEvent
}

// NewRecordingSink creates an empty recording sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

func (r *RecordingSink) record(e SinkEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *RecordingSink) OnConnectionStatusChange(status model.Status) {
	r.record(SinkEvent{Kind: EventStatus, Value: string(status)})
}

func (r *RecordingSink) OnError(message string) {
	r.record(SinkEvent{Kind: EventError, Value: message})
}

func (r *RecordingSink) OnSyncTimeUpdate() {
	r.record(SinkEvent{Kind: EventSyncTime})
}

func (r *RecordingSink) OnTaskPinned(taskID string) {
	r.record(SinkEvent{Kind: EventPinned, Value: taskID})
}

func (r *RecordingSink) OnTaskUnpinned(taskID string) {
	r.record(SinkEvent{Kind: EventUnpinned, Value: taskID})
}

func (r *RecordingSink) OnPinUpdated() {
	r.record(SinkEvent{Kind: EventUpdated})
}

func (r *RecordingSink) OnToast(message string, severity model.Severity) {
	r.record(SinkEvent{Kind: EventToast, Value: message, Severity: severity})
}

// Events returns a copy of everything recorded so far.
func (r *RecordingSink) Events() []SinkEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SinkEvent(nil), r.events...)
}

// OfKind returns the recorded events of one kind, in order.
func (r *RecordingSink) OfKind(kind EventKind) []SinkEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SinkEvent
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events of kind were recorded.
func (r *RecordingSink) Count(kind EventKind) int {
	return len(r.OfKind(kind))
}

// Values returns the Value field of every event of kind.
func (r *RecordingSink) Values(kind EventKind) []string {
	events := r.OfKind(kind)
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Value
	}
	return out
}

// Len returns the total number of recorded events.
func (r *RecordingSink) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Reset discards recorded events.
func (r *RecordingSink) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
