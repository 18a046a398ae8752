package model

import (
	"time"
)

// -----------------------------------------------------------------------------
// Connection Types
// -----------------------------------------------------------------------------

// Mode is the transport currently carrying pin updates.
type Mode string

const (
	ModeWebsocket    Mode = "websocket"
	ModePolling      Mode = "polling"
	ModeDisconnected Mode = "disconnected"
	ModeInitializing Mode = "initializing"
)

// Status is the connection status reported to the sink.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Quality is derived from the rolling average latency.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityCritical  Quality = "critical"
)

// Severity classifies toast notifications.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// -----------------------------------------------------------------------------
// Pin Types
// -----------------------------------------------------------------------------

// PinRecord is one pinned task as returned by a pull query.
type PinRecord struct {
	TaskID    string    // Primary key (task UUID)
	PinnedAt  time.Time // When the task was pinned
	PinOrder  *int      // Explicit order, nil sorts last
	UpdatedAt time.Time // Last row update
}

// TaskRow is the row image carried by a change-feed event.
type TaskRow struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	IsPinned  bool       `json:"is_pinned"`
	PinOrder  *int       `json:"pin_order"`
	PinnedAt  *time.Time `json:"pinned_at"`
	UpdatedAt *time.Time `json:"updated_at"`

	// KeyOnly is set when the image carried no is_pinned column, as old
	// records do without full replica identity. Only ID is meaningful.
	KeyOnly bool `json:"-"`
}

// Operation is the kind of row change carried by a change-feed event.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeEvent is a single change-feed notification.
type ChangeEvent struct {
	Operation       Operation
	Before          *TaskRow  // nil when the feed has no before-image
	After           *TaskRow  // nil for deletes
	CommitTimestamp time.Time // zero if the feed did not provide one
}

// SubscribeStatus is reported by a push subscription over its lifetime.
type SubscribeStatus string

const (
	SubscribeSubscribed   SubscribeStatus = "subscribed"
	SubscribeChannelError SubscribeStatus = "channel_error"
	SubscribeTimedOut     SubscribeStatus = "timed_out"
	SubscribeClosed       SubscribeStatus = "closed"
)

// IsFailure returns true for statuses that end the subscription.
func (s SubscribeStatus) IsFailure() bool {
	return s == SubscribeChannelError || s == SubscribeTimedOut || s == SubscribeClosed
}
