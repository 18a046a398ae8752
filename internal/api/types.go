package api

import (
	"time"
)

// TasksPath is the REST resource holding task rows.
const TasksPath = "/tasks"

// pinColumns are the columns selected by pin queries.
const pinColumns = "id,pinned_at,pin_order,updated_at"

// pinOrdering sorts by pin_order (nulls last), then pinned_at.
const pinOrdering = "pin_order.asc.nullslast,pinned_at.asc"

// APITask is a task row as returned by pin queries.
type APITask struct {
	ID        string     `json:"id"`
	PinnedAt  *time.Time `json:"pinned_at"`
	PinOrder  *int       `json:"pin_order"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// pinUpdate is the PATCH body for pin mutations. Nil fields are sent as null.
type pinUpdate struct {
	IsPinned bool       `json:"is_pinned"`
	PinnedAt *time.Time `json:"pinned_at"`
	PinOrder *int       `json:"pin_order"`
}
