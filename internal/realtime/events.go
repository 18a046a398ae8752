package realtime

import (
	"github.com/rickgao/voicenote-sync/internal/model"
)

// pinChange is what a change-feed event means for the pinned set.
type pinChange int

const (
	changeNone pinChange = iota
	changePinned
	changeUnpinned
	changeUpdated
)

func (c pinChange) String() string {
	switch c {
	case changePinned:
		return "pinned"
	case changeUnpinned:
		return "unpinned"
	case changeUpdated:
		return "updated"
	default:
		return "none"
	}
}

// classify maps a change-feed event to a pin change and the task it affects.
//
// An update without a usable before-image cannot tell a new pin from an edit
// to an existing one, so a pinned after-image reports changeUpdated and the
// caller refreshes. An unpinned after-image reports changeUnpinned, which is
// a no-op for a task the caller never had pinned. A key-only delete is
// reported as unpinned for the same reason.
func classify(ev model.ChangeEvent) (pinChange, string) {
	switch ev.Operation {
	case model.OpCreate:
		if ev.After != nil && ev.After.IsPinned {
			return changePinned, ev.After.ID
		}

	case model.OpUpdate:
		after := ev.After
		if after == nil || after.KeyOnly {
			return changeNone, ""
		}
		before := ev.Before
		if before == nil || before.KeyOnly {
			if after.IsPinned {
				return changeUpdated, after.ID
			}
			return changeUnpinned, after.ID
		}
		switch {
		case !before.IsPinned && after.IsPinned:
			return changePinned, after.ID
		case before.IsPinned && !after.IsPinned:
			return changeUnpinned, after.ID
		case before.IsPinned && after.IsPinned:
			return changeUpdated, after.ID
		}

	case model.OpDelete:
		before := ev.Before
		if before != nil && before.ID != "" && (before.KeyOnly || before.IsPinned) {
			return changeUnpinned, before.ID
		}
	}
	return changeNone, ""
}
