package model

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// PinSet is the known set of pinned tasks keyed by task ID.
type PinSet map[string]PinRecord

// NewPinSet builds a set from a pull result. Later duplicates win.
func NewPinSet(records []PinRecord) PinSet {
	set := make(PinSet, len(records))
	for _, r := range records {
		set[r.TaskID] = r
	}
	return set
}

// Hash returns a content hash: the sorted concatenation of id:order:updatedAt.
// Two sets with equal hashes are treated as unchanged.
func (s PinSet) Hash() string {
	parts := make([]string, 0, len(s))
	for id, r := range s {
		order := "null"
		if r.PinOrder != nil {
			order = strconv.Itoa(*r.PinOrder)
		}
		parts = append(parts, id+":"+order+":"+r.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// Diff returns the task IDs present in next but not in s (added) and the
// IDs present in s but not in next (removed). Both are sorted.
func (s PinSet) Diff(next PinSet) (added, removed []string) {
	for id := range next {
		if _, ok := s[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range s {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// IDs returns the task IDs in the set, sorted.
func (s PinSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SortPins orders records by PinOrder ascending (nil last), then PinnedAt ascending.
func SortPins(records []PinRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		switch {
		case a.PinOrder != nil && b.PinOrder != nil && *a.PinOrder != *b.PinOrder:
			return *a.PinOrder < *b.PinOrder
		case a.PinOrder != nil && b.PinOrder == nil:
			return true
		case a.PinOrder == nil && b.PinOrder != nil:
			return false
		}
		return a.PinnedAt.Before(b.PinnedAt)
	})
}
