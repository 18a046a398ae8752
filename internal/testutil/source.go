package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/rickgao/voicenote-sync/internal/model"
)

// ErrScriptExhausted is returned by FakeSource when no result is scripted and
// no default is set.
var ErrScriptExhausted = errors.New("fake source: no scripted result")

// QueryResult is one scripted pull result.
type QueryResult struct {
	Records []model.PinRecord
	Err     error
}

// FakeSource is a pull source that replays scripted results in order. Once
// the script runs out it keeps returning the default result.
type FakeSource struct {
	mu       sync.Mutex
	script   []QueryResult
	fallback *QueryResult
	calls    int
	users    []string
	lastCtx  context.Context
}

// NewFakeSource creates a source with the given script.
func NewFakeSource(script ...QueryResult) *FakeSource {
	return &FakeSource{script: script}
}

// Push appends results to the script.
func (f *FakeSource) Push(results ...QueryResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, results...)
}

// SetDefault sets the result returned after the script is exhausted.
func (f *FakeSource) SetDefault(r QueryResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = &r
}

// Query implements the pull source contract.
func (f *FakeSource) Query(ctx context.Context, userID string) ([]model.PinRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.users = append(f.users, userID)
	f.lastCtx = ctx

	if len(f.script) > 0 {
		r := f.script[0]
		f.script = f.script[1:]
		return r.Records, r.Err
	}
	if f.fallback != nil {
		return f.fallback.Records, f.fallback.Err
	}
	return nil, ErrScriptExhausted
}

// Calls returns how many queries were made.
func (f *FakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Users returns the user IDs queried, in order.
func (f *FakeSource) Users() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.users...)
}

// LastContext returns the context of the most recent query.
func (f *FakeSource) LastContext() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCtx
}

// Pins builds records with the given IDs and the fake clock's epoch as
// timestamps, ordered as given.
func Pins(ids ...string) []model.PinRecord {
	out := make([]model.PinRecord, len(ids))
	for i, id := range ids {
		order := i + 1
		out[i] = model.PinRecord{
			TaskID:    id,
			PinnedAt:  Epoch,
			PinOrder:  &order,
			UpdatedAt: Epoch,
		}
	}
	return out
}
