package sink

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/voicenote-sync/internal/model"
)

// collector records callbacks as strings.
type collector struct {
	mu     sync.Mutex
	events []string
}

func (c *collector) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, s)
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *collector) OnConnectionStatusChange(s model.Status) { c.add("status:" + string(s)) }
func (c *collector) OnError(m string) { c.add("error:" + m) }
func (c *collector) OnSyncTimeUpdate() { c.add("sync") }
func (c *collector) OnTaskPinned(id string) { c.add("pinned:" + id) }
func (c *collector) OnTaskUnpinned(id string) { c.add("unpinned:" + id) }
func (c *collector) OnPinUpdated() { c.add("updated") }
func (c *collector) OnToast(m string, sev model.Severity) { c.add("toast:" + string(sev) + ":" + m) }

func emitAll(s Sink) {
	s.OnConnectionStatusChange(model.StatusConnected)
	s.OnError("boom")
	s.OnSyncTimeUpdate()
	s.OnTaskPinned("a")
	s.OnTaskUnpinned("b")
	s.OnPinUpdated()
	s.OnToast("hello", model.SeverityInfo)
}

var allEvents = []string{
	"status:connected",
	"error:boom",
	"sync",
	"pinned:a",
	"unpinned:b",
	"updated",
	"toast:info:hello",
}

func TestNop(t *testing.T) {
	// Must not panic.
	emitAll(Nop{})
}

func TestFuncs(t *testing.T) {
	c := &collector{}
	f := Funcs{
		ConnectionStatusChange: c.OnConnectionStatusChange,
		Error:                  c.OnError,
		SyncTimeUpdate:         c.OnSyncTimeUpdate,
		TaskPinned:             c.OnTaskPinned,
		TaskUnpinned:           c.OnTaskUnpinned,
		PinUpdated:             c.OnPinUpdated,
		Toast:                  c.OnToast,
	}

	emitAll(f)

	if got := c.snapshot(); !reflect.DeepEqual(got, allEvents) {
		t.Errorf("events = %v, want %v", got, allEvents)
	}
}

func TestFuncs_NilFieldsSkipped(t *testing.T) {
	var pinned []string
	f := Funcs{TaskPinned: func(id string) { pinned = append(pinned, id) }}

	emitAll(f)

	if !reflect.DeepEqual(pinned, []string{"a"}) {
		t.Errorf("pinned = %v, want [a]", pinned)
	}
}

func TestMulti(t *testing.T) {
	a, b := &collector{}, &collector{}

	emitAll(Multi{a, b})

	for name, c := range map[string]*collector{"a": a, "b": b} {
		if got := c.snapshot(); !reflect.DeepEqual(got, allEvents) {
			t.Errorf("%s events = %v, want %v", name, got, allEvents)
		}
	}
}

func TestAsync_PreservesOrder(t *testing.T) {
	c := &collector{}
	a := NewAsync(c, nil)

	emitAll(a)
	a.Close()

	if got := c.snapshot(); !reflect.DeepEqual(got, allEvents) {
		t.Errorf("events = %v, want %v", got, allEvents)
	}
}

func TestAsync_DoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	var delivered []string
	var mu sync.Mutex
	slow := Funcs{TaskPinned: func(id string) {
		<-release
		mu.Lock()
		delivered = append(delivered, id)
		mu.Unlock()
	}}

	a := NewAsync(slow, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			a.OnTaskPinned("t")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sends blocked on slow consumer")
	}

	close(release)
	a.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 100 {
		t.Errorf("delivered = %d, want 100", len(delivered))
	}
}

func TestAsync_RecoversPanic(t *testing.T) {
	c := &collector{}
	a := NewAsync(Multi{Funcs{Error: func(string) { panic("bad sink") }}, c}, nil)

	a.OnError("x")
	a.OnPinUpdated()
	a.Close()

	// The panicking fan-out aborts the first event only.
	if got := c.snapshot(); !reflect.DeepEqual(got, []string{"updated"}) {
		t.Errorf("events = %v, want [updated]", got)
	}
}

func TestAsync_CloseIdempotent(t *testing.T) {
	a := NewAsync(Nop{}, nil)
	a.Close()
	a.Close()

	// Dropped after close, must not panic.
	a.OnPinUpdated()

	if stats := a.Stats(); stats.TotalSent != 0 {
		t.Errorf("TotalSent = %d, want 0", stats.TotalSent)
	}
}
