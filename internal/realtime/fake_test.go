package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/rickgao/voicenote-sync/internal/model"
)

// fakeSub is a subscription handle recorded by fakeSubscriber.
type fakeSub struct {
	topic   string
	filter  string
	handler Handler
}

func (s *fakeSub) Topic() string { return s.topic }

// fakeSubscriber records subscriptions. Tests drive statuses and events
// through the recorded handlers.
type fakeSubscriber struct {
	mu           sync.Mutex
	subs         []*fakeSub
	unsubscribed []*fakeSub

	// autoStatus, when set, is delivered as soon as Subscribe returns.
	autoStatus model.SubscribeStatus
	// failNext makes the next N Subscribe calls return an error.
	failNext int
}

var errDial = errors.New("dial failed")

func (f *fakeSubscriber) Subscribe(_ context.Context, topic, filter string, h Handler) (Subscription, error) {
	f.mu.Lock()
	if f.failNext > 0 {
		f.failNext--
		f.mu.Unlock()
		return nil, errDial
	}
	sub := &fakeSub{topic: topic, filter: filter, handler: h}
	f.subs = append(f.subs, sub)
	auto := f.autoStatus
	f.mu.Unlock()

	if auto != "" {
		h.HandleStatus(auto, nil)
	}
	return sub, nil
}

func (f *fakeSubscriber) Unsubscribe(sub Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, sub.(*fakeSub))
	return nil
}

func (f *fakeSubscriber) setAuto(status model.SubscribeStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoStatus = status
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSubscriber) last() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeSubscriber) unsubscribedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unsubscribed)
}
