package realtime

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/voicenote-sync/internal/model"
	"github.com/rickgao/voicenote-sync/internal/polling"
	"github.com/rickgao/voicenote-sync/internal/testutil"
)

type harness struct {
	sched  *testutil.ManualScheduler
	subs   *fakeSubscriber
	source *testutil.FakeSource
	sink   *testutil.RecordingSink
	m      *Manager
}

func newHarness(t *testing.T, configure func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.UserID = "user-1"
	if configure != nil {
		configure(&cfg)
	}

	h := &harness{
		sched:  testutil.NewManualScheduler(),
		subs:   &fakeSubscriber{},
		source: testutil.NewFakeSource(),
		sink:   testutil.NewRecordingSink(),
	}
	h.source.SetDefault(testutil.QueryResult{Records: testutil.Pins("A")})
	h.m = New(cfg, h.subs, h.source, h.sink, h.sched, nil, WithJitter(func() float64 { return 1.0 }))
	return h
}

func (h *harness) start() {
	h.m.Start()
	h.sched.Settle()
}

func (h *harness) stop() {
	h.m.Stop()
	h.sched.Settle()
}

// status delivers a subscription status on the most recent subscription.
func (h *harness) status(t *testing.T, st model.SubscribeStatus) {
	t.Helper()
	sub := h.subs.last()
	require.NotNil(t, sub, "no subscription")
	sub.handler.HandleStatus(st, nil)
	h.sched.Settle()
}

func (h *harness) change(t *testing.T, ev model.ChangeEvent) {
	t.Helper()
	sub := h.subs.last()
	require.NotNil(t, sub, "no subscription")
	sub.handler.HandleChange(ev)
	h.sched.Settle()
}

// openCircuit drives three consecutive timeouts with the default threshold.
func (h *harness) openCircuit(t *testing.T) {
	t.Helper()
	h.status(t, model.SubscribeTimedOut)
	h.sched.Advance(time.Second)
	h.status(t, model.SubscribeTimedOut)
	h.sched.Advance(2 * time.Second)
	h.status(t, model.SubscribeTimedOut)
}

func row(id string, pinned bool, order int) *model.TaskRow {
	return &model.TaskRow{ID: id, UserID: "user-1", IsPinned: pinned, PinOrder: &order}
}

func TestManager_StartSubscribes(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	require.Equal(t, 1, h.subs.count())
	sub := h.subs.last()
	assert.Equal(t, "pinned-tasks:user-1", sub.topic)
	assert.Equal(t, "user_id=eq.user-1", sub.filter)
	assert.Equal(t, []string{"connecting"}, h.sink.Values(testutil.EventStatus))

	h.status(t, model.SubscribeSubscribed)

	assert.Equal(t, []string{"connecting", "connected"}, h.sink.Values(testutil.EventStatus))
	metrics := h.m.ConnectionMetrics()
	assert.True(t, metrics.Running)
	assert.True(t, metrics.RealtimeActive)
	assert.False(t, metrics.PollingActive)
	assert.Equal(t, TransportRealtime, metrics.Transport)
	assert.Equal(t, testutil.Epoch, metrics.LastSuccessfulConnection)
	assert.Nil(t, metrics.Polling)
	assert.Zero(t, h.sink.Count(testutil.EventToast))

	state := h.m.ConnectionState()
	assert.Equal(t, model.ModeWebsocket, state.Mode)
	assert.Equal(t, model.StatusConnected, state.Status)
}

func TestManager_CircuitOpensAtThreshold(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	h.status(t, model.SubscribeTimedOut)
	m := h.m.ConnectionMetrics()
	assert.Equal(t, 1, m.ConsecutiveFailures)
	assert.False(t, m.CircuitOpen)
	assert.Contains(t, h.sched.PendingTimers(), time.Second, "first retry after base delay")

	h.sched.Advance(time.Second)
	require.Equal(t, 2, h.subs.count())
	h.status(t, model.SubscribeTimedOut)
	m = h.m.ConnectionMetrics()
	assert.Equal(t, 2, m.ConsecutiveFailures)
	assert.False(t, m.CircuitOpen, "circuit must not open before the threshold")
	assert.Contains(t, h.sched.PendingTimers(), 2*time.Second)

	h.sched.Advance(2 * time.Second)
	require.Equal(t, 3, h.subs.count())
	assert.Zero(t, h.sink.Count(testutil.EventToast))
	h.status(t, model.SubscribeTimedOut)

	m = h.m.ConnectionMetrics()
	assert.True(t, m.CircuitOpen)
	assert.Equal(t, 3, m.ConsecutiveFailures)
	assert.True(t, m.PollingActive)
	assert.False(t, m.RealtimeActive)
	assert.Equal(t, TransportPolling, m.Transport)
	require.NotNil(t, m.Polling)
	assert.Equal(t, polling.StateRunning, m.Polling.State)

	toasts := h.sink.OfKind(testutil.EventToast)
	require.Len(t, toasts, 1)
	assert.Contains(t, toasts[0].Value, "backup")
	assert.Equal(t, model.SeverityInfo, toasts[0].Severity)

	assert.Equal(t, 1, h.source.Calls(), "polling started")
	assert.Equal(t, 3, h.subs.count(), "no further push attempts")
	assert.Equal(t, 3, h.subs.unsubscribedCount(), "failed subscriptions released")
	assert.Equal(t,
		[]string{"connecting", "error", "connecting", "error", "connecting", "error", "connected"},
		h.sink.Values(testutil.EventStatus),
	)
	assert.Equal(t, model.ModePolling, h.m.ConnectionState().Mode)
}

func TestManager_NoPushCallbacksAfterFallback(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	first := h.subs.last()
	h.openCircuit(t)
	last := h.subs.last()
	h.sink.Reset()

	for _, sub := range []*fakeSub{first, last} {
		sub.handler.HandleChange(model.ChangeEvent{Operation: model.OpCreate, After: row("X", true, 1)})
		sub.handler.HandleStatus(model.SubscribeSubscribed, nil)
	}
	h.sched.Settle()

	assert.Zero(t, h.sink.Count(testutil.EventPinned))
	assert.Zero(t, h.sink.Count(testutil.EventStatus))
	assert.False(t, h.m.ConnectionMetrics().RealtimeActive)
}

func TestManager_NeverConnectedDoesNotRetryPush(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.openCircuit(t)

	h.sched.Advance(10 * time.Minute)

	assert.Equal(t, 3, h.subs.count())
	assert.True(t, h.m.ConnectionMetrics().PollingActive)
}

// failAfterSuccess connects once at t0, then fails every push attempt until
// the circuit opens at t0+3s.
func failAfterSuccess(t *testing.T, h *harness) {
	t.Helper()
	h.start()
	h.status(t, model.SubscribeSubscribed)
	h.subs.setAuto(model.SubscribeChannelError)
	h.status(t, model.SubscribeChannelError)
	h.sched.Advance(time.Second)
	h.sched.Advance(2 * time.Second)
	require.True(t, h.m.ConnectionMetrics().CircuitOpen)
	require.Equal(t, 3, h.subs.count())
}

func TestManager_HealthCheckRestoresRealtime(t *testing.T) {
	h := newHarness(t, nil)
	failAfterSuccess(t, h)

	// Cooldown is strictly longer than 120s; the checks at 30..120s do nothing.
	h.sched.Advance(146 * time.Second)
	assert.Equal(t, 3, h.subs.count())

	h.subs.setAuto(model.SubscribeSubscribed)
	h.sink.Reset()
	h.sched.Advance(time.Second)

	require.Equal(t, 4, h.subs.count(), "health check retried push at t0+150s")
	m := h.m.ConnectionMetrics()
	assert.False(t, m.CircuitOpen)
	assert.True(t, m.RealtimeActive)
	assert.False(t, m.PollingActive)
	assert.Zero(t, m.ConsecutiveFailures)
	assert.Equal(t, testutil.Epoch.Add(150*time.Second), m.LastSuccessfulConnection)

	toasts := h.sink.OfKind(testutil.EventToast)
	require.Len(t, toasts, 1)
	assert.Equal(t, model.SeveritySuccess, toasts[0].Severity)
	assert.Contains(t, toasts[0].Value, "restored")

	calls := h.source.Calls()
	h.sched.Advance(time.Minute)
	assert.Equal(t, calls, h.source.Calls(), "polling stopped")
}

func TestManager_HealthCheckStopsRetryingWhenDegraded(t *testing.T) {
	h := newHarness(t, nil)
	failAfterSuccess(t, h)

	// Recovery attempts fail at 150, 180, ..., 300s. After 300s the push transport is
	// considered degraded and no longer retried.
	h.sched.Advance(10 * time.Minute)
	assert.Equal(t, 9, h.subs.count())

	h.sched.Advance(10 * time.Minute)
	assert.Equal(t, 9, h.subs.count())

	m := h.m.ConnectionMetrics()
	assert.True(t, m.CircuitOpen)
	assert.True(t, m.PollingActive)
}

func TestManager_FailedRecoveryReturnsToPolling(t *testing.T) {
	h := newHarness(t, nil)
	failAfterSuccess(t, h)
	h.sink.Reset()

	h.sched.Advance(147 * time.Second)

	assert.Equal(t, 4, h.subs.count())
	m := h.m.ConnectionMetrics()
	assert.True(t, m.CircuitOpen)
	assert.True(t, m.PollingActive)
	assert.Equal(t, 1, m.ConsecutiveFailures)
	assert.Equal(t, 1, h.sink.Count(testutil.EventToast), "back to backup sync")
}

func TestManager_PollingGivesUp(t *testing.T) {
	h := newHarness(t, nil)
	h.source.SetDefault(testutil.QueryResult{Err: errors.New("connection refused")})
	h.start()
	h.openCircuit(t)

	h.sched.Advance(2 * time.Minute)

	m := h.m.ConnectionMetrics()
	assert.True(t, m.Running)
	assert.False(t, m.PollingActive)
	assert.False(t, m.RealtimeActive)
	assert.Equal(t, TransportNone, m.Transport)
	assert.Nil(t, m.Polling)
	assert.Equal(t, 4, h.source.Calls())
	assert.Equal(t, model.ModeDisconnected, h.m.ConnectionState().Mode)

	errs := h.sink.Values(testutil.EventError)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[len(errs)-1], "Sync failed")

	// A manual fallback restarts polling.
	h.m.SwitchToPollingFallback()
	h.sched.Settle()
	assert.True(t, h.m.ConnectionMetrics().PollingActive)
	assert.Equal(t, 5, h.source.Calls())
}

func TestManager_ReconnectExhaustedFallsBack(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.CircuitBreakerThreshold = 10
		c.MaxReconnectAttempts = 2
	})
	h.start()

	h.status(t, model.SubscribeTimedOut)
	h.sched.Advance(time.Second)
	h.status(t, model.SubscribeTimedOut)
	h.sched.Advance(2 * time.Second)
	h.status(t, model.SubscribeTimedOut)

	m := h.m.ConnectionMetrics()
	assert.False(t, m.CircuitOpen)
	assert.True(t, m.PollingActive)
	assert.Equal(t, 1, h.sink.Count(testutil.EventToast))

	// Circuit closed: the health check never retries push.
	h.sched.Advance(10 * time.Minute)
	assert.Equal(t, 3, h.subs.count())
}

func TestManager_SubscribeErrorIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.subs.failNext = 1
	h.start()

	assert.Zero(t, h.subs.count())
	m := h.m.ConnectionMetrics()
	assert.Equal(t, 1, m.ConsecutiveFailures)
	assert.Equal(t, 1, m.ReconnectAttempts)
	assert.Contains(t, h.m.ConnectionState().LastError, "dial failed")

	h.sched.Advance(time.Second)
	require.Equal(t, 1, h.subs.count())
	h.status(t, model.SubscribeSubscribed)
	assert.True(t, h.m.ConnectionMetrics().RealtimeActive)
}

func TestManager_SubscribedClearsError(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	h.status(t, model.SubscribeChannelError)
	errs := h.sink.Values(testutil.EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "retrying in 1s")

	h.sched.Advance(time.Second)
	h.status(t, model.SubscribeSubscribed)

	assert.Equal(t, []string{errs[0], ""}, h.sink.Values(testutil.EventError))
	assert.Empty(t, h.m.ConnectionState().LastError)
}

func TestManager_RetryDelayUsesJitter(t *testing.T) {
	h := newHarness(t, nil)
	h.m.jitter = func() float64 { return 1.125 }
	h.start()

	h.status(t, model.SubscribeClosed)

	assert.Contains(t, h.sched.PendingTimers(), 1125*time.Millisecond)
}

func TestManager_PushEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.status(t, model.SubscribeSubscribed)
	h.sink.Reset()

	h.change(t, model.ChangeEvent{Operation: model.OpCreate, After: row("t1", true, 1)})
	h.change(t, model.ChangeEvent{Operation: model.OpUpdate, Before: row("t2", true, 2), After: row("t2", false, 2)})
	h.change(t, model.ChangeEvent{Operation: model.OpDelete, Before: row("t3", true, 3)})
	h.change(t, model.ChangeEvent{Operation: model.OpUpdate, Before: row("t4", true, 4), After: row("t4", true, 1)})
	h.change(t, model.ChangeEvent{Operation: model.OpUpdate, Before: row("t5", false, 0), After: row("t5", false, 0)})

	assert.Equal(t, []string{"t1"}, h.sink.Values(testutil.EventPinned))
	assert.Equal(t, []string{"t2", "t3"}, h.sink.Values(testutil.EventUnpinned))
	assert.Equal(t, 1, h.sink.Count(testutil.EventUpdated))
	assert.Equal(t, 5, h.sink.Count(testutil.EventSyncTime))
}

func TestManager_KeyOnlyPushEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.status(t, model.SubscribeSubscribed)
	h.sink.Reset()

	h.change(t, model.ChangeEvent{
		Operation: model.OpUpdate,
		Before:    &model.TaskRow{ID: "t1", KeyOnly: true},
		After:     row("t1", false, 0),
	})
	h.change(t, model.ChangeEvent{
		Operation: model.OpDelete,
		Before:    &model.TaskRow{ID: "t2", KeyOnly: true},
	})

	assert.Equal(t, []string{"t1", "t2"}, h.sink.Values(testutil.EventUnpinned))
	assert.Zero(t, h.sink.Count(testutil.EventPinned))
}

func TestManager_PushEventLatency(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.status(t, model.SubscribeSubscribed)

	h.change(t, model.ChangeEvent{
		Operation:       model.OpCreate,
		After:           row("t1", true, 1),
		CommitTimestamp: testutil.Epoch.Add(-200 * time.Millisecond),
	})

	// Samples: 0ms subscribe round trip, 200ms commit lag.
	assert.Equal(t, 100*time.Millisecond, h.m.ConnectionState().Latency)
}

func TestManager_StopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.status(t, model.SubscribeSubscribed)

	h.stop()
	n := h.sink.Len()
	assert.Equal(t, "disconnected", h.sink.Values(testutil.EventStatus)[len(h.sink.Values(testutil.EventStatus))-1])

	for i := 0; i < 3; i++ {
		h.stop()
	}
	h.sched.Advance(time.Hour)

	assert.Equal(t, n, h.sink.Len())
	assert.Equal(t, 1, h.subs.count())
	assert.Equal(t, 1, h.subs.unsubscribedCount())
	assert.Empty(t, h.sched.PendingTimers())
	assert.False(t, h.m.ConnectionMetrics().Running)
}

func TestManager_StopBeforeStart(t *testing.T) {
	h := newHarness(t, nil)
	h.stop()
	h.stop()
	assert.Zero(t, h.sink.Len())
}

func TestManager_StopWhilePolling(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.openCircuit(t)

	h.stop()
	calls := h.source.Calls()
	h.sched.Advance(time.Hour)

	assert.Equal(t, calls, h.source.Calls())
	assert.Empty(t, h.sched.PendingTimers())
	assert.Equal(t, polling.StateStopped, h.m.poller.Status().State)
	assert.Equal(t, TransportNone, h.m.ConnectionMetrics().Transport)
}

func TestManager_StopDuringSubscribe(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Start()
	h.sched.Drain()
	require.Equal(t, 1, h.sched.PendingAsync())

	h.m.Stop()
	h.sched.Settle()

	assert.Equal(t, 1, h.subs.count())
	assert.Equal(t, 1, h.subs.unsubscribedCount(), "late subscription released")

	n := h.sink.Len()
	h.subs.last().handler.HandleStatus(model.SubscribeSubscribed, nil)
	h.sched.Settle()
	assert.Equal(t, n, h.sink.Len())
}

func TestManager_RestartWithOpenCircuit(t *testing.T) {
	h := newHarness(t, nil)
	failAfterSuccess(t, h)

	h.stop()
	h.sink.Reset()
	h.start()

	assert.Equal(t, 3, h.subs.count(), "cooling down: straight to polling")
	assert.True(t, h.m.ConnectionMetrics().PollingActive)
	assert.Equal(t, 1, h.sink.Count(testutil.EventToast))

	h.stop()
	h.sched.Advance(3 * time.Minute)
	h.subs.setAuto(model.SubscribeSubscribed)
	h.sink.Reset()
	h.start()

	assert.Equal(t, 4, h.subs.count(), "cooldown elapsed: retry push")
	m := h.m.ConnectionMetrics()
	assert.False(t, m.CircuitOpen)
	assert.True(t, m.RealtimeActive)
}

func TestManager_SwitchesAreIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.status(t, model.SubscribeSubscribed)

	h.m.SwitchToPollingFallback()
	h.m.SwitchToPollingFallback()
	h.sched.Settle()

	assert.Equal(t, 1, h.sink.Count(testutil.EventToast))
	assert.True(t, h.m.ConnectionMetrics().PollingActive)

	h.m.SwitchToRealtimeMode()
	h.m.SwitchToRealtimeMode()
	h.sched.Settle()

	assert.Equal(t, 2, h.subs.count())
	m := h.m.ConnectionMetrics()
	assert.False(t, m.PollingActive)
	assert.Zero(t, m.ConsecutiveFailures)
}

func TestManager_RefreshWhilePolling(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.m.Refresh()
	h.sched.Settle()
	assert.Zero(t, h.source.Calls(), "refresh ignored on realtime")

	h.openCircuit(t)
	calls := h.source.Calls()
	h.m.Refresh()
	h.sched.Settle()
	assert.Equal(t, calls+1, h.source.Calls())
}

func TestManager_Diagnostics(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.openCircuit(t)

	report := h.m.Diagnostics()
	assert.Contains(t, report, "=== Connection Diagnostic Report ===")
	assert.Contains(t, report, "Mode: Polling")
	assert.Contains(t, report, "user_id: user-1")
	assert.Contains(t, report, "Active: polling")
	assert.Contains(t, report, "Circuit Open: true")
	assert.Contains(t, report, "Known Pins: 1")
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		jitter  float64
		want    time.Duration
	}{
		{0, 1, time.Second},
		{1, 1, 2 * time.Second},
		{4, 1, 16 * time.Second},
		{5, 1, 30 * time.Second},
		{2, 0.875, 3500 * time.Millisecond},
		{2, 1.125, 4500 * time.Millisecond},
		{20, 1.15, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(time.Second, tt.attempt, tt.jitter), "attempt %d jitter %v", tt.attempt, tt.jitter)
	}
}

func TestBackoff_MonotonicAndCapped(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 100; trial++ {
		var prev time.Duration
		for attempt := 0; attempt < 12; attempt++ {
			jitter := 0.85 + r.Float64()*0.3
			d := Backoff(time.Second, attempt, jitter)
			assert.LessOrEqual(t, d, MaxRetryDelay)
			assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
			prev = d
		}
	}
}

func TestDefaultJitterRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		j := defaultJitter()
		assert.GreaterOrEqual(t, j, 0.85)
		assert.LessOrEqual(t, j, 1.15)
	}
}
