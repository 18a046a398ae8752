// Package realtime orchestrates pin sync over a push change feed with a
// polling fallback.
//
// A Manager opens a push subscription and reconnects with jittered
// exponential backoff. Repeated failures open a circuit breaker and hand
// control to an owned polling.Manager, which feeds the same sink. A periodic
// health check retries the push transport once the cooldown has passed.
//
// All state lives on a dispatch.Scheduler. Public methods post to it and
// return immediately; read-only views are published as snapshots.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rickgao/voicenote-sync/internal/connstate"
	"github.com/rickgao/voicenote-sync/internal/dispatch"
	"github.com/rickgao/voicenote-sync/internal/model"
	"github.com/rickgao/voicenote-sync/internal/polling"
	"github.com/rickgao/voicenote-sync/internal/sink"
)

const (
	fallbackToast = "Live updates unavailable, switched to backup sync"
	restoredToast = "Live updates restored"
)

type lifecycle int

const (
	lifecycleCreated lifecycle = iota
	lifecycleRunning
	lifecycleStopped
)

// Option configures a Manager.
type Option func(*Manager)

// WithJitter overrides the backoff jitter source. fn must return values in
// [0.85, 1.15].
func WithJitter(fn func() float64) Option {
	return func(m *Manager) {
		m.jitter = fn
	}
}

// WithConnectionObserver receives connection state changes in addition to
// the manager's own logging.
func WithConnectionObserver(o connstate.Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// Manager runs the push transport with polling fallback for one user.
type Manager struct {
	cfg        Config
	subscriber Subscriber
	sink       sink.Sink
	sched      dispatch.Scheduler
	logger     *slog.Logger
	jitter     func() float64
	observer   connstate.Observer

	conn   *connstate.Manager
	poller *polling.Manager

	// Owned by the dispatch loop.
	state             lifecycle
	epoch             uint64
	pushEpoch         uint64
	sub               Subscription
	subscribing       bool
	subscribeStarted  time.Time
	pushActive        bool
	pollingActive     bool
	halfOpen          bool // push attempt while the circuit is open
	recovering        bool // push attempt that replaced polling
	errorShown        bool
	reconnectAttempts int
	retryTimer        dispatch.Timer
	healthTimer       dispatch.Timer

	// Circuit breaker. Survives Stop/Start.
	consecutiveFailures int
	circuitOpen         bool
	lastSuccess         time.Time

	snapshot atomic.Pointer[Metrics]
}

// New creates a Manager. source backs the polling fallback.
func New(cfg Config, subscriber Subscriber, source polling.Source, s sink.Sink, sched dispatch.Scheduler, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if s == nil {
		s = sink.Nop{}
	}
	m := &Manager{
		cfg:        cfg.withDefaults(),
		subscriber: subscriber,
		sink:       s,
		sched:      sched,
		logger:     logger.With("component", "realtime"),
		jitter:     defaultJitter,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.conn = connstate.New(
		connstate.WithClock(sched.Now),
		connstate.WithLogger(logger),
		connstate.WithObserver(connstate.ObserverFuncs{
			StateChange:     m.onStateChange,
			StabilityChange: m.onStabilityChange,
		}),
	)
	m.conn.UpdateMetadata(map[string]any{"user_id": m.cfg.UserID}, "init")
	m.poller = polling.New(m.cfg.Polling, source, pollingSink{m: m}, sched, logger)
	m.publish()
	return m
}

// Start opens the push subscription, or goes straight to polling while the
// circuit is open and cooling down.
func (m *Manager) Start() {
	m.sched.Post(m.start)
}

// Stop tears down whichever transport is active. Safe to call repeatedly and
// before Start.
func (m *Manager) Stop() {
	m.sched.Post(m.stop)
}

// SwitchToPollingFallback moves to polling. No-op if already polling.
func (m *Manager) SwitchToPollingFallback() {
	m.sched.Post(func() {
		if m.state == lifecycleRunning {
			m.switchToPollingFallback("manual")
		}
	})
}

// SwitchToRealtimeMode stops polling and retries the push subscription.
// No-op if push is already active or connecting.
func (m *Manager) SwitchToRealtimeMode() {
	m.sched.Post(func() {
		if m.state == lifecycleRunning {
			m.switchToRealtimeMode("manual")
		}
	})
}

// Refresh forces an immediate pull while polling. Use after a local
// mutation for fast confirmation.
func (m *Manager) Refresh() {
	m.sched.Post(func() {
		if m.state == lifecycleRunning && m.pollingActive {
			m.poller.RefreshInLoop()
		}
	})
}

// ConnectionMetrics returns transport, breaker and connection metrics. Safe
// from any goroutine.
func (m *Manager) ConnectionMetrics() Metrics {
	snap := *m.snapshot.Load()
	if snap.PollingActive {
		st := m.poller.Status()
		snap.Polling = &st
	}
	snap.Connection = m.conn.Metrics()
	snap.Stability = m.conn.StabilityAssessment()
	return snap
}

// ConnectionState returns the tracked connection state. Safe from any
// goroutine.
func (m *Manager) ConnectionState() connstate.ConnectionState {
	return m.conn.State()
}

// Diagnostics renders the connection report followed by transport state.
func (m *Manager) Diagnostics() string {
	metrics := m.ConnectionMetrics()

	var b strings.Builder
	b.WriteString(m.conn.DiagnosticReport())
	b.WriteString("\nTransport:\n")
	fmt.Fprintf(&b, "  Active: %s\n", metrics.Transport)
	fmt.Fprintf(&b, "  Circuit Open: %t\n", metrics.CircuitOpen)
	fmt.Fprintf(&b, "  Consecutive Failures: %d\n", metrics.ConsecutiveFailures)
	fmt.Fprintf(&b, "  Reconnect Attempts: %d\n", metrics.ReconnectAttempts)
	if metrics.Polling != nil {
		fmt.Fprintf(&b, "  Polling State: %s\n", metrics.Polling.State)
		fmt.Fprintf(&b, "  Polling Interval: %s\n", metrics.Polling.CurrentInterval)
		fmt.Fprintf(&b, "  Known Pins: %d\n", metrics.Polling.KnownPins)
	}
	return b.String()
}

func (m *Manager) start() {
	if m.state == lifecycleRunning {
		return
	}
	m.state = lifecycleRunning
	m.epoch++
	m.reconnectAttempts = 0
	m.errorShown = false
	m.halfOpen = false
	m.recovering = false

	m.logger.Info("realtime sync starting",
		"user_id", m.cfg.UserID,
		"circuit_open", m.circuitOpen,
	)

	m.scheduleHealthCheck()

	if m.circuitOpen {
		if !m.cooldownElapsed() {
			m.switchToPollingFallback("circuit_open")
			return
		}
		m.halfOpen = true
	}
	m.connect("start")
}

func (m *Manager) stop() {
	if m.state != lifecycleRunning {
		return
	}
	m.state = lifecycleStopped
	m.epoch++

	m.cancelRetry()
	if m.healthTimer != nil {
		m.healthTimer.Stop()
		m.healthTimer = nil
	}
	m.teardownPush()
	if m.pollingActive {
		m.poller.StopInLoop()
		m.pollingActive = false
	}
	m.pushActive = false
	m.subscribing = false
	m.halfOpen = false
	m.recovering = false

	m.conn.SetConnectionMode(model.ModeDisconnected, "stop")
	m.conn.SetConnectionStatus(model.StatusDisconnected, "stop")
	m.sink.OnConnectionStatusChange(model.StatusDisconnected)

	m.logger.Info("realtime sync stopped")
	m.publish()
}

// connect starts one push subscription attempt.
func (m *Manager) connect(trigger string) {
	m.cancelRetry()
	m.teardownPush()

	m.pushEpoch++
	pushEpoch := m.pushEpoch
	epoch := m.epoch
	m.subscribing = true
	m.subscribeStarted = m.sched.Now()

	m.conn.SetConnectionMode(model.ModeWebsocket, trigger)
	m.conn.SetConnectionStatus(model.StatusConnecting, trigger)
	m.sink.OnConnectionStatusChange(model.StatusConnecting)
	m.publish()

	topic := Topic(m.cfg.UserID)
	filter := Filter(m.cfg.UserID)
	h := &pushHandler{m: m, pushEpoch: pushEpoch}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SubscribeTimeout)

	var sub Subscription
	err := dispatch.ErrWorkAborted
	m.sched.Go(func() {
		defer cancel()
		sub, err = m.subscriber.Subscribe(ctx, topic, filter, h)
	}, func() {
		if epoch != m.epoch || pushEpoch != m.pushEpoch || m.state != lifecycleRunning {
			if sub != nil {
				m.unsubscribe(sub)
			}
			return
		}
		if err != nil {
			m.handleFailure(model.SubscribeChannelError, fmt.Errorf("subscribe: %w", err))
			return
		}
		m.sub = sub
	})
}

// teardownPush invalidates the current push attempt and releases its handle.
func (m *Manager) teardownPush() {
	m.pushEpoch++
	if m.sub != nil {
		sub := m.sub
		m.sub = nil
		m.unsubscribe(sub)
	}
}

func (m *Manager) unsubscribe(sub Subscription) {
	m.sched.Go(func() {
		if err := m.subscriber.Unsubscribe(sub); err != nil {
			m.logger.Debug("unsubscribe failed",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}, nil)
}

func (m *Manager) cancelRetry() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) onStatus(pushEpoch uint64, status model.SubscribeStatus, err error) {
	if pushEpoch != m.pushEpoch || m.state != lifecycleRunning {
		return
	}
	switch {
	case status == model.SubscribeSubscribed:
		m.onSubscribed()
	case status.IsFailure():
		m.handleFailure(status, err)
	}
}

func (m *Manager) onSubscribed() {
	now := m.sched.Now()
	restored := m.recovering || m.circuitOpen

	m.subscribing = false
	m.pushActive = true
	m.consecutiveFailures = 0
	m.reconnectAttempts = 0
	m.circuitOpen = false
	m.halfOpen = false
	m.recovering = false
	m.lastSuccess = now

	m.conn.UpdateLatency(now.Sub(m.subscribeStarted))
	m.conn.SetConnectionMode(model.ModeWebsocket, "subscribed")
	m.conn.SetConnectionStatus(model.StatusConnected, "subscribed")
	m.sink.OnConnectionStatusChange(model.StatusConnected)
	m.clearError()
	if restored {
		m.sink.OnToast(restoredToast, model.SeveritySuccess)
	}

	m.logger.Info("realtime subscription active", "topic", Topic(m.cfg.UserID))
	m.publish()
}

func (m *Manager) handleFailure(status model.SubscribeStatus, err error) {
	m.subscribing = false
	m.pushActive = false
	m.teardownPush()
	m.consecutiveFailures++

	msg := describeFailure(status, err)
	m.conn.RecordError(msg, string(status))
	m.conn.SetConnectionStatus(model.StatusError, string(status))
	m.sink.OnConnectionStatusChange(model.StatusError)

	m.logger.Warn("realtime subscription failed",
		"status", status,
		"consecutive_failures", m.consecutiveFailures,
		"reconnect_attempts", m.reconnectAttempts,
		"error", err,
	)

	if m.halfOpen {
		m.halfOpen = false
		m.circuitOpen = true
		m.switchToPollingFallback("recovery_failed")
		return
	}

	if m.consecutiveFailures >= m.cfg.CircuitBreakerThreshold {
		m.circuitOpen = true
		m.logger.Warn("circuit breaker opened",
			"consecutive_failures", m.consecutiveFailures,
			"threshold", m.cfg.CircuitBreakerThreshold,
		)
		m.switchToPollingFallback("circuit_open")
		return
	}

	if m.reconnectAttempts >= m.cfg.MaxReconnectAttempts {
		m.switchToPollingFallback("reconnect_exhausted")
		return
	}

	delay := Backoff(m.cfg.BaseRetryDelay, m.reconnectAttempts, m.jitter())
	m.reconnectAttempts++
	m.conn.RecordReconnectAttempt("retry")
	m.showError(fmt.Sprintf("Live updates interrupted, retrying in %s", delay.Round(100*time.Millisecond)))

	epoch := m.epoch
	m.retryTimer = m.sched.AfterFunc(delay, func() {
		if epoch != m.epoch || m.state != lifecycleRunning {
			return
		}
		m.retryTimer = nil
		m.connect("retry")
	})
	m.publish()
}

func (m *Manager) onChange(pushEpoch uint64, ev model.ChangeEvent) {
	if pushEpoch != m.pushEpoch || m.state != lifecycleRunning || m.pollingActive {
		return
	}

	m.reconnectAttempts = 0
	m.clearError()

	if !ev.CommitTimestamp.IsZero() {
		if latency := m.sched.Now().Sub(ev.CommitTimestamp); latency >= 0 {
			m.conn.UpdateLatency(latency)
		}
	}

	switch change, id := classify(ev); change {
	case changePinned:
		m.sink.OnTaskPinned(id)
	case changeUnpinned:
		m.sink.OnTaskUnpinned(id)
	case changeUpdated:
		m.sink.OnPinUpdated()
	}
	m.sink.OnSyncTimeUpdate()
	m.publish()
}

func (m *Manager) switchToPollingFallback(trigger string) {
	if m.pollingActive {
		return
	}
	m.cancelRetry()
	m.teardownPush()
	m.subscribing = false
	m.pushActive = false
	m.pollingActive = true

	m.conn.SetConnectionMode(model.ModePolling, trigger)
	m.poller.StartInLoop()
	m.sink.OnToast(fallbackToast, model.SeverityInfo)

	m.logger.Info("switched to polling fallback",
		"trigger", trigger,
		"circuit_open", m.circuitOpen,
	)
	m.publish()
}

func (m *Manager) switchToRealtimeMode(trigger string) {
	if m.pushActive || m.subscribing {
		return
	}
	if m.pollingActive {
		m.poller.StopInLoop()
		m.pollingActive = false
		m.recovering = true
	}
	m.halfOpen = m.circuitOpen
	m.consecutiveFailures = 0
	m.reconnectAttempts = 0

	m.logger.Info("attempting realtime recovery",
		"trigger", trigger,
		"circuit_open", m.circuitOpen,
	)
	m.connect(trigger)
}

func (m *Manager) scheduleHealthCheck() {
	if m.healthTimer != nil {
		m.healthTimer.Stop()
	}
	epoch := m.epoch
	m.healthTimer = m.sched.AfterFunc(m.cfg.HealthCheckInterval, func() {
		if epoch != m.epoch || m.state != lifecycleRunning {
			return
		}
		m.healthTimer = nil
		m.healthCheck()
		if m.state == lifecycleRunning && m.healthTimer == nil {
			m.scheduleHealthCheck()
		}
	})
}

// healthCheck retries the push transport while polling. Once the last push
// success is older than DegradedAfter it stops retrying push.
func (m *Manager) healthCheck() {
	if m.pushActive || !m.pollingActive {
		return
	}
	since := m.sched.Now().Sub(m.lastSuccess)
	if since > DegradedAfter {
		m.logger.Debug("push transport degraded, skipping recovery", "since_last_success", since)
		return
	}
	if m.circuitOpen && since > CooldownWindow {
		m.switchToRealtimeMode("health_check")
	}
}

func (m *Manager) cooldownElapsed() bool {
	return m.sched.Now().Sub(m.lastSuccess) > CooldownWindow
}

func (m *Manager) showError(msg string) {
	m.errorShown = true
	m.sink.OnError(msg)
}

func (m *Manager) clearError() {
	if !m.errorShown {
		return
	}
	m.errorShown = false
	m.conn.RecordError("", "recovered")
	m.sink.OnError("")
}

func (m *Manager) onStateChange(event connstate.StateChangeEvent) {
	if m.observer != nil {
		m.observer.OnStateChange(event)
	}
}

func (m *Manager) onStabilityChange(stable bool, assessment connstate.StabilityAssessment) {
	if stable {
		m.logger.Info("connection stable", "score", assessment.StabilityScore)
	} else {
		m.logger.Warn("connection unstable",
			"score", assessment.StabilityScore,
			"factors", assessment.Factors,
		)
	}
	if m.observer != nil {
		m.observer.OnStabilityChange(stable, assessment)
	}
}

func (m *Manager) publish() {
	transport := TransportNone
	switch {
	case m.pollingActive:
		transport = TransportPolling
	case m.pushActive || m.subscribing || m.retryTimer != nil:
		transport = TransportRealtime
	}
	m.snapshot.Store(&Metrics{
		Running:                  m.state == lifecycleRunning,
		Transport:                transport,
		RealtimeActive:           m.pushActive,
		PollingActive:            m.pollingActive,
		ConsecutiveFailures:      m.consecutiveFailures,
		ReconnectAttempts:        m.reconnectAttempts,
		CircuitOpen:              m.circuitOpen,
		LastSuccessfulConnection: m.lastSuccess,
	})
}

// Backoff returns min(base * 2^attempt * jitter, MaxRetryDelay).
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt)) * jitter
	if d >= float64(MaxRetryDelay) {
		return MaxRetryDelay
	}
	return time.Duration(d)
}

func defaultJitter() float64 {
	return 0.85 + rand.Float64()*0.3
}

func describeFailure(status model.SubscribeStatus, err error) string {
	if err != nil {
		return fmt.Sprintf("%s: %v", status, err)
	}
	return string(status)
}

// pushHandler forwards subscription callbacks onto the loop, tagged with the
// push attempt they belong to.
type pushHandler struct {
	m         *Manager
	pushEpoch uint64
}

func (h *pushHandler) HandleChange(event model.ChangeEvent) {
	h.m.sched.Post(func() { h.m.onChange(h.pushEpoch, event) })
}

func (h *pushHandler) HandleStatus(status model.SubscribeStatus, err error) {
	h.m.sched.Post(func() { h.m.onStatus(h.pushEpoch, status, err) })
}

// pollingSink mirrors polling callbacks into connection state and forwards
// them only while polling is the active transport.
type pollingSink struct {
	m *Manager
}

func (p pollingSink) active() bool {
	return p.m.pollingActive && p.m.state == lifecycleRunning
}

func (p pollingSink) OnConnectionStatusChange(status model.Status) {
	if !p.active() {
		return
	}
	p.m.conn.SetConnectionStatus(status, "polling")
	if status == model.StatusConnected {
		p.m.clearError()
	}
	p.m.sink.OnConnectionStatusChange(status)
	p.m.publish()
}

func (p pollingSink) OnError(message string) {
	if !p.active() {
		return
	}
	if message != "" {
		p.m.conn.RecordError(message, "polling")
		p.m.errorShown = true
	}
	p.m.sink.OnError(message)

	// The poller gave up after MaxRetries; nothing is syncing any more.
	if p.m.poller.Status().State == polling.StateStopped {
		p.m.pollingActive = false
		p.m.conn.SetConnectionMode(model.ModeDisconnected, "polling_failed")
		p.m.logger.Error("polling fallback stopped, no transport active")
		p.m.publish()
	}
}

func (p pollingSink) OnSyncTimeUpdate() {
	if p.active() {
		p.m.sink.OnSyncTimeUpdate()
	}
}

func (p pollingSink) OnTaskPinned(taskID string) {
	if p.active() {
		p.m.sink.OnTaskPinned(taskID)
	}
}

func (p pollingSink) OnTaskUnpinned(taskID string) {
	if p.active() {
		p.m.sink.OnTaskUnpinned(taskID)
	}
}

func (p pollingSink) OnPinUpdated() {
	if p.active() {
		p.m.sink.OnPinUpdated()
	}
}

func (p pollingSink) OnToast(message string, severity model.Severity) {
	if p.active() {
		p.m.sink.OnToast(message, severity)
	}
}
