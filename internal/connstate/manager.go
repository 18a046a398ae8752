package connstate

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/rickgao/voicenote-sync/internal/model"
)

const disconnectPenaltyAfter = 60 * time.Second

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithObserver registers an observer for state and stability changes.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager tracks connection state. Safe for concurrent use.
type Manager struct {
	mu            sync.Mutex
	state         ConnectionState
	history       []StateChangeEvent
	latencies     []time.Duration
	outcomes      []bool // true = success, newest last
	lastErrorTime time.Time

	observer Observer
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a manager in the initializing state.
func New(opts ...Option) *Manager {
	m := &Manager{
		state: initialState(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

func initialState() ConnectionState {
	return ConnectionState{
		Mode:     model.ModeInitializing,
		Status:   model.StatusDisconnected,
		Quality:  model.QualityGood,
		IsStable: true,
		Metadata: map[string]any{},
	}
}

// State returns a snapshot of the current state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(m.now())
}

// History returns a copy of the state change history, oldest first.
func (m *Manager) History() []StateChangeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StateChangeEvent(nil), m.history...)
}

// SetConnectionMode changes the mode. No-op if unchanged.
func (m *Manager) SetConnectionMode(mode model.Mode, trigger string) {
	m.mutate(trigger, func(s *ConnectionState, _ time.Time) bool {
		if s.Mode == mode {
			return false
		}
		s.Mode = mode
		return true
	})
}

// SetConnectionStatus changes the status. No-op if unchanged.
//
// Connected records a success and resets reconnect attempts. Error and
// disconnected record a failure; error also counts toward TotalFailures.
func (m *Manager) SetConnectionStatus(status model.Status, trigger string) {
	m.mutate(trigger, func(s *ConnectionState, now time.Time) bool {
		if s.Status == status {
			return false
		}
		s.Status = status

		switch status {
		case model.StatusConnected:
			s.LastConnected = now
			s.ReconnectAttempts = 0
			m.recordOutcomeLocked(true)
		case model.StatusError:
			s.TotalFailures++
			m.lastErrorTime = now
			m.recordOutcomeLocked(false)
		case model.StatusDisconnected:
			m.recordOutcomeLocked(false)
		}
		return true
	})
}

// RecordError stores the last error message. An empty message clears it.
func (m *Manager) RecordError(message, trigger string) {
	m.mutate(trigger, func(s *ConnectionState, now time.Time) bool {
		s.LastError = message
		if message != "" {
			m.lastErrorTime = now
		}
		return true
	})
}

// RecordReconnectAttempt increments the reconnect counter.
func (m *Manager) RecordReconnectAttempt(trigger string) {
	m.mutate(trigger, func(s *ConnectionState, _ time.Time) bool {
		s.ReconnectAttempts++
		return true
	})
}

// UpdateLatency adds a latency sample and re-derives quality.
func (m *Manager) UpdateLatency(latency time.Duration) {
	if latency < 0 {
		return
	}
	m.mutate("latency_update", func(s *ConnectionState, _ time.Time) bool {
		m.latencies = append(m.latencies, latency)
		if len(m.latencies) > LatencySamples {
			m.latencies = m.latencies[len(m.latencies)-LatencySamples:]
		}

		var sum time.Duration
		for _, l := range m.latencies {
			sum += l
		}
		s.Latency = sum / time.Duration(len(m.latencies))
		s.Quality = QualityFor(s.Latency)
		return true
	})
}

// UpdateMetadata merges patch into the metadata bag. Nil values delete keys.
func (m *Manager) UpdateMetadata(patch map[string]any, trigger string) {
	m.mutate(trigger, func(s *ConnectionState, _ time.Time) bool {
		for k, v := range patch {
			if v == nil {
				delete(s.Metadata, k)
				continue
			}
			s.Metadata[k] = v
		}
		return true
	})
}

// Reset returns to the initial state. History is kept.
func (m *Manager) Reset(trigger string) {
	m.mutate(trigger, func(s *ConnectionState, _ time.Time) bool {
		*s = initialState()
		m.latencies = nil
		m.outcomes = nil
		m.lastErrorTime = time.Time{}
		return true
	})
}

// Metrics derives connection metrics from history and counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metricsLocked(m.now())
}

func (m *Manager) metricsLocked(now time.Time) Metrics {
	metrics := Metrics{
		AverageLatency:   m.state.Latency,
		UptimePercentage: m.uptimePercentageLocked(now),
		LastErrorTime:    m.lastErrorTime,
	}

	for _, e := range m.history {
		if e.Previous.Status == e.Current.Status {
			continue
		}
		switch e.Current.Status {
		case model.StatusConnecting:
			metrics.TotalAttempts++
		case model.StatusConnected:
			metrics.SuccessfulConnections++
			if e.Previous.Status != model.StatusConnecting {
				metrics.TotalAttempts++
			}
		case model.StatusError:
			metrics.FailedConnections++
		}
	}

	if m.state.Status == model.StatusConnected {
		metrics.ConnectionDuration = now.Sub(m.state.LastConnected)
	}
	return metrics
}

// StabilityAssessment scores the connection right now.
func (m *Manager) StabilityAssessment() StabilityAssessment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assessLocked(m.now())
}

// mutate applies fn under the lock, appends a history entry and notifies the
// observer after unlocking. fn returns false to leave state untouched.
func (m *Manager) mutate(trigger string, fn func(s *ConnectionState, now time.Time) bool) {
	m.mu.Lock()
	now := m.now()
	prev := m.snapshotLocked(now)
	if !fn(&m.state, now) {
		m.mu.Unlock()
		return
	}

	assessment := m.assessLocked(now)
	m.state.IsStable = assessment.IsStable
	event := StateChangeEvent{
		Previous:  prev,
		Current:   m.snapshotLocked(now),
		Timestamp: now,
		Trigger:   trigger,
	}
	if len(m.history) == MaxHistory {
		copy(m.history, m.history[1:])
		m.history = m.history[:MaxHistory-1]
	}
	m.history = append(m.history, event)
	observer := m.observer
	m.mu.Unlock()

	if prev.Status != event.Current.Status || prev.Mode != event.Current.Mode {
		m.logger.Debug("connection state changed",
			"mode", event.Current.Mode,
			"status", event.Current.Status,
			"trigger", trigger,
		)
	}

	if observer == nil {
		return
	}
	observer.OnStateChange(event)
	if prev.IsStable != event.Current.IsStable {
		observer.OnStabilityChange(event.Current.IsStable, assessment)
	}
}

func (m *Manager) snapshotLocked(now time.Time) ConnectionState {
	s := m.state
	s.Metadata = maps.Clone(m.state.Metadata)
	if s.Status == model.StatusConnected && !s.LastConnected.IsZero() {
		s.Uptime = now.Sub(s.LastConnected)
	}
	return s
}

func (m *Manager) recordOutcomeLocked(success bool) {
	m.outcomes = append(m.outcomes, success)
	if len(m.outcomes) > StabilityWindow {
		m.outcomes = m.outcomes[len(m.outcomes)-StabilityWindow:]
	}
}

func (m *Manager) assessLocked(now time.Time) StabilityAssessment {
	score := 100
	factors := []string{}

	failures := 0
	for _, ok := range m.outcomes {
		if !ok {
			failures++
		}
	}
	if failures > 0 {
		penalty := 10 * failures
		score -= penalty
		factors = append(factors, fmt.Sprintf("%d of last %d connection attempts failed (-%d)", failures, len(m.outcomes), penalty))
	}

	if q := m.state.Quality; q == model.QualityPoor || q == model.QualityCritical {
		score -= 25
		factors = append(factors, fmt.Sprintf("connection quality is %s (-25)", q))
	}

	if n := m.state.ReconnectAttempts; n > 2 {
		penalty := 10 * (n - 2)
		score -= penalty
		factors = append(factors, fmt.Sprintf("%d reconnect attempts (-%d)", n, penalty))
	}

	if !m.state.LastConnected.IsZero() && m.state.Status != model.StatusConnected {
		if since := now.Sub(m.state.LastConnected); since > disconnectPenaltyAfter {
			score -= 30
			factors = append(factors, fmt.Sprintf("disconnected for %s (-30)", since.Truncate(time.Second)))
		}
	}

	score = max(0, min(100, score))
	return StabilityAssessment{
		IsStable:       score >= StableScore,
		StabilityScore: score,
		Factors:        factors,
	}
}

// uptimePercentageLocked is the share of the history window spent connected.
func (m *Manager) uptimePercentageLocked(now time.Time) float64 {
	connected := m.state.Status == model.StatusConnected
	if len(m.history) == 0 {
		if connected {
			return 100
		}
		return 0
	}

	start := m.history[0].Timestamp
	total := now.Sub(start)
	if total <= 0 {
		if connected {
			return 100
		}
		return 0
	}

	var up time.Duration
	for i, e := range m.history {
		if e.Current.Status != model.StatusConnected {
			continue
		}
		end := now
		if i+1 < len(m.history) {
			end = m.history[i+1].Timestamp
		}
		up += end.Sub(e.Timestamp)
	}
	return float64(up) / float64(total) * 100
}

// QualityFor maps an average latency to a quality bucket.
func QualityFor(latency time.Duration) model.Quality {
	switch {
	case latency < 50*time.Millisecond:
		return model.QualityExcellent
	case latency < 150*time.Millisecond:
		return model.QualityGood
	case latency < 500*time.Millisecond:
		return model.QualityFair
	case latency < 2*time.Second:
		return model.QualityPoor
	default:
		return model.QualityCritical
	}
}
