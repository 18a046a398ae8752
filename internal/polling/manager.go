// Package polling implements the pull-based fallback transport.
//
// A Manager periodically queries the full pinned set, diffs it against the
// last known set and reports changes to a sink. The interval adapts: it grows
// while nothing changes and snaps back to the base interval on any change.
// All state is owned by the manager's dispatch loop.
package polling

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/rickgao/voicenote-sync/internal/dispatch"
	"github.com/rickgao/voicenote-sync/internal/model"
	"github.com/rickgao/voicenote-sync/internal/sink"
)

// noChangeThreshold is how many unchanged pulls are needed before the
// interval starts growing.
const noChangeThreshold = 3

// Source returns the current pinned set for a user, ordered by pin order
// (nulls last) then pinned time.
type Source interface {
	Query(ctx context.Context, userID string) ([]model.PinRecord, error)
}

// SourceFunc is a function adapter for Source.
type SourceFunc func(ctx context.Context, userID string) ([]model.PinRecord, error)

func (f SourceFunc) Query(ctx context.Context, userID string) ([]model.PinRecord, error) {
	return f(ctx, userID)
}

// Config holds polling configuration.
type Config struct {
	UserID            string
	BaseInterval      time.Duration // Interval after a change (default: 5s)
	MaxInterval       time.Duration // Upper bound for the adaptive interval (default: 30s)
	BackoffMultiplier float64       // Growth factor while unchanged (default: 1.5)
	MaxRetries        int           // Consecutive failures tolerated before stopping (default: 3)
	QueryTimeout      time.Duration // Per-query timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseInterval:      5 * time.Second,
		MaxInterval:       30 * time.Second,
		BackoffMultiplier: 1.5,
		MaxRetries:        3,
		QueryTimeout:      10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseInterval <= 0 {
		c.BaseInterval = d.BaseInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MaxInterval < c.BaseInterval {
		c.MaxInterval = c.BaseInterval
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	return c
}

// State is the manager lifecycle.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Status is a read-only snapshot of the manager.
type Status struct {
	State               State         `json:"state"`
	Connected           bool          `json:"connected"`
	CurrentInterval     time.Duration `json:"current_interval"`
	ConsecutiveNoChange int           `json:"consecutive_no_change"`
	ErrorRetryCount     int           `json:"error_retry_count"`
	KnownPins           int           `json:"known_pins"`
	InFlight            bool          `json:"in_flight"`
	LastPoll            time.Time     `json:"last_poll,omitzero"`
	LastSuccess         time.Time     `json:"last_success,omitzero"`
	LastError           string        `json:"last_error,omitempty"`
	TotalPolls          int64         `json:"total_polls"`
	TotalErrors         int64         `json:"total_errors"`
	TotalChanges        int64         `json:"total_changes"`
}

// Running reports whether the manager is polling.
func (s Status) Running() bool {
	return s.State == StateRunning
}

// Manager polls a Source and reports pin changes.
type Manager struct {
	cfg    Config
	source Source
	sink   sink.Sink
	sched  dispatch.Scheduler
	logger *slog.Logger

	// Owned by the dispatch loop.
	state          State
	epoch          uint64
	timer          dispatch.Timer
	inFlight       bool
	cancelQuery    context.CancelFunc
	refreshPending bool
	known          model.PinSet
	hash           string
	hasBaseline    bool
	interval       time.Duration
	noChange       int
	errorCount     int
	connected      bool
	lastPoll       time.Time
	lastSuccess    time.Time
	lastError      string
	totalPolls     int64
	totalErrors    int64
	totalChanges   int64

	status atomic.Pointer[Status]
}

// New creates a Manager. Zero config fields take defaults.
func New(cfg Config, source Source, s sink.Sink, sched dispatch.Scheduler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if s == nil {
		s = sink.Nop{}
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		source:   source,
		sink:     s,
		sched:    sched,
		logger:   logger.With("component", "polling"),
		state:    StateCreated,
		interval: cfg.BaseInterval,
	}
	m.publish()
	return m
}

// Start begins polling with an immediate pull. No-op if already running.
func (m *Manager) Start() {
	m.sched.Post(m.StartInLoop)
}

// Stop cancels the pending tick and any in-flight query. Idempotent and
// silent: no sink callbacks fire.
func (m *Manager) Stop() {
	m.sched.Post(m.StopInLoop)
}

// Refresh forces an immediate pull and resets the interval to base.
func (m *Manager) Refresh() {
	m.sched.Post(m.RefreshInLoop)
}

// Status returns the latest published snapshot. Safe from any goroutine.
func (m *Manager) Status() Status {
	return *m.status.Load()
}

// StartInLoop is Start for callers already running on the scheduler.
func (m *Manager) StartInLoop() {
	if m.state == StateRunning {
		return
	}
	m.state = StateRunning
	m.epoch++
	m.known = nil
	m.hash = ""
	m.hasBaseline = false
	m.interval = m.cfg.BaseInterval
	m.noChange = 0
	m.errorCount = 0
	m.connected = false
	m.refreshPending = false
	m.lastError = ""

	m.logger.Info("polling started",
		"base_interval", m.cfg.BaseInterval,
		"max_interval", m.cfg.MaxInterval,
	)
	m.poll()
}

// StopInLoop is Stop for callers already running on the scheduler.
func (m *Manager) StopInLoop() {
	if m.state != StateRunning {
		return
	}
	m.halt()
	m.logger.Info("polling stopped")
	m.publish()
}

// RefreshInLoop is Refresh for callers already running on the scheduler.
func (m *Manager) RefreshInLoop() {
	if m.state != StateRunning {
		return
	}
	m.cancelTimer()
	m.interval = m.cfg.BaseInterval
	m.noChange = 0
	if m.inFlight {
		m.refreshPending = true
		return
	}
	m.poll()
}

// halt invalidates continuations and releases the timer and query.
func (m *Manager) halt() {
	m.state = StateStopped
	m.epoch++
	m.cancelTimer()
	if m.cancelQuery != nil {
		m.cancelQuery()
		m.cancelQuery = nil
	}
	m.inFlight = false
	m.refreshPending = false
	m.connected = false
}

func (m *Manager) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) schedule(delay time.Duration) {
	m.cancelTimer()
	epoch := m.epoch
	m.timer = m.sched.AfterFunc(delay, func() {
		if epoch != m.epoch || m.state != StateRunning {
			return
		}
		m.timer = nil
		m.poll()
	})
}

// poll issues one query. At most one is in flight.
func (m *Manager) poll() {
	if m.inFlight {
		m.refreshPending = true
		return
	}
	m.inFlight = true
	m.publish()

	epoch := m.epoch
	userID := m.cfg.UserID
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.QueryTimeout)
	m.cancelQuery = cancel

	var records []model.PinRecord
	err := dispatch.ErrWorkAborted
	m.sched.Go(func() {
		records, err = m.source.Query(ctx, userID)
	}, func() {
		cancel()
		if epoch != m.epoch || m.state != StateRunning {
			return
		}
		m.cancelQuery = nil
		m.inFlight = false
		m.handleResult(records, err)
	})
}

func (m *Manager) handleResult(records []model.PinRecord, err error) {
	m.totalPolls++
	m.lastPoll = m.sched.Now()

	if err != nil {
		m.handleError(err)
		return
	}

	m.errorCount = 0
	m.lastError = ""
	m.lastSuccess = m.lastPoll

	if !m.connected {
		m.connected = true
		m.sink.OnConnectionStatusChange(model.StatusConnected)
	}

	m.reconcile(model.NewPinSet(records))
	m.sink.OnSyncTimeUpdate()

	if m.refreshPending {
		m.refreshPending = false
		m.interval = m.cfg.BaseInterval
		m.poll()
		return
	}
	m.schedule(m.interval)
	m.publish()
}

// reconcile compares next against the known set and adapts the interval.
func (m *Manager) reconcile(next model.PinSet) {
	hash := next.Hash()

	if !m.hasBaseline {
		m.known = next
		m.hash = hash
		m.hasBaseline = true
		m.noChange = 0
		m.interval = m.cfg.BaseInterval
		m.logger.Debug("polling baseline established", "pins", len(next))
		m.sink.OnPinUpdated()
		return
	}

	if hash == m.hash {
		m.noChange++
		if m.noChange >= noChangeThreshold {
			grown := time.Duration(float64(m.interval) * m.cfg.BackoffMultiplier)
			m.interval = min(grown, m.cfg.MaxInterval)
		}
		return
	}

	added, removed := m.known.Diff(next)
	for _, id := range removed {
		m.sink.OnTaskUnpinned(id)
	}
	for _, id := range added {
		m.sink.OnTaskPinned(id)
	}
	if len(added) == 0 && len(removed) == 0 {
		m.sink.OnPinUpdated()
	}

	m.logger.Debug("pinned set changed",
		"added", len(added),
		"removed", len(removed),
	)

	m.known = next
	m.hash = hash
	m.noChange = 0
	m.interval = m.cfg.BaseInterval
	m.totalChanges++
}

func (m *Manager) handleError(err error) {
	m.errorCount++
	m.totalErrors++
	m.lastError = err.Error()

	if m.errorCount > m.cfg.MaxRetries {
		m.logger.Error("polling failed, giving up",
			"attempts", m.errorCount,
			"error", err,
		)
		m.halt()
		m.publish()
		m.sink.OnConnectionStatusChange(model.StatusError)
		m.sink.OnError(fmt.Sprintf("Sync failed after %d attempts: %v", m.errorCount, err))
		return
	}

	delay := RetryDelay(m.cfg.BaseInterval, m.cfg.MaxInterval, m.errorCount)
	m.logger.Warn("poll failed, retrying",
		"attempt", m.errorCount,
		"delay", delay,
		"error", err,
	)
	m.refreshPending = false
	m.schedule(delay)
	m.publish()
}

// RetryDelay returns min(base * 2^attempt, limit).
func RetryDelay(base, limit time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	if d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}

func (m *Manager) publish() {
	m.status.Store(&Status{
		State:               m.state,
		Connected:           m.connected,
		CurrentInterval:     m.interval,
		ConsecutiveNoChange: m.noChange,
		ErrorRetryCount:     m.errorCount,
		KnownPins:           len(m.known),
		InFlight:            m.inFlight,
		LastPoll:            m.lastPoll,
		LastSuccess:         m.lastSuccess,
		LastError:           m.lastError,
		TotalPolls:          m.totalPolls,
		TotalErrors:         m.totalErrors,
		TotalChanges:        m.totalChanges,
	})
}
