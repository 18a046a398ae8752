package connstate

import (
	"time"

	"github.com/rickgao/voicenote-sync/internal/model"
)

const (
	// MaxHistory bounds the state change history. Oldest entries are evicted.
	MaxHistory = 50

	// LatencySamples is the rolling window used for average latency.
	LatencySamples = 20

	// StabilityWindow is the number of recent connection outcomes scored.
	StabilityWindow = 10

	// StableScore is the minimum stability score considered stable.
	StableScore = 70
)

// ConnectionState is an immutable snapshot of the tracked connection.
type ConnectionState struct {
	Mode              model.Mode     `json:"mode"`
	Status            model.Status   `json:"status"`
	Quality           model.Quality  `json:"quality"`
	LastConnected     time.Time      `json:"last_connected,omitzero"`
	LastError         string         `json:"last_error,omitempty"`
	ReconnectAttempts int            `json:"reconnect_attempts"`
	TotalFailures     int            `json:"total_failures"`
	Uptime            time.Duration  `json:"uptime"`
	Latency           time.Duration  `json:"latency"` // rolling average
	IsStable          bool           `json:"is_stable"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// StateChangeEvent is one history entry.
type StateChangeEvent struct {
	Previous  ConnectionState `json:"previous"`
	Current   ConnectionState `json:"current"`
	Timestamp time.Time       `json:"timestamp"`
	Trigger   string          `json:"trigger"`
}

// Metrics are derived from history and counters on demand.
type Metrics struct {
	TotalAttempts         int           `json:"total_attempts"`
	SuccessfulConnections int           `json:"successful_connections"`
	FailedConnections     int           `json:"failed_connections"`
	AverageLatency        time.Duration `json:"average_latency"`
	UptimePercentage      float64       `json:"uptime_percentage"`
	LastErrorTime         time.Time     `json:"last_error_time,omitzero"`
	ConnectionDuration    time.Duration `json:"connection_duration"`
}

// StabilityAssessment explains the stability score.
type StabilityAssessment struct {
	IsStable       bool     `json:"is_stable"`
	StabilityScore int      `json:"stability_score"`
	Factors        []string `json:"factors"`
}

// Observer is notified after each state change, outside the manager's lock.
type Observer interface {
	OnStateChange(event StateChangeEvent)

	// OnStabilityChange fires only when IsStable flips.
	OnStabilityChange(stable bool, assessment StabilityAssessment)
}

// ObserverFuncs adapts functions to an Observer. Nil fields are skipped.
type ObserverFuncs struct {
	StateChange     func(StateChangeEvent)
	StabilityChange func(bool, StabilityAssessment)
}

func (f ObserverFuncs) OnStateChange(event StateChangeEvent) {
	if f.StateChange != nil {
		f.StateChange(event)
	}
}

func (f ObserverFuncs) OnStabilityChange(stable bool, assessment StabilityAssessment) {
	if f.StabilityChange != nil {
		f.StabilityChange(stable, assessment)
	}
}
