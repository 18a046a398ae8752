package realtime

import (
	"context"
	"time"

	"github.com/rickgao/voicenote-sync/internal/connstate"
	"github.com/rickgao/voicenote-sync/internal/model"
	"github.com/rickgao/voicenote-sync/internal/polling"
)

const (
	// CooldownWindow must elapse since the last successful push connection
	// before an open circuit may be retried.
	CooldownWindow = 120 * time.Second

	// DegradedAfter disables health-check recovery once the last successful
	// push connection is this old.
	DegradedAfter = 5 * time.Minute

	// MaxRetryDelay caps the reconnect backoff.
	MaxRetryDelay = 30 * time.Second
)

// Handler receives events and status changes for one subscription. Methods
// may be called from any goroutine.
type Handler interface {
	HandleChange(event model.ChangeEvent)
	HandleStatus(status model.SubscribeStatus, err error)
}

// Subscription is an open push subscription handle.
type Subscription interface {
	Topic() string
}

// Subscriber opens push subscriptions. Subscribe returns once the request
// is sent; the outcome arrives later through HandleStatus.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, filter string, h Handler) (Subscription, error)
	Unsubscribe(sub Subscription) error
}

// Config holds realtime configuration.
type Config struct {
	UserID                  string
	MaxReconnectAttempts    int           // Reconnects before falling back (default: 5)
	BaseRetryDelay          time.Duration // Backoff base (default: 1s)
	CircuitBreakerThreshold int           // Consecutive failures that open the circuit (default: 3)
	HealthCheckInterval     time.Duration // Default: 30s
	SubscribeTimeout        time.Duration // Per-attempt setup timeout (default: 10s)
	Polling                 polling.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts:    5,
		BaseRetryDelay:          time.Second,
		CircuitBreakerThreshold: 3,
		HealthCheckInterval:     30 * time.Second,
		SubscribeTimeout:        10 * time.Second,
		Polling:                 polling.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = d.BaseRetryDelay
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = d.CircuitBreakerThreshold
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = d.SubscribeTimeout
	}
	c.Polling.UserID = c.UserID
	return c
}

// Topic is the channel name for a user's pinned tasks.
func Topic(userID string) string {
	return "pinned-tasks:" + userID
}

// Filter restricts the change feed to one user's rows.
func Filter(userID string) string {
	return "user_id=eq." + userID
}

// Transport names the active transport in metrics.
type Transport string

const (
	TransportNone     Transport = "none"
	TransportRealtime Transport = "realtime"
	TransportPolling  Transport = "polling"
)

// Metrics is a snapshot of the manager's transport and breaker state.
type Metrics struct {
	Running                  bool                          `json:"running"`
	Transport                Transport                     `json:"transport"`
	RealtimeActive           bool                          `json:"realtime_active"`
	PollingActive            bool                          `json:"polling_active"`
	ConsecutiveFailures      int                           `json:"consecutive_failures"`
	ReconnectAttempts        int                           `json:"reconnect_attempts"`
	CircuitOpen              bool                          `json:"circuit_open"`
	LastSuccessfulConnection time.Time                     `json:"last_successful_connection,omitzero"`
	Polling                  *polling.Status               `json:"polling,omitempty"`
	Connection               connstate.Metrics             `json:"connection"`
	Stability                connstate.StabilityAssessment `json:"stability"`
}
