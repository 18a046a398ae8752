package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultSource                  = SourceREST
	DefaultAPITimeout              = 30 * time.Second
	DefaultMaxRetries              = 3
	DefaultDBPort                  = 5432
	DefaultDBSSLMode               = "prefer"
	DefaultMaxConns                = 4
	DefaultMinConns                = 1
	DefaultLocalPath               = "pinsync.db"
	DefaultMaxReconnectAttempts    = 5
	DefaultBaseRetryDelay          = 1 * time.Second
	DefaultCircuitBreakerThreshold = 3
	DefaultHealthCheckInterval     = 30 * time.Second
	DefaultSubscribeTimeout        = 10 * time.Second
	DefaultHeartbeatInterval       = 25 * time.Second
	DefaultJoinTimeout             = 10 * time.Second
	DefaultTable                   = "tasks"
	DefaultBaseInterval            = 5 * time.Second
	DefaultMaxInterval             = 30 * time.Second
	DefaultBackoffMultiplier       = 1.5
	DefaultPollMaxRetries          = 3
	DefaultQueryTimeout            = 10 * time.Second
	DefaultMetricsPath             = "/metrics"
	DefaultLogLevel                = "info"
	DefaultLogFormat               = "text"
)

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Source == "" {
		c.Source = DefaultSource
	}

	// API defaults
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Database defaults
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	if c.Local.Path == "" {
		c.Local.Path = DefaultLocalPath
	}

	// Realtime defaults
	if c.Realtime.MaxReconnectAttempts == 0 {
		c.Realtime.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Realtime.BaseRetryDelay == 0 {
		c.Realtime.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if c.Realtime.CircuitBreakerThreshold == 0 {
		c.Realtime.CircuitBreakerThreshold = DefaultCircuitBreakerThreshold
	}
	if c.Realtime.HealthCheckInterval == 0 {
		c.Realtime.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.Realtime.SubscribeTimeout == 0 {
		c.Realtime.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.Realtime.HeartbeatInterval == 0 {
		c.Realtime.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Realtime.JoinTimeout == 0 {
		c.Realtime.JoinTimeout = DefaultJoinTimeout
	}
	if c.Realtime.Table == "" {
		c.Realtime.Table = DefaultTable
	}

	// Polling defaults
	if c.Polling.BaseInterval == 0 {
		c.Polling.BaseInterval = DefaultBaseInterval
	}
	if c.Polling.MaxInterval == 0 {
		c.Polling.MaxInterval = DefaultMaxInterval
	}
	if c.Polling.BackoffMultiplier == 0 {
		c.Polling.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.Polling.MaxRetries == 0 {
		c.Polling.MaxRetries = DefaultPollMaxRetries
	}
	if c.Polling.QueryTimeout == 0 {
		c.Polling.QueryTimeout = DefaultQueryTimeout
	}

	// Metrics defaults
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
