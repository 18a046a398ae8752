package config

import "time"

// Config is the root configuration for pinsync.
type Config struct {
	User     UserConfig     `yaml:"user"`
	API      APIConfig      `yaml:"api"`
	Source   string         `yaml:"source"` // Pull source: rest, postgres or sqlite
	Database DBConfig       `yaml:"database"`
	Local    LocalConfig    `yaml:"local"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Polling  PollingConfig  `yaml:"polling"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// Pull sources.
const (
	SourceREST     = "rest"
	SourcePostgres = "postgres"
	SourceSQLite   = "sqlite"
)

// UserConfig identifies whose pins are synced.
type UserConfig struct {
	ID string `yaml:"id"` // User UUID
}

// APIConfig holds hosted backend settings.
type APIConfig struct {
	RestURL         string        `yaml:"rest_url"`          // e.g. https://project.example.com/rest/v1
	RealtimeURL     string        `yaml:"realtime_url"`      // Empty disables the push feed
	APIKey          string        `yaml:"api_key"`           // Project API key
	AccessTokenPath string        `yaml:"access_token_path"` // Optional file holding the user JWT
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	HTTP2           bool          `yaml:"http2"`
}

// DBConfig holds a direct Postgres connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// LocalConfig holds the SQLite store used for offline development.
type LocalConfig struct {
	Path string `yaml:"path"`
}

// RealtimeConfig holds push transport and circuit breaker settings.
type RealtimeConfig struct {
	MaxReconnectAttempts    int           `yaml:"max_reconnect_attempts"`
	BaseRetryDelay          time.Duration `yaml:"base_retry_delay"`
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold"`
	HealthCheckInterval     time.Duration `yaml:"health_check_interval"`
	SubscribeTimeout        time.Duration `yaml:"subscribe_timeout"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
	JoinTimeout             time.Duration `yaml:"join_timeout"`
	Table                   string        `yaml:"table"`
}

// PollingConfig holds fallback polling settings.
type PollingConfig struct {
	BaseInterval      time.Duration `yaml:"base_interval"`
	MaxInterval       time.Duration `yaml:"max_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxRetries        int           `yaml:"max_retries"`
	QueryTimeout      time.Duration `yaml:"query_timeout"`
}

// MetricsConfig holds the health and diagnostics HTTP server settings.
type MetricsConfig struct {
	Port int    `yaml:"port"` // 0 disables the server
	Path string `yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
