package config

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.User.ID == "" {
		return errors.New("user.id is required")
	}
	if _, err := uuid.Parse(c.User.ID); err != nil {
		return fmt.Errorf("user.id must be a UUID, got %q", c.User.ID)
	}

	switch c.Source {
	case SourceREST:
		if c.API.RestURL == "" {
			return errors.New("api.rest_url is required for source rest")
		}
		if c.API.APIKey == "" {
			return errors.New("api.api_key is required for source rest")
		}
	case SourcePostgres:
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	case SourceSQLite:
		if c.Local.Path == "" {
			return errors.New("local.path is required for source sqlite")
		}
	default:
		return fmt.Errorf("source must be one of rest, postgres, sqlite, got %q", c.Source)
	}

	if c.API.RealtimeURL != "" && c.API.APIKey == "" {
		return errors.New("api.api_key is required when api.realtime_url is set")
	}

	if c.Realtime.CircuitBreakerThreshold < 1 {
		return errors.New("realtime.circuit_breaker_threshold must be >= 1")
	}
	if c.Realtime.MaxReconnectAttempts < 1 {
		return errors.New("realtime.max_reconnect_attempts must be >= 1")
	}

	if c.Polling.BaseInterval <= 0 {
		return errors.New("polling.base_interval must be > 0")
	}
	if c.Polling.MaxInterval < c.Polling.BaseInterval {
		return fmt.Errorf("polling.max_interval (%s) cannot be less than base_interval (%s)",
			c.Polling.MaxInterval, c.Polling.BaseInterval)
	}
	if c.Polling.BackoffMultiplier < 1 {
		return fmt.Errorf("polling.backoff_multiplier must be >= 1, got %g", c.Polling.BackoffMultiplier)
	}
	if c.Polling.MaxRetries < 0 {
		return errors.New("polling.max_retries must be >= 0")
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 0 and 65535, got %d", c.Metrics.Port)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
