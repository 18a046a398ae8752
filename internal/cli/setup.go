package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rickgao/voicenote-sync/internal/api"
	"github.com/rickgao/voicenote-sync/internal/auth"
	"github.com/rickgao/voicenote-sync/internal/config"
	"github.com/rickgao/voicenote-sync/internal/database"
	"github.com/rickgao/voicenote-sync/internal/localstore"
	"github.com/rickgao/voicenote-sync/internal/metrics"
	"github.com/rickgao/voicenote-sync/internal/model"
	"github.com/rickgao/voicenote-sync/internal/polling"
	"github.com/rickgao/voicenote-sync/internal/realtime"
)

// ErrLocalOnly is returned for commands that only work against the SQLite
// store.
var ErrLocalOnly = errors.New("command requires source sqlite")

// Mutator changes pin state in the backing store.
type Mutator interface {
	Pin(ctx context.Context, userID, taskID string, order *int) error
	Unpin(ctx context.Context, userID, taskID string) error
}

// backend bundles the collaborators built from config.
type backend struct {
	source  polling.Source
	mutator Mutator
	creds   *auth.Credentials
	local   *localstore.Store
	checks  map[string]metrics.Pinger
	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.LoadAndValidate(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the slog logger for cfg. verbose forces debug level.
func newLogger(w io.Writer, cfg config.LogConfig, verbose bool) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	if verbose {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
}

// openBackend connects the pull source selected by cfg.Source.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{checks: make(map[string]metrics.Pinger)}

	if cfg.API.APIKey != "" {
		creds, err := auth.LoadCredentials(cfg.API.APIKey, cfg.API.AccessTokenPath)
		if err != nil {
			return nil, err
		}
		if creds.Expired(time.Now(), time.Minute) {
			logger.Warn("access token expired or unreadable, requests may be rejected")
		}
		b.creds = creds
	}

	switch cfg.Source {
	case config.SourceREST:
		opts := []api.ClientOption{
			api.WithLogger(logger),
			api.WithTimeout(cfg.API.Timeout),
			api.WithRetries(cfg.API.MaxRetries, time.Second),
		}
		if cfg.API.HTTP2 {
			opts = append(opts, api.WithHTTP2())
		}
		client := api.NewClient(cfg.API.RestURL, b.creds, opts...)
		b.source = client
		b.mutator = client

	case config.SourcePostgres:
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		store := database.NewPinStore(pool, logger)
		b.source = store
		b.mutator = store
		b.checks["database"] = pool
		b.closers = append(b.closers, pool.Close)

	case config.SourceSQLite:
		store, err := localstore.Open(cfg.Local.Path)
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		b.source = store
		b.mutator = store
		b.local = store
		b.checks["local_store"] = store
		b.closers = append(b.closers, func() { store.Close() })

	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}

	return b, nil
}

func realtimeConfig(cfg *config.Config) realtime.Config {
	return realtime.Config{
		UserID:                  cfg.User.ID,
		MaxReconnectAttempts:    cfg.Realtime.MaxReconnectAttempts,
		BaseRetryDelay:          cfg.Realtime.BaseRetryDelay,
		CircuitBreakerThreshold: cfg.Realtime.CircuitBreakerThreshold,
		HealthCheckInterval:     cfg.Realtime.HealthCheckInterval,
		SubscribeTimeout:        cfg.Realtime.SubscribeTimeout,
		Polling:                 pollingConfig(cfg),
	}
}

func pollingConfig(cfg *config.Config) polling.Config {
	return polling.Config{
		UserID:            cfg.User.ID,
		BaseInterval:      cfg.Polling.BaseInterval,
		MaxInterval:       cfg.Polling.MaxInterval,
		BackoffMultiplier: cfg.Polling.BackoffMultiplier,
		MaxRetries:        cfg.Polling.MaxRetries,
		QueryTimeout:      cfg.Polling.QueryTimeout,
	}
}

// pinOutput is the JSON form of a pin.
type pinOutput struct {
	TaskID   string    `json:"task_id"`
	PinOrder *int      `json:"pin_order"`
	PinnedAt time.Time `json:"pinned_at,omitzero"`
}

func toOutput(records []model.PinRecord) []pinOutput {
	out := make([]pinOutput, len(records))
	for i, r := range records {
		out[i] = pinOutput{TaskID: r.TaskID, PinOrder: r.PinOrder, PinnedAt: r.PinnedAt}
	}
	return out
}
