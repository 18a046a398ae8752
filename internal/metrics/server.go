package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rickgao/voicenote-sync/internal/realtime"
)

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Provider exposes the sync layer's read-only views.
type Provider interface {
	ConnectionMetrics() realtime.Metrics
	Diagnostics() string
}

// Pinger is a component whose reachability is reported by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health is the /health response body.
type Health struct {
	Status     string         `json:"status"`
	Transport  string         `json:"transport"`
	Components map[string]any `json:"components"`
}

// NewHandler builds the HTTP handler. path is where metrics are served;
// empty means /metrics.
func NewHandler(p Provider, path string, checks map[string]Pinger, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := Evaluate(p.ConnectionMetrics())
		for name, c := range checks {
			if err := c.Ping(ctx); err != nil {
				health.Status = StatusUnhealthy
				health.Components[name] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
				continue
			}
			health.Components[name] = "connected"
		}

		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health, logger)
	})

	mux.HandleFunc("GET "+path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.ConnectionMetrics(), logger)
	})

	mux.HandleFunc("GET /debug/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, p.Diagnostics())
	})

	return mux
}

// Evaluate derives the health status from a metrics snapshot. An open
// circuit or an unstable connection is degraded. A stopped manager, one
// with no transport left or a poller that gave up is unhealthy.
func Evaluate(m realtime.Metrics) Health {
	h := Health{
		Status:    StatusHealthy,
		Transport: string(m.Transport),
		Components: map[string]any{
			"realtime": map[string]any{
				"active":               m.RealtimeActive,
				"circuit_open":         m.CircuitOpen,
				"consecutive_failures": m.ConsecutiveFailures,
			},
			"stability": map[string]any{
				"stable": m.Stability.IsStable,
				"score":  m.Stability.StabilityScore,
			},
		},
	}
	if m.Polling != nil {
		h.Components["polling"] = map[string]any{
			"state":      m.Polling.State,
			"known_pins": m.Polling.KnownPins,
			"last_error": m.Polling.LastError,
		}
	}

	switch {
	case !m.Running || m.Transport == realtime.TransportNone,
		m.PollingActive && m.Polling != nil && !m.Polling.Running():
		h.Status = StatusUnhealthy
	case m.CircuitOpen || !m.Stability.IsStable:
		h.Status = StatusDegraded
	}
	return h
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("write response failed", "error", err)
	}
}

// Server runs the handler until its context is cancelled.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a Server listening on port.
func NewServer(port int, h http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "metrics"),
	}
}

// Run listens and serves, then shuts down gracefully when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting health server", "addr", ln.Addr().String())
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown health server: %w", err)
	}
	return nil
}
