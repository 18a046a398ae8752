package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/voicenote-sync/internal/auth"
)

// Client provides access to the task REST API.
type Client struct {
	baseURL    string
	creds      *auth.Credentials
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	maxRetries   int
	retryBackoff time.Duration

	// Collapses concurrent identical pin queries.
	queries singleflight.Group
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client. creds may be nil.
func NewClient(baseURL string, creds *auth.Credentials, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		creds:   creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		now:          time.Now,
		maxRetries:   3,
		retryBackoff: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(maxRetries int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithClock sets the time source used for pinned_at on Pin.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// WithHTTP2 replaces the transport with one that negotiates HTTP/2 over TLS.
// Frequent polling then reuses a single multiplexed connection.
func WithHTTP2() ClientOption {
	return func(c *Client) {
		tr, err := NewHTTP2Transport()
		if err != nil {
			c.logger.Warn("http2 unavailable, using default transport", "error", err)
			return
		}
		c.httpClient.Transport = tr
	}
}

// NewHTTP2Transport clones the default transport and enables HTTP/2 on it.
func NewHTTP2Transport() (*http.Transport, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	return tr, nil
}
