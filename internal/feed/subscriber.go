package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/voicenote-sync/internal/auth"
	"github.com/rickgao/voicenote-sync/internal/realtime"
)

// Subscriber opens change-feed channels. Each channel gets its own socket so
// a failing channel never takes others down with it.
type Subscriber struct {
	cfg    Config
	creds  *auth.Credentials
	logger *slog.Logger
	dialer websocket.Dialer

	mu       sync.Mutex
	channels map[*Channel]struct{}
	closed   bool
}

var _ realtime.Subscriber = (*Subscriber)(nil)

// NewSubscriber creates a Subscriber. creds may be nil for unauthenticated
// servers.
func NewSubscriber(cfg Config, creds *auth.Credentials, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &Subscriber{
		cfg:    cfg,
		creds:  creds,
		logger: logger.With("component", "feed"),
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		channels: make(map[*Channel]struct{}),
	}
}

// Subscribe dials the server and sends the join. It returns once the join is
// sent; the reply arrives through h.HandleStatus.
func (s *Subscriber) Subscribe(ctx context.Context, topic, filter string, h realtime.Handler) (realtime.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	endpoint, err := s.endpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	var accessToken string
	if s.creds != nil {
		s.creds.Apply(header)
		accessToken = s.creds.AccessToken
	}

	conn, _, err := s.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	ch := &Channel{
		cfg:     s.cfg,
		topic:   topicPrefix + topic,
		name:    topic,
		joinRef: uuid.NewString(),
		handler: h,
		logger:  s.logger,
		conn:    conn,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	s.channels[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ch.done
		s.mu.Lock()
		delete(s.channels, ch)
		s.mu.Unlock()
	}()

	if err := ch.join(filter, accessToken); err != nil {
		return nil, err
	}

	s.logger.Debug("join sent", "topic", ch.topic, "filter", filter)
	return ch, nil
}

// Unsubscribe leaves the channel and closes its socket. No status is
// reported for a channel left this way.
func (s *Subscriber) Unsubscribe(sub realtime.Subscription) error {
	ch, ok := sub.(*Channel)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnknownChannel, sub)
	}
	ch.leave()
	return nil
}

// Close leaves every open channel. Further Subscribe calls fail.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	channels := make([]*Channel, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		ch.leave()
	}
	return nil
}

// Open returns the number of channels with a live socket.
func (s *Subscriber) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// endpoint appends the API key and protocol version to the configured URL.
func (s *Subscriber) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse feed URL: %w", err)
	}
	q := u.Query()
	if s.creds != nil && s.creds.APIKey != "" {
		q.Set("apikey", s.creds.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
