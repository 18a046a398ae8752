package feed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/voicenote-sync/internal/model"
	"github.com/rickgao/voicenote-sync/internal/realtime"
)

// Channel is one joined topic on its own socket. It reports exactly one
// terminal status (channel_error, timed_out or closed) unless it is left by
// the caller first.
type Channel struct {
	cfg     Config
	topic   string // Wire topic, "realtime:" + subscription topic
	name    string // Subscription topic as passed to Subscribe
	joinRef string
	handler realtime.Handler
	logger  *slog.Logger

	conn *websocket.Conn

	// Write serialization
	writeMu sync.Mutex

	// State
	mu               sync.Mutex
	joined           bool
	finished         bool
	pendingHeartbeat string
	joinTimer        *time.Timer

	done     chan struct{}
	doneOnce sync.Once
}

var _ realtime.Subscription = (*Channel)(nil)

// Topic returns the subscription topic.
func (c *Channel) Topic() string {
	return c.name
}

// Joined reports whether the server accepted the join.
func (c *Channel) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// join sends phx_join and starts the read and heartbeat loops.
func (c *Channel) join(filter, accessToken string) error {
	payload, err := json.Marshal(joinPayload{
		Config: joinConfig{
			PostgresChanges: []changeFilter{{
				Event:  "*",
				Schema: c.cfg.Schema,
				Table:  c.cfg.Table,
				Filter: filter,
			}},
		},
		AccessToken: accessToken,
	})
	if err != nil {
		return fmt.Errorf("marshal join: %w", err)
	}

	c.mu.Lock()
	c.joinTimer = time.AfterFunc(c.cfg.JoinTimeout, func() {
		if !c.Joined() {
			c.finish(model.SubscribeTimedOut, ErrJoinTimeout)
		}
	})
	c.mu.Unlock()

	go c.readLoop()

	if err := c.send(message{
		Topic:   c.topic,
		Event:   eventJoin,
		Payload: payload,
		Ref:     c.joinRef,
		JoinRef: c.joinRef,
	}); err != nil {
		c.mu.Lock()
		c.finished = true
		c.mu.Unlock()
		c.shutdown()
		return fmt.Errorf("send join: %w", err)
	}

	go c.heartbeatLoop()
	return nil
}

// leave sends phx_leave and closes the socket without reporting a status.
func (c *Channel) leave() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		c.shutdown()
		return
	}
	c.finished = true
	c.mu.Unlock()

	if err := c.send(message{
		Topic:   c.topic,
		Event:   eventLeave,
		Payload: json.RawMessage(`{}`),
		Ref:     uuid.NewString(),
		JoinRef: c.joinRef,
	}); err != nil {
		c.logger.Debug("failed to send leave", "topic", c.topic, "error", err)
	}

	c.writeMu.Lock()
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	c.shutdown()
}

// finish reports a terminal status once and tears the channel down.
func (c *Channel) finish(status model.SubscribeStatus, err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()

	c.shutdown()

	c.logger.Debug("channel finished",
		"topic", c.topic,
		"status", status,
		"error", err,
	)
	c.handler.HandleStatus(status, err)
}

func (c *Channel) shutdown() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.joinTimer != nil {
			c.joinTimer.Stop()
		}
		c.mu.Unlock()
		c.conn.Close()
	})
}

func (c *Channel) send(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop dispatches incoming frames until the socket fails or the channel
// is shut down.
func (c *Channel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			// Ignore errors after shutdown
			select {
			case <-c.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.finish(model.SubscribeClosed, err)
			} else {
				c.finish(model.SubscribeChannelError, err)
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("failed to parse frame", "error", err)
			continue
		}
		c.handle(msg)
	}
}

func (c *Channel) handle(msg message) {
	switch {
	case msg.Event == eventReply:
		c.handleReply(msg)

	case msg.Topic != c.topic:
		c.logger.Debug("frame for other topic", "topic", msg.Topic, "event", msg.Event)

	case msg.Event == eventChanges:
		if !c.Joined() {
			return
		}
		ev, err := decodeChange(msg.Payload)
		if err != nil {
			c.logger.Warn("failed to decode change", "error", err)
			return
		}
		c.mu.Lock()
		finished := c.finished
		c.mu.Unlock()
		if !finished {
			c.handler.HandleChange(ev)
		}

	case msg.Event == eventError:
		c.finish(model.SubscribeChannelError, ErrChannelError)

	case msg.Event == eventClose:
		c.finish(model.SubscribeClosed, nil)

	default:
		c.logger.Debug("ignoring event", "topic", msg.Topic, "event", msg.Event)
	}
}

func (c *Channel) handleReply(msg message) {
	var reply replyPayload
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		c.logger.Warn("failed to parse reply", "error", err)
		return
	}

	c.mu.Lock()
	if msg.Ref == c.pendingHeartbeat && msg.Ref != "" {
		c.pendingHeartbeat = ""
		c.mu.Unlock()
		return
	}
	isJoin := msg.Ref == c.joinRef && !c.joined && !c.finished
	c.mu.Unlock()

	if !isJoin {
		return
	}

	if reply.Status != "ok" {
		c.finish(model.SubscribeChannelError, fmt.Errorf("%w: %s", ErrJoinRejected, string(reply.Response)))
		return
	}

	c.mu.Lock()
	c.joined = true
	c.joinTimer.Stop()
	c.mu.Unlock()

	c.logger.Debug("channel joined", "topic", c.topic)
	c.handler.HandleStatus(model.SubscribeSubscribed, nil)
}

// heartbeatLoop sends heartbeats and times the channel out when the previous
// one went unanswered.
func (c *Channel) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := c.pendingHeartbeat != ""
			ref := uuid.NewString()
			if !stale {
				c.pendingHeartbeat = ref
			}
			c.mu.Unlock()

			if stale {
				c.logger.Warn("heartbeat unanswered, connection stale",
					"topic", c.topic,
					"interval", c.cfg.HeartbeatInterval,
				)
				c.finish(model.SubscribeTimedOut, ErrHeartbeatTimeout)
				return
			}

			if err := c.send(message{
				Topic:   heartbeatTopic,
				Event:   eventHeartbeat,
				Payload: json.RawMessage(`{}`),
				Ref:     ref,
			}); err != nil {
				c.finish(model.SubscribeChannelError, fmt.Errorf("send heartbeat: %w", err))
				return
			}
		}
	}
}
