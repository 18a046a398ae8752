package feed

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrJoinTimeout      = errors.New("join timeout")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrChannelError     = errors.New("channel error")
	ErrJoinRejected     = errors.New("join rejected")
	ErrClosed           = errors.New("subscriber closed")
	ErrUnknownChannel   = errors.New("unknown channel")
)

// Protocol events.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"

	heartbeatTopic = "phoenix"
	topicPrefix    = "realtime:"
)

// message is the protocol envelope in both directions.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// replyPayload is the payload of a phx_reply.
type replyPayload struct {
	Status   string          `json:"status"` // "ok" or "error"
	Response json.RawMessage `json:"response"`
}

// joinPayload requests row changes for one table and filter.
type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	PostgresChanges []changeFilter `json:"postgres_changes"`
}

type changeFilter struct {
	Event  string `json:"event"` // "*" for all operations
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// changePayload is the payload of a postgres_changes event.
type changePayload struct {
	Data changeData `json:"data"`
}

type changeData struct {
	Type            string          `json:"type"` // "INSERT", "UPDATE", "DELETE"
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	CommitTimestamp string          `json:"commit_timestamp"`
	Record          json.RawMessage `json:"record"`
	OldRecord       json.RawMessage `json:"old_record"`
}

// Config configures a Subscriber.
type Config struct {
	URL               string        // WebSocket URL (e.g., wss://project.example.com/realtime/v1/websocket)
	Schema            string        // Database schema (default: public)
	Table             string        // Table carrying pin state (default: tasks)
	HeartbeatInterval time.Duration // Heartbeat period; an unanswered heartbeat times out the channel
	JoinTimeout       time.Duration // Max wait for the join reply
	WriteTimeout      time.Duration // Write deadline for sends
	HandshakeTimeout  time.Duration // WebSocket handshake timeout
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Schema:            "public",
		Table:             "tasks",
		HeartbeatInterval: 25 * time.Second,
		JoinTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Schema == "" {
		c.Schema = d.Schema
	}
	if c.Table == "" {
		c.Table = d.Table
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	return c
}
