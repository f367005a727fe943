// Package messagequeue publishes orchestrator lifecycle events to external brokers
package messagequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rizome-dev/conductor/pkg/config"
	"github.com/rizome-dev/conductor/pkg/types"
)

// Message is the envelope written to a broker for one lifecycle event
type Message struct {
	ID        string                 `json:"id"`
	Topic     string                 `json:"topic"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp int64                  `json:"timestamp"`

	// StreamID is set on messages read back from a Redis stream
	StreamID string `json:"-"`
}

// Publisher delivers messages to a broker
type Publisher interface {
	// Publish writes one message
	Publish(ctx context.Context, msg *Message) error

	// Name identifies the sink in logs and metrics
	Name() string

	// Close releases the broker connection
	Close() error
}

// Config holds message queue configuration
type Config struct {
	Type  string // "amq" or "redis"
	Topic string

	// AMQ
	StorePath      string
	WorkerPoolSize int
	MessageTimeout time.Duration

	// Redis
	RedisURL string
	MaxLen   int64
}

// ConfigFrom builds a Config from the events section of the file configuration
func ConfigFrom(cfg config.EventsConfig) Config {
	return Config{
		Type:           cfg.Sink,
		Topic:          cfg.Topic,
		StorePath:      cfg.AMQ.StorePath,
		WorkerPoolSize: cfg.AMQ.WorkerPoolSize,
		MessageTimeout: cfg.AMQ.MessageTimeout,
		RedisURL:       cfg.Redis.URL,
		MaxLen:         cfg.Redis.MaxLen,
	}
}

// Factory creates publishers
type Factory interface {
	Create(config Config) (Publisher, error)
}

// New creates the publisher selected by config.Type
func New(config Config) (Publisher, error) {
	var factory Factory
	switch config.Type {
	case "amq":
		factory = &AMQFactory{}
	case "redis":
		factory = &RedisFactory{}
	default:
		return nil, fmt.Errorf("unsupported event sink: %s", config.Type)
	}
	return factory.Create(config)
}

// FromEvent wraps a lifecycle event for publishing on topic
func FromEvent(event *types.Event, topic string) *Message {
	return &Message{
		ID:        event.ID,
		Topic:     topic,
		Type:      string(event.Type),
		Source:    event.Source,
		Payload:   types.CopyMap(event.Data),
		Timestamp: event.Timestamp.UnixMilli(),
	}
}

// MessageToPayload converts a Message to JSON bytes
func MessageToPayload(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// PayloadToMessage converts JSON bytes to a Message
func PayloadToMessage(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
