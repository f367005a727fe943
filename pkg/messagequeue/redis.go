package messagequeue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher appends messages to a Redis stream named after the topic
type RedisPublisher struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublisher connects to config.RedisURL
func NewRedisPublisher(config Config) (*RedisPublisher, error) {
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisPublisher{rdb: rdb, stream: config.Topic, maxLen: config.MaxLen}, nil
}

// Publish XADDs the message, trimming the stream to roughly MaxLen entries
func (p *RedisPublisher) Publish(ctx context.Context, msg *Message) error {
	stream := msg.Topic
	if stream == "" {
		stream = p.stream
	}

	data, err := MessageToPayload(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"type": msg.Type,
			"data": string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

// Read returns up to count messages after lastID ("0" for the beginning),
// blocking up to block when none are available. A zero block does not wait.
func (p *RedisPublisher) Read(ctx context.Context, lastID string, count int64, block time.Duration) ([]*Message, error) {
	if lastID == "" {
		lastID = "0"
	}
	if block <= 0 {
		// go-redis treats a zero Block as "block forever"
		block = -1
	}

	results, err := p.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{p.stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", p.stream, err)
	}

	var messages []*Message
	for _, r := range results {
		for _, entry := range r.Messages {
			data, ok := entry.Values["data"].(string)
			if !ok {
				continue
			}
			msg, err := PayloadToMessage([]byte(data))
			if err != nil {
				continue
			}
			msg.StreamID = entry.ID
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

// Len returns the number of entries in the stream
func (p *RedisPublisher) Len(ctx context.Context) (int64, error) {
	return p.rdb.XLen(ctx, p.stream).Result()
}

// Name returns "redis"
func (p *RedisPublisher) Name() string {
	return "redis"
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

// RedisFactory creates Redis stream publishers
type RedisFactory struct{}

// Create creates a new Redis stream publisher
func (f *RedisFactory) Create(config Config) (Publisher, error) {
	return NewRedisPublisher(config)
}
