package messagequeue

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/rizome-dev/conductor/pkg/config"
	"github.com/rizome-dev/conductor/pkg/types"
)

func TestFromEvent(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	event := &types.Event{
		ID:        "evt-1",
		Type:      types.EventTypeWorkflowCompleted,
		Source:    "orchestrator",
		Timestamp: ts,
		Data:      map[string]interface{}{"executionId": "e1"},
	}

	msg := FromEvent(event, "conductor.events")
	if msg.ID != "evt-1" || msg.Type != "workflow:completed" || msg.Topic != "conductor.events" {
		t.Errorf("Unexpected message: %+v", msg)
	}
	if msg.Timestamp != ts.UnixMilli() {
		t.Errorf("Expected millisecond timestamp, got %d", msg.Timestamp)
	}

	event.Data["executionId"] = "changed"
	if msg.Payload["executionId"] != "e1" {
		t.Error("Message payload must not alias event data")
	}

	payload, err := MessageToPayload(msg)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	decoded, err := PayloadToMessage(payload)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if decoded.Payload["executionId"] != "e1" {
		t.Errorf("Unexpected decoded payload: %v", decoded.Payload)
	}
	if _, err := PayloadToMessage([]byte("not json")); err == nil {
		t.Error("Expected decode error")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		wantError bool
	}{
		{"unknown sink", Config{Type: "kafka", Topic: "t"}, true},
		{"none sink", Config{Type: "none"}, true},
		{"redis bad url", Config{Type: "redis", Topic: "t", RedisURL: "://bad"}, true},
		{"redis without topic", Config{Type: "redis", RedisURL: "redis://localhost:1/0"}, true},
		{"amq without topic", Config{Type: "amq", StorePath: "unused"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, err := New(tt.config)
			if (err != nil) != tt.wantError {
				t.Errorf("New() error = %v, wantError %v", err, tt.wantError)
			}
			if pub != nil {
				pub.Close()
			}
		})
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.EventsConfig{
		Sink:  "redis",
		Topic: "events",
		Redis: config.RedisConfig{URL: "redis://cache:6379/1", MaxLen: 50},
		AMQ:   config.AMQConfig{StorePath: "/data/amq", WorkerPoolSize: 4},
	})
	if cfg.Type != "redis" || cfg.RedisURL != "redis://cache:6379/1" || cfg.MaxLen != 50 {
		t.Errorf("Unexpected redis settings: %+v", cfg)
	}
	if cfg.StorePath != "/data/amq" || cfg.WorkerPoolSize != 4 {
		t.Errorf("Unexpected amq settings: %+v", cfg)
	}
}

func TestAMQPublisher(t *testing.T) {
	pub, err := NewAMQPublisher(Config{
		Topic:          "conductor.events",
		StorePath:      t.TempDir(),
		WorkerPoolSize: 2,
		MessageTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create AMQ publisher: %v", err)
	}
	defer pub.Close()

	if pub.Name() != "amq" {
		t.Errorf("Expected name amq, got %s", pub.Name())
	}

	ctx := context.Background()
	msg := FromEvent(&types.Event{ID: "e1", Type: types.EventTypeTaskQueued, Timestamp: time.Now()}, "")
	if err := pub.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	stats, err := pub.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Name != "conductor.events" {
		t.Errorf("Expected stats for conductor.events, got %s", stats.Name)
	}
}

func startRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get redis endpoint: %v", err)
	}
	return "redis://" + endpoint + "/0"
}

func TestRedisPublisher(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()

	pub, err := NewRedisPublisher(Config{Topic: "conductor:events", RedisURL: url, MaxLen: 100})
	if err != nil {
		t.Fatalf("Failed to create redis publisher: %v", err)
	}
	defer pub.Close()

	for _, eventType := range []types.EventType{types.EventTypeTaskQueued, types.EventTypeTaskStarted, types.EventTypeTaskCompleted} {
		event := &types.Event{ID: string(eventType), Type: eventType, Timestamp: time.Now(), Data: map[string]interface{}{"taskId": "t1"}}
		if err := pub.Publish(ctx, FromEvent(event, "")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	n, err := pub.Len(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Expected 3 stream entries, got %d (%v)", n, err)
	}

	msgs, err := pub.Read(ctx, "0", 2, 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Type != string(types.EventTypeTaskQueued) {
		t.Fatalf("Unexpected first page: %+v", msgs)
	}

	rest, err := pub.Read(ctx, msgs[1].StreamID, 10, 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(rest) != 1 || rest[0].Type != string(types.EventTypeTaskCompleted) || rest[0].Payload["taskId"] != "t1" {
		t.Errorf("Unexpected second page: %+v", rest)
	}

	empty, err := pub.Read(ctx, rest[0].StreamID, 10, 10*time.Millisecond)
	if err != nil || len(empty) != 0 {
		t.Errorf("Expected empty read, got %d (%v)", len(empty), err)
	}
}
