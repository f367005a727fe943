package messagequeue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rizome-dev/conductor/pkg/events"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/monitoring"
	"github.com/rizome-dev/conductor/pkg/types"
)

const (
	defaultBufferSize = 1024
	publishTimeout    = 5 * time.Second
)

// Bridge forwards bus events to a Publisher from a single goroutine. The
// bus listener never blocks: when the buffer is full the event is dropped.
type Bridge struct {
	publisher Publisher
	topic     string
	monitor   *monitoring.Monitor
	logger    *logging.Logger

	buffer chan *types.Event
	sub    events.Subscription
	bus    *events.Bus

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}

	// stopCtx is cancelled when Close gives up draining
	stopCtx context.Context
	stop    context.CancelFunc

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// BridgeConfig holds bridge configuration
type BridgeConfig struct {
	Publisher  Publisher
	Topic      string
	BufferSize int
	Monitor    *monitoring.Monitor
	Logger     *logging.Logger
}

// NewBridge creates a bridge. Call Attach to start receiving events.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}

	stopCtx, stop := context.WithCancel(context.Background())
	return &Bridge{
		publisher: cfg.Publisher,
		topic:     cfg.Topic,
		monitor:   cfg.Monitor,
		logger:    cfg.Logger.WithComponent("event-bridge").WithField("sink", cfg.Publisher.Name()),
		buffer:    make(chan *types.Event, cfg.BufferSize),
		done:      make(chan struct{}),
		stopCtx:   stopCtx,
		stop:      stop,
	}, nil
}

// Attach subscribes the bridge to every event on bus and starts forwarding
func (b *Bridge) Attach(bus *events.Bus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return fmt.Errorf("bridge already attached")
	}
	b.started = true
	b.bus = bus
	b.sub = bus.OnAll(b.enqueue)

	go b.run()
	b.logger.Info("event bridge attached")
	return nil
}

func (b *Bridge) enqueue(event *types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	select {
	case b.buffer <- event:
	default:
		count := b.dropped.Add(1)
		b.monitor.RecordEventDropped(b.publisher.Name(), "buffer_full")
		if count%100 == 1 {
			b.logger.WithField("dropped", count).Warn("event buffer full, dropping events")
		}
	}
}

func (b *Bridge) run() {
	defer close(b.done)

	for event := range b.buffer {
		if b.stopCtx.Err() != nil {
			b.dropped.Add(1)
			b.monitor.RecordEventDropped(b.publisher.Name(), "shutdown")
			continue
		}
		msg := FromEvent(event, b.topic)

		ctx, cancel := context.WithTimeout(b.stopCtx, publishTimeout)
		err := b.publisher.Publish(ctx, msg)
		cancel()

		if err != nil {
			b.failed.Add(1)
			b.monitor.RecordEventDropped(b.publisher.Name(), "publish_error")
			b.logger.WithError(err).WithField("event_type", msg.Type).Warn("failed to publish event")
			continue
		}
		b.published.Add(1)
		b.monitor.RecordEventPublished(b.publisher.Name())
	}
}

// Close detaches from the bus, drains buffered events until ctx expires and
// closes the publisher. When ctx expires the in-flight publish is cancelled,
// the rest of the buffer is dropped and the publisher is closed only after
// the forwarding goroutine has exited.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	if started {
		b.bus.Off(b.sub)
	}
	close(b.buffer)
	b.mu.Unlock()

	var drainErr error
	if started {
		select {
		case <-b.done:
		case <-ctx.Done():
			drainErr = fmt.Errorf("event bridge drain interrupted: %w", ctx.Err())
			b.stop()
			<-b.done
		}
	}
	b.stop()

	if err := b.publisher.Close(); err != nil {
		return fmt.Errorf("failed to close publisher: %w", err)
	}
	b.logger.WithFields(map[string]interface{}{
		"published": b.published.Load(),
		"dropped":   b.dropped.Load(),
		"failed":    b.failed.Load(),
	}).Info("event bridge closed")
	return drainErr
}

// Published returns how many events were delivered
func (b *Bridge) Published() uint64 {
	return b.published.Load()
}

// Dropped returns how many events were discarded because the buffer was full
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// Failed returns how many events the publisher rejected
func (b *Bridge) Failed() uint64 {
	return b.failed.Load()
}
