package messagequeue

import (
	"context"
	"fmt"
	"time"

	"github.com/rizome-dev/amq"
	amqtypes "github.com/rizome-dev/amq/pkg/types"
)

const amqSender = "conductor"

// AMQPublisher publishes messages to a topic of an embedded AMQ instance
type AMQPublisher struct {
	amq   *amq.AMQ
	topic string
}

// NewAMQPublisher creates an AMQ instance and the topic queue events go to
func NewAMQPublisher(config Config) (*AMQPublisher, error) {
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 10
	}
	if config.MessageTimeout <= 0 {
		config.MessageTimeout = 30 * time.Second
	}

	amqInstance, err := amq.New(amq.Config{
		StorePath:         config.StorePath,
		WorkerPoolSize:    config.WorkerPoolSize,
		MessageTimeout:    config.MessageTimeout,
		HeartbeatInterval: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AMQ instance: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := amqInstance.CreateQueue(ctx, config.Topic, amqtypes.QueueTypeTopic); err != nil {
		// The topic survives restarts in the AMQ store
		if _, statErr := amqInstance.GetQueueStats(ctx, config.Topic); statErr != nil {
			amqInstance.Close()
			return nil, fmt.Errorf("failed to create topic %s: %w", config.Topic, err)
		}
	}

	return &AMQPublisher{amq: amqInstance, topic: config.Topic}, nil
}

// Publish submits the message to the topic. msg.Topic overrides the default topic.
func (p *AMQPublisher) Publish(ctx context.Context, msg *Message) error {
	topic := msg.Topic
	if topic == "" {
		topic = p.topic
	}

	payload, err := MessageToPayload(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	if _, err := p.amq.AdminSubmitTask(ctx, amqSender, topic, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Stats returns statistics of the events topic
func (p *AMQPublisher) Stats(ctx context.Context) (*amqtypes.QueueStats, error) {
	return p.amq.GetQueueStats(ctx, p.topic)
}

// Name returns "amq"
func (p *AMQPublisher) Name() string {
	return "amq"
}

// Close closes the AMQ instance
func (p *AMQPublisher) Close() error {
	return p.amq.Close()
}

// AMQFactory creates AMQ publishers
type AMQFactory struct{}

// Create creates a new AMQ publisher
func (f *AMQFactory) Create(config Config) (Publisher, error) {
	return NewAMQPublisher(config)
}
