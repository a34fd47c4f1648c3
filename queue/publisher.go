package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// publishChannel is the part of *amqp.Channel a Publisher uses.
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends job ids to the job queue. It satisfies jobs.Dispatcher.
type Publisher struct {
	channel publishChannel
	queue   string
	mu      sync.Mutex
	logger  *slog.Logger
}

// NewPublisher publishes to queueName on channel. An empty queueName uses
// DefaultQueue.
func NewPublisher(channel *amqp.Channel, queueName string) (*Publisher, error) {
	if channel == nil {
		return nil, ErrChannelRequired
	}
	return newPublisher(channel, queueName), nil
}

func newPublisher(channel publishChannel, queueName string) *Publisher {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Publisher{
		channel: channel,
		queue:   queueName,
		logger:  slog.Default().With("component", "queue-publisher"),
	}
}

// Dispatch publishes a persistent message for jobID.
func (p *Publisher) Dispatch(ctx context.Context, jobID string) error {
	body, err := encodeMessage(jobID, time.Now().UTC())
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    jobID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing job %s to %s: %w", jobID, p.queue, err)
	}
	p.logger.Debug("job published", "job_id", jobID, "queue", p.queue)
	return nil
}

// Queue returns the name of the queue published to.
func (p *Publisher) Queue() string {
	return p.queue
}
