package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage"
	amqp "github.com/rabbitmq/amqp091-go"
)

// JobHandler runs one job to a terminal status. ingestion.Runner implements it.
type JobHandler interface {
	Run(ctx context.Context, jobID string) error
}

// consumeChannel is the part of *amqp.Channel a Consumer uses.
type consumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Consumer runs the jobs published to the job queue.
type Consumer struct {
	channel  consumeChannel
	queue    string
	tag      string
	handler  JobHandler
	prefetch int
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer) error

// WithPrefetch sets how many unacknowledged jobs a consumer holds, which is
// also how many it runs at once. Default is 1.
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) error {
		if n < 1 {
			return fmt.Errorf("%w: prefetch must be at least 1", core.ErrValidation)
		}
		c.prefetch = n
		return nil
	}
}

// WithConsumerTag names the consumer on the broker.
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) error {
		c.tag = tag
		return nil
	}
}

// WithConsumerLogger sets a custom logger.
// Default is slog.Default().
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) error {
		if logger == nil {
			logger = slog.Default()
		}
		c.logger = logger
		return nil
	}
}

// NewConsumer reads queueName on channel and hands each job to handler.
func NewConsumer(channel *amqp.Channel, queueName string, handler JobHandler, opts ...ConsumerOption) (*Consumer, error) {
	if channel == nil {
		return nil, ErrChannelRequired
	}
	return newConsumer(channel, queueName, handler, opts...)
}

func newConsumer(channel consumeChannel, queueName string, handler JobHandler, opts ...ConsumerOption) (*Consumer, error) {
	if handler == nil {
		return nil, ErrHandlerRequired
	}
	if queueName == "" {
		queueName = DefaultQueue
	}
	c := &Consumer{
		channel:  channel,
		queue:    queueName,
		tag:      "kbingest-worker",
		handler:  handler,
		prefetch: 1,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.logger = c.logger.With("component", "queue-consumer", "queue", queueName)
	return c, nil
}

// Start consumes until ctx is done or the broker closes the delivery
// channel, then waits for running jobs to finish.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.channel.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("setting QoS: %w", err)
	}
	deliveries, err := c.channel.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming from %s: %w", c.queue, err)
	}
	c.logger.Info("consumer started", "prefetch", c.prefetch)
	defer c.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer shutting down")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed")
				return nil
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.handle(ctx, d)
			}()
		}
	}
}

// handle runs the job of one delivery and settles it.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	msg, err := decodeMessage(d.Body)
	if err != nil {
		c.logger.Error("dropping message", "err", err)
		c.settle(msg.JobID, d.Nack(false, false))
		return
	}

	// A started run finishes even when the consumer shuts down.
	err = c.handler.Run(context.WithoutCancel(ctx), msg.JobID)
	switch {
	case err == nil:
		c.settle(msg.JobID, d.Ack(false))
	case errors.Is(err, storage.ErrArtifactBusy):
		c.logger.Info("artifact busy, requeueing job", "job_id", msg.JobID)
		c.settle(msg.JobID, d.Nack(false, true))
	case errors.Is(err, core.ErrInvalidStateTransition), errors.Is(err, core.ErrNotFound):
		// Already run, cancelled or deleted.
		c.logger.Info("skipping job that is no longer pending", "job_id", msg.JobID, "err", err)
		c.settle(msg.JobID, d.Ack(false))
	default:
		c.logger.Error("job run failed, dead-lettering message", "job_id", msg.JobID, "err", err)
		c.settle(msg.JobID, d.Nack(false, false))
	}
}

func (c *Consumer) settle(jobID string, err error) {
	if err != nil {
		c.logger.Warn("failed to settle delivery", "job_id", jobID, "err", err)
	}
}
