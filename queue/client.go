package queue

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Default queue names.
const (
	DefaultQueue           = "kbingest.jobs"
	DefaultDeadLetterQueue = "kbingest.jobs.dlq"
)

// Client holds one AMQP connection and channel.
type Client struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
}

// Dial connects to the broker at url and opens a channel.
func Dial(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening RabbitMQ channel: %w", err)
	}
	return &Client{Conn: conn, Channel: channel}, nil
}

// DeclareQueues declares the durable job queue and its dead letter queue.
// Both publisher and consumer call it so either may start first.
func (c *Client) DeclareQueues(queueName, dlqName string) error {
	if _, err := c.Channel.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", dlqName, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqName,
	}
	if _, err := c.Channel.QueueDeclare(queueName, true, false, false, false, args); err != nil {
		return fmt.Errorf("declaring queue %s: %w", queueName, err)
	}
	return nil
}

// Close closes the channel and the connection.
func (c *Client) Close() error {
	var errs []error
	if err := c.Channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing channel: %w", err))
	}
	if err := c.Conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing connection: %w", err))
	}
	return errors.Join(errs...)
}
