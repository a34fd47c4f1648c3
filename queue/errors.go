package queue

import "errors"

var (
	// ErrHandlerRequired indicates a Consumer was created without a JobHandler.
	ErrHandlerRequired = errors.New("job handler is required")

	// ErrChannelRequired indicates a nil AMQP channel.
	ErrChannelRequired = errors.New("amqp channel is required")

	// ErrInvalidMessage indicates a message body that is not a job message.
	ErrInvalidMessage = errors.New("invalid job message")
)
