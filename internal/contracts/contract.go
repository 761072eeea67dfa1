package contracts

import (
	"context"
	"errors"

	"github.com/streadway/amqp"
)

// MessageHandler defines the signature for a function that can process a RabbitMQ message.
// It's the contract between the eventbus consumer and the message processor.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// ErrReject is returned by a MessageHandler to explicitly reject the current
// message. The consumer hands the delivery to the requeue coordinator, which
// schedules a delayed retry or quarantines the message once its budget is spent.
var ErrReject = errors.New("message rejected by handler")

// ErrHandled is returned by a MessageHandler when the message was already
// settled elsewhere (for example forwarded on a different channel). The
// consumer treats it as a no-op: no ack, no retry.
var ErrHandled = errors.New("message already handled")
