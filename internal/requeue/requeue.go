// Package requeue implements the retry / dead-letter coordinator for
// at-least-once RabbitMQ consumers. On each failure signal it derives the
// attempt count from the message's x-death history, then either republishes
// the message to a lazily provisioned per-delay TTL retry queue or routes it
// to the error exchange once the budget is spent, and finally acknowledges
// the original delivery.
package requeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/umbrellio/sneakers-handlers/internal/backoff"
	"github.com/umbrellio/sneakers-handlers/internal/models"
	"github.com/umbrellio/sneakers-handlers/internal/monitor"
)

const (
	// rejectionReasonHeader carries the failure description on the
	// republished copy. The key is part of the wire contract with existing
	// deployments.
	rejectionReasonHeader = "rejectionReason"

	// delayHeader is the rabbitmq_delayed_message_exchange plugin header.
	// A stale value on a TTL-bound retry queue can expire the message before
	// the delay elapses, so it never survives a republish.
	delayHeader = "x-delay"

	reasonRejected = "rejected"
	reasonTimedOut = "timed out"

	defaultMaxRetries = 25
)

// QuarantineStore records messages that exhausted their retry budget.
// Recording is best effort; a store failure never blocks the ack path.
type QuarantineStore interface {
	Record(ctx context.Context, rec models.QuarantinedMessage) error
}

// Options configures a Requeuer for one logical queue.
type Options struct {
	// Queue is the logical queue name retry budgets and naming derive from.
	Queue string

	// Exchange is the primary exchange retried messages are published to.
	Exchange     string
	ExchangeType string

	// Durable applies to the exchanges and every queue the coordinator
	// declares. Durable queues get an x-queue-type=quorum hint unless
	// QueueArgs overrides it.
	Durable bool

	// QueueArgs are merged into the arguments of every declared queue.
	QueueArgs amqp.Table

	// DeadLetterExchange and DeadLetterRoutingKey name the terminal
	// quarantine destination. Both are required.
	DeadLetterExchange   string
	DeadLetterRoutingKey string

	// MaxRetries is the retry budget before quarantine. Zero means the
	// default of 25.
	MaxRetries int

	// Backoff maps an attempt index to a delay in seconds. Nil means the
	// default quadratic policy.
	Backoff backoff.Policy

	// Store, when set, receives an audit record for every quarantined
	// message.
	Store QuarantineStore
}

// Requeuer is the per-queue coordinator. It is safe for concurrent use by
// multiple consumer goroutines; only retry-queue provisioning takes a lock.
type Requeuer struct {
	ch   Channel
	opts Options

	mu          sync.Mutex
	retryQueues map[int]string // delay seconds -> declared queue name
}

// New validates the options, declares the primary exchange and the error
// destination, and returns a coordinator ready for concurrent traffic.
func New(ch Channel, opts Options) (*Requeuer, error) {
	if opts.Queue == "" {
		return nil, errors.New("requeue: queue name is required")
	}
	if opts.Exchange == "" {
		return nil, errors.New("requeue: exchange name is required")
	}
	if opts.DeadLetterExchange == "" || opts.DeadLetterRoutingKey == "" {
		return nil, errors.New("requeue: dead-letter exchange and routing key are required")
	}
	if opts.ExchangeType == "" {
		opts.ExchangeType = "topic"
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.Quadratic
	}

	r := &Requeuer{
		ch:          ch,
		opts:        opts,
		retryQueues: make(map[int]string),
	}

	if err := r.ensurePrimaryExchange(); err != nil {
		return nil, err
	}
	if err := r.ensureErrorDestination(); err != nil {
		return nil, err
	}
	return r, nil
}

// OnReject handles an explicit rejection from the handler.
func (r *Requeuer) OnReject(ctx context.Context, d amqp.Delivery) error {
	return r.settle(ctx, d, reasonRejected)
}

// OnError handles an unhandled processing error. The cause becomes the
// rejection reason on the republished copy.
func (r *Requeuer) OnError(ctx context.Context, d amqp.Delivery, cause error) error {
	reason := "errored"
	if cause != nil {
		reason = cause.Error()
	}
	return r.settle(ctx, d, reason)
}

// OnTimeout handles a processing timeout as decided by the caller; the
// coordinator does not measure time itself.
func (r *Requeuer) OnTimeout(ctx context.Context, d amqp.Delivery) error {
	return r.settle(ctx, d, reasonTimedOut)
}

// OnAcknowledge acknowledges a successfully processed delivery. No retry
// logic is involved.
func (r *Requeuer) OnAcknowledge(_ context.Context, d amqp.Delivery) error {
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery %d: %w", d.DeliveryTag, err)
	}
	monitor.MsgsAcked.Inc()
	return nil
}

// OnNoop leaves the delivery untouched; the message was settled elsewhere.
func (r *Requeuer) OnNoop(_ context.Context, d amqp.Delivery) error {
	log.Debug().Uint64("deliveryTag", d.DeliveryTag).Str("queue", r.opts.Queue).Msg("No-op signal, leaving delivery untouched")
	return nil
}

// settle runs the decision procedure and routes any escaping error through
// the failure classifier.
func (r *Requeuer) settle(ctx context.Context, d amqp.Delivery, reason string) error {
	if err := r.decide(ctx, d, reason); err != nil {
		monitor.RequeueFailures.Inc()
		return r.recoverDelivery(d, err)
	}
	return nil
}

// decide is the shared decision procedure: derive the attempt count, build
// the republish headers, retry or quarantine, then ack the original. Exactly
// one terminal publish happens per failure signal, always followed by an ack
// of the original delivery, so the broker never holds the message in limbo
// between the original and the new copy.
func (r *Requeuer) decide(ctx context.Context, d amqp.Delivery, reason string) error {
	attempt := AttemptCount(d.Headers, r.opts.Queue)
	headers := republishHeaders(d.Headers, reason)

	if attempt < r.opts.MaxRetries {
		delay := r.opts.Backoff(attempt)
		log.Info().
			Str("queue", r.opts.Queue).
			Str("messageId", d.MessageId).
			Int("attempt", attempt).
			Int("maxRetries", r.opts.MaxRetries).
			Int("delaySeconds", delay).
			Str("reason", reason).
			Msg("Scheduling delayed retry")

		if _, err := r.EnsureRetryQueue(delay); err != nil {
			return err
		}
		key := fmt.Sprintf("%s.%d", r.opts.Queue, delay)
		if err := r.republish(r.opts.Exchange, key, d, headers); err != nil {
			return fmt.Errorf("failed to publish retry for delivery %d: %w", d.DeliveryTag, err)
		}
		monitor.MsgsRetried.Inc()
	} else {
		log.Warn().
			Str("queue", r.opts.Queue).
			Str("messageId", d.MessageId).
			Int("attempt", attempt).
			Int("maxRetries", r.opts.MaxRetries).
			Str("reason", reason).
			Msg("Retry budget exhausted, quarantining message")

		if err := r.republish(r.opts.DeadLetterExchange, r.opts.DeadLetterRoutingKey, d, headers); err != nil {
			return fmt.Errorf("failed to quarantine delivery %d: %w", d.DeliveryTag, err)
		}
		monitor.MsgsQuarantined.Inc()
		r.audit(ctx, d, reason, attempt)
	}

	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery %d after republish: %w", d.DeliveryTag, err)
	}
	monitor.MsgsAcked.Inc()
	return nil
}

// republish forwards the original body and delivery properties under fresh
// headers. The payload is never inspected or modified.
func (r *Requeuer) republish(exchange, key string, d amqp.Delivery, headers amqp.Table) error {
	return r.ch.Publish(
		exchange, // exchange
		key,      // routing key
		false,    // mandatory
		false,    // immediate
		amqp.Publishing{
			Headers:         headers,
			ContentType:     d.ContentType,
			ContentEncoding: d.ContentEncoding,
			CorrelationId:   d.CorrelationId,
			MessageId:       d.MessageId,
			Timestamp:       d.Timestamp,
			Type:            d.Type,
			AppId:           d.AppId,
			DeliveryMode:    amqp.Persistent,
			Body:            d.Body,
		},
	)
}

// audit records the quarantine to the store if one is configured.
func (r *Requeuer) audit(ctx context.Context, d amqp.Delivery, reason string, attempt int) {
	if r.opts.Store == nil {
		return
	}
	rec := models.QuarantinedMessage{
		MessageID:     d.MessageId,
		Queue:         r.opts.Queue,
		RoutingKey:    d.RoutingKey,
		Reason:        reason,
		Attempts:      attempt,
		Body:          d.Body,
		QuarantinedAt: time.Now(),
	}
	if err := r.opts.Store.Record(ctx, rec); err != nil {
		log.Warn().Err(err).Str("messageId", d.MessageId).Msg("Failed to record quarantined message")
	}
}

// republishHeaders builds the metadata for the new copy: the input table is
// copied, never mutated, with the rejection reason set and the delayed-message
// plugin header removed.
func republishHeaders(in amqp.Table, reason string) amqp.Table {
	out := make(amqp.Table, len(in)+1)
	for k, v := range in {
		if k == delayHeader {
			continue
		}
		out[k] = v
	}
	out[rejectionReasonHeader] = reason
	return out
}
