package requeue

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/umbrellio/sneakers-handlers/internal/monitor"
)

// ensurePrimaryExchange declares the exchange retried messages route through.
// Called once at construction, before any concurrent traffic.
func (r *Requeuer) ensurePrimaryExchange() error {
	log.Info().Str("exchange", r.opts.Exchange).Str("type", r.opts.ExchangeType).Msg("Declaring primary exchange")
	err := r.ch.ExchangeDeclare(
		r.opts.Exchange,     // name
		r.opts.ExchangeType, // type
		r.opts.Durable,      // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare primary exchange %s: %w", r.opts.Exchange, err)
	}
	return nil
}

// ensureErrorDestination declares the terminal quarantine path: the error
// exchange plus the {queue}.error queue bound under the configured
// dead-letter routing key. Called once at construction.
func (r *Requeuer) ensureErrorDestination() error {
	log.Info().Str("exchange", r.opts.DeadLetterExchange).Msg("Declaring error exchange")
	err := r.ch.ExchangeDeclare(
		r.opts.DeadLetterExchange, // name
		"direct",                  // type
		r.opts.Durable,            // durable
		false,                     // auto-deleted
		false,                     // internal
		false,                     // no-wait
		nil,                       // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare error exchange %s: %w", r.opts.DeadLetterExchange, err)
	}

	name := r.opts.Queue + ".error"
	log.Info().Str("queue", name).Msg("Declaring error queue")
	if err := r.declareQueue(name, r.baseQueueArgs()); err != nil {
		return fmt.Errorf("failed to declare error queue %s: %w", name, err)
	}

	err = r.ch.QueueBind(
		name,                        // queue name
		r.opts.DeadLetterRoutingKey, // routing key
		r.opts.DeadLetterExchange,   // exchange name
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind error queue %s to %s: %w", name, r.opts.DeadLetterExchange, err)
	}
	return nil
}

// EnsureRetryQueue lazily declares the TTL queue for one delay value and
// binds it to the primary exchange under {queue}.{delay}. The declared name
// is cached for the coordinator's lifetime; the whole declare-and-bind runs
// under a single critical section so concurrent failure signals never race a
// declaration for a not-yet-cached delay.
func (r *Requeuer) EnsureRetryQueue(delaySeconds int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name, ok := r.retryQueues[delaySeconds]; ok {
		return name, nil
	}

	name := fmt.Sprintf("%s.retry.%d", r.opts.Queue, delaySeconds)
	args := r.baseQueueArgs()
	args["x-dead-letter-exchange"] = r.opts.Exchange
	args["x-dead-letter-routing-key"] = r.opts.Queue
	args["x-message-ttl"] = int64(delaySeconds) * 1000

	log.Info().Str("queue", name).Int("delaySeconds", delaySeconds).Msg("Declaring retry queue")
	if err := r.declareQueue(name, args); err != nil {
		return "", fmt.Errorf("failed to declare retry queue %s: %w", name, err)
	}

	key := fmt.Sprintf("%s.%d", r.opts.Queue, delaySeconds)
	if err := r.ch.QueueBind(name, key, r.opts.Exchange, false, nil); err != nil {
		return "", fmt.Errorf("failed to bind retry queue %s with key %s: %w", name, key, err)
	}

	r.retryQueues[delaySeconds] = name
	monitor.RetryQueuesProvisioned.Inc()
	return name, nil
}

// declareQueue declares a queue, recovering once from a stale queue left over
// from a previous configuration (changed TTL or arguments): on
// PRECONDITION_FAILED the old queue is deleted and the declaration retried
// exactly once. A second failure propagates.
func (r *Requeuer) declareQueue(name string, args amqp.Table) error {
	_, err := r.ch.QueueDeclare(
		name,           // name
		r.opts.Durable, // durable
		false,          // delete when unused
		false,          // exclusive
		false,          // no-wait
		args,           // arguments
	)
	if err == nil {
		return nil
	}

	var aerr *amqp.Error
	if !errors.As(err, &aerr) || aerr.Code != amqp.PreconditionFailed {
		return err
	}

	log.Warn().Str("queue", name).Err(err).Msg("Queue exists with conflicting parameters, deleting and redeclaring")
	if _, derr := r.ch.QueueDelete(name, false, false, false); derr != nil {
		return fmt.Errorf("failed to delete conflicting queue %s: %w", name, derr)
	}
	_, err = r.ch.QueueDeclare(name, r.opts.Durable, false, false, false, args)
	return err
}

// baseQueueArgs copies the configured queue arguments, hinting quorum queues
// for durable deployments unless the caller already chose a type.
func (r *Requeuer) baseQueueArgs() amqp.Table {
	args := make(amqp.Table, len(r.opts.QueueArgs)+1)
	for k, v := range r.opts.QueueArgs {
		args[k] = v
	}
	if r.opts.Durable {
		if _, ok := args["x-queue-type"]; !ok {
			args["x-queue-type"] = "quorum"
		}
	}
	return args
}
