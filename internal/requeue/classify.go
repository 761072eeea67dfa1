package requeue

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

// recoverDelivery classifies an error that escaped the decision procedure.
//
// Connection-fatal failures make the channel unusable: it is closed (best
// effort) and the error propagates so the worker layer restarts the consumer.
// The original delivery stays unacknowledged; the broker redelivers it after
// the disconnect.
//
// Anything else is a local failure: the original is nacked with requeue so it
// does not sit unacknowledged forever, then the error propagates for
// visibility.
func (r *Requeuer) recoverDelivery(d amqp.Delivery, err error) error {
	if IsConnectionFatal(err) {
		log.Error().Err(err).Uint64("deliveryTag", d.DeliveryTag).Str("queue", r.opts.Queue).
			Msg("Connection-fatal failure while settling delivery, closing channel")
		if cerr := r.ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			log.Warn().Err(cerr).Msg("Failed to close channel after connection failure")
		}
		return fmt.Errorf("connection failure while settling delivery %d: %w", d.DeliveryTag, err)
	}

	log.Error().Err(err).Uint64("deliveryTag", d.DeliveryTag).Str("queue", r.opts.Queue).
		Msg("Unexpected failure while settling delivery, requeueing original")
	if nerr := d.Nack(false, true); nerr != nil {
		log.Warn().Err(nerr).Uint64("deliveryTag", d.DeliveryTag).Msg("Failed to nack delivery for requeue")
	}
	return fmt.Errorf("failed to settle delivery %d: %w", d.DeliveryTag, err)
}

// IsConnectionFatal reports whether the broker connection is no longer
// usable, looking through any wrapping. Channel-level soft errors (404, 406,
// ...) are marked recoverable by the client library; everything else tears
// the connection down. The worker layer uses this to decide whether a settle
// failure requires rebuilding the consumer.
func IsConnectionFatal(err error) bool {
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var aerr *amqp.Error
	return errors.As(err, &aerr) && !aerr.Recover
}
