package processor

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/umbrellio/sneakers-handlers/config"
	"github.com/umbrellio/sneakers-handlers/internal/contracts"
	"github.com/umbrellio/sneakers-handlers/internal/models"
)

// Processor is the example message handler wired up by cmd/app. Real
// deployments replace it with their own contracts.MessageHandler; the retry
// and quarantine behaviour comes entirely from the coordinator.
type Processor struct {
	cfg config.Config
}

func New(cfg config.Config) *Processor {
	return &Processor{cfg: cfg}
}

// MessageHandler processes one delivery. A malformed body is rejected so the
// coordinator schedules a delayed retry and eventually quarantines it.
func (p *Processor) MessageHandler(ctx context.Context, delivery amqp.Delivery) error {
	var msg models.IncomingMessage
	if err := msg.FromJSON(delivery.Body); err != nil {
		log.Warn().Err(err).Uint64("deliveryTag", delivery.DeliveryTag).Msg("Failed to unmarshal incoming message, rejecting")
		return contracts.ErrReject
	}

	if msg.EventID == "" {
		msg.EventID = uuid.New().String()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	log.Info().Str("eventId", msg.EventID).Str("kind", msg.Kind).Msg("Processed message")
	return nil
}
