package processor

import (
	"context"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"

	"github.com/umbrellio/sneakers-handlers/config"
	"github.com/umbrellio/sneakers-handlers/internal/contracts"
)

func TestMessageHandler_ValidMessage(t *testing.T) {
	p := New(config.Config{})
	err := p.MessageHandler(context.Background(), amqp.Delivery{
		Body: []byte(`{"eventId":"e1","kind":"order.created","payload":{}}`),
	})
	assert.NoError(t, err)
}

func TestMessageHandler_MalformedBodyIsRejected(t *testing.T) {
	p := New(config.Config{})
	err := p.MessageHandler(context.Background(), amqp.Delivery{
		Body: []byte(`not json`),
	})
	assert.ErrorIs(t, err, contracts.ErrReject)
}

func TestMessageHandler_ExpiredContext(t *testing.T) {
	p := New(config.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.MessageHandler(ctx, amqp.Delivery{
		Body: []byte(`{"eventId":"e1"}`),
	})
	assert.ErrorIs(t, err, context.Canceled)
}
