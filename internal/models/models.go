package models

import (
	"encoding/json"
	"time"
)

// --- Incoming RabbitMQ Message Structures ---

// IncomingMessage represents the structure of the messages the example
// processor consumes. The requeue coordinator itself never inspects the body.
type IncomingMessage struct {
	EventID string          `json:"eventId"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// FromJSON parses an IncomingMessage from its JSON representation.
func (im *IncomingMessage) FromJSON(data []byte) error {
	return json.Unmarshal(data, im)
}

// --- Database Model ---

// QuarantinedMessage is the audit record written when a message exhausts its
// retry budget and is routed to the error exchange.
type QuarantinedMessage struct {
	ID            int64     `db:"id" json:"-"`
	MessageID     string    `db:"message_id" json:"messageId"`
	Queue         string    `db:"queue" json:"queue"`
	RoutingKey    string    `db:"routing_key" json:"routingKey"`
	Reason        string    `db:"reason" json:"reason"`
	Attempts      int       `db:"attempts" json:"attempts"`
	Body          []byte    `db:"body" json:"-"`
	QuarantinedAt time.Time `db:"quarantined_at" json:"quarantinedAt"`
}
