package requeue

import (
	"strings"

	"github.com/streadway/amqp"
)

// AttemptCount derives the number of prior failed deliveries for a logical
// queue from the x-death records RabbitMQ maintains on the message. Records
// are attributed by queue-name prefix so that deaths on any delay variant
// ("orders.retry.4", "orders.retry.9", ...) all count toward the budget of
// the logical queue "orders". Two logical queues sharing a name prefix will
// count each other's deaths; callers are expected to avoid such names.
//
// The attempt count is recomputed on every failure signal and never cached
// per message, so it stays correct when messages are redelivered to another
// process.
func AttemptCount(headers amqp.Table, queue string) int {
	if headers == nil {
		return 0
	}

	deaths, ok := headers["x-death"].([]interface{})
	if !ok {
		return 0
	}

	total := 0
	for _, item := range deaths {
		death, ok := item.(amqp.Table)
		if !ok {
			continue
		}
		name, ok := death["queue"].(string)
		if !ok || !strings.HasPrefix(name, queue) {
			continue
		}
		total += asInt(death["count"])
	}
	return total
}

// asInt normalizes the integer widths the AMQP field table can carry.
func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
