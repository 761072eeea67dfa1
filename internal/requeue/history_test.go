package requeue

import (
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
)

func TestAttemptCount_NoHistory(t *testing.T) {
	assert.Equal(t, 0, AttemptCount(nil, "orders"))
	assert.Equal(t, 0, AttemptCount(amqp.Table{}, "orders"))
	assert.Equal(t, 0, AttemptCount(amqp.Table{"x-death": "garbage"}, "orders"))
}

func TestAttemptCount_PrefixAttribution(t *testing.T) {
	headers := amqp.Table{
		"x-death": []interface{}{
			amqp.Table{"queue": "Q", "count": int64(3)},
			amqp.Table{"queue": "Q.retry.4", "count": int64(2)},
			amqp.Table{"queue": "Other", "count": int64(9)},
		},
	}

	// Deaths on the logical queue and on any of its retry variants share one
	// budget; deaths on unrelated queues are excluded.
	assert.Equal(t, 5, AttemptCount(headers, "Q"))
	assert.Equal(t, 9, AttemptCount(headers, "Other"))
	assert.Equal(t, 0, AttemptCount(headers, "missing"))
}

func TestAttemptCount_IntegerWidths(t *testing.T) {
	headers := amqp.Table{
		"x-death": []interface{}{
			amqp.Table{"queue": "orders", "count": int32(1)},
			amqp.Table{"queue": "orders.retry.1", "count": 2},
			amqp.Table{"queue": "orders.retry.4", "count": float64(3)},
		},
	}
	assert.Equal(t, 6, AttemptCount(headers, "orders"))
}

func TestAttemptCount_MalformedRecords(t *testing.T) {
	headers := amqp.Table{
		"x-death": []interface{}{
			"not a table",
			amqp.Table{"count": int64(4)},             // missing queue
			amqp.Table{"queue": "orders"},             // missing count
			amqp.Table{"queue": "orders", "count": 2}, // valid
		},
	}
	assert.Equal(t, 2, AttemptCount(headers, "orders"))
}
