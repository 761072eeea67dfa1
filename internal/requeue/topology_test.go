package requeue

import (
	"sync"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		Queue:                "orders",
		Exchange:             "events",
		ExchangeType:         "topic",
		Durable:              true,
		DeadLetterExchange:   "events.error",
		DeadLetterRoutingKey: "orders.failed",
	}
}

func TestNew_DeclaresTopology(t *testing.T) {
	ch := newFakeChannel()
	_, err := New(ch, testOptions())
	require.NoError(t, err)

	require.Len(t, ch.exchanges, 2)
	assert.Equal(t, declaredExchange{name: "events", kind: "topic", durable: true}, ch.exchanges[0])
	assert.Equal(t, declaredExchange{name: "events.error", kind: "direct", durable: true}, ch.exchanges[1])

	queues := ch.declaredQueues("orders.error")
	require.Len(t, queues, 1)
	assert.True(t, queues[0].durable)
	assert.Equal(t, "quorum", queues[0].args["x-queue-type"])

	require.Len(t, ch.bindings, 1)
	assert.Equal(t, queueBinding{queue: "orders.error", key: "orders.failed", exchange: "events.error"}, ch.bindings[0])
}

func TestNew_ValidatesOptions(t *testing.T) {
	ch := newFakeChannel()

	_, err := New(ch, Options{Exchange: "events", DeadLetterExchange: "x", DeadLetterRoutingKey: "k"})
	assert.Error(t, err)

	_, err = New(ch, Options{Queue: "orders", DeadLetterExchange: "x", DeadLetterRoutingKey: "k"})
	assert.Error(t, err)

	_, err = New(ch, Options{Queue: "orders", Exchange: "events"})
	assert.Error(t, err)
}

func TestEnsureRetryQueue_DeclaresTTLQueue(t *testing.T) {
	ch := newFakeChannel()
	r, err := New(ch, testOptions())
	require.NoError(t, err)

	name, err := r.EnsureRetryQueue(7)
	require.NoError(t, err)
	assert.Equal(t, "orders.retry.7", name)

	queues := ch.declaredQueues("orders.retry.7")
	require.Len(t, queues, 1)
	assert.Equal(t, int64(7000), queues[0].args["x-message-ttl"])
	assert.Equal(t, "events", queues[0].args["x-dead-letter-exchange"])
	assert.Equal(t, "orders", queues[0].args["x-dead-letter-routing-key"])
	assert.Equal(t, "quorum", queues[0].args["x-queue-type"])

	assert.Contains(t, ch.bindings, queueBinding{queue: "orders.retry.7", key: "orders.7", exchange: "events"})
}

func TestEnsureRetryQueue_LargeDelayDoesNotOverflowTTL(t *testing.T) {
	ch := newFakeChannel()
	r, err := New(ch, testOptions())
	require.NoError(t, err)

	// A custom policy may return delays whose millisecond value exceeds int32.
	delay := 3_000_000
	name, err := r.EnsureRetryQueue(delay)
	require.NoError(t, err)
	assert.Equal(t, "orders.retry.3000000", name)

	queues := ch.declaredQueues(name)
	require.Len(t, queues, 1)
	assert.Equal(t, int64(3_000_000_000), queues[0].args["x-message-ttl"])
}

func TestEnsureRetryQueue_Idempotent(t *testing.T) {
	ch := newFakeChannel()
	r, err := New(ch, testOptions())
	require.NoError(t, err)

	first, err := r.EnsureRetryQueue(4)
	require.NoError(t, err)
	second, err := r.EnsureRetryQueue(4)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, ch.declaredQueues("orders.retry.4"), 1)
}

func TestEnsureRetryQueue_ConcurrentSameDelay(t *testing.T) {
	ch := newFakeChannel()
	r, err := New(ch, testOptions())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := r.EnsureRetryQueue(7)
			assert.NoError(t, err)
			assert.Equal(t, "orders.retry.7", name)
		}()
	}
	wg.Wait()

	// Exactly one declaration reaches the broker.
	assert.Len(t, ch.declaredQueues("orders.retry.7"), 1)
}

func TestEnsureRetryQueue_RecreatesStaleQueueOnce(t *testing.T) {
	ch := newFakeChannel()
	r, err := New(ch, testOptions())
	require.NoError(t, err)

	conflict := &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED", Recover: true}
	ch.failDeclare("orders.retry.1", conflict)

	name, err := r.EnsureRetryQueue(1)
	require.NoError(t, err)
	assert.Equal(t, "orders.retry.1", name)

	assert.Equal(t, []string{"orders.retry.1"}, ch.deleted)
	assert.Len(t, ch.declaredQueues("orders.retry.1"), 1)
}

func TestEnsureRetryQueue_SecondConflictPropagates(t *testing.T) {
	ch := newFakeChannel()
	r, err := New(ch, testOptions())
	require.NoError(t, err)

	conflict := &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED", Recover: true}
	ch.failDeclare("orders.retry.1", conflict)
	ch.failDeclare("orders.retry.1", conflict)

	_, err = r.EnsureRetryQueue(1)
	require.Error(t, err)

	var aerr *amqp.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, amqp.PreconditionFailed, aerr.Code)
}

func TestBaseQueueArgs_CallerOverridesQueueType(t *testing.T) {
	opts := testOptions()
	opts.QueueArgs = amqp.Table{"x-queue-type": "classic", "x-max-priority": int32(5)}

	ch := newFakeChannel()
	r, err := New(ch, opts)
	require.NoError(t, err)

	_, err = r.EnsureRetryQueue(2)
	require.NoError(t, err)

	queues := ch.declaredQueues("orders.retry.2")
	require.Len(t, queues, 1)
	assert.Equal(t, "classic", queues[0].args["x-queue-type"])
	assert.Equal(t, int32(5), queues[0].args["x-max-priority"])

	// Configured args are copied per queue, never aliased.
	assert.NotContains(t, opts.QueueArgs, "x-message-ttl")
}
