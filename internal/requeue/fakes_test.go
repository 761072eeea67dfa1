package requeue

import (
	"sync"

	"github.com/streadway/amqp"
)

type declaredQueue struct {
	name    string
	durable bool
	args    amqp.Table
}

type queueBinding struct {
	queue    string
	key      string
	exchange string
}

type declaredExchange struct {
	name    string
	kind    string
	durable bool
}

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeChannel records every topology and publish call. declareErrs queues
// one error per upcoming QueueDeclare for a given name; publishErr fails
// every Publish.
type fakeChannel struct {
	mu sync.Mutex

	exchanges []declaredExchange
	queues    []declaredQueue
	bindings  []queueBinding
	published []publishedMessage
	deleted   []string
	closed    bool

	declareErrs map[string][]error
	publishErr  error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{declareErrs: make(map[string][]error)}
}

func (f *fakeChannel) failDeclare(queue string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declareErrs[queue] = append(f.declareErrs[queue], err)
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, declaredExchange{name: name, kind: kind, durable: durable})
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.declareErrs[name]; len(errs) > 0 {
		err := errs[0]
		f.declareErrs[name] = errs[1:]
		return amqp.Queue{}, err
	}
	f.queues = append(f.queues, declaredQueue{name: name, durable: durable, args: args})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueDelete(name string, _, _, _ bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return 0, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, queueBinding{queue: name, key: key, exchange: exchange})
	return nil
}

func (f *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) declaredQueues(name string) []declaredQueue {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []declaredQueue
	for _, q := range f.queues {
		if q.name == name {
			out = append(out, q)
		}
	}
	return out
}

// fakeAcknowledger records ack/nack/reject calls for a delivery.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	rejects int
	requeue bool
}

func (f *fakeAcknowledger) Ack(_ uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks++
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects++
	f.requeue = requeue
	return nil
}
