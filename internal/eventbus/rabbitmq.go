package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/umbrellio/sneakers-handlers/config"
	"github.com/umbrellio/sneakers-handlers/internal/backoff"
	"github.com/umbrellio/sneakers-handlers/internal/contracts"
	"github.com/umbrellio/sneakers-handlers/internal/monitor"
	"github.com/umbrellio/sneakers-handlers/internal/requeue"
)

// brokerChannel is the channel surface the manager needs on top of what the
// requeue coordinator consumes. *amqp.Channel satisfies it.
type brokerChannel interface {
	requeue.Channel
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
}

// RabbitMQManager handles RabbitMQ connections, channels, and operations.
// Failure signals from message processing are settled by the requeue
// coordinator bound to the consumer channel. Each (re)connection builds a
// fresh channel, coordinator and consumer; the consume loop of a dropped
// session exits when its delivery channel closes and never touches the
// replacement.
type RabbitMQManager struct {
	config config.Config
	store  requeue.QuarantineStore

	mu              sync.Mutex
	connection      *amqp.Connection
	channel         brokerChannel
	requeuer        *requeue.Requeuer
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	consumeCtx      context.Context
	handler         contracts.MessageHandler
	isReady         bool
	isConnecting    bool

	connectMutex chan struct{} // Mutex for connect/reconnect logic
	done         chan struct{}
	closeOnce    sync.Once
}

// NewRabbitMQManager creates a new RabbitMQManager. The store may be nil when
// quarantine auditing is disabled.
func NewRabbitMQManager(cfg config.Config, store requeue.QuarantineStore) (*RabbitMQManager, error) {
	rmq := &RabbitMQManager{
		config:       cfg,
		store:        store,
		connectMutex: make(chan struct{}, 1), // Buffered channel of size 1 as a mutex
		done:         make(chan struct{}),
	}
	rmq.connectMutex <- struct{}{} // Acquire mutex initially

	if err := rmq.connect(); err != nil {
		// Start reconnection goroutine even if initial connect fails
		go rmq.handleReconnect()
		return nil, fmt.Errorf("initial RabbitMQ connection failed: %w. Will attempt to reconnect", err)
	}
	go rmq.handleReconnect()
	return rmq, nil
}

func (rmq *RabbitMQManager) connect() error {
	rmq.mu.Lock()
	if rmq.isConnecting {
		rmq.mu.Unlock()
		log.Warn().Msg("RabbitMQ connection attempt already in progress.")
		return errors.New("connection attempt in progress")
	}
	rmq.isConnecting = true
	rmq.mu.Unlock()
	defer func() {
		rmq.mu.Lock()
		rmq.isConnecting = false
		rmq.mu.Unlock()
	}()

	<-rmq.connectMutex                                // Wait to acquire lock
	defer func() { rmq.connectMutex <- struct{}{} }() // Release lock

	// Tear down whatever is left of the previous session before dialing
	// again, so its consume loop exits and nothing leaks.
	rmq.closeCurrent()

	log.Info().Str("url", rmq.config.RabbitMQURL).Msg("Attempting to connect to RabbitMQ")
	conn, err := amqp.Dial(rmq.config.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}
	notifyConn := make(chan *amqp.Error, 1)
	conn.NotifyClose(notifyConn)

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	notifyChan := make(chan *amqp.Error, 1)
	ch.NotifyClose(notifyChan)

	// Set prefetch count (QoS)
	if err := ch.Qos(
		rmq.config.PrefetchCount, // prefetchCount
		0,                        // prefetchSize
		false,                    // global - false means per consumer
	); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set QoS on channel: %w", err)
	}

	// The coordinator declares the primary exchange, the error destination
	// and (lazily) the per-delay retry queues on this channel.
	req, err := requeue.New(ch, requeue.Options{
		Queue:                rmq.config.QueueName,
		Exchange:             rmq.config.ExchangeName,
		ExchangeType:         rmq.config.ExchangeType,
		Durable:              rmq.config.Durable,
		DeadLetterExchange:   rmq.config.DeadLetterExchange,
		DeadLetterRoutingKey: rmq.config.DeadLetterRoutingKey,
		MaxRetries:           rmq.config.MaxRetries,
		Backoff:              backoff.Quadratic,
		Store:                rmq.store,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to initialize requeue coordinator: %w", err)
	}

	if err := rmq.declarePrimaryQueue(ch); err != nil {
		conn.Close()
		return err
	}

	rmq.mu.Lock()
	rmq.connection = conn
	rmq.channel = ch
	rmq.requeuer = req
	rmq.notifyConnClose = notifyConn
	rmq.notifyChanClose = notifyChan
	rmq.isReady = true
	rmq.mu.Unlock()

	log.Info().Msg("RabbitMQ connected and channel initialized successfully")
	return nil
}

// declarePrimaryQueue declares the logical queue, dead-lettering to the error
// exchange, and binds it under its own name so retry queues can dead-letter
// expired messages straight back to it.
func (rmq *RabbitMQManager) declarePrimaryQueue(ch brokerChannel) error {
	queueArgs := amqp.Table{
		"x-dead-letter-exchange":    rmq.config.DeadLetterExchange,
		"x-dead-letter-routing-key": rmq.config.DeadLetterRoutingKey,
	}
	if rmq.config.Durable {
		queueArgs["x-queue-type"] = "quorum"
	}
	log.Info().Str("queue", rmq.config.QueueName).Msg("Declaring primary queue")
	_, err := ch.QueueDeclare(
		rmq.config.QueueName, // name
		rmq.config.Durable,   // durable
		false,                // delete when unused
		false,                // exclusive
		false,                // no-wait
		queueArgs,            // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare primary queue %s: %w", rmq.config.QueueName, err)
	}

	err = ch.QueueBind(
		rmq.config.QueueName,    // queue name
		rmq.config.QueueName,    // routing key
		rmq.config.ExchangeName, // exchange name
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind primary queue %s: %w", rmq.config.QueueName, err)
	}
	log.Info().Str("queue", rmq.config.QueueName).Msg("Primary queue declared and bound successfully")
	return nil
}

// closeCurrent drops the current session. The consume loop bound to the old
// channel sees its delivery channel close and exits.
func (rmq *RabbitMQManager) closeCurrent() {
	rmq.mu.Lock()
	ch := rmq.channel
	conn := rmq.connection
	rmq.channel = nil
	rmq.connection = nil
	rmq.requeuer = nil
	rmq.isReady = false
	rmq.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			log.Error().Err(err).Msg("Error closing channel")
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing RabbitMQ connection")
		}
	}
}

// Requeuer exposes the coordinator bound to the current channel.
func (rmq *RabbitMQManager) Requeuer() *requeue.Requeuer {
	rmq.mu.Lock()
	defer rmq.mu.Unlock()
	return rmq.requeuer
}

// StartConsuming consumes messages from the configured queue and passes them
// to the handler. The handler's outcome is translated into a coordinator
// signal: nil acks, contracts.ErrReject schedules a retry, contracts.ErrHandled
// is a no-op, a deadline error counts as a timeout, and anything else is an
// error signal carrying the cause. The handler is retained so the reconnect
// loop can re-register the consumer after a connection loss.
func (rmq *RabbitMQManager) StartConsuming(ctx context.Context, handler contracts.MessageHandler) error {
	rmq.mu.Lock()
	if !rmq.isReady || rmq.channel == nil {
		rmq.mu.Unlock()
		return errors.New("RabbitMQ consumer not ready or channel is nil")
	}
	rmq.consumeCtx = ctx
	rmq.handler = handler
	rmq.mu.Unlock()

	return rmq.startConsumer(ctx, handler)
}

// resumeConsuming re-registers the consumer on the current channel with the
// handler retained by StartConsuming. Called by the reconnect loop after a
// successful reconnection.
func (rmq *RabbitMQManager) resumeConsuming() error {
	rmq.mu.Lock()
	ctx := rmq.consumeCtx
	handler := rmq.handler
	rmq.mu.Unlock()

	if handler == nil {
		return nil // StartConsuming was never called
	}
	if ctx.Err() != nil {
		return nil // shutting down
	}
	return rmq.startConsumer(ctx, handler)
}

func (rmq *RabbitMQManager) startConsumer(ctx context.Context, handler contracts.MessageHandler) error {
	rmq.mu.Lock()
	ch := rmq.channel
	req := rmq.requeuer
	rmq.mu.Unlock()
	if ch == nil || req == nil {
		return errors.New("RabbitMQ consumer not ready or channel is nil")
	}

	tag := fmt.Sprintf("%s-%s", rmq.config.ConsumerTag, uuid.New().String()[:8])
	msgs, err := ch.Consume(
		rmq.config.QueueName, // queue
		tag,                  // consumer tag
		false,                // auto-ack (false means we manually ack/nack)
		false,                // exclusive
		false,                // no-local
		false,                // no-wait
		nil,                  // args
	)
	if err != nil {
		log.Error().Err(err).Str("queue", rmq.config.QueueName).Msg("Failed to register a consumer")
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	log.Info().Str("queue", rmq.config.QueueName).Str("tag", tag).Msg("Consumer started, waiting for messages...")
	go rmq.consumeLoop(ctx, req, handler, msgs)
	return nil
}

// consumeLoop settles every delivery of one consumer registration through the
// coordinator it was registered with, so deliveries are never acked on a
// channel other than the one that produced them.
func (rmq *RabbitMQManager) consumeLoop(ctx context.Context, req *requeue.Requeuer, handler contracts.MessageHandler, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Context cancelled, stopping consumer.")
			return
		case delivery, ok := <-msgs:
			if !ok {
				log.Warn().Msg("Delivery channel was closed. Attempting to re-establish consumer.")
				rmq.markNotReady() // trigger reconnect
				return             // Exit this goroutine, handleReconnect will take over.
			}
			log.Debug().Uint64("tag", delivery.DeliveryTag).Str("messageId", delivery.MessageId).Msg("Received a message")
			rmq.handleDelivery(ctx, req, delivery, handler)
		}
	}
}

func (rmq *RabbitMQManager) handleDelivery(ctx context.Context, req *requeue.Requeuer, delivery amqp.Delivery, handler contracts.MessageHandler) {
	hctx := ctx
	if rmq.config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, rmq.config.HandlerTimeout)
		defer cancel()
	}

	start := time.Now()
	err := handler(hctx, delivery)
	monitor.HandlerLatency.Observe(time.Since(start).Seconds())

	if err != nil && errors.Is(err, context.Canceled) {
		// Shutdown, not a processing failure: leave the message to broker
		// redelivery instead of spending retry budget on it.
		log.Debug().Uint64("deliveryTag", delivery.DeliveryTag).Msg("Handler interrupted by shutdown, requeueing delivery")
		if nerr := delivery.Nack(false, true); nerr != nil {
			log.Warn().Err(nerr).Uint64("deliveryTag", delivery.DeliveryTag).Msg("Failed to nack delivery on shutdown")
		}
		return
	}

	var settleErr error
	switch {
	case err == nil:
		settleErr = req.OnAcknowledge(ctx, delivery)
	case errors.Is(err, contracts.ErrHandled):
		settleErr = req.OnNoop(ctx, delivery)
	case errors.Is(err, contracts.ErrReject):
		settleErr = req.OnReject(ctx, delivery)
	case errors.Is(err, context.DeadlineExceeded):
		settleErr = req.OnTimeout(ctx, delivery)
	default:
		settleErr = req.OnError(ctx, delivery, err)
	}
	if settleErr == nil {
		return
	}

	log.Error().Err(settleErr).Uint64("deliveryTag", delivery.DeliveryTag).Msg("Failed to settle delivery")
	if requeue.IsConnectionFatal(settleErr) {
		// The coordinator already closed the channel; mark not-ready so the
		// reconnect loop rebuilds the consumer. Local settle failures already
		// nacked the original and the channel stays usable.
		rmq.markNotReady()
	}
}

func (rmq *RabbitMQManager) markNotReady() {
	rmq.mu.Lock()
	rmq.isReady = false
	rmq.mu.Unlock()
}

func (rmq *RabbitMQManager) handleReconnect() {
	log.Info().Msg("RabbitMQ connection monitor started.")
	for {
		select {
		case <-rmq.done:
			log.Info().Msg("RabbitMQ manager closed. Exiting reconnect handler.")
			return
		default:
		}

		if rmq.IsReady() {
			rmq.mu.Lock()
			notifyConn := rmq.notifyConnClose
			notifyChan := rmq.notifyChanClose
			rmq.mu.Unlock()

			select {
			case <-rmq.done:
				log.Info().Msg("RabbitMQ manager closed. Exiting reconnect handler.")
				return
			case err, ok := <-notifyConn:
				if ok {
					log.Error().Err(err).Msg("RabbitMQ connection lost. Attempting to reconnect...")
				}
				rmq.markNotReady()
			case err, ok := <-notifyChan:
				if ok {
					log.Error().Err(err).Msg("RabbitMQ channel lost. Attempting to re-establish channel...")
				}
				rmq.markNotReady()
			}
		}

		// Attempt to reconnect if not ready
		if !rmq.IsReady() {
			attempts := 0
			for attempts < rmq.config.MaxReconnectAttempts || rmq.config.MaxReconnectAttempts == 0 { // 0 for infinite
				select {
				case <-rmq.done:
					return
				default:
				}

				attempts++
				log.Info().Int("attempt", attempts).Msg("Attempting RabbitMQ reconnection...")
				if err := rmq.connect(); err == nil {
					if rerr := rmq.resumeConsuming(); rerr != nil {
						log.Error().Err(rerr).Msg("Reconnected but failed to re-register consumer")
						rmq.markNotReady()
					} else {
						log.Info().Msg("RabbitMQ reconnected successfully.")
						break
					}
				}
				if attempts >= rmq.config.MaxReconnectAttempts && rmq.config.MaxReconnectAttempts != 0 {
					log.Error().Int("attempts", attempts).Msg("Max reconnection attempts reached. Will not try further until next event or manual intervention.")
					break
				}
				time.Sleep(rmq.config.ReconnectDelay)
			}
		}
		// If still not ready after attempts, wait before checking notifications again
		if !rmq.IsReady() {
			time.Sleep(rmq.config.ReconnectDelay * 2)
		}
	}
}

// Close gracefully shuts down the RabbitMQ connection and channel.
func (rmq *RabbitMQManager) Close() {
	log.Info().Msg("Closing RabbitMQ manager...")
	rmq.closeOnce.Do(func() { close(rmq.done) })
	rmq.closeCurrent()
	log.Info().Msg("RabbitMQ manager closed.")
}

// IsReady checks if the RabbitMQ manager is connected and the channel is set up.
func (rmq *RabbitMQManager) IsReady() bool {
	rmq.mu.Lock()
	defer rmq.mu.Unlock()
	return rmq.isReady && rmq.channel != nil
}
