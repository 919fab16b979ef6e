package events

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"fxwatch/internal/faults"
	"fxwatch/internal/metrics"
)

// AMQPOptions configures the RabbitMQ topology.
type AMQPOptions struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	Prefetch   int
	Retry      RetryPolicy
}

// AMQPSource consumes events from a durable queue bound to a topic exchange with manual
// acknowledgements. Malformed and permanently rejected messages are nacked without
// requeue; exhausted retryable failures are requeued.
type AMQPSource struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	opts    AMQPOptions
	deliver deliverer
	logger  zerolog.Logger
}

// NewAMQPSource connects and declares the exchange, queue and binding.
func NewAMQPSource(opts AMQPOptions, observer *faults.Observer, m *metrics.Metrics, logger zerolog.Logger) (*AMQPSource, error) {
	if opts.URL == "" || opts.Queue == "" {
		return nil, faults.FatalConfig("new amqp source", "url and queue are required")
	}
	logger = logger.With().Str("component", "events_amqp").Str("queue", opts.Queue).Logger()

	conn, channel, err := dialAMQP(opts)
	if err != nil {
		return nil, err
	}

	if _, err := channel.QueueDeclare(opts.Queue, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if opts.Exchange != "" {
		if err := channel.QueueBind(opts.Queue, opts.RoutingKey, opts.Exchange, false, nil); err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("bind queue: %w", err)
		}
	}
	if opts.Prefetch > 0 {
		if err := channel.Qos(opts.Prefetch, 0, false); err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("set qos: %w", err)
		}
	}

	logger.Info().Str("exchange", opts.Exchange).Str("routing_key", opts.RoutingKey).Msg("amqp consumer initialised")
	return &AMQPSource{
		conn:    conn,
		channel: channel,
		opts:    opts,
		deliver: deliverer{
			source:   "amqp",
			policy:   opts.Retry,
			observer: observer,
			metrics:  m,
			logger:   logger,
		},
		logger: logger,
	}, nil
}

func dialAMQP(opts AMQPOptions) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, nil, faults.Transient("dial amqp", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if opts.Exchange != "" {
		if err := channel.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
			channel.Close()
			conn.Close()
			return nil, nil, fmt.Errorf("declare exchange: %w", err)
		}
	}
	return conn, channel, nil
}

// Name implements Source.
func (a *AMQPSource) Name() string { return "amqp" }

// Subscribe consumes deliveries until ctx is cancelled or the channel closes.
func (a *AMQPSource) Subscribe(ctx context.Context, handler Handler) error {
	deliveries, err := a.channel.Consume(a.opts.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}
	a.logger.Info().Msg("amqp consumer started")

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("amqp consumer stopped")
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return faults.Transient("consume amqp", fmt.Errorf("delivery channel closed"))
			}
			a.handle(ctx, handler, msg)
		}
	}
}

func (a *AMQPSource) handle(ctx context.Context, handler Handler, msg amqp.Delivery) {
	ev, err := Decode(msg.Body)
	if err != nil {
		a.deliver.rejectPayload(fmt.Errorf("delivery %d: %w", msg.DeliveryTag, err))
		_ = msg.Nack(false, false)
		return
	}

	err = a.deliver.deliver(ctx, handler, ev)
	switch {
	case err == nil:
		_ = msg.Ack(false)
	case faults.Retryable(err):
		_ = msg.Nack(false, true)
	default:
		_ = msg.Nack(false, false)
	}
}

// Close closes the channel and connection.
func (a *AMQPSource) Close() error {
	if a.channel != nil {
		if err := a.channel.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close amqp channel")
		}
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// AMQPPublisher publishes persistent events to the exchange.
type AMQPPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	opts    AMQPOptions
}

// NewAMQPPublisher connects and declares the exchange.
func NewAMQPPublisher(opts AMQPOptions) (*AMQPPublisher, error) {
	conn, channel, err := dialAMQP(opts)
	if err != nil {
		return nil, err
	}
	return &AMQPPublisher{conn: conn, channel: channel, opts: opts}, nil
}

// Publish implements Publisher.
func (p *AMQPPublisher) Publish(ctx context.Context, ev TransactionEvent) error {
	body, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	routingKey := p.opts.RoutingKey
	if p.opts.Exchange == "" {
		routingKey = p.opts.Queue
	}
	if err := p.channel.PublishWithContext(ctx, p.opts.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.TransactionID,
		Timestamp:    time.Now(),
		Body:         body,
	}); err != nil {
		return faults.Transient("publish amqp", err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	_ = p.channel.Close()
	return p.conn.Close()
}

var (
	_ Source    = (*AMQPSource)(nil)
	_ Publisher = (*AMQPPublisher)(nil)
)
