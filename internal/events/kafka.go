package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"fxwatch/internal/faults"
	"fxwatch/internal/metrics"
)

// KafkaOptions configures the consumer group reader.
type KafkaOptions struct {
	Brokers []string
	Topic   string
	GroupID string
	Retry   RetryPolicy
}

// KafkaSource consumes events from a Kafka topic with manual offset commits. A message
// is committed only after the handler accepted or permanently rejected it. A retryable
// failure holds the partition on that message for up to RetryPolicy.HoldRounds rounds;
// after that the message is counted as abandoned and committed.
type KafkaSource struct {
	reader  *kafka.Reader
	deliver deliverer
	logger  zerolog.Logger
}

// NewKafkaSource builds a consumer group reader.
func NewKafkaSource(opts KafkaOptions, observer *faults.Observer, m *metrics.Metrics, logger zerolog.Logger) (*KafkaSource, error) {
	if len(opts.Brokers) == 0 || opts.Topic == "" || opts.GroupID == "" {
		return nil, faults.FatalConfig("new kafka source", "brokers, topic and group id are required")
	}
	logger = logger.With().Str("component", "events_kafka").Str("topic", opts.Topic).Logger()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        opts.Brokers,
		Topic:          opts.Topic,
		GroupID:        opts.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	return &KafkaSource{
		reader: reader,
		deliver: deliverer{
			source:   "kafka",
			policy:   opts.Retry,
			observer: observer,
			metrics:  m,
			logger:   logger,
		},
		logger: logger,
	}, nil
}

// Name implements Source.
func (k *KafkaSource) Name() string { return "kafka" }

// Subscribe fetches and handles messages until ctx is cancelled.
func (k *KafkaSource) Subscribe(ctx context.Context, handler Handler) error {
	k.logger.Info().Msg("kafka consumer started")
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				k.logger.Info().Msg("kafka consumer stopped")
				return nil
			}
			return fmt.Errorf("fetch kafka message: %w", err)
		}

		if err := k.handle(ctx, handler, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := k.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit kafka offset %d: %w", msg.Offset, err)
		}
	}
}

func (k *KafkaSource) handle(ctx context.Context, handler Handler, msg kafka.Message) error {
	ev, err := Decode(msg.Value)
	if err != nil {
		k.deliver.rejectPayload(fmt.Errorf("partition %d offset %d: %w", msg.Partition, msg.Offset, err))
		return nil
	}

	policy := k.deliver.policy.normalised()
	for round := 1; ; round++ {
		err := k.deliver.deliver(ctx, handler, ev)
		if err == nil || !faults.Retryable(err) {
			return nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}
		if round >= policy.HoldRounds {
			k.deliver.metrics.Event(k.deliver.source, "abandoned")
			k.logger.Error().Err(err).Int("rounds", round).Int("partition", msg.Partition).Int64("offset", msg.Offset).
				Str("transaction_id", ev.TransactionID).Msg("event still failing; committing past it")
			return nil
		}
		k.logger.Warn().Err(err).Int("round", round).Str("transaction_id", ev.TransactionID).Msg("event still failing; holding offset")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.MaxBackoff):
		}
	}
}

// Close closes the reader and leaves the consumer group.
func (k *KafkaSource) Close() error {
	return k.reader.Close()
}

// KafkaPublisher writes events keyed by user id so a user's events stay ordered.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher builds a writer for topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, ev TransactionEvent) error {
	value, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.UserID),
		Value: value,
		Time:  time.Now(),
	}); err != nil {
		return faults.Transient("publish kafka", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var (
	_ Source    = (*KafkaSource)(nil)
	_ Publisher = (*KafkaPublisher)(nil)
)
