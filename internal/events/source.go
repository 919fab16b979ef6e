package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"fxwatch/internal/faults"
	"fxwatch/internal/metrics"
)

// Handler processes one event. Returning a retryable error asks the source to redeliver.
type Handler func(ctx context.Context, ev TransactionEvent) error

// Source subscribes a handler to a stream of transaction events. Subscribe blocks until
// ctx is cancelled or the stream fails.
type Source interface {
	Name() string
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// Publisher emits transaction events; used by the replay command.
type Publisher interface {
	Publish(ctx context.Context, ev TransactionEvent) error
	Close() error
}

// RetryPolicy bounds in-process redelivery of a single event. HoldRounds caps how many
// exhausted delivery rounds a source that cannot skip ahead (Kafka) spends on one
// message before committing past it.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	HoldRounds  int
}

func (p RetryPolicy) normalised() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff <= 0 {
		p.Backoff = 200 * time.Millisecond
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = 30 * p.Backoff
	}
	if p.HoldRounds <= 0 {
		p.HoldRounds = 10
	}
	return p
}

// deliverer runs a handler with retry, observation and metrics shared by all sources.
type deliverer struct {
	source   string
	policy   RetryPolicy
	observer *faults.Observer
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// deliver calls handler until it succeeds, fails with a non-retryable error, or the
// attempts run out. It returns the last error; nil means the event can be acknowledged.
func (d deliverer) deliver(ctx context.Context, handler Handler, ev TransactionEvent) error {
	policy := d.policy.normalised()
	delay := policy.Backoff

	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = handler(ctx, ev)
		if err == nil {
			d.metrics.Event(d.source, "handled")
			return nil
		}
		if !faults.Retryable(err) {
			d.metrics.Event(d.source, "rejected")
			d.observer.Observe(d.source, err, "transaction_id", ev.TransactionID)
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		d.logger.Debug().Err(err).Int("attempt", attempt).Dur("backoff", delay).Str("transaction_id", ev.TransactionID).Msg("retrying event")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > policy.MaxBackoff {
			delay = policy.MaxBackoff
		}
	}

	d.metrics.Event(d.source, "exhausted")
	d.observer.Observe(d.source, err, "transaction_id", ev.TransactionID)
	return err
}

func (d deliverer) rejectPayload(err error) {
	d.metrics.Event(d.source, "malformed")
	d.observer.Observe(d.source, err)
}
