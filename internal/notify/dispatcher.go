package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fxwatch/internal/faults"
	"fxwatch/internal/metrics"
	"fxwatch/internal/storage"
)

// ErrNotDelivered reports that no subscription accepted the alert.
var ErrNotDelivered = errors.New("notify: alert not delivered")

// Dispatcher fans an alert out to the user's push subscriptions and any mirrors.
// Every send is bounded by the configured timeout and attempted once.
type Dispatcher struct {
	subs        storage.SubscriptionStore
	push        Transport
	mirrors     []Mirror
	sendTimeout time.Duration
	observer    *faults.Observer
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// DispatcherOptions wires optional collaborators.
type DispatcherOptions struct {
	SendTimeout time.Duration
	Mirrors     []Mirror
	Observer    *faults.Observer
	Metrics     *metrics.Metrics
}

// NewDispatcher constructs a Dispatcher. push may be nil when Web Push is disabled;
// alerts then only reach mirrors.
func NewDispatcher(subs storage.SubscriptionStore, push Transport, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	return &Dispatcher{
		subs:        subs,
		push:        push,
		mirrors:     opts.Mirrors,
		sendTimeout: opts.SendTimeout,
		observer:    opts.Observer,
		metrics:     opts.Metrics,
		logger:      logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch delivers alert. It returns ErrNotDelivered (wrapping the last transport
// error) only when the user has live subscriptions and none accepted the message, so
// the caller can re-arm and retry on the next tick. Partial delivery counts as success.
// Mirrors only see alerts that were delivered; their failures are observed and never
// fail the dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert) error {
	payload := NewPayload(alert)
	if err := d.pushAll(ctx, alert, payload); err != nil {
		return err
	}
	d.mirror(ctx, payload)
	return nil
}

func (d *Dispatcher) pushAll(ctx context.Context, alert Alert, payload Payload) error {
	if d.push == nil || d.subs == nil {
		return nil
	}

	subs, err := d.subs.ListSubscriptions(ctx, alert.UserID)
	if err != nil {
		return faults.Transient("list subscriptions", err)
	}

	attempted, delivered := 0, 0
	var lastErr error
	for _, sub := range subs {
		err := d.sendOne(ctx, sub, payload)
		switch {
		case err == nil:
			attempted++
			delivered++
		case errors.Is(err, ErrSubscriptionGone):
			d.prune(ctx, sub)
		default:
			attempted++
			lastErr = err
			d.observer.Observe("dispatcher", err, "rule_id", alert.RuleID, "subscription_id", sub.ID)
		}
	}

	if attempted > 0 && delivered == 0 {
		return fmt.Errorf("%w to user %s: %w", ErrNotDelivered, alert.UserID, lastErr)
	}
	d.logger.Info().
		Str("rule_id", alert.RuleID).
		Str("user_id", alert.UserID).
		Int("delivered", delivered).
		Int("attempted", attempted).
		Msg("alert dispatched")
	return nil
}

func (d *Dispatcher) sendOne(ctx context.Context, sub storage.PushSubscription, payload Payload) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	err := d.push.Send(sendCtx, sub, payload)
	d.metrics.Notification(d.push.Name(), outcome(err))
	return err
}

func (d *Dispatcher) prune(ctx context.Context, sub storage.PushSubscription) {
	if err := d.subs.DeleteSubscription(ctx, sub.ID); err != nil {
		d.observer.Observe("dispatcher", err, "subscription_id", sub.ID)
		return
	}
	d.logger.Info().Str("subscription_id", sub.ID).Str("user_id", sub.UserID).Msg("pruned expired push subscription")
}

func (d *Dispatcher) mirror(ctx context.Context, payload Payload) {
	for _, m := range d.mirrors {
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		err := m.Notify(sendCtx, payload)
		cancel()
		d.metrics.Notification(m.Name(), outcome(err))
		if err != nil {
			d.observer.Observe("dispatcher", err, "mirror", m.Name())
		}
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "sent"
	case errors.Is(err, ErrSubscriptionGone):
		return "gone"
	default:
		return "failed"
	}
}
