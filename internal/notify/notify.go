package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fxwatch/internal/money"
	"fxwatch/internal/storage"
)

// ErrSubscriptionGone is returned by a Transport when the push service reports the
// subscription expired or was revoked. The dispatcher prunes it.
var ErrSubscriptionGone = errors.New("notify: subscription gone")

// Alert describes one rule crossing.
type Alert struct {
	RuleID      string
	UserID      string
	Pair        money.Pair
	Direction   storage.Direction
	Threshold   decimal.Decimal
	Rate        decimal.Decimal
	AsOf        time.Time
	TriggeredAt time.Time
}

// Payload is the message body handed to transports. It is marshalled as JSON for Web Push.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Tag   string            `json:"tag,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// Transport delivers a payload to one push subscription.
type Transport interface {
	Name() string
	Send(ctx context.Context, sub storage.PushSubscription, payload Payload) error
}

// Mirror receives a copy of every delivered alert, e.g. an operator chat.
type Mirror interface {
	Name() string
	Notify(ctx context.Context, payload Payload) error
}

// NewPayload renders the user-facing message for alert.
func NewPayload(alert Alert) Payload {
	verb := "rose above"
	if alert.Direction == storage.DirectionBelow {
		verb = "fell below"
	}
	return Payload{
		Title: fmt.Sprintf("%s rate alert", alert.Pair),
		Body:  fmt.Sprintf("%s %s %s (now %s)", alert.Pair, verb, alert.Threshold.String(), alert.Rate.String()),
		Tag:   "rate-alert-" + alert.RuleID,
		Data: map[string]string{
			"rule_id":   alert.RuleID,
			"user_id":   alert.UserID,
			"pair":      alert.Pair.String(),
			"direction": string(alert.Direction),
			"threshold": alert.Threshold.String(),
			"rate":      alert.Rate.String(),
			"as_of":     alert.AsOf.UTC().Format(time.RFC3339),
		},
	}
}
