package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"fxwatch/internal/money"
)

// Direction is the side of the threshold an alert rule watches.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionAbove || d == DirectionBelow
}

// AlertRule is a user-defined FX alert. Armed and LastTriggeredAt belong to the monitor;
// Threshold and Active belong to the user. Version is bumped on every write and is the
// compare-and-swap token for both.
type AlertRule struct {
	ID              string
	UserID          string
	Pair            money.Pair
	Threshold       decimal.Decimal
	Direction       Direction
	Active          bool
	Armed           bool
	LastTriggeredAt *time.Time
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RuleState is the monitor-owned part of a rule.
type RuleState struct {
	Armed           bool
	LastTriggeredAt *time.Time
}

// RuleSettings is a partial user update; nil fields are left unchanged.
// Changing the threshold re-arms the rule.
type RuleSettings struct {
	Threshold *decimal.Decimal
	Active    *bool
}

// RewardStatus tracks a referral reward through crediting.
type RewardStatus string

const (
	RewardPending  RewardStatus = "pending"
	RewardCredited RewardStatus = "credited"
	RewardFailed   RewardStatus = "failed"
)

// ReferralReward is created at most once per (ReferrerID, RefereeID).
type ReferralReward struct {
	ID            string
	ReferrerID    string
	RefereeID     string
	TransactionID string
	Amount        decimal.Decimal
	Currency      money.Currency
	Status        RewardStatus
	Attempts      int
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Referral records who invited a user. Written by the sign-up flow.
type Referral struct {
	RefereeID        string
	ReferrerID       string
	ReferrerCurrency money.Currency
	CreatedAt        time.Time
}

// CompletedTransaction is a delivered transaction-completed event, recorded once.
type CompletedTransaction struct {
	TransactionID string
	UserID        string
	Amount        decimal.Decimal
	Currency      money.Currency
	CompletedAt   time.Time
}

// PushSubscription is a browser Web Push endpoint registered by a user.
type PushSubscription struct {
	ID        string
	UserID    string
	Endpoint  string
	P256dh    string
	Auth      string
	CreatedAt time.Time
}
