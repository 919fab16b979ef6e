package fees

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fxwatch/internal/faults"
	"fxwatch/internal/money"
	"fxwatch/internal/rates"
)

var hundred = decimal.NewFromInt(100)

// Breakdown is the result of a fee calculation. Fee and Net are rounded half-even to
// the target currency's minor unit.
type Breakdown struct {
	Amount     decimal.Decimal
	From       money.Currency
	To         money.Currency
	PercentFee decimal.Decimal
	Fee        decimal.Decimal
	Net        decimal.Decimal
}

// Calculate computes fee = clamp(amount*percent/100 + fixed, min, max) and
// net = amount - fee. It reads the table and mutates nothing.
func Calculate(amount decimal.Decimal, from, to money.Currency, table *Table) (Breakdown, error) {
	if !amount.IsPositive() {
		return Breakdown{}, faults.Validation("calculate fee", "amount must be positive, got %s", amount)
	}
	pair := money.Pair{From: from, To: to}
	schedule, ok := table.Lookup(pair)
	if !ok {
		return Breakdown{}, faults.Validation("calculate fee", "no fee schedule for %s", pair)
	}

	fee := amount.Mul(schedule.PercentFee).Div(hundred).Add(schedule.FixedFee)
	if fee.LessThan(schedule.MinFee) {
		fee = schedule.MinFee
	}
	if !schedule.MaxFee.IsZero() && fee.GreaterThan(schedule.MaxFee) {
		fee = schedule.MaxFee
	}
	fee = money.Round(fee, to)

	net := money.Round(amount.Sub(fee), to)
	if !net.IsPositive() {
		return Breakdown{}, faults.Validation("calculate fee", "amount %s does not cover fee %s", amount, fee)
	}

	return Breakdown{
		Amount:     amount,
		From:       from,
		To:         to,
		PercentFee: schedule.PercentFee,
		Fee:        fee,
		Net:        net,
	}, nil
}

// Quote extends a Breakdown with the amount the recipient receives in the target currency.
type Quote struct {
	Breakdown
	Rate     decimal.Decimal
	RateAsOf time.Time
	Received decimal.Decimal
}

// Quoter prices transfers against the live rate.
type Quoter struct {
	table    *Table
	provider rates.Provider
}

// NewQuoter wires a fee table and rate provider.
func NewQuoter(table *Table, provider rates.Provider) *Quoter {
	return &Quoter{table: table, provider: provider}
}

// Quote calculates the fee breakdown and converts the net amount at the current rate.
func (q *Quoter) Quote(ctx context.Context, amount decimal.Decimal, from, to money.Currency) (Quote, error) {
	breakdown, err := Calculate(amount, from, to, q.table)
	if err != nil {
		return Quote{}, err
	}
	snap, err := q.provider.GetRate(ctx, money.Pair{From: from, To: to})
	if err != nil {
		return Quote{}, fmt.Errorf("quote %s/%s: %w", from, to, err)
	}
	return Quote{
		Breakdown: breakdown,
		Rate:      snap.Rate,
		RateAsOf:  snap.AsOf,
		Received:  money.Convert(breakdown.Net, snap.Rate, to),
	}, nil
}
