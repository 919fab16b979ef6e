package rates

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"fxwatch/internal/faults"
	"fxwatch/internal/money"
)

// Snapshot is one observed rate. It lives for a single monitor tick and is never persisted.
type Snapshot struct {
	Pair money.Pair
	Rate decimal.Decimal
	AsOf time.Time
}

// Provider retrieves the current exchange rate for a pair.
type Provider interface {
	GetRate(ctx context.Context, pair money.Pair) (Snapshot, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, pair money.Pair) (Snapshot, error)

// GetRate calls f.
func (f ProviderFunc) GetRate(ctx context.Context, pair money.Pair) (Snapshot, error) {
	return f(ctx, pair)
}

// Static serves fixed rates; inverse pairs are derived. Used by the simulate and fee
// commands when no live provider is wanted.
type Static struct {
	rates map[money.Pair]decimal.Decimal
	now   func() time.Time
}

// NewStatic builds a Static provider from pair → rate.
func NewStatic(rates map[money.Pair]decimal.Decimal) *Static {
	return &Static{rates: rates, now: func() time.Time { return time.Now().UTC() }}
}

// GetRate returns the configured rate or the inverse of the reverse pair.
func (s *Static) GetRate(_ context.Context, pair money.Pair) (Snapshot, error) {
	if rate, ok := s.rates[pair]; ok {
		return Snapshot{Pair: pair, Rate: rate, AsOf: s.now()}, nil
	}
	if rate, ok := s.rates[pair.Inverse()]; ok && !rate.IsZero() {
		return Snapshot{Pair: pair, Rate: decimal.NewFromInt(1).DivRound(rate, 12), AsOf: s.now()}, nil
	}
	return Snapshot{}, faults.Validation("static rate", "rate for %s not configured", pair)
}

var (
	_ Provider = (*Static)(nil)
	_ Provider = ProviderFunc(nil)
)
