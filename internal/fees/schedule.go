package fees

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"fxwatch/internal/money"
)

// Schedule is the static fee configuration for one currency pair.
// PercentFee is in percent: 1.5 means 1.5% of the amount. A zero MaxFee means uncapped.
type Schedule struct {
	From       money.Currency
	To         money.Currency
	PercentFee decimal.Decimal
	FixedFee   decimal.Decimal
	MinFee     decimal.Decimal
	MaxFee     decimal.Decimal
}

// Pair returns the schedule's currency pair.
func (s Schedule) Pair() money.Pair {
	return money.Pair{From: s.From, To: s.To}
}

func (s Schedule) validate() error {
	for name, v := range map[string]decimal.Decimal{
		"percent_fee": s.PercentFee,
		"fixed_fee":   s.FixedFee,
		"min_fee":     s.MinFee,
		"max_fee":     s.MaxFee,
	} {
		if v.IsNegative() {
			return fmt.Errorf("fee schedule %s: %s cannot be negative", s.Pair(), name)
		}
	}
	if s.PercentFee.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("fee schedule %s: percent_fee must be below 100", s.Pair())
	}
	if !s.MaxFee.IsZero() && s.MinFee.GreaterThan(s.MaxFee) {
		return fmt.Errorf("fee schedule %s: min_fee exceeds max_fee", s.Pair())
	}
	return nil
}

// Table is an immutable lookup of schedules by pair. Safe for concurrent reads.
type Table struct {
	entries map[money.Pair]Schedule
}

// NewTable validates the schedules and rejects duplicate pairs.
func NewTable(schedules []Schedule) (*Table, error) {
	entries := make(map[money.Pair]Schedule, len(schedules))
	for _, s := range schedules {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if _, dup := entries[s.Pair()]; dup {
			return nil, fmt.Errorf("fee schedule %s declared twice", s.Pair())
		}
		entries[s.Pair()] = s
	}
	return &Table{entries: entries}, nil
}

// Lookup returns the schedule for pair.
func (t *Table) Lookup(pair money.Pair) (Schedule, bool) {
	if t == nil {
		return Schedule{}, false
	}
	s, ok := t.entries[pair]
	return s, ok
}

// Pairs lists configured pairs in a stable order.
func (t *Table) Pairs() []money.Pair {
	if t == nil {
		return nil
	}
	pairs := make([]money.Pair, 0, len(t.entries))
	for p := range t.entries {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].String() < pairs[j].String() })
	return pairs
}
