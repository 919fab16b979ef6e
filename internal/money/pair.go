package money

import (
	"strings"

	"fxwatch/internal/faults"
)

// Pair is an ordered currency pair; a rate on USD/NGN is NGN per one USD.
type Pair struct {
	From Currency
	To   Currency
}

// NewPair validates both legs and rejects identical currencies.
func NewPair(from, to string) (Pair, error) {
	f, err := ParseCurrency(from)
	if err != nil {
		return Pair{}, err
	}
	t, err := ParseCurrency(to)
	if err != nil {
		return Pair{}, err
	}
	if f == t {
		return Pair{}, faults.Validation("parse pair", "pair %s/%s uses the same currency twice", f, t)
	}
	return Pair{From: f, To: t}, nil
}

// ParsePair accepts "USD/NGN", "USD-NGN", "USD_NGN" or "USDNGN".
func ParsePair(raw string) (Pair, error) {
	s := strings.TrimSpace(raw)
	for _, sep := range []string{"/", "-", "_"} {
		if from, to, ok := strings.Cut(s, sep); ok {
			return NewPair(from, to)
		}
	}
	if len(s) == 6 {
		return NewPair(s[:3], s[3:])
	}
	return Pair{}, faults.Validation("parse pair", "invalid currency pair %q", raw)
}

// String renders the pair as FROM/TO.
func (p Pair) String() string {
	return string(p.From) + "/" + string(p.To)
}

// Inverse swaps the legs.
func (p Pair) Inverse() Pair {
	return Pair{From: p.To, To: p.From}
}
