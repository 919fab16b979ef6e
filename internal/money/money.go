package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"fxwatch/internal/faults"
)

// Currency is an ISO 4217 alphabetic code such as USD or NGN.
type Currency string

// minorUnits lists ISO 4217 exponents that differ from the default of 2.
var minorUnits = map[Currency]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0,
	"KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "UYI": 0, "VND": 0, "VUV": 0,
	"XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

const defaultMinorUnits int32 = 2

// ParseCurrency normalises and validates a three-letter currency code.
func ParseCurrency(raw string) (Currency, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != 3 {
		return "", faults.Validation("parse currency", "currency %q must be a 3-letter code", raw)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", faults.Validation("parse currency", "currency %q must be alphabetic", raw)
		}
	}
	return Currency(code), nil
}

// String implements fmt.Stringer.
func (c Currency) String() string { return string(c) }

// MinorUnits returns the number of fractional digits of the currency's smallest denomination.
func (c Currency) MinorUnits() int32 {
	if units, ok := minorUnits[c]; ok {
		return units
	}
	return defaultMinorUnits
}

// Round rounds amount to the currency's minor unit using round-half-even.
func Round(amount decimal.Decimal, c Currency) decimal.Decimal {
	return amount.RoundBank(c.MinorUnits())
}

// Convert multiplies amount by rate and rounds the result into the target currency.
func Convert(amount, rate decimal.Decimal, to Currency) decimal.Decimal {
	return Round(amount.Mul(rate), to)
}

// Format renders amount with exactly the currency's minor-unit digits, e.g. "17.00 NGN".
func Format(amount decimal.Decimal, c Currency) string {
	return fmt.Sprintf("%s %s", amount.StringFixedBank(c.MinorUnits()), c)
}

// ParseAmount parses a decimal literal. Empty input is rejected.
func ParseAmount(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Decimal{}, faults.Validation("parse amount", "amount is required")
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, faults.Validation("parse amount", "invalid amount %q: %v", raw, err)
	}
	return value, nil
}
