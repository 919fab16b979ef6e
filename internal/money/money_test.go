package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"fxwatch/internal/faults"
)

func TestRoundUsesMinorUnits(t *testing.T) {
	cases := []struct {
		amount   string
		currency Currency
		want     string
	}{
		{"12.345", "USD", "12.34"},
		{"12.355", "USD", "12.36"},
		{"1234.5", "JPY", "1234"},
		{"1235.5", "JPY", "1236"},
		{"1.0005", "KWD", "1"},
		{"1.0015", "KWD", "1.002"},
	}
	for _, tc := range cases {
		got := Round(decimal.RequireFromString(tc.amount), tc.currency)
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("Round(%s, %s) = %s, want %s", tc.amount, tc.currency, got, tc.want)
		}
	}
}

func TestFormatPadsMinorUnits(t *testing.T) {
	if got := Format(decimal.NewFromInt(17), "NGN"); got != "17.00 NGN" {
		t.Fatalf("unexpected format: %s", got)
	}
	if got := Format(decimal.RequireFromString("150.4"), "JPY"); got != "150 JPY" {
		t.Fatalf("unexpected format: %s", got)
	}
}

func TestParsePairVariants(t *testing.T) {
	for _, raw := range []string{"USD/NGN", "usd-ngn", "USD_NGN", "USDNGN"} {
		p, err := ParsePair(raw)
		if err != nil {
			t.Fatalf("ParsePair(%q): %v", raw, err)
		}
		if p.String() != "USD/NGN" {
			t.Fatalf("ParsePair(%q) = %s", raw, p)
		}
	}
}

func TestParsePairRejectsInvalid(t *testing.T) {
	for _, raw := range []string{"", "USD", "USD/USD", "US1/NGN", "USDOLLAR/NGN"} {
		if _, err := ParsePair(raw); !errors.Is(err, faults.ErrValidation) {
			t.Fatalf("ParsePair(%q) should be a validation error, got %v", raw, err)
		}
	}
}

func TestConvertRoundsIntoTarget(t *testing.T) {
	got := Convert(decimal.RequireFromString("10.00"), decimal.RequireFromString("1520.4567"), "NGN")
	if !got.Equal(decimal.RequireFromString("15204.57")) {
		t.Fatalf("unexpected conversion: %s", got)
	}
}

func TestParseAmount(t *testing.T) {
	if _, err := ParseAmount(" "); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("blank amount should fail validation: %v", err)
	}
	v, err := ParseAmount("0.1")
	if err != nil || !v.Equal(decimal.New(1, -1)) {
		t.Fatalf("ParseAmount(0.1) = %s, %v", v, err)
	}
}
