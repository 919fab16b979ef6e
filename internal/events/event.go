package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fxwatch/internal/faults"
	"fxwatch/internal/money"
)

// TransactionEvent announces a completed transaction. Sources deliver it at least once.
type TransactionEvent struct {
	UserID        string
	Amount        decimal.Decimal
	Currency      money.Currency
	TransactionID string
	CompletedAt   time.Time
}

type wireEvent struct {
	UserID        string          `json:"user_id"`
	Amount        json.RawMessage `json:"amount"`
	Currency      string          `json:"currency"`
	TransactionID string          `json:"transaction_id"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// Decode parses a JSON payload. amount may be a JSON string or number; either way it is
// parsed as a decimal without passing through float64.
func Decode(data []byte) (TransactionEvent, error) {
	var wire wireEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return TransactionEvent{}, faults.Validation("decode event", "malformed event: %v", err)
	}

	raw := strings.Trim(strings.TrimSpace(string(wire.Amount)), `"`)
	amount, err := money.ParseAmount(raw)
	if err != nil {
		return TransactionEvent{}, err
	}
	currency, err := money.ParseCurrency(wire.Currency)
	if err != nil {
		return TransactionEvent{}, err
	}

	ev := TransactionEvent{
		UserID:        strings.TrimSpace(wire.UserID),
		Amount:        amount,
		Currency:      currency,
		TransactionID: strings.TrimSpace(wire.TransactionID),
		CompletedAt:   wire.CompletedAt.UTC(),
	}
	if err := ev.Validate(); err != nil {
		return TransactionEvent{}, err
	}
	return ev, nil
}

// Encode renders the event in the wire format with amount as a string.
func Encode(ev TransactionEvent) ([]byte, error) {
	amount, err := json.Marshal(ev.Amount.String())
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		UserID:        ev.UserID,
		Amount:        amount,
		Currency:      ev.Currency.String(),
		TransactionID: ev.TransactionID,
		CompletedAt:   ev.CompletedAt.UTC(),
	})
}

// Validate checks required fields.
func (e TransactionEvent) Validate() error {
	switch {
	case e.UserID == "":
		return faults.Validation("validate event", "user_id is required")
	case e.TransactionID == "":
		return faults.Validation("validate event", "transaction_id is required")
	case !e.Amount.IsPositive():
		return faults.Validation("validate event", "amount must be positive, got %s", e.Amount)
	case e.Currency == "":
		return faults.Validation("validate event", "currency is required")
	case e.CompletedAt.IsZero():
		return faults.Validation("validate event", "completed_at is required")
	}
	return nil
}

func (e TransactionEvent) String() string {
	return fmt.Sprintf("tx %s user %s %s", e.TransactionID, e.UserID, money.Format(e.Amount, e.Currency))
}
