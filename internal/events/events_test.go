package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"fxwatch/internal/faults"
	"fxwatch/internal/metrics"
)

func TestDecodeAmountForms(t *testing.T) {
	cases := map[string]string{
		"string": `{"user_id":"u1","amount":"1000.10","currency":"usd","transaction_id":"tx-1","completed_at":"2026-02-01T10:00:00Z"}`,
		"number": `{"user_id":"u1","amount":1000.10,"currency":"USD","transaction_id":"tx-1","completed_at":"2026-02-01T10:00:00Z"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			ev, err := Decode([]byte(payload))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !ev.Amount.Equal(decimal.RequireFromString("1000.10")) || ev.Currency != "USD" {
				t.Fatalf("unexpected event %+v", ev)
			}
			if !ev.CompletedAt.Equal(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)) {
				t.Fatalf("completed_at = %s", ev.CompletedAt)
			}
		})
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"missing user":    `{"amount":"1","currency":"USD","transaction_id":"tx","completed_at":"2026-02-01T10:00:00Z"}`,
		"zero amount":     `{"user_id":"u1","amount":"0","currency":"USD","transaction_id":"tx","completed_at":"2026-02-01T10:00:00Z"}`,
		"bad currency":    `{"user_id":"u1","amount":"1","currency":"US","transaction_id":"tx","completed_at":"2026-02-01T10:00:00Z"}`,
		"missing tx":      `{"user_id":"u1","amount":"1","currency":"USD","completed_at":"2026-02-01T10:00:00Z"}`,
		"missing time":    `{"user_id":"u1","amount":"1","currency":"USD","transaction_id":"tx"}`,
		"amount is bool":  `{"user_id":"u1","amount":true,"currency":"USD","transaction_id":"tx","completed_at":"2026-02-01T10:00:00Z"}`,
		"missing amount":  `{"user_id":"u1","currency":"USD","transaction_id":"tx","completed_at":"2026-02-01T10:00:00Z"}`,
		"negative amount": `{"user_id":"u1","amount":"-5","currency":"USD","transaction_id":"tx","completed_at":"2026-02-01T10:00:00Z"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode([]byte(payload)); !errors.Is(err, faults.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestEncodeDecodeKeepsPrecision(t *testing.T) {
	ev := TransactionEvent{
		UserID:        "u1",
		Amount:        decimal.RequireFromString("0.1000000000000000055511151231257827"),
		Currency:      "USD",
		TransactionID: "tx-1",
		CompletedAt:   time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	data, err := Encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Amount.Equal(ev.Amount) {
		t.Fatalf("precision lost: %s", got.Amount)
	}
}

func testEvent(id string) TransactionEvent {
	return TransactionEvent{UserID: "u1", Amount: decimal.NewFromInt(10), Currency: "USD", TransactionID: id, CompletedAt: time.Now()}
}

func TestDeliverRetriesTransientThenSucceeds(t *testing.T) {
	d := deliverer{source: "test", policy: RetryPolicy{MaxAttempts: 4, Backoff: time.Millisecond}, logger: zerolog.Nop()}
	attempts := 0
	err := d.deliver(context.Background(), func(context.Context, TransactionEvent) error {
		attempts++
		if attempts < 3 {
			return faults.Transient("handle", errors.New("db unavailable"))
		}
		return nil
	}, testEvent("tx-1"))
	if err != nil || attempts != 3 {
		t.Fatalf("expected success on third attempt, got err=%v attempts=%d", err, attempts)
	}
}

func TestDeliverDoesNotRetryValidation(t *testing.T) {
	d := deliverer{source: "test", policy: RetryPolicy{MaxAttempts: 4, Backoff: time.Millisecond}, logger: zerolog.Nop()}
	attempts := 0
	err := d.deliver(context.Background(), func(context.Context, TransactionEvent) error {
		attempts++
		return faults.Validation("handle", "bad event")
	}, testEvent("tx-1"))
	if !errors.Is(err, faults.ErrValidation) || attempts != 1 {
		t.Fatalf("validation errors must not be retried: err=%v attempts=%d", err, attempts)
	}
}

func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	d := deliverer{source: "test", policy: RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}, logger: zerolog.Nop()}
	attempts := 0
	err := d.deliver(context.Background(), func(context.Context, TransactionEvent) error {
		attempts++
		return faults.Transient("handle", errors.New("still down"))
	}, testEvent("tx-1"))
	if !errors.Is(err, faults.ErrTransient) || attempts != 3 {
		t.Fatalf("expected exhaustion after 3 attempts: err=%v attempts=%d", err, attempts)
	}
}

func TestMemorySourceDeliversAndDrains(t *testing.T) {
	src := NewMemorySource(8, RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}, nil, nil, zerolog.Nop())

	var mu sync.Mutex
	seen := make([]string, 0)
	done := make(chan error, 1)
	go func() {
		done <- src.Subscribe(context.Background(), func(_ context.Context, ev TransactionEvent) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, ev.TransactionID)
			return nil
		})
	}()

	for _, id := range []string{"tx-1", "tx-1", "tx-2"} {
		if err := src.Publish(context.Background(), testEvent(id)); err != nil {
			t.Fatal(err)
		}
	}
	_ = src.Close()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("expected every delivery to reach the handler, got %v", seen)
	}
	if err := src.Publish(context.Background(), testEvent("tx-3")); err == nil {
		t.Fatal("publish after close should fail")
	}
}

func TestKafkaHoldGivesUpAfterHoldRounds(t *testing.T) {
	m := metrics.New()
	k := &KafkaSource{
		deliver: deliverer{
			source:  "kafka",
			policy:  RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond, MaxBackoff: time.Millisecond, HoldRounds: 3},
			metrics: m,
			logger:  zerolog.Nop(),
		},
		logger: zerolog.Nop(),
	}
	value, err := Encode(testEvent("tx-1"))
	if err != nil {
		t.Fatal(err)
	}

	attempts := 0
	err = k.handle(context.Background(), func(context.Context, TransactionEvent) error {
		attempts++
		return errors.New("rate api error (200) for USD/XYZ: unexpected payload")
	}, kafka.Message{Partition: 1, Offset: 42, Value: value})
	if err != nil {
		t.Fatalf("an abandoned message must be committable, got %v", err)
	}
	if attempts != 6 {
		t.Fatalf("expected 3 rounds of 2 attempts, got %d", attempts)
	}
	if got := testutil.ToFloat64(m.Events.WithLabelValues("kafka", "abandoned")); got != 1 {
		t.Fatalf("abandoned events = %v", got)
	}
}

func TestKafkaHoldStopsOnCancel(t *testing.T) {
	k := &KafkaSource{
		deliver: deliverer{source: "kafka", policy: RetryPolicy{MaxAttempts: 1, Backoff: time.Millisecond, MaxBackoff: time.Hour}, logger: zerolog.Nop()},
		logger:  zerolog.Nop(),
	}
	value, err := Encode(testEvent("tx-1"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	err = k.handle(ctx, func(context.Context, TransactionEvent) error {
		cancel()
		return faults.Transient("handle", errors.New("db unavailable"))
	}, kafka.Message{Value: value})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled hold must not commit, got %v", err)
	}
}
