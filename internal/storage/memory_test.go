package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fxwatch/internal/money"
)

func TestMemoryRuleCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rule, err := m.CreateRule(ctx, AlertRule{UserID: "u1", Pair: money.Pair{From: "USD", To: "NGN"}, Threshold: decimal.NewFromInt(1500), Direction: DirectionAbove, Active: true})
	if err != nil {
		t.Fatal(err)
	}
	if !rule.Armed || rule.Version != 1 {
		t.Fatalf("new rule should be armed at version 1: %+v", rule)
	}

	now := time.Now()
	v, err := m.UpdateRuleState(ctx, rule.ID, rule.Version, RuleState{Armed: false, LastTriggeredAt: &now})
	if err != nil {
		t.Fatalf("first CAS should win: %v", err)
	}
	if v != 2 {
		t.Fatalf("version should bump to 2, got %d", v)
	}

	if _, err := m.UpdateRuleState(ctx, rule.ID, rule.Version, RuleState{Armed: true}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale CAS should conflict, got %v", err)
	}
}

func TestMemoryUserEditBumpsVersionAndRearms(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rule, _ := m.CreateRule(ctx, AlertRule{UserID: "u1", Pair: money.Pair{From: "USD", To: "NGN"}, Threshold: decimal.NewFromInt(1500), Direction: DirectionAbove, Active: true})
	if _, err := m.UpdateRuleState(ctx, rule.ID, 1, RuleState{Armed: false}); err != nil {
		t.Fatal(err)
	}

	threshold := decimal.NewFromInt(1600)
	updated, err := m.UpdateRuleSettings(ctx, rule.ID, RuleSettings{Threshold: &threshold})
	if err != nil {
		t.Fatal(err)
	}
	if !updated.Armed || updated.Version != 3 || !updated.Threshold.Equal(threshold) {
		t.Fatalf("threshold edit should re-arm and bump version: %+v", updated)
	}
}

func TestMemoryInsertRewardIsUniquePerPair(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, dups := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.InsertReward(ctx, ReferralReward{ReferrerID: "r1", RefereeID: "u1", Amount: decimal.NewFromInt(5), Currency: "USD"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrDuplicate):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || dups != 15 || m.RewardCount() != 1 {
		t.Fatalf("expected exactly one reward, wins=%d dups=%d rows=%d", wins, dups, m.RewardCount())
	}
}

func TestMemoryRecordTransactionFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	first, err := m.RecordTransaction(ctx, CompletedTransaction{TransactionID: "tx-1", UserID: "u1", CompletedAt: t0})
	if err != nil || !first {
		t.Fatalf("tx-1 should be first: %v %v", first, err)
	}
	again, _ := m.RecordTransaction(ctx, CompletedTransaction{TransactionID: "tx-1", UserID: "u1", CompletedAt: t0})
	if !again {
		t.Fatal("redelivery of tx-1 should still be first")
	}
	second, _ := m.RecordTransaction(ctx, CompletedTransaction{TransactionID: "tx-2", UserID: "u1", CompletedAt: t0.Add(time.Hour)})
	if second {
		t.Fatal("tx-2 is not the first transaction")
	}
}

func TestMemoryCreditIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	reward, _ := m.InsertReward(ctx, ReferralReward{ReferrerID: "r1", RefereeID: "u1", Amount: decimal.NewFromInt(5), Currency: "USD"})

	if err := m.CreditReward(ctx, reward.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.CreditReward(ctx, reward.ID); err != nil {
		t.Fatal(err)
	}
	if total := m.CreditedTotal("r1"); !total.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("credit applied more than once: %s", total)
	}
	if err := m.MarkRewardFailed(ctx, reward.ID, "late failure"); err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetRewardByPair(ctx, "r1", "u1")
	if got.Status != RewardCredited {
		t.Fatalf("credited reward must not regress, got %s", got.Status)
	}
}

func TestPgx5URL(t *testing.T) {
	got, err := pgx5URL("postgres://u:p@localhost:5432/db?sslmode=disable")
	if err != nil || got != "pgx5://u:p@localhost:5432/db?sslmode=disable" {
		t.Fatalf("unexpected url %q, %v", got, err)
	}
	if _, err := pgx5URL("host=localhost dbname=db"); err == nil {
		t.Fatal("keyword DSN should be rejected")
	}
}
