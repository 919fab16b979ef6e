package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is an in-process implementation of the store interfaces with the same
// uniqueness and compare-and-swap guarantees as Store. It backs the simulate command
// and package tests.
type Memory struct {
	mu            sync.Mutex
	now           func() time.Time
	rules         map[string]AlertRule
	rewards       map[string]ReferralReward
	rewardByPair  map[[2]string]string
	credits       map[string]ReferralReward
	referrals     map[string]Referral
	transactions  map[string]CompletedTransaction
	subscriptions map[string]PushSubscription
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		now:           func() time.Time { return time.Now().UTC() },
		rules:         make(map[string]AlertRule),
		rewards:       make(map[string]ReferralReward),
		rewardByPair:  make(map[[2]string]string),
		credits:       make(map[string]ReferralReward),
		referrals:     make(map[string]Referral),
		transactions:  make(map[string]CompletedTransaction),
		subscriptions: make(map[string]PushSubscription),
	}
}

func (m *Memory) CreateRule(_ context.Context, rule AlertRule) (AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if _, ok := m.rules[rule.ID]; ok {
		return AlertRule{}, fmt.Errorf("create rule %s: %w", rule.ID, ErrDuplicate)
	}
	now := m.now()
	rule.Armed = true
	rule.Version = 1
	rule.CreatedAt, rule.UpdatedAt = now, now
	m.rules[rule.ID] = rule
	return rule, nil
}

func (m *Memory) GetRule(_ context.Context, id string) (AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return AlertRule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return rule, nil
}

func (m *Memory) ListActiveRules(_ context.Context) ([]AlertRule, error) {
	return m.filterRules(func(r AlertRule) bool { return r.Active }), nil
}

func (m *Memory) ListRulesByUser(_ context.Context, userID string) ([]AlertRule, error) {
	return m.filterRules(func(r AlertRule) bool { return r.UserID == userID }), nil
}

func (m *Memory) filterRules(keep func(AlertRule) bool) []AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) UpdateRuleState(_ context.Context, id string, expectedVersion int64, state RuleState) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return 0, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if rule.Version != expectedVersion {
		return 0, fmt.Errorf("rule %s: %w", id, ErrVersionConflict)
	}
	rule.Armed = state.Armed
	rule.LastTriggeredAt = nil
	if state.LastTriggeredAt != nil {
		rule.LastTriggeredAt = utcPtr(*state.LastTriggeredAt)
	}
	rule.Version++
	rule.UpdatedAt = m.now()
	m.rules[id] = rule
	return rule.Version, nil
}

func (m *Memory) UpdateRuleSettings(_ context.Context, id string, settings RuleSettings) (AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return AlertRule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if settings.Threshold != nil {
		rule.Threshold = *settings.Threshold
		rule.Armed = true
	}
	if settings.Active != nil {
		rule.Active = *settings.Active
	}
	rule.Version++
	rule.UpdatedAt = m.now()
	m.rules[id] = rule
	return rule, nil
}

func (m *Memory) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	delete(m.rules, id)
	return nil
}

func (m *Memory) InsertReward(_ context.Context, reward ReferralReward) (ReferralReward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{reward.ReferrerID, reward.RefereeID}
	if _, exists := m.rewardByPair[key]; exists {
		return ReferralReward{}, fmt.Errorf("reward %s→%s: %w", reward.ReferrerID, reward.RefereeID, ErrDuplicate)
	}
	if reward.ID == "" {
		reward.ID = uuid.NewString()
	}
	if reward.Status == "" {
		reward.Status = RewardPending
	}
	now := m.now()
	reward.CreatedAt, reward.UpdatedAt = now, now
	m.rewards[reward.ID] = reward
	m.rewardByPair[key] = reward.ID
	return reward, nil
}

func (m *Memory) GetRewardByPair(_ context.Context, referrerID, refereeID string) (ReferralReward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.rewardByPair[[2]string{referrerID, refereeID}]
	if !ok {
		return ReferralReward{}, fmt.Errorf("reward %s→%s: %w", referrerID, refereeID, ErrNotFound)
	}
	return m.rewards[id], nil
}

func (m *Memory) CreditReward(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reward, ok := m.rewards[id]
	if !ok {
		return fmt.Errorf("credit reward %s: %w", id, ErrNotFound)
	}
	if reward.Status == RewardCredited {
		return nil
	}
	reward.Status = RewardCredited
	reward.Attempts++
	reward.LastError = nil
	reward.UpdatedAt = m.now()
	m.rewards[id] = reward
	m.credits[id] = reward
	return nil
}

func (m *Memory) MarkRewardFailed(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reward, ok := m.rewards[id]
	if !ok || reward.Status == RewardCredited {
		return nil
	}
	reward.Status = RewardFailed
	reward.Attempts++
	reward.LastError = &reason
	reward.UpdatedAt = m.now()
	m.rewards[id] = reward
	return nil
}

func (m *Memory) ListRetryableRewards(_ context.Context, maxAttempts int, updatedBefore time.Time, limit int) ([]ReferralReward, error) {
	return m.filterRewards(limit, false, func(r ReferralReward) bool {
		return r.Status != RewardCredited && r.Attempts < maxAttempts && r.UpdatedAt.Before(updatedBefore)
	}), nil
}

func (m *Memory) ListRecentRewards(_ context.Context, limit int) ([]ReferralReward, error) {
	return m.filterRewards(limit, true, func(ReferralReward) bool { return true }), nil
}

func (m *Memory) ListCreditedBetween(_ context.Context, from, to time.Time) ([]ReferralReward, error) {
	return m.filterRewards(0, false, func(r ReferralReward) bool {
		return r.Status == RewardCredited && !r.CreatedAt.Before(from) && r.CreatedAt.Before(to)
	}), nil
}

func (m *Memory) filterRewards(limit int, newestFirst bool, keep func(ReferralReward) bool) []ReferralReward {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ReferralReward, 0)
	for _, r := range m.rewards {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RewardCount returns the number of reward rows.
func (m *Memory) RewardCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rewards)
}

// CreditedTotal sums credited ledger amounts for a referrer.
func (m *Memory) CreditedTotal(referrerID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, r := range m.credits {
		if r.ReferrerID == referrerID {
			total = total.Add(r.Amount)
		}
	}
	return total
}

func (m *Memory) GetReferral(_ context.Context, refereeID string) (Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.referrals[refereeID]
	if !ok {
		return Referral{}, fmt.Errorf("referral for %s: %w", refereeID, ErrNotFound)
	}
	return ref, nil
}

func (m *Memory) CreateReferral(_ context.Context, referral Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.referrals[referral.RefereeID]; ok {
		return fmt.Errorf("referral for %s: %w", referral.RefereeID, ErrDuplicate)
	}
	referral.CreatedAt = m.now()
	m.referrals[referral.RefereeID] = referral
	return nil
}

func (m *Memory) RecordTransaction(_ context.Context, tx CompletedTransaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[tx.TransactionID]; !ok {
		m.transactions[tx.TransactionID] = tx
	}
	var first *CompletedTransaction
	for _, t := range m.transactions {
		if t.UserID != tx.UserID {
			continue
		}
		if first == nil || t.CompletedAt.Before(first.CompletedAt) ||
			(t.CompletedAt.Equal(first.CompletedAt) && t.TransactionID < first.TransactionID) {
			candidate := t
			first = &candidate
		}
	}
	return first != nil && first.TransactionID == tx.TransactionID, nil
}

func (m *Memory) SaveSubscription(_ context.Context, sub PushSubscription) (PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.subscriptions {
		if existing.Endpoint == sub.Endpoint {
			existing.UserID, existing.P256dh, existing.Auth = sub.UserID, sub.P256dh, sub.Auth
			m.subscriptions[id] = existing
			return existing, nil
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CreatedAt = m.now()
	m.subscriptions[sub.ID] = sub
	return sub, nil
}

func (m *Memory) ListSubscriptions(_ context.Context, userID string) ([]PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PushSubscription, 0)
	for _, s := range m.subscriptions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, id)
	return nil
}

var (
	_ RuleStore         = (*Memory)(nil)
	_ RewardStore       = (*Memory)(nil)
	_ ReferralStore     = (*Memory)(nil)
	_ SubscriptionStore = (*Memory)(nil)
)
