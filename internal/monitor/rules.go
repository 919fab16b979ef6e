package monitor

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"fxwatch/internal/faults"
	"fxwatch/internal/money"
	"fxwatch/internal/storage"
)

// RuleInput is a user request to create an alert rule.
type RuleInput struct {
	UserID    string
	Pair      string
	Threshold string
	Direction string
}

// RuleService validates user edits before they reach the rule store.
type RuleService struct {
	store storage.RuleStore
}

// NewRuleService wraps store.
func NewRuleService(store storage.RuleStore) *RuleService {
	return &RuleService{store: store}
}

// Create validates input and stores a new armed rule.
func (s *RuleService) Create(ctx context.Context, in RuleInput) (storage.AlertRule, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return storage.AlertRule{}, faults.Validation("create rule", "user id is required")
	}
	pair, err := money.ParsePair(in.Pair)
	if err != nil {
		return storage.AlertRule{}, err
	}
	threshold, err := parseThreshold(in.Threshold)
	if err != nil {
		return storage.AlertRule{}, err
	}
	direction := storage.Direction(strings.ToLower(strings.TrimSpace(in.Direction)))
	if !direction.Valid() {
		return storage.AlertRule{}, faults.Validation("create rule", "direction must be above or below, got %q", in.Direction)
	}

	return s.store.CreateRule(ctx, storage.AlertRule{
		UserID:    userID,
		Pair:      pair,
		Threshold: threshold,
		Direction: direction,
		Active:    true,
	})
}

// List returns a user's rules.
func (s *RuleService) List(ctx context.Context, userID string) ([]storage.AlertRule, error) {
	return s.store.ListRulesByUser(ctx, userID)
}

// Update applies a partial edit. threshold may be empty to leave it unchanged.
func (s *RuleService) Update(ctx context.Context, id string, threshold string, active *bool) (storage.AlertRule, error) {
	var settings storage.RuleSettings
	if strings.TrimSpace(threshold) != "" {
		value, err := parseThreshold(threshold)
		if err != nil {
			return storage.AlertRule{}, err
		}
		settings.Threshold = &value
	}
	settings.Active = active
	if settings.Threshold == nil && settings.Active == nil {
		return storage.AlertRule{}, faults.Validation("update rule", "nothing to update")
	}
	rule, err := s.store.UpdateRuleSettings(ctx, id, settings)
	if err != nil {
		return storage.AlertRule{}, wrapOp("update rule", err)
	}
	return rule, nil
}

// Delete removes a rule.
func (s *RuleService) Delete(ctx context.Context, id string) error {
	return wrapOp("delete rule", s.store.DeleteRule(ctx, id))
}

func parseThreshold(raw string) (decimal.Decimal, error) {
	value, err := money.ParseAmount(raw)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !value.IsPositive() {
		return decimal.Decimal{}, faults.Validation("parse threshold", "threshold must be positive, got %s", value)
	}
	return value, nil
}

func wrapOp(op string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
