package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"fxwatch/internal/money"
)

const (
	ruleColumns = `id, user_id, base_currency, quote_currency, threshold_rate, direction,
        active, armed, last_triggered_at, version, created_at, updated_at`

	insertRuleSQL = `INSERT INTO alert_rules (
        id,
        user_id,
        base_currency,
        quote_currency,
        threshold_rate,
        direction,
        active,
        armed
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING ` + ruleColumns + `;`

	getRuleSQL = `SELECT ` + ruleColumns + `
    FROM alert_rules
    WHERE id = $1;`

	listActiveRulesSQL = `SELECT ` + ruleColumns + `
    FROM alert_rules
    WHERE active
    ORDER BY id;`

	listRulesByUserSQL = `SELECT ` + ruleColumns + `
    FROM alert_rules
    WHERE user_id = $1
    ORDER BY created_at;`

	updateRuleStateSQL = `UPDATE alert_rules
    SET armed             = $3,
        last_triggered_at = $4,
        version           = version + 1,
        updated_at        = now()
    WHERE id = $1
      AND version = $2
    RETURNING version;`

	updateRuleSettingsSQL = `UPDATE alert_rules
    SET threshold_rate = COALESCE($2::numeric, threshold_rate),
        active         = COALESCE($3::boolean, active),
        armed          = CASE WHEN $2::numeric IS NULL THEN armed ELSE TRUE END,
        version        = version + 1,
        updated_at     = now()
    WHERE id = $1
    RETURNING ` + ruleColumns + `;`

	ruleExistsSQL = `SELECT EXISTS (SELECT 1 FROM alert_rules WHERE id = $1);`

	deleteRuleSQL = `DELETE FROM alert_rules WHERE id = $1;`
)

// CreateRule inserts a new armed rule. An empty ID is filled with a UUID.
func (s *Store) CreateRule(ctx context.Context, rule AlertRule) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	row := pool.QueryRow(ctx, insertRuleSQL,
		rule.ID,
		rule.UserID,
		string(rule.Pair.From),
		string(rule.Pair.To),
		rule.Threshold.String(),
		string(rule.Direction),
		rule.Active,
		true,
	)
	created, err := scanRule(row)
	if err != nil {
		if isUniqueViolation(err) {
			return AlertRule{}, fmt.Errorf("create rule %s: %w", rule.ID, ErrDuplicate)
		}
		return AlertRule{}, fmt.Errorf("create rule: %w", err)
	}
	return created, nil
}

// GetRule loads a rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}
	rule, err := scanRule(pool.QueryRow(ctx, getRuleSQL, id))
	if err != nil {
		if notFound(err) {
			return AlertRule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		return AlertRule{}, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// ListActiveRules lists every active rule ordered by ID.
func (s *Store) ListActiveRules(ctx context.Context) ([]AlertRule, error) {
	return s.listRules(ctx, "list active rules", listActiveRulesSQL)
}

// ListRulesByUser lists a user's rules, active or not.
func (s *Store) ListRulesByUser(ctx context.Context, userID string) ([]AlertRule, error) {
	return s.listRules(ctx, "list rules by user", listRulesByUserSQL, userID)
}

func (s *Store) listRules(ctx context.Context, op, query string, args ...any) ([]AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	rules := make([]AlertRule, 0)
	for rows.Next() {
		rule, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%s: %w", op, scanErr)
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// UpdateRuleState performs the optimistic compare-and-swap on version.
func (s *Store) UpdateRuleState(ctx context.Context, id string, expectedVersion int64, state RuleState) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var lastTriggered any
	if state.LastTriggeredAt != nil {
		lastTriggered = state.LastTriggeredAt.UTC()
	}

	var version int64
	scanErr := pool.QueryRow(ctx, updateRuleStateSQL, id, expectedVersion, state.Armed, lastTriggered).Scan(&version)
	if scanErr != nil {
		if notFound(scanErr) {
			return 0, s.missOrConflict(ctx, id)
		}
		return 0, fmt.Errorf("update rule state: %w", scanErr)
	}
	return version, nil
}

func (s *Store) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, ruleExistsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("check rule %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("rule %s: %w", id, ErrVersionConflict)
}

// UpdateRuleSettings applies a user edit. It always bumps the version so an in-flight
// monitor write based on the old state loses its CAS.
func (s *Store) UpdateRuleSettings(ctx context.Context, id string, settings RuleSettings) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}

	var threshold, active any
	if settings.Threshold != nil {
		threshold = settings.Threshold.String()
	}
	if settings.Active != nil {
		active = *settings.Active
	}

	rule, err := scanRule(pool.QueryRow(ctx, updateRuleSettingsSQL, id, threshold, active))
	if err != nil {
		if notFound(err) {
			return AlertRule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		return AlertRule{}, fmt.Errorf("update rule settings: %w", err)
	}
	return rule, nil
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, deleteRuleSQL, id)
	if execErr != nil {
		return fmt.Errorf("delete rule: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanRule(row pgx.Row) (AlertRule, error) {
	var (
		rule          AlertRule
		base, quote   string
		thresholdStr  string
		direction     string
		lastTriggered sql.NullTime
	)
	if err := row.Scan(
		&rule.ID,
		&rule.UserID,
		&base,
		&quote,
		&thresholdStr,
		&direction,
		&rule.Active,
		&rule.Armed,
		&lastTriggered,
		&rule.Version,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return AlertRule{}, err
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return AlertRule{}, fmt.Errorf("parse threshold rate: %w", err)
	}
	rule.Threshold = threshold
	rule.Pair = money.Pair{From: money.Currency(base), To: money.Currency(quote)}
	rule.Direction = Direction(direction)
	if lastTriggered.Valid {
		ts := lastTriggered.Time.UTC()
		rule.LastTriggeredAt = &ts
	}
	return rule, nil
}

// utcPtr copies t into a fresh UTC pointer.
func utcPtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
