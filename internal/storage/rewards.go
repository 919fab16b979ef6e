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
	rewardColumns = `id, referrer_id, referee_id, transaction_id, amount, currency, status,
        attempts, last_error, created_at, updated_at`

	// The unique index on (referrer_id, referee_id) makes this insert the single
	// arbiter of which delivery creates the reward.
	insertRewardSQL = `INSERT INTO referral_rewards (
        id,
        referrer_id,
        referee_id,
        transaction_id,
        amount,
        currency,
        status
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (referrer_id, referee_id) DO NOTHING
    RETURNING ` + rewardColumns + `;`

	getRewardByPairSQL = `SELECT ` + rewardColumns + `
    FROM referral_rewards
    WHERE referrer_id = $1
      AND referee_id = $2;`

	insertCreditSQL = `INSERT INTO reward_credits (
        reward_id,
        referrer_id,
        amount,
        currency
    )
    SELECT id, referrer_id, amount, currency
    FROM referral_rewards
    WHERE id = $1
    ON CONFLICT (reward_id) DO NOTHING;`

	markRewardCreditedSQL = `UPDATE referral_rewards
    SET status     = 'credited',
        attempts   = attempts + 1,
        last_error = NULL,
        updated_at = now()
    WHERE id = $1
      AND status <> 'credited';`

	markRewardFailedSQL = `UPDATE referral_rewards
    SET status     = 'failed',
        attempts   = attempts + 1,
        last_error = $2,
        updated_at = now()
    WHERE id = $1
      AND status <> 'credited';`

	listRetryableRewardsSQL = `SELECT ` + rewardColumns + `
    FROM referral_rewards
    WHERE status IN ('pending', 'failed')
      AND attempts < $1
      AND updated_at < $2
    ORDER BY created_at
    LIMIT $3;`

	listRecentRewardsSQL = `SELECT ` + rewardColumns + `
    FROM referral_rewards
    ORDER BY created_at DESC
    LIMIT $1;`

	listCreditedBetweenSQL = `SELECT ` + rewardColumns + `
    FROM referral_rewards
    WHERE status = 'credited'
      AND created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`
)

// InsertReward creates the reward row or returns ErrDuplicate if the
// (referrer, referee) pair already has one.
func (s *Store) InsertReward(ctx context.Context, reward ReferralReward) (ReferralReward, error) {
	pool, err := s.getPool()
	if err != nil {
		return ReferralReward{}, err
	}
	if reward.ID == "" {
		reward.ID = uuid.NewString()
	}
	if reward.Status == "" {
		reward.Status = RewardPending
	}

	row := pool.QueryRow(ctx, insertRewardSQL,
		reward.ID,
		reward.ReferrerID,
		reward.RefereeID,
		reward.TransactionID,
		reward.Amount.String(),
		string(reward.Currency),
		string(reward.Status),
	)
	created, err := scanReward(row)
	if err != nil {
		if notFound(err) || isUniqueViolation(err) {
			return ReferralReward{}, fmt.Errorf("reward %s→%s: %w", reward.ReferrerID, reward.RefereeID, ErrDuplicate)
		}
		return ReferralReward{}, fmt.Errorf("insert reward: %w", err)
	}
	return created, nil
}

// GetRewardByPair loads the reward for a referrer/referee pair.
func (s *Store) GetRewardByPair(ctx context.Context, referrerID, refereeID string) (ReferralReward, error) {
	pool, err := s.getPool()
	if err != nil {
		return ReferralReward{}, err
	}
	reward, err := scanReward(pool.QueryRow(ctx, getRewardByPairSQL, referrerID, refereeID))
	if err != nil {
		if notFound(err) {
			return ReferralReward{}, fmt.Errorf("reward %s→%s: %w", referrerID, refereeID, ErrNotFound)
		}
		return ReferralReward{}, fmt.Errorf("get reward: %w", err)
	}
	return reward, nil
}

// CreditReward writes the ledger row and flips the reward to credited in one
// transaction. Crediting an already credited reward is a no-op.
func (s *Store) CreditReward(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertCreditSQL, id); err != nil {
			return fmt.Errorf("insert credit: %w", err)
		}
		if _, err := tx.Exec(ctx, markRewardCreditedSQL, id); err != nil {
			return fmt.Errorf("mark credited: %w", err)
		}
		return nil
	})
	if txErr != nil {
		return fmt.Errorf("credit reward %s: %w", id, txErr)
	}
	return nil
}

// MarkRewardFailed records a failed credit attempt.
func (s *Store) MarkRewardFailed(ctx context.Context, id string, reason string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markRewardFailedSQL, id, reason); execErr != nil {
		return fmt.Errorf("mark reward failed: %w", execErr)
	}
	return nil
}

// ListRetryableRewards returns pending or failed rewards that have not been touched
// since updatedBefore and still have attempts left.
func (s *Store) ListRetryableRewards(ctx context.Context, maxAttempts int, updatedBefore time.Time, limit int) ([]ReferralReward, error) {
	return s.listRewards(ctx, "list retryable rewards", listRetryableRewardsSQL, maxAttempts, updatedBefore, limit)
}

// ListRecentRewards lists the newest rewards first.
func (s *Store) ListRecentRewards(ctx context.Context, limit int) ([]ReferralReward, error) {
	return s.listRewards(ctx, "list recent rewards", listRecentRewardsSQL, limit)
}

// ListCreditedBetween lists credited rewards created in [from, to).
func (s *Store) ListCreditedBetween(ctx context.Context, from, to time.Time) ([]ReferralReward, error) {
	return s.listRewards(ctx, "list credited rewards", listCreditedBetweenSQL, from, to)
}

func (s *Store) listRewards(ctx context.Context, op, query string, args ...any) ([]ReferralReward, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	rewards := make([]ReferralReward, 0)
	for rows.Next() {
		reward, scanErr := scanReward(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%s: %w", op, scanErr)
		}
		rewards = append(rewards, reward)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rewards, nil
}

func scanReward(row pgx.Row) (ReferralReward, error) {
	var (
		reward    ReferralReward
		amountStr string
		currency  string
		status    string
		lastError sql.NullString
	)
	if err := row.Scan(
		&reward.ID,
		&reward.ReferrerID,
		&reward.RefereeID,
		&reward.TransactionID,
		&amountStr,
		&currency,
		&status,
		&reward.Attempts,
		&lastError,
		&reward.CreatedAt,
		&reward.UpdatedAt,
	); err != nil {
		return ReferralReward{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return ReferralReward{}, fmt.Errorf("parse reward amount: %w", err)
	}
	reward.Amount = amount
	reward.Currency = money.Currency(currency)
	reward.Status = RewardStatus(status)
	if lastError.Valid {
		msg := lastError.String
		reward.LastError = &msg
	}
	return reward, nil
}
