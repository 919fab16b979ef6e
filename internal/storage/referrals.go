package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"fxwatch/internal/money"
)

const (
	getReferralSQL = `SELECT referee_id, referrer_id, referrer_currency, created_at
    FROM referrals
    WHERE referee_id = $1;`

	insertReferralSQL = `INSERT INTO referrals (
        referee_id,
        referrer_id,
        referrer_currency
    ) VALUES (
        $1,$2,$3
    );`

	recordTransactionSQL = `INSERT INTO completed_transactions (
        transaction_id,
        user_id,
        amount,
        currency,
        completed_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (transaction_id) DO NOTHING;`

	firstTransactionSQL = `SELECT transaction_id
    FROM completed_transactions
    WHERE user_id = $1
    ORDER BY completed_at, transaction_id
    LIMIT 1;`
)

// GetReferral returns who referred refereeID, or ErrNotFound.
func (s *Store) GetReferral(ctx context.Context, refereeID string) (Referral, error) {
	pool, err := s.getPool()
	if err != nil {
		return Referral{}, err
	}

	var (
		ref      Referral
		currency string
	)
	scanErr := pool.QueryRow(ctx, getReferralSQL, refereeID).Scan(
		&ref.RefereeID,
		&ref.ReferrerID,
		&currency,
		&ref.CreatedAt,
	)
	if scanErr != nil {
		if notFound(scanErr) {
			return Referral{}, fmt.Errorf("referral for %s: %w", refereeID, ErrNotFound)
		}
		return Referral{}, fmt.Errorf("get referral: %w", scanErr)
	}
	ref.ReferrerCurrency = money.Currency(currency)
	return ref, nil
}

// CreateReferral records a referral. A user can be referred only once.
func (s *Store) CreateReferral(ctx context.Context, referral Referral) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertReferralSQL,
		referral.RefereeID,
		referral.ReferrerID,
		string(referral.ReferrerCurrency),
	)
	if execErr != nil {
		if isUniqueViolation(execErr) {
			return fmt.Errorf("referral for %s: %w", referral.RefereeID, ErrDuplicate)
		}
		return fmt.Errorf("create referral: %w", execErr)
	}
	return nil
}

// RecordTransaction stores the transaction idempotently and reports whether it is the
// earliest completed transaction of its user. Redelivery of the same event yields the
// same answer.
func (s *Store) RecordTransaction(ctx context.Context, tx CompletedTransaction) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var first string
	txErr := pgx.BeginFunc(ctx, pool, func(dbtx pgx.Tx) error {
		if _, err := dbtx.Exec(ctx, recordTransactionSQL,
			tx.TransactionID,
			tx.UserID,
			tx.Amount.String(),
			string(tx.Currency),
			tx.CompletedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		return dbtx.QueryRow(ctx, firstTransactionSQL, tx.UserID).Scan(&first)
	})
	if txErr != nil {
		return false, fmt.Errorf("record transaction %s: %w", tx.TransactionID, txErr)
	}
	return first == tx.TransactionID, nil
}
