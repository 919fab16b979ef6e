package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("storage: not found")
	// ErrVersionConflict means a compare-and-swap lost against another writer.
	ErrVersionConflict = errors.New("storage: version conflict")
	// ErrDuplicate means a unique key already exists.
	ErrDuplicate = errors.New("storage: duplicate")
)

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`

	uniqueViolation = "23505"
)

// RuleStore is the persistence contract for alert rules.
type RuleStore interface {
	CreateRule(ctx context.Context, rule AlertRule) (AlertRule, error)
	GetRule(ctx context.Context, id string) (AlertRule, error)
	ListActiveRules(ctx context.Context) ([]AlertRule, error)
	ListRulesByUser(ctx context.Context, userID string) ([]AlertRule, error)
	// UpdateRuleState writes the monitor-owned fields if the stored version still equals
	// expectedVersion and returns the new version, or ErrVersionConflict.
	UpdateRuleState(ctx context.Context, id string, expectedVersion int64, state RuleState) (int64, error)
	UpdateRuleSettings(ctx context.Context, id string, settings RuleSettings) (AlertRule, error)
	DeleteRule(ctx context.Context, id string) error
}

// RewardStore persists referral rewards. InsertReward must be atomic with respect to
// the (referrer, referee) uniqueness check and return ErrDuplicate when it loses.
type RewardStore interface {
	InsertReward(ctx context.Context, reward ReferralReward) (ReferralReward, error)
	GetRewardByPair(ctx context.Context, referrerID, refereeID string) (ReferralReward, error)
	CreditReward(ctx context.Context, id string) error
	MarkRewardFailed(ctx context.Context, id string, reason string) error
	ListRetryableRewards(ctx context.Context, maxAttempts int, updatedBefore time.Time, limit int) ([]ReferralReward, error)
	ListRecentRewards(ctx context.Context, limit int) ([]ReferralReward, error)
	ListCreditedBetween(ctx context.Context, from, to time.Time) ([]ReferralReward, error)
}

// ReferralStore resolves referral relationships and first-transaction eligibility.
type ReferralStore interface {
	GetReferral(ctx context.Context, refereeID string) (Referral, error)
	CreateReferral(ctx context.Context, referral Referral) error
	// RecordTransaction stores tx once and reports whether it is the user's earliest
	// completed transaction.
	RecordTransaction(ctx context.Context, tx CompletedTransaction) (first bool, err error)
}

// SubscriptionStore persists Web Push subscriptions.
type SubscriptionStore interface {
	SaveSubscription(ctx context.Context, sub PushSubscription) (PushSubscription, error)
	ListSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the Postgres implementation of every store interface.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the lock dies with the session; drop the connection instead of reusing it
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func trimOrEmpty(s string) string {
	return strings.TrimSpace(s)
}

var (
	_ RuleStore         = (*Store)(nil)
	_ RewardStore       = (*Store)(nil)
	_ ReferralStore     = (*Store)(nil)
	_ SubscriptionStore = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
)
