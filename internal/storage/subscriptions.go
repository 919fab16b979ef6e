package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

const (
	upsertSubscriptionSQL = `INSERT INTO push_subscriptions (
        id,
        user_id,
        endpoint,
        p256dh,
        auth
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (endpoint) DO UPDATE
    SET user_id = EXCLUDED.user_id,
        p256dh  = EXCLUDED.p256dh,
        auth    = EXCLUDED.auth
    RETURNING id, user_id, endpoint, p256dh, auth, created_at;`

	listSubscriptionsSQL = `SELECT id, user_id, endpoint, p256dh, auth, created_at
    FROM push_subscriptions
    WHERE user_id = $1
    ORDER BY created_at;`

	deleteSubscriptionSQL = `DELETE FROM push_subscriptions WHERE id = $1;`
)

// SaveSubscription registers an endpoint; re-registering the same endpoint updates its keys.
func (s *Store) SaveSubscription(ctx context.Context, sub PushSubscription) (PushSubscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return PushSubscription{}, err
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}

	var saved PushSubscription
	scanErr := pool.QueryRow(ctx, upsertSubscriptionSQL,
		sub.ID,
		sub.UserID,
		trimOrEmpty(sub.Endpoint),
		sub.P256dh,
		sub.Auth,
	).Scan(&saved.ID, &saved.UserID, &saved.Endpoint, &saved.P256dh, &saved.Auth, &saved.CreatedAt)
	if scanErr != nil {
		return PushSubscription{}, fmt.Errorf("save subscription: %w", scanErr)
	}
	return saved, nil
}

// ListSubscriptions lists a user's subscriptions.
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSubscriptionsSQL, userID)
	if queryErr != nil {
		return nil, fmt.Errorf("list subscriptions: %w", queryErr)
	}
	defer rows.Close()

	subs := make([]PushSubscription, 0)
	for rows.Next() {
		var sub PushSubscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

// DeleteSubscription removes a subscription. Deleting a missing one is not an error.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteSubscriptionSQL, id); execErr != nil {
		return fmt.Errorf("delete subscription: %w", execErr)
	}
	return nil
}
