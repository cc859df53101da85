package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.SubscriptionStore = (*SubscriptionRepo)(nil)

// SubscriptionRepo is the SQLite implementation of the SubscriptionStore port.
type SubscriptionRepo struct {
	db *DB
}

// NewSubscriptionRepo creates a new SubscriptionRepo backed by the given DB.
func NewSubscriptionRepo(db *DB) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

// Add records a subscription. Adding an existing subscription is a no-op that
// returns the stored row.
func (r *SubscriptionRepo) Add(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	const insert = `
		INSERT INTO subscriptions (user_id, provider, plugin, account_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider, plugin, account_id) DO NOTHING
	`

	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Writer.ExecContext(ctx, insert,
		sub.UserID, sub.Provider, sub.Plugin, sub.AccountID, formatTime(sub.CreatedAt),
	)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("add subscription %s/%s/%s: %w", sub.UserID, sub.Provider, sub.Plugin, err)
	}

	const lookup = `
		SELECT id, created_at FROM subscriptions
		WHERE user_id = ? AND provider = ? AND plugin = ? AND account_id = ?
	`
	var createdAt string
	err = r.db.Writer.QueryRowContext(ctx, lookup, sub.UserID, sub.Provider, sub.Plugin, sub.AccountID).
		Scan(&sub.ID, &createdAt)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("reload subscription: %w", err)
	}
	sub.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("parse created_at: %w", err)
	}
	return sub, nil
}

// Remove deletes every subscription a user holds for (provider, plugin).
func (r *SubscriptionRepo) Remove(ctx context.Context, userID, provider, plugin string) error {
	const query = `DELETE FROM subscriptions WHERE user_id = ? AND provider = ? AND plugin = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, userID, provider, plugin); err != nil {
		return fmt.Errorf("remove subscription %s/%s/%s: %w", userID, provider, plugin, err)
	}
	return nil
}

// ListForProvider returns a user's subscriptions for a provider ordered by plugin.
func (r *SubscriptionRepo) ListForProvider(ctx context.Context, userID, provider string) ([]model.Subscription, error) {
	const query = `
		SELECT id, user_id, provider, plugin, account_id, created_at
		FROM subscriptions
		WHERE user_id = ? AND provider = ?
		ORDER BY plugin
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions %s/%s: %w", userID, provider, err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		var createdAt string
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Provider, &sub.Plugin, &sub.AccountID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}
