package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/kmutati/jamii/core/push"
)

type subscriptionRow struct {
	ID          string    `db:"id"`
	UserID      string    `db:"user_id"`
	Endpoint    string    `db:"endpoint"`
	P256dh      string    `db:"p256dh"`
	Auth        string    `db:"auth"`
	CreatedAt   time.Time `db:"created_at"`
	ValidatedAt time.Time `db:"validated_at"`
}

func (row subscriptionRow) model() push.Subscription {
	return push.Subscription(row)
}

type subscriptionRepository struct {
	db *sqlx.DB
}

var _ push.Repository = (*subscriptionRepository)(nil) // interface compliance check

func NewSubscriptionRepository(db *sqlx.DB) *subscriptionRepository {
	return &subscriptionRepository{db: db}
}

// UpsertSubscription keeps at most one row per user: a conflicting insert
// replaces the endpoint and keys and bumps validated_at, leaving the
// original id and created_at in place.
func (repo subscriptionRepository) UpsertSubscription(ctx context.Context, sub push.Subscription) (push.Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.ValidatedAt.IsZero() {
		sub.ValidatedAt = now
	}

	const query = `
		INSERT INTO push_subscription (id, user_id, endpoint, p256dh, auth, created_at, validated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE
		SET endpoint = excluded.endpoint,
		    p256dh = excluded.p256dh,
		    auth = excluded.auth,
		    validated_at = excluded.validated_at
		RETURNING id, user_id, endpoint, p256dh, auth, created_at, validated_at`
	var row subscriptionRow
	err := repo.db.GetContext(ctx, &row, query,
		sub.ID, sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth, sub.CreatedAt.UTC(), sub.ValidatedAt.UTC(),
	)
	if err != nil {
		return push.Subscription{}, errors.Wrap(err, "upserting push subscription")
	}
	return row.model(), nil
}

func (repo subscriptionRepository) GetSubscriptionByUser(ctx context.Context, userID string) (push.Subscription, error) {
	const query = `
		SELECT id, user_id, endpoint, p256dh, auth, created_at, validated_at
		FROM push_subscription
		WHERE user_id = $1`
	var row subscriptionRow
	if err := repo.db.GetContext(ctx, &row, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return push.Subscription{}, push.ErrNotFound
		}
		return push.Subscription{}, errors.Wrap(err, "getting push subscription")
	}
	return row.model(), nil
}

func (repo subscriptionRepository) DeleteSubscriptionByUser(ctx context.Context, userID string) error {
	const query = `DELETE FROM push_subscription WHERE user_id = $1`
	if _, err := repo.db.ExecContext(ctx, query, userID); err != nil {
		return errors.Wrap(err, "deleting push subscription")
	}
	return nil
}
