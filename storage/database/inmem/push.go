package inmemdb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kmutati/jamii/core/push"
)

type subscriptionRepository struct {
	db *subscriptionTable
}

var _ push.Repository = (*subscriptionRepository)(nil)

func NewSubscriptionRepository(db *DB) *subscriptionRepository {
	return &subscriptionRepository{db: db.subscription}
}

func (repo *subscriptionRepository) UpsertSubscription(_ context.Context, sub push.Subscription) (push.Subscription, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	now := time.Now().UTC()
	if existing, ok := repo.db.table[sub.UserID]; ok {
		// replace on conflict: keep identity, refresh handle
		existing.Endpoint = sub.Endpoint
		existing.P256dh = sub.P256dh
		existing.Auth = sub.Auth
		existing.ValidatedAt = now
		return *existing, nil
	}

	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.ValidatedAt = now
	repo.db.table[sub.UserID] = &sub
	return sub, nil
}

func (repo *subscriptionRepository) GetSubscriptionByUser(_ context.Context, userID string) (push.Subscription, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if sub, ok := repo.db.table[userID]; ok {
		return *sub, nil
	}
	return push.Subscription{}, push.ErrNotFound
}

func (repo *subscriptionRepository) DeleteSubscriptionByUser(_ context.Context, userID string) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()
	delete(repo.db.table, userID)
	return nil
}

// Count reports the stored subscription rows; test helper.
func (repo *subscriptionRepository) Count() int {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()
	return len(repo.db.table)
}
