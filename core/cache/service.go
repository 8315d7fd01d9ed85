package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// errors
	ErrNotFound         = errors.New("cache entry not found")
	ErrNoLiveGeneration = errors.New("no live cache generation")
	ErrNotCacheable     = errors.New("request is not cacheable")
)

type (
	Store interface {
		// CreateGeneration opens a new, not-yet-live generation with the
		// next monotonic version.
		CreateGeneration(ctx context.Context) (Generation, error)
		// PutEntry upserts an entry within the given generation (last write wins).
		PutEntry(ctx context.Context, version int, entry Entry) error
		// GetEntry consults the live generation only.
		GetEntry(ctx context.Context, key Key) (Entry, error)
		// ActivateGeneration marks the given generation live and deletes all
		// generations with a lower version, atomically from readers' perspective.
		ActivateGeneration(ctx context.Context, version int) error
		// DeleteGeneration discards an aborted, never-activated generation.
		DeleteGeneration(ctx context.Context, version int) error
		LiveGeneration(ctx context.Context) (Generation, error)
	}

	Service struct {
		store Store
	}
)

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (svc *Service) Begin(ctx context.Context) (Generation, error) {
	return svc.store.CreateGeneration(ctx)
}

func (svc *Service) Put(ctx context.Context, version int, entry Entry) error {
	entry.Key = NewKey(entry.Method, entry.URL)
	if !entry.Cacheable() {
		return ErrNotCacheable
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return svc.store.PutEntry(ctx, version, entry)
}

func (svc *Service) Get(ctx context.Context, method, rawurl string) (Entry, error) {
	key := NewKey(method, rawurl)
	if !key.Cacheable() {
		return Entry{}, ErrNotFound
	}
	return svc.store.GetEntry(ctx, key)
}

func (svc *Service) Activate(ctx context.Context, version int) error {
	return svc.store.ActivateGeneration(ctx, version)
}

func (svc *Service) Abort(ctx context.Context, version int) error {
	return svc.store.DeleteGeneration(ctx, version)
}

func (svc *Service) Live(ctx context.Context) (Generation, error) {
	return svc.store.LiveGeneration(ctx)
}
