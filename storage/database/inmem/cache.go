package inmemdb

import (
	"context"
	"time"

	"github.com/kmutati/jamii/core/cache"
)

type cacheStore struct {
	db *cacheTable
}

var _ cache.Store = (*cacheStore)(nil)

func NewCacheStore(db *DB) *cacheStore {
	return &cacheStore{db: db.cache}
}

func (store *cacheStore) CreateGeneration(_ context.Context) (cache.Generation, error) {
	store.db.mutex.Lock()
	defer store.db.mutex.Unlock()

	store.db.nextVersion++
	gen := &generation{
		meta:    cache.Generation{Version: store.db.nextVersion, CreatedAt: time.Now().UTC()},
		entries: make(map[cache.Key]cache.Entry),
	}
	store.db.generations[gen.meta.Version] = gen
	return gen.meta, nil
}

func (store *cacheStore) PutEntry(_ context.Context, version int, entry cache.Entry) error {
	store.db.mutex.Lock()
	defer store.db.mutex.Unlock()

	gen, ok := store.db.generations[version]
	if !ok {
		return cache.ErrNoLiveGeneration
	}
	gen.entries[entry.Key] = entry
	return nil
}

func (store *cacheStore) GetEntry(_ context.Context, key cache.Key) (cache.Entry, error) {
	store.db.mutex.RLock()
	defer store.db.mutex.RUnlock()

	gen, ok := store.db.generations[store.db.liveVersion]
	if !ok {
		return cache.Entry{}, cache.ErrNotFound
	}
	if entry, ok := gen.entries[key]; ok {
		return entry, nil
	}
	return cache.Entry{}, cache.ErrNotFound
}

func (store *cacheStore) ActivateGeneration(_ context.Context, version int) error {
	store.db.mutex.Lock()
	defer store.db.mutex.Unlock()

	gen, ok := store.db.generations[version]
	if !ok {
		return cache.ErrNoLiveGeneration
	}
	for v := range store.db.generations {
		if v < version {
			delete(store.db.generations, v)
		}
	}
	gen.meta.Live = true
	store.db.liveVersion = version
	return nil
}

func (store *cacheStore) DeleteGeneration(_ context.Context, version int) error {
	store.db.mutex.Lock()
	defer store.db.mutex.Unlock()

	if store.db.liveVersion == version {
		store.db.liveVersion = 0
	}
	delete(store.db.generations, version)
	return nil
}

func (store *cacheStore) LiveGeneration(_ context.Context) (cache.Generation, error) {
	store.db.mutex.RLock()
	defer store.db.mutex.RUnlock()

	if gen, ok := store.db.generations[store.db.liveVersion]; ok {
		return gen.meta, nil
	}
	return cache.Generation{}, cache.ErrNoLiveGeneration
}
