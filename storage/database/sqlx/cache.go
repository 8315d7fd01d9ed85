package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/kmutati/jamii/core/cache"
)

type (
	generationRow struct {
		Version   int       `db:"version"`
		Live      bool      `db:"live"`
		CreatedAt time.Time `db:"created_at"`
	}

	entryRow struct {
		ID        string    `db:"id"`
		Version   int       `db:"version"`
		Method    string    `db:"method"`
		URL       string    `db:"url"`
		Status    int       `db:"status"`
		Header    []byte    `db:"header"`
		Body      []byte    `db:"body"`
		CreatedAt time.Time `db:"created_at"`
	}
)

func (row generationRow) model() cache.Generation {
	return cache.Generation{Version: row.Version, Live: row.Live, CreatedAt: row.CreatedAt}
}

func (row entryRow) model() (cache.Entry, error) {
	header := make(http.Header)
	if len(row.Header) > 0 {
		if err := json.Unmarshal(row.Header, &header); err != nil {
			return cache.Entry{}, errors.Wrap(err, "decoding cached header")
		}
	}
	return cache.Entry{
		Key:       cache.Key{Method: row.Method, URL: row.URL},
		Status:    row.Status,
		Header:    header,
		Body:      row.Body,
		CreatedAt: row.CreatedAt,
	}, nil
}

type cacheStore struct {
	db *sqlx.DB
}

var _ cache.Store = (*cacheStore)(nil) // interface compliance check

func NewCacheStore(db *sqlx.DB) *cacheStore {
	return &cacheStore{db: db}
}

func (store cacheStore) CreateGeneration(ctx context.Context) (cache.Generation, error) {
	const query = `
		INSERT INTO cache_generation DEFAULT VALUES
		RETURNING version, live, created_at`
	var row generationRow
	if err := store.db.GetContext(ctx, &row, query); err != nil {
		return cache.Generation{}, errors.Wrap(err, "creating cache generation")
	}
	return row.model(), nil
}

// PutEntry upserts: concurrent identical fetches each store independently,
// last write wins.
func (store cacheStore) PutEntry(ctx context.Context, version int, entry cache.Entry) error {
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return errors.Wrap(err, "encoding cached header")
	}

	const query = `
		INSERT INTO cache_entry (id, version, method, url, status, header, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (version, method, url) DO UPDATE
		SET status = excluded.status,
		    header = excluded.header,
		    body = excluded.body,
		    created_at = excluded.created_at`
	_, err = store.db.ExecContext(ctx, query,
		uuid.New().String(), version, entry.Method, entry.URL, entry.Status, header, entry.Body, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "storing cache entry")
	}
	return nil
}

// GetEntry only ever consults the live generation.
func (store cacheStore) GetEntry(ctx context.Context, key cache.Key) (cache.Entry, error) {
	const query = `
		SELECT e.id, e.version, e.method, e.url, e.status, e.header, e.body, e.created_at
		FROM cache_entry e
		JOIN cache_generation g ON g.version = e.version AND g.live
		WHERE e.method = $1 AND e.url = $2`
	var row entryRow
	if err := store.db.GetContext(ctx, &row, query, key.Method, key.URL); err != nil {
		if err == sql.ErrNoRows {
			return cache.Entry{}, cache.ErrNotFound
		}
		return cache.Entry{}, errors.Wrap(err, "getting cache entry")
	}
	return row.model()
}

// ActivateGeneration flips the live pointer and deletes every older
// generation in one transaction: readers observe the swap atomically.
func (store cacheStore) ActivateGeneration(ctx context.Context, version int) error {
	tx, err := store.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning activation")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE cache_generation SET live = (version = $1)`, version)
	if err != nil {
		return errors.Wrap(err, "flipping live generation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cache.ErrNoLiveGeneration
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM cache_generation WHERE version < $1`, version); err != nil {
		return errors.Wrap(err, "deleting superseded generations")
	}
	return errors.Wrap(tx.Commit(), "committing activation")
}

func (store cacheStore) DeleteGeneration(ctx context.Context, version int) error {
	if _, err := store.db.ExecContext(ctx, `DELETE FROM cache_generation WHERE version = $1`, version); err != nil {
		return errors.Wrap(err, "deleting cache generation")
	}
	return nil
}

func (store cacheStore) LiveGeneration(ctx context.Context) (cache.Generation, error) {
	const query = `SELECT version, live, created_at FROM cache_generation WHERE live`
	var row generationRow
	if err := store.db.GetContext(ctx, &row, query); err != nil {
		if err == sql.ErrNoRows {
			return cache.Generation{}, cache.ErrNoLiveGeneration
		}
		return cache.Generation{}, errors.Wrap(err, "getting live generation")
	}
	return row.model(), nil
}
