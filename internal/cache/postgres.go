package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/clinimatch-server/internal/domain"
)

// PostgresStore implements the Store interface on PostgreSQL. The
// trials_cache table is created by the migration runner at startup.
type PostgresStore struct {
	counters
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewPostgresStore creates a Postgres-backed cache store on an existing pool
func NewPostgresStore(pool *pgxpool.Pool, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, log: logger}
}

// Get retrieves the live entry for a search key
func (p *PostgresStore) Get(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	entry, found, err := p.GetStale(ctx, key)
	if err != nil {
		p.miss()
		return nil, false, err
	}
	if !found || entry.Expired() {
		p.miss()
		return nil, false, nil
	}
	p.hit()
	return entry, true, nil
}

// GetStale retrieves the entry for a search key regardless of expiry
func (p *PostgresStore) GetStale(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	entry := &domain.CacheEntry{}
	err := p.pool.QueryRow(ctx, `
		SELECT search_key, trial_data, created_at, expires_at
		FROM trials_cache
		WHERE search_key = $1
	`, key).Scan(&entry.SearchKey, &entry.TrialData, &entry.CreatedAt, &entry.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query cache entry: %w", err)
	}
	return entry, true, nil
}

// Put stores or replaces the entry for a search key
func (p *PostgresStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	now := time.Now()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO trials_cache (search_key, trial_data, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (search_key) DO UPDATE SET
			trial_data = EXCLUDED.trial_data,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`, key, data, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry for a search key
func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, "DELETE FROM trials_cache WHERE search_key = $1", key)
	return err
}

// Sweep removes all expired entries and returns how many were deleted
func (p *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, "DELETE FROM trials_cache WHERE expires_at < $1", time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired entries: %w", err)
	}
	deleted := tag.RowsAffected()
	if deleted > 0 {
		p.log.WithField("deleted", deleted).Debug("Swept expired cache entries")
	}
	return deleted, nil
}

// Stats returns cache usage counters
func (p *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	var count int64
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM trials_cache").Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count entries: %w", err)
	}
	hits, misses := p.snapshot()
	return &Stats{Hits: hits, Misses: misses, EntryCount: count}, nil
}

// Ping checks the database connection
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close is a no-op; the pool is owned and closed by the caller
func (p *PostgresStore) Close() error {
	return nil
}
