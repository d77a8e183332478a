package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/clinimatch-server/internal/domain"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	counters
	db     *sql.DB
	dbPath string
	log    *logrus.Logger
}

// NewSQLiteStore creates a new SQLite-backed cache store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// Open database
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	// Create schema
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		log:    logger,
	}, nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEntry scans a row into a CacheEntry struct.
func scanEntry(s scanner) (*domain.CacheEntry, error) {
	entry := &domain.CacheEntry{}
	err := s.Scan(&entry.SearchKey, &entry.TrialData, &entry.CreatedAt, &entry.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS trials_cache (
		search_key TEXT PRIMARY KEY,
		trial_data BLOB NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trials_cache_expires_at ON trials_cache(expires_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Get retrieves the live entry for a search key. An expired entry
// counts as a miss but is left in place for GetStale.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	entry, found, err := s.GetStale(ctx, key)
	if err != nil {
		s.miss()
		return nil, false, err
	}
	if !found || entry.Expired() {
		s.miss()
		return nil, false, nil
	}
	s.hit()
	return entry, true, nil
}

// GetStale retrieves the entry for a search key regardless of expiry.
func (s *SQLiteStore) GetStale(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT search_key, trial_data, created_at, expires_at
		FROM trials_cache
		WHERE search_key = ?
	`, key)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to scan: %w", err)
	}
	return entry, true, nil
}

// Put stores or replaces the entry for a search key.
func (s *SQLiteStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trials_cache (search_key, trial_data, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(search_key) DO UPDATE SET
			trial_data = excluded.trial_data,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, key, data, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to upsert: %w", err)
	}
	return nil
}

// Delete removes the entry for a search key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM trials_cache WHERE search_key = ?", key)
	return err
}

// Sweep removes all expired entries and returns how many were deleted.
func (s *SQLiteStore) Sweep(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM trials_cache WHERE expires_at < ?", time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired entries: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept entries: %w", err)
	}
	if deleted > 0 {
		s.log.WithField("deleted", deleted).Debug("Swept expired cache entries")
	}
	return deleted, nil
}

// Stats returns cache usage counters.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM trials_cache").Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count entries: %w", err)
	}
	hits, misses := s.snapshot()
	return &Stats{Hits: hits, Misses: misses, EntryCount: count}, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
