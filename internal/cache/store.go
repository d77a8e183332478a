package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/clinimatch-server/internal/domain"
)

// Store is the result cache used by the matching pipeline. Expiry is
// lazy: Get treats an expired entry as a miss without removing it, so
// GetStale can still serve it when upstream services are down.
type Store interface {
	// Get returns the live entry for key, or found=false on miss/expiry
	Get(ctx context.Context, key string) (*domain.CacheEntry, bool, error)
	// GetStale returns the entry for key even when its TTL has elapsed
	GetStale(ctx context.Context, key string) (*domain.CacheEntry, bool, error)
	// Put stores data under key, replacing any previous entry
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error
	// Delete removes the entry for key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error
	// Stats returns hit/miss counters and the current entry count
	Stats(ctx context.Context) (*Stats, error)
	// Ping checks that the backing store is reachable
	Ping(ctx context.Context) error
	Close() error
}

// Stats holds cache usage counters
type Stats struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	EntryCount int64 `json:"entry_count"`
}

// counters tracks hits and misses across all backends
type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) hit()  { c.hits.Add(1) }
func (c *counters) miss() { c.misses.Add(1) }

func (c *counters) snapshot() (int64, int64) {
	return c.hits.Load(), c.misses.Load()
}

// New creates a cache store for the configured backend. The pool is
// only consulted for the postgres backend and may be nil otherwise.
func New(ctx context.Context, cfg domain.CacheConfig, pool *pgxpool.Pool, logger *logrus.Logger) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(cfg.MaxEntries, logger)
	case "sqlite":
		return NewSQLiteStore(cfg.Path, logger)
	case "redis":
		return NewRedisStore(ctx, cfg, logger)
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("postgres cache backend requires a database connection")
		}
		return NewPostgresStore(pool, logger), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Backend)
	}
}
