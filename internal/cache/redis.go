package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/clinimatch-server/internal/domain"
)

// RedisStore implements the Store interface on Redis. Entries carry
// their own logical expiry inside the stored envelope; the Redis TTL
// is set to twice the logical TTL so expired entries remain readable
// through GetStale for a grace period.
type RedisStore struct {
	counters
	redis *redis.Client
	log   *logrus.Logger
}

// cachedResult is the envelope stored under each key
type cachedResult struct {
	TrialData []byte    `json:"trial_data"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewRedisStore creates a Redis-backed cache store
func NewRedisStore(ctx context.Context, config domain.CacheConfig, logger *logrus.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = config.PoolSize
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{redis: client, log: logger}, nil
}

// Get retrieves the live entry for a search key
func (r *RedisStore) Get(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	entry, found, err := r.GetStale(ctx, key)
	if err != nil {
		r.miss()
		return nil, false, err
	}
	if !found || entry.Expired() {
		r.miss()
		return nil, false, nil
	}
	r.hit()
	return entry, true, nil
}

// GetStale retrieves the entry for a search key regardless of logical expiry
func (r *RedisStore) GetStale(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	val, err := r.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil // Cache miss
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}

	var cached cachedResult
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		// Remove corrupted cache entry
		r.redis.Del(ctx, key)
		return nil, false, nil
	}

	return &domain.CacheEntry{
		SearchKey: key,
		TrialData: cached.TrialData,
		CreatedAt: cached.CachedAt,
		ExpiresAt: cached.ExpiresAt,
	}, true, nil
}

// Put stores or replaces the entry for a search key
func (r *RedisStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	now := time.Now()
	cached := cachedResult{
		TrialData: data,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	jsonData, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	// Keep the key around past logical expiry for stale reads
	return r.redis.Set(ctx, key, jsonData, 2*ttl).Err()
}

// Delete removes the entry for a search key
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.redis.Del(ctx, key).Err()
}

// Stats returns cache usage counters
func (r *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	count, err := r.redis.DBSize(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get key count: %w", err)
	}
	hits, misses := r.snapshot()
	return &Stats{Hits: hits, Misses: misses, EntryCount: count}, nil
}

// Ping checks if the Redis connection is alive
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.redis.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.redis.Close()
}
