package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/clinimatch-server/internal/domain"
)

// MemoryStore is an in-process LRU cache. Eviction is by capacity;
// TTL expiry is checked on read.
type MemoryStore struct {
	counters
	entries *lru.Cache[string, *domain.CacheEntry]
	log     *logrus.Logger
}

// NewMemoryStore creates a memory-backed cache with the given capacity
func NewMemoryStore(maxEntries int, logger *logrus.Logger) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	entries, err := lru.New[string, *domain.CacheEntry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &MemoryStore{entries: entries, log: logger}, nil
}

// Get returns the live entry for key
func (m *MemoryStore) Get(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	entry, ok := m.entries.Get(key)
	if !ok || entry.Expired() {
		m.miss()
		return nil, false, nil
	}
	m.hit()
	return entry, true, nil
}

// GetStale returns the entry for key regardless of expiry
func (m *MemoryStore) GetStale(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	entry, ok := m.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	return entry, true, nil
}

// Put stores data under key
func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	now := time.Now()
	m.entries.Add(key, &domain.CacheEntry{
		SearchKey: key,
		TrialData: data,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	return nil
}

// Delete removes the entry for key
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}

// Stats returns cache usage counters
func (m *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	hits, misses := m.snapshot()
	return &Stats{
		Hits:       hits,
		Misses:     misses,
		EntryCount: int64(m.entries.Len()),
	}, nil
}

// Ping always succeeds for the in-process store
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close releases the cache contents
func (m *MemoryStore) Close() error {
	m.entries.Purge()
	return nil
}
