// Package statuscache keeps the last computed verification status of each
// record for display. It is a derived cache: every record mutation
// invalidates the entry and no trust decision ever reads it.
package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"clearbook/internal/records/models"
	"clearbook/pkg/platform/sentinel"
)

const keyPrefix = "clearbook:status:"

// Entry is the cached outcome of one verification.
type Entry struct {
	Status     models.Status `json:"status"`
	Reason     string        `json:"reason"`
	RecordHash string        `json:"record_hash"`
	ComputedAt time.Time     `json:"computed_at"`
}

// EntryFrom builds a cache entry from a verification result.
func EntryFrom(res models.VerificationResult) Entry {
	return Entry{Status: res.Status, Reason: res.Reason, RecordHash: res.StoredHash, ComputedAt: res.ComputedAt}
}

func key(ref models.Ref) string {
	return keyPrefix + string(ref.Type) + ":" + ref.ID
}

// RedisCache stores entries in Redis with a TTL.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedis constructs a Redis-backed status cache. A zero ttl keeps entries
// until invalidated.
func NewRedis(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Set(ctx context.Context, ref models.Ref, entry Entry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode status entry: %w", err)
	}
	if err := c.client.Set(ctx, key(ref), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache status: %w", err)
	}
	return nil
}

// Get returns sentinel.ErrNotFound when nothing is cached.
func (c *RedisCache) Get(ctx context.Context, ref models.Ref) (Entry, error) {
	b, err := c.client.Get(ctx, key(ref)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, sentinel.ErrNotFound
		}
		return Entry{}, fmt.Errorf("read cached status: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(b, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode status entry: %w", err)
	}
	return entry, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, ref models.Ref) error {
	if err := c.client.Del(ctx, key(ref)).Err(); err != nil {
		return fmt.Errorf("invalidate cached status: %w", err)
	}
	return nil
}

// InMemoryCache is the single-process status cache.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[models.Ref]Entry
}

func NewInMemory() *InMemoryCache {
	return &InMemoryCache{entries: make(map[models.Ref]Entry)}
}

func (c *InMemoryCache) Set(_ context.Context, ref models.Ref, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ref] = entry
	return nil
}

func (c *InMemoryCache) Get(_ context.Context, ref models.Ref) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[ref]
	if !ok {
		return Entry{}, sentinel.ErrNotFound
	}
	return entry, nil
}

func (c *InMemoryCache) Invalidate(_ context.Context, ref models.Ref) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ref)
	return nil
}
