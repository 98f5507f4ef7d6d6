package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

// CooldownStore holds TTL-bearing markers. A marker is never deleted
// explicitly; it disappears when its TTL runs out.
type CooldownStore interface {
	// Set creates or replaces the marker with the given TTL.
	Set(ctx context.Context, key string, ttl time.Duration) error
	// Remaining returns the marker's remaining TTL, or zero if there is none.
	Remaining(ctx context.Context, key string) (time.Duration, error)
}

// RedisCooldownStore keeps markers in redis so every process sees them.
type RedisCooldownStore struct {
	client *redis.Client
}

func NewRedisCooldownStore(client *redis.Client) *RedisCooldownStore {
	return &RedisCooldownStore{client: client}
}

func (s *RedisCooldownStore) Set(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("set cooldown %s: %w", key, err)
	}
	return nil
}

func (s *RedisCooldownStore) Remaining(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("read cooldown %s: %w", key, err)
	}
	// -2 means missing, -1 means no expiry; neither is a live cooldown.
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

// MemoryCooldownStore is a single-process store for CACHE_BACKEND=memory.
type MemoryCooldownStore struct {
	cache *ttlcache.Cache[string, struct{}]
}

func NewMemoryCooldownStore() *MemoryCooldownStore {
	c := ttlcache.New[string, struct{}](
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go c.Start()
	return &MemoryCooldownStore{cache: c}
}

func (s *MemoryCooldownStore) Set(_ context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.cache.Set(key, struct{}{}, ttl)
	return nil
}

func (s *MemoryCooldownStore) Remaining(_ context.Context, key string) (time.Duration, error) {
	item := s.cache.Get(key)
	if item == nil {
		return 0, nil
	}
	remaining := time.Until(item.ExpiresAt())
	if remaining <= 0 {
		return 0, nil
	}
	return remaining, nil
}

// Stop halts the background expiry loop.
func (s *MemoryCooldownStore) Stop() {
	s.cache.Stop()
}
