package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

const statePrefix = "oauth:state:"

// ErrStateNotFound is returned when an OAuth state is unknown, expired or
// already consumed.
var ErrStateNotFound = errors.New("oauth state not found")

// StateStore keeps short-lived OAuth state payloads. Take is single use.
type StateStore interface {
	Put(ctx context.Context, state string, data []byte, ttl time.Duration) error
	Take(ctx context.Context, state string) ([]byte, error)
}

type RedisStateStore struct {
	client *redis.Client
}

func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) Put(ctx context.Context, state string, data []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, statePrefix+state, data, ttl).Err(); err != nil {
		return fmt.Errorf("store oauth state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Take(ctx context.Context, state string) ([]byte, error) {
	data, err := s.client.GetDel(ctx, statePrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load oauth state: %w", err)
	}
	return data, nil
}

type MemoryStateStore struct {
	cache *ttlcache.Cache[string, []byte]
}

func NewMemoryStateStore() *MemoryStateStore {
	c := ttlcache.New[string, []byte](
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go c.Start()
	return &MemoryStateStore{cache: c}
}

func (s *MemoryStateStore) Put(_ context.Context, state string, data []byte, ttl time.Duration) error {
	s.cache.Set(statePrefix+state, data, ttl)
	return nil
}

func (s *MemoryStateStore) Take(_ context.Context, state string) ([]byte, error) {
	item, ok := s.cache.GetAndDelete(statePrefix + state)
	if !ok || item == nil || item.IsExpired() {
		return nil, ErrStateNotFound
	}
	return item.Value(), nil
}

func (s *MemoryStateStore) Stop() {
	s.cache.Stop()
}
