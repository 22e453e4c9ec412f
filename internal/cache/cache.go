// Package cache holds the externally visible read-model cache of orders,
// tabs and dining tables. The ledger invalidates keys after every committed
// change; a failed invalidation is logged by the caller and never undoes the
// change.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrMiss reports that a key is not cached.
var ErrMiss = errors.New("cache: miss")

// Key helpers.
func OrderKey(id string) string { return "order:" + id }
func TabKey(id string) string   { return "tab:" + id }
func TableKey(id string) string { return "table:" + id }

// TabCache is the read-through cache used by the HTTP layer and invalidated
// by the services.
type TabCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Invalidate(ctx context.Context, keys ...string) error
}

// Client is the subset of the Redis client the cache needs.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis stores entries with a TTL.
type Redis struct {
	Client Client
	TTL    time.Duration
}

// NewRedis returns a Redis cache; ttl <= 0 means 30s.
func NewRedis(c Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{Client: c, TTL: ttl}
}

// Get implements TabCache.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return b, err
}

// Set implements TabCache.
func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return r.Client.Set(ctx, key, value, r.TTL).Err()
}

// Invalidate implements TabCache.
func (r *Redis) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.Client.Del(ctx, keys...).Err()
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, error) { return nil, ErrMiss }
func (Nop) Set(context.Context, string, []byte) error   { return nil }
func (Nop) Invalidate(context.Context, ...string) error { return nil }
