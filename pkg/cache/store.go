package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the string cache exposed to callers (cachePut / cacheGet / cacheSize).
type Store interface {
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Remove(ctx context.Context, key string) error
	Size(ctx context.Context) (int, error)
}

// Local adapts an in-process TTL cache to Store.
type Local struct {
	ttl *TTL[string, string]
}

// NewLocal wraps c.
func NewLocal(c *TTL[string, string]) *Local {
	return &Local{ttl: c}
}

// Put stores value.
func (l *Local) Put(_ context.Context, key, value string) error {
	l.ttl.Put(key, value)
	return nil
}

// Get looks key up.
func (l *Local) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := l.ttl.Get(key)
	return v, ok, nil
}

// Remove deletes key.
func (l *Local) Remove(_ context.Context, key string) error {
	l.ttl.Remove(key)
	return nil
}

// Size reports the entry count.
func (l *Local) Size(context.Context) (int, error) {
	return l.ttl.Len(), nil
}

// Redis keeps entries in Redis with a sliding expiry: every Put and every
// hit resets the key's TTL, so Redis itself plays the role of the sweeper.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis returns a Redis-backed store namespacing keys under prefix.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

// Put stores value and (re)starts its idle timer.
func (r *Redis) Put(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.key(key), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get returns the value and refreshes its idle timer.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.GetEx(ctx, r.key(key), r.ttl).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis getex %s: %w", key, err)
	}
	return v, true, nil
}

// Remove deletes key.
func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Size counts keys under the prefix with SCAN.
func (r *Redis) Size(ctx context.Context) (int, error) {
	n := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	return n, nil
}
