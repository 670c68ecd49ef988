// Package cache is a small explicit get/set cache with a TTL fixed at
// construction. Values are JSON encoded so Redis and memory backends behave
// the same way.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Backend stores raw bytes with an expiry.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Cache struct {
	backend Backend
	prefix  string
	ttl     time.Duration
}

func New(backend Backend, prefix string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{backend: backend, prefix: prefix, ttl: ttl}
}

func (c *Cache) TTL() time.Duration { return c.ttl }

// Get decodes the cached value for key into dst and reports whether it was present.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := c.backend.Get(ctx, c.prefix+key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cached %s: %w", key, err)
	}
	return c.backend.Set(ctx, c.prefix+key, raw, c.ttl)
}

func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, c.prefix+key)
}
