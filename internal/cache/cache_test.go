package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type metrics struct {
	Approved int `json:"approved"`
}

func TestMemoryCacheExpires(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	backend.now = func() time.Time { return now }
	c := New(backend, "metrics:", 30*time.Second)

	if err := c.Set(ctx, "p1", metrics{Approved: 3}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	var got metrics
	ok, err := c.Get(ctx, "p1", &got)
	if err != nil || !ok || got.Approved != 3 {
		t.Fatalf("Get() = %v, %v, %+v", ok, err, got)
	}

	now = now.Add(31 * time.Second)
	ok, err = c.Get(ctx, "p1", &got)
	if err != nil || ok {
		t.Fatalf("expected expired entry, got ok=%v err=%v", ok, err)
	}
}

func TestCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBackend(), "", time.Minute)
	if err := c.Set(ctx, "k", 1); err != nil {
		t.Fatal(err)
	}
	if err := c.Invalidate(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	var v int
	if ok, _ := c.Get(ctx, "k", &v); ok {
		t.Fatal("expected miss after Invalidate")
	}
}

func TestRedisCache(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	ctx := context.Background()
	c := New(NewRedisBackend(client), "metrics:", time.Minute)

	var got metrics
	if ok, err := c.Get(ctx, "p1", &got); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, "p1", metrics{Approved: 2}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !s.Exists("metrics:p1") {
		t.Fatal("expected prefixed key in redis")
	}
	if ttl := s.TTL("metrics:p1"); ttl != time.Minute {
		t.Fatalf("TTL = %v, want 1m", ttl)
	}
	if ok, err := c.Get(ctx, "p1", &got); err != nil || !ok || got.Approved != 2 {
		t.Fatalf("Get() = %v, %v, %+v", ok, err, got)
	}

	s.FastForward(2 * time.Minute)
	if ok, _ := c.Get(ctx, "p1", &got); ok {
		t.Fatal("expected expiry")
	}
}
