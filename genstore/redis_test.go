package genstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func unreachableClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestRedisGenStoreKeyIsNamespaced(t *testing.T) {
	s := NewRedisGenStore(nil, "app", 0)
	if got := s.key("q/cart/u1"); got != "gen:app:q/cart/u1" {
		t.Fatalf("key=%q", got)
	}
}

func TestRedisGenStoreSurfacesErrors(t *testing.T) {
	ctx := context.Background()
	client := unreachableClient()
	defer client.Close()

	for _, ttl := range []time.Duration{0, time.Minute} {
		s := NewRedisGenStore(client, "app", ttl)
		if _, err := s.Snapshot(ctx, "k"); err == nil {
			t.Fatalf("ttl=%v: Snapshot succeeded against an unreachable server", ttl)
		}
		if _, err := s.Bump(ctx, "k"); err == nil {
			t.Fatalf("ttl=%v: Bump succeeded against an unreachable server", ttl)
		}
		if err := s.BumpMany(ctx, []string{"a", "b"}); err == nil {
			t.Fatalf("ttl=%v: BumpMany succeeded against an unreachable server", ttl)
		}
	}
}

func TestRedisGenStoreBumpManyEmptyAndClose(t *testing.T) {
	ctx := context.Background()
	client := unreachableClient()
	defer client.Close()
	s := NewRedisGenStore(client, "app", 0)

	if err := s.BumpMany(ctx, nil); err != nil {
		t.Fatalf("empty BumpMany reached the server: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := client.Ping(ctx).Err(); errors.Is(err, redis.ErrClosed) {
		t.Fatal("Close closed the caller's client")
	}
}
