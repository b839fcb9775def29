package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisSlidingWindow_RejectsOverMax(t *testing.T) {
	client := newTestRedis(t)
	rsw := NewRedisSlidingWindow(client, 2, time.Minute, "test:")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		r, err := rsw.Check(ctx, "k")
		if err != nil || !r.Allowed {
			t.Fatalf("call %d: want allowed, got %+v err=%v", i, r, err)
		}
	}
	r, err := rsw.Check(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if r.Allowed {
		t.Fatalf("3rd call should be rejected, got %+v", r)
	}
}

func TestRedisSlidingWindow_PerKeyIsolation(t *testing.T) {
	client := newTestRedis(t)
	rsw := NewRedisSlidingWindow(client, 1, time.Minute, "test:")
	ctx := context.Background()

	if r, _ := rsw.Check(ctx, "tenant-a"); !r.Allowed {
		t.Fatal("tenant-a first call should be allowed")
	}
	if r, _ := rsw.Check(ctx, "tenant-b"); !r.Allowed {
		t.Fatal("tenant-b should have an independent window")
	}
}
