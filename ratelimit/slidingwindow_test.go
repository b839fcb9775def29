package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestSlidingWindow_RejectsOverMax(t *testing.T) {
	sw := NewSlidingWindow(2, time.Minute, time.Minute)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		r, err := sw.Check(ctx, "k")
		if err != nil || !r.Allowed {
			t.Fatalf("call %d: want allowed, got %+v err=%v", i, r, err)
		}
	}
	r, err := sw.Check(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if r.Allowed {
		t.Fatalf("3rd call should be rejected, got %+v", r)
	}
	if r.RetryAfter <= 0 || r.RetryAfter > time.Minute {
		t.Fatalf("retry_after out of expected range: %v", r.RetryAfter)
	}
}

func TestSlidingWindow_ExpiresOldEntries(t *testing.T) {
	sw := NewSlidingWindow(1, 20*time.Millisecond, time.Minute)
	ctx := context.Background()
	if r, _ := sw.Check(ctx, "k"); !r.Allowed {
		t.Fatal("first call should be allowed")
	}
	if r, _ := sw.Check(ctx, "k"); r.Allowed {
		t.Fatal("second call within window should be rejected")
	}
	time.Sleep(30 * time.Millisecond)
	if r, _ := sw.Check(ctx, "k"); !r.Allowed {
		t.Fatal("call after window expiry should be allowed")
	}
}

func TestSlidingWindow_AcquireNDoesNotPartiallyAdmit(t *testing.T) {
	sw := NewSlidingWindow(3, time.Minute, time.Minute)
	r, err := sw.Acquire(context.Background(), "k", 5)
	if err != nil {
		t.Fatal(err)
	}
	if r.Allowed {
		t.Fatalf("acquiring 5 against a max of 3 must be rejected entirely, got %+v", r)
	}
	if sw.Len() != 1 {
		t.Fatalf("window entry should still exist (lazily created), got %d", sw.Len())
	}
}
