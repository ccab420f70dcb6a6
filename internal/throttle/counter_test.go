package throttle

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestCounterDeniesOverLimit(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	counter := NewCounter(client)
	now := time.Now()

	for i := 0; i < 3; i++ {
		allowed, count, err := counter.Allow(ctx, "camp-1", 3, now)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("send %d should be allowed", i)
		}
		if count != int64(i+1) {
			t.Fatalf("send %d: got count %d", i, count)
		}
	}

	allowed, count, err := counter.Allow(ctx, "camp-1", 3, now)
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if allowed {
		t.Fatalf("fourth send in the same minute should be denied, count=%d", count)
	}
}

func TestCounterIsolatesCampaignsAndMinutes(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	counter := NewCounter(client)
	now := time.Now()

	if allowed, _, _ := counter.Allow(ctx, "camp-1", 1, now); !allowed {
		t.Fatalf("first send for camp-1 should pass")
	}
	if allowed, _, _ := counter.Allow(ctx, "camp-1", 1, now); allowed {
		t.Fatalf("camp-1 is exhausted for this minute")
	}
	if allowed, _, _ := counter.Allow(ctx, "camp-2", 1, now); !allowed {
		t.Fatalf("camp-2 has its own window")
	}
	if allowed, _, _ := counter.Allow(ctx, "camp-1", 1, now.Add(time.Minute)); !allowed {
		t.Fatalf("the next minute opens a fresh window")
	}
}

func TestCounterUnlimitedWhenNoLimit(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	counter := NewCounter(client)

	for i := 0; i < 100; i++ {
		allowed, _, err := counter.Allow(ctx, "camp-1", 0, time.Now())
		if err != nil || !allowed {
			t.Fatalf("unthrottled campaign should always pass: allowed=%v err=%v", allowed, err)
		}
	}
}
