package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNewRedisTokenBucketValidates(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	policy := Policy{Capacity: 10, Window: time.Minute}
	if _, err := NewRedisTokenBucket(nil, policy, ""); err == nil {
		t.Fatal("expected error without a client")
	}
	if _, err := NewRedisTokenBucket(client, Policy{Window: time.Minute}, ""); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := NewRedisTokenBucket(client, Policy{Capacity: 10}, ""); err == nil {
		t.Fatal("expected error for zero window")
	}

	limiter, err := NewRedisTokenBucket(client, policy, "")
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	if got := limiter.key("  "); got != "printforge:ratelimit:anonymous" {
		t.Fatalf("unexpected key %q", got)
	}
	if _, err := limiter.AllowN(context.Background(), "user", 11); err == nil {
		t.Fatal("cost above capacity must be rejected before calling redis")
	}
}

func TestPolicyRefillRate(t *testing.T) {
	p := Policy{Capacity: 30, Window: time.Minute}
	if got := p.refillPerMS(); got != 0.0005 {
		t.Fatalf("refill per ms = %v", got)
	}
}

func TestParseReply(t *testing.T) {
	d, err := parseReply([]any{int64(0), int64(3), int64(1500)})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Allowed || d.Remaining != 3 || d.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("unexpected decision %+v", d)
	}

	if _, err := parseReply([]any{int64(1)}); err == nil {
		t.Fatal("short reply should fail")
	}
	if _, err := parseReply([]any{int64(1), []byte("x"), int64(0)}); err == nil {
		t.Fatal("unsupported value type should fail")
	}
}

func TestToInt64(t *testing.T) {
	for _, in := range []any{int64(7), 7, float64(7), "7"} {
		got, err := toInt64(in)
		if err != nil || got != 7 {
			t.Fatalf("toInt64(%#v) = %d, %v", in, got, err)
		}
	}
}
