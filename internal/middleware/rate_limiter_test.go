package middleware

import (
	"testing"
	"time"
)

func TestKeyedRateLimiterEnforcesBurstPerKey(t *testing.T) {
	limiter := NewIPRateLimiter(2, time.Minute, 2, time.Hour)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.WithNowFunc(func() time.Time { return now })

	if !limiter.Allow("auth:1.1.1.1") || !limiter.Allow("auth:1.1.1.1") {
		t.Fatal("expected burst to be allowed")
	}
	if limiter.Allow("auth:1.1.1.1") {
		t.Fatal("expected third request to be limited")
	}
	if !limiter.Allow("auth:2.2.2.2") {
		t.Fatal("expected other key to be allowed")
	}

	now = now.Add(30 * time.Second)
	if !limiter.Allow("auth:1.1.1.1") {
		t.Fatal("expected a token to be replenished")
	}
}

func TestKeyedRateLimiterForgetsIdleKeys(t *testing.T) {
	limiter := NewIPRateLimiter(1, time.Second, 1, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.WithNowFunc(func() time.Time { return now })

	limiter.Allow("a")
	limiter.Allow("b")
	if got := limiter.Len(); got != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", got)
	}

	now = now.Add(2 * time.Minute)
	limiter.Allow("c")
	if got := limiter.Len(); got != 1 {
		t.Fatalf("expected idle keys to be collected, got %d", got)
	}
}

func TestKeyedRateLimiterEmptyKey(t *testing.T) {
	limiter := NewIPRateLimiter(1, time.Hour, 1, time.Hour)
	if !limiter.Allow("") {
		t.Fatal("expected first anonymous request to be allowed")
	}
	if limiter.Allow("") {
		t.Fatal("expected anonymous requests to share a bucket")
	}
}
