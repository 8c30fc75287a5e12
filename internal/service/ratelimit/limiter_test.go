package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiterAllowPerKey(t *testing.T) {
	l := New(1, 2)
	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("burst of 2 must be allowed")
	}
	if l.Allow("a") {
		t.Fatal("third request must be throttled")
	}
	if !l.Allow("b") {
		t.Fatal("keys must not share a bucket")
	}
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	l := New(0.1, 1)
	if err := l.Wait(context.Background(), "x"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "x"); err == nil {
		t.Fatal("expected wait to fail before the next token")
	}
}
