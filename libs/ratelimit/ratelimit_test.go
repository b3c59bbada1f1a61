package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiterAllowAndReset(t *testing.T) {
	lim := NewMemory(2, time.Second)
	now := time.Now()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := lim.Allow(ctx, "wallet", now)
		if err != nil || !allowed {
			t.Fatalf("expected allow on call %d", i+1)
		}
	}
	allowed, retry, err := lim.Allow(ctx, "wallet", now)
	if err != nil || allowed || retry <= 0 {
		t.Fatalf("expected limit with retry hint, got allowed=%v retry=%v", allowed, retry)
	}

	allowed, _, err = lim.Allow(ctx, "wallet", now.Add(2*time.Second))
	if err != nil || !allowed {
		t.Fatalf("expected allow after window")
	}
}

func TestMemoryLimiterCleanup(t *testing.T) {
	lim := NewMemory(1, time.Second)
	now := time.Now()
	lim.Allow(context.Background(), "a", now)
	lim.Allow(context.Background(), "b", now.Add(2*time.Second))
	if len(lim.entries) != 1 {
		t.Fatalf("expected expired entries to be removed, got %d", len(lim.entries))
	}
}

func TestRedisLimiterWindow(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	lim := NewRedis(client, 2, 500*time.Millisecond, "test:")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := lim.Allow(ctx, "wallet", time.Now())
		if err != nil || !allowed {
			t.Fatalf("expected allow on call %d: %v", i+1, err)
		}
	}
	allowed, retryAfter, err := lim.Allow(ctx, "wallet", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed || retryAfter <= 0 {
		t.Fatalf("expected rate limited with retry hint")
	}

	s.FastForward(600 * time.Millisecond)
	allowed, _, err = lim.Allow(ctx, "wallet", time.Now())
	if err != nil || !allowed {
		t.Fatalf("expected allow after window")
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, time.Time) (bool, time.Duration, error) {
	return false, 0, errors.New("redis down")
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	run := func(lim Limiter) int {
		r := gin.New()
		r.Use(Middleware(lim, func(*gin.Context) string { return "k" }, nil))
		r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		return w.Code
	}

	lim := NewMemory(1, time.Minute)
	if code := run(lim); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := run(lim); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := run(failingLimiter{}); code != http.StatusOK {
		t.Fatalf("expected fail open, got %d", code)
	}
}
