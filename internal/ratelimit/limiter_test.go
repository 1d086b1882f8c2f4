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

func newTestLimiter(t *testing.T, requests int, clock func() time.Time) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter, err := NewRedisLimiter(RedisConfig{
		Client:   client,
		Prefix:   "test:",
		Requests: requests,
		Window:   time.Minute,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	return limiter, server
}

func TestRedisLimiterFixedWindow(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 10, 0, time.UTC)
	limiter, _ := newTestLimiter(t, 2, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := limiter.Allow(ctx, "10.0.0.1")
		if err != nil || !decision.Allowed {
			t.Fatalf("request %d: expected allowed, got %+v err=%v", i, decision, err)
		}
	}
	decision, err := limiter.Allow(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if decision.Allowed || decision.Remaining != 0 || decision.RetryAfter != 50*time.Second {
		t.Fatalf("expected third request rejected with 50s retry, got %+v", decision)
	}
	if other, _ := limiter.Allow(ctx, "10.0.0.2"); !other.Allowed {
		t.Fatalf("keys must be counted independently")
	}

	now = now.Add(time.Minute)
	if next, _ := limiter.Allow(ctx, "10.0.0.1"); !next.Allowed {
		t.Fatalf("expected a fresh window to allow the request")
	}
}

func TestRedisLimiterBucketsExpire(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	limiter, server := newTestLimiter(t, 1, func() time.Time { return now })
	if _, err := limiter.Allow(context.Background(), "k"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if len(server.Keys()) != 1 {
		t.Fatalf("expected one bucket, got %v", server.Keys())
	}
	server.FastForward(2 * time.Minute)
	if len(server.Keys()) != 0 {
		t.Fatalf("expected bucket to expire, got %v", server.Keys())
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("redis down")
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	limiter, _ := newTestLimiter(t, 1, func() time.Time { return now })

	testCases := []struct {
		name       string
		limiter    Limiter
		requests   int
		wantStatus int
	}{
		{name: "under limit", limiter: Unlimited{}, requests: 3, wantStatus: http.StatusOK},
		{name: "over limit", limiter: limiter, requests: 2, wantStatus: http.StatusTooManyRequests},
		{name: "limiter error fails open", limiter: failingLimiter{}, requests: 1, wantStatus: http.StatusOK},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			engine := gin.New()
			engine.Use(Middleware(testCase.limiter, nil))
			engine.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

			var recorder *httptest.ResponseRecorder
			for i := 0; i < testCase.requests; i++ {
				recorder = httptest.NewRecorder()
				engine.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))
			}
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected status %d, got %d", testCase.wantStatus, recorder.Code)
			}
			if testCase.wantStatus == http.StatusTooManyRequests && recorder.Header().Get("Retry-After") != "60" {
				t.Fatalf("expected Retry-After 60, got %q", recorder.Header().Get("Retry-After"))
			}
		})
	}
}
