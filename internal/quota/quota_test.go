package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/xphotos/xphotos/internal/logging"
	"github.com/xphotos/xphotos/pkg/protocol"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit, time.Minute)
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiterAllow(t *testing.T) {
	rl, _ := newTestLimiter(10)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, _ := rl.Allow(ctx, "user:1")
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if d.Remaining != 9-i {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, 9-i, d.Remaining)
		}
	}

	d, _ := rl.Allow(ctx, "user:1")
	if d.Allowed {
		t.Error("11th request should be denied")
	}
	if d.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", d.Remaining)
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl, clock := newTestLimiter(10)
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		rl.Allow(ctx, "user:1")
	}

	clock.advance(59 * time.Second)
	if d, _ := rl.Allow(ctx, "user:1"); d.Allowed {
		t.Error("should still be limited inside the window")
	} else if d.Reset != time.Second {
		t.Errorf("expected reset in 1s, got %s", d.Reset)
	}

	clock.advance(2 * time.Second) // t = 61s
	if d, _ := rl.Allow(ctx, "user:1"); !d.Allowed {
		t.Error("should be allowed after the window elapsed")
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl, _ := newTestLimiter(0)
	for i := 0; i < 1000; i++ {
		if d, _ := rl.Allow(context.Background(), "ip:10.0.0.1"); !d.Allowed {
			t.Fatalf("request %d should be allowed (unlimited)", i+1)
		}
	}
}

func TestRateLimiterMultipleKeys(t *testing.T) {
	rl, _ := newTestLimiter(5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rl.Allow(ctx, "user:1")
	}
	if d, _ := rl.Allow(ctx, "user:1"); d.Allowed {
		t.Error("user 1 should be rate limited")
	}
	if d, _ := rl.Allow(ctx, "user:2"); !d.Allowed {
		t.Error("user 2 should not be affected by user 1's limit")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl, clock := newTestLimiter(10)
	ctx := context.Background()

	rl.Allow(ctx, "user:1")
	clock.advance(30 * time.Second)
	rl.Allow(ctx, "user:2")

	clock.advance(45 * time.Second)
	rl.Cleanup()

	rl.mu.Lock()
	_, first := rl.windows["user:1"]
	_, second := rl.windows["user:2"]
	rl.mu.Unlock()

	if first || !second {
		t.Errorf("expected only user:1's window removed (user:1=%v user:2=%v)", first, second)
	}
}

func TestRedisLimiterSharedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRedisLimiter(client, 10, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := rl.Allow(ctx, "user:7")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	d, err := rl.Allow(ctx, "user:7")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed {
		t.Error("11th request should be denied")
	}
	if d.Reset <= 0 || d.Reset > time.Minute {
		t.Errorf("unexpected reset %s", d.Reset)
	}

	mr.FastForward(61 * time.Second)
	if d, _ := rl.Allow(ctx, "user:7"); !d.Allowed {
		t.Error("should be allowed once the window expired")
	}
}

func TestRedisLimiterError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	if _, err := NewRedisLimiter(client, 10, time.Minute).Allow(context.Background(), "user:1"); err == nil {
		t.Fatal("expected an error when redis is down")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	logging.InitNop()
	rl, _ := newTestLimiter(2)
	handler := RateLimitMiddleware(rl, func(r *http.Request) string { return "ip:" + r.RemoteAddr })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/download/album/1", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	if first.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", first.Code)
	}
	if got := first.Header().Get("RateLimit-Policy"); got != "2;w=60" {
		t.Errorf("unexpected policy header %q", got)
	}
	if got := first.Header().Get("RateLimit-Remaining"); got != "1" {
		t.Errorf("unexpected remaining header %q", got)
	}

	do()
	denied := do()
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", denied.Code)
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Errorf("unexpected Retry-After %q", denied.Header().Get("Retry-After"))
	}
	var body protocol.ErrorResponse
	if err := json.NewDecoder(denied.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Message == "" || body.Code != http.StatusTooManyRequests {
		t.Errorf("unexpected body %+v", body)
	}
}
