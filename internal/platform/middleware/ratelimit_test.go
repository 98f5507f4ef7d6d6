package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrsync/internal/platform/auth"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func doLimited(t *testing.T, h echo.HandlerFunc, userID, ip string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ehr/sync", nil)
	req.RemoteAddr = ip + ":1234"
	if userID != "" {
		req = req.WithContext(context.WithValue(req.Context(), auth.UserIDKey, userID))
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func okHandler(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func TestRateLimit_BurstThenReject(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	h := rateLimit(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 3}, clock.now)(okHandler)

	for i := 0; i < 3; i++ {
		rec, err := doLimited(t, h, "u1", "10.0.0.1")
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i+1, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "0.5" {
			t.Errorf("X-RateLimit-Limit = %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	rec, err := doLimited(t, h, "u1", "10.0.0.1")
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if got := rec.Header().Get("Retry-After"); got != "3" {
		t.Errorf("Retry-After = %q, want 3", got)
	}

	clock.t = clock.t.Add(2 * time.Second)
	if _, err := doLimited(t, h, "u1", "10.0.0.1"); err != nil {
		t.Errorf("expected a token after refill, got %v", err)
	}
}

func TestRateLimit_KeysByUserBeforeIP(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	h := rateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1}, clock.now)(okHandler)

	if _, err := doLimited(t, h, "u1", "10.0.0.1"); err != nil {
		t.Fatalf("u1: %v", err)
	}
	// Same IP, different user.
	if _, err := doLimited(t, h, "u2", "10.0.0.1"); err != nil {
		t.Fatalf("u2 should have its own bucket: %v", err)
	}
	// Anonymous callers share the IP bucket.
	if _, err := doLimited(t, h, "", "10.0.0.9"); err != nil {
		t.Fatalf("first anonymous: %v", err)
	}
	if _, err := doLimited(t, h, "", "10.0.0.9"); err == nil {
		t.Fatal("second anonymous request from the same IP should be limited")
	}
}

func TestRateLimit_EvictsLeastRecentKey(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	h := rateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1, MaxKeys: 1}, clock.now)(okHandler)

	if _, err := doLimited(t, h, "u1", "10.0.0.1"); err != nil {
		t.Fatalf("u1: %v", err)
	}
	if _, err := doLimited(t, h, "u2", "10.0.0.1"); err != nil {
		t.Fatalf("u2: %v", err)
	}
	// u1's exhausted bucket was evicted, so it starts fresh.
	if _, err := doLimited(t, h, "u1", "10.0.0.1"); err != nil {
		t.Errorf("expected fresh bucket after eviction, got %v", err)
	}
}
