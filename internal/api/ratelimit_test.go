package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllowDeny(t *testing.T) {
	rl := NewRateLimiter()

	// Should allow up to the limit
	for i := 0; i < 5; i++ {
		if !rl.Allow("k1", 5) {
			t.Fatalf("expected allow on request %d", i+1)
		}
	}

	// Should deny at the limit
	if rl.Allow("k1", 5) {
		t.Fatal("expected deny after limit reached")
	}
	if !rl.Allow("k2", 5) {
		t.Fatal("keys should be isolated")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl := NewRateLimiter()

	for i := 0; i < 3; i++ {
		rl.Allow("k1", 3)
	}
	if rl.Allow("k1", 3) {
		t.Fatal("expected deny after limit")
	}

	// Simulate window expiry by backdating the bucket
	rl.mu.Lock()
	rl.buckets["k1"].windowAt = time.Now().Add(-2 * time.Minute)
	rl.mu.Unlock()

	if !rl.Allow("k1", 3) {
		t.Fatal("expected allow after window reset")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter()
	rl.Allow("old", 1)
	rl.Allow("new", 1)

	rl.mu.Lock()
	rl.buckets["old"].windowAt = time.Now().Add(-3 * time.Minute)
	rl.mu.Unlock()

	rl.cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.buckets["old"]; ok {
		t.Error("expired bucket should be removed")
	}
	if _, ok := rl.buckets["new"]; !ok {
		t.Error("live bucket should be kept")
	}
}

func TestWriteRateLimit(t *testing.T) {
	srv, _ := newTestServerWithConfig(t, func(c *Config) { c.RateLimitWrite = 2 })

	for i := 0; i < 2; i++ {
		if w := doRequest(srv, "POST", "/v1/entities", "", CreateEntityRequest{}); w.Code != http.StatusCreated {
			t.Fatalf("create %d: expected 201, got %d", i+1, w.Code)
		}
	}
	w := doRequest(srv, "POST", "/v1/entities", "", CreateEntityRequest{})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if e := decodeError(t, w); e.Code != ErrCodeRateLimited {
		t.Errorf("error code: got %s", e.Code)
	}

	// Reads are not limited
	if w := doRequest(srv, "GET", "/v1/entities", "", nil); w.Code != http.StatusOK {
		t.Errorf("list: expected 200, got %d", w.Code)
	}
	if got := srv.metrics.Snapshot().RateLimited; got != 1 {
		t.Errorf("rate limited counter: got %d, want 1", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{"remote addr", "", "10.0.0.1:5555", "10.0.0.1"},
		{"single xff", "203.0.113.9", "10.0.0.1:5555", "203.0.113.9"},
		{"xff chain", "203.0.113.9, 10.0.0.2", "10.0.0.1:5555", "203.0.113.9"},
		{"no port", "", "10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
