package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestMiddlewareRejectsAfterBurst(t *testing.T) {
	limiter := NewMemoryLimiter(1, 2)
	defer closeLimiter(t, limiter)

	handler := Middleware(limiter, "auth", IPKeyFunc,
		func(*http.Request) string { return "req-1" }, quietLogger())(okHandler)

	for i := range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/auth/token", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		handler.ServeHTTP(rec, req)

		if i < 2 {
			if rec.Code != http.StatusOK {
				t.Fatalf("request %d: got status %d, want 200 (within burst)", i+1, rec.Code)
			}
			continue
		}
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: got status %d, want 429", i+1, rec.Code)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Error("rate-limited response should include Retry-After header")
		}
		var body model.APIError
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Error.Code != model.ErrCodeRateLimited || body.Meta.RequestID != "req-1" {
			t.Fatalf("unexpected error body: %+v", body)
		}
	}
}

func TestMiddlewareSeparateKeysAndPrefixes(t *testing.T) {
	limiter := NewMemoryLimiter(1, 1)
	defer closeLimiter(t, limiter)

	auth := Middleware(limiter, "auth", IPKeyFunc, nil, quietLogger())(okHandler)
	votes := Middleware(limiter, "votes", IPKeyFunc, nil, quietLogger())(okHandler)

	do := func(h http.Handler, addr string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/", nil)
		req.RemoteAddr = addr
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := do(auth, "10.0.0.1:1000"); got != http.StatusOK {
		t.Fatalf("IP A first request: got %d", got)
	}
	if got := do(auth, "10.0.0.1:1000"); got != http.StatusTooManyRequests {
		t.Fatalf("IP A second request: got %d, want 429", got)
	}
	if got := do(auth, "10.0.0.2:1000"); got != http.StatusOK {
		t.Fatalf("IP B first request: got %d", got)
	}
	if got := do(votes, "10.0.0.1:1000"); got != http.StatusOK {
		t.Fatalf("IP A under another prefix: got %d", got)
	}
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	limiter := NewMemoryLimiter(1, 1)
	defer closeLimiter(t, limiter)

	handler := Middleware(limiter, "votes", func(*http.Request) string { return "" }, nil, quietLogger())(okHandler)
	for i := range 5 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i+1, rec.Code)
		}
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }
func (brokenLimiter) Close() error                              { return nil }

func TestMiddlewareFailsOpen(t *testing.T) {
	handler := Middleware(brokenLimiter{}, "auth", IPKeyFunc, nil, quietLogger())(okHandler)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200 when the limiter errors", rec.Code)
	}
}

func TestNewDisabled(t *testing.T) {
	if _, isNoop := New(0, 10).(NoopLimiter); !isNoop {
		t.Fatal("expected NoopLimiter for zero rate")
	}
	l := New(5, 0)
	defer func() { _ = l.Close() }()
	if _, isMem := l.(*MemoryLimiter); !isMem {
		t.Fatal("expected MemoryLimiter for positive rate")
	}
}
