package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

func okHandler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
	}{
		{"generated", ""},
		{"propagated", "sync-run-42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestID(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest("GET", "/api/v1/agents/", http.NoBody)
			if tt.incoming != "" {
				req.Header.Set("X-Request-ID", tt.incoming)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			got := w.Header().Get("X-Request-ID")
			if got != seen {
				t.Errorf("header %q != context %q", got, seen)
			}
			if tt.incoming != "" && got != tt.incoming {
				t.Errorf("X-Request-ID = %q, want %q", got, tt.incoming)
			}
			if tt.incoming == "" {
				if _, err := uuid.Parse(got); err != nil {
					t.Errorf("generated id %q is not a uuid: %v", got, err)
				}
			}
		})
	}
}

func TestLoggingMiddleware(t *testing.T) {
	handler := LoggingMiddleware(zap.NewNop(), []string{"/healthz"})(okHandler(http.StatusCreated))

	for _, path := range []string{"/api/v1/findings/summary", "/healthz"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", path, http.NoBody))
		if w.Code != http.StatusCreated {
			t.Errorf("%s: status = %d, want %d", path, w.Code, http.StatusCreated)
		}
	}
}

func TestResponseHeaders(t *testing.T) {
	handler := Chain(okHandler(http.StatusOK), SecurityHeadersMiddleware, VersionHeaderMiddleware)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health", http.NoBody))

	tests := []struct {
		header string
		want   string
	}{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
		{"Referrer-Policy", "strict-origin-when-cross-origin"},
	}
	for _, tt := range tests {
		if got := w.Header().Get(tt.header); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
		}
	}
	if v := w.Header().Get(VersionHeader); v == "" {
		t.Errorf("expected %s header to be set", VersionHeader)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("reconciler exploded")
	})

	w := httptest.NewRecorder()
	RecoveryMiddleware(zap.NewNop())(panicking).ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/agents/sync", http.NoBody))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content-type = %q, want application/problem+json", ct)
	}

	w = httptest.NewRecorder()
	RecoveryMiddleware(zap.NewNop())(okHandler(http.StatusOK)).ServeHTTP(w, httptest.NewRequest("GET", "/", http.NoBody))
	if w.Code != http.StatusOK {
		t.Errorf("no panic: status = %d", w.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := RateLimitMiddleware(RateLimitConfig{RPS: 1, Burst: 1, Exempt: []string{"/healthz"}})(okHandler(http.StatusOK))

	send := func(path, remote string) int {
		req := httptest.NewRequest("GET", path, http.NoBody)
		req.RemoteAddr = remote
		// Untrusted forwarding headers must not mint fresh buckets.
		req.Header.Set("X-Forwarded-For", remote)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if got := send("/api/v1/agents/", "10.0.0.1:9999"); got != http.StatusOK {
		t.Fatalf("first request = %d", got)
	}
	if got := send("/api/v1/agents/", "10.0.0.1:9999"); got != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", got)
	}
	spoofed := httptest.NewRequest("GET", "/api/v1/agents/", http.NoBody)
	spoofed.RemoteAddr = "10.0.0.1:9999"
	spoofed.Header.Set("X-Forwarded-For", "198.51.100.77")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, spoofed)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("spoofed X-Forwarded-For = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}
	if got := send("/api/v1/agents/", "10.0.0.2:9999"); got != http.StatusOK {
		t.Errorf("other client = %d, want 200", got)
	}
	for i := 0; i < 5; i++ {
		if got := send("/healthz", "10.0.0.1:9999"); got != http.StatusOK {
			t.Fatalf("skipped path request %d = %d", i, got)
		}
	}
}

func TestChain(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name+"-before")
				next.ServeHTTP(w, r)
				order = append(order, name+"-after")
			})
		}
	}
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		order = append(order, "handler")
		w.WriteHeader(http.StatusOK)
	})

	Chain(inner, mw("mw1"), mw("mw2")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", http.NoBody))

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("execution order = %v, want %v", order, expected)
	}
	for i := range expected {
		if order[i] != expected[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], expected[i])
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name, remote, xff string
		trust             bool
		want              string
	}{
		{"remote addr", "192.168.1.100:12345", "", false, "192.168.1.100"},
		{"forwarded trusted", "127.0.0.1:12345", "203.0.113.50, 70.41.3.18", true, "203.0.113.50"},
		{"forwarded untrusted", "127.0.0.1:12345", "203.0.113.50", false, "127.0.0.1"},
		{"trusted but empty hop", "127.0.0.1:12345", " , 70.41.3.18", true, "127.0.0.1"},
		{"no port", "192.168.1.7", "", false, "192.168.1.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", http.NoBody)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if ip := clientIP(req, tt.trust); ip != tt.want {
				t.Errorf("clientIP = %q, want %q", ip, tt.want)
			}
		})
	}
}

func TestClientLimiter_EvictsIdle(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := newClientLimiter(rate.Every(time.Hour), 1, clock)

	if !l.allow("10.0.0.1") || l.allow("10.0.0.1") {
		t.Fatal("burst of 1 should allow exactly one request")
	}
	l.allow("10.0.0.2")
	if len(l.buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(l.buckets))
	}

	now = now.Add(limiterIdle + time.Second)
	l.allow("10.0.0.3")
	if _, ok := l.buckets["10.0.0.1"]; ok || len(l.buckets) != 1 {
		t.Errorf("idle buckets should be swept, have %d", len(l.buckets))
	}
}

func TestLoggingMiddleware_Fields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/agents/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("hello"))
	})
	mux.HandleFunc("POST /api/v1/agents/sync", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	handler := LoggingMiddleware(zap.New(core), nil)(mux)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/agents/42", http.NoBody))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/v1/agents/sync", http.NoBody))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("log entries = %d, want 2", len(entries))
	}
	first := entries[0].ContextMap()
	if first["route"] != "GET /api/v1/agents/{id}" || first["bytes"] != int64(5) {
		t.Errorf("fields = %v", first)
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Errorf("5xx level = %s, want warn", entries[1].Level)
	}
}

func TestStatusWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	sw.WriteHeader(http.StatusCreated)
	sw.WriteHeader(http.StatusNotFound)
	if sw.status != http.StatusCreated {
		t.Errorf("status = %d, want %d (first call wins)", sw.status, http.StatusCreated)
	}
	if sw.Unwrap() != rec {
		t.Error("Unwrap did not return the wrapped writer")
	}
	// httptest.ResponseRecorder cannot be hijacked.
	if _, _, err := sw.Hijack(); err == nil {
		t.Error("Hijack on a non-hijacker should fail")
	}
}
