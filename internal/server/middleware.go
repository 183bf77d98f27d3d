package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/wazuhsync/internal/version"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wazuhsync_http_requests_total",
			Help: "HTTP requests by method, route pattern and status.",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "wazuhsync_http_request_duration_seconds",
			Help: "HTTP request duration by method and route pattern.",
			// Manual sync routes answer after a whole pass.
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 30, 120, 600},
		},
		[]string{"method", "path"},
	)
	httpRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wazuhsync_http_rate_limited_total",
		Help: "Requests rejected by the per-client rate limit.",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpRateLimited)
}

// Middleware is a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middleware in order (first argument is outermost).
func Chain(handler http.Handler, mw ...Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return handler
}

type pathSet map[string]struct{}

func newPathSet(paths []string) pathSet {
	s := make(pathSet, len(paths))
	for _, p := range paths {
		s[p] = struct{}{}
	}
	return s
}

func (s pathSet) has(p string) bool {
	_, ok := s[p]
	return ok
}

type requestIDKey struct{}

// RequestID returns the request ID from the context.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequestIDMiddleware propagates X-Request-ID or assigns a uuid. Sync runs
// triggered over HTTP log under the same id.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// LoggingMiddleware logs one line per request and records the HTTP metrics,
// labelled by the matched route pattern. Paths in quiet are metered but not
// logged.
func LoggingMiddleware(logger *zap.Logger, quiet []string) Middleware {
	skip := newPathSet(quiet)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			elapsed := time.Since(start)

			// The mux fills r.Pattern in place; unmatched requests share a label.
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			if skip.has(r.URL.Path) {
				return
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", sw.status),
				zap.Int64("bytes", sw.written),
				zap.Duration("duration", elapsed),
				zap.String("request_id", RequestID(r.Context())),
			}
			if sw.status >= http.StatusInternalServerError {
				logger.Warn("http request failed", fields...)
				return
			}
			logger.Info("http request", fields...)
		})
	}
}

const (
	apiCSP = "default-src 'none'; frame-ancestors 'none'"
	// Swagger UI ships an inline bootstrap script.
	docsCSP = "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; frame-ancestors 'none'"
)

// SecurityHeadersMiddleware sets the response hardening headers. Only the
// Swagger UI gets a policy that lets it load its own assets.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if strings.HasPrefix(r.URL.Path, swaggerPrefix) {
			h.Set("Content-Security-Policy", docsCSP)
		} else {
			h.Set("Content-Security-Policy", apiCSP)
			h.Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}

// VersionHeader is set on every response.
const VersionHeader = "X-Wazuhsync-Version"

// VersionHeaderMiddleware adds VersionHeader to all responses.
func VersionHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(VersionHeader, version.Short())
		next.ServeHTTP(w, r)
	})
}

// RecoveryMiddleware turns a handler panic into a 500 problem response.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", RequestID(r.Context())),
					zap.Stack("stack"),
				)
				InternalError(w, "an unexpected error occurred", r.URL.Path)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitConfig configures RateLimitMiddleware.
type RateLimitConfig struct {
	RPS   float64
	Burst int
	// TrustProxy keys clients by the first X-Forwarded-For hop. Leave it off
	// unless a reverse proxy sets the header.
	TrustProxy bool
	// Exempt paths bypass the limiter.
	Exempt []string
}

// RateLimitMiddleware enforces a token bucket per client IP. Rejected
// requests get a 429 problem with Retry-After.
func RateLimitMiddleware(cfg RateLimitConfig) Middleware {
	rl := newClientLimiter(rate.Limit(cfg.RPS), cfg.Burst, time.Now)
	exempt := newPathSet(cfg.Exempt)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !exempt.has(r.URL.Path) && !rl.allow(clientIP(r, cfg.TrustProxy)) {
				httpRateLimited.Inc()
				RateLimited(w, "rate limit exceeded", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const (
	limiterIdle    = 10 * time.Minute
	limiterMaxKeys = 10000
)

// clientLimiter holds one bucket per client, evicting idle ones.
type clientLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
	swept   time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(limit rate.Limit, burst int, now func() time.Time) *clientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{buckets: make(map[string]*bucket), limit: limit, burst: burst, now: now, swept: now()}
}

func (l *clientLimiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) >= limiterIdle || len(l.buckets) >= limiterMaxKeys {
		l.sweep(now)
	}
	b, ok := l.buckets[client]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[client] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// sweep drops buckets idle for limiterIdle. l.mu must be held.
func (l *clientLimiter) sweep(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) >= limiterIdle {
			delete(l.buckets, k)
		}
	}
	l.swept = now
}

// clientIP returns the host part of RemoteAddr, or the first
// X-Forwarded-For hop when trustProxy is set.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusWriter records the status code and body size for logging.
type statusWriter struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes through so websocket upgrades work behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	w.wroteHeader = true
	return h.Hijack()
}

// Flush implements http.Flusher when the underlying writer does.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
