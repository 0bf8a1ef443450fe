package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc derives the quota key for a request, normally the authenticated
// subject.
type KeyFunc func(*http.Request) string

// Middleware enforces a per-caller quota in front of the intake routes.
type Middleware struct {
	store    Store
	logger   *slog.Logger
	limit    int
	window   time.Duration
	disabled bool
}

type Option func(*Middleware)

// WithDisabled switches the limiter off entirely, for tests and local runs.
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

func New(store Store, limit int, window time.Duration, logger *slog.Logger, opts ...Option) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Middleware{
		store:  store,
		logger: logger.With("component", "ratelimit"),
		limit:  limit,
		window: window,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		m.logger.Info("rate limiting disabled")
	}
	return m
}

// Limit returns the HTTP middleware. A store failure fails open: dropping
// valid requests because the counter backend hiccupped would be worse than
// briefly exceeding the quota.
func (m *Middleware) Limit(key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.disabled || m.limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			caller := key(r)
			result, err := m.store.Allow(r.Context(), caller, m.limit, m.window)
			if err != nil {
				m.logger.Error("rate limit check failed", "error", err, "caller", caller)
				next.ServeHTTP(w, r)
				return
			}

			addRateLimitHeaders(w, result)

			if !result.Allowed {
				m.logger.Warn("rate limit exceeded", "caller", caller)
				writeRateLimitExceeded(w, result)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientAddr is the fallback quota key for requests without an
// authenticated subject.
func ClientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func addRateLimitHeaders(w http.ResponseWriter, result Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

func writeRateLimitExceeded(w http.ResponseWriter, result Result) {
	retryAfter := int(time.Until(result.ResetAt).Seconds()) + 1
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":       "rate_limit_exceeded",
		"message":     "Request quota exhausted. Please try again later.",
		"retry_after": retryAfter,
	})
}
