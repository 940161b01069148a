package handlers

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimiter is the minimal interface required to guard sensitive endpoints.
type RateLimiter interface {
	Allow(key string) bool
}

const defaultRetryAfter = time.Minute

// rateLimit rejects requests from a client that exceeded limiter for scope.
// retryAfter is advertised to rejected clients, rounded up to whole seconds.
func rateLimit(limiter RateLimiter, scope string, retryAfter time.Duration) func(http.Handler) http.Handler {
	if retryAfter <= 0 {
		retryAfter = defaultRetryAfter
	}
	seconds := strconv.Itoa(int((retryAfter + time.Second - 1) / time.Second))

	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(rateLimitKey(r, scope)) {
				w.Header().Set("Retry-After", seconds)
				respondJSON(r.Context(), w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request, scope string) string {
	ip := clientIP(r)
	if scope == "" {
		return ip
	}
	return scope + ":" + ip
}

// clientIP prefers proxy headers over the socket address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	return addr
}
