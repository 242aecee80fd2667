package api

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mediaposte/server/internal/auth"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"
)

const (
	rateLimitExceededJSON = `{"error":"Too many requests. Please try again later.","code":"RateLimited","retry_after":%d}`
)

// RateLimitConfig holds rate limit configuration
type RateLimitConfig struct {
	// Per-host limit on authenticated endpoints, in limiter format ("300-M").
	Host string
	// Per-IP limit on the token endpoint.
	Token string
}

// DefaultRateLimitConfig returns default rate limit configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Host:  "300-M",
		Token: "10-M",
	}
}

// keyFunc returns the identity a request is counted against.
type keyFunc func(r *http.Request) string

// RateLimitMiddleware limits requests per client IP.
func RateLimitMiddleware(formatted string, log *zap.Logger) (func(http.Handler) http.Handler, error) {
	return newRateLimit(formatted, log, getClientIP)
}

// HostRateLimitMiddleware limits requests per authenticated host, falling
// back to the client IP.
func HostRateLimitMiddleware(formatted string, log *zap.Logger) (func(http.Handler) http.Handler, error) {
	return newRateLimit(formatted, log, func(r *http.Request) string {
		if host, ok := auth.GetHostID(r); ok {
			return "host:" + host
		}
		return getClientIP(r)
	})
}

func newRateLimit(formatted string, log *zap.Logger, key keyFunc) (func(http.Handler) http.Handler, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("invalid rate %q: %w", formatted, err)
	}
	instance := limiter.New(memory.NewStore(), rate)
	if log == nil {
		log = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			context, err := instance.Get(r.Context(), key(r))
			if err != nil {
				// A failing limiter must not take the API down.
				log.Warn("rate limiter error", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(context.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(context.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(context.Reset, 10))

			if context.Reached {
				retryAfter := int(time.Until(time.Unix(context.Reset, 0)).Seconds())
				if retryAfter < 0 {
					retryAfter = 0
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = fmt.Fprintf(w, rateLimitExceededJSON, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}, nil
}

// getClientIP extracts the client IP address from the request
// Handles X-Forwarded-For header for proxied requests
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// X-Forwarded-For can contain multiple IPs, take the first one
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
