package security

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter is a fixed-window counter per key. The window is one
// minute; the counter key expires with the window, so idle clients cost
// nothing. A broken redis fails open: ingestion availability beats
// throttling precision here.
type RedisRateLimiter struct {
	Redis     *redis.Client
	Prefix    string
	PerMinute int
	Logger    *slog.Logger
}

func (l *RedisRateLimiter) key(raw string) string {
	window := time.Now().UTC().Format("200601021504")
	if l.Prefix == "" {
		return raw + ":" + window
	}
	return l.Prefix + ":" + raw + ":" + window
}

// Allow reports whether the key may proceed within the current window.
func (l *RedisRateLimiter) Allow(ctx context.Context, rawKey string) bool {
	if l.Redis == nil || l.PerMinute <= 0 {
		return true
	}

	key := l.key(rawKey)
	count, err := l.Redis.Incr(ctx, key).Result()
	if err != nil {
		if l.Logger != nil {
			l.Logger.Warn("rate limiter unavailable, failing open", "error", err)
		}
		return true
	}
	if count == 1 {
		l.Redis.Expire(ctx, key, time.Minute)
	}
	return count <= int64(l.PerMinute)
}

// Middleware limits requests per client IP.
func (l *RedisRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.Context(), clientIP(r)) {
			WriteJSONError(w, r, http.StatusTooManyRequests, "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
