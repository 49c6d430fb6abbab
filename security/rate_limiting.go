package security

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
}

func NewRateLimiter(redisClient *redis.Client, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{redis: redisClient, limit: limit, window: window}
}

// allow counts one hit against a fixed window and reports whether the caller
// is still under the limit. Redis errors fail open; a degraded limiter must
// not take the gate down with it.
func (r *RateLimiter) allow(ctx context.Context, key string, limit int, window time.Duration) bool {
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		r.redis.Expire(ctx, key, window)
	}
	return count <= int64(limit)
}

// ScanRateLimit caps verification calls per scanner device inside a fixed
// window. The counter lives in Redis so the limit holds across instances.
func (r *RateLimiter) ScanRateLimit() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		id := e.Request.Header.Get("X-Scanner-Id")
		if id == "" {
			id = e.RealIP()
		}
		key := fmt.Sprintf("ratelimit:scan:%s", id)

		if !r.allow(e.Request.Context(), key, r.limit, r.window) {
			return e.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded. Please try again later.",
			})
		}

		return e.Next()
	}
}

// AntiBotCheck blocks obvious scripted purchase traffic by user agent and
// per-IP request frequency.
func (r *RateLimiter) AntiBotCheck() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		userAgent := e.Request.Header.Get("User-Agent")
		if isSuspiciousUserAgent(userAgent) {
			return e.JSON(http.StatusForbidden, map[string]string{
				"error": "Access denied",
			})
		}

		ip := e.RealIP()
		key := fmt.Sprintf("antibot:%s", ip)

		if !r.allow(e.Request.Context(), key, 30, time.Minute) {
			return e.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Too many requests",
			})
		}

		return e.Next()
	}
}

func isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
