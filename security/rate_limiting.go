package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	redis *redis.Client

	// MaxPerMinute caps request-cashin initiations per client.
	MaxPerMinute int64
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient, MaxPerMinute: 30}
}

// Allow counts one request for the client identifier against a
// one-minute window. A Redis failure fails open: payment initiation
// must not depend on the limiter being reachable.
func (r *RateLimiter) Allow(ctx context.Context, identifier string) bool {
	key := fmt.Sprintf("ratelimit:cashin:%s", identifier)

	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		r.redis.Expire(ctx, key, time.Minute)
	}
	return count <= r.MaxPerMinute
}

// SuspiciousUserAgent flags obvious automation probing the cash-in
// endpoints.
func SuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
