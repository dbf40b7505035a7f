package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// NewRateLimiter creates a Gin middleware for rate limiting backed by an
// in-process memory store.
// requests is the number of requests allowed per period.
// period is a duration string (e.g., "1m", "1h", "24h").
func NewRateLimiter(requests int64, period string) (gin.HandlerFunc, error) {
	rate, err := parseRate(requests, period)
	if err != nil {
		return nil, err
	}

	store := memory.NewStore()
	return mgin.NewMiddleware(limiter.New(store, rate)), nil
}

// NewRedisRateLimiter creates a Gin middleware for rate limiting backed by
// Redis, so limits hold across server replicas.
func NewRedisRateLimiter(client *redis.Client, requests int64, period, prefix string) (gin.HandlerFunc, error) {
	rate, err := parseRate(requests, period)
	if err != nil {
		return nil, err
	}

	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix: prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("create redis rate limit store: %w", err)
	}

	return mgin.NewMiddleware(limiter.New(store, rate)), nil
}

func parseRate(requests int64, period string) (limiter.Rate, error) {
	duration, err := time.ParseDuration(period)
	if err != nil {
		return limiter.Rate{}, fmt.Errorf("invalid rate limit period %q: %w", period, err)
	}
	return limiter.Rate{Period: duration, Limit: requests}, nil
}
