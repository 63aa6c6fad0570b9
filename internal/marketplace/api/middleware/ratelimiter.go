package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"

	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/pkg/errors"
	"github.com/datarand/datarand-backend/pkg/logging"
)

const rateLimitWindow = 60

const rateLimitScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local current = redis.call("INCR", key)
if current == 1 then
    redis.call("EXPIRE", key, window)
end

local ttl = redis.call("TTL", key)

if current > limit then
    return {current, 0, ttl}
else
    return {current, limit - current, ttl}
end
`

// Evaler runs a Lua script; satisfied by pkg/redis.Client.
type Evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

type RateLimitInfo struct {
	Current   int64
	Remaining int64
	Reset     int64
}

// RateLimiter is a fixed window counter per caller kept in redis.
type RateLimiter struct {
	redis  Evaler
	limit  int
	clock  clock.Clock
	logger logging.Logger
}

func NewRateLimiter(redis Evaler, limit int, clk clock.Clock, logger logging.Logger) (*RateLimiter, error) {
	if redis == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if limit < 1 {
		return nil, fmt.Errorf("invalid rate limit: %d", limit)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{
		redis:  redis,
		limit:  limit,
		clock:  clk,
		logger: logger,
	}, nil
}

func (rl *RateLimiter) check(ctx context.Context, key string) (*RateLimitInfo, error) {
	result, err := rl.redis.Eval(ctx, rateLimitScript, []string{"rate_limit:" + key}, rl.limit, rateLimitWindow)
	if err != nil {
		return nil, err
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("invalid response from rate limit script: %v", result)
	}
	var nums [3]int64
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("invalid response from rate limit script: %v", result)
		}
		nums[i] = n
	}
	return &RateLimitInfo{Current: nums[0], Remaining: nums[1], Reset: nums[2]}, nil
}

// Middleware limits authenticated callers by user and everyone else by IP.
// A redis failure lets the request through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := GetLogger(c)

		key := GetUserID(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}

		info, err := rl.check(c.Request.Context(), key)
		if err != nil {
			logger.Errorf("Rate limiting error: %v", err)
			c.Next()
			return
		}

		reset := info.Reset
		if reset < 0 {
			reset = rateLimitWindow
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(info.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(rl.clock.Now().Add(time.Duration(reset)*time.Second).Unix(), 10))

		if info.Current > int64(rl.limit) {
			endpoint := c.FullPath()
			metrics.RateLimitHitsTotal.WithLabelValues(endpoint).Inc()
			logger.Warn("Rate limit exceeded", "key", key, "endpoint", endpoint)

			c.Header("Retry-After", strconv.FormatInt(reset, 10))
			abortWithError(c, errors.KindRateLimited, "Rate limit exceeded", nil)
			return
		}

		c.Next()
	}
}
