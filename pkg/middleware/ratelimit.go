package middleware

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	pkgredis "github.com/davidx345/openride-backend-sub002/pkg/redis"
	"github.com/davidx345/openride-backend-sub002/pkg/response"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

// RateLimitConfig holds token bucket rate limiting configuration.
// Requests are keyed by authenticated user id, falling back to client IP.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
	// UseRedis enables distributed limiting across instances
	UseRedis    bool
	RedisClient *pkgredis.Client
	KeyPrefix   string
	// Local limiter housekeeping
	CleanupInterval time.Duration
	EntryTTL        time.Duration
}

// DefaultRateLimitConfig returns the standard API limits
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 100,
		Burst:             20,
		KeyPrefix:         "ratelimit:",
		CleanupInterval:   time.Minute,
		EntryTTL:          2 * time.Minute,
	}
}

type bucketEntry struct {
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

// LocalRateLimiter implements an in-memory token bucket per key
type LocalRateLimiter struct {
	config  RateLimitConfig
	entries sync.Map
	stop    chan struct{}

	totalAllowed  uint64
	totalRejected uint64
}

// NewLocalRateLimiter creates a local limiter and starts its cleanup loop
func NewLocalRateLimiter(config RateLimitConfig) *LocalRateLimiter {
	rl := &LocalRateLimiter{
		config: config,
		stop:   make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// AllowWithRemaining reports whether the request is allowed and how many
// tokens remain for the key
func (rl *LocalRateLimiter) AllowWithRemaining(key string) (bool, float64) {
	now := time.Now()

	entry, _ := rl.entries.LoadOrStore(key, &bucketEntry{
		tokens:     float64(rl.config.Burst),
		lastUpdate: now,
	})
	e := entry.(*bucketEntry)

	e.mu.Lock()
	defer e.mu.Unlock()

	refillPerSecond := float64(rl.config.RequestsPerMinute) / 60.0
	elapsed := now.Sub(e.lastUpdate).Seconds()
	e.tokens = math.Min(float64(rl.config.Burst), e.tokens+elapsed*refillPerSecond)
	e.lastUpdate = now

	if e.tokens >= 1 {
		e.tokens--
		atomic.AddUint64(&rl.totalAllowed, 1)
		return true, e.tokens
	}

	atomic.AddUint64(&rl.totalRejected, 1)
	return false, e.tokens
}

// Allow reports whether the request is allowed
func (rl *LocalRateLimiter) Allow(key string) bool {
	allowed, _ := rl.AllowWithRemaining(key)
	return allowed
}

// GetStats returns allowed/rejected counters
func (rl *LocalRateLimiter) GetStats() (allowed, rejected uint64) {
	return atomic.LoadUint64(&rl.totalAllowed), atomic.LoadUint64(&rl.totalRejected)
}

func (rl *LocalRateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-rl.config.EntryTTL)
			rl.entries.Range(func(key, value interface{}) bool {
				e := value.(*bucketEntry)
				e.mu.Lock()
				if e.lastUpdate.Before(cutoff) {
					rl.entries.Delete(key)
				}
				e.mu.Unlock()
				return true
			})
		case <-rl.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (rl *LocalRateLimiter) Stop() {
	close(rl.stop)
}

// token bucket state lives in a Redis hash so all instances share it
const redisBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call("HMGET", key, "tokens", "last_update")
local tokens = tonumber(data[1]) or burst
local last_update = tonumber(data[2]) or now

local elapsed = now - last_update
tokens = math.min(burst, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_update", now)
redis.call("EXPIRE", key, 120)
return {allowed, tostring(tokens)}
`

// RedisRateLimiter implements a distributed token bucket
type RedisRateLimiter struct {
	config RateLimitConfig
}

// NewRedisRateLimiter creates a Redis-backed limiter
func NewRedisRateLimiter(config RateLimitConfig) *RedisRateLimiter {
	return &RedisRateLimiter{config: config}
}

// AllowWithRemaining checks the bucket atomically in Redis
func (rl *RedisRateLimiter) AllowWithRemaining(ctx context.Context, key string) (bool, float64, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	refillPerSecond := float64(rl.config.RequestsPerMinute) / 60.0

	result := rl.config.RedisClient.EvalWithFallback(ctx, "ratelimit_bucket", redisBucketScript,
		[]string{rl.config.KeyPrefix + key},
		refillPerSecond,
		float64(rl.config.Burst),
		now,
	)
	if result.Err() != nil {
		return false, 0, result.Err()
	}

	values, err := result.Slice()
	if err != nil {
		return false, 0, err
	}
	if len(values) < 2 {
		return false, 0, fmt.Errorf("unexpected result length: %d", len(values))
	}

	allowed, _ := values[0].(int64)
	remaining := 0.0
	if s, ok := values[1].(string); ok {
		remaining, _ = strconv.ParseFloat(s, 64)
	}

	return allowed == 1, remaining, nil
}

// RateLimit creates the API rate limiting middleware
func RateLimit(config RateLimitConfig) gin.HandlerFunc {
	var localLimiter *LocalRateLimiter
	var redisLimiter *RedisRateLimiter

	if config.UseRedis && config.RedisClient != nil {
		redisLimiter = NewRedisRateLimiter(config)
	} else {
		localLimiter = NewLocalRateLimiter(config)
	}

	return func(c *gin.Context) {
		ctx, span := telemetry.StartSpan(c.Request.Context(), "middleware.rate_limit")
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		// Authenticated traffic is limited per user, anonymous per IP
		key := c.GetString(UserIDKey)
		if key == "" {
			key = c.ClientIP()
		}
		span.SetAttributes(attribute.String("rate_limit.key", key))

		var allowed bool
		var remainingTokens float64

		if redisLimiter != nil {
			var err error
			allowed, remainingTokens, err = redisLimiter.AllowWithRemaining(ctx, key)
			if err != nil {
				// fail open on backend errors
				allowed = true
				remainingTokens = float64(config.Burst)
			}
		} else {
			allowed, remainingTokens = localLimiter.AllowWithRemaining(key)
		}

		span.SetAttributes(attribute.Bool("rate_limit.allowed", allowed))

		remaining := int(remainingTokens)
		if remaining < 0 {
			remaining = 0
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))

		if !allowed {
			span.SetStatus(codes.Error, "rate limit exceeded")

			// time until one token refills
			retryAfter := int(math.Ceil(60.0 / float64(config.RequestsPerMinute)))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))

			response.TooManyRequests(c, "rate limit exceeded, retry after "+strconv.Itoa(retryAfter)+"s")
			c.Abort()
			return
		}

		span.SetStatus(codes.Ok, "")
		c.Next()
	}
}
