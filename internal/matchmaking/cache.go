package matchmaking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidx345/openride-backend-sub002/pkg/logger"
	pkgredis "github.com/davidx345/openride-backend-sub002/pkg/redis"
)

// Cache stores scored match responses for a short TTL
type Cache interface {
	Get(ctx context.Context, req *MatchRequest) (*MatchResponse, bool)
	Set(ctx context.Context, req *MatchRequest, resp *MatchResponse)
}

type redisCache struct {
	redis *pkgredis.Client
	ttl   time.Duration
	log   *logger.Logger
}

var _ Cache = (*redisCache)(nil)

// NewRedisCache creates a Redis-backed result cache. TTL is clamped to three
// minutes so riders never see long-stale availability.
func NewRedisCache(client *pkgredis.Client, ttl time.Duration) Cache {
	if ttl <= 0 || ttl > 3*time.Minute {
		ttl = 3 * time.Minute
	}
	return &redisCache{redis: client, ttl: ttl, log: logger.Get()}
}

// cacheKey normalizes the request tuple: coordinates to 4 decimal places
// (~11 m), desired time to the minute. Requests that differ below that
// resolution share a key.
func cacheKey(req *MatchRequest) string {
	maxPrice := -1.0
	if req.MaxPrice != nil {
		maxPrice = *req.MaxPrice
	}
	tuple := fmt.Sprintf("%.4f:%.4f:%.4f:%.4f:%d:%d:%.1f:%.2f:%s",
		req.Origin.Lat, req.Origin.Lng,
		req.Destination.Lat, req.Destination.Lng,
		req.DesiredTime.UTC().Truncate(time.Minute).Unix(),
		req.MinSeats, req.RadiusKm, maxPrice, req.TravelDate)
	sum := sha256.Sum256([]byte(tuple))
	return "match:" + hex.EncodeToString(sum[:16])
}

func (c *redisCache) Get(ctx context.Context, req *MatchRequest) (*MatchResponse, bool) {
	raw, err := c.redis.Get(ctx, cacheKey(req)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("Match cache read failed", "error", err)
		}
		return nil, false
	}
	var resp MatchResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		c.log.Warn("Match cache entry corrupt, discarding", "error", err)
		_ = c.redis.Del(ctx, cacheKey(req)).Err()
		return nil, false
	}
	resp.Cached = true
	return &resp, true
}

func (c *redisCache) Set(ctx context.Context, req *MatchRequest, resp *MatchResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.log.Error("Failed to encode match response for cache", "error", err)
		return
	}
	if err := c.redis.Set(ctx, cacheKey(req), data, c.ttl).Err(); err != nil {
		c.log.Warn("Match cache write failed", "error", err)
	}
}

// NoopCache disables caching; tests and single-shot tools use it
type NoopCache struct{}

func (NoopCache) Get(context.Context, *MatchRequest) (*MatchResponse, bool) { return nil, false }
func (NoopCache) Set(context.Context, *MatchRequest, *MatchResponse)        {}
