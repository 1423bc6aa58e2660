// Package idempotency provides first-writer-wins deduplication on Redis.
//
// The first caller to register a key stores its value; every later caller
// within the TTL gets that stored value back, so retried requests observe
// the original result instead of performing the effect twice.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	pkgredis "github.com/davidx345/openride-backend-sub002/pkg/redis"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

const (
	// RequestTTL covers client-supplied idempotency keys on booking and
	// payment creation
	RequestTTL = 24 * time.Hour
	// WebhookTTL covers gateway webhook event keys
	WebhookTTL = 7 * 24 * time.Hour

	keyPrefix = "idem:"
)

// Store registers idempotency keys and returns the first-stored value
type Store interface {
	// RegisterOrGet stores value under key if absent. It returns the stored
	// value and whether this caller was the first writer.
	RegisterOrGet(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error)
	// Get returns the stored value for key, or "" if absent
	Get(ctx context.Context, key string) (string, error)
	// Clear removes a key so a later request can register it fresh. Callers
	// use it to undo a first-writer registration whose effect never happened.
	Clear(ctx context.Context, key string) error
}

type store struct {
	redis *pkgredis.Client
}

var _ Store = (*store)(nil)

// NewStore creates a Redis-backed idempotency store
func NewStore(redis *pkgredis.Client) Store {
	return &store{redis: redis}
}

func (s *store) RegisterOrGet(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "idempotency.register_or_get")
	defer span.End()
	span.SetAttributes(attribute.String("idempotency.key", key))

	full := keyPrefix + key

	ok, err := s.redis.SetNX(ctx, full, value, ttl).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "redis error")
		return "", false, fmt.Errorf("failed to register idempotency key: %w", err)
	}
	if ok {
		span.SetAttributes(attribute.Bool("idempotency.first", true))
		span.SetStatus(codes.Ok, "")
		return value, true, nil
	}

	stored, err := s.redis.Get(ctx, full).Result()
	if err != nil {
		// key expired between SetNX and Get; the retry path registers fresh
		if errors.Is(err, redis.Nil) {
			return s.RegisterOrGet(ctx, key, value, ttl)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "redis error")
		return "", false, fmt.Errorf("failed to read idempotency key: %w", err)
	}

	span.SetAttributes(attribute.Bool("idempotency.first", false))
	span.SetStatus(codes.Ok, "")
	return stored, false, nil
}

func (s *store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.redis.Get(ctx, keyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return val, nil
}

func (s *store) Clear(ctx context.Context, key string) error {
	return s.redis.Del(ctx, keyPrefix+key).Err()
}

// WebhookKey builds the dedup key for a gateway webhook event
func WebhookKey(gatewayRef, eventType string) string {
	return fmt.Sprintf("webhook:%s:%s", gatewayRef, eventType)
}

// BookingKey builds the dedup key for a booking creation request
func BookingKey(clientKey string) string {
	return "booking:" + clientKey
}

// PaymentKey builds the dedup key for a payment initiation request
func PaymentKey(clientKey string) string {
	return "payment:" + clientKey
}
