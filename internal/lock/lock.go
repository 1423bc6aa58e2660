// Package lock provides coarse-grained distributed mutexes on Redis.
//
// A lock is a single key written with SET NX PX and a random token; release
// is a compare-and-delete Lua script so only the holder can release. Locks
// are advisory: callers agree on names like "route:{routeID}:{date}".
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	pkgredis "github.com/davidx345/openride-backend-sub002/pkg/redis"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

const (
	// DefaultWait is how long Acquire polls before giving up
	DefaultWait = 5 * time.Second
	// DefaultLease is how long a lock is held before Redis expires it
	DefaultLease = 10 * time.Second

	keyPrefix = "lock:"

	basePollInterval = 50 * time.Millisecond
)

var (
	// ErrLockTimeout means the wait window elapsed without acquiring the lock.
	// Callers should surface it as a retriable conflict.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrNotHeld means Release found the lock held by someone else (or expired)
	ErrNotHeld = errors.New("lock not held")
)

// release deletes the key only when it still carries our token
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`

// Service acquires and releases named distributed locks
type Service interface {
	Acquire(ctx context.Context, name string, wait, lease time.Duration) (*Handle, error)
	WithLock(ctx context.Context, name string, wait, lease time.Duration, fn func(ctx context.Context) error) error
}

// Handle represents a held lock
type Handle struct {
	name    string
	token   string
	expires time.Time
	svc     *service
}

type service struct {
	redis *pkgredis.Client
}

var _ Service = (*service)(nil)

// NewService creates a Redis-backed lock service
func NewService(redis *pkgredis.Client) Service {
	return &service{redis: redis}
}

// Acquire polls SET NX until the lock is obtained or wait elapses.
// Zero wait/lease fall back to the package defaults.
func (s *service) Acquire(ctx context.Context, name string, wait, lease time.Duration) (*Handle, error) {
	ctx, span := telemetry.StartSpan(ctx, "lock.acquire")
	defer span.End()
	span.SetAttributes(attribute.String("lock.name", name))

	if wait <= 0 {
		wait = DefaultWait
	}
	if lease <= 0 {
		lease = DefaultLease
	}

	token, err := newToken()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token generation failed")
		return nil, fmt.Errorf("failed to generate lock token: %w", err)
	}

	deadline := time.Now().Add(wait)
	key := keyPrefix + name

	for {
		ok, err := s.redis.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "redis error")
			return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
		}
		if ok {
			span.SetStatus(codes.Ok, "")
			return &Handle{
				name:    name,
				token:   token,
				expires: time.Now().Add(lease),
				svc:     s,
			}, nil
		}

		if time.Now().After(deadline) {
			span.SetStatus(codes.Error, "timeout")
			return nil, fmt.Errorf("lock %s: %w", name, ErrLockTimeout)
		}

		select {
		case <-ctx.Done():
			span.SetStatus(codes.Error, "context cancelled")
			return nil, ctx.Err()
		case <-time.After(jitteredInterval()):
		}
	}
}

// WithLock runs fn while holding the named lock and releases it afterwards
func (s *service) WithLock(ctx context.Context, name string, wait, lease time.Duration, fn func(ctx context.Context) error) error {
	handle, err := s.Acquire(ctx, name, wait, lease)
	if err != nil {
		return err
	}
	defer func() {
		// release errors only mean the lease already expired
		_ = handle.Release(context.WithoutCancel(ctx))
	}()

	return fn(ctx)
}

// Release releases the lock if this handle still holds it
func (h *Handle) Release(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "lock.release")
	defer span.End()
	span.SetAttributes(attribute.String("lock.name", h.name))

	result := h.svc.redis.EvalWithFallback(ctx, "lock_release", releaseScript,
		[]string{keyPrefix + h.name}, h.token)
	if result.Err() != nil {
		span.RecordError(result.Err())
		span.SetStatus(codes.Error, "redis error")
		return fmt.Errorf("failed to release lock %s: %w", h.name, result.Err())
	}

	deleted, _ := result.Int64()
	if deleted == 0 {
		span.SetStatus(codes.Error, "not held")
		return fmt.Errorf("lock %s: %w", h.name, ErrNotHeld)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Name returns the lock name
func (h *Handle) Name() string { return h.name }

// ExpiresAt returns when the lease expires if not released
func (h *Handle) ExpiresAt() time.Time { return h.expires }

// RouteKey is the lock name guarding seat allocation for a route on a date
func RouteKey(routeID, travelDate string) string {
	return fmt.Sprintf("route:%s:%s", routeID, travelDate)
}

// BookingKey is the lock name guarding confirm/cancel races on one booking
func BookingKey(bookingID string) string {
	return "booking:" + bookingID
}

// JobKey is the lock name guarding a singleton scheduled job
func JobKey(jobName string) string {
	return "job:" + jobName
}

// SettlementKey guards the daily payment settlement run
const SettlementKey = "payment-settlement"

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// jitteredInterval spreads pollers so contending clients don't retry in step
func jitteredInterval() time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(basePollInterval)))
	if err != nil {
		return basePollInterval
	}
	return basePollInterval + time.Duration(n.Int64())
}

// IsLockTimeout reports whether err is a lock wait timeout
func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
