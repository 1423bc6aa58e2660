// Package inventory tracks seat availability for a route on a travel date.
//
// Confirmed occupancy lives in PostgreSQL; transient holds live in Redis
// under per-seat keys with a TTL, so an abandoned checkout frees its seats
// without any cleanup pass. Availability is always derived, never stored:
//
//	available = seats_total - confirmed - held
package inventory

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	pkgredis "github.com/davidx345/openride-backend-sub002/pkg/redis"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

//go:embed scripts/hold_seats.lua
var holdSeatsScript string

//go:embed scripts/release_seats.lua
var releaseSeatsScript string

var (
	// ErrNotEnoughSeats means fewer free seats exist than requested
	ErrNotEnoughSeats = errors.New("not enough seats available")
	// ErrSeatContended means another booking held a requested seat first
	ErrSeatContended = errors.New("seat already held")
)

// RouteSource provides route capacity
type RouteSource interface {
	SeatsTotal(ctx context.Context, routeID string) (int, error)
}

// OccupancySource provides seat numbers occupied by active bookings
// (CONFIRMED and CHECKED_IN) for a route/date
type OccupancySource interface {
	OccupiedSeats(ctx context.Context, routeID, travelDate string) ([]int, error)
}

// HoldChecker reports whether a booking still legitimately owns a hold.
// Used by orphan cleanup; the booking repository implements it.
type HoldChecker interface {
	IsHoldLive(ctx context.Context, bookingID string) (bool, error)
}

// HoldIndex is the payload stored under the per-booking index key
type HoldIndex struct {
	RouteID    string `json:"route_id"`
	TravelDate string `json:"travel_date"`
	Seats      []int  `json:"seats"`
}

// Engine answers availability questions and manages holds
type Engine interface {
	AvailableCount(ctx context.Context, routeID, travelDate string) (int, error)
	// Allocate returns the n lowest-numbered free seats. Call under the
	// route lock; Allocate itself does not lock.
	Allocate(ctx context.Context, routeID, travelDate string, n int) ([]int, error)
	Hold(ctx context.Context, routeID, travelDate string, seats []int, bookingID string, ttl time.Duration) error
	Release(ctx context.Context, routeID, travelDate string, seats []int, bookingID string) error
	HeldSeats(ctx context.Context, routeID, travelDate string) ([]int, error)
	// CleanupOrphans releases holds whose booking is no longer live
	CleanupOrphans(ctx context.Context, checker HoldChecker) (int, error)
}

type engine struct {
	redis  *pkgredis.Client
	routes RouteSource
	occ    OccupancySource
}

var _ Engine = (*engine)(nil)

// NewEngine creates the seat availability engine
func NewEngine(redis *pkgredis.Client, routes RouteSource, occ OccupancySource) Engine {
	return &engine{redis: redis, routes: routes, occ: occ}
}

func seatKey(routeID, travelDate string, seat int) string {
	return fmt.Sprintf("hold:%s:%s:%d", routeID, travelDate, seat)
}

func seatPattern(routeID, travelDate string) string {
	return fmt.Sprintf("hold:%s:%s:*", routeID, travelDate)
}

func indexKey(bookingID string) string {
	return "holdidx:" + bookingID
}

func (e *engine) AvailableCount(ctx context.Context, routeID, travelDate string) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "inventory.available_count")
	defer span.End()
	span.SetAttributes(
		attribute.String("route_id", routeID),
		attribute.String("travel_date", travelDate),
	)

	total, err := e.routes.SeatsTotal(ctx, routeID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "route lookup failed")
		return 0, err
	}

	occupied, err := e.occ.OccupiedSeats(ctx, routeID, travelDate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "occupancy lookup failed")
		return 0, err
	}

	held, err := e.HeldSeats(ctx, routeID, travelDate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "hold scan failed")
		return 0, err
	}

	available := total - len(occupied) - len(held)
	if available < 0 {
		available = 0
	}

	span.SetAttributes(attribute.Int("inventory.available", available))
	span.SetStatus(codes.Ok, "")
	return available, nil
}

func (e *engine) Allocate(ctx context.Context, routeID, travelDate string, n int) ([]int, error) {
	ctx, span := telemetry.StartSpan(ctx, "inventory.allocate")
	defer span.End()
	span.SetAttributes(
		attribute.String("route_id", routeID),
		attribute.Int("inventory.requested", n),
	)

	total, err := e.routes.SeatsTotal(ctx, routeID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "route lookup failed")
		return nil, err
	}

	occupied, err := e.occ.OccupiedSeats(ctx, routeID, travelDate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "occupancy lookup failed")
		return nil, err
	}

	held, err := e.HeldSeats(ctx, routeID, travelDate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "hold scan failed")
		return nil, err
	}

	taken := make(map[int]struct{}, len(occupied)+len(held))
	for _, s := range occupied {
		taken[s] = struct{}{}
	}
	for _, s := range held {
		taken[s] = struct{}{}
	}

	seats := make([]int, 0, n)
	for seat := 1; seat <= total && len(seats) < n; seat++ {
		if _, ok := taken[seat]; !ok {
			seats = append(seats, seat)
		}
	}

	if len(seats) < n {
		span.SetStatus(codes.Error, "not enough seats")
		return nil, fmt.Errorf("route %s on %s: %w", routeID, travelDate, ErrNotEnoughSeats)
	}

	span.SetStatus(codes.Ok, "")
	return seats, nil
}

func (e *engine) Hold(ctx context.Context, routeID, travelDate string, seats []int, bookingID string, ttl time.Duration) error {
	ctx, span := telemetry.StartSpan(ctx, "inventory.hold")
	defer span.End()
	span.SetAttributes(
		attribute.String("route_id", routeID),
		attribute.String("booking_id", bookingID),
		attribute.Int("inventory.seats", len(seats)),
	)

	if len(seats) == 0 {
		return fmt.Errorf("no seats to hold")
	}

	keys := make([]string, 0, len(seats)+1)
	for _, s := range seats {
		keys = append(keys, seatKey(routeID, travelDate, s))
	}
	keys = append(keys, indexKey(bookingID))

	idx, err := json.Marshal(HoldIndex{RouteID: routeID, TravelDate: travelDate, Seats: seats})
	if err != nil {
		return fmt.Errorf("failed to marshal hold index: %w", err)
	}

	result := e.redis.EvalWithFallback(ctx, "hold_seats", holdSeatsScript, keys,
		bookingID, ttl.Milliseconds(), string(idx))
	if result.Err() != nil {
		span.RecordError(result.Err())
		span.SetStatus(codes.Error, "redis error")
		return fmt.Errorf("failed to hold seats: %w", result.Err())
	}

	ok, err := toInt64(result.Val())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad script result")
		return fmt.Errorf("unexpected hold result: %w", err)
	}
	if ok != 1 {
		span.SetStatus(codes.Error, "contended")
		return fmt.Errorf("booking %s: %w", bookingID, ErrSeatContended)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (e *engine) Release(ctx context.Context, routeID, travelDate string, seats []int, bookingID string) error {
	ctx, span := telemetry.StartSpan(ctx, "inventory.release")
	defer span.End()
	span.SetAttributes(
		attribute.String("route_id", routeID),
		attribute.String("booking_id", bookingID),
	)

	if len(seats) == 0 {
		// nothing held; still drop the index key
		seats = nil
	}

	keys := make([]string, 0, len(seats)+1)
	for _, s := range seats {
		keys = append(keys, seatKey(routeID, travelDate, s))
	}
	keys = append(keys, indexKey(bookingID))

	result := e.redis.EvalWithFallback(ctx, "release_seats", releaseSeatsScript, keys, bookingID)
	if result.Err() != nil {
		span.RecordError(result.Err())
		span.SetStatus(codes.Error, "redis error")
		return fmt.Errorf("failed to release seats: %w", result.Err())
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (e *engine) HeldSeats(ctx context.Context, routeID, travelDate string) ([]int, error) {
	keys, err := e.redis.ScanAll(ctx, seatPattern(routeID, travelDate), 200)
	if err != nil {
		return nil, fmt.Errorf("failed to scan holds: %w", err)
	}

	seats := make([]int, 0, len(keys))
	for _, k := range keys {
		parts := strings.Split(k, ":")
		seat, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			continue
		}
		seats = append(seats, seat)
	}
	sort.Ints(seats)
	return seats, nil
}

func (e *engine) CleanupOrphans(ctx context.Context, checker HoldChecker) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "inventory.cleanup_orphans")
	defer span.End()

	keys, err := e.redis.ScanAll(ctx, "holdidx:*", 200)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		return 0, fmt.Errorf("failed to scan hold indexes: %w", err)
	}

	released := 0
	for _, key := range keys {
		bookingID := strings.TrimPrefix(key, "holdidx:")

		live, err := checker.IsHoldLive(ctx, bookingID)
		if err != nil {
			span.RecordError(err)
			continue
		}
		if live {
			continue
		}

		raw, err := e.redis.Get(ctx, key).Result()
		if err != nil {
			continue // expired since the scan
		}
		var idx HoldIndex
		if err := json.Unmarshal([]byte(raw), &idx); err != nil {
			_ = e.redis.Del(ctx, key).Err()
			continue
		}

		if err := e.Release(ctx, idx.RouteID, idx.TravelDate, idx.Seats, bookingID); err != nil {
			span.RecordError(err)
			continue
		}
		released++
	}

	span.SetAttributes(attribute.Int("inventory.orphans_released", released))
	span.SetStatus(codes.Ok, "")
	return released, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
