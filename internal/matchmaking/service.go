package matchmaking

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidx345/openride-backend-sub002/internal/booking"
	"github.com/davidx345/openride-backend-sub002/internal/metrics"
	"github.com/davidx345/openride-backend-sub002/pkg/logger"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

// Service is the matchmaking core. It also prices routes for the booking
// core (RouteValidator) and reports capacity to the seat engine (RouteSource).
type Service interface {
	Match(ctx context.Context, req *MatchRequest) (*MatchResponse, error)
	GetRoute(ctx context.Context, routeID string) (*Route, error)
	ValidateRouteForBooking(ctx context.Context, routeID, travelDate string, seats int) (*booking.RouteQuote, error)
	SeatsTotal(ctx context.Context, routeID string) (int, error)
}

// ServiceConfig tunes the matchmaking core
type ServiceConfig struct {
	DefaultRadiusKm float64
	MaxRadiusKm     float64
	MaxCandidates   int
	TimeWindow      time.Duration
	DefaultRating   float64
	Weights         Weights
}

// DefaultServiceConfig returns the standard matchmaking configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		DefaultRadiusKm: 5,
		MaxRadiusKm:     25,
		MaxCandidates:   50,
		TimeWindow:      15 * time.Minute,
		DefaultRating:   3.5,
		Weights:         DefaultWeights(),
	}
}

type service struct {
	repo   RouteRepository
	cache  Cache
	scorer *Scorer
	cfg    ServiceConfig
	log    *logger.Logger
}

var _ Service = (*service)(nil)
var _ booking.RouteValidator = (*service)(nil)

// NewService wires the matchmaking core. Weights are validated here so a
// misconfigured deployment fails at startup, not per request.
func NewService(repo RouteRepository, cache Cache, cfg ServiceConfig) (Service, error) {
	if cfg.DefaultRadiusKm <= 0 {
		cfg.DefaultRadiusKm = 5
	}
	if cfg.MaxRadiusKm <= 0 {
		cfg.MaxRadiusKm = 25
	}
	if cfg.MaxCandidates <= 0 || cfg.MaxCandidates > 50 {
		cfg.MaxCandidates = 50
	}
	if cache == nil {
		cache = NoopCache{}
	}
	scorer, err := NewScorer(cfg.Weights, cfg.TimeWindow, cfg.DefaultRating)
	if err != nil {
		return nil, err
	}
	return &service{repo: repo, cache: cache, scorer: scorer, cfg: cfg, log: logger.Get()}, nil
}

func (s *service) Match(ctx context.Context, req *MatchRequest) (*MatchResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.match.match")
	defer span.End()

	start := time.Now()

	if err := s.normalize(req); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.Float64("radius_km", req.RadiusKm),
		attribute.Int("min_seats", req.MinSeats),
	)

	if metrics.MatchRequests != nil {
		metrics.MatchRequests.Inc(ctx)
	}

	if cached, ok := s.cache.Get(ctx, req); ok {
		if metrics.MatchCacheHits != nil {
			metrics.MatchCacheHits.Inc(ctx)
		}
		span.SetAttributes(attribute.Bool("cache_hit", true))
		span.SetStatus(codes.Ok, "")
		return cached, nil
	}

	candidates, err := s.repo.FindCandidates(ctx, req, s.cfg.MaxCandidates)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prefilter failed")
		return nil, err
	}

	results := s.scorer.Score(req, candidates)
	resp := &MatchResponse{
		Results:         results,
		Total:           len(candidates),
		Matched:         len(results),
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}

	s.cache.Set(ctx, req, resp)
	if metrics.MatchLatency != nil {
		metrics.MatchLatency.Record(ctx, time.Since(start).Seconds())
	}

	s.log.Info("Match request served",
		"rider_id", req.RiderID, "candidates", resp.Total,
		"matched", resp.Matched, "execution_time_ms", resp.ExecutionTimeMS)

	span.SetAttributes(attribute.Int("matched", resp.Matched))
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

func (s *service) normalize(req *MatchRequest) error {
	if math.Abs(req.Origin.Lat) > 90 || math.Abs(req.Destination.Lat) > 90 ||
		math.Abs(req.Origin.Lng) > 180 || math.Abs(req.Destination.Lng) > 180 {
		return ErrInvalidRequest
	}
	if req.DesiredTime.IsZero() {
		return ErrInvalidRequest
	}
	if req.MinSeats <= 0 {
		req.MinSeats = 1
	}
	if req.RadiusKm <= 0 {
		req.RadiusKm = s.cfg.DefaultRadiusKm
	}
	if req.RadiusKm > s.cfg.MaxRadiusKm {
		req.RadiusKm = s.cfg.MaxRadiusKm
	}
	if req.MaxPrice != nil && *req.MaxPrice <= 0 {
		return ErrInvalidRequest
	}
	if req.TravelDate != "" {
		if _, err := time.Parse("2006-01-02", req.TravelDate); err != nil {
			return ErrInvalidRequest
		}
	}
	return nil
}

func (s *service) GetRoute(ctx context.Context, routeID string) (*Route, error) {
	return s.repo.GetRoute(ctx, routeID)
}

// ValidateRouteForBooking is the booking core's pricing authority. It
// revalidates route state at booking time so stale match results cannot book
// a closed or departed route.
func (s *service) ValidateRouteForBooking(ctx context.Context, routeID, travelDate string, seats int) (*booking.RouteQuote, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.match.validate_route")
	defer span.End()
	span.SetAttributes(
		attribute.String("route_id", routeID),
		attribute.Int("seats", seats),
	)

	route, err := s.repo.GetRoute(ctx, routeID)
	if err != nil {
		span.SetStatus(codes.Error, "not found")
		return nil, err
	}
	if route.Status != RouteActive {
		span.SetStatus(codes.Error, "route not active")
		return nil, ErrRouteNotActive
	}
	if !route.DepartureTime.After(time.Now().UTC()) {
		span.SetStatus(codes.Error, "route departed")
		return nil, ErrRouteDeparted
	}
	if route.SeatsAvailable < seats {
		span.SetStatus(codes.Error, "not enough seats")
		return nil, ErrNotEnoughSeats
	}

	span.SetStatus(codes.Ok, "")
	return &booking.RouteQuote{
		RouteID:       route.ID,
		DriverID:      route.DriverID,
		DepartureTime: route.DepartureTime,
		PricePerSeat:  route.PricePerSeat,
		SeatsTotal:    route.SeatsTotal,
	}, nil
}

// SeatsTotal serves the seat availability engine
func (s *service) SeatsTotal(ctx context.Context, routeID string) (int, error) {
	route, err := s.repo.GetRoute(ctx, routeID)
	if err != nil {
		return 0, err
	}
	return route.SeatsTotal, nil
}
