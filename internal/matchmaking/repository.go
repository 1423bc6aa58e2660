package matchmaking

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidx345/openride-backend-sub002/pkg/database"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

// RouteRepository reads routes and runs the geospatial prefilter
type RouteRepository interface {
	// FindCandidates returns ACTIVE routes with enough seats where at least
	// one trip end has a stop within the request radius, capped at limit
	FindCandidates(ctx context.Context, req *MatchRequest, limit int) ([]*Candidate, error)
	GetRoute(ctx context.Context, id string) (*Route, error)
}

type pgRouteRepository struct {
	db *database.PostgresDB
}

var _ RouteRepository = (*pgRouteRepository)(nil)

// NewRouteRepository creates a PostgreSQL/PostGIS-backed route repository
func NewRouteRepository(db *database.PostgresDB) RouteRepository {
	return &pgRouteRepository{db: db}
}

// FindCandidates uses ST_DWithin over the hubs' indexed geography points to
// find, per route, the nearest in-radius stop to each trip end. Routes with
// neither end covered never leave the database.
func (r *pgRouteRepository) FindCandidates(ctx context.Context, req *MatchRequest, limit int) ([]*Candidate, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.route.find_candidates")
	defer span.End()
	span.SetAttributes(
		attribute.Float64("radius_km", req.RadiusKm),
		attribute.Int("min_seats", req.MinSeats),
	)

	radiusM := req.RadiusKm * 1000

	query := `
		SELECT r.id, r.driver_id, COALESCE(r.vehicle_id, ''),
		       r.origin_hub_id, r.destination_hub_id,
		       r.departure_time, r.seats_total, r.seats_available,
		       r.price_per_seat, r.status,
		       r.driver_rating, r.driver_rating_count, r.driver_cancel_rate,
		       o.stop_id, o.seq, o.dist_km,
		       d.stop_id, d.seq, d.dist_km
		FROM routes r
		LEFT JOIN LATERAL (
			SELECT rs.id AS stop_id, rs.sequence AS seq,
			       ST_Distance(h.location::geography,
			                   ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography) / 1000 AS dist_km
			FROM route_stops rs
			JOIN hubs h ON h.id = rs.hub_id
			WHERE rs.route_id = r.id
			  AND ST_DWithin(h.location::geography,
			                 ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $5)
			ORDER BY dist_km
			LIMIT 1
		) o ON true
		LEFT JOIN LATERAL (
			SELECT rs.id AS stop_id, rs.sequence AS seq,
			       ST_Distance(h.location::geography,
			                   ST_SetSRID(ST_MakePoint($3, $4), 4326)::geography) / 1000 AS dist_km
			FROM route_stops rs
			JOIN hubs h ON h.id = rs.hub_id
			WHERE rs.route_id = r.id
			  AND ST_DWithin(h.location::geography,
			                 ST_SetSRID(ST_MakePoint($3, $4), 4326)::geography, $5)
			ORDER BY dist_km
			LIMIT 1
		) d ON true
		WHERE r.status = 'ACTIVE'
		  AND r.seats_available >= $6
		  AND (o.stop_id IS NOT NULL OR d.stop_id IS NOT NULL)
		  AND ($7::numeric <= 0 OR r.price_per_seat <= $7)
		  AND ($8 = '' OR (r.departure_time AT TIME ZONE 'UTC')::date = $8::date)
		ORDER BY r.departure_time
		LIMIT $9
	`

	maxPrice := 0.0
	if req.MaxPrice != nil {
		maxPrice = *req.MaxPrice
	}

	rows, err := r.db.Pool().Query(ctx, query,
		req.Origin.Lng, req.Origin.Lat,
		req.Destination.Lng, req.Destination.Lat,
		radiusM, req.MinSeats, maxPrice, req.TravelDate, limit,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to query candidate routes: %w", err)
	}
	defer rows.Close()

	var candidates []*Candidate
	for rows.Next() {
		route := &Route{}
		var status string
		var oStop, dStop *string
		var oSeq, dSeq *int
		var oDist, dDist *float64

		err := rows.Scan(
			&route.ID, &route.DriverID, &route.VehicleID,
			&route.OriginHubID, &route.DestinationHubID,
			&route.DepartureTime, &route.SeatsTotal, &route.SeatsAvailable,
			&route.PricePerSeat, &status,
			&route.DriverRating, &route.DriverRatingCount, &route.DriverCancelRate,
			&oStop, &oSeq, &oDist,
			&dStop, &dSeq, &dDist,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate route: %w", err)
		}
		route.Status = RouteStatus(status)

		c := &Candidate{Route: route}
		if oStop != nil {
			c.OriginCovered = true
			c.OriginStopID = *oStop
			c.OriginDistKm = *oDist
		}
		if dStop != nil {
			c.DestinationCovered = true
			c.DestStopID = *dStop
			c.DestDistKm = *dDist
		}
		if oSeq != nil && dSeq != nil {
			c.InOrder = *oSeq < *dSeq
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read candidate routes: %w", err)
	}

	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	span.SetStatus(codes.Ok, "")
	return candidates, nil
}

func (r *pgRouteRepository) GetRoute(ctx context.Context, id string) (*Route, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.route.get")
	defer span.End()
	span.SetAttributes(attribute.String("route_id", id))

	query := `
		SELECT r.id, r.driver_id, COALESCE(r.vehicle_id, ''),
		       r.origin_hub_id, r.destination_hub_id,
		       r.departure_time, r.seats_total, r.seats_available,
		       r.price_per_seat, r.status,
		       r.driver_rating, r.driver_rating_count, r.driver_cancel_rate
		FROM routes r
		WHERE r.id = $1
	`
	route := &Route{}
	var status string
	err := r.db.QueryRow(ctx, query, id).Scan(
		&route.ID, &route.DriverID, &route.VehicleID,
		&route.OriginHubID, &route.DestinationHubID,
		&route.DepartureTime, &route.SeatsTotal, &route.SeatsAvailable,
		&route.PricePerSeat, &status,
		&route.DriverRating, &route.DriverRatingCount, &route.DriverCancelRate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, ErrRouteNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get route: %w", err)
	}
	route.Status = RouteStatus(status)

	stops := `
		SELECT rs.id, rs.hub_id, COALESCE(h.name, ''), rs.sequence,
		       ST_Y(h.location) AS lat, ST_X(h.location) AS lng
		FROM route_stops rs
		JOIN hubs h ON h.id = rs.hub_id
		WHERE rs.route_id = $1
		ORDER BY rs.sequence
	`
	rows, err := r.db.Pool().Query(ctx, stops, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query route stops: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s Stop
		if err := rows.Scan(&s.ID, &s.HubID, &s.HubName, &s.Sequence, &s.Location.Lat, &s.Location.Lng); err != nil {
			return nil, fmt.Errorf("failed to scan route stop: %w", err)
		}
		route.Stops = append(route.Stops, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read route stops: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return route, nil
}
