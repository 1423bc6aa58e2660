package matchmaking

import (
	"context"
	"sort"
	"sync"

	"github.com/davidx345/openride-backend-sub002/internal/geo"
)

// MemoryRouteRepository is an in-memory RouteRepository for tests and local
// development. The prefilter mirrors the PostGIS query using haversine
// distances.
type MemoryRouteRepository struct {
	mu     sync.Mutex
	routes map[string]*Route
}

var _ RouteRepository = (*MemoryRouteRepository)(nil)

// NewMemoryRouteRepository creates an empty in-memory route repository
func NewMemoryRouteRepository() *MemoryRouteRepository {
	return &MemoryRouteRepository{routes: make(map[string]*Route)}
}

// AddRoute stores a route. Test setup helper.
func (r *MemoryRouteRepository) AddRoute(route *Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *route
	c.Stops = append([]Stop(nil), route.Stops...)
	r.routes[route.ID] = &c
}

// SetSeatsAvailable adjusts availability. Test setup helper.
func (r *MemoryRouteRepository) SetSeatsAvailable(routeID string, seats int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if route, ok := r.routes[routeID]; ok {
		route.SeatsAvailable = seats
	}
}

func (r *MemoryRouteRepository) FindCandidates(_ context.Context, req *MatchRequest, limit int) ([]*Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*Candidate
	for _, route := range r.routes {
		if route.Status != RouteActive || route.SeatsAvailable < req.MinSeats {
			continue
		}
		if req.MaxPrice != nil && route.PricePerSeat > *req.MaxPrice {
			continue
		}
		if req.TravelDate != "" && route.DepartureTime.UTC().Format("2006-01-02") != req.TravelDate {
			continue
		}

		c := &Candidate{Route: cloneRoute(route)}
		oStop, oDist := nearestStop(route.Stops, req.Origin, req.RadiusKm)
		dStop, dDist := nearestStop(route.Stops, req.Destination, req.RadiusKm)
		if oStop == nil && dStop == nil {
			continue
		}
		if oStop != nil {
			c.OriginCovered = true
			c.OriginStopID = oStop.ID
			c.OriginDistKm = oDist
		}
		if dStop != nil {
			c.DestinationCovered = true
			c.DestStopID = dStop.ID
			c.DestDistKm = dDist
		}
		if oStop != nil && dStop != nil {
			c.InOrder = oStop.Sequence < dStop.Sequence
		}
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Route.DepartureTime.Before(candidates[j].Route.DepartureTime)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (r *MemoryRouteRepository) GetRoute(_ context.Context, id string) (*Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.routes[id]
	if !ok {
		return nil, ErrRouteNotFound
	}
	return cloneRoute(route), nil
}

func cloneRoute(route *Route) *Route {
	c := *route
	c.Stops = append([]Stop(nil), route.Stops...)
	return &c
}

func nearestStop(stops []Stop, p geo.Point, radiusKm float64) (*Stop, float64) {
	var best *Stop
	bestDist := 0.0
	for i := range stops {
		d := geo.HaversineKm(stops[i].Location, p)
		if d > radiusKm {
			continue
		}
		if best == nil || d < bestDist {
			best = &stops[i]
			bestDist = d
		}
	}
	return best, bestDist
}
