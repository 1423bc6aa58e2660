package matchmaking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidx345/openride-backend-sub002/internal/geo"
)

// mapCache is an in-memory Cache for tests
type mapCache struct {
	mu   sync.Mutex
	data map[string]*MatchResponse
	sets int
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string]*MatchResponse)}
}

func (c *mapCache) Get(_ context.Context, req *MatchRequest) (*MatchResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.data[cacheKey(req)]
	if !ok {
		return nil, false
	}
	clone := *resp
	clone.Cached = true
	return &clone, true
}

func (c *mapCache) Set(_ context.Context, req *MatchRequest, resp *MatchResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.data[cacheKey(req)] = resp
}

var (
	originPt = geo.Point{Lat: 6.5244, Lng: 3.3792}
	destPt   = geo.Point{Lat: 6.4281, Lng: 3.4216}
	farPt    = geo.Point{Lat: 7.1000, Lng: 4.1000}
)

func activeRoute(id string, departure time.Time, price float64, stops []Stop) *Route {
	return &Route{
		ID:                id,
		DriverID:          "driver-" + id,
		OriginHubID:       "hub-1",
		DestinationHubID:  "hub-2",
		Stops:             stops,
		DepartureTime:     departure,
		SeatsTotal:        10,
		SeatsAvailable:    6,
		PricePerSeat:      price,
		Status:            RouteActive,
		DriverRating:      4.5,
		DriverRatingCount: 20,
	}
}

func coveringStops() []Stop {
	return []Stop{
		{ID: "stop-1", HubID: "hub-1", Sequence: 1, Location: originPt},
		{ID: "stop-2", HubID: "hub-2", Sequence: 2, Location: destPt},
	}
}

func matchEnv(t *testing.T) (Service, *MemoryRouteRepository, *mapCache) {
	t.Helper()
	repo := NewMemoryRouteRepository()
	cache := newMapCache()
	svc, err := NewService(repo, cache, DefaultServiceConfig())
	require.NoError(t, err)
	return svc, repo, cache
}

func matchRequest(desired time.Time) *MatchRequest {
	return &MatchRequest{
		RiderID:     "rider-1",
		Origin:      originPt,
		Destination: destPt,
		DesiredTime: desired,
	}
}

func TestMatchPrefilterAndRanking(t *testing.T) {
	svc, repo, _ := matchEnv(t)
	desired := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

	// full coverage, on time
	repo.AddRoute(activeRoute("route-exact", desired.Add(5*time.Minute), 1500, coveringStops()))
	// origin covered only
	repo.AddRoute(activeRoute("route-partial", desired.Add(10*time.Minute), 1200, []Stop{
		{ID: "stop-3", HubID: "hub-1", Sequence: 1, Location: originPt},
		{ID: "stop-4", HubID: "hub-3", Sequence: 2, Location: farPt},
	}))
	// nowhere near the trip: filtered out before scoring
	repo.AddRoute(activeRoute("route-remote", desired, 900, []Stop{
		{ID: "stop-5", HubID: "hub-3", Sequence: 1, Location: farPt},
	}))
	// inactive routes never surface
	closed := activeRoute("route-closed", desired, 1000, coveringStops())
	closed.Status = RouteInactive
	repo.AddRoute(closed)

	resp, err := svc.Match(context.Background(), matchRequest(desired))
	require.NoError(t, err)

	require.Len(t, resp.Results, 2)
	assert.Equal(t, "route-exact", resp.Results[0].RouteID)
	assert.Equal(t, "route-partial", resp.Results[1].RouteID)
	assert.True(t, resp.Results[0].Recommended)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 2, resp.Matched)
	assert.GreaterOrEqual(t, resp.ExecutionTimeMS, int64(0))

	assert.Equal(t, "stop-1", resp.Results[0].OriginStopID)
	assert.Equal(t, "stop-2", resp.Results[0].DestinationStopID)
}

func TestMatchAppliesDefaults(t *testing.T) {
	svc, repo, _ := matchEnv(t)
	desired := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	repo.AddRoute(activeRoute("route-1", desired, 1000, coveringStops()))

	req := matchRequest(desired)
	req.MinSeats = 0
	req.RadiusKm = 0
	resp, err := svc.Match(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, req.MinSeats)
	assert.Equal(t, 5.0, req.RadiusKm)
	assert.Len(t, resp.Results, 1)
}

func TestMatchFiltersByPriceAndSeats(t *testing.T) {
	svc, repo, _ := matchEnv(t)
	desired := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

	repo.AddRoute(activeRoute("route-cheap", desired, 800, coveringStops()))
	repo.AddRoute(activeRoute("route-dear", desired, 2000, coveringStops()))
	repo.SetSeatsAvailable("route-cheap", 2)

	maxPrice := 1000.0
	req := matchRequest(desired)
	req.MaxPrice = &maxPrice
	resp, err := svc.Match(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "route-cheap", resp.Results[0].RouteID)

	// asking for more seats than the cheap route has left
	req = matchRequest(desired)
	req.MaxPrice = &maxPrice
	req.MinSeats = 3
	resp, err = svc.Match(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestMatchFiltersByTravelDate(t *testing.T) {
	svc, repo, cache := matchEnv(t)
	desired := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

	repo.AddRoute(activeRoute("route-sep-01", desired, 1000, coveringStops()))
	repo.AddRoute(activeRoute("route-sep-02", desired.AddDate(0, 0, 1), 1000, coveringStops()))

	req := matchRequest(desired)
	req.TravelDate = "2026-09-01"
	resp, err := svc.Match(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "route-sep-01", resp.Results[0].RouteID)

	// same tuple on another day must not share cached results
	req = matchRequest(desired)
	req.TravelDate = "2026-09-02"
	resp, err = svc.Match(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "route-sep-02", resp.Results[0].RouteID)
	assert.Equal(t, 2, cache.sets)
}

func TestMatchValidation(t *testing.T) {
	svc, _, _ := matchEnv(t)
	desired := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

	req := matchRequest(desired)
	req.Origin.Lat = 123
	_, err := svc.Match(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = matchRequest(time.Time{})
	_, err = svc.Match(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	bad := -5.0
	req = matchRequest(desired)
	req.MaxPrice = &bad
	_, err = svc.Match(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = matchRequest(desired)
	req.TravelDate = "01-09-2026"
	_, err = svc.Match(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMatchServesFromCache(t *testing.T) {
	svc, repo, cache := matchEnv(t)
	desired := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	repo.AddRoute(activeRoute("route-1", desired, 1000, coveringStops()))

	first, err := svc.Match(context.Background(), matchRequest(desired))
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, cache.sets)

	second, err := svc.Match(context.Background(), matchRequest(desired))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, cache.sets, "cache hit must not re-run the pipeline")
	require.Len(t, second.Results, 1)
	assert.Equal(t, first.Results[0].RouteID, second.Results[0].RouteID)

	// a different tuple misses the cache
	req := matchRequest(desired.Add(10 * time.Minute))
	_, err = svc.Match(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.sets)
}

func TestValidateRouteForBooking(t *testing.T) {
	svc, repo, _ := matchEnv(t)
	departure := time.Now().UTC().Add(30 * time.Hour)
	repo.AddRoute(activeRoute("route-1", departure, 500, coveringStops()))

	quote, err := svc.ValidateRouteForBooking(context.Background(), "route-1", "2026-09-01", 2)
	require.NoError(t, err)
	assert.Equal(t, "driver-route-1", quote.DriverID)
	assert.Equal(t, 500.0, quote.PricePerSeat)
	assert.Equal(t, 10, quote.SeatsTotal)

	_, err = svc.ValidateRouteForBooking(context.Background(), "missing", "2026-09-01", 2)
	assert.ErrorIs(t, err, ErrRouteNotFound)

	_, err = svc.ValidateRouteForBooking(context.Background(), "route-1", "2026-09-01", 7)
	assert.ErrorIs(t, err, ErrNotEnoughSeats)

	closed := activeRoute("route-closed", departure, 500, coveringStops())
	closed.Status = RouteCancelled
	repo.AddRoute(closed)
	_, err = svc.ValidateRouteForBooking(context.Background(), "route-closed", "2026-09-01", 1)
	assert.ErrorIs(t, err, ErrRouteNotActive)

	departed := activeRoute("route-departed", time.Now().UTC().Add(-time.Hour), 500, coveringStops())
	repo.AddRoute(departed)
	_, err = svc.ValidateRouteForBooking(context.Background(), "route-departed", "2026-09-01", 1)
	assert.ErrorIs(t, err, ErrRouteDeparted)
}

func TestSeatsTotal(t *testing.T) {
	svc, repo, _ := matchEnv(t)
	repo.AddRoute(activeRoute("route-1", time.Now().UTC().Add(time.Hour), 500, coveringStops()))

	total, err := svc.SeatsTotal(context.Background(), "route-1")
	require.NoError(t, err)
	assert.Equal(t, 10, total)
}
