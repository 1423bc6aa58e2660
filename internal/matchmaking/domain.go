// Package matchmaking finds and ranks active routes for a rider's trip
// request, and prices routes authoritatively for the booking core.
package matchmaking

import (
	"time"

	"github.com/davidx345/openride-backend-sub002/internal/geo"
)

// RouteStatus is the publishable lifecycle state of a route
type RouteStatus string

const (
	RouteActive    RouteStatus = "ACTIVE"
	RouteInactive  RouteStatus = "INACTIVE"
	RouteCancelled RouteStatus = "CANCELLED"
)

// Stop is one ordered stop on a route, referencing a hub's location
type Stop struct {
	ID       string    `json:"id"`
	HubID    string    `json:"hub_id"`
	HubName  string    `json:"hub_name,omitempty"`
	Sequence int       `json:"sequence"`
	Location geo.Point `json:"location"`
}

// Route is a driver's published route with its ordered stops
type Route struct {
	ID                string      `json:"id"`
	DriverID          string      `json:"driver_id"`
	VehicleID         string      `json:"vehicle_id,omitempty"`
	OriginHubID       string      `json:"origin_hub_id"`
	DestinationHubID  string      `json:"destination_hub_id"`
	Stops             []Stop      `json:"stops"`
	DepartureTime     time.Time   `json:"departure_time"`
	SeatsTotal        int         `json:"seats_total"`
	SeatsAvailable    int         `json:"seats_available"`
	PricePerSeat      float64     `json:"price_per_seat"`
	Status            RouteStatus `json:"status"`
	DriverRating      float64     `json:"driver_rating"`
	DriverRatingCount int         `json:"driver_rating_count"`
	DriverCancelRate  float64     `json:"driver_cancel_rate"`
}

// MatchRequest is the rider's trip query. Zero MinSeats means 1; zero
// RadiusKm means the configured default. A TravelDate (YYYY-MM-DD, UTC)
// restricts candidates to routes departing that day.
type MatchRequest struct {
	RiderID     string    `json:"-"`
	Origin      geo.Point `json:"origin" binding:"required"`
	Destination geo.Point `json:"destination" binding:"required"`
	DesiredTime time.Time `json:"desired_time" binding:"required"`
	MaxPrice    *float64  `json:"max_price,omitempty"`
	MinSeats    int       `json:"min_seats,omitempty"`
	RadiusKm    float64   `json:"radius_km,omitempty"`
	TravelDate  string    `json:"travel_date,omitempty"`
}

// Candidate is a prefiltered route annotated with which trip ends its stops
// cover, in stop order
type Candidate struct {
	Route              *Route
	OriginCovered      bool
	DestinationCovered bool
	// InOrder means the origin-side stop precedes the destination-side stop
	InOrder      bool
	OriginStopID string
	DestStopID   string
	OriginDistKm float64
	DestDistKm   float64
}

// SubScores are the four scoring components, each in [0, 1]
type SubScores struct {
	RouteMatch float64 `json:"route_match"`
	TimeMatch  float64 `json:"time_match"`
	Rating     float64 `json:"rating"`
	Price      float64 `json:"price"`
}

// MatchResult is one ranked candidate in the response
type MatchResult struct {
	RouteID           string    `json:"route_id"`
	DriverID          string    `json:"driver_id"`
	OriginStopID      string    `json:"origin_stop_id,omitempty"`
	DestinationStopID string    `json:"destination_stop_id,omitempty"`
	DepartureTime     time.Time `json:"departure_time"`
	PricePerSeat      float64   `json:"price_per_seat"`
	SeatsAvailable    int       `json:"seats_available"`
	DriverRating      float64   `json:"driver_rating"`
	Score             float64   `json:"score"`
	SubScores         SubScores `json:"sub_scores"`
	Explanation       string    `json:"explanation"`
	Recommended       bool      `json:"recommended"`
}

// MatchResponse is the full ranked answer for one request
type MatchResponse struct {
	Results         []*MatchResult `json:"results"`
	Total           int            `json:"total"`
	Matched         int            `json:"matched"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
	Cached          bool           `json:"cached,omitempty"`
}
