package matchmaking

import "errors"

// Domain errors
var (
	ErrRouteNotFound  = errors.New("route not found")
	ErrRouteNotActive = errors.New("route is not open for booking")
	ErrNotEnoughSeats = errors.New("route does not have enough seats available")
	ErrInvalidRequest = errors.New("invalid match request")
	ErrInvalidWeights = errors.New("score weights must sum to 1.0")
	ErrRouteDeparted  = errors.New("route has already departed")
)

// IsNotFound reports whether err is a missing-route error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRouteNotFound)
}

// IsValidation reports whether err is a request validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// IsConflict reports whether err is a route-state conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrRouteNotActive) ||
		errors.Is(err, ErrNotEnoughSeats) ||
		errors.Is(err, ErrRouteDeparted)
}
