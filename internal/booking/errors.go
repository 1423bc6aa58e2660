package booking

import "errors"

// Domain errors
var (
	ErrBookingNotFound  = errors.New("booking not found")
	ErrBookingExpired   = errors.New("booking has expired")
	ErrNotOwner         = errors.New("booking does not belong to this rider")
	ErrNotCancellable   = errors.New("booking cannot be cancelled in its current state")
	ErrSeatHoldFailed   = errors.New("seat hold failed")
	ErrNotEnoughSeats   = errors.New("not enough seats available")
	ErrRouteNotBookable = errors.New("route is not available for booking")
	ErrInvalidSeatCount = errors.New("seats requested out of range")
	ErrInvalidRequest   = errors.New("invalid booking request")
	ErrCreationInFlight = errors.New("booking creation already in progress")
)

// IsNotFound reports whether err is a missing-booking error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBookingNotFound)
}

// IsValidation reports whether err is a request validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidSeatCount) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrRouteNotBookable)
}

// IsConflict reports whether err is a seat or state conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrSeatHoldFailed) ||
		errors.Is(err, ErrNotEnoughSeats) ||
		errors.Is(err, ErrNotCancellable) ||
		errors.Is(err, ErrCreationInFlight)
}

// IsForbidden reports whether err is an ownership violation
func IsForbidden(err error) bool {
	return errors.Is(err, ErrNotOwner)
}
