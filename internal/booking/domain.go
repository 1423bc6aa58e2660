// Package booking owns the booking entity and its ten-state lifecycle, from
// seat allocation and Redis-backed holds through payment confirmation,
// check-in and completion.
package booking

import (
	"crypto/rand"
	"math"
	"time"

	"github.com/davidx345/openride-backend-sub002/internal/statemachine"
)

// Status is the booking lifecycle state
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusHeld             Status = "HELD"
	StatusPaymentInitiated Status = "PAYMENT_INITIATED"
	StatusPaid             Status = "PAID"
	StatusConfirmed        Status = "CONFIRMED"
	StatusCheckedIn        Status = "CHECKED_IN"
	StatusCompleted        Status = "COMPLETED"
	StatusCancelled        Status = "CANCELLED"
	StatusExpired          Status = "EXPIRED"
	StatusFailed           Status = "FAILED"
)

// Transitions is the authoritative booking state table. States absent from
// the map are terminal.
var Transitions = statemachine.Table[Status]{
	StatusPending:          {StatusHeld, StatusExpired, StatusFailed},
	StatusHeld:             {StatusPaymentInitiated, StatusExpired, StatusCancelled},
	StatusPaymentInitiated: {StatusPaid, StatusFailed, StatusCancelled},
	StatusPaid:             {StatusConfirmed, StatusFailed},
	StatusConfirmed:        {StatusCheckedIn, StatusCancelled},
	StatusCheckedIn:        {StatusCompleted, StatusCancelled},
}

// RefundStatus tracks the refund owed after a cancellation
type RefundStatus string

const (
	RefundNone      RefundStatus = "NONE"
	RefundPending   RefundStatus = "PENDING"
	RefundProcessed RefundStatus = "PROCESSED"
)

// Booking is a rider's reservation of seats on a route for one travel date
type Booking struct {
	ID                 string       `json:"id"`
	Reference          string       `json:"reference"`
	RiderID            string       `json:"rider_id"`
	RouteID            string       `json:"route_id"`
	DriverID           string       `json:"driver_id"`
	OriginStopID       string       `json:"origin_stop_id"`
	DestinationStopID  string       `json:"destination_stop_id"`
	TravelDate         string       `json:"travel_date"`
	DepartureTime      time.Time    `json:"departure_time"`
	SeatsBooked        int          `json:"seats_booked"`
	SeatNumbers        []int        `json:"seat_numbers"`
	PricePerSeat       float64      `json:"price_per_seat"`
	TotalPrice         float64      `json:"total_price"`
	PlatformFee        float64      `json:"platform_fee"`
	Status             Status       `json:"status"`
	PaymentID          string       `json:"payment_id,omitempty"`
	PaymentStatus      string       `json:"payment_status,omitempty"`
	IdempotencyKey     string       `json:"-"`
	ExpiresAt          *time.Time   `json:"expires_at,omitempty"`
	ConfirmedAt        *time.Time   `json:"confirmed_at,omitempty"`
	CancelledAt        *time.Time   `json:"cancelled_at,omitempty"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
	CancellationReason string       `json:"cancellation_reason,omitempty"`
	RefundAmount       float64      `json:"refund_amount,omitempty"`
	RefundStatus       RefundStatus `json:"refund_status,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// BelongsTo reports whether the booking is owned by the given rider
func (b *Booking) BelongsTo(riderID string) bool {
	return b.RiderID == riderID
}

// IsTerminal reports whether the booking can no longer change state
func (b *Booking) IsTerminal() bool {
	return Transitions.Terminal(b.Status)
}

// HoldExpired reports whether the hold window has passed
func (b *Booking) HoldExpired(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// HasLiveHold reports whether the booking is in a state that still owns a
// seat hold
func (b *Booking) HasLiveHold() bool {
	switch b.Status {
	case StatusPending, StatusHeld, StatusPaymentInitiated:
		return true
	}
	return false
}

// RefundPolicy is the time-tiered cancellation refund schedule
type RefundPolicy struct {
	FullRefundHours    float64
	PartialRefundHours float64
	PartialRefundPct   float64
}

// DefaultRefundPolicy returns the standard schedule: full refund 24h out,
// half refund 6h out, nothing after that.
func DefaultRefundPolicy() RefundPolicy {
	return RefundPolicy{
		FullRefundHours:    24,
		PartialRefundHours: 6,
		PartialRefundPct:   0.50,
	}
}

// RefundFor computes the refund owed when cancelling at now
func (p RefundPolicy) RefundFor(total float64, departure, now time.Time) float64 {
	hoursUntil := departure.Sub(now).Hours()
	switch {
	case hoursUntil >= p.FullRefundHours:
		return roundMoney(total)
	case hoursUntil >= p.PartialRefundHours:
		return roundMoney(total * p.PartialRefundPct)
	default:
		return 0
	}
}

// roundMoney rounds half-up to 2 decimal places
func roundMoney(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}

const referenceAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewReference generates a display reference like RB-7K2M9QXA. The alphabet
// skips ambiguous characters (0/O, 1/I).
func NewReference() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// timestamp fallback keeps references unique enough for display
		for i := range b {
			b[i] = byte(time.Now().UnixNano() >> (i * 8))
		}
	}
	out := make([]byte, 8)
	for i, c := range b {
		out[i] = referenceAlphabet[int(c)%len(referenceAlphabet)]
	}
	return "RB-" + string(out)
}
