// Package payment owns the payment entity, the gateway adapter, webhook
// settlement and reconciliation against gateway records.
package payment

import (
	"time"

	"github.com/davidx345/openride-backend-sub002/internal/statemachine"
)

// Status is the payment lifecycle state
type Status string

const (
	StatusInitiated Status = "INITIATED"
	StatusPending   Status = "PENDING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
	StatusCompleted Status = "COMPLETED"
)

// Transitions is the authoritative payment state table
var Transitions = statemachine.Table[Status]{
	StatusInitiated: {StatusPending, StatusFailed},
	StatusPending:   {StatusSuccess, StatusFailed},
	StatusSuccess:   {StatusRefunded, StatusCompleted},
}

// Payment is one charge attempt against a booking. At most one payment in a
// non-terminal state exists per booking.
type Payment struct {
	ID               string     `json:"id"`
	BookingID        string     `json:"booking_id"`
	RiderID          string     `json:"rider_id"`
	Amount           float64    `json:"amount"`
	Currency         string     `json:"currency"`
	Status           Status     `json:"status"`
	Method           string     `json:"method,omitempty"`
	GatewayReference string     `json:"gateway_reference"`
	GatewayTxnID     string     `json:"gateway_transaction_id,omitempty"`
	CheckoutURL      string     `json:"checkout_url,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	RefundAmount     float64    `json:"refund_amount,omitempty"`
	RefundReason     string     `json:"refund_reason,omitempty"`
	IdempotencyKey   string     `json:"-"`
	InitiatedAt      time.Time  `json:"initiated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the payment can no longer change state
func (p *Payment) IsTerminal() bool {
	return Transitions.Terminal(p.Status)
}

// IsActive reports whether the payment occupies the booking's payment slot
func (p *Payment) IsActive() bool {
	switch p.Status {
	case StatusInitiated, StatusPending, StatusSuccess:
		return true
	}
	return false
}

// Expired reports whether the payment window has passed
func (p *Payment) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// Event is one append-only payment audit row
type Event struct {
	ID        string                 `json:"id"`
	PaymentID string                 `json:"payment_id"`
	EventType string                 `json:"event_type"`
	OldStatus string                 `json:"old_status,omitempty"`
	NewStatus string                 `json:"new_status,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ReconciliationStatus marks how a day's comparison against the gateway ended
type ReconciliationStatus string

const (
	ReconciliationMatched     ReconciliationStatus = "MATCHED"
	ReconciliationDiscrepancy ReconciliationStatus = "DISCREPANCY"
)

// Discrepancy is one local/gateway mismatch found during reconciliation
type Discrepancy struct {
	GatewayReference string  `json:"gateway_reference"`
	LocalStatus      string  `json:"local_status,omitempty"`
	GatewayStatus    string  `json:"gateway_status,omitempty"`
	LocalAmount      float64 `json:"local_amount,omitempty"`
	GatewayAmount    float64 `json:"gateway_amount,omitempty"`
	Detail           string  `json:"detail"`
}

// ReconciliationRecord is the stored outcome of one reconciliation run
type ReconciliationRecord struct {
	ID            string               `json:"id"`
	Date          string               `json:"date"`
	Status        ReconciliationStatus `json:"status"`
	LocalCount    int                  `json:"local_count"`
	GatewayCount  int                  `json:"gateway_count"`
	Discrepancies []Discrepancy        `json:"discrepancies,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}
