// Package ticketing issues signed ride tickets on booking confirmation,
// batches their hashes into Merkle trees, anchors the roots on chain and
// verifies presented tickets.
package ticketing

import "time"

// TicketStatus is the ticket lifecycle state
type TicketStatus string

const (
	TicketActive    TicketStatus = "ACTIVE"
	TicketUsed      TicketStatus = "USED"
	TicketCancelled TicketStatus = "CANCELLED"
	TicketRevoked   TicketStatus = "REVOKED"
	TicketExpired   TicketStatus = "EXPIRED"
)

// Ticket is one signed ride entitlement
type Ticket struct {
	ID        string       `json:"id"`
	BookingID string       `json:"booking_id"`
	RiderID   string       `json:"rider_id"`
	DriverID  string       `json:"driver_id"`
	Body      string       `json:"body"`
	Hash      string       `json:"hash"`
	Signature string       `json:"signature"`
	Status    TicketStatus `json:"status"`
	BatchID   string       `json:"batch_id,omitempty"`
	IssuedAt  time.Time    `json:"issued_at"`
	ExpiresAt time.Time    `json:"expires_at"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TicketBody is the canonical signed payload. Field names are the canonical
// JSON keys; timestamps are UTC RFC-3339.
type TicketBody struct {
	TicketID      string  `json:"ticket_id"`
	BookingID     string  `json:"booking_id"`
	RiderID       string  `json:"rider_id"`
	DriverID      string  `json:"driver_id"`
	VehicleID     string  `json:"vehicle_id"`
	RideType      string  `json:"ride_type"`
	ScheduledTime string  `json:"scheduled_time"`
	Pickup        string  `json:"pickup"`
	Dropoff       string  `json:"dropoff"`
	Fare          float64 `json:"fare"`
	PaymentID     string  `json:"payment_id"`
}

// BatchStatus is the Merkle batch lifecycle state
type BatchStatus string

const (
	BatchPending  BatchStatus = "PENDING"
	BatchReady    BatchStatus = "READY"
	BatchBuilding BatchStatus = "BUILDING"
	BatchAnchored BatchStatus = "ANCHORED"
	BatchFailed   BatchStatus = "FAILED"
)

// MerkleBatch accumulates ticket hashes until it is built and anchored
type MerkleBatch struct {
	ID          string      `json:"id"`
	Status      BatchStatus `json:"status"`
	TicketCount int         `json:"ticket_count"`
	MerkleRoot  string      `json:"merkle_root,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// StoredProof is a persisted per-leaf Merkle proof
type StoredProof struct {
	TicketID  string      `json:"ticket_id"`
	BatchID   string      `json:"batch_id"`
	LeafIndex int         `json:"leaf_index"`
	Path      []ProofStep `json:"path"`
}

// AnchorStatus is the chain anchor lifecycle state
type AnchorStatus string

const (
	AnchorPending   AnchorStatus = "PENDING"
	AnchorSubmitted AnchorStatus = "SUBMITTED"
	AnchorConfirmed AnchorStatus = "CONFIRMED"
	AnchorFailed    AnchorStatus = "FAILED"
)

// Anchor records one batch root submission to the chain
type Anchor struct {
	ID            string       `json:"id"`
	BatchID       string       `json:"batch_id"`
	ChainID       int64        `json:"chain_id"`
	TxHash        string       `json:"tx_hash,omitempty"`
	BlockNumber   uint64       `json:"block_number,omitempty"`
	Confirmations uint64       `json:"confirmations"`
	Status        AnchorStatus `json:"status"`
	GasCost       string       `json:"gas_cost,omitempty"`
	RetryCount    int          `json:"retry_count"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// VerificationResult classifies the outcome of a ticket verification
type VerificationResult string

const (
	VerifyValid    VerificationResult = "VALID"
	VerifyInvalid  VerificationResult = "INVALID"
	VerifyExpired  VerificationResult = "EXPIRED"
	VerifyRevoked  VerificationResult = "REVOKED"
	VerifyNotFound VerificationResult = "NOT_FOUND"
)

// VerificationMethod names the deepest check that decided the outcome
type VerificationMethod string

const (
	MethodDatabase    VerificationMethod = "DATABASE"
	MethodSignature   VerificationMethod = "SIGNATURE"
	MethodMerkleProof VerificationMethod = "MERKLE_PROOF"
)

// VerificationLog is one append-only verification record
type VerificationLog struct {
	ID         string             `json:"id"`
	TicketID   string             `json:"ticket_id"`
	Method     VerificationMethod `json:"method"`
	VerifierID string             `json:"verifier_id"`
	Result     VerificationResult `json:"result"`
	IPAddress  string             `json:"ip_address,omitempty"`
	UserAgent  string             `json:"user_agent,omitempty"`
	Notes      string             `json:"notes,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// VerifyRequest is a presented ticket plus the verifier's context
type VerifyRequest struct {
	TicketID         string `json:"ticket_id" binding:"required"`
	ExpectedDriverID string `json:"expected_driver_id,omitempty"`
	VerifierID       string `json:"-"`
	IPAddress        string `json:"-"`
	UserAgent        string `json:"-"`
}

// VerifyResponse reports the verification outcome and the checks performed
type VerifyResponse struct {
	Result      VerificationResult `json:"result"`
	Method      VerificationMethod `json:"method"`
	TicketID    string             `json:"ticket_id"`
	Notes       string             `json:"notes,omitempty"`
	MerkleProof bool               `json:"merkle_proof_checked"`
}
