package ticketing

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidx345/openride-backend-sub002/internal/eventbus"
	"github.com/davidx345/openride-backend-sub002/internal/lock"
	"github.com/davidx345/openride-backend-sub002/internal/metrics"
	"github.com/davidx345/openride-backend-sub002/pkg/logger"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

// batchLockName serializes pending-batch assignment across instances
const batchLockName = "ticketing:batch"

// Subscriber registers event handlers; both the in-process bus and the Kafka
// consumer satisfy it
type Subscriber interface {
	Subscribe(eventType string, h eventbus.Handler)
}

// IssueTicketInput carries everything that goes into the signed ticket body
type IssueTicketInput struct {
	BookingID     string    `json:"booking_id" binding:"required"`
	RiderID       string    `json:"rider_id" binding:"required"`
	DriverID      string    `json:"driver_id" binding:"required"`
	VehicleID     string    `json:"vehicle_id,omitempty"`
	RideType      string    `json:"ride_type,omitempty"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Pickup        string    `json:"pickup,omitempty"`
	Dropoff       string    `json:"dropoff,omitempty"`
	Fare          float64   `json:"fare"`
	PaymentID     string    `json:"payment_id,omitempty"`
}

// MerkleProofResponse is a ticket's proof plus the anchored root it binds to
type MerkleProofResponse struct {
	TicketID      string      `json:"ticket_id"`
	BatchID       string      `json:"batch_id"`
	LeafIndex     int         `json:"leaf_index"`
	LeafHash      string      `json:"leaf_hash"`
	Path          []ProofStep `json:"path"`
	MerkleRoot    string      `json:"merkle_root"`
	BatchStatus   BatchStatus `json:"batch_status"`
	TxHash        string      `json:"tx_hash,omitempty"`
	Confirmations uint64      `json:"confirmations,omitempty"`
}

// Service is the ticketing core
type Service interface {
	// IssueTicket signs a ticket for a confirmed booking and queues its hash
	// for the next Merkle batch. Issuing twice for one booking returns the
	// existing ticket.
	IssueTicket(ctx context.Context, in *IssueTicketInput) (*Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (*Ticket, error)
	GetTicketByBooking(ctx context.Context, bookingID string) (*Ticket, error)

	// VerifyTicket runs the verification chain: existence, status, expiry,
	// signature, hash, Merkle proof against the anchored root, then driver
	// context. Every call is logged regardless of outcome.
	VerifyTicket(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error)
	CancelTicket(ctx context.Context, ticketID string) (*Ticket, error)
	GetMerkleProof(ctx context.Context, ticketID string) (*MerkleProofResponse, error)
	Verifications(ctx context.Context, ticketID string, limit int) ([]*VerificationLog, error)
	PublicKeyHex() string

	// Scheduler jobs
	SealStaleBatches(ctx context.Context, olderThan time.Duration) (int, error)
	BuildBatches(ctx context.Context, limit int) (int, error)
	PollAnchors(ctx context.Context, limit int) (int, error)

	// RegisterHandlers subscribes the issue-on-confirm consumer
	RegisterHandlers(sub Subscriber)
}

// ServiceConfig tunes issuance, batching and anchoring
type ServiceConfig struct {
	TicketTTL        time.Duration // validity past the scheduled departure
	BatchSize        int
	Confirmations    uint64
	MaxAnchorRetries int
}

// DefaultServiceConfig returns the standard ticketing configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		TicketTTL:        24 * time.Hour,
		BatchSize:        100,
		Confirmations:    12,
		MaxAnchorRetries: 3,
	}
}

type service struct {
	repo      Repository
	signer    *Signer
	anchorer  ChainAnchor // nil when anchoring is disabled
	locks     lock.Service
	publisher eventbus.Publisher
	cfg       ServiceConfig
	log       *logger.Logger
}

var _ Service = (*service)(nil)

// NewService wires the ticketing core. anchorer may be nil; batches are then
// finalized locally against the stored root.
func NewService(
	repo Repository,
	signer *Signer,
	anchorer ChainAnchor,
	locks lock.Service,
	publisher eventbus.Publisher,
	cfg ServiceConfig,
) Service {
	if cfg.TicketTTL <= 0 {
		cfg.TicketTTL = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > 100 {
		cfg.BatchSize = 100
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 12
	}
	if cfg.MaxAnchorRetries <= 0 {
		cfg.MaxAnchorRetries = 3
	}
	return &service{
		repo:      repo,
		signer:    signer,
		anchorer:  anchorer,
		locks:     locks,
		publisher: publisher,
		cfg:       cfg,
		log:       logger.Get(),
	}
}

func (s *service) IssueTicket(ctx context.Context, in *IssueTicketInput) (*Ticket, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.ticket.issue")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", in.BookingID))

	if in.BookingID == "" || in.RiderID == "" || in.DriverID == "" {
		return nil, fmt.Errorf("%w: booking_id, rider_id and driver_id are required", ErrInvalidTicket)
	}

	if existing, err := s.repo.GetTicketByBooking(ctx, in.BookingID); err == nil {
		span.SetAttributes(attribute.Bool("idempotent_replay", true))
		span.SetStatus(codes.Ok, "")
		return existing, nil
	}

	now := time.Now().UTC()
	ticketID := newID()

	scheduled := in.ScheduledTime.UTC()
	if scheduled.IsZero() {
		scheduled = now
	}

	body := TicketBody{
		TicketID:      ticketID,
		BookingID:     in.BookingID,
		RiderID:       in.RiderID,
		DriverID:      in.DriverID,
		VehicleID:     in.VehicleID,
		RideType:      in.RideType,
		ScheduledTime: scheduled.Format(time.RFC3339),
		Pickup:        in.Pickup,
		Dropoff:       in.Dropoff,
		Fare:          in.Fare,
		PaymentID:     in.PaymentID,
	}
	canonical, err := CanonicalJSON(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "canonicalization failed")
		return nil, fmt.Errorf("failed to canonicalize ticket body: %w", err)
	}
	hash := HashBody(canonical)
	signature, err := s.signer.Sign(hash)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "signing failed")
		return nil, err
	}

	ticket := &Ticket{
		ID:        ticketID,
		BookingID: in.BookingID,
		RiderID:   in.RiderID,
		DriverID:  in.DriverID,
		Body:      string(canonical),
		Hash:      hex.EncodeToString(hash),
		Signature: signature,
		Status:    TicketActive,
		IssuedAt:  now,
		ExpiresAt: scheduled.Add(s.cfg.TicketTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateTicket(ctx, ticket); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to persist ticket: %w", err)
	}

	if err := s.enqueueForBatch(ctx, ticket.ID); err != nil {
		// the ticket is valid without a batch; the sealer picks up strays
		s.log.Warn("Failed to enqueue ticket for batching",
			"ticket_id", ticket.ID, "error", err)
	}

	s.publishIssued(ctx, ticket)
	if metrics.TicketsIssued != nil {
		metrics.TicketsIssued.Inc(ctx)
	}
	s.log.Info("Ticket issued",
		"ticket_id", ticket.ID, "booking_id", ticket.BookingID, "batch_id", ticket.BatchID)

	span.SetStatus(codes.Ok, "")
	return ticket, nil
}

// enqueueForBatch assigns the ticket to the open PENDING batch under a
// distributed lock so two instances never split the count
func (s *service) enqueueForBatch(ctx context.Context, ticketID string) error {
	return s.locks.WithLock(ctx, batchLockName, 5*time.Second, 10*time.Second, func(ctx context.Context) error {
		batch, err := s.repo.PendingBatch(ctx)
		if err != nil {
			return fmt.Errorf("failed to open pending batch: %w", err)
		}
		if _, err := s.repo.AddTicketToBatch(ctx, ticketID, batch.ID, s.cfg.BatchSize); err != nil {
			return fmt.Errorf("failed to assign ticket to batch: %w", err)
		}
		return nil
	})
}

func (s *service) GetTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	return s.repo.GetTicket(ctx, ticketID)
}

func (s *service) GetTicketByBooking(ctx context.Context, bookingID string) (*Ticket, error) {
	return s.repo.GetTicketByBooking(ctx, bookingID)
}

func (s *service) VerifyTicket(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.ticket.verify")
	defer span.End()
	span.SetAttributes(attribute.String("ticket_id", req.TicketID))

	ticket, err := s.repo.GetTicket(ctx, req.TicketID)
	if err != nil {
		if IsNotFound(err) {
			return s.conclude(ctx, req, nil, VerifyNotFound, MethodDatabase, false, "ticket does not exist"), nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	switch ticket.Status {
	case TicketRevoked:
		return s.conclude(ctx, req, ticket, VerifyRevoked, MethodDatabase, false, "ticket revoked"), nil
	case TicketCancelled:
		return s.conclude(ctx, req, ticket, VerifyRevoked, MethodDatabase, false, "ticket cancelled"), nil
	case TicketExpired:
		return s.conclude(ctx, req, ticket, VerifyExpired, MethodDatabase, false, "ticket expired"), nil
	}

	if time.Now().UTC().After(ticket.ExpiresAt) {
		// lazy expiry: the row flips on first verification past the deadline
		if err := s.repo.UpdateTicketStatus(ctx, ticket.ID, TicketExpired); err != nil {
			s.log.Warn("Failed to mark ticket expired", "ticket_id", ticket.ID, "error", err)
		}
		return s.conclude(ctx, req, ticket, VerifyExpired, MethodDatabase, false, "ticket expired"), nil
	}

	canonical := []byte(ticket.Body)
	hash := HashBody(canonical)
	if hex.EncodeToString(hash) != ticket.Hash {
		return s.conclude(ctx, req, ticket, VerifyInvalid, MethodSignature, false, "body hash mismatch"), nil
	}
	if !s.signer.Verify(hash, ticket.Signature) {
		return s.conclude(ctx, req, ticket, VerifyInvalid, MethodSignature, false, "signature verification failed"), nil
	}

	method := MethodSignature
	proofChecked := false
	if proof, err := s.repo.GetProof(ctx, ticket.ID); err == nil {
		batch, berr := s.repo.GetBatch(ctx, proof.BatchID)
		if berr == nil && batch.Status == BatchAnchored && batch.MerkleRoot != "" {
			proofChecked = true
			method = MethodMerkleProof
			if !VerifyMerkleProof(hash, proof.Path, batch.MerkleRoot) {
				return s.conclude(ctx, req, ticket, VerifyInvalid, MethodMerkleProof, true, "merkle proof does not bind to anchored root"), nil
			}
		}
	}

	if req.ExpectedDriverID != "" && req.ExpectedDriverID != ticket.DriverID {
		return s.conclude(ctx, req, ticket, VerifyInvalid, method, proofChecked, "ticket belongs to a different driver"), nil
	}

	span.SetStatus(codes.Ok, "")
	return s.conclude(ctx, req, ticket, VerifyValid, method, proofChecked, ""), nil
}

// conclude writes the verification log and builds the response
func (s *service) conclude(
	ctx context.Context,
	req *VerifyRequest,
	ticket *Ticket,
	result VerificationResult,
	method VerificationMethod,
	proofChecked bool,
	notes string,
) *VerifyResponse {
	entry := &VerificationLog{
		ID:         newID(),
		TicketID:   req.TicketID,
		Method:     method,
		VerifierID: req.VerifierID,
		Result:     result,
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
		Notes:      notes,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.AddVerification(ctx, entry); err != nil {
		s.log.Error("Failed to record verification",
			"ticket_id", req.TicketID, "result", result, "error", err)
	}
	if metrics.TicketsVerified != nil {
		metrics.TicketsVerified.Inc(ctx, attribute.String("result", string(result)))
	}
	return &VerifyResponse{
		Result:      result,
		Method:      method,
		TicketID:    req.TicketID,
		Notes:       notes,
		MerkleProof: proofChecked,
	}
}

func (s *service) CancelTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.ticket.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("ticket_id", ticketID))

	ticket, err := s.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status != TicketActive {
		return nil, fmt.Errorf("%w: ticket is %s", ErrNotCancellable, ticket.Status)
	}
	if err := s.repo.UpdateTicketStatus(ctx, ticketID, TicketCancelled); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	ticket.Status = TicketCancelled
	s.log.Info("Ticket cancelled", "ticket_id", ticketID, "booking_id", ticket.BookingID)
	span.SetStatus(codes.Ok, "")
	return ticket, nil
}

func (s *service) GetMerkleProof(ctx context.Context, ticketID string) (*MerkleProofResponse, error) {
	ticket, err := s.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	proof, err := s.repo.GetProof(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	batch, err := s.repo.GetBatch(ctx, proof.BatchID)
	if err != nil {
		return nil, err
	}

	out := &MerkleProofResponse{
		TicketID:    ticketID,
		BatchID:     proof.BatchID,
		LeafIndex:   proof.LeafIndex,
		LeafHash:    ticket.Hash,
		Path:        proof.Path,
		MerkleRoot:  batch.MerkleRoot,
		BatchStatus: batch.Status,
	}
	if anchor, err := s.repo.GetAnchorByBatch(ctx, proof.BatchID); err == nil {
		out.TxHash = anchor.TxHash
		out.Confirmations = anchor.Confirmations
	}
	return out, nil
}

func (s *service) Verifications(ctx context.Context, ticketID string, limit int) ([]*VerificationLog, error) {
	if _, err := s.repo.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	return s.repo.VerificationsForTicket(ctx, ticketID, limit)
}

func (s *service) PublicKeyHex() string {
	return s.signer.PublicKeyHex()
}

// SealStaleBatches promotes PENDING batches with at least one ticket that have
// been open longer than olderThan, so quiet periods still anchor
func (s *service) SealStaleBatches(ctx context.Context, olderThan time.Duration) (int, error) {
	batches, err := s.repo.BatchesByStatus(ctx, BatchPending, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending batches: %w", err)
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	sealed := 0
	for _, b := range batches {
		if b.TicketCount == 0 || b.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.repo.SetBatchStatus(ctx, b.ID, BatchReady); err != nil {
			s.log.Error("Failed to seal batch", "batch_id", b.ID, "error", err)
			continue
		}
		sealed++
	}
	return sealed, nil
}

// BuildBatches turns READY batches into Merkle trees, persists the root and
// per-leaf proofs, and submits the root to the chain
func (s *service) BuildBatches(ctx context.Context, limit int) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.ticket.build_batches")
	defer span.End()

	batches, err := s.repo.BatchesByStatus(ctx, BatchReady, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to list ready batches: %w", err)
	}

	built := 0
	for _, batch := range batches {
		if err := s.buildBatch(ctx, batch); err != nil {
			s.log.Error("Failed to build merkle batch", "batch_id", batch.ID, "error", err)
			continue
		}
		built++
	}
	span.SetAttributes(attribute.Int("batches_built", built))
	span.SetStatus(codes.Ok, "")
	return built, nil
}

func (s *service) buildBatch(ctx context.Context, batch *MerkleBatch) error {
	if err := s.repo.SetBatchStatus(ctx, batch.ID, BatchBuilding); err != nil {
		return err
	}

	tickets, err := s.repo.TicketsInBatch(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("failed to load batch tickets: %w", err)
	}
	if len(tickets) == 0 {
		return s.repo.SetBatchStatus(ctx, batch.ID, BatchFailed)
	}

	leaves := make([][]byte, len(tickets))
	for i, t := range tickets {
		leaf, err := hex.DecodeString(t.Hash)
		if err != nil {
			return fmt.Errorf("corrupt ticket hash on %s: %w", t.ID, err)
		}
		leaves[i] = leaf
	}
	tree, err := BuildMerkleTree(leaves)
	if err != nil {
		return err
	}
	root := tree.Root()

	proofs := make([]*StoredProof, len(tickets))
	for i, t := range tickets {
		path, err := tree.Proof(i)
		if err != nil {
			return err
		}
		proofs[i] = &StoredProof{TicketID: t.ID, BatchID: batch.ID, LeafIndex: i, Path: path}
	}
	if err := s.repo.SaveProofs(ctx, proofs); err != nil {
		return fmt.Errorf("failed to persist proofs: %w", err)
	}

	if s.anchorer == nil {
		// no chain: the stored root is the trust anchor
		if err := s.repo.SetBatchRoot(ctx, batch.ID, root, BatchAnchored); err != nil {
			return err
		}
		s.log.Info("Batch finalized without chain anchor",
			"batch_id", batch.ID, "root", root, "tickets", len(tickets))
		return nil
	}

	if err := s.repo.SetBatchRoot(ctx, batch.ID, root, BatchBuilding); err != nil {
		return err
	}
	now := time.Now().UTC()
	anchor := &Anchor{
		ID:        newID(),
		BatchID:   batch.ID,
		ChainID:   s.anchorer.ChainID(),
		Status:    AnchorPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateAnchor(ctx, anchor); err != nil {
		return fmt.Errorf("failed to create anchor: %w", err)
	}
	s.submitAnchor(ctx, anchor, root)
	return nil
}

// submitAnchor sends the root on chain; failures leave the anchor PENDING for
// the next poll to retry
func (s *service) submitAnchor(ctx context.Context, anchor *Anchor, root string) {
	txHash, err := s.anchorer.SubmitRoot(ctx, root)
	if err != nil {
		anchor.RetryCount++
		if anchor.RetryCount > s.cfg.MaxAnchorRetries {
			anchor.Status = AnchorFailed
			if serr := s.repo.SetBatchStatus(ctx, anchor.BatchID, BatchFailed); serr != nil {
				s.log.Error("Failed to fail batch", "batch_id", anchor.BatchID, "error", serr)
			}
			s.log.Error("Anchor submission abandoned",
				"batch_id", anchor.BatchID, "retries", anchor.RetryCount, "error", err)
		} else {
			s.log.Warn("Anchor submission failed, will retry",
				"batch_id", anchor.BatchID, "attempt", anchor.RetryCount, "error", err)
		}
		if uerr := s.repo.UpdateAnchor(ctx, anchor); uerr != nil {
			s.log.Error("Failed to update anchor", "anchor_id", anchor.ID, "error", uerr)
		}
		return
	}

	anchor.TxHash = txHash
	anchor.Status = AnchorSubmitted
	if err := s.repo.UpdateAnchor(ctx, anchor); err != nil {
		s.log.Error("Failed to record anchor submission",
			"anchor_id", anchor.ID, "tx_hash", txHash, "error", err)
		return
	}
	s.log.Info("Merkle root submitted", "batch_id", anchor.BatchID, "tx_hash", txHash)
}

// PollAnchors retries PENDING submissions and advances SUBMITTED anchors to
// CONFIRMED once they reach the required depth
func (s *service) PollAnchors(ctx context.Context, limit int) (int, error) {
	if s.anchorer == nil {
		return 0, nil
	}
	ctx, span := telemetry.StartSpan(ctx, "service.ticket.poll_anchors")
	defer span.End()

	pending, err := s.repo.AnchorsByStatus(ctx, AnchorPending, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to list pending anchors: %w", err)
	}
	for _, anchor := range pending {
		batch, err := s.repo.GetBatch(ctx, anchor.BatchID)
		if err != nil || batch.MerkleRoot == "" {
			continue
		}
		s.submitAnchor(ctx, anchor, batch.MerkleRoot)
	}

	submitted, err := s.repo.AnchorsByStatus(ctx, AnchorSubmitted, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to list submitted anchors: %w", err)
	}

	confirmed := 0
	for _, anchor := range submitted {
		receipt, err := s.anchorer.Status(ctx, anchor.TxHash)
		if err != nil {
			// not mined yet, or transient rpc failure; try again next tick
			s.log.Debug("Anchor receipt unavailable",
				"tx_hash", anchor.TxHash, "error", err)
			continue
		}
		anchor.Confirmations = receipt.Confirmations
		anchor.BlockNumber = receipt.BlockNumber
		anchor.GasCost = receipt.GasCost
		if receipt.Confirmations >= s.cfg.Confirmations {
			anchor.Status = AnchorConfirmed
		}
		if err := s.repo.UpdateAnchor(ctx, anchor); err != nil {
			s.log.Error("Failed to update anchor", "anchor_id", anchor.ID, "error", err)
			continue
		}
		if anchor.Status == AnchorConfirmed {
			if err := s.repo.SetBatchStatus(ctx, anchor.BatchID, BatchAnchored); err != nil {
				s.log.Error("Failed to mark batch anchored",
					"batch_id", anchor.BatchID, "error", err)
				continue
			}
			confirmed++
			if metrics.BatchesAnchored != nil {
				metrics.BatchesAnchored.Inc(ctx)
			}
			s.log.Info("Batch anchored",
				"batch_id", anchor.BatchID, "tx_hash", anchor.TxHash,
				"block", anchor.BlockNumber, "confirmations", anchor.Confirmations)
		}
	}

	span.SetAttributes(attribute.Int("anchors_confirmed", confirmed))
	span.SetStatus(codes.Ok, "")
	return confirmed, nil
}

// confirmedBooking is the slice of the booking.confirmed payload that feeds a
// ticket body
type confirmedBooking struct {
	BookingID  string  `json:"booking_id"`
	RiderID    string  `json:"rider_id"`
	DriverID   string  `json:"driver_id"`
	RouteID    string  `json:"route_id"`
	TravelDate string  `json:"travel_date"`
	TotalPrice float64 `json:"total_price"`
	PaymentID  string  `json:"payment_id"`
}

func (s *service) RegisterHandlers(sub Subscriber) {
	sub.Subscribe(eventbus.TopicBookingConfirmed, s.handleBookingConfirmed)
}

func (s *service) handleBookingConfirmed(ctx context.Context, event *eventbus.Event) error {
	var b confirmedBooking
	if err := event.Decode(&b); err != nil {
		return fmt.Errorf("failed to decode booking.confirmed payload: %w", err)
	}

	scheduled, err := time.ParseInLocation("2006-01-02", b.TravelDate, time.UTC)
	if err != nil {
		s.log.Warn("Unparseable travel date on confirmed booking",
			"booking_id", b.BookingID, "travel_date", b.TravelDate)
		scheduled = time.Time{}
	}

	_, err = s.IssueTicket(ctx, &IssueTicketInput{
		BookingID:     b.BookingID,
		RiderID:       b.RiderID,
		DriverID:      b.DriverID,
		RideType:      "shared",
		ScheduledTime: scheduled,
		Pickup:        b.RouteID, // route endpoints resolve on presentation
		Fare:          b.TotalPrice,
		PaymentID:     b.PaymentID,
	})
	return err
}

// ticketEvent is the payload published on ticket.issued
type ticketEvent struct {
	TicketID  string       `json:"ticket_id"`
	BookingID string       `json:"booking_id"`
	RiderID   string       `json:"rider_id"`
	DriverID  string       `json:"driver_id"`
	Status    TicketStatus `json:"status"`
	IssuedAt  time.Time    `json:"issued_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

func (s *service) publishIssued(ctx context.Context, t *Ticket) {
	event, err := eventbus.NewEvent(eventbus.TopicTicketIssued, t.ID, ticketEvent{
		TicketID:  t.ID,
		BookingID: t.BookingID,
		RiderID:   t.RiderID,
		DriverID:  t.DriverID,
		Status:    t.Status,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
	})
	if err != nil {
		s.log.Error("Failed to build ticket event", "ticket_id", t.ID, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Error("Failed to publish ticket event", "ticket_id", t.ID, "error", err)
	}
}

func newID() string {
	return uuid.New().String()
}
