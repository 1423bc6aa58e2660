package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidx345/openride-backend-sub002/internal/booking"
	"github.com/davidx345/openride-backend-sub002/internal/eventbus"
	"github.com/davidx345/openride-backend-sub002/internal/idempotency"
	"github.com/davidx345/openride-backend-sub002/internal/lock"
	"github.com/davidx345/openride-backend-sub002/internal/metrics"
	"github.com/davidx345/openride-backend-sub002/internal/statemachine"
	"github.com/davidx345/openride-backend-sub002/pkg/logger"
	"github.com/davidx345/openride-backend-sub002/pkg/retry"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

// InitiatePaymentInput is the initiatePayment request
type InitiatePaymentInput struct {
	BookingID      string  `json:"booking_id" binding:"required"`
	Amount         float64 `json:"amount" binding:"required"`
	Currency       string  `json:"currency" binding:"required"`
	Method         string  `json:"method,omitempty"`
	CustomerEmail  string  `json:"customer_email,omitempty"`
	CustomerName   string  `json:"customer_name,omitempty"`
	IdempotencyKey string  `json:"idempotency_key" binding:"required"`
}

// Service is the payment core
type Service interface {
	InitiatePayment(ctx context.Context, riderID string, in *InitiatePaymentInput) (*Payment, error)
	// ProcessWebhook settles a payment from a signed gateway notification.
	// Replayed deliveries are acknowledged without re-applying the effect.
	ProcessWebhook(ctx context.Context, body []byte, signature string) error
	Refund(ctx context.Context, paymentID string, amount float64, reason, actorID, actorRole string) (*Payment, error)
	// VerifyPayment queries the gateway for the authoritative charge state and
	// heals the local record when a webhook was missed
	VerifyPayment(ctx context.Context, paymentID string) (*Payment, error)

	GetPayment(ctx context.Context, paymentID, riderID string) (*Payment, error)
	PaymentForBooking(ctx context.Context, bookingID, riderID string) (*Payment, error)
	ListMyPayments(ctx context.Context, riderID string, page, size int) ([]*Payment, error)
	ListPayments(ctx context.Context, status Status, riderID string, page, size int) ([]*Payment, error)
	Events(ctx context.Context, paymentID string) ([]*Event, error)

	// ExpirePayments and RunReconciliation back the scheduler jobs
	ExpirePayments(ctx context.Context, limit int) (int, error)
	RunReconciliation(ctx context.Context, date string) (*ReconciliationRecord, error)
	ListReconciliations(ctx context.Context, limit int) ([]*ReconciliationRecord, error)
}

// ServiceConfig tunes the payment core
type ServiceConfig struct {
	Expiry          time.Duration
	WebhookSecret   string
	ConfirmAttempts int
	ConfirmBackoff  time.Duration
}

// DefaultServiceConfig returns the standard payment configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Expiry:          15 * time.Minute,
		ConfirmAttempts: 3,
		ConfirmBackoff:  2 * time.Second,
	}
}

type service struct {
	repo      Repository
	gateway   Gateway
	locks     lock.Service
	idem      idempotency.Store
	publisher eventbus.Publisher
	bookings  BookingConfirmer
	machine   *statemachine.Machine[Status]
	retrier   *retry.Retrier
	cfg       ServiceConfig
	log       *logger.Logger
}

var _ Service = (*service)(nil)

// NewService wires the payment core
func NewService(
	repo Repository,
	gateway Gateway,
	locks lock.Service,
	idem idempotency.Store,
	publisher eventbus.Publisher,
	bookings BookingConfirmer,
	recorder statemachine.Recorder,
	cfg ServiceConfig,
) Service {
	if cfg.Expiry <= 0 {
		cfg.Expiry = 15 * time.Minute
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = 3
	}
	if cfg.ConfirmBackoff <= 0 {
		cfg.ConfirmBackoff = 2 * time.Second
	}
	return &service{
		repo:      repo,
		gateway:   gateway,
		locks:     locks,
		idem:      idem,
		publisher: publisher,
		bookings:  bookings,
		machine:   statemachine.New[Status]("payment", Transitions, recorder),
		retrier: retry.New(&retry.Config{
			MaxRetries:      cfg.ConfirmAttempts - 1,
			InitialInterval: cfg.ConfirmBackoff,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
			JitterFactor:    0.1,
		}),
		cfg: cfg,
		log: logger.Get(),
	}
}

func (s *service) InitiatePayment(ctx context.Context, riderID string, in *InitiatePaymentInput) (*Payment, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.payment.initiate")
	defer span.End()

	if err := validateInitiate(in); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("booking_id", in.BookingID),
		attribute.Float64("amount", in.Amount),
	)

	candidateID := uuid.New().String()
	stored, first, err := s.idem.RegisterOrGet(ctx, idempotency.PaymentKey(in.IdempotencyKey), candidateID, idempotency.RequestTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "idempotency check failed")
		return nil, err
	}
	if !first {
		span.SetAttributes(attribute.Bool("idempotent_replay", true))
		existing, err := s.repo.GetByID(ctx, stored)
		if err != nil {
			return nil, fmt.Errorf("idempotent replay for in-flight payment %s: %w", stored, err)
		}
		span.SetStatus(codes.Ok, "")
		return existing, nil
	}

	var payment *Payment
	var persisted bool
	err = s.locks.WithLock(ctx, lock.BookingKey(in.BookingID), 0, 0, func(ctx context.Context) error {
		now := time.Now().UTC()

		active, err := s.repo.ActiveForBooking(ctx, in.BookingID)
		if err != nil && !IsNotFound(err) {
			return err
		}
		if active != nil {
			if !active.Expired(now) {
				return ErrPaymentExists
			}
			// the slot is held by a stale payment; fail it and move on
			if _, err := s.failPayment(ctx, active.ID, "Payment window expired", booking.RoleSystem); err != nil {
				return err
			}
		}

		expiresAt := now.Add(s.cfg.Expiry)
		payment = &Payment{
			ID:               candidateID,
			BookingID:        in.BookingID,
			RiderID:          riderID,
			Amount:           in.Amount,
			Currency:         strings.ToUpper(in.Currency),
			Status:           StatusInitiated,
			Method:           in.Method,
			GatewayReference: NewGatewayReference(),
			IdempotencyKey:   in.IdempotencyKey,
			InitiatedAt:      now,
			ExpiresAt:        &expiresAt,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := s.repo.Create(ctx, payment); err != nil {
			return err
		}
		persisted = true
		s.addEvent(ctx, payment.ID, "payment.initiated", "", string(StatusInitiated), map[string]interface{}{
			"gateway_reference": payment.GatewayReference,
			"amount":            payment.Amount,
			"currency":          payment.Currency,
		})

		charge, err := s.gateway.InitializeCharge(ctx, &ChargeRequest{
			Reference:     payment.GatewayReference,
			Amount:        payment.Amount,
			Currency:      payment.Currency,
			CustomerEmail: in.CustomerEmail,
			CustomerName:  in.CustomerName,
			Metadata:      map[string]string{"booking_id": in.BookingID},
		})
		if err != nil {
			s.log.Error("Gateway charge initialization failed",
				"payment_id", payment.ID, "gateway", s.gateway.Name(), "error", err)
			if _, ferr := s.failPayment(ctx, payment.ID, "Gateway initialization failed", booking.RoleSystem); ferr != nil {
				s.log.Error("Failed to fail payment after gateway error", "payment_id", payment.ID, "error", ferr)
			}
			return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}

		payment, err = s.repo.UpdateWithLock(ctx, payment.ID, func(p *Payment) error {
			if err := s.machine.TransitionTo(ctx, p.ID, p.Status, StatusPending, "Checkout opened", riderID, booking.RoleRider); err != nil {
				return err
			}
			p.Status = StatusPending
			p.CheckoutURL = charge.CheckoutURL
			p.GatewayTxnID = charge.GatewayTxnID
			return nil
		})
		return err
	})
	if err != nil {
		// without a row the key would pin every replay to a payment that
		// never existed; a persisted row (even FAILED) serves replays
		if !persisted {
			s.releaseIdemKey(ctx, in.IdempotencyKey)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// the booking core tracks that a payment window is open
	if err := s.bookings.MarkPaymentInitiated(ctx, in.BookingID, payment.ID); err != nil {
		s.log.Warn("Failed to mark booking payment-initiated",
			"booking_id", in.BookingID, "payment_id", payment.ID, "error", err)
	}

	if metrics.PaymentsInitiated != nil {
		metrics.PaymentsInitiated.Inc(ctx, attribute.String("gateway", s.gateway.Name()))
	}
	s.log.Info("Payment initiated",
		"payment_id", payment.ID, "booking_id", payment.BookingID,
		"amount", payment.Amount, "currency", payment.Currency,
		"gateway_reference", payment.GatewayReference)

	span.SetStatus(codes.Ok, "")
	return payment, nil
}

// releaseIdemKey undoes a first-writer registration when no payment row was
// created, so the client can retry with the same key. Best effort.
func (s *service) releaseIdemKey(ctx context.Context, clientKey string) {
	if err := s.idem.Clear(ctx, idempotency.PaymentKey(clientKey)); err != nil {
		s.log.Warn("Failed to release idempotency key after failed initiate",
			"idempotency_key", clientKey, "error", err)
	}
}

func validateInitiate(in *InitiatePaymentInput) error {
	if in == nil || in.BookingID == "" {
		return ErrInvalidRequest
	}
	if in.Amount < 0.01 {
		return ErrInvalidAmount
	}
	if !validCurrency(in.Currency) {
		return ErrInvalidCurrency
	}
	if n := len(in.IdempotencyKey); n < 10 || n > 255 {
		return ErrInvalidIdemKey
	}
	return nil
}

func validCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, c := range strings.ToUpper(code) {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

func (s *service) ProcessWebhook(ctx context.Context, body []byte, signature string) error {
	ctx, span := telemetry.StartSpan(ctx, "service.payment.process_webhook")
	defer span.End()

	if err := VerifyWebhookSignature(s.cfg.WebhookSecret, body, signature); err != nil {
		if metrics.WebhooksRejected != nil {
			metrics.WebhooksRejected.Inc(ctx)
		}
		s.log.Warn("Rejected webhook with bad signature")
		span.SetStatus(codes.Error, "bad signature")
		return err
	}

	payload, err := ParseWebhook(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad payload")
		return err
	}
	span.SetAttributes(
		attribute.String("webhook.event", payload.Event),
		attribute.String("gateway_reference", payload.Data.GatewayReference),
	)

	// one delivery wins; replays ack without re-settling
	_, first, err := s.idem.RegisterOrGet(ctx,
		idempotency.WebhookKey(payload.Data.GatewayReference, payload.Event),
		time.Now().UTC().Format(time.RFC3339), idempotency.WebhookTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "idempotency check failed")
		return err
	}
	if !first {
		s.log.Info("Ignoring replayed webhook",
			"gateway_reference", payload.Data.GatewayReference, "event", payload.Event)
		span.SetStatus(codes.Ok, "replay")
		return nil
	}

	payment, err := s.repo.GetByGatewayReference(ctx, payload.Data.GatewayReference)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment lookup failed")
		return err
	}

	switch payload.Event {
	case WebhookChargeSuccess:
		err = s.settleSuccess(ctx, payment.ID, payload.Data.TransactionID)
	case WebhookChargeFailed:
		err = s.settleFailure(ctx, payment.ID, payload.Data.FailureReason)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// settleSuccess moves the payment to SUCCESS and confirms the booking. A
// booking confirmation failure is logged, not returned: the payment settled
// and reconciliation or verifyPayment closes the gap.
func (s *service) settleSuccess(ctx context.Context, paymentID, gatewayTxnID string) error {
	var oldStatus Status
	payment, err := s.repo.UpdateWithLock(ctx, paymentID, func(p *Payment) error {
		oldStatus = p.Status
		if p.Status == StatusSuccess || p.Status == StatusCompleted {
			return nil
		}
		if p.Status == StatusInitiated {
			// checkout completed before the pending hop landed
			if err := s.machine.TransitionTo(ctx, p.ID, StatusInitiated, StatusPending, "Checkout opened", "", booking.RoleSystem); err != nil {
				return err
			}
			p.Status = StatusPending
		}
		if err := s.machine.TransitionTo(ctx, p.ID, p.Status, StatusSuccess, "Gateway reported charge success", "", booking.RoleSystem); err != nil {
			return err
		}
		p.Status = StatusSuccess
		if gatewayTxnID != "" {
			p.GatewayTxnID = gatewayTxnID
		}
		now := time.Now().UTC()
		p.CompletedAt = &now
		p.ExpiresAt = nil
		return nil
	})
	if err != nil {
		return err
	}
	if oldStatus == StatusSuccess || oldStatus == StatusCompleted {
		s.log.Info("Payment already settled", "payment_id", paymentID, "status", oldStatus)
		return nil
	}

	s.addEvent(ctx, payment.ID, "charge.success", string(oldStatus), string(StatusSuccess), map[string]interface{}{
		"gateway_transaction_id": payment.GatewayTxnID,
	})
	s.publish(ctx, eventbus.TopicPaymentSuccess, payment)
	if metrics.PaymentsSucceeded != nil {
		metrics.PaymentsSucceeded.Inc(ctx, attribute.String("gateway", s.gateway.Name()))
	}

	result := s.retrier.DoWithCallback(ctx, func(ctx context.Context) error {
		return s.bookings.ConfirmBooking(ctx, payment.BookingID, payment.ID)
	}, func(attempt int, err error, next time.Duration) {
		s.log.Warn("Booking confirmation failed, retrying",
			"booking_id", payment.BookingID, "payment_id", payment.ID,
			"attempt", attempt, "next_retry_in", next, "error", err)
	})
	if result.Err != nil {
		s.log.Error("Booking confirmation exhausted retries; reconciliation will heal",
			"booking_id", payment.BookingID, "payment_id", payment.ID,
			"attempts", result.Attempts, "error", result.Err)
	}

	s.log.Info("Payment settled",
		"payment_id", payment.ID, "booking_id", payment.BookingID, "amount", payment.Amount)
	return nil
}

func (s *service) settleFailure(ctx context.Context, paymentID, reason string) error {
	if reason == "" {
		reason = "Gateway reported charge failure"
	}
	payment, err := s.failPayment(ctx, paymentID, reason, booking.RoleSystem)
	if err != nil {
		return err
	}
	if payment == nil {
		return nil
	}

	s.publish(ctx, eventbus.TopicPaymentFailed, payment)
	if metrics.PaymentsFailed != nil {
		metrics.PaymentsFailed.Inc(ctx, attribute.String("gateway", s.gateway.Name()))
	}

	// the hold keeps seats reserved until it lapses; cancelling early frees
	// them for other riders
	if err := s.bookings.CancelBooking(ctx, payment.BookingID, "Payment failed"); err != nil {
		s.log.Warn("Failed to cancel booking after payment failure",
			"booking_id", payment.BookingID, "payment_id", payment.ID, "error", err)
	}
	return nil
}

// failPayment transitions an INITIATED/PENDING payment to FAILED. Returns
// (nil, nil) when the payment was already terminal.
func (s *service) failPayment(ctx context.Context, paymentID, reason, actorRole string) (*Payment, error) {
	var oldStatus Status
	payment, err := s.repo.UpdateWithLock(ctx, paymentID, func(p *Payment) error {
		oldStatus = p.Status
		if p.IsTerminal() || p.Status == StatusSuccess {
			return nil
		}
		if err := s.machine.TransitionTo(ctx, p.ID, p.Status, StatusFailed, reason, "", actorRole); err != nil {
			return err
		}
		p.Status = StatusFailed
		p.FailureReason = reason
		now := time.Now().UTC()
		p.CompletedAt = &now
		p.ExpiresAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	if oldStatus != StatusInitiated && oldStatus != StatusPending {
		s.log.Info("Skipping fail on settled payment", "payment_id", paymentID, "status", oldStatus)
		return nil, nil
	}

	s.addEvent(ctx, payment.ID, "charge.failed", string(oldStatus), string(StatusFailed), map[string]interface{}{
		"reason": reason,
	})
	return payment, nil
}

func (s *service) Refund(ctx context.Context, paymentID string, amount float64, reason, actorID, actorRole string) (*Payment, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.payment.refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment_id", paymentID),
		attribute.Float64("refund_amount", amount),
	)

	if actorRole != booking.RoleAdmin {
		span.SetStatus(codes.Error, "forbidden")
		return nil, fmt.Errorf("only admins can refund payments: %w", ErrNotRefundable)
	}

	var oldStatus Status
	payment, err := s.repo.UpdateWithLock(ctx, paymentID, func(p *Payment) error {
		oldStatus = p.Status
		if p.Status != StatusSuccess {
			return ErrNotRefundable
		}
		if amount <= 0 || amount > p.Amount {
			return ErrRefundTooLarge
		}
		if err := s.machine.TransitionTo(ctx, p.ID, p.Status, StatusRefunded, reason, actorID, actorRole); err != nil {
			return err
		}
		p.Status = StatusRefunded
		p.RefundAmount = amount
		p.RefundReason = reason
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.addEvent(ctx, payment.ID, "payment.refunded", string(oldStatus), string(StatusRefunded), map[string]interface{}{
		"refund_amount": amount,
		"reason":        reason,
		"actor_id":      actorID,
	})
	if metrics.PaymentsRefunded != nil {
		metrics.PaymentsRefunded.Inc(ctx, attribute.String("gateway", s.gateway.Name()))
	}
	s.log.Info("Payment refunded",
		"payment_id", payment.ID, "refund_amount", amount, "actor_id", actorID)

	span.SetStatus(codes.Ok, "")
	return payment, nil
}

func (s *service) VerifyPayment(ctx context.Context, paymentID string) (*Payment, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.payment.verify")
	defer span.End()
	span.SetAttributes(attribute.String("payment_id", paymentID))

	payment, err := s.repo.GetByID(ctx, paymentID)
	if err != nil {
		span.SetStatus(codes.Error, "not found")
		return nil, err
	}

	txn, err := s.gateway.VerifyCharge(ctx, payment.GatewayReference)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway query failed")
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	span.SetAttributes(attribute.String("gateway_status", txn.Status))

	switch txn.Status {
	case "success":
		if payment.Status != StatusSuccess && payment.Status != StatusCompleted && payment.Status != StatusRefunded {
			s.log.Info("Healing payment from gateway state",
				"payment_id", paymentID, "local_status", payment.Status)
			if err := s.settleSuccess(ctx, paymentID, txn.TransactionID); err != nil {
				return nil, err
			}
		}
	case "failed":
		if payment.Status == StatusInitiated || payment.Status == StatusPending {
			if err := s.settleFailure(ctx, paymentID, txn.FailureReason); err != nil {
				return nil, err
			}
		}
	}

	payment, err = s.repo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return payment, nil
}

func (s *service) GetPayment(ctx context.Context, paymentID, riderID string) (*Payment, error) {
	payment, err := s.repo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if riderID != "" && payment.RiderID != riderID {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

func (s *service) PaymentForBooking(ctx context.Context, bookingID, riderID string) (*Payment, error) {
	payment, err := s.repo.LatestForBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if riderID != "" && payment.RiderID != riderID {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

func (s *service) ListMyPayments(ctx context.Context, riderID string, page, size int) ([]*Payment, error) {
	limit, offset := pageToRange(page, size)
	return s.repo.ListByRider(ctx, riderID, limit, offset)
}

func (s *service) ListPayments(ctx context.Context, status Status, riderID string, page, size int) ([]*Payment, error) {
	limit, offset := pageToRange(page, size)
	return s.repo.List(ctx, status, riderID, limit, offset)
}

func (s *service) Events(ctx context.Context, paymentID string) ([]*Event, error) {
	return s.repo.EventsForPayment(ctx, paymentID)
}

func (s *service) ExpirePayments(ctx context.Context, limit int) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.payment.expire_payments")
	defer span.End()

	expired, err := s.repo.ExpiredPending(ctx, time.Now().UTC(), limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return 0, err
	}

	count := 0
	for _, p := range expired {
		if _, err := s.failPayment(ctx, p.ID, "Payment window expired", booking.RoleSystem); err != nil {
			s.log.Error("Failed to expire payment", "payment_id", p.ID, "error", err)
			continue
		}
		count++
	}

	if count > 0 {
		s.log.Info("Expired stale payments", "count", count)
	}
	span.SetAttributes(attribute.Int("expired", count))
	span.SetStatus(codes.Ok, "")
	return count, nil
}

// RunReconciliation compares one day's local payments against the gateway's
// transaction list and stores the outcome. date is formatted YYYY-MM-DD.
func (s *service) RunReconciliation(ctx context.Context, date string) (*ReconciliationRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.payment.reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("date", date))

	local, err := s.repo.ListByDate(ctx, date)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "local query failed")
		return nil, err
	}
	remote, err := s.gateway.ListTransactions(ctx, date)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway query failed")
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	remoteByRef := make(map[string]*Transaction, len(remote))
	for _, txn := range remote {
		if txn.Reference != "" {
			remoteByRef[txn.Reference] = txn
		}
	}

	var discrepancies []Discrepancy
	seen := make(map[string]bool, len(local))
	for _, p := range local {
		seen[p.GatewayReference] = true
		txn, ok := remoteByRef[p.GatewayReference]
		if !ok {
			// gateway never saw the charge; only settled payments matter
			if p.Status == StatusSuccess || p.Status == StatusCompleted || p.Status == StatusRefunded {
				discrepancies = append(discrepancies, Discrepancy{
					GatewayReference: p.GatewayReference,
					LocalStatus:      string(p.Status),
					LocalAmount:      p.Amount,
					Detail:           "settled locally but unknown to gateway",
				})
			}
			continue
		}
		if mismatch := compareStatuses(p, txn); mismatch != "" {
			discrepancies = append(discrepancies, Discrepancy{
				GatewayReference: p.GatewayReference,
				LocalStatus:      string(p.Status),
				GatewayStatus:    txn.Status,
				LocalAmount:      p.Amount,
				GatewayAmount:    txn.Amount,
				Detail:           mismatch,
			})
		}
	}
	for ref, txn := range remoteByRef {
		if !seen[ref] {
			discrepancies = append(discrepancies, Discrepancy{
				GatewayReference: ref,
				GatewayStatus:    txn.Status,
				GatewayAmount:    txn.Amount,
				Detail:           "charge known to gateway but missing locally",
			})
		}
	}

	rec := &ReconciliationRecord{
		ID:            uuid.New().String(),
		Date:          date,
		Status:        ReconciliationMatched,
		LocalCount:    len(local),
		GatewayCount:  len(remote),
		Discrepancies: discrepancies,
		CreatedAt:     time.Now().UTC(),
	}
	if len(discrepancies) > 0 {
		rec.Status = ReconciliationDiscrepancy
	}
	if err := s.repo.SaveReconciliation(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return nil, err
	}

	if rec.Status == ReconciliationDiscrepancy {
		s.log.Warn("Reconciliation found discrepancies",
			"date", date, "count", len(discrepancies))
	} else {
		s.log.Info("Reconciliation matched",
			"date", date, "local", rec.LocalCount, "gateway", rec.GatewayCount)
	}

	span.SetAttributes(attribute.Int("discrepancies", len(discrepancies)))
	span.SetStatus(codes.Ok, "")
	return rec, nil
}

func compareStatuses(p *Payment, txn *Transaction) string {
	localSettled := p.Status == StatusSuccess || p.Status == StatusCompleted || p.Status == StatusRefunded
	switch txn.Status {
	case "success":
		if !localSettled {
			return "gateway settled but local payment is " + string(p.Status)
		}
		if txn.Amount != p.Amount {
			return "amount mismatch"
		}
	case "failed":
		if localSettled {
			return "gateway failed but local payment is " + string(p.Status)
		}
	}
	return ""
}

func (s *service) ListReconciliations(ctx context.Context, limit int) ([]*ReconciliationRecord, error) {
	if limit <= 0 {
		limit = 30
	}
	return s.repo.ListReconciliations(ctx, limit)
}

func (s *service) addEvent(ctx context.Context, paymentID, eventType, oldStatus, newStatus string, meta map[string]interface{}) {
	e := &Event{
		ID:        uuid.New().String(),
		PaymentID: paymentID,
		EventType: eventType,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.AddEvent(ctx, e); err != nil {
		s.log.Error("Failed to record payment event",
			"payment_id", paymentID, "event_type", eventType, "error", err)
	}
}

type paymentEvent struct {
	PaymentID        string  `json:"payment_id"`
	BookingID        string  `json:"booking_id"`
	RiderID          string  `json:"rider_id"`
	Amount           float64 `json:"amount"`
	Currency         string  `json:"currency"`
	Status           string  `json:"status"`
	GatewayReference string  `json:"gateway_reference"`
	FailureReason    string  `json:"failure_reason,omitempty"`
}

func (s *service) publish(ctx context.Context, topic string, p *Payment) {
	event, err := eventbus.NewEvent(topic, p.BookingID, paymentEvent{
		PaymentID:        p.ID,
		BookingID:        p.BookingID,
		RiderID:          p.RiderID,
		Amount:           p.Amount,
		Currency:         p.Currency,
		Status:           string(p.Status),
		GatewayReference: p.GatewayReference,
		FailureReason:    p.FailureReason,
	})
	if err != nil {
		s.log.Error("Failed to build payment event", "topic", topic, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Error("Failed to publish payment event",
			"topic", topic, "payment_id", p.ID, "error", err)
	}
}

func pageToRange(page, size int) (limit, offset int) {
	if size <= 0 || size > 100 {
		size = 20
	}
	if page < 1 {
		page = 1
	}
	return size, (page - 1) * size
}
