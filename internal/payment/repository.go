package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidx345/openride-backend-sub002/pkg/database"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

// Repository persists payments, their event trail and reconciliation records
type Repository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id string) (*Payment, error)
	GetByGatewayReference(ctx context.Context, ref string) (*Payment, error)
	// ActiveForBooking returns the booking's non-terminal payment, or
	// ErrPaymentNotFound when the slot is free
	ActiveForBooking(ctx context.Context, bookingID string) (*Payment, error)
	LatestForBooking(ctx context.Context, bookingID string) (*Payment, error)
	// UpdateWithLock loads the row under a pessimistic lock, applies mutate
	// and writes the result back in one transaction
	UpdateWithLock(ctx context.Context, id string, mutate func(p *Payment) error) (*Payment, error)
	ListByRider(ctx context.Context, riderID string, limit, offset int) ([]*Payment, error)
	List(ctx context.Context, status Status, riderID string, limit, offset int) ([]*Payment, error)
	// ExpiredPending returns INITIATED/PENDING payments past their window
	ExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Payment, error)
	// ListByDate returns payments initiated on one UTC day, for reconciliation
	ListByDate(ctx context.Context, date string) ([]*Payment, error)

	AddEvent(ctx context.Context, e *Event) error
	EventsForPayment(ctx context.Context, paymentID string) ([]*Event, error)

	SaveReconciliation(ctx context.Context, rec *ReconciliationRecord) error
	ListReconciliations(ctx context.Context, limit int) ([]*ReconciliationRecord, error)
}

type pgRepository struct {
	db *database.PostgresDB
}

var _ Repository = (*pgRepository)(nil)

// NewRepository creates a PostgreSQL-backed payment repository
func NewRepository(db *database.PostgresDB) Repository {
	return &pgRepository{db: db}
}

const paymentColumns = `
	id, booking_id, rider_id, amount, currency, status, method,
	gateway_reference, gateway_txn_id, checkout_url, failure_reason,
	refund_amount, refund_reason, idempotency_key,
	initiated_at, completed_at, expires_at, created_at, updated_at
`

func (r *pgRepository) Create(ctx context.Context, p *Payment) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.payment.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment_id", p.ID),
		attribute.String("booking_id", p.BookingID),
	)

	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	err := r.db.Exec(ctx, query,
		p.ID, p.BookingID, p.RiderID, p.Amount, p.Currency, string(p.Status), nullString(p.Method),
		p.GatewayReference, nullString(p.GatewayTxnID), nullString(p.CheckoutURL), nullString(p.FailureReason),
		p.RefundAmount, nullString(p.RefundReason), nullString(p.IdempotencyKey),
		p.InitiatedAt, p.CompletedAt, p.ExpiresAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create payment: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (r *pgRepository) GetByID(ctx context.Context, id string) (*Payment, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.payment.get_by_id")
	defer span.End()
	span.SetAttributes(attribute.String("payment_id", id))

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	p, err := scanPayment(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, ErrPaymentNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return p, nil
}

func (r *pgRepository) GetByGatewayReference(ctx context.Context, ref string) (*Payment, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.payment.get_by_gateway_reference")
	defer span.End()
	span.SetAttributes(attribute.String("gateway_reference", ref))

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway_reference = $1`
	p, err := scanPayment(r.db.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, ErrPaymentNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get payment by reference: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return p, nil
}

func (r *pgRepository) ActiveForBooking(ctx context.Context, bookingID string) (*Payment, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.payment.active_for_booking")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID))

	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE booking_id = $1 AND status IN ('INITIATED', 'PENDING', 'SUCCESS')
		ORDER BY created_at DESC
		LIMIT 1
	`
	p, err := scanPayment(r.db.QueryRow(ctx, query, bookingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get active payment: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return p, nil
}

func (r *pgRepository) LatestForBooking(ctx context.Context, bookingID string) (*Payment, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.payment.latest_for_booking")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID))

	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE booking_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	p, err := scanPayment(r.db.QueryRow(ctx, query, bookingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get latest payment: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return p, nil
}

// UpdateWithLock runs SELECT ... FOR UPDATE, applies mutate and writes the
// row back inside one transaction. Duplicate webhook deliveries racing on the
// same payment serialize here.
func (r *pgRepository) UpdateWithLock(ctx context.Context, id string, mutate func(p *Payment) error) (*Payment, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.payment.update_with_lock")
	defer span.End()
	span.SetAttributes(attribute.String("payment_id", id))

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin failed")
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`
	p, err := scanPayment(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, ErrPaymentNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to lock payment: %w", err)
	}

	if err := mutate(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Now().UTC()

	update := `
		UPDATE payments SET
			status = $2, method = $3, gateway_txn_id = $4, checkout_url = $5,
			failure_reason = $6, refund_amount = $7, refund_reason = $8,
			completed_at = $9, expires_at = $10, updated_at = $11
		WHERE id = $1
	`
	_, err = tx.Exec(ctx, update,
		p.ID, string(p.Status), nullString(p.Method), nullString(p.GatewayTxnID), nullString(p.CheckoutURL),
		nullString(p.FailureReason), p.RefundAmount, nullString(p.RefundReason),
		p.CompletedAt, p.ExpiresAt, p.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return nil, fmt.Errorf("failed to commit payment update: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return p, nil
}

func (r *pgRepository) ListByRider(ctx context.Context, riderID string, limit, offset int) ([]*Payment, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.payment.list_by_rider")
	defer span.End()
	span.SetAttributes(attribute.String("rider_id", riderID))

	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE rider_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	return r.queryPayments(ctx, query, riderID, limit, offset)
}

func (r *pgRepository) List(ctx context.Context, status Status, riderID string, limit, offset int) ([]*Payment, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.payment.list")
	defer span.End()

	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR rider_id = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	return r.queryPayments(ctx, query, string(status), riderID, limit, offset)
}

func (r *pgRepository) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Payment, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.payment.expired_pending")
	defer span.End()

	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status IN ('INITIATED', 'PENDING')
		  AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`
	return r.queryPayments(ctx, query, now, limit)
}

func (r *pgRepository) ListByDate(ctx context.Context, date string) ([]*Payment, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.payment.list_by_date")
	defer span.End()
	span.SetAttributes(attribute.String("date", date))

	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE initiated_at >= $1::date AND initiated_at < $1::date + INTERVAL '1 day'
		ORDER BY initiated_at
	`
	return r.queryPayments(ctx, query, date)
}

func (r *pgRepository) AddEvent(ctx context.Context, e *Event) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.payment.add_event")
	defer span.End()

	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode event metadata: %w", err)
	}

	query := `
		INSERT INTO payment_events (id, payment_id, event_type, old_status, new_status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	err = r.db.Exec(ctx, query,
		e.ID, e.PaymentID, e.EventType,
		nullString(e.OldStatus), nullString(e.NewStatus), meta, e.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to record payment event: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (r *pgRepository) EventsForPayment(ctx context.Context, paymentID string) ([]*Event, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.payment.events_for_payment")
	defer span.End()
	span.SetAttributes(attribute.String("payment_id", paymentID))

	query := `
		SELECT id, payment_id, event_type, old_status, new_status, metadata, created_at
		FROM payment_events
		WHERE payment_id = $1
		ORDER BY created_at
	`
	rows, err := r.db.Pool().Query(ctx, query, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var oldStatus, newStatus *string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.EventType, &oldStatus, &newStatus, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment event: %w", err)
		}
		if oldStatus != nil {
			e.OldStatus = *oldStatus
		}
		if newStatus != nil {
			e.NewStatus = *newStatus
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode event metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *pgRepository) SaveReconciliation(ctx context.Context, rec *ReconciliationRecord) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.payment.save_reconciliation")
	defer span.End()
	span.SetAttributes(attribute.String("date", rec.Date))

	discrepancies, err := json.Marshal(rec.Discrepancies)
	if err != nil {
		return fmt.Errorf("failed to encode discrepancies: %w", err)
	}

	query := `
		INSERT INTO reconciliation_records (id, date, status, local_count, gateway_count, discrepancies, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (date) DO UPDATE SET
			status = EXCLUDED.status,
			local_count = EXCLUDED.local_count,
			gateway_count = EXCLUDED.gateway_count,
			discrepancies = EXCLUDED.discrepancies,
			created_at = EXCLUDED.created_at
	`
	err = r.db.Exec(ctx, query,
		rec.ID, rec.Date, string(rec.Status), rec.LocalCount, rec.GatewayCount, discrepancies, rec.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to save reconciliation record: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (r *pgRepository) ListReconciliations(ctx context.Context, limit int) ([]*ReconciliationRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.payment.list_reconciliations")
	defer span.End()

	query := `
		SELECT id, date, status, local_count, gateway_count, discrepancies, created_at
		FROM reconciliation_records
		ORDER BY date DESC
		LIMIT $1
	`
	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation records: %w", err)
	}
	defer rows.Close()

	var records []*ReconciliationRecord
	for rows.Next() {
		rec := &ReconciliationRecord{}
		var status string
		var discrepancies []byte
		if err := rows.Scan(&rec.ID, &rec.Date, &status, &rec.LocalCount, &rec.GatewayCount, &discrepancies, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation record: %w", err)
		}
		rec.Status = ReconciliationStatus(status)
		if len(discrepancies) > 0 {
			if err := json.Unmarshal(discrepancies, &rec.Discrepancies); err != nil {
				return nil, fmt.Errorf("failed to decode discrepancies: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *pgRepository) queryPayments(ctx context.Context, query string, args ...interface{}) ([]*Payment, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	p := &Payment{}
	var (
		status         string
		method         *string
		gatewayTxnID   *string
		checkoutURL    *string
		failureReason  *string
		refundReason   *string
		idempotencyKey *string
	)

	err := row.Scan(
		&p.ID, &p.BookingID, &p.RiderID, &p.Amount, &p.Currency, &status, &method,
		&p.GatewayReference, &gatewayTxnID, &checkoutURL, &failureReason,
		&p.RefundAmount, &refundReason, &idempotencyKey,
		&p.InitiatedAt, &p.CompletedAt, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Status = Status(status)
	if method != nil {
		p.Method = *method
	}
	if gatewayTxnID != nil {
		p.GatewayTxnID = *gatewayTxnID
	}
	if checkoutURL != nil {
		p.CheckoutURL = *checkoutURL
	}
	if failureReason != nil {
		p.FailureReason = *failureReason
	}
	if refundReason != nil {
		p.RefundReason = *refundReason
	}
	if idempotencyKey != nil {
		p.IdempotencyKey = *idempotencyKey
	}
	return p, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
