package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidx345/openride-backend-sub002/pkg/database"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

// Repository persists bookings
type Repository interface {
	Create(ctx context.Context, b *Booking) error
	GetByID(ctx context.Context, id string) (*Booking, error)
	GetByReference(ctx context.Context, ref string) (*Booking, error)
	// UpdateWithLock loads the row under a pessimistic lock, applies mutate
	// and writes the result back in one transaction
	UpdateWithLock(ctx context.Context, id string, mutate func(b *Booking) error) (*Booking, error)
	ListByRider(ctx context.Context, riderID string, limit, offset int) ([]*Booking, error)
	Upcoming(ctx context.Context, riderID, fromDate string) ([]*Booking, error)
	// ExpiredHolds returns PENDING/HELD bookings whose hold window has passed
	ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*Booking, error)

	// OccupiedSeats and IsHoldLive serve the seat availability engine
	OccupiedSeats(ctx context.Context, routeID, travelDate string) ([]int, error)
	IsHoldLive(ctx context.Context, bookingID string) (bool, error)
}

type pgRepository struct {
	db *database.PostgresDB
}

var _ Repository = (*pgRepository)(nil)

// NewRepository creates a PostgreSQL-backed booking repository
func NewRepository(db *database.PostgresDB) Repository {
	return &pgRepository{db: db}
}

const bookingColumns = `
	id, reference, rider_id, route_id, driver_id,
	origin_stop_id, destination_stop_id, travel_date, departure_time,
	seats_booked, seat_numbers, price_per_seat, total_price, platform_fee,
	status, payment_id, payment_status, idempotency_key,
	expires_at, confirmed_at, cancelled_at, completed_at,
	cancellation_reason, refund_amount, refund_status,
	created_at, updated_at
`

func (r *pgRepository) Create(ctx context.Context, b *Booking) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.booking.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking_id", b.ID),
		attribute.String("route_id", b.RouteID),
	)

	query := `
		INSERT INTO bookings (` + bookingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)
	`

	err := r.db.Exec(ctx, query,
		b.ID, b.Reference, b.RiderID, b.RouteID, b.DriverID,
		b.OriginStopID, b.DestinationStopID, b.TravelDate, b.DepartureTime,
		b.SeatsBooked, seatsToDB(b.SeatNumbers), b.PricePerSeat, b.TotalPrice, b.PlatformFee,
		string(b.Status), nullString(b.PaymentID), nullString(b.PaymentStatus), nullString(b.IdempotencyKey),
		b.ExpiresAt, b.ConfirmedAt, b.CancelledAt, b.CompletedAt,
		nullString(b.CancellationReason), b.RefundAmount, string(b.RefundStatus),
		b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create booking: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (r *pgRepository) GetByID(ctx context.Context, id string) (*Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.booking.get_by_id")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", id))

	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	b, err := scanBooking(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, ErrBookingNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return b, nil
}

func (r *pgRepository) GetByReference(ctx context.Context, ref string) (*Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.booking.get_by_reference")
	defer span.End()
	span.SetAttributes(attribute.String("booking_reference", ref))

	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE reference = $1`
	b, err := scanBooking(r.db.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, ErrBookingNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get booking by reference: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return b, nil
}

// UpdateWithLock runs SELECT ... FOR UPDATE, applies mutate and writes the
// row back inside one transaction. Concurrent confirm/cancel/expire races on
// the same booking serialize here even if the distributed lock lapses.
func (r *pgRepository) UpdateWithLock(ctx context.Context, id string, mutate func(b *Booking) error) (*Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.booking.update_with_lock")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", id))

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin failed")
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1 FOR UPDATE`
	b, err := scanBooking(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, ErrBookingNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to lock booking: %w", err)
	}

	if err := mutate(b); err != nil {
		return nil, err
	}
	b.UpdatedAt = time.Now().UTC()

	update := `
		UPDATE bookings SET
			status = $2, seat_numbers = $3, payment_id = $4, payment_status = $5,
			expires_at = $6, confirmed_at = $7, cancelled_at = $8, completed_at = $9,
			cancellation_reason = $10, refund_amount = $11, refund_status = $12,
			updated_at = $13
		WHERE id = $1
	`
	_, err = tx.Exec(ctx, update,
		b.ID, string(b.Status), seatsToDB(b.SeatNumbers),
		nullString(b.PaymentID), nullString(b.PaymentStatus),
		b.ExpiresAt, b.ConfirmedAt, b.CancelledAt, b.CompletedAt,
		nullString(b.CancellationReason), b.RefundAmount, string(b.RefundStatus),
		b.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to update booking: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return nil, fmt.Errorf("failed to commit booking update: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return b, nil
}

func (r *pgRepository) ListByRider(ctx context.Context, riderID string, limit, offset int) ([]*Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.booking.list_by_rider")
	defer span.End()
	span.SetAttributes(attribute.String("rider_id", riderID))

	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE rider_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	return r.queryBookings(ctx, query, riderID, limit, offset)
}

func (r *pgRepository) Upcoming(ctx context.Context, riderID, fromDate string) ([]*Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.booking.upcoming")
	defer span.End()
	span.SetAttributes(attribute.String("rider_id", riderID))

	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE rider_id = $1
		  AND status IN ('CONFIRMED', 'CHECKED_IN')
		  AND travel_date >= $2
		ORDER BY travel_date, departure_time
	`
	return r.queryBookings(ctx, query, riderID, fromDate)
}

func (r *pgRepository) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.booking.expired_holds")
	defer span.End()

	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE status IN ('PENDING', 'HELD')
		  AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`
	return r.queryBookings(ctx, query, now, limit)
}

func (r *pgRepository) OccupiedSeats(ctx context.Context, routeID, travelDate string) ([]int, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.booking.occupied_seats")
	defer span.End()
	span.SetAttributes(
		attribute.String("route_id", routeID),
		attribute.String("travel_date", travelDate),
	)

	query := `
		SELECT COALESCE(array_agg(seat), '{}')
		FROM bookings, unnest(seat_numbers) AS seat
		WHERE route_id = $1 AND travel_date = $2
		  AND status IN ('CONFIRMED', 'CHECKED_IN')
	`
	var seats []int32
	if err := r.db.QueryRow(ctx, query, routeID, travelDate).Scan(&seats); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to query occupied seats: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return seatsFromDB(seats), nil
}

func (r *pgRepository) IsHoldLive(ctx context.Context, bookingID string) (bool, error) {
	query := `
		SELECT status, expires_at FROM bookings WHERE id = $1
	`
	var status string
	var expiresAt *time.Time
	err := r.db.QueryRow(ctx, query, bookingID).Scan(&status, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check hold liveness: %w", err)
	}

	b := Booking{Status: Status(status), ExpiresAt: expiresAt}
	return b.HasLiveHold() && !b.HoldExpired(time.Now()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*Booking, error) {
	b := &Booking{}
	var (
		seats              []int32
		status             string
		paymentID          *string
		paymentStatus      *string
		idempotencyKey     *string
		cancellationReason *string
		refundStatus       string
	)

	err := row.Scan(
		&b.ID, &b.Reference, &b.RiderID, &b.RouteID, &b.DriverID,
		&b.OriginStopID, &b.DestinationStopID, &b.TravelDate, &b.DepartureTime,
		&b.SeatsBooked, &seats, &b.PricePerSeat, &b.TotalPrice, &b.PlatformFee,
		&status, &paymentID, &paymentStatus, &idempotencyKey,
		&b.ExpiresAt, &b.ConfirmedAt, &b.CancelledAt, &b.CompletedAt,
		&cancellationReason, &b.RefundAmount, &refundStatus,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.SeatNumbers = seatsFromDB(seats)
	b.Status = Status(status)
	b.RefundStatus = RefundStatus(refundStatus)
	if paymentID != nil {
		b.PaymentID = *paymentID
	}
	if paymentStatus != nil {
		b.PaymentStatus = *paymentStatus
	}
	if idempotencyKey != nil {
		b.IdempotencyKey = *idempotencyKey
	}
	if cancellationReason != nil {
		b.CancellationReason = *cancellationReason
	}
	return b, nil
}

func (r *pgRepository) queryBookings(ctx context.Context, query string, args ...interface{}) ([]*Booking, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func seatsToDB(seats []int) []int32 {
	out := make([]int32, len(seats))
	for i, s := range seats {
		out[i] = int32(s)
	}
	return out
}

func seatsFromDB(seats []int32) []int {
	out := make([]int, len(seats))
	for i, s := range seats {
		out[i] = int(s)
	}
	return out
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
