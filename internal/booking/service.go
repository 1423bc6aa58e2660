package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidx345/openride-backend-sub002/internal/eventbus"
	"github.com/davidx345/openride-backend-sub002/internal/idempotency"
	"github.com/davidx345/openride-backend-sub002/internal/inventory"
	"github.com/davidx345/openride-backend-sub002/internal/lock"
	"github.com/davidx345/openride-backend-sub002/internal/metrics"
	"github.com/davidx345/openride-backend-sub002/internal/statemachine"
	"github.com/davidx345/openride-backend-sub002/pkg/logger"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

// Actor roles carried on transitions and ownership checks
const (
	RoleRider  = "RIDER"
	RoleDriver = "DRIVER"
	RoleAdmin  = "ADMIN"
	RoleSystem = "SYSTEM"
)

// RouteQuote is the authoritative route data returned by matchmaking when a
// booking is created
type RouteQuote struct {
	RouteID       string
	DriverID      string
	DepartureTime time.Time
	PricePerSeat  float64
	SeatsTotal    int
}

// RouteValidator confirms a route is bookable and prices it. The matchmaking
// core implements it.
type RouteValidator interface {
	ValidateRouteForBooking(ctx context.Context, routeID, travelDate string, seats int) (*RouteQuote, error)
}

// CreateBookingInput is the createBooking request
type CreateBookingInput struct {
	RouteID           string `json:"route_id" binding:"required"`
	OriginStopID      string `json:"origin_stop_id" binding:"required"`
	DestinationStopID string `json:"destination_stop_id" binding:"required"`
	TravelDate        string `json:"travel_date" binding:"required"`
	Seats             int    `json:"seats" binding:"required"`
	IdempotencyKey    string `json:"idempotency_key,omitempty"`
}

// Service is the booking core
type Service interface {
	CreateBooking(ctx context.Context, riderID string, in *CreateBookingInput) (*Booking, error)
	// ConfirmBooking is called by the payment core after gateway success.
	// Confirming a booking that is already past payment is a no-op.
	ConfirmBooking(ctx context.Context, bookingID, paymentID string) (*Booking, error)
	// MarkPaymentInitiated moves HELD to PAYMENT_INITIATED when a payment
	// is opened for the booking
	MarkPaymentInitiated(ctx context.Context, bookingID, paymentID string) error
	CancelBooking(ctx context.Context, bookingID, reason, actorID, actorRole string) (*Booking, error)
	CheckIn(ctx context.Context, bookingID, actorID, actorRole string) (*Booking, error)
	CompleteBooking(ctx context.Context, bookingID, actorID, actorRole string) (*Booking, error)

	GetBooking(ctx context.Context, bookingID, riderID string) (*Booking, error)
	GetByReference(ctx context.Context, ref, riderID string) (*Booking, error)
	ListBookings(ctx context.Context, riderID string, page, size int) ([]*Booking, error)
	Upcoming(ctx context.Context, riderID string) ([]*Booking, error)

	// ExpireHolds and CleanupOrphanedHolds back the scheduler jobs
	ExpireHolds(ctx context.Context, limit int) (int, error)
	CleanupOrphanedHolds(ctx context.Context) (int, error)
}

// ServiceConfig tunes the booking core
type ServiceConfig struct {
	HoldTTL        time.Duration
	MaxSeats       int
	PlatformFeePct float64
	Refunds        RefundPolicy
}

// DefaultServiceConfig returns the standard booking configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		HoldTTL:        10 * time.Minute,
		MaxSeats:       4,
		PlatformFeePct: 5.0,
		Refunds:        DefaultRefundPolicy(),
	}
}

type service struct {
	repo      Repository
	inv       inventory.Engine
	locks     lock.Service
	idem      idempotency.Store
	publisher eventbus.Publisher
	routes    RouteValidator
	machine   *statemachine.Machine[Status]
	cfg       ServiceConfig
	log       *logger.Logger
}

var _ Service = (*service)(nil)

// NewService wires the booking core
func NewService(
	repo Repository,
	inv inventory.Engine,
	locks lock.Service,
	idem idempotency.Store,
	publisher eventbus.Publisher,
	routes RouteValidator,
	recorder statemachine.Recorder,
	cfg ServiceConfig,
) Service {
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = 10 * time.Minute
	}
	if cfg.MaxSeats <= 0 {
		cfg.MaxSeats = 4
	}
	if cfg.Refunds == (RefundPolicy{}) {
		cfg.Refunds = DefaultRefundPolicy()
	}
	return &service{
		repo:      repo,
		inv:       inv,
		locks:     locks,
		idem:      idem,
		publisher: publisher,
		routes:    routes,
		machine:   statemachine.New("booking", Transitions, recorder),
		cfg:       cfg,
		log:       logger.Get(),
	}
}

func (s *service) CreateBooking(ctx context.Context, riderID string, in *CreateBookingInput) (*Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.booking.create")
	defer span.End()

	if in == nil || riderID == "" {
		return nil, ErrInvalidRequest
	}
	if in.RouteID == "" || in.TravelDate == "" || in.OriginStopID == "" || in.DestinationStopID == "" {
		return nil, ErrInvalidRequest
	}
	if in.Seats < 1 || in.Seats > s.cfg.MaxSeats {
		return nil, fmt.Errorf("seats must be 1..%d: %w", s.cfg.MaxSeats, ErrInvalidSeatCount)
	}

	span.SetAttributes(
		attribute.String("rider_id", riderID),
		attribute.String("route_id", in.RouteID),
		attribute.String("travel_date", in.TravelDate),
		attribute.Int("seats", in.Seats),
	)

	bookingID := uuid.New().String()

	// idempotent replay returns the original booking, never a new row
	var firstWriter bool
	if in.IdempotencyKey != "" {
		stored, first, err := s.idem.RegisterOrGet(ctx,
			idempotency.BookingKey(in.IdempotencyKey), bookingID, idempotency.RequestTTL)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "idempotency check failed")
			return nil, err
		}
		firstWriter = first
		if !first {
			existing, err := s.repo.GetByID(ctx, stored)
			if err != nil {
				if errors.Is(err, ErrBookingNotFound) {
					// the first writer registered the key but has not
					// persisted yet (or crashed before doing so)
					return nil, ErrCreationInFlight
				}
				return nil, err
			}
			span.SetAttributes(attribute.Bool("idempotent_replay", true))
			span.SetStatus(codes.Ok, "")
			return existing, nil
		}
	}

	quote, err := s.routes.ValidateRouteForBooking(ctx, in.RouteID, in.TravelDate, in.Seats)
	if err != nil {
		s.releaseIdemKey(ctx, in.IdempotencyKey, firstWriter)
		span.RecordError(err)
		span.SetStatus(codes.Error, "route validation failed")
		return nil, err
	}

	var booking *Booking
	var persisted bool
	err = s.locks.WithLock(ctx, lock.RouteKey(in.RouteID, in.TravelDate), 0, 0, func(ctx context.Context) error {
		available, err := s.inv.AvailableCount(ctx, in.RouteID, in.TravelDate)
		if err != nil {
			return err
		}
		if available < in.Seats {
			return fmt.Errorf("route %s on %s has %d seats left: %w",
				in.RouteID, in.TravelDate, available, ErrNotEnoughSeats)
		}

		seats, err := s.inv.Allocate(ctx, in.RouteID, in.TravelDate, in.Seats)
		if err != nil {
			if errors.Is(err, inventory.ErrNotEnoughSeats) {
				return fmt.Errorf("%v: %w", err, ErrNotEnoughSeats)
			}
			return err
		}

		now := time.Now().UTC()
		expires := now.Add(s.cfg.HoldTTL)
		total := roundMoney(quote.PricePerSeat * float64(in.Seats))
		booking = &Booking{
			ID:                bookingID,
			Reference:         NewReference(),
			RiderID:           riderID,
			RouteID:           in.RouteID,
			DriverID:          quote.DriverID,
			OriginStopID:      in.OriginStopID,
			DestinationStopID: in.DestinationStopID,
			TravelDate:        in.TravelDate,
			DepartureTime:     quote.DepartureTime,
			SeatsBooked:       in.Seats,
			SeatNumbers:       seats,
			PricePerSeat:      quote.PricePerSeat,
			TotalPrice:        total,
			PlatformFee:       roundMoney(total * s.cfg.PlatformFeePct / 100),
			Status:            StatusPending,
			IdempotencyKey:    in.IdempotencyKey,
			ExpiresAt:         &expires,
			RefundStatus:      RefundNone,
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		if err := s.repo.Create(ctx, booking); err != nil {
			return err
		}
		persisted = true

		if err := s.inv.Hold(ctx, in.RouteID, in.TravelDate, seats, bookingID, s.cfg.HoldTTL); err != nil {
			if failErr := s.transition(ctx, booking, StatusFailed, "Seat hold failed", riderID, RoleRider); failErr != nil {
				s.log.Error("Failed to mark booking FAILED after hold failure",
					"booking_id", bookingID, "error", failErr)
			}
			if metrics.BookingsFailed != nil {
				metrics.BookingsFailed.Inc(ctx)
			}
			return fmt.Errorf("booking %s: %w: %v", bookingID, ErrSeatHoldFailed, err)
		}

		return s.transition(ctx, booking, StatusHeld, "Seats held", riderID, RoleRider)
	})
	if err != nil {
		// once a row exists (even FAILED) replay should find it; before
		// that the key must not keep pointing at a booking that never was
		if !persisted {
			s.releaseIdemKey(ctx, in.IdempotencyKey, firstWriter)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.publish(ctx, eventbus.TopicBookingCreated, booking)
	metrics.RecordBookingCreated(ctx, booking.RouteID, booking.SeatsBooked)

	s.log.Info("Booking created",
		"booking_id", booking.ID,
		"reference", booking.Reference,
		"route_id", booking.RouteID,
		"seats", booking.SeatNumbers,
		"expires_at", booking.ExpiresAt,
	)

	span.SetAttributes(attribute.String("booking_id", booking.ID))
	span.SetStatus(codes.Ok, "")
	return booking, nil
}

// releaseIdemKey undoes a first-writer registration whose booking never
// reached the database, so the client can retry with the same key. Best
// effort: if the delete fails the key ages out with its TTL.
func (s *service) releaseIdemKey(ctx context.Context, clientKey string, firstWriter bool) {
	if !firstWriter || clientKey == "" {
		return
	}
	if err := s.idem.Clear(ctx, idempotency.BookingKey(clientKey)); err != nil {
		s.log.Warn("Failed to release idempotency key after failed create",
			"idempotency_key", clientKey, "error", err)
	}
}

func (s *service) ConfirmBooking(ctx context.Context, bookingID, paymentID string) (*Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.booking.confirm")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking_id", bookingID),
		attribute.String("payment_id", paymentID),
	)

	var confirmed bool
	var booking *Booking
	err := s.locks.WithLock(ctx, lock.BookingKey(bookingID), 0, 0, func(ctx context.Context) error {
		var err error
		booking, err = s.repo.UpdateWithLock(ctx, bookingID, func(b *Booking) error {
			if b.Status != StatusHeld && b.Status != StatusPaymentInitiated {
				s.log.Info("Confirm is a no-op in current state",
					"booking_id", bookingID, "status", b.Status)
				return nil
			}

			if b.Status == StatusHeld {
				if err := s.machine.TransitionTo(ctx, b.ID, b.Status, StatusPaymentInitiated,
					"Payment settled", paymentID, RoleSystem); err != nil {
					return err
				}
				b.Status = StatusPaymentInitiated
			}
			if err := s.machine.TransitionTo(ctx, b.ID, b.Status, StatusPaid,
				"Payment succeeded", paymentID, RoleSystem); err != nil {
				return err
			}
			b.Status = StatusPaid
			if err := s.machine.TransitionTo(ctx, b.ID, b.Status, StatusConfirmed,
				"Booking confirmed", paymentID, RoleSystem); err != nil {
				return err
			}
			b.Status = StatusConfirmed

			now := time.Now().UTC()
			b.PaymentID = paymentID
			b.PaymentStatus = "SUCCESS"
			b.ConfirmedAt = &now
			b.ExpiresAt = nil
			confirmed = true
			return nil
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if confirmed {
		if err := s.inv.Release(ctx, booking.RouteID, booking.TravelDate, booking.SeatNumbers, booking.ID); err != nil {
			// seats are already owned via CONFIRMED rows; the hold TTL
			// cleans up if this release is lost
			s.log.Warn("Failed to release hold after confirm",
				"booking_id", booking.ID, "error", err)
		}
		s.publish(ctx, eventbus.TopicBookingConfirmed, booking)
		metrics.RecordBookingConfirmed(ctx, booking.RouteID, booking.SeatsBooked,
			time.Since(booking.CreatedAt).Seconds())
		s.log.Info("Booking confirmed", "booking_id", booking.ID, "payment_id", paymentID)
	}

	span.SetStatus(codes.Ok, "")
	return booking, nil
}

func (s *service) MarkPaymentInitiated(ctx context.Context, bookingID, paymentID string) error {
	ctx, span := telemetry.StartSpan(ctx, "service.booking.mark_payment_initiated")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID))

	_, err := s.repo.UpdateWithLock(ctx, bookingID, func(b *Booking) error {
		if b.Status == StatusPaymentInitiated {
			return nil
		}
		if err := s.machine.TransitionTo(ctx, b.ID, b.Status, StatusPaymentInitiated,
			"Payment initiated", paymentID, RoleSystem); err != nil {
			return err
		}
		b.Status = StatusPaymentInitiated
		b.PaymentID = paymentID
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *service) CancelBooking(ctx context.Context, bookingID, reason, actorID, actorRole string) (*Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.booking.cancel")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking_id", bookingID),
		attribute.String("actor_role", actorRole),
	)

	var hadHold bool
	var booking *Booking
	err := s.locks.WithLock(ctx, lock.BookingKey(bookingID), 0, 0, func(ctx context.Context) error {
		var err error
		booking, err = s.repo.UpdateWithLock(ctx, bookingID, func(b *Booking) error {
			if actorRole == RoleRider && !b.BelongsTo(actorID) {
				return ErrNotOwner
			}
			if !s.machine.Can(b.Status, StatusCancelled) {
				return fmt.Errorf("booking %s is %s: %w", b.ID, b.Status, ErrNotCancellable)
			}

			refund := s.cfg.Refunds.RefundFor(b.TotalPrice, b.DepartureTime, time.Now().UTC())
			hadHold = b.HasLiveHold()

			if err := s.machine.TransitionTo(ctx, b.ID, b.Status, StatusCancelled,
				reason, actorID, actorRole); err != nil {
				return err
			}
			now := time.Now().UTC()
			b.Status = StatusCancelled
			b.CancelledAt = &now
			b.CancellationReason = reason
			b.ExpiresAt = nil
			b.RefundAmount = refund
			if refund > 0 {
				b.RefundStatus = RefundPending
			} else {
				b.RefundStatus = RefundNone
			}
			return nil
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if hadHold {
		if err := s.inv.Release(ctx, booking.RouteID, booking.TravelDate, booking.SeatNumbers, booking.ID); err != nil {
			s.log.Warn("Failed to release hold after cancel",
				"booking_id", booking.ID, "error", err)
		}
	}

	s.publish(ctx, eventbus.TopicBookingCancelled, booking)
	metrics.RecordBookingReleased(ctx, metrics.BookingsCancelled, booking.SeatsBooked)
	s.log.Info("Booking cancelled",
		"booking_id", booking.ID,
		"refund_amount", booking.RefundAmount,
		"actor_role", actorRole,
	)

	span.SetStatus(codes.Ok, "")
	return booking, nil
}

func (s *service) CheckIn(ctx context.Context, bookingID, actorID, actorRole string) (*Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.booking.check_in")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID))

	booking, err := s.repo.UpdateWithLock(ctx, bookingID, func(b *Booking) error {
		if actorRole == RoleDriver && b.DriverID != actorID {
			return ErrNotOwner
		}
		if err := s.machine.TransitionTo(ctx, b.ID, b.Status, StatusCheckedIn,
			"Rider checked in", actorID, actorRole); err != nil {
			return err
		}
		b.Status = StatusCheckedIn
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.log.Info("Booking checked in", "booking_id", bookingID)
	span.SetStatus(codes.Ok, "")
	return booking, nil
}

func (s *service) CompleteBooking(ctx context.Context, bookingID, actorID, actorRole string) (*Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.booking.complete")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID))

	booking, err := s.repo.UpdateWithLock(ctx, bookingID, func(b *Booking) error {
		if actorRole == RoleDriver && b.DriverID != actorID {
			return ErrNotOwner
		}
		if err := s.machine.TransitionTo(ctx, b.ID, b.Status, StatusCompleted,
			"Trip completed", actorID, actorRole); err != nil {
			return err
		}
		now := time.Now().UTC()
		b.Status = StatusCompleted
		b.CompletedAt = &now
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.publish(ctx, eventbus.TopicBookingCompleted, booking)
	s.publish(ctx, eventbus.TopicTripCompleted, booking)
	s.log.Info("Booking completed", "booking_id", bookingID)

	span.SetStatus(codes.Ok, "")
	return booking, nil
}

func (s *service) GetBooking(ctx context.Context, bookingID, riderID string) (*Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.booking.get")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID))

	booking, err := s.repo.GetByID(ctx, bookingID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if riderID != "" && !booking.BelongsTo(riderID) {
		span.SetStatus(codes.Error, "not owner")
		return nil, ErrNotOwner
	}

	span.SetStatus(codes.Ok, "")
	return booking, nil
}

func (s *service) GetByReference(ctx context.Context, ref, riderID string) (*Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.booking.get_by_reference")
	defer span.End()
	span.SetAttributes(attribute.String("booking_reference", ref))

	booking, err := s.repo.GetByReference(ctx, ref)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if riderID != "" && !booking.BelongsTo(riderID) {
		span.SetStatus(codes.Error, "not owner")
		return nil, ErrNotOwner
	}

	span.SetStatus(codes.Ok, "")
	return booking, nil
}

func (s *service) ListBookings(ctx context.Context, riderID string, page, size int) ([]*Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.booking.list")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	return s.repo.ListByRider(ctx, riderID, size, (page-1)*size)
}

func (s *service) Upcoming(ctx context.Context, riderID string) ([]*Booking, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.booking.upcoming")
	defer span.End()

	today := time.Now().UTC().Format("2006-01-02")
	return s.repo.Upcoming(ctx, riderID, today)
}

// ExpireHolds moves PENDING/HELD bookings past their hold window to EXPIRED
// and releases their seats. Runs as a singleton scheduler job.
func (s *service) ExpireHolds(ctx context.Context, limit int) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.booking.expire_holds")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	candidates, err := s.repo.ExpiredHolds(ctx, time.Now().UTC(), limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return 0, err
	}

	expired := 0
	for _, candidate := range candidates {
		id := candidate.ID
		err := s.locks.WithLock(ctx, lock.BookingKey(id), 0, 0, func(ctx context.Context) error {
			booking, err := s.repo.UpdateWithLock(ctx, id, func(b *Booking) error {
				// recheck under lock: a confirm may have won the race
				if (b.Status != StatusPending && b.Status != StatusHeld) || !b.HoldExpired(time.Now()) {
					return nil
				}
				if err := s.machine.TransitionTo(ctx, b.ID, b.Status, StatusExpired,
					"Hold expired", "", RoleSystem); err != nil {
					return err
				}
				b.Status = StatusExpired
				b.ExpiresAt = nil
				return nil
			})
			if err != nil {
				return err
			}
			if booking.Status == StatusExpired {
				_ = s.inv.Release(ctx, booking.RouteID, booking.TravelDate, booking.SeatNumbers, booking.ID)
				metrics.RecordBookingReleased(ctx, metrics.BookingsExpired, booking.SeatsBooked)
				expired++
			}
			return nil
		})
		if err != nil {
			s.log.Error("Failed to expire booking hold", "booking_id", id, "error", err)
		}
	}

	if expired > 0 {
		s.log.Info("Expired booking holds", "count", expired)
	}

	span.SetAttributes(attribute.Int("expired", expired))
	span.SetStatus(codes.Ok, "")
	return expired, nil
}

// CleanupOrphanedHolds drops hold keys whose booking no longer exists or is
// already terminal
func (s *service) CleanupOrphanedHolds(ctx context.Context) (int, error) {
	return s.inv.CleanupOrphans(ctx, s.repo)
}

// transition applies a state change through the machine and persists it
func (s *service) transition(ctx context.Context, b *Booking, to Status, reason, actorID, actorRole string) error {
	updated, err := s.repo.UpdateWithLock(ctx, b.ID, func(row *Booking) error {
		if err := s.machine.TransitionTo(ctx, row.ID, row.Status, to, reason, actorID, actorRole); err != nil {
			return err
		}
		row.Status = to
		return nil
	})
	if err != nil {
		return err
	}
	b.Status = updated.Status
	b.UpdatedAt = updated.UpdatedAt
	return nil
}

// bookingEvent is the payload published on the booking topics
type bookingEvent struct {
	BookingID    string     `json:"booking_id"`
	Reference    string     `json:"reference"`
	RiderID      string     `json:"rider_id"`
	RouteID      string     `json:"route_id"`
	DriverID     string     `json:"driver_id"`
	TravelDate   string     `json:"travel_date"`
	SeatsBooked  int        `json:"seats_booked"`
	SeatNumbers  []int      `json:"seat_numbers"`
	TotalPrice   float64    `json:"total_price"`
	PlatformFee  float64    `json:"platform_fee"`
	Status       Status     `json:"status"`
	PaymentID    string     `json:"payment_id,omitempty"`
	RefundAmount float64    `json:"refund_amount,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func (s *service) publish(ctx context.Context, topic string, b *Booking) {
	event, err := eventbus.NewEvent(topic, b.ID, bookingEvent{
		BookingID:    b.ID,
		Reference:    b.Reference,
		RiderID:      b.RiderID,
		RouteID:      b.RouteID,
		DriverID:     b.DriverID,
		TravelDate:   b.TravelDate,
		SeatsBooked:  b.SeatsBooked,
		SeatNumbers:  b.SeatNumbers,
		TotalPrice:   b.TotalPrice,
		PlatformFee:  b.PlatformFee,
		Status:       b.Status,
		PaymentID:    b.PaymentID,
		RefundAmount: b.RefundAmount,
		ExpiresAt:    b.ExpiresAt,
		ConfirmedAt:  b.ConfirmedAt,
		CompletedAt:  b.CompletedAt,
	})
	if err != nil {
		s.log.Error("Failed to build booking event", "topic", topic, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Error("Failed to publish booking event",
			"topic", topic, "booking_id", b.ID, "error", err)
	}
}
