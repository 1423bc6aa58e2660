package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidx345/openride-backend-sub002/internal/booking"
	"github.com/davidx345/openride-backend-sub002/internal/lock"
	"github.com/davidx345/openride-backend-sub002/pkg/middleware"
	"github.com/davidx345/openride-backend-sub002/pkg/response"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

// BookingHandler serves the /v1/bookings endpoints
type BookingHandler struct {
	svc booking.Service
}

func NewBookingHandler(svc booking.Service) *BookingHandler {
	return &BookingHandler{svc: svc}
}

// Create handles POST /v1/bookings
func (h *BookingHandler) Create(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.create")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	riderID := c.GetString(middleware.UserIDKey)

	var in booking.CreateBookingInput
	if err := c.ShouldBindJSON(&in); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("rider_id", riderID),
		attribute.String("route_id", in.RouteID),
		attribute.Int("seats", in.Seats),
	)

	b, err := h.svc.CreateBooking(ctx, riderID, &in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetAttributes(attribute.String("booking_id", b.ID))
	span.SetStatus(codes.Ok, "")
	response.Created(c, b)
}

// Get handles GET /v1/bookings/:id
func (h *BookingHandler) Get(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.get")
	defer span.End()

	b, err := h.svc.GetBooking(ctx, c.Param("id"), h.ownerID(c))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, b)
}

// GetByReference handles GET /v1/bookings/reference/:ref
func (h *BookingHandler) GetByReference(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.get_by_reference")
	defer span.End()

	b, err := h.svc.GetByReference(ctx, c.Param("ref"), h.ownerID(c))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, b)
}

// List handles GET /v1/bookings
func (h *BookingHandler) List(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.list")
	defer span.End()

	page, size := pageParams(c)
	items, err := h.svc.ListBookings(ctx, c.GetString(middleware.UserIDKey), page, size)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, response.Page{Items: items, Page: page, Size: size, TotalItems: int64(len(items))})
}

// Upcoming handles GET /v1/bookings/upcoming
func (h *BookingHandler) Upcoming(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.upcoming")
	defer span.End()

	items, err := h.svc.Upcoming(ctx, c.GetString(middleware.UserIDKey))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, items)
}

type cancelBookingRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /v1/bookings/:id/cancel
func (h *BookingHandler) Cancel(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.cancel")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req cancelBookingRequest
	_ = c.ShouldBindJSON(&req)

	b, err := h.svc.CancelBooking(ctx, c.Param("id"), req.Reason,
		c.GetString(middleware.UserIDKey), c.GetString(middleware.UserRoleKey))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, b)
}

type confirmBookingRequest struct {
	PaymentID string `json:"payment_id" binding:"required"`
}

// Confirm handles POST /v1/bookings/:id/confirm (internal)
func (h *BookingHandler) Confirm(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.confirm")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req confirmBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, err.Error())
		return
	}

	b, err := h.svc.ConfirmBooking(ctx, c.Param("id"), req.PaymentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, b)
}

// PaymentInitiated handles POST /v1/bookings/:id/payment-initiated (internal)
func (h *BookingHandler) PaymentInitiated(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.payment_initiated")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req confirmBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.svc.MarkPaymentInitiated(ctx, c.Param("id"), req.PaymentID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	c.Status(http.StatusNoContent)
}

// CheckIn handles POST /v1/bookings/:id/check-in
func (h *BookingHandler) CheckIn(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.check_in")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	b, err := h.svc.CheckIn(ctx, c.Param("id"),
		c.GetString(middleware.UserIDKey), c.GetString(middleware.UserRoleKey))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, b)
}

// Complete handles POST /v1/bookings/:id/complete
func (h *BookingHandler) Complete(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.complete")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	b, err := h.svc.CompleteBooking(ctx, c.Param("id"),
		c.GetString(middleware.UserIDKey), c.GetString(middleware.UserRoleKey))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, b)
}

// ownerID returns the rider id to scope reads by; admins read unscoped
func (h *BookingHandler) ownerID(c *gin.Context) string {
	if c.GetString(middleware.UserRoleKey) == middleware.RoleAdmin {
		return ""
	}
	return c.GetString(middleware.UserIDKey)
}

// handleError converts booking domain errors to HTTP responses
func (h *BookingHandler) handleError(c *gin.Context, err error) {
	switch {
	case booking.IsNotFound(err):
		response.NotFound(c, err.Error())
	case booking.IsForbidden(err):
		response.Forbidden(c, err.Error())
	case booking.IsValidation(err):
		response.BadRequest(c, err.Error())
	case errors.Is(err, booking.ErrBookingExpired):
		response.Conflict(c, "BOOKING_EXPIRED", err.Error())
	case booking.IsConflict(err):
		response.Conflict(c, "CONFLICT", err.Error())
	case errors.Is(err, lock.ErrLockTimeout):
		response.ServiceUnavailable(c, "LOCK_TIMEOUT", err.Error())
	default:
		response.InternalError(c, err)
	}
}
