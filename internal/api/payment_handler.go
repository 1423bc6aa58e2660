package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidx345/openride-backend-sub002/internal/lock"
	"github.com/davidx345/openride-backend-sub002/internal/payment"
	"github.com/davidx345/openride-backend-sub002/pkg/middleware"
	"github.com/davidx345/openride-backend-sub002/pkg/response"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

// GatewaySignatureHeader carries the hex HMAC of the webhook body
const GatewaySignatureHeader = "X-Gateway-Signature"

// PaymentHandler serves the /v1/payments and webhook endpoints
type PaymentHandler struct {
	svc payment.Service
}

func NewPaymentHandler(svc payment.Service) *PaymentHandler {
	return &PaymentHandler{svc: svc}
}

// Initiate handles POST /v1/payments/initiate
func (h *PaymentHandler) Initiate(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.payment.initiate")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	riderID := c.GetString(middleware.UserIDKey)

	var in payment.InitiatePaymentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("rider_id", riderID),
		attribute.String("booking_id", in.BookingID),
	)

	p, err := h.svc.InitiatePayment(ctx, riderID, &in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetAttributes(attribute.String("payment_id", p.ID))
	span.SetStatus(codes.Ok, "")
	response.Created(c, p)
}

// GatewayWebhook handles POST /v1/webhooks/gateway. The signature covers the
// raw body, so it is read before any JSON decoding.
func (h *PaymentHandler) GatewayWebhook(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.payment.webhook")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		span.SetStatus(codes.Error, "unreadable body")
		response.BadRequest(c, "unreadable request body")
		return
	}

	if err := h.svc.ProcessWebhook(ctx, body, c.GetHeader(GatewaySignatureHeader)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, payment.ErrBadSignature) {
			response.Unauthorized(c, "invalid webhook signature")
			return
		}
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.Status(http.StatusOK)
}

// Get handles GET /v1/payments/:id
func (h *PaymentHandler) Get(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.payment.get")
	defer span.End()

	p, err := h.svc.GetPayment(ctx, c.Param("id"), h.ownerID(c))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, p)
}

// GetForBooking handles GET /v1/payments/booking/:bookingId
func (h *PaymentHandler) GetForBooking(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.payment.get_for_booking")
	defer span.End()

	p, err := h.svc.PaymentForBooking(ctx, c.Param("bookingId"), h.ownerID(c))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, p)
}

// ListMine handles GET /v1/payments/my-payments
func (h *PaymentHandler) ListMine(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.payment.list_mine")
	defer span.End()

	page, size := pageParams(c)
	items, err := h.svc.ListMyPayments(ctx, c.GetString(middleware.UserIDKey), page, size)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, response.Page{Items: items, Page: page, Size: size, TotalItems: int64(len(items))})
}

// Verify handles POST /v1/payments/:id/verify
func (h *PaymentHandler) Verify(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.payment.verify")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	p, err := h.svc.VerifyPayment(ctx, c.Param("id"))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, p)
}

// List handles GET /v1/admin/payments
func (h *PaymentHandler) List(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.payment.admin_list")
	defer span.End()

	page, size := pageParams(c)
	items, err := h.svc.ListPayments(ctx,
		payment.Status(c.Query("status")), c.Query("riderId"), page, size)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, response.Page{Items: items, Page: page, Size: size, TotalItems: int64(len(items))})
}

type refundRequest struct {
	Amount float64 `json:"amount" binding:"required"`
	Reason string  `json:"reason"`
}

// Refund handles POST /v1/admin/payments/:id/refund
func (h *PaymentHandler) Refund(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.payment.refund")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, err.Error())
		return
	}

	p, err := h.svc.Refund(ctx, c.Param("id"), req.Amount, req.Reason,
		c.GetString(middleware.UserIDKey), c.GetString(middleware.UserRoleKey))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, p)
}

// Expire handles POST /v1/admin/payments/expire
func (h *PaymentHandler) Expire(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.payment.expire")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	expired, err := h.svc.ExpirePayments(ctx, intQuery(c, "limit", 100, 1, 1000))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, gin.H{"expired": expired})
}

// Events handles GET /v1/admin/payments/:id/events
func (h *PaymentHandler) Events(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.payment.events")
	defer span.End()

	events, err := h.svc.Events(ctx, c.Param("id"))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, events)
}

// RunReconciliation handles POST /v1/admin/reconciliation/run. Defaults to
// yesterday when no date is given.
func (h *PaymentHandler) RunReconciliation(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.payment.reconcile")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	date := c.Query("date")
	if date == "" {
		date = time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		span.SetStatus(codes.Error, "invalid date")
		response.BadRequest(c, "date must be YYYY-MM-DD")
		return
	}
	span.SetAttributes(attribute.String("date", date))

	record, err := h.svc.RunReconciliation(ctx, date)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, record)
}

// ListReconciliations handles GET /v1/admin/reconciliation
func (h *PaymentHandler) ListReconciliations(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.payment.reconciliations")
	defer span.End()

	records, err := h.svc.ListReconciliations(ctx, intQuery(c, "limit", 30, 1, 365))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, records)
}

// ListDiscrepancies handles GET /v1/admin/reconciliation/discrepancies
func (h *PaymentHandler) ListDiscrepancies(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.payment.discrepancies")
	defer span.End()

	records, err := h.svc.ListReconciliations(ctx, intQuery(c, "limit", 90, 1, 365))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	out := make([]*payment.ReconciliationRecord, 0)
	for _, r := range records {
		if r.Status == payment.ReconciliationDiscrepancy {
			out = append(out, r)
		}
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, out)
}

// ownerID returns the rider id to scope reads by; admins read unscoped
func (h *PaymentHandler) ownerID(c *gin.Context) string {
	if c.GetString(middleware.UserRoleKey) == middleware.RoleAdmin {
		return ""
	}
	return c.GetString(middleware.UserIDKey)
}

// handleError converts payment domain errors to HTTP responses
func (h *PaymentHandler) handleError(c *gin.Context, err error) {
	switch {
	case payment.IsNotFound(err):
		response.NotFound(c, err.Error())
	case payment.IsValidation(err):
		response.BadRequest(c, err.Error())
	case payment.IsConflict(err):
		response.Conflict(c, "CONFLICT", err.Error())
	case errors.Is(err, payment.ErrGatewayUnavailable):
		response.ServiceUnavailable(c, "GATEWAY_UNAVAILABLE", err.Error())
	case errors.Is(err, lock.ErrLockTimeout):
		response.ServiceUnavailable(c, "LOCK_TIMEOUT", err.Error())
	default:
		response.InternalError(c, err)
	}
}
