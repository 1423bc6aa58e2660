package api

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidx345/openride-backend-sub002/internal/ticketing"
	"github.com/davidx345/openride-backend-sub002/pkg/middleware"
	"github.com/davidx345/openride-backend-sub002/pkg/response"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

// TicketHandler serves the /v1/tickets endpoints
type TicketHandler struct {
	svc ticketing.Service
}

func NewTicketHandler(svc ticketing.Service) *TicketHandler {
	return &TicketHandler{svc: svc}
}

// Generate handles POST /v1/tickets/generate. Tickets normally issue from the
// booking.confirmed consumer; this is the manual escape hatch.
func (h *TicketHandler) Generate(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.ticket.generate")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var in ticketing.IssueTicketInput
	if err := c.ShouldBindJSON(&in); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, err.Error())
		return
	}
	span.SetAttributes(attribute.String("booking_id", in.BookingID))

	ticket, err := h.svc.IssueTicket(ctx, &in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetAttributes(attribute.String("ticket_id", ticket.ID))
	span.SetStatus(codes.Ok, "")
	response.Created(c, ticket)
}

// Get handles GET /v1/tickets/:id
func (h *TicketHandler) Get(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.ticket.get")
	defer span.End()

	ticket, err := h.svc.GetTicket(ctx, c.Param("id"))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, ticket)
}

// Verify handles POST /v1/tickets/verify
func (h *TicketHandler) Verify(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.ticket.verify")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req ticketing.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, err.Error())
		return
	}
	req.VerifierID = c.GetString(middleware.UserIDKey)
	req.IPAddress = clientIP(c)
	req.UserAgent = c.Request.UserAgent()

	// drivers verify against themselves unless they say otherwise
	if req.ExpectedDriverID == "" && c.GetString(middleware.UserRoleKey) == middleware.RoleDriver {
		req.ExpectedDriverID = req.VerifierID
	}
	span.SetAttributes(attribute.String("ticket_id", req.TicketID))

	resp, err := h.svc.VerifyTicket(ctx, &req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetAttributes(attribute.String("result", string(resp.Result)))
	span.SetStatus(codes.Ok, "")
	response.Success(c, resp)
}

// Cancel handles POST /v1/tickets/:id/cancel
func (h *TicketHandler) Cancel(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.ticket.cancel")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	ticket, err := h.svc.CancelTicket(ctx, c.Param("id"))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, ticket)
}

// MerkleProof handles GET /v1/tickets/:id/merkle-proof
func (h *TicketHandler) MerkleProof(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.ticket.merkle_proof")
	defer span.End()

	proof, err := h.svc.GetMerkleProof(ctx, c.Param("id"))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, proof)
}

// Verifications handles GET /v1/tickets/:id/verifications
func (h *TicketHandler) Verifications(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.ticket.verifications")
	defer span.End()

	logs, err := h.svc.Verifications(ctx, c.Param("id"), intQuery(c, "limit", 20, 1, 200))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	response.Success(c, logs)
}

// handleError converts ticketing domain errors to HTTP responses
func (h *TicketHandler) handleError(c *gin.Context, err error) {
	switch {
	case ticketing.IsNotFound(err):
		response.NotFound(c, err.Error())
	case ticketing.IsValidation(err):
		response.BadRequest(c, err.Error())
	case ticketing.IsConflict(err):
		response.Conflict(c, "CONFLICT", err.Error())
	default:
		response.InternalError(c, err)
	}
}
