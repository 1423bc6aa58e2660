package api

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidx345/openride-backend-sub002/internal/matchmaking"
	"github.com/davidx345/openride-backend-sub002/pkg/middleware"
	"github.com/davidx345/openride-backend-sub002/pkg/response"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

// MatchHandler serves POST /v1/match
type MatchHandler struct {
	svc matchmaking.Service
}

func NewMatchHandler(svc matchmaking.Service) *MatchHandler {
	return &MatchHandler{svc: svc}
}

// Match handles POST /v1/match
func (h *MatchHandler) Match(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.match.match")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req matchmaking.MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, err.Error())
		return
	}
	req.RiderID = c.GetString(middleware.UserIDKey)
	span.SetAttributes(attribute.String("rider_id", req.RiderID))

	resp, err := h.svc.Match(ctx, &req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetAttributes(
		attribute.Int("total", resp.Total),
		attribute.Int("matched", resp.Matched),
		attribute.Bool("cached", resp.Cached),
	)
	span.SetStatus(codes.Ok, "")
	response.Success(c, resp)
}

// handleError converts matchmaking domain errors to HTTP responses
func (h *MatchHandler) handleError(c *gin.Context, err error) {
	switch {
	case matchmaking.IsNotFound(err):
		response.NotFound(c, err.Error())
	case matchmaking.IsValidation(err):
		response.BadRequest(c, err.Error())
	default:
		response.InternalError(c, err)
	}
}
