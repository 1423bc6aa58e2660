// Package api exposes the /v1 HTTP surface over the domain cores.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/davidx345/openride-backend-sub002/internal/booking"
	"github.com/davidx345/openride-backend-sub002/internal/matchmaking"
	"github.com/davidx345/openride-backend-sub002/internal/payment"
	"github.com/davidx345/openride-backend-sub002/internal/ticketing"
	"github.com/davidx345/openride-backend-sub002/pkg/middleware"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

// Config tunes the HTTP layer
type Config struct {
	ServiceName string
	JWTSecret   string
	RateLimit   middleware.RateLimitConfig
}

// Deps are the domain cores the API fronts
type Deps struct {
	Bookings booking.Service
	Payments payment.Service
	Matches  matchmaking.Service
	Tickets  ticketing.Service
}

// NewRouter builds the gin engine with the full /v1 surface
func NewRouter(cfg Config, deps Deps) *gin.Engine {
	service := cfg.ServiceName
	if service == "" {
		service = "openride-api"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(telemetry.GinMiddleware(service))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	bookings := NewBookingHandler(deps.Bookings)
	payments := NewPaymentHandler(deps.Payments)
	matches := NewMatchHandler(deps.Matches)
	tickets := NewTicketHandler(deps.Tickets)

	v1 := router.Group("/v1")
	v1.Use(middleware.RateLimit(cfg.RateLimit))

	// the gateway authenticates with its signature, not a bearer token
	v1.POST("/webhooks/gateway", payments.GatewayWebhook)

	authed := v1.Group("")
	authed.Use(middleware.Auth(cfg.JWTSecret))

	rider := authed.Group("")
	rider.Use(middleware.RequireRoles(middleware.RoleRider, middleware.RoleAdmin))
	{
		rider.POST("/bookings", bookings.Create)
		rider.GET("/bookings", bookings.List)
		rider.GET("/bookings/upcoming", bookings.Upcoming)
		rider.GET("/bookings/:id", bookings.Get)
		rider.GET("/bookings/reference/:ref", bookings.GetByReference)
		rider.POST("/bookings/:id/cancel", bookings.Cancel)

		rider.POST("/payments/initiate", payments.Initiate)
		rider.GET("/payments/my-payments", payments.ListMine)
		rider.GET("/payments/:id", payments.Get)
		rider.GET("/payments/booking/:bookingId", payments.GetForBooking)
		rider.POST("/payments/:id/verify", payments.Verify)

		rider.POST("/match", matches.Match)

		rider.GET("/tickets/:id", tickets.Get)
		rider.GET("/tickets/:id/merkle-proof", tickets.MerkleProof)
	}

	driver := authed.Group("")
	driver.Use(middleware.RequireRoles(middleware.RoleDriver, middleware.RoleAdmin))
	{
		driver.POST("/bookings/:id/check-in", bookings.CheckIn)
		driver.POST("/bookings/:id/complete", bookings.Complete)
		driver.POST("/tickets/verify", tickets.Verify)
	}

	admin := authed.Group("")
	admin.Use(middleware.RequireRoles(middleware.RoleAdmin))
	{
		// internal transitions driven by the payment core when it runs
		// out of process
		admin.POST("/bookings/:id/confirm", bookings.Confirm)
		admin.POST("/bookings/:id/payment-initiated", bookings.PaymentInitiated)

		admin.GET("/admin/payments", payments.List)
		admin.POST("/admin/payments/:id/refund", payments.Refund)
		admin.POST("/admin/payments/expire", payments.Expire)
		admin.GET("/admin/payments/:id/events", payments.Events)
		admin.POST("/admin/reconciliation/run", payments.RunReconciliation)
		admin.GET("/admin/reconciliation", payments.ListReconciliations)
		admin.GET("/admin/reconciliation/discrepancies", payments.ListDiscrepancies)

		admin.POST("/tickets/generate", tickets.Generate)
		admin.POST("/tickets/:id/cancel", tickets.Cancel)
		admin.GET("/tickets/:id/verifications", tickets.Verifications)
	}

	return router
}

// pageParams reads page/size query parameters with the API defaults
func pageParams(c *gin.Context) (page, size int) {
	page = intQuery(c, "page", 1, 1, 10_000)
	size = intQuery(c, "size", 20, 1, 100)
	return page, size
}
