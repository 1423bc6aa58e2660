package payment

import (
	"context"
	"fmt"

	"github.com/davidx345/openride-backend-sub002/internal/booking"
	"github.com/davidx345/openride-backend-sub002/internal/integrator"
)

// BookingConfirmer is the payment core's view of the booking core. Webhook
// settlement drives it after the gateway reports the charge outcome.
type BookingConfirmer interface {
	MarkPaymentInitiated(ctx context.Context, bookingID, paymentID string) error
	ConfirmBooking(ctx context.Context, bookingID, paymentID string) error
	CancelBooking(ctx context.Context, bookingID, reason string) error
}

// HTTPBookingClient calls the booking core over its HTTP surface through the
// retrying integrator client. Used when the cores run as separate processes.
type HTTPBookingClient struct {
	client  *integrator.Client
	baseURL string
}

var _ BookingConfirmer = (*HTTPBookingClient)(nil)

// NewHTTPBookingClient creates a booking client against baseURL
// (e.g. http://booking:8080)
func NewHTTPBookingClient(client *integrator.Client, baseURL string) *HTTPBookingClient {
	return &HTTPBookingClient{client: client, baseURL: baseURL}
}

func (c *HTTPBookingClient) MarkPaymentInitiated(ctx context.Context, bookingID, paymentID string) error {
	url := fmt.Sprintf("%s/v1/bookings/%s/payment-initiated", c.baseURL, bookingID)
	return c.client.PostJSON(ctx, url, map[string]string{"payment_id": paymentID}, nil)
}

func (c *HTTPBookingClient) ConfirmBooking(ctx context.Context, bookingID, paymentID string) error {
	url := fmt.Sprintf("%s/v1/bookings/%s/confirm", c.baseURL, bookingID)
	return c.client.PostJSON(ctx, url, map[string]string{"payment_id": paymentID}, nil)
}

func (c *HTTPBookingClient) CancelBooking(ctx context.Context, bookingID, reason string) error {
	url := fmt.Sprintf("%s/v1/bookings/%s/cancel", c.baseURL, bookingID)
	body := map[string]string{"reason": reason, "actor_role": booking.RoleSystem}
	return c.client.PostJSON(ctx, url, body, nil)
}

// LocalBookingClient adapts the in-process booking service. Used when both
// cores ship in one binary.
type LocalBookingClient struct {
	svc booking.Service
}

var _ BookingConfirmer = (*LocalBookingClient)(nil)

// NewLocalBookingClient wraps svc as a BookingConfirmer
func NewLocalBookingClient(svc booking.Service) *LocalBookingClient {
	return &LocalBookingClient{svc: svc}
}

func (c *LocalBookingClient) MarkPaymentInitiated(ctx context.Context, bookingID, paymentID string) error {
	return c.svc.MarkPaymentInitiated(ctx, bookingID, paymentID)
}

func (c *LocalBookingClient) ConfirmBooking(ctx context.Context, bookingID, paymentID string) error {
	_, err := c.svc.ConfirmBooking(ctx, bookingID, paymentID)
	return err
}

func (c *LocalBookingClient) CancelBooking(ctx context.Context, bookingID, reason string) error {
	_, err := c.svc.CancelBooking(ctx, bookingID, reason, "", booking.RoleSystem)
	return err
}
