// Package metrics holds the application metric instruments. Call Init once
// after telemetry is up; recording before Init is a no-op.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

var (
	// Booking counters
	BookingsCreated   *telemetry.Counter
	BookingsConfirmed *telemetry.Counter
	BookingsCancelled *telemetry.Counter
	BookingsExpired   *telemetry.Counter
	BookingsFailed    *telemetry.Counter

	// Payment counters
	PaymentsInitiated *telemetry.Counter
	PaymentsSucceeded *telemetry.Counter
	PaymentsFailed    *telemetry.Counter
	PaymentsRefunded  *telemetry.Counter
	WebhooksRejected  *telemetry.Counter

	// Matching and ticketing counters
	MatchRequests   *telemetry.Counter
	MatchCacheHits  *telemetry.Counter
	TicketsIssued   *telemetry.Counter
	TicketsVerified *telemetry.Counter
	BatchesAnchored *telemetry.Counter

	// Histograms
	ConfirmLatency *telemetry.Histogram
	MatchLatency   *telemetry.Histogram

	// Gauges
	ActiveHolds *telemetry.UpDownCounter

	initOnce sync.Once
	initErr  error
)

// Init initializes all metric instruments
func Init() error {
	initOnce.Do(func() {
		initErr = initMetrics()
	})
	return initErr
}

func initMetrics() error {
	var err error

	BookingsCreated, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "booking_created_total",
		Description: "Total number of bookings created",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	BookingsConfirmed, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "booking_confirmations_total",
		Description: "Total number of bookings confirmed",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	BookingsCancelled, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "booking_cancellations_total",
		Description: "Total number of cancelled bookings",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	BookingsExpired, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "booking_expirations_total",
		Description: "Total number of expired holds",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	BookingsFailed, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "booking_failures_total",
		Description: "Total number of bookings that failed during creation",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	PaymentsInitiated, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "payment_initiated_total",
		Description: "Total number of payments initiated",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	PaymentsSucceeded, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "payment_success_total",
		Description: "Total number of successful payments",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	PaymentsFailed, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "payment_failed_total",
		Description: "Total number of failed payments",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	PaymentsRefunded, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "payment_refunded_total",
		Description: "Total number of refunded payments",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	WebhooksRejected, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "webhook_rejected_total",
		Description: "Total number of webhook deliveries rejected",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	MatchRequests, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "match_requests_total",
		Description: "Total number of match requests served",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	MatchCacheHits, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "match_cache_hits_total",
		Description: "Total number of match requests served from cache",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	TicketsIssued, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "ticket_issued_total",
		Description: "Total number of tickets issued",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	TicketsVerified, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "ticket_verifications_total",
		Description: "Total number of ticket verifications",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	BatchesAnchored, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "merkle_batch_anchored_total",
		Description: "Total number of Merkle batches anchored on chain",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	ConfirmLatency, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "booking_confirm_latency_seconds",
		Description: "Time from booking creation to confirmation",
		Unit:        "s",
	}, []float64{1, 5, 15, 60, 180, 600})
	if err != nil {
		return err
	}

	MatchLatency, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "match_latency_seconds",
		Description: "Match request execution time",
		Unit:        "s",
	}, []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2})
	if err != nil {
		return err
	}

	ActiveHolds, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "booking_active_holds",
		Description: "Seat holds currently live",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	return nil
}

// RecordBookingCreated increments the created counter with route context
func RecordBookingCreated(ctx context.Context, routeID string, seats int) {
	if BookingsCreated == nil {
		return
	}
	BookingsCreated.Inc(ctx, attribute.String("route_id", routeID))
	if ActiveHolds != nil {
		ActiveHolds.Add(ctx, int64(seats))
	}
}

// RecordBookingConfirmed increments the confirmed counter and latency histogram
func RecordBookingConfirmed(ctx context.Context, routeID string, seats int, latencySeconds float64) {
	if BookingsConfirmed == nil {
		return
	}
	BookingsConfirmed.Inc(ctx, attribute.String("route_id", routeID))
	if ConfirmLatency != nil {
		ConfirmLatency.Record(ctx, latencySeconds)
	}
	if ActiveHolds != nil {
		ActiveHolds.Add(ctx, -int64(seats))
	}
}

// RecordBookingReleased decrements active holds for a cancel or expiry
func RecordBookingReleased(ctx context.Context, counter *telemetry.Counter, seats int) {
	if counter != nil {
		counter.Inc(ctx)
	}
	if ActiveHolds != nil {
		ActiveHolds.Add(ctx, -int64(seats))
	}
}
