package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidx345/openride-backend-sub002/internal/booking"
	"github.com/davidx345/openride-backend-sub002/internal/eventbus"
	"github.com/davidx345/openride-backend-sub002/internal/lock"
)

const testWebhookSecret = "test-webhook-secret"

// fakeLocks runs critical sections inline
type fakeLocks struct{}

func (fakeLocks) Acquire(ctx context.Context, name string, wait, lease time.Duration) (*lock.Handle, error) {
	return nil, nil
}

func (fakeLocks) WithLock(ctx context.Context, name string, wait, lease time.Duration, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// fakeIdem is a map-backed idempotency store
type fakeIdem struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeIdem() *fakeIdem {
	return &fakeIdem{data: make(map[string]string)}
}

func (f *fakeIdem) RegisterOrGet(_ context.Context, key, value string, _ time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stored, ok := f.data[key]; ok {
		return stored, false, nil
	}
	f.data[key] = value
	return value, true, nil
}

func (f *fakeIdem) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[key], nil
}

func (f *fakeIdem) Clear(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

// fakeBookings records calls into the booking core
type fakeBookings struct {
	mu           sync.Mutex
	initiated    []string
	confirmed    []string
	cancelled    []string
	confirmFails int
}

func (f *fakeBookings) MarkPaymentInitiated(_ context.Context, bookingID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated = append(f.initiated, bookingID)
	return nil
}

func (f *fakeBookings) ConfirmBooking(_ context.Context, bookingID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmFails > 0 {
		f.confirmFails--
		return fmt.Errorf("booking core unavailable")
	}
	f.confirmed = append(f.confirmed, bookingID)
	return nil
}

func (f *fakeBookings) CancelBooking(_ context.Context, bookingID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, bookingID)
	return nil
}

func (f *fakeBookings) confirmCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.confirmed)
}

type env struct {
	svc      Service
	repo     *MemoryRepository
	gateway  *MockGateway
	bus      *eventbus.MemoryBus
	bookings *fakeBookings
}

func newEnv(t *testing.T) *env {
	t.Helper()
	repo := NewMemoryRepository()
	gateway := NewMockGateway()
	bus := eventbus.NewMemoryBus()
	bookings := &fakeBookings{}
	cfg := ServiceConfig{
		Expiry:          15 * time.Minute,
		WebhookSecret:   testWebhookSecret,
		ConfirmAttempts: 3,
		ConfirmBackoff:  time.Millisecond,
	}
	svc := NewService(repo, gateway, fakeLocks{}, newFakeIdem(), bus, bookings, nil, cfg)
	return &env{svc: svc, repo: repo, gateway: gateway, bus: bus, bookings: bookings}
}

func initiateInput(key string) *InitiatePaymentInput {
	return &InitiatePaymentInput{
		BookingID:      "booking-1",
		Amount:         1000,
		Currency:       "usd",
		IdempotencyKey: key,
	}
}

func signedWebhook(t *testing.T, event, reference, txnID, failureReason string) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(WebhookPayload{
		Event: event,
		Data: WebhookData{
			GatewayReference: reference,
			TransactionID:    txnID,
			FailureReason:    failureReason,
		},
	})
	require.NoError(t, err)
	return body, SignWebhookBody(testWebhookSecret, body)
}

func TestInitiatePaymentHappyPath(t *testing.T) {
	e := newEnv(t)

	p, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, "USD", p.Currency)
	assert.Regexp(t, `^RBP-`, p.GatewayReference)
	assert.NotEmpty(t, p.CheckoutURL)
	require.NotNil(t, p.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), *p.ExpiresAt, 5*time.Second)

	assert.Equal(t, []string{"booking-1"}, e.bookings.initiated)

	events, err := e.svc.Events(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "payment.initiated", events[0].EventType)
}

func TestInitiatePaymentIdempotentReplay(t *testing.T) {
	e := newEnv(t)

	first, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	replay, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, first.GatewayReference, replay.GatewayReference)
	// only one checkout opened for the booking
	assert.Len(t, e.bookings.initiated, 1)
}

func TestInitiatePaymentValidation(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name    string
		mutate  func(in *InitiatePaymentInput)
		wantErr error
	}{
		{"amount below minimum", func(in *InitiatePaymentInput) { in.Amount = 0.001 }, ErrInvalidAmount},
		{"negative amount", func(in *InitiatePaymentInput) { in.Amount = -5 }, ErrInvalidAmount},
		{"bad currency", func(in *InitiatePaymentInput) { in.Currency = "US" }, ErrInvalidCurrency},
		{"numeric currency", func(in *InitiatePaymentInput) { in.Currency = "U5D" }, ErrInvalidCurrency},
		{"short idempotency key", func(in *InitiatePaymentInput) { in.IdempotencyKey = "short" }, ErrInvalidIdemKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := initiateInput("idem-key-0001")
			tt.mutate(in)
			_, err := e.svc.InitiatePayment(context.Background(), "rider-1", in)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsValidation(err))
		})
	}
}

func TestInitiatePaymentRejectsMissingInput(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.InitiatePayment(context.Background(), "rider-1", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.True(t, IsValidation(err))

	in := initiateInput("idem-key-0001")
	in.BookingID = ""
	_, err = e.svc.InitiatePayment(context.Background(), "rider-1", in)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestInitiatePaymentRetryAfterConflictWithSameKey(t *testing.T) {
	e := newEnv(t)

	first, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	// the slot is taken, so this attempt fails before any row exists
	_, err = e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0002"))
	require.ErrorIs(t, err, ErrPaymentExists)

	// once the slot frees up the same key must open a fresh payment, not
	// replay the failure
	past := time.Now().UTC().Add(-time.Minute)
	_, err = e.repo.UpdateWithLock(context.Background(), first.ID, func(p *Payment) error {
		p.ExpiresAt = &past
		return nil
	})
	require.NoError(t, err)

	fresh, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0002"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)
	assert.Equal(t, StatusPending, fresh.Status)
}

func TestInitiatePaymentOneActivePerBooking(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	_, err = e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0002"))
	assert.ErrorIs(t, err, ErrPaymentExists)
	assert.True(t, IsConflict(err))
}

func TestInitiatePaymentReplacesExpiredSlot(t *testing.T) {
	e := newEnv(t)

	stale, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	// push the first payment past its window
	past := time.Now().UTC().Add(-time.Minute)
	_, err = e.repo.UpdateWithLock(context.Background(), stale.ID, func(p *Payment) error {
		p.ExpiresAt = &past
		return nil
	})
	require.NoError(t, err)

	fresh, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0002"))
	require.NoError(t, err)
	assert.NotEqual(t, stale.ID, fresh.ID)
	assert.Equal(t, StatusPending, fresh.Status)

	got, err := e.repo.GetByID(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestInitiatePaymentGatewayFailure(t *testing.T) {
	e := newEnv(t)
	e.gateway.FailNext = true

	_, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.ErrorIs(t, err, ErrGatewayUnavailable)

	// the failed attempt no longer blocks the booking's payment slot
	fresh, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0002"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, fresh.Status)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	e := newEnv(t)

	p, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	body, _ := signedWebhook(t, WebhookChargeSuccess, p.GatewayReference, "txn-1", "")
	err = e.svc.ProcessWebhook(context.Background(), body, "deadbeef")
	assert.ErrorIs(t, err, ErrBadSignature)

	err = e.svc.ProcessWebhook(context.Background(), body, "")
	assert.ErrorIs(t, err, ErrBadSignature)

	got, err := e.repo.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, e.bookings.confirmCount())
}

func TestWebhookChargeSuccess(t *testing.T) {
	e := newEnv(t)

	p, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	body, sig := signedWebhook(t, WebhookChargeSuccess, p.GatewayReference, "txn-1", "")
	require.NoError(t, e.svc.ProcessWebhook(context.Background(), body, sig))

	got, err := e.repo.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "txn-1", got.GatewayTxnID)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.ExpiresAt)

	assert.Equal(t, []string{"booking-1"}, e.bookings.confirmed)
	assert.Len(t, e.bus.PublishedOfType(eventbus.TopicPaymentSuccess), 1)
}

func TestWebhookReplayIsAcknowledgedOnce(t *testing.T) {
	e := newEnv(t)

	p, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	body, sig := signedWebhook(t, WebhookChargeSuccess, p.GatewayReference, "txn-1", "")
	require.NoError(t, e.svc.ProcessWebhook(context.Background(), body, sig))
	require.NoError(t, e.svc.ProcessWebhook(context.Background(), body, sig))

	assert.Equal(t, 1, e.bookings.confirmCount())
	assert.Len(t, e.bus.PublishedOfType(eventbus.TopicPaymentSuccess), 1)
}

func TestWebhookChargeFailed(t *testing.T) {
	e := newEnv(t)

	p, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	body, sig := signedWebhook(t, WebhookChargeFailed, p.GatewayReference, "", "card_declined")
	require.NoError(t, e.svc.ProcessWebhook(context.Background(), body, sig))

	got, err := e.repo.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "card_declined", got.FailureReason)

	assert.Equal(t, []string{"booking-1"}, e.bookings.cancelled)
	assert.Len(t, e.bus.PublishedOfType(eventbus.TopicPaymentFailed), 1)
}

func TestWebhookSuccessSurvivesConfirmationOutage(t *testing.T) {
	e := newEnv(t)
	e.bookings.confirmFails = 10 // outlasts every retry

	p, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	body, sig := signedWebhook(t, WebhookChargeSuccess, p.GatewayReference, "txn-1", "")
	require.NoError(t, e.svc.ProcessWebhook(context.Background(), body, sig))

	// the payment settles even though the booking core stayed down
	got, err := e.repo.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Zero(t, e.bookings.confirmCount())
}

func TestRefund(t *testing.T) {
	e := newEnv(t)

	p, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	body, sig := signedWebhook(t, WebhookChargeSuccess, p.GatewayReference, "txn-1", "")
	require.NoError(t, e.svc.ProcessWebhook(context.Background(), body, sig))

	// non-admins cannot refund
	_, err = e.svc.Refund(context.Background(), p.ID, 500, "rider request", "rider-1", booking.RoleRider)
	assert.ErrorIs(t, err, ErrNotRefundable)

	// refund above the charged amount is rejected
	_, err = e.svc.Refund(context.Background(), p.ID, 1500, "too much", "admin-1", booking.RoleAdmin)
	assert.ErrorIs(t, err, ErrRefundTooLarge)

	refunded, err := e.svc.Refund(context.Background(), p.ID, 500, "goodwill", "admin-1", booking.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, refunded.Status)
	assert.Equal(t, 500.0, refunded.RefundAmount)

	// refunded is terminal
	_, err = e.svc.Refund(context.Background(), p.ID, 100, "again", "admin-1", booking.RoleAdmin)
	assert.ErrorIs(t, err, ErrNotRefundable)
}

func TestVerifyPaymentHealsMissedWebhook(t *testing.T) {
	e := newEnv(t)

	p, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	// gateway settled but the webhook never arrived
	e.gateway.Settle(p.GatewayReference, "success", "")

	healed, err := e.svc.VerifyPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, healed.Status)
	assert.Equal(t, []string{"booking-1"}, e.bookings.confirmed)
}

func TestVerifyPaymentFailsDeclinedCharge(t *testing.T) {
	e := newEnv(t)

	p, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	e.gateway.Settle(p.GatewayReference, "failed", "insufficient_funds")

	healed, err := e.svc.VerifyPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, healed.Status)
	assert.Equal(t, "insufficient_funds", healed.FailureReason)
}

func TestExpirePayments(t *testing.T) {
	e := newEnv(t)

	p, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	_, err = e.repo.UpdateWithLock(context.Background(), p.ID, func(p *Payment) error {
		p.ExpiresAt = &past
		return nil
	})
	require.NoError(t, err)

	count, err := e.svc.ExpirePayments(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := e.repo.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	// second run finds nothing
	count, err = e.svc.ExpirePayments(context.Background(), 100)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRunReconciliationMatched(t *testing.T) {
	e := newEnv(t)

	p, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	body, sig := signedWebhook(t, WebhookChargeSuccess, p.GatewayReference, "txn-1", "")
	require.NoError(t, e.svc.ProcessWebhook(context.Background(), body, sig))
	e.gateway.Settle(p.GatewayReference, "success", "")

	today := time.Now().UTC().Format("2006-01-02")
	rec, err := e.svc.RunReconciliation(context.Background(), today)
	require.NoError(t, err)
	assert.Equal(t, ReconciliationMatched, rec.Status)
	assert.Equal(t, 1, rec.LocalCount)
	assert.Empty(t, rec.Discrepancies)
}

func TestRunReconciliationFlagsDiscrepancy(t *testing.T) {
	e := newEnv(t)

	p, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	// gateway says failed while the local record settled
	body, sig := signedWebhook(t, WebhookChargeSuccess, p.GatewayReference, "txn-1", "")
	require.NoError(t, e.svc.ProcessWebhook(context.Background(), body, sig))
	e.gateway.Settle(p.GatewayReference, "failed", "chargeback")

	today := time.Now().UTC().Format("2006-01-02")
	rec, err := e.svc.RunReconciliation(context.Background(), today)
	require.NoError(t, err)
	assert.Equal(t, ReconciliationDiscrepancy, rec.Status)
	require.Len(t, rec.Discrepancies, 1)
	assert.Equal(t, p.GatewayReference, rec.Discrepancies[0].GatewayReference)

	records, err := e.svc.ListReconciliations(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ReconciliationDiscrepancy, records[0].Status)
}

func TestGetPaymentOwnership(t *testing.T) {
	e := newEnv(t)

	p, err := e.svc.InitiatePayment(context.Background(), "rider-1", initiateInput("idem-key-0001"))
	require.NoError(t, err)

	_, err = e.svc.GetPayment(context.Background(), p.ID, "rider-2")
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	got, err := e.svc.GetPayment(context.Background(), p.ID, "rider-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	// admins pass an empty rider id
	got, err = e.svc.GetPayment(context.Background(), p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
}
