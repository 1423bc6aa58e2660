package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidx345/openride-backend-sub002/internal/eventbus"
	"github.com/davidx345/openride-backend-sub002/internal/inventory"
	"github.com/davidx345/openride-backend-sub002/internal/lock"
)

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

// fakeInventory tracks holds in memory against a fixed occupancy
type fakeInventory struct {
	mu       sync.Mutex
	total    int
	occupied []int
	held     map[int]string
	failHold bool
}

func newFakeInventory(total int, occupied, held []int) *fakeInventory {
	m := make(map[int]string)
	for _, s := range held {
		m[s] = "other-booking"
	}
	return &fakeInventory{total: total, occupied: occupied, held: m}
}

func (f *fakeInventory) AvailableCount(context.Context, string, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total - len(f.occupied) - len(f.held), nil
}

func (f *fakeInventory) Allocate(_ context.Context, routeID, date string, n int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	taken := make(map[int]bool)
	for _, s := range f.occupied {
		taken[s] = true
	}
	for s := range f.held {
		taken[s] = true
	}
	var seats []int
	for seat := 1; seat <= f.total && len(seats) < n; seat++ {
		if !taken[seat] {
			seats = append(seats, seat)
		}
	}
	if len(seats) < n {
		return nil, inventory.ErrNotEnoughSeats
	}
	return seats, nil
}

func (f *fakeInventory) Hold(_ context.Context, _, _ string, seats []int, bookingID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHold {
		return inventory.ErrSeatContended
	}
	for _, s := range seats {
		if _, exists := f.held[s]; exists {
			return inventory.ErrSeatContended
		}
	}
	for _, s := range seats {
		f.held[s] = bookingID
	}
	return nil
}

func (f *fakeInventory) Release(_ context.Context, _, _ string, seats []int, bookingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range seats {
		if f.held[s] == bookingID {
			delete(f.held, s)
		}
	}
	return nil
}

func (f *fakeInventory) HeldSeats(context.Context, string, string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var seats []int
	for s := range f.held {
		seats = append(seats, s)
	}
	sort.Ints(seats)
	return seats, nil
}

func (f *fakeInventory) CleanupOrphans(context.Context, inventory.HoldChecker) (int, error) {
	return 0, nil
}

// fakeRoutes returns a fixed quote
type fakeRoutes struct {
	quote *RouteQuote
	err   error
}

func (f *fakeRoutes) ValidateRouteForBooking(context.Context, string, string, int) (*RouteQuote, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.quote, nil
}

type env struct {
	svc   Service
	repo  *MemoryRepository
	inv   *fakeInventory
	bus   *eventbus.MemoryBus
	idem  *fakeIdem
	quote *RouteQuote
}

func newEnv(t *testing.T, inv *fakeInventory) *env {
	t.Helper()
	repo := NewMemoryRepository()
	bus := eventbus.NewMemoryBus()
	idem := newFakeIdem()
	quote := &RouteQuote{
		RouteID:       "route-1",
		DriverID:      "driver-1",
		DepartureTime: time.Now().UTC().Add(30 * time.Hour),
		PricePerSeat:  500,
		SeatsTotal:    inv.total,
	}
	svc := NewService(repo, inv, fakeLocks{}, idem, bus, &fakeRoutes{quote: quote}, nil, DefaultServiceConfig())
	return &env{svc: svc, repo: repo, inv: inv, bus: bus, idem: idem, quote: quote}
}

func createInput(key string) *CreateBookingInput {
	return &CreateBookingInput{
		RouteID:           "route-1",
		OriginStopID:      "stop-a",
		DestinationStopID: "stop-b",
		TravelDate:        "2026-09-01",
		Seats:             2,
		IdempotencyKey:    key,
	}
}

func TestCreateBookingHappyPath(t *testing.T) {
	// 10 seats, 1 and 2 confirmed, 3 held by someone else
	e := newEnv(t, newFakeInventory(10, []int{1, 2}, []int{3}))

	b, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput("k1"))
	require.NoError(t, err)

	assert.Equal(t, StatusHeld, b.Status)
	assert.Equal(t, []int{4, 5}, b.SeatNumbers)
	assert.Equal(t, 1000.0, b.TotalPrice)
	assert.Equal(t, 50.0, b.PlatformFee)
	require.NotNil(t, b.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), *b.ExpiresAt, 5*time.Second)
	assert.Regexp(t, `^RB-[A-Z2-9]{8}$`, b.Reference)

	events := e.bus.PublishedOfType(eventbus.TopicBookingCreated)
	require.Len(t, events, 1)
	assert.Equal(t, b.ID, events[0].Key)
}

func TestCreateBookingIdempotentReplay(t *testing.T) {
	e := newEnv(t, newFakeInventory(10, nil, nil))

	first, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput("k1"))
	require.NoError(t, err)

	replay, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput("k1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, first.Reference, replay.Reference)
	// no second booking.created event
	assert.Len(t, e.bus.PublishedOfType(eventbus.TopicBookingCreated), 1)
}

func TestCreateBookingRetryAfterFailureWithSameKey(t *testing.T) {
	inv := newFakeInventory(2, []int{1, 2}, nil)
	e := newEnv(t, inv)

	// the route is full, so the first attempt fails before any row exists
	_, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput("k-retry"))
	require.ErrorIs(t, err, ErrNotEnoughSeats)

	// the failed attempt must not leave its key registered
	stored, err := e.idem.Get(context.Background(), "booking:k-retry")
	require.NoError(t, err)
	assert.Empty(t, stored)

	// capacity frees up; the same key must now create a booking instead of
	// replaying the failure
	inv.mu.Lock()
	inv.occupied = nil
	inv.mu.Unlock()

	b, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput("k-retry"))
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, b.Status)
}

func TestCreateBookingHoldFailureReplayReturnsFailedRow(t *testing.T) {
	inv := newFakeInventory(10, nil, nil)
	e := newEnv(t, inv)
	inv.failHold = true

	_, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput("k-hold"))
	require.ErrorIs(t, err, ErrSeatHoldFailed)

	// a FAILED row was persisted, so the key stays and replay surfaces it
	replay, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput("k-hold"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, replay.Status)
}

func TestCreateBookingSeatContention(t *testing.T) {
	inv := newFakeInventory(10, nil, nil)
	e := newEnv(t, inv)
	inv.failHold = true

	_, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput(""))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSeatHoldFailed)
	assert.True(t, IsConflict(err))
}

func TestCreateBookingNotEnoughSeats(t *testing.T) {
	e := newEnv(t, newFakeInventory(2, []int{1}, []int{2}))

	_, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput(""))
	assert.ErrorIs(t, err, ErrNotEnoughSeats)
}

func TestCreateBookingSeatLimit(t *testing.T) {
	e := newEnv(t, newFakeInventory(10, nil, nil))

	in := createInput("")
	in.Seats = 5
	_, err := e.svc.CreateBooking(context.Background(), "rider-1", in)
	assert.ErrorIs(t, err, ErrInvalidSeatCount)

	in.Seats = 0
	_, err = e.svc.CreateBooking(context.Background(), "rider-1", in)
	assert.ErrorIs(t, err, ErrInvalidSeatCount)
}

func TestConfirmBookingReleasesHoldAndPublishes(t *testing.T) {
	e := newEnv(t, newFakeInventory(10, nil, nil))

	b, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput(""))
	require.NoError(t, err)

	confirmed, err := e.svc.ConfirmBooking(context.Background(), b.ID, "pay-1")
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, confirmed.Status)
	assert.Equal(t, "pay-1", confirmed.PaymentID)
	assert.Nil(t, confirmed.ExpiresAt)
	require.NotNil(t, confirmed.ConfirmedAt)

	// hold released, seats now counted as occupied via the booking row
	held, _ := e.inv.HeldSeats(context.Background(), "route-1", "2026-09-01")
	assert.Empty(t, held)

	assert.Len(t, e.bus.PublishedOfType(eventbus.TopicBookingConfirmed), 1)
}

func TestConfirmBookingIsIdempotent(t *testing.T) {
	e := newEnv(t, newFakeInventory(10, nil, nil))

	b, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput(""))
	require.NoError(t, err)

	_, err = e.svc.ConfirmBooking(context.Background(), b.ID, "pay-1")
	require.NoError(t, err)

	// a replayed confirm is a no-op, not an error
	again, err := e.svc.ConfirmBooking(context.Background(), b.ID, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, again.Status)
	assert.Len(t, e.bus.PublishedOfType(eventbus.TopicBookingConfirmed), 1)
}

func TestCancelRefundTiers(t *testing.T) {
	tests := []struct {
		name       string
		hoursAhead time.Duration
		wantRefund float64
		wantStatus RefundStatus
	}{
		{"full refund at 30h", 30 * time.Hour, 1000, RefundPending},
		{"half refund at 10h", 10 * time.Hour, 500, RefundPending},
		{"no refund at 2h", 2 * time.Hour, 0, RefundNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := newFakeInventory(10, nil, nil)
			e := newEnv(t, inv)
			e.quote.DepartureTime = time.Now().UTC().Add(tt.hoursAhead)

			b, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput(""))
			require.NoError(t, err)

			cancelled, err := e.svc.CancelBooking(context.Background(), b.ID, "change of plans", "rider-1", RoleRider)
			require.NoError(t, err)

			assert.Equal(t, StatusCancelled, cancelled.Status)
			assert.Equal(t, tt.wantRefund, cancelled.RefundAmount)
			assert.Equal(t, tt.wantStatus, cancelled.RefundStatus)

			held, _ := inv.HeldSeats(context.Background(), "route-1", "2026-09-01")
			assert.Empty(t, held, "holds must be released on cancel")
		})
	}
}

func TestCancelBookingOwnership(t *testing.T) {
	e := newEnv(t, newFakeInventory(10, nil, nil))

	b, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput(""))
	require.NoError(t, err)

	_, err = e.svc.CancelBooking(context.Background(), b.ID, "not mine", "rider-2", RoleRider)
	assert.ErrorIs(t, err, ErrNotOwner)

	// admins may cancel any booking
	_, err = e.svc.CancelBooking(context.Background(), b.ID, "fraud review", "admin-1", RoleAdmin)
	assert.NoError(t, err)
}

func TestCancelTerminalBookingRejected(t *testing.T) {
	e := newEnv(t, newFakeInventory(10, nil, nil))

	b, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput(""))
	require.NoError(t, err)
	_, err = e.svc.CancelBooking(context.Background(), b.ID, "first", "rider-1", RoleRider)
	require.NoError(t, err)

	_, err = e.svc.CancelBooking(context.Background(), b.ID, "second", "rider-1", RoleRider)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestCheckInAndComplete(t *testing.T) {
	e := newEnv(t, newFakeInventory(10, nil, nil))

	b, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput(""))
	require.NoError(t, err)
	_, err = e.svc.ConfirmBooking(context.Background(), b.ID, "pay-1")
	require.NoError(t, err)

	// only the route's driver (or an admin) may check in
	_, err = e.svc.CheckIn(context.Background(), b.ID, "driver-2", RoleDriver)
	assert.ErrorIs(t, err, ErrNotOwner)

	checked, err := e.svc.CheckIn(context.Background(), b.ID, "driver-1", RoleDriver)
	require.NoError(t, err)
	assert.Equal(t, StatusCheckedIn, checked.Status)

	completed, err := e.svc.CompleteBooking(context.Background(), b.ID, "driver-1", RoleDriver)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)

	assert.Len(t, e.bus.PublishedOfType(eventbus.TopicBookingCompleted), 1)
	assert.Len(t, e.bus.PublishedOfType(eventbus.TopicTripCompleted), 1)
}

func TestCompleteRequiresCheckIn(t *testing.T) {
	e := newEnv(t, newFakeInventory(10, nil, nil))

	b, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput(""))
	require.NoError(t, err)
	_, err = e.svc.ConfirmBooking(context.Background(), b.ID, "pay-1")
	require.NoError(t, err)

	_, err = e.svc.CompleteBooking(context.Background(), b.ID, "driver-1", RoleDriver)
	require.Error(t, err)
}

func TestExpireHolds(t *testing.T) {
	inv := newFakeInventory(10, nil, nil)
	e := newEnv(t, inv)

	b, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput(""))
	require.NoError(t, err)

	// force the hold window into the past
	_, err = e.repo.UpdateWithLock(context.Background(), b.ID, func(row *Booking) error {
		past := time.Now().Add(-time.Minute)
		row.ExpiresAt = &past
		return nil
	})
	require.NoError(t, err)

	n, err := e.svc.ExpireHolds(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := e.repo.GetByID(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, expired.Status)

	held, _ := inv.HeldSeats(context.Background(), "route-1", "2026-09-01")
	assert.Empty(t, held)

	// availability restored
	avail, _ := inv.AvailableCount(context.Background(), "route-1", "2026-09-01")
	assert.Equal(t, 10, avail)
}

func TestExpireHoldsSkipsConfirmed(t *testing.T) {
	e := newEnv(t, newFakeInventory(10, nil, nil))

	b, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput(""))
	require.NoError(t, err)
	_, err = e.svc.ConfirmBooking(context.Background(), b.ID, "pay-1")
	require.NoError(t, err)

	n, err := e.svc.ExpireHolds(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetBookingOwnership(t *testing.T) {
	e := newEnv(t, newFakeInventory(10, nil, nil))

	b, err := e.svc.CreateBooking(context.Background(), "rider-1", createInput(""))
	require.NoError(t, err)

	_, err = e.svc.GetBooking(context.Background(), b.ID, "rider-2")
	assert.ErrorIs(t, err, ErrNotOwner)

	got, err := e.svc.GetByReference(context.Background(), b.Reference, "rider-1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
}

func TestListAndUpcoming(t *testing.T) {
	e := newEnv(t, newFakeInventory(40, nil, nil))

	var confirmedID string
	for i := 0; i < 3; i++ {
		in := createInput("")
		in.TravelDate = fmt.Sprintf("2026-09-0%d", i+1)
		b, err := e.svc.CreateBooking(context.Background(), "rider-1", in)
		require.NoError(t, err)
		if i == 0 {
			confirmedID = b.ID
		}
	}
	_, err := e.svc.ConfirmBooking(context.Background(), confirmedID, "pay-1")
	require.NoError(t, err)

	all, err := e.svc.ListBookings(context.Background(), "rider-1", 1, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	upcoming, err := e.svc.Upcoming(context.Background(), "rider-1")
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, confirmedID, upcoming[0].ID)
}
