package inventory

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgredis "github.com/davidx345/openride-backend-sub002/pkg/redis"
)

// The engine keeps holds in Redis, so these tests need a live server.
// They skip when none is reachable; set TEST_REDIS_HOST to point elsewhere.
func testClient(t *testing.T) *pkgredis.Client {
	t.Helper()

	cfg := pkgredis.DefaultConfig()
	if host := os.Getenv("TEST_REDIS_HOST"); host != "" {
		cfg.Host = host
	}
	if password := os.Getenv("TEST_REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
	cfg.DB = 9 // keep test keys away from a dev instance
	cfg.MaxRetries = 0
	cfg.DialTimeout = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := pkgredis.NewClient(ctx, cfg)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type fixedRoute struct {
	total int
}

func (f fixedRoute) SeatsTotal(context.Context, string) (int, error) {
	return f.total, nil
}

type fixedOccupancy struct {
	seats []int
}

func (f fixedOccupancy) OccupiedSeats(context.Context, string, string) ([]int, error) {
	return f.seats, nil
}

type fixedChecker struct {
	live map[string]bool
}

func (f fixedChecker) IsHoldLive(_ context.Context, bookingID string) (bool, error) {
	return f.live[bookingID], nil
}

const testDate = "2026-09-01"

func newTestEngine(t *testing.T, total int, occupied []int) (Engine, string) {
	t.Helper()
	eng := NewEngine(testClient(t), fixedRoute{total: total}, fixedOccupancy{seats: occupied})
	return eng, "route-" + uuid.New().String()
}

func TestAllocateReturnsLowestFreeSeats(t *testing.T) {
	eng, routeID := newTestEngine(t, 8, []int{1, 3})
	ctx := context.Background()

	seats, err := eng.Allocate(ctx, routeID, testDate, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 5}, seats)
}

func TestAllocateSkipsHeldSeats(t *testing.T) {
	eng, routeID := newTestEngine(t, 8, []int{1})
	ctx := context.Background()

	require.NoError(t, eng.Hold(ctx, routeID, testDate, []int{2, 4}, "bk-a", time.Minute))

	seats, err := eng.Allocate(ctx, routeID, testDate, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5}, seats)
}

func TestAllocateNotEnoughSeats(t *testing.T) {
	eng, routeID := newTestEngine(t, 3, []int{1})
	ctx := context.Background()

	require.NoError(t, eng.Hold(ctx, routeID, testDate, []int{2}, "bk-a", time.Minute))

	_, err := eng.Allocate(ctx, routeID, testDate, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotEnoughSeats)
}

func TestHoldIsAllOrNothing(t *testing.T) {
	eng, routeID := newTestEngine(t, 8, nil)
	ctx := context.Background()

	require.NoError(t, eng.Hold(ctx, routeID, testDate, []int{2}, "bk-a", time.Minute))

	err := eng.Hold(ctx, routeID, testDate, []int{2, 3}, "bk-b", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSeatContended)

	// the losing hold must not leave seat 3 behind
	held, err := eng.HeldSeats(ctx, routeID, testDate)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, held)
}

func TestReleaseRestoresAvailability(t *testing.T) {
	eng, routeID := newTestEngine(t, 6, []int{1})
	ctx := context.Background()

	before, err := eng.AvailableCount(ctx, routeID, testDate)
	require.NoError(t, err)
	assert.Equal(t, 5, before)

	require.NoError(t, eng.Hold(ctx, routeID, testDate, []int{2, 3}, "bk-a", time.Minute))

	during, err := eng.AvailableCount(ctx, routeID, testDate)
	require.NoError(t, err)
	assert.Equal(t, 3, during)

	require.NoError(t, eng.Release(ctx, routeID, testDate, []int{2, 3}, "bk-a"))

	after, err := eng.AvailableCount(ctx, routeID, testDate)
	require.NoError(t, err)
	assert.Equal(t, 5, after)
}

func TestHoldExpiresOnItsOwn(t *testing.T) {
	eng, routeID := newTestEngine(t, 4, nil)
	ctx := context.Background()

	require.NoError(t, eng.Hold(ctx, routeID, testDate, []int{1}, "bk-a", 150*time.Millisecond))
	time.Sleep(400 * time.Millisecond)

	held, err := eng.HeldSeats(ctx, routeID, testDate)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestCleanupOrphansReleasesDeadHolds(t *testing.T) {
	eng, routeID := newTestEngine(t, 6, nil)
	ctx := context.Background()

	liveID := "bk-live-" + uuid.New().String()
	deadID := "bk-dead-" + uuid.New().String()
	require.NoError(t, eng.Hold(ctx, routeID, testDate, []int{1}, liveID, time.Minute))
	require.NoError(t, eng.Hold(ctx, routeID, testDate, []int{2}, deadID, time.Minute))

	released, err := eng.CleanupOrphans(ctx, fixedChecker{live: map[string]bool{liveID: true}})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, released, 1)

	held, err := eng.HeldSeats(ctx, routeID, testDate)
	require.NoError(t, err)
	assert.Contains(t, held, 1)
	assert.NotContains(t, held, 2)
}
