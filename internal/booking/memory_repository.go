package booking

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository for tests
type MemoryRepository struct {
	mu       sync.Mutex
	bookings map[string]*Booking
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{bookings: make(map[string]*Booking)}
}

func (r *MemoryRepository) Create(_ context.Context, b *Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *b
	r.bookings[b.ID] = &clone
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	clone := *b
	return &clone, nil
}

func (r *MemoryRepository) GetByReference(_ context.Context, ref string) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bookings {
		if b.Reference == ref {
			clone := *b
			return &clone, nil
		}
	}
	return nil, ErrBookingNotFound
}

func (r *MemoryRepository) UpdateWithLock(_ context.Context, id string, mutate func(b *Booking) error) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	clone := *b
	if err := mutate(&clone); err != nil {
		return nil, err
	}
	clone.UpdatedAt = time.Now().UTC()
	r.bookings[id] = &clone
	result := clone
	return &result, nil
}

func (r *MemoryRepository) ListByRider(_ context.Context, riderID string, limit, offset int) ([]*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Booking
	for _, b := range r.bookings {
		if b.RiderID == riderID {
			clone := *b
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) Upcoming(_ context.Context, riderID, fromDate string) ([]*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Booking
	for _, b := range r.bookings {
		if b.RiderID != riderID || b.TravelDate < fromDate {
			continue
		}
		if b.Status == StatusConfirmed || b.Status == StatusCheckedIn {
			clone := *b
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TravelDate < out[j].TravelDate })
	return out, nil
}

func (r *MemoryRepository) ExpiredHolds(_ context.Context, now time.Time, limit int) ([]*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Booking
	for _, b := range r.bookings {
		if (b.Status == StatusPending || b.Status == StatusHeld) && b.HoldExpired(now) {
			clone := *b
			out = append(out, &clone)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) OccupiedSeats(_ context.Context, routeID, travelDate string) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var seats []int
	for _, b := range r.bookings {
		if b.RouteID != routeID || b.TravelDate != travelDate {
			continue
		}
		if b.Status == StatusConfirmed || b.Status == StatusCheckedIn {
			seats = append(seats, b.SeatNumbers...)
		}
	}
	sort.Ints(seats)
	return seats, nil
}

func (r *MemoryRepository) IsHoldLive(_ context.Context, bookingID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[bookingID]
	if !ok {
		return false, nil
	}
	return b.HasLiveHold() && !b.HoldExpired(time.Now()), nil
}
