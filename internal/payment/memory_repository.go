package payment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository for tests and local development
type MemoryRepository struct {
	mu              sync.Mutex
	payments        map[string]*Payment
	events          map[string][]*Event
	reconciliations map[string]*ReconciliationRecord
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory payment repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		payments:        make(map[string]*Payment),
		events:          make(map[string][]*Event),
		reconciliations: make(map[string]*ReconciliationRecord),
	}
}

func clonePayment(p *Payment) *Payment {
	c := *p
	return &c
}

func (r *MemoryRepository) Create(_ context.Context, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[p.ID] = clonePayment(p)
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (r *MemoryRepository) GetByGatewayReference(_ context.Context, ref string) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.GatewayReference == ref {
			return clonePayment(p), nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (r *MemoryRepository) ActiveForBooking(_ context.Context, bookingID string) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *Payment
	for _, p := range r.payments {
		if p.BookingID == bookingID && p.IsActive() {
			if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
				latest = p
			}
		}
	}
	if latest == nil {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(latest), nil
}

func (r *MemoryRepository) LatestForBooking(_ context.Context, bookingID string) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *Payment
	for _, p := range r.payments {
		if p.BookingID == bookingID {
			if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
				latest = p
			}
		}
	}
	if latest == nil {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(latest), nil
}

func (r *MemoryRepository) UpdateWithLock(_ context.Context, id string, mutate func(p *Payment) error) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	working := clonePayment(p)
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now().UTC()
	r.payments[id] = working
	return clonePayment(working), nil
}

func (r *MemoryRepository) ListByRider(_ context.Context, riderID string, limit, offset int) ([]*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Payment
	for _, p := range r.payments {
		if p.RiderID == riderID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, limit, offset), nil
}

func (r *MemoryRepository) List(_ context.Context, status Status, riderID string, limit, offset int) ([]*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Payment
	for _, p := range r.payments {
		if status != "" && p.Status != status {
			continue
		}
		if riderID != "" && p.RiderID != riderID {
			continue
		}
		out = append(out, clonePayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, limit, offset), nil
}

func (r *MemoryRepository) ExpiredPending(_ context.Context, now time.Time, limit int) ([]*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Payment
	for _, p := range r.payments {
		if (p.Status == StatusInitiated || p.Status == StatusPending) && p.Expired(now) {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListByDate(_ context.Context, date string) ([]*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Payment
	for _, p := range r.payments {
		if p.InitiatedAt.UTC().Format("2006-01-02") == date {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.Before(out[j].InitiatedAt) })
	return out, nil
}

func (r *MemoryRepository) AddEvent(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *e
	r.events[e.PaymentID] = append(r.events[e.PaymentID], &c)
	return nil
}

func (r *MemoryRepository) EventsForPayment(_ context.Context, paymentID string) ([]*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events[paymentID]
	out := make([]*Event, len(events))
	for i, e := range events {
		c := *e
		out[i] = &c
	}
	return out, nil
}

func (r *MemoryRepository) SaveReconciliation(_ context.Context, rec *ReconciliationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *rec
	r.reconciliations[rec.Date] = &c
	return nil
}

func (r *MemoryRepository) ListReconciliations(_ context.Context, limit int) ([]*ReconciliationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ReconciliationRecord
	for _, rec := range r.reconciliations {
		c := *rec
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func paginate(payments []*Payment, limit, offset int) []*Payment {
	if offset >= len(payments) {
		return nil
	}
	payments = payments[offset:]
	if limit > 0 && len(payments) > limit {
		payments = payments[:limit]
	}
	return payments
}
