package ticketing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository for tests and local development
type MemoryRepository struct {
	mu            sync.Mutex
	tickets       map[string]*Ticket
	batches       map[string]*MerkleBatch
	proofs        map[string]*StoredProof
	anchors       map[string]*Anchor
	verifications []*VerificationLog
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory ticketing repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tickets: make(map[string]*Ticket),
		batches: make(map[string]*MerkleBatch),
		proofs:  make(map[string]*StoredProof),
		anchors: make(map[string]*Anchor),
	}
}

func (r *MemoryRepository) CreateTicket(_ context.Context, t *Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *t
	r.tickets[t.ID] = &c
	return nil
}

func (r *MemoryRepository) GetTicket(_ context.Context, id string) (*Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[id]
	if !ok {
		return nil, ErrTicketNotFound
	}
	c := *t
	return &c, nil
}

func (r *MemoryRepository) GetTicketByBooking(_ context.Context, bookingID string) (*Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tickets {
		if t.BookingID == bookingID {
			c := *t
			return &c, nil
		}
	}
	return nil, ErrTicketNotFound
}

func (r *MemoryRepository) UpdateTicketStatus(_ context.Context, id string, status TicketStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[id]
	if !ok {
		return ErrTicketNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) TicketsInBatch(_ context.Context, batchID string) ([]*Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Ticket
	for _, t := range r.tickets {
		if t.BatchID == batchID {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRepository) PendingBatch(_ context.Context) (*MerkleBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *MerkleBatch
	for _, b := range r.batches {
		if b.Status == BatchPending {
			if oldest == nil || b.CreatedAt.Before(oldest.CreatedAt) {
				oldest = b
			}
		}
	}
	if oldest != nil {
		c := *oldest
		return &c, nil
	}

	now := time.Now().UTC()
	b := &MerkleBatch{ID: newID(), Status: BatchPending, CreatedAt: now, UpdatedAt: now}
	r.batches[b.ID] = b
	c := *b
	return &c, nil
}

func (r *MemoryRepository) GetBatch(_ context.Context, id string) (*MerkleBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	c := *b
	return &c, nil
}

func (r *MemoryRepository) AddTicketToBatch(_ context.Context, ticketID, batchID string, maxSize int) (*MerkleBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok {
		return nil, ErrTicketNotFound
	}
	b, ok := r.batches[batchID]
	if !ok {
		return nil, ErrBatchNotFound
	}
	t.BatchID = batchID
	b.TicketCount++
	if b.TicketCount >= maxSize {
		b.Status = BatchReady
	}
	b.UpdatedAt = time.Now().UTC()
	c := *b
	return &c, nil
}

func (r *MemoryRepository) BatchesByStatus(_ context.Context, status BatchStatus, limit int) ([]*MerkleBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*MerkleBatch
	for _, b := range r.batches {
		if b.Status == status {
			c := *b
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) SetBatchStatus(_ context.Context, id string, status BatchStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	b.Status = status
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) SetBatchRoot(_ context.Context, id, root string, status BatchStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	b.MerkleRoot = root
	b.Status = status
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) SaveProofs(_ context.Context, proofs []*StoredProof) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range proofs {
		c := *p
		c.Path = append([]ProofStep(nil), p.Path...)
		r.proofs[p.TicketID] = &c
	}
	return nil
}

func (r *MemoryRepository) GetProof(_ context.Context, ticketID string) (*StoredProof, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proofs[ticketID]
	if !ok {
		return nil, ErrProofNotFound
	}
	c := *p
	c.Path = append([]ProofStep(nil), p.Path...)
	return &c, nil
}

func (r *MemoryRepository) CreateAnchor(_ context.Context, a *Anchor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *a
	r.anchors[a.ID] = &c
	return nil
}

func (r *MemoryRepository) GetAnchorByBatch(_ context.Context, batchID string) (*Anchor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.anchors {
		if a.BatchID == batchID {
			c := *a
			return &c, nil
		}
	}
	return nil, ErrAnchorNotFound
}

func (r *MemoryRepository) UpdateAnchor(_ context.Context, a *Anchor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.anchors[a.ID]; !ok {
		return ErrAnchorNotFound
	}
	a.UpdatedAt = time.Now().UTC()
	c := *a
	r.anchors[a.ID] = &c
	return nil
}

func (r *MemoryRepository) AnchorsByStatus(_ context.Context, status AnchorStatus, limit int) ([]*Anchor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Anchor
	for _, a := range r.anchors {
		if a.Status == status {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) AddVerification(_ context.Context, v *VerificationLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *v
	r.verifications = append(r.verifications, &c)
	return nil
}

func (r *MemoryRepository) VerificationsForTicket(_ context.Context, ticketID string, limit int) ([]*VerificationLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*VerificationLog
	for i := len(r.verifications) - 1; i >= 0; i-- {
		if r.verifications[i].TicketID == ticketID {
			c := *r.verifications[i]
			out = append(out, &c)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
