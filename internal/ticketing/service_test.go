package ticketing

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidx345/openride-backend-sub002/internal/eventbus"
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

type env struct {
	svc    Service
	repo   *MemoryRepository
	anchor *MockAnchor
	bus    *eventbus.MemoryBus
	signer *Signer
}

func newEnv(t *testing.T, cfg ServiceConfig) *env {
	t.Helper()
	signer, err := GenerateSigner()
	require.NoError(t, err)
	repo := NewMemoryRepository()
	anchor := NewMockAnchor()
	bus := eventbus.NewMemoryBus()
	svc := NewService(repo, signer, anchor, fakeLocks{}, bus, cfg)
	return &env{svc: svc, repo: repo, anchor: anchor, bus: bus, signer: signer}
}

func issueInput(bookingID string) *IssueTicketInput {
	return &IssueTicketInput{
		BookingID:     bookingID,
		RiderID:       "rider-1",
		DriverID:      "driver-1",
		VehicleID:     "veh-1",
		RideType:      "shared",
		ScheduledTime: time.Now().UTC().Add(24 * time.Hour),
		Pickup:        "Ikeja",
		Dropoff:       "Lekki",
		Fare:          1500,
		PaymentID:     "pay-1",
	}
}

func TestIssueTicket(t *testing.T) {
	e := newEnv(t, DefaultServiceConfig())

	ticket, err := e.svc.IssueTicket(context.Background(), issueInput("bkg-1"))
	require.NoError(t, err)

	assert.Equal(t, TicketActive, ticket.Status)
	assert.NotEmpty(t, ticket.Body)

	// the stored hash is the SHA-256 of the canonical body and the
	// signature binds to it
	hash := HashBody([]byte(ticket.Body))
	assert.Equal(t, hex.EncodeToString(hash), ticket.Hash)
	assert.True(t, e.signer.Verify(hash, ticket.Signature))

	// queued into the open pending batch
	require.NotEmpty(t, ticket.BatchID)
	batch, err := e.repo.GetBatch(context.Background(), ticket.BatchID)
	require.NoError(t, err)
	assert.Equal(t, BatchPending, batch.Status)
	assert.Equal(t, 1, batch.TicketCount)

	assert.Len(t, e.bus.PublishedOfType(eventbus.TopicTicketIssued), 1)
}

func TestIssueTicketIsIdempotentPerBooking(t *testing.T) {
	e := newEnv(t, DefaultServiceConfig())

	first, err := e.svc.IssueTicket(context.Background(), issueInput("bkg-1"))
	require.NoError(t, err)
	second, err := e.svc.IssueTicket(context.Background(), issueInput("bkg-1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, e.bus.PublishedOfType(eventbus.TopicTicketIssued), 1)
}

func TestIssueTicketValidation(t *testing.T) {
	e := newEnv(t, DefaultServiceConfig())

	in := issueInput("bkg-1")
	in.RiderID = ""
	_, err := e.svc.IssueTicket(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidTicket)
	assert.True(t, IsValidation(err))
}

func TestBatchTurnsReadyAtCapacity(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.BatchSize = 3
	e := newEnv(t, cfg)

	var batchID string
	for _, id := range []string{"bkg-1", "bkg-2", "bkg-3"} {
		ticket, err := e.svc.IssueTicket(context.Background(), issueInput(id))
		require.NoError(t, err)
		batchID = ticket.BatchID
	}

	batch, err := e.repo.GetBatch(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, BatchReady, batch.Status)
	assert.Equal(t, 3, batch.TicketCount)

	// the next issue opens a fresh batch
	next, err := e.svc.IssueTicket(context.Background(), issueInput("bkg-4"))
	require.NoError(t, err)
	assert.NotEqual(t, batchID, next.BatchID)
}

func TestSealStaleBatches(t *testing.T) {
	e := newEnv(t, DefaultServiceConfig())

	_, err := e.svc.IssueTicket(context.Background(), issueInput("bkg-1"))
	require.NoError(t, err)

	sealed, err := e.svc.SealStaleBatches(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, sealed)

	ready, err := e.repo.BatchesByStatus(context.Background(), BatchReady, 0)
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func anchorBatch(t *testing.T, e *env, cfg ServiceConfig) *Ticket {
	t.Helper()
	ticket, err := e.svc.IssueTicket(context.Background(), issueInput("bkg-1"))
	require.NoError(t, err)

	_, err = e.svc.SealStaleBatches(context.Background(), 0)
	require.NoError(t, err)
	built, err := e.svc.BuildBatches(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, built)

	anchor, err := e.repo.GetAnchorByBatch(context.Background(), ticket.BatchID)
	require.NoError(t, err)
	e.anchor.Advance(anchor.TxHash, cfg.Confirmations)
	_, err = e.svc.PollAnchors(context.Background(), 10)
	require.NoError(t, err)
	return ticket
}

func TestBuildAndAnchorBatch(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.Confirmations = 3
	e := newEnv(t, cfg)
	ticket := anchorBatch(t, e, cfg)

	batch, err := e.repo.GetBatch(context.Background(), ticket.BatchID)
	require.NoError(t, err)
	assert.Equal(t, BatchAnchored, batch.Status)
	assert.NotEmpty(t, batch.MerkleRoot)

	anchor, err := e.repo.GetAnchorByBatch(context.Background(), ticket.BatchID)
	require.NoError(t, err)
	assert.Equal(t, AnchorConfirmed, anchor.Status)
	assert.GreaterOrEqual(t, anchor.Confirmations, cfg.Confirmations)
	assert.Equal(t, batch.MerkleRoot, e.anchor.SubmittedRoot(anchor.TxHash))

	// single-leaf batch: the root is the ticket hash itself
	assert.Equal(t, ticket.Hash, batch.MerkleRoot)

	proof, err := e.repo.GetProof(context.Background(), ticket.ID)
	require.NoError(t, err)
	leaf, err := hex.DecodeString(ticket.Hash)
	require.NoError(t, err)
	assert.True(t, VerifyMerkleProof(leaf, proof.Path, batch.MerkleRoot))
}

func TestAnchorStaysSubmittedBelowDepth(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.Confirmations = 12
	e := newEnv(t, cfg)

	ticket, err := e.svc.IssueTicket(context.Background(), issueInput("bkg-1"))
	require.NoError(t, err)
	_, err = e.svc.SealStaleBatches(context.Background(), 0)
	require.NoError(t, err)
	_, err = e.svc.BuildBatches(context.Background(), 10)
	require.NoError(t, err)

	// one confirmation is not twelve
	confirmed, err := e.svc.PollAnchors(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, confirmed)

	anchor, err := e.repo.GetAnchorByBatch(context.Background(), ticket.BatchID)
	require.NoError(t, err)
	assert.Equal(t, AnchorSubmitted, anchor.Status)
	batch, err := e.repo.GetBatch(context.Background(), ticket.BatchID)
	require.NoError(t, err)
	assert.NotEqual(t, BatchAnchored, batch.Status)
}

func TestBuildBatchWithoutChainFinalizesLocally(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)
	repo := NewMemoryRepository()
	svc := NewService(repo, signer, nil, fakeLocks{}, eventbus.NewMemoryBus(), DefaultServiceConfig())

	ticket, err := svc.IssueTicket(context.Background(), issueInput("bkg-1"))
	require.NoError(t, err)
	_, err = svc.SealStaleBatches(context.Background(), 0)
	require.NoError(t, err)
	built, err := svc.BuildBatches(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, built)

	batch, err := repo.GetBatch(context.Background(), ticket.BatchID)
	require.NoError(t, err)
	assert.Equal(t, BatchAnchored, batch.Status)
	assert.NotEmpty(t, batch.MerkleRoot)
	_, err = repo.GetAnchorByBatch(context.Background(), ticket.BatchID)
	assert.ErrorIs(t, err, ErrAnchorNotFound)
}

func TestAnchorSubmissionRetriesThenFails(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.MaxAnchorRetries = 1
	e := newEnv(t, cfg)

	ticket, err := e.svc.IssueTicket(context.Background(), issueInput("bkg-1"))
	require.NoError(t, err)
	_, err = e.svc.SealStaleBatches(context.Background(), 0)
	require.NoError(t, err)

	e.anchor.FailNext = true
	_, err = e.svc.BuildBatches(context.Background(), 10)
	require.NoError(t, err)

	anchor, err := e.repo.GetAnchorByBatch(context.Background(), ticket.BatchID)
	require.NoError(t, err)
	assert.Equal(t, AnchorPending, anchor.Status)
	assert.Equal(t, 1, anchor.RetryCount)

	// the retry budget is spent on the next failure
	e.anchor.FailNext = true
	_, err = e.svc.PollAnchors(context.Background(), 10)
	require.NoError(t, err)

	anchor, err = e.repo.GetAnchorByBatch(context.Background(), ticket.BatchID)
	require.NoError(t, err)
	assert.Equal(t, AnchorFailed, anchor.Status)
	batch, err := e.repo.GetBatch(context.Background(), ticket.BatchID)
	require.NoError(t, err)
	assert.Equal(t, BatchFailed, batch.Status)
}

func TestVerifyValidTicket(t *testing.T) {
	e := newEnv(t, DefaultServiceConfig())
	ticket, err := e.svc.IssueTicket(context.Background(), issueInput("bkg-1"))
	require.NoError(t, err)

	resp, err := e.svc.VerifyTicket(context.Background(), &VerifyRequest{
		TicketID:   ticket.ID,
		VerifierID: "driver-1",
	})
	require.NoError(t, err)
	assert.Equal(t, VerifyValid, resp.Result)
	assert.Equal(t, MethodSignature, resp.Method)
	assert.False(t, resp.MerkleProof)

	logs, err := e.svc.Verifications(context.Background(), ticket.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, VerifyValid, logs[0].Result)
	assert.Equal(t, "driver-1", logs[0].VerifierID)
}

func TestVerifyUsesMerkleProofOnceAnchored(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.Confirmations = 1
	e := newEnv(t, cfg)
	ticket := anchorBatch(t, e, cfg)

	resp, err := e.svc.VerifyTicket(context.Background(), &VerifyRequest{TicketID: ticket.ID})
	require.NoError(t, err)
	assert.Equal(t, VerifyValid, resp.Result)
	assert.Equal(t, MethodMerkleProof, resp.Method)
	assert.True(t, resp.MerkleProof)
}

func TestVerifyRejectsCorruptProof(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.Confirmations = 1
	e := newEnv(t, cfg)
	ticket := anchorBatch(t, e, cfg)

	// a multi-leaf batch so the proof has a sibling to corrupt; rebuild the
	// stored proof with a forged step
	proof, err := e.repo.GetProof(context.Background(), ticket.ID)
	require.NoError(t, err)
	proof.Path = append(proof.Path, ProofStep{Hash: "00", Left: true})
	require.NoError(t, e.repo.SaveProofs(context.Background(), []*StoredProof{proof}))

	resp, err := e.svc.VerifyTicket(context.Background(), &VerifyRequest{TicketID: ticket.ID})
	require.NoError(t, err)
	assert.Equal(t, VerifyInvalid, resp.Result)
	assert.Equal(t, MethodMerkleProof, resp.Method)
}

func TestVerifyUnknownTicket(t *testing.T) {
	e := newEnv(t, DefaultServiceConfig())
	resp, err := e.svc.VerifyTicket(context.Background(), &VerifyRequest{TicketID: "nope"})
	require.NoError(t, err)
	assert.Equal(t, VerifyNotFound, resp.Result)
	assert.Equal(t, MethodDatabase, resp.Method)
}

func TestVerifyCancelledTicket(t *testing.T) {
	e := newEnv(t, DefaultServiceConfig())
	ticket, err := e.svc.IssueTicket(context.Background(), issueInput("bkg-1"))
	require.NoError(t, err)
	_, err = e.svc.CancelTicket(context.Background(), ticket.ID)
	require.NoError(t, err)

	resp, err := e.svc.VerifyTicket(context.Background(), &VerifyRequest{TicketID: ticket.ID})
	require.NoError(t, err)
	assert.Equal(t, VerifyRevoked, resp.Result)
}

func TestVerifyExpiresLazily(t *testing.T) {
	e := newEnv(t, DefaultServiceConfig())
	in := issueInput("bkg-1")
	in.ScheduledTime = time.Now().UTC().Add(-48 * time.Hour)
	ticket, err := e.svc.IssueTicket(context.Background(), in)
	require.NoError(t, err)

	resp, err := e.svc.VerifyTicket(context.Background(), &VerifyRequest{TicketID: ticket.ID})
	require.NoError(t, err)
	assert.Equal(t, VerifyExpired, resp.Result)

	// the row flipped on first verification past the deadline
	stored, err := e.svc.GetTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, TicketExpired, stored.Status)
}

func TestVerifyRejectsTamperedStoredBody(t *testing.T) {
	e := newEnv(t, DefaultServiceConfig())
	ticket, err := e.svc.IssueTicket(context.Background(), issueInput("bkg-1"))
	require.NoError(t, err)

	tampered := *ticket
	tampered.Body = `{"fare":1}`
	require.NoError(t, e.repo.CreateTicket(context.Background(), &tampered))

	resp, err := e.svc.VerifyTicket(context.Background(), &VerifyRequest{TicketID: ticket.ID})
	require.NoError(t, err)
	assert.Equal(t, VerifyInvalid, resp.Result)
	assert.Equal(t, MethodSignature, resp.Method)
}

func TestVerifyDriverContextMismatch(t *testing.T) {
	e := newEnv(t, DefaultServiceConfig())
	ticket, err := e.svc.IssueTicket(context.Background(), issueInput("bkg-1"))
	require.NoError(t, err)

	resp, err := e.svc.VerifyTicket(context.Background(), &VerifyRequest{
		TicketID:         ticket.ID,
		ExpectedDriverID: "driver-9",
	})
	require.NoError(t, err)
	assert.Equal(t, VerifyInvalid, resp.Result)
	assert.Contains(t, resp.Notes, "different driver")
}

func TestCancelTicket(t *testing.T) {
	e := newEnv(t, DefaultServiceConfig())
	ticket, err := e.svc.IssueTicket(context.Background(), issueInput("bkg-1"))
	require.NoError(t, err)

	cancelled, err := e.svc.CancelTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, TicketCancelled, cancelled.Status)

	_, err = e.svc.CancelTicket(context.Background(), ticket.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
	assert.True(t, IsConflict(err))
}

func TestGetMerkleProof(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.Confirmations = 1
	e := newEnv(t, cfg)
	ticket := anchorBatch(t, e, cfg)

	proof, err := e.svc.GetMerkleProof(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.Hash, proof.LeafHash)
	assert.Equal(t, BatchAnchored, proof.BatchStatus)
	assert.NotEmpty(t, proof.MerkleRoot)
	assert.NotEmpty(t, proof.TxHash)
}

func TestGetMerkleProofBeforeBatchBuild(t *testing.T) {
	e := newEnv(t, DefaultServiceConfig())
	ticket, err := e.svc.IssueTicket(context.Background(), issueInput("bkg-1"))
	require.NoError(t, err)

	_, err = e.svc.GetMerkleProof(context.Background(), ticket.ID)
	assert.ErrorIs(t, err, ErrProofNotFound)
}

func TestIssueOnBookingConfirmed(t *testing.T) {
	e := newEnv(t, DefaultServiceConfig())
	e.svc.RegisterHandlers(e.bus)

	event, err := eventbus.NewEvent(eventbus.TopicBookingConfirmed, "bkg-1", map[string]any{
		"booking_id":  "bkg-1",
		"rider_id":    "rider-1",
		"driver_id":   "driver-1",
		"route_id":    "route-1",
		"travel_date": "2026-09-01",
		"total_price": 3000.0,
		"payment_id":  "pay-1",
	})
	require.NoError(t, err)
	require.NoError(t, e.bus.Publish(context.Background(), event))

	ticket, err := e.svc.GetTicketByBooking(context.Background(), "bkg-1")
	require.NoError(t, err)
	assert.Equal(t, TicketActive, ticket.Status)
	assert.Equal(t, "driver-1", ticket.DriverID)
	assert.InDelta(t, 3000.0, mustBody(t, ticket).Fare, 0.001)
}

func mustBody(t *testing.T, ticket *Ticket) TicketBody {
	t.Helper()
	var body TicketBody
	require.NoError(t, json.Unmarshal([]byte(ticket.Body), &body))
	return body
}
