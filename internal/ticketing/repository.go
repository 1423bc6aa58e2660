package ticketing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidx345/openride-backend-sub002/pkg/database"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

// Repository persists tickets, batches, proofs, anchors and verification logs
type Repository interface {
	CreateTicket(ctx context.Context, t *Ticket) error
	GetTicket(ctx context.Context, id string) (*Ticket, error)
	GetTicketByBooking(ctx context.Context, bookingID string) (*Ticket, error)
	UpdateTicketStatus(ctx context.Context, id string, status TicketStatus) error
	// TicketsInBatch returns the batch's tickets in leaf order (created_at)
	TicketsInBatch(ctx context.Context, batchID string) ([]*Ticket, error)

	// PendingBatch returns the open PENDING batch, creating one if none exists
	PendingBatch(ctx context.Context) (*MerkleBatch, error)
	GetBatch(ctx context.Context, id string) (*MerkleBatch, error)
	// AddTicketToBatch assigns the ticket and bumps the batch count, marking
	// the batch READY when it reaches maxSize. Returns the updated batch.
	AddTicketToBatch(ctx context.Context, ticketID, batchID string, maxSize int) (*MerkleBatch, error)
	BatchesByStatus(ctx context.Context, status BatchStatus, limit int) ([]*MerkleBatch, error)
	SetBatchStatus(ctx context.Context, id string, status BatchStatus) error
	SetBatchRoot(ctx context.Context, id, root string, status BatchStatus) error

	SaveProofs(ctx context.Context, proofs []*StoredProof) error
	GetProof(ctx context.Context, ticketID string) (*StoredProof, error)

	CreateAnchor(ctx context.Context, a *Anchor) error
	GetAnchorByBatch(ctx context.Context, batchID string) (*Anchor, error)
	UpdateAnchor(ctx context.Context, a *Anchor) error
	AnchorsByStatus(ctx context.Context, status AnchorStatus, limit int) ([]*Anchor, error)

	AddVerification(ctx context.Context, v *VerificationLog) error
	VerificationsForTicket(ctx context.Context, ticketID string, limit int) ([]*VerificationLog, error)
}

type pgRepository struct {
	db *database.PostgresDB
}

var _ Repository = (*pgRepository)(nil)

// NewRepository creates a PostgreSQL-backed ticketing repository
func NewRepository(db *database.PostgresDB) Repository {
	return &pgRepository{db: db}
}

const ticketColumns = `
	id, booking_id, rider_id, driver_id, body, hash, signature,
	status, batch_id, issued_at, expires_at, created_at, updated_at
`

func (r *pgRepository) CreateTicket(ctx context.Context, t *Ticket) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.ticket.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("ticket_id", t.ID),
		attribute.String("booking_id", t.BookingID),
	)

	query := `
		INSERT INTO tickets (` + ticketColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	err := r.db.Exec(ctx, query,
		t.ID, t.BookingID, t.RiderID, t.DriverID, t.Body, t.Hash, t.Signature,
		string(t.Status), nullString(t.BatchID), t.IssuedAt, t.ExpiresAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create ticket: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (r *pgRepository) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.ticket.get")
	defer span.End()
	span.SetAttributes(attribute.String("ticket_id", id))

	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id = $1`
	t, err := scanTicket(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, ErrTicketNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return t, nil
}

func (r *pgRepository) GetTicketByBooking(ctx context.Context, bookingID string) (*Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE booking_id = $1`
	t, err := scanTicket(r.db.QueryRow(ctx, query, bookingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("failed to get ticket by booking: %w", err)
	}
	return t, nil
}

func (r *pgRepository) UpdateTicketStatus(ctx context.Context, id string, status TicketStatus) error {
	query := `UPDATE tickets SET status = $2, updated_at = $3 WHERE id = $1`
	if err := r.db.Exec(ctx, query, id, string(status), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to update ticket status: %w", err)
	}
	return nil
}

func (r *pgRepository) TicketsInBatch(ctx context.Context, batchID string) ([]*Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE batch_id = $1 ORDER BY created_at, id`
	rows, err := r.db.Pool().Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (r *pgRepository) PendingBatch(ctx context.Context) (*MerkleBatch, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.batch.pending")
	defer span.End()

	query := `
		SELECT id, status, ticket_count, COALESCE(merkle_root, ''), created_at, updated_at
		FROM merkle_batches
		WHERE status = 'PENDING'
		ORDER BY created_at
		LIMIT 1
	`
	b, err := scanBatch(r.db.QueryRow(ctx, query))
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get pending batch: %w", err)
	}

	now := time.Now().UTC()
	b = &MerkleBatch{
		ID:        newID(),
		Status:    BatchPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	insert := `
		INSERT INTO merkle_batches (id, status, ticket_count, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $4)
	`
	if err := r.db.Exec(ctx, insert, b.ID, string(b.Status), b.CreatedAt, b.UpdatedAt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open pending batch: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return b, nil
}

func (r *pgRepository) GetBatch(ctx context.Context, id string) (*MerkleBatch, error) {
	query := `
		SELECT id, status, ticket_count, COALESCE(merkle_root, ''), created_at, updated_at
		FROM merkle_batches WHERE id = $1
	`
	b, err := scanBatch(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return b, nil
}

func (r *pgRepository) AddTicketToBatch(ctx context.Context, ticketID, batchID string, maxSize int) (*MerkleBatch, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.batch.add_ticket")
	defer span.End()
	span.SetAttributes(attribute.String("batch_id", batchID))

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE tickets SET batch_id = $2, updated_at = $3 WHERE id = $1`,
		ticketID, batchID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to assign ticket to batch: %w", err)
	}

	query := `
		UPDATE merkle_batches
		SET ticket_count = ticket_count + 1,
		    status = CASE WHEN ticket_count + 1 >= $2 THEN 'READY' ELSE status END,
		    updated_at = $3
		WHERE id = $1
		RETURNING id, status, ticket_count, COALESCE(merkle_root, ''), created_at, updated_at
	`
	b, err := scanBatch(tx.QueryRow(ctx, query, batchID, maxSize, time.Now().UTC()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to bump batch count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit batch assignment: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return b, nil
}

func (r *pgRepository) BatchesByStatus(ctx context.Context, status BatchStatus, limit int) ([]*MerkleBatch, error) {
	query := `
		SELECT id, status, ticket_count, COALESCE(merkle_root, ''), created_at, updated_at
		FROM merkle_batches
		WHERE status = $1
		ORDER BY created_at
		LIMIT NULLIF($2, 0)
	`
	rows, err := r.db.Pool().Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var batches []*MerkleBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (r *pgRepository) SetBatchStatus(ctx context.Context, id string, status BatchStatus) error {
	query := `UPDATE merkle_batches SET status = $2, updated_at = $3 WHERE id = $1`
	if err := r.db.Exec(ctx, query, id, string(status), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set batch status: %w", err)
	}
	return nil
}

func (r *pgRepository) SetBatchRoot(ctx context.Context, id, root string, status BatchStatus) error {
	query := `UPDATE merkle_batches SET merkle_root = $2, status = $3, updated_at = $4 WHERE id = $1`
	if err := r.db.Exec(ctx, query, id, root, string(status), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set batch root: %w", err)
	}
	return nil
}

func (r *pgRepository) SaveProofs(ctx context.Context, proofs []*StoredProof) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.proof.save_all")
	defer span.End()
	span.SetAttributes(attribute.Int("proofs", len(proofs)))

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO merkle_proofs (ticket_id, batch_id, leaf_index, path)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ticket_id) DO UPDATE SET
			batch_id = EXCLUDED.batch_id,
			leaf_index = EXCLUDED.leaf_index,
			path = EXCLUDED.path
	`
	for _, p := range proofs {
		path, err := json.Marshal(p.Path)
		if err != nil {
			return fmt.Errorf("failed to encode proof path: %w", err)
		}
		if _, err := tx.Exec(ctx, query, p.TicketID, p.BatchID, p.LeafIndex, path); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to save merkle proof: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit proofs: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (r *pgRepository) GetProof(ctx context.Context, ticketID string) (*StoredProof, error) {
	query := `SELECT ticket_id, batch_id, leaf_index, path FROM merkle_proofs WHERE ticket_id = $1`
	p := &StoredProof{}
	var path []byte
	err := r.db.QueryRow(ctx, query, ticketID).Scan(&p.TicketID, &p.BatchID, &p.LeafIndex, &path)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProofNotFound
		}
		return nil, fmt.Errorf("failed to get merkle proof: %w", err)
	}
	if err := json.Unmarshal(path, &p.Path); err != nil {
		return nil, fmt.Errorf("failed to decode proof path: %w", err)
	}
	return p, nil
}

const anchorColumns = `
	id, batch_id, chain_id, COALESCE(tx_hash, ''), COALESCE(block_number, 0),
	confirmations, status, COALESCE(gas_cost, ''), retry_count, created_at, updated_at
`

func (r *pgRepository) CreateAnchor(ctx context.Context, a *Anchor) error {
	query := `
		INSERT INTO anchors (id, batch_id, chain_id, tx_hash, block_number,
		                     confirmations, status, gas_cost, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	err := r.db.Exec(ctx, query,
		a.ID, a.BatchID, a.ChainID, nullString(a.TxHash), a.BlockNumber,
		a.Confirmations, string(a.Status), nullString(a.GasCost), a.RetryCount, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create anchor: %w", err)
	}
	return nil
}

func (r *pgRepository) GetAnchorByBatch(ctx context.Context, batchID string) (*Anchor, error) {
	query := `SELECT ` + anchorColumns + ` FROM anchors WHERE batch_id = $1`
	a, err := scanAnchor(r.db.QueryRow(ctx, query, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAnchorNotFound
		}
		return nil, fmt.Errorf("failed to get anchor: %w", err)
	}
	return a, nil
}

func (r *pgRepository) UpdateAnchor(ctx context.Context, a *Anchor) error {
	a.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE anchors SET
			tx_hash = $2, block_number = $3, confirmations = $4,
			status = $5, gas_cost = $6, retry_count = $7, updated_at = $8
		WHERE id = $1
	`
	err := r.db.Exec(ctx, query,
		a.ID, nullString(a.TxHash), a.BlockNumber, a.Confirmations,
		string(a.Status), nullString(a.GasCost), a.RetryCount, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update anchor: %w", err)
	}
	return nil
}

func (r *pgRepository) AnchorsByStatus(ctx context.Context, status AnchorStatus, limit int) ([]*Anchor, error) {
	query := `SELECT ` + anchorColumns + ` FROM anchors WHERE status = $1 ORDER BY created_at LIMIT NULLIF($2, 0)`
	rows, err := r.db.Pool().Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query anchors: %w", err)
	}
	defer rows.Close()

	var anchors []*Anchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anchor: %w", err)
		}
		anchors = append(anchors, a)
	}
	return anchors, rows.Err()
}

func (r *pgRepository) AddVerification(ctx context.Context, v *VerificationLog) error {
	query := `
		INSERT INTO ticket_verifications (id, ticket_id, method, verifier_id, result,
		                                  ip_address, user_agent, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	err := r.db.Exec(ctx, query,
		v.ID, v.TicketID, string(v.Method), v.VerifierID, string(v.Result),
		nullString(v.IPAddress), nullString(v.UserAgent), nullString(v.Notes), v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record verification: %w", err)
	}
	return nil
}

func (r *pgRepository) VerificationsForTicket(ctx context.Context, ticketID string, limit int) ([]*VerificationLog, error) {
	query := `
		SELECT id, ticket_id, method, verifier_id, result,
		       COALESCE(ip_address, ''), COALESCE(user_agent, ''), COALESCE(notes, ''), created_at
		FROM ticket_verifications
		WHERE ticket_id = $1
		ORDER BY created_at DESC
		LIMIT NULLIF($2, 0)
	`
	rows, err := r.db.Pool().Query(ctx, query, ticketID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query verifications: %w", err)
	}
	defer rows.Close()

	var logs []*VerificationLog
	for rows.Next() {
		v := &VerificationLog{}
		var method, result string
		if err := rows.Scan(&v.ID, &v.TicketID, &method, &v.VerifierID, &result,
			&v.IPAddress, &v.UserAgent, &v.Notes, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan verification: %w", err)
		}
		v.Method = VerificationMethod(method)
		v.Result = VerificationResult(result)
		logs = append(logs, v)
	}
	return logs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*Ticket, error) {
	t := &Ticket{}
	var status string
	var batchID *string
	err := row.Scan(
		&t.ID, &t.BookingID, &t.RiderID, &t.DriverID, &t.Body, &t.Hash, &t.Signature,
		&status, &batchID, &t.IssuedAt, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = TicketStatus(status)
	if batchID != nil {
		t.BatchID = *batchID
	}
	return t, nil
}

func scanBatch(row rowScanner) (*MerkleBatch, error) {
	b := &MerkleBatch{}
	var status string
	err := row.Scan(&b.ID, &status, &b.TicketCount, &b.MerkleRoot, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = BatchStatus(status)
	return b, nil
}

func scanAnchor(row rowScanner) (*Anchor, error) {
	a := &Anchor{}
	var status string
	err := row.Scan(
		&a.ID, &a.BatchID, &a.ChainID, &a.TxHash, &a.BlockNumber,
		&a.Confirmations, &status, &a.GasCost, &a.RetryCount, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = AnchorStatus(status)
	return a, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
