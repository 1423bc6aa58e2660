// Package audit persists an append-only trail of entity changes and admin
// actions. Entries are never updated or deleted.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidx345/openride-backend-sub002/internal/statemachine"
	"github.com/davidx345/openride-backend-sub002/pkg/database"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

// Entry is one audit log row
type Entry struct {
	ID         string                 `json:"id"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Action     string                 `json:"action"`
	ActorID    string                 `json:"actor_id"`
	ActorRole  string                 `json:"actor_role"`
	Changes    map[string]interface{} `json:"changes,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Query filters audit log reads. Zero fields are ignored.
type Query struct {
	EntityType string
	EntityID   string
	ActorID    string
	Action     string
	From       time.Time
	To         time.Time
	Limit      int
}

// Log writes and reads audit entries
type Log interface {
	Record(ctx context.Context, e *Entry) error
	RecordTransition(ctx context.Context, t statemachine.Transition) error
	Find(ctx context.Context, q Query) ([]*Entry, error)
	ForEntity(ctx context.Context, entityType, entityID string) ([]*Entry, error)
}

type pgLog struct {
	db *database.PostgresDB
}

var _ Log = (*pgLog)(nil)

// NewLog creates a PostgreSQL-backed audit log
func NewLog(db *database.PostgresDB) Log {
	return &pgLog{db: db}
}

func (l *pgLog) Record(ctx context.Context, e *Entry) error {
	ctx, span := telemetry.StartSpan(ctx, "audit.record")
	defer span.End()
	span.SetAttributes(
		attribute.String("audit.entity_type", e.EntityType),
		attribute.String("audit.action", e.Action),
	)

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var changes []byte
	if e.Changes != nil {
		var err error
		changes, err = json.Marshal(e.Changes)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "marshal failed")
			return fmt.Errorf("failed to marshal audit changes: %w", err)
		}
	}

	query := `
		INSERT INTO audit_log (id, entity_type, entity_id, action, actor_id, actor_role, changes, request_id, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	err := l.db.Exec(ctx, query,
		e.ID, e.EntityType, e.EntityID, e.Action,
		nullable(e.ActorID), nullable(e.ActorRole),
		changes, nullable(e.RequestID), nullable(e.IPAddress), e.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return fmt.Errorf("failed to record audit entry: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// RecordTransition stores a state machine transition as an audit entry
func (l *pgLog) RecordTransition(ctx context.Context, t statemachine.Transition) error {
	return l.Record(ctx, &Entry{
		EntityType: t.EntityType,
		EntityID:   t.EntityID,
		Action:     "state_transition",
		ActorID:    t.ActorID,
		ActorRole:  t.ActorRole,
		Changes: map[string]interface{}{
			"from":   t.From,
			"to":     t.To,
			"reason": t.Reason,
		},
		CreatedAt: t.OccurredAt,
	})
}

func (l *pgLog) Find(ctx context.Context, q Query) ([]*Entry, error) {
	ctx, span := telemetry.StartSpan(ctx, "audit.find")
	defer span.End()

	query := `
		SELECT id, entity_type, entity_id, action,
		       COALESCE(actor_id, ''), COALESCE(actor_role, ''),
		       changes, COALESCE(request_id, ''), COALESCE(ip_address, ''), created_at
		FROM audit_log
		WHERE 1=1
	`
	var args []interface{}
	n := 0
	add := func(clause string, v interface{}) {
		n++
		query += fmt.Sprintf(" AND %s = $%d", clause, n)
		args = append(args, v)
	}

	if q.EntityType != "" {
		add("entity_type", q.EntityType)
	}
	if q.EntityID != "" {
		add("entity_id", q.EntityID)
	}
	if q.ActorID != "" {
		add("actor_id", q.ActorID)
	}
	if q.Action != "" {
		add("action", q.Action)
	}
	if !q.From.IsZero() {
		n++
		query += fmt.Sprintf(" AND created_at >= $%d", n)
		args = append(args, q.From)
	}
	if !q.To.IsZero() {
		n++
		query += fmt.Sprintf(" AND created_at < $%d", n)
		args = append(args, q.To)
	}

	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := l.db.Pool().Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var changes []byte
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action,
			&e.ActorID, &e.ActorRole, &changes, &e.RequestID, &e.IPAddress, &e.CreatedAt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "scan failed")
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if len(changes) > 0 {
			_ = json.Unmarshal(changes, &e.Changes)
		}
		entries = append(entries, e)
	}

	span.SetAttributes(attribute.Int("audit.count", len(entries)))
	span.SetStatus(codes.Ok, "")
	return entries, rows.Err()
}

func (l *pgLog) ForEntity(ctx context.Context, entityType, entityID string) ([]*Entry, error) {
	return l.Find(ctx, Query{EntityType: entityType, EntityID: entityID})
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
