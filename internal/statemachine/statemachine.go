// Package statemachine validates entity state transitions against a
// whitelist table and records every applied transition to an audit sink.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a transition is not in the table
var ErrInvalidTransition = errors.New("invalid state transition")

// Table maps each state to the states it may move to. States absent from
// the table are terminal.
type Table[S ~string] map[S][]S

// CanTransition reports whether from -> to is allowed
func (t Table[S]) CanTransition(from, to S) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state has no outgoing transitions
func (t Table[S]) Terminal(s S) bool {
	return len(t[s]) == 0
}

// Transition is the audit record of one applied state change
type Transition struct {
	EntityType string
	EntityID   string
	From       string
	To         string
	Reason     string
	ActorID    string
	ActorRole  string
	OccurredAt time.Time
}

// Recorder persists applied transitions. The audit log implements this.
type Recorder interface {
	RecordTransition(ctx context.Context, t Transition) error
}

// Machine validates and audits transitions for one entity type
type Machine[S ~string] struct {
	entityType string
	table      Table[S]
	recorder   Recorder
}

// New creates a machine for entityType over the given table. recorder may
// be nil when auditing is handled elsewhere.
func New[S ~string](entityType string, table Table[S], recorder Recorder) *Machine[S] {
	return &Machine[S]{
		entityType: entityType,
		table:      table,
		recorder:   recorder,
	}
}

// Can reports whether from -> to is allowed
func (m *Machine[S]) Can(from, to S) bool {
	return m.table.CanTransition(from, to)
}

// TransitionTo validates from -> to, then records the transition. The caller
// applies the state change itself, inside whatever transaction it runs;
// TransitionTo must be called before the change is committed.
func (m *Machine[S]) TransitionTo(ctx context.Context, entityID string, from, to S, reason, actorID, actorRole string) error {
	if !m.table.CanTransition(from, to) {
		return fmt.Errorf("%s %s: %s -> %s: %w", m.entityType, entityID, from, to, ErrInvalidTransition)
	}

	if m.recorder != nil {
		err := m.recorder.RecordTransition(ctx, Transition{
			EntityType: m.entityType,
			EntityID:   entityID,
			From:       string(from),
			To:         string(to),
			Reason:     reason,
			ActorID:    actorID,
			ActorRole:  actorRole,
			OccurredAt: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to record transition: %w", err)
		}
	}

	return nil
}

// IsInvalidTransition reports whether err is a transition validation failure
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
