package statemachine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type phase string

const (
	phaseDraft  phase = "DRAFT"
	phaseActive phase = "ACTIVE"
	phaseClosed phase = "CLOSED"
)

var phaseTable = Table[phase]{
	phaseDraft:  {phaseActive, phaseClosed},
	phaseActive: {phaseClosed},
}

type captureRecorder struct {
	transitions []Transition
	err         error
}

func (r *captureRecorder) RecordTransition(_ context.Context, t Transition) error {
	if r.err != nil {
		return r.err
	}
	r.transitions = append(r.transitions, t)
	return nil
}

func TestTableCanTransition(t *testing.T) {
	assert.True(t, phaseTable.CanTransition(phaseDraft, phaseActive))
	assert.True(t, phaseTable.CanTransition(phaseDraft, phaseClosed))
	assert.True(t, phaseTable.CanTransition(phaseActive, phaseClosed))

	assert.False(t, phaseTable.CanTransition(phaseActive, phaseDraft))
	assert.False(t, phaseTable.CanTransition(phaseClosed, phaseActive))
	assert.False(t, phaseTable.CanTransition(phaseDraft, phaseDraft))
}

func TestTableTerminal(t *testing.T) {
	assert.False(t, phaseTable.Terminal(phaseDraft))
	assert.False(t, phaseTable.Terminal(phaseActive))
	assert.True(t, phaseTable.Terminal(phaseClosed))
	assert.True(t, phaseTable.Terminal(phase("UNKNOWN")))
}

func TestTransitionToRecords(t *testing.T) {
	rec := &captureRecorder{}
	m := New("order", phaseTable, rec)

	err := m.TransitionTo(context.Background(), "order-1",
		phaseDraft, phaseActive, "activated", "admin-1", "ADMIN")
	require.NoError(t, err)

	require.Len(t, rec.transitions, 1)
	tr := rec.transitions[0]
	assert.Equal(t, "order", tr.EntityType)
	assert.Equal(t, "order-1", tr.EntityID)
	assert.Equal(t, "DRAFT", tr.From)
	assert.Equal(t, "ACTIVE", tr.To)
	assert.Equal(t, "activated", tr.Reason)
	assert.Equal(t, "admin-1", tr.ActorID)
	assert.Equal(t, "ADMIN", tr.ActorRole)
	assert.False(t, tr.OccurredAt.IsZero())
}

func TestTransitionToRejectsInvalid(t *testing.T) {
	rec := &captureRecorder{}
	m := New("order", phaseTable, rec)

	err := m.TransitionTo(context.Background(), "order-1",
		phaseClosed, phaseActive, "", "", "")
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))
	assert.Empty(t, rec.transitions, "invalid transition must not reach the recorder")
}

func TestTransitionToPropagatesRecorderFailure(t *testing.T) {
	recErr := errors.New("sink down")
	m := New("order", phaseTable, &captureRecorder{err: recErr})

	err := m.TransitionTo(context.Background(), "order-1",
		phaseDraft, phaseActive, "", "", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, recErr)
}

func TestTransitionToWithoutRecorder(t *testing.T) {
	m := New("order", phaseTable, nil)

	err := m.TransitionTo(context.Background(), "order-1",
		phaseDraft, phaseClosed, "abandoned", "", "")
	assert.NoError(t, err)
}

func TestCanMatchesTable(t *testing.T) {
	m := New("order", phaseTable, nil)
	assert.True(t, m.Can(phaseDraft, phaseActive))
	assert.False(t, m.Can(phaseClosed, phaseDraft))
}
