package entity

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsMatchKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"validation", &ValidationError{Message: "bad phone"}, ErrValidation},
		{"capacity", &InsufficientCapacityError{Requested: 2, Available: 1}, ErrInsufficientCapacity},
		{"terminal", &AlreadyTerminalError{TxnRef: "T1", Status: ParticipantStatusFailed}, ErrAlreadyTerminal},
		{"oversold", &OversoldAtConfirmError{TxnRef: "T1", Requested: 1}, ErrOversoldAtConfirm},
		{"malformed", &MalformedPayloadError{Field: "hash"}, ErrMalformedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("failed to process: %w", tt.err)
			assert.True(t, errors.Is(wrapped, tt.kind))
			assert.False(t, errors.Is(wrapped, ErrTransientStorage))
		})
	}
}

func TestInsufficientCapacityMessage(t *testing.T) {
	err := &InsufficientCapacityError{Requested: 3, Available: 0}
	assert.Equal(t, "Only 0 slots available", err.Error())
}

func TestParseEventTime(t *testing.T) {
	for _, in := range []string{"2025-03-01T18:30", "2025-03-01T18:30:00Z", "2025-03-01"} {
		got, err := ParseEventTime(in)
		assert.NoError(t, err, in)
		assert.Equal(t, 2025, got.Year())
	}

	_, err := ParseEventTime("01/03/2025")
	assert.Error(t, err)
}

func TestSlotsLeftNeverNegative(t *testing.T) {
	e := &Event{ParticipantsLimit: 2, ConfirmedSlots: 3}
	assert.Equal(t, 0, e.SlotsLeft())
}
