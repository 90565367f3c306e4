package entity

import (
	"errors"
	"fmt"
)

var (
	// Event errors
	ErrEventNotFound       = errors.New("event not found")
	ErrLimitBelowConfirmed = errors.New("participants limit cannot be lower than confirmed slots")
	ErrInvalidPagination   = errors.New("invalid pagination parameters. Page and limit must be positive numbers")

	// Participant errors
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNoRecipients        = errors.New("no valid participants with successful payments found")

	// Kinds matched by the typed errors below
	ErrValidation           = errors.New("validation failed")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrAlreadyTerminal      = errors.New("participant already in terminal state")
	ErrOversoldAtConfirm    = errors.New("capacity exhausted at confirmation")
	ErrMalformedPayload     = errors.New("malformed payment payload")

	// Payment gateway errors
	ErrSignatureMismatch  = errors.New("payment signature mismatch")
	ErrUnknownGateway     = errors.New("unknown payment gateway")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// General errors
	ErrTransientStorage = errors.New("transient storage conflict")
	ErrUnauthorized     = errors.New("unauthorized access")
)

type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InsufficientCapacityError is returned when a booking asks for more slots
// than are currently available.
type InsufficientCapacityError struct {
	Requested int
	Available int
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("Only %d slots available", e.Available)
}

func (e *InsufficientCapacityError) Is(target error) bool { return target == ErrInsufficientCapacity }

type AlreadyTerminalError struct {
	TxnRef string
	Status ParticipantStatus
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("participant %s is already %s", e.TxnRef, e.Status)
}

func (e *AlreadyTerminalError) Is(target error) bool { return target == ErrAlreadyTerminal }

// OversoldAtConfirmError means the payment succeeded but the slots were
// taken by other confirmations; the participant has been failed.
type OversoldAtConfirmError struct {
	TxnRef    string
	Requested int
	Available int
}

func (e *OversoldAtConfirmError) Error() string {
	return fmt.Sprintf("cannot confirm %s: requested %d, available %d", e.TxnRef, e.Requested, e.Available)
}

func (e *OversoldAtConfirmError) Is(target error) bool { return target == ErrOversoldAtConfirm }

type MalformedPayloadError struct {
	Field string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}

func (e *MalformedPayloadError) Is(target error) bool { return target == ErrMalformedPayload }
