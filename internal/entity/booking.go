package entity

import (
	"time"
)

type ParticipantStatus string

const (
	ParticipantStatusPending   ParticipantStatus = "pending"
	ParticipantStatusConfirmed ParticipantStatus = "confirmed"
	ParticipantStatusFailed    ParticipantStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s ParticipantStatus) IsTerminal() bool {
	return s == ParticipantStatusConfirmed || s == ParticipantStatusFailed
}

// Failure reasons recorded on failed participants.
const (
	FailureReasonOversold = "oversold"
	FailureReasonExpired  = "expired"
	FailureReasonDeclined = "payment_failed"
)

// Participant is one booking attempt for an event. TransactionRef is the
// correlation key echoed back by the gateway on every callback.
type Participant struct {
	ID             string            `json:"id" db:"id"`
	EventID        int64             `json:"eventId" db:"event_id"`
	Name           string            `json:"name" db:"name"`
	Phone          string            `json:"phone" db:"phone"`
	Email          string            `json:"email" db:"email"`
	SkillLevel     string            `json:"skillLevel" db:"skill_level"`
	Quantity       int               `json:"quantity" db:"quantity"`
	Status         ParticipantStatus `json:"paymentStatus" db:"status"`
	TransactionRef string            `json:"orderId" db:"transaction_ref"`
	PaymentRef     string            `json:"paymentId,omitempty" db:"payment_ref"`
	Gateway        string            `json:"gateway" db:"gateway"`
	Amount         int64             `json:"amount" db:"amount"`
	FailureReason  string            `json:"failureReason,omitempty" db:"failure_reason"`
	CreatedAt      time.Time         `json:"bookingDate" db:"created_at"`
	ConfirmedAt    *time.Time        `json:"confirmedAt,omitempty" db:"confirmed_at"`
	UpdatedAt      time.Time         `json:"updatedAt" db:"updated_at"`

	// Changed is set on values returned by a ledger transition that moved
	// the participant to a new status. It is never persisted.
	Changed bool `json:"-" db:"-"`
}

// ConfirmedBooking joins a confirmed participant with its event for
// reports and exports.
type ConfirmedBooking struct {
	Event       *Event
	Participant *Participant
}
