// Package database declares the storage contracts shared by the Postgres
// and in-memory implementations.
package database

import (
	"context"
	"time"

	"github.com/ds124wfegd/playverse/internal/entity"
)

// Ledger owns participant state and the per-event capacity invariant.
// Every mutating method runs under the event's lock, so the sum of
// confirmed quantities never exceeds the event's participant limit.
type Ledger interface {
	AvailableSlots(ctx context.Context, eventID int64) (int, error)

	// ReserveIfAvailable stores p as pending if its quantity still fits.
	// p.TransactionRef must already be set.
	ReserveIfAvailable(ctx context.Context, eventID int64, p *entity.Participant) (*entity.Participant, error)

	// ConfirmParticipant is idempotent for confirmed participants. When the
	// event filled up in the meantime the participant is failed with reason
	// oversold and returned together with *entity.OversoldAtConfirmError.
	// finalAmount <= 0 keeps the stored amount. The returned participant has
	// Changed set only when this call performed the transition.
	ConfirmParticipant(ctx context.Context, txnRef, paymentRef string, finalAmount int64) (*entity.Participant, error)

	// FailParticipant never downgrades a confirmed participant.
	FailParticipant(ctx context.Context, txnRef, reason string) (*entity.Participant, error)

	FindByTransactionRef(ctx context.Context, txnRef string) (*entity.Participant, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*entity.Participant, error)

	// ListParticipants returns every participant of the event when status is empty.
	ListParticipants(ctx context.Context, eventID int64, status entity.ParticipantStatus) ([]*entity.Participant, error)
	ListConfirmedBookings(ctx context.Context) ([]*entity.ConfirmedBooking, error)
}

type EventRepository interface {
	Create(ctx context.Context, event *entity.Event) error
	GetByID(ctx context.Context, id int64) (*entity.Event, error)
	// List returns the requested page and the total number of matches.
	List(ctx context.Context, filter entity.EventFilter) ([]*entity.Event, int, error)
	DistinctSports(ctx context.Context) ([]string, error)

	// Update rewrites the editable fields under the event lock and rejects a
	// participant limit below the confirmed sum.
	Update(ctx context.Context, event *entity.Event) error
	Delete(ctx context.Context, id int64) error

	ListByDateRange(ctx context.Context, from, to time.Time) ([]*entity.Event, error)
	IncrementConfirmationCount(ctx context.Context, id int64) error
	IncrementCancellationCount(ctx context.Context, id int64) error
}
