package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ds124wfegd/playverse/internal/database"
	"github.com/ds124wfegd/playverse/internal/entity"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type ledgerRepository struct {
	db          *sqlx.DB
	lockTimeout time.Duration
	now         func() time.Time
}

// NewLedger returns the Postgres ledger. Each transition locks the event
// row, so confirmations for one event are serialized.
func NewLedger(db *sqlx.DB, lockTimeout time.Duration) database.Ledger {
	return &ledgerRepository{db: db, lockTimeout: lockTimeout, now: time.Now}
}

func (r *ledgerRepository) AvailableSlots(ctx context.Context, eventID int64) (int, error) {
	var row struct {
		Limit     int `db:"participants_limit"`
		Confirmed int `db:"confirmed"`
	}
	query := `
		SELECT e.participants_limit,
			COALESCE((SELECT SUM(p.quantity) FROM participants p
				WHERE p.event_id = e.id AND p.status = 'confirmed'), 0) AS confirmed
		FROM events e
		WHERE e.id = $1
	`
	if err := r.db.GetContext(ctx, &row, query, eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, entity.ErrEventNotFound
		}
		return 0, storageError("get available slots", err)
	}
	return slotsLeft(row.Limit, row.Confirmed), nil
}

func (r *ledgerRepository) ReserveIfAvailable(ctx context.Context, eventID int64, p *entity.Participant) (*entity.Participant, error) {
	if p.TransactionRef == "" {
		return nil, &entity.ValidationError{Message: "transaction reference is required"}
	}
	if p.Quantity < 1 {
		return nil, &entity.ValidationError{Message: "quantity must be at least 1"}
	}

	stored := *p
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := r.now()
	stored.EventID = eventID
	stored.Status = entity.ParticipantStatusPending
	stored.FailureReason = ""
	stored.ConfirmedAt = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now

	err := withTx(ctx, r.db, r.lockTimeout, func(tx *sqlx.Tx) error {
		limit, confirmed, err := lockEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if left := slotsLeft(limit, confirmed); stored.Quantity > left {
			return &entity.InsufficientCapacityError{Requested: stored.Quantity, Available: left}
		}

		query := `
			INSERT INTO participants (
				id, event_id, name, phone, email, skill_level, quantity, status,
				transaction_ref, payment_ref, gateway, amount, failure_reason, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`
		_, err = tx.ExecContext(ctx, query,
			stored.ID, stored.EventID, stored.Name, stored.Phone, stored.Email, stored.SkillLevel,
			stored.Quantity, string(stored.Status), stored.TransactionRef, stored.PaymentRef, stored.Gateway,
			stored.Amount, stored.FailureReason, stored.CreatedAt, stored.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("failed to reserve: duplicate transaction reference %s", stored.TransactionRef)
			}
			return storageError("insert participant", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// transition resolves the participant's event, locks the event row and
// then the participant row before calling apply.
func (r *ledgerRepository) transition(ctx context.Context, txnRef string,
	apply func(tx *sqlx.Tx, p *entity.Participant, limit, confirmed int) error) error {

	var eventID int64
	if err := r.db.GetContext(ctx, &eventID, participantEventID, txnRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.ErrParticipantNotFound
		}
		return storageError("resolve participant", err)
	}

	return withTx(ctx, r.db, r.lockTimeout, func(tx *sqlx.Tx) error {
		limit, confirmed, err := lockEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}

		var p entity.Participant
		query := `SELECT ` + participantColumns + ` FROM participants WHERE transaction_ref = $1 FOR UPDATE`
		if err := tx.GetContext(ctx, &p, query, txnRef); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return entity.ErrParticipantNotFound
			}
			return storageError("lock participant", err)
		}
		return apply(tx, &p, limit, confirmed)
	})
}

func (r *ledgerRepository) ConfirmParticipant(ctx context.Context, txnRef, paymentRef string, finalAmount int64) (*entity.Participant, error) {
	var (
		result   *entity.Participant
		terminal error
	)

	err := r.transition(ctx, txnRef, func(tx *sqlx.Tx, p *entity.Participant, limit, confirmed int) error {
		result = p
		switch p.Status {
		case entity.ParticipantStatusConfirmed:
			return nil
		case entity.ParticipantStatusFailed:
			terminal = &entity.AlreadyTerminalError{TxnRef: txnRef, Status: p.Status}
			return nil
		}

		now := r.now()

		if confirmed+p.Quantity > limit {
			p.Status = entity.ParticipantStatusFailed
			p.FailureReason = entity.FailureReasonOversold
			if paymentRef != "" {
				p.PaymentRef = paymentRef
			}
			p.UpdatedAt = now

			query := `UPDATE participants SET status = $1, failure_reason = $2, payment_ref = $3, updated_at = $4 WHERE id = $5`
			if _, err := tx.ExecContext(ctx, query, string(p.Status), p.FailureReason, p.PaymentRef, now, p.ID); err != nil {
				return storageError("fail oversold participant", err)
			}
			p.Changed = true
			terminal = &entity.OversoldAtConfirmError{TxnRef: txnRef, Requested: p.Quantity, Available: slotsLeft(limit, confirmed)}
			return nil
		}

		p.Status = entity.ParticipantStatusConfirmed
		p.PaymentRef = paymentRef
		if finalAmount > 0 {
			p.Amount = finalAmount
		}
		p.ConfirmedAt = &now
		p.UpdatedAt = now

		query := `UPDATE participants SET status = $1, payment_ref = $2, amount = $3, confirmed_at = $4, updated_at = $4 WHERE id = $5`
		if _, err := tx.ExecContext(ctx, query, string(p.Status), p.PaymentRef, p.Amount, now, p.ID); err != nil {
			return storageError("confirm participant", err)
		}

		query = `UPDATE events SET confirmed_slots = $1, updated_at = $2 WHERE id = $3`
		if _, err := tx.ExecContext(ctx, query, confirmed+p.Quantity, now, p.EventID); err != nil {
			return storageError("update confirmed slots", err)
		}
		p.Changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, terminal
}

func (r *ledgerRepository) FailParticipant(ctx context.Context, txnRef, reason string) (*entity.Participant, error) {
	var result *entity.Participant

	err := r.transition(ctx, txnRef, func(tx *sqlx.Tx, p *entity.Participant, _, _ int) error {
		result = p
		if p.Status.IsTerminal() {
			return nil
		}

		p.Status = entity.ParticipantStatusFailed
		p.FailureReason = reason
		p.UpdatedAt = r.now()

		query := `UPDATE participants SET status = $1, failure_reason = $2, updated_at = $3 WHERE id = $4`
		if _, err := tx.ExecContext(ctx, query, string(p.Status), p.FailureReason, p.UpdatedAt, p.ID); err != nil {
			return storageError("fail participant", err)
		}
		p.Changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *ledgerRepository) FindByTransactionRef(ctx context.Context, txnRef string) (*entity.Participant, error) {
	var p entity.Participant
	query := `SELECT ` + participantColumns + ` FROM participants WHERE transaction_ref = $1`
	if err := r.db.GetContext(ctx, &p, query, txnRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entity.ErrParticipantNotFound
		}
		return nil, storageError("get participant", err)
	}
	return &p, nil
}

func (r *ledgerRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*entity.Participant, error) {
	participants := []*entity.Participant{}
	query := `
		SELECT ` + participantColumns + `
		FROM participants
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`
	if err := r.db.SelectContext(ctx, &participants, query, olderThan, limit); err != nil {
		return nil, storageError("list stale participants", err)
	}
	return participants, nil
}

func (r *ledgerRepository) ListParticipants(ctx context.Context, eventID int64, status entity.ParticipantStatus) ([]*entity.Participant, error) {
	participants := []*entity.Participant{}

	query := `SELECT ` + participantColumns + ` FROM participants WHERE event_id = $1`
	args := []interface{}{eventID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	if err := r.db.SelectContext(ctx, &participants, query, args...); err != nil {
		return nil, storageError("list participants", err)
	}
	return participants, nil
}

type confirmedRow struct {
	entity.Participant
	EventName  string    `db:"event_name"`
	EventDate  time.Time `db:"event_date"`
	EventSlot  string    `db:"event_slot"`
	SportsName string    `db:"sports_name"`
	VenueName  string    `db:"venue_name"`
	Location   string    `db:"location"`
	Price      int64     `db:"price"`
}

func (r *ledgerRepository) ListConfirmedBookings(ctx context.Context) ([]*entity.ConfirmedBooking, error) {
	rows := []confirmedRow{}
	query := `
		SELECT p.id, p.event_id, p.name, p.phone, p.email, p.skill_level, p.quantity, p.status,
			p.transaction_ref, p.payment_ref, p.gateway, p.amount, p.failure_reason,
			p.created_at, p.confirmed_at, p.updated_at,
			e.name AS event_name, e.date AS event_date, e.slot AS event_slot,
			e.sports_name, e.venue_name, e.location, e.price
		FROM participants p
		JOIN events e ON e.id = p.event_id
		WHERE p.status = 'confirmed'
		ORDER BY e.date, e.id, p.created_at
	`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, storageError("list confirmed bookings", err)
	}

	bookings := make([]*entity.ConfirmedBooking, 0, len(rows))
	for i := range rows {
		row := rows[i]
		participant := row.Participant
		bookings = append(bookings, &entity.ConfirmedBooking{
			Event: &entity.Event{
				ID:         row.EventID,
				Name:       row.EventName,
				Date:       row.EventDate,
				Slot:       row.EventSlot,
				SportsName: row.SportsName,
				VenueName:  row.VenueName,
				Location:   row.Location,
				Price:      row.Price,
			},
			Participant: &participant,
		})
	}
	return bookings, nil
}
