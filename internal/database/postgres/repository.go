package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ds124wfegd/playverse/internal/entity"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	eventColumns = `id, name, description, date, slot, sports_name, venue_name, venue_image, location,
		participants_limit, price, confirmed_slots, confirmation_count, cancellation_count, created_at, updated_at`

	participantColumns = `id, event_id, name, phone, email, skill_level, quantity, status, transaction_ref,
		payment_ref, gateway, amount, failure_reason, created_at, confirmed_at, updated_at`

	lockEventQuery     = `SELECT participants_limit FROM events WHERE id = $1 FOR UPDATE`
	confirmedSumQuery  = `SELECT COALESCE(SUM(quantity), 0) FROM participants WHERE event_id = $1 AND status = 'confirmed'`
	participantEventID = `SELECT event_id FROM participants WHERE transaction_ref = $1`
)

// Postgres error codes retried by callers: serialization_failure,
// deadlock_detected and lock_not_available.
var transientCodes = map[pq.ErrorCode]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
}

const uniqueViolation pq.ErrorCode = "23505"

func storageError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && transientCodes[pqErr.Code] {
		return fmt.Errorf("failed to %s: %w: %v", op, entity.ErrTransientStorage, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// withTx runs fn in a read-committed transaction. The transaction is
// committed only when fn returns nil.
func withTx(ctx context.Context, db *sqlx.DB, lockTimeout time.Duration, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return storageError("begin transaction", err)
	}
	defer tx.Rollback()

	if lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storageError("set lock timeout", err)
		}
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageError("commit transaction", err)
	}
	return nil
}

// lockEvent takes the event row lock and returns the participant limit
// together with the confirmed sum recomputed under that lock.
func lockEvent(ctx context.Context, tx *sqlx.Tx, eventID int64) (limit, confirmed int, err error) {
	if err := tx.GetContext(ctx, &limit, lockEventQuery, eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, entity.ErrEventNotFound
		}
		return 0, 0, storageError("lock event", err)
	}

	if err := tx.GetContext(ctx, &confirmed, confirmedSumQuery, eventID); err != nil {
		return 0, 0, storageError("sum confirmed slots", err)
	}
	return limit, confirmed, nil
}

func slotsLeft(limit, confirmed int) int {
	if confirmed >= limit {
		return 0
	}
	return limit - confirmed
}
