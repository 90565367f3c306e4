package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ds124wfegd/playverse/internal/entity"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const participantID = "8a7b1f3e-3c55-4b8e-9a2f-5b1d2c3e4f50"

var fixedNow = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

func newMockLedger(t *testing.T) (*ledgerRepository, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	db := sqlx.NewDb(raw, "postgres")
	return &ledgerRepository{db: db, now: func() time.Time { return fixedNow }}, mock
}

func participantRows(status string, quantity int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "event_id", "name", "phone", "email", "skill_level", "quantity", "status", "transaction_ref",
		"payment_ref", "gateway", "amount", "failure_reason", "created_at", "confirmed_at", "updated_at",
	}).AddRow(
		participantID, int64(42), "Asha", "9876543210", "9876543210@example.com", "intermediate", quantity, status, "TXN1",
		"", "payu", int64(50000), "", fixedNow.Add(-time.Minute), nil, fixedNow.Add(-time.Minute),
	)
}

func expectLockedParticipant(mock sqlmock.Sqlmock, limit, confirmed int, status string, quantity int) {
	mock.ExpectQuery(regexp.QuoteMeta(participantEventID)).
		WithArgs("TXN1").
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow(int64(42)))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockEventQuery)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"participants_limit"}).AddRow(limit))
	mock.ExpectQuery(regexp.QuoteMeta(confirmedSumQuery)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(confirmed))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM participants WHERE transaction_ref = $1 FOR UPDATE`)).
		WithArgs("TXN1").
		WillReturnRows(participantRows(status, quantity))
}

func TestLedgerConfirmParticipant(t *testing.T) {
	r, mock := newMockLedger(t)

	expectLockedParticipant(mock, 3, 1, "pending", 2)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE participants SET status = $1, payment_ref = $2, amount = $3`)).
		WithArgs("confirmed", "pay_1", int64(60000), sqlmock.AnyArg(), participantID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE events SET confirmed_slots = $1`)).
		WithArgs(int64(3), sqlmock.AnyArg(), int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, err := r.ConfirmParticipant(context.Background(), "TXN1", "pay_1", 60000)
	require.NoError(t, err)
	assert.Equal(t, entity.ParticipantStatusConfirmed, p.Status)
	assert.Equal(t, "pay_1", p.PaymentRef)
	assert.Equal(t, int64(60000), p.Amount)
	require.NotNil(t, p.ConfirmedAt)
	assert.Equal(t, fixedNow, *p.ConfirmedAt)
	assert.True(t, p.Changed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerConfirmAlreadyConfirmedWritesNothing(t *testing.T) {
	r, mock := newMockLedger(t)

	expectLockedParticipant(mock, 3, 2, "confirmed", 2)
	mock.ExpectCommit()

	p, err := r.ConfirmParticipant(context.Background(), "TXN1", "pay_1", 0)
	require.NoError(t, err)
	assert.Equal(t, entity.ParticipantStatusConfirmed, p.Status)
	assert.False(t, p.Changed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerConfirmFailedParticipant(t *testing.T) {
	r, mock := newMockLedger(t)

	expectLockedParticipant(mock, 3, 0, "failed", 1)
	mock.ExpectCommit()

	_, err := r.ConfirmParticipant(context.Background(), "TXN1", "pay_1", 0)

	var terminal *entity.AlreadyTerminalError
	require.True(t, errors.As(err, &terminal))
	assert.Equal(t, entity.ParticipantStatusFailed, terminal.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerConfirmOversold(t *testing.T) {
	r, mock := newMockLedger(t)

	expectLockedParticipant(mock, 2, 2, "pending", 1)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE participants SET status = $1, failure_reason = $2, payment_ref = $3`)).
		WithArgs("failed", entity.FailureReasonOversold, "pay_2", sqlmock.AnyArg(), participantID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, err := r.ConfirmParticipant(context.Background(), "TXN1", "pay_2", 0)

	var oversold *entity.OversoldAtConfirmError
	require.True(t, errors.As(err, &oversold))
	assert.Equal(t, 0, oversold.Available)
	require.NotNil(t, p)
	assert.Equal(t, entity.ParticipantStatusFailed, p.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerConfirmUnknownReference(t *testing.T) {
	r, mock := newMockLedger(t)

	mock.ExpectQuery(regexp.QuoteMeta(participantEventID)).
		WithArgs("TXN1").
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}))

	_, err := r.ConfirmParticipant(context.Background(), "TXN1", "pay_1", 0)
	assert.ErrorIs(t, err, entity.ErrParticipantNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerMapsLockConflictsToTransient(t *testing.T) {
	for _, code := range []pq.ErrorCode{"40001", "40P01", "55P03"} {
		t.Run(string(code), func(t *testing.T) {
			r, mock := newMockLedger(t)

			mock.ExpectQuery(regexp.QuoteMeta(participantEventID)).
				WithArgs("TXN1").
				WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow(int64(42)))
			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta(lockEventQuery)).
				WithArgs(int64(42)).
				WillReturnError(&pq.Error{Code: code})
			mock.ExpectRollback()

			_, err := r.FailParticipant(context.Background(), "TXN1", entity.FailureReasonDeclined)
			assert.ErrorIs(t, err, entity.ErrTransientStorage)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestLedgerOtherStorageErrorsAreNotTransient(t *testing.T) {
	r, mock := newMockLedger(t)

	mock.ExpectQuery(regexp.QuoteMeta(participantEventID)).
		WithArgs("TXN1").
		WillReturnError(&pq.Error{Code: "42P01"})

	_, err := r.FailParticipant(context.Background(), "TXN1", entity.FailureReasonDeclined)
	require.Error(t, err)
	assert.False(t, errors.Is(err, entity.ErrTransientStorage))
}

func TestLedgerFailParticipant(t *testing.T) {
	r, mock := newMockLedger(t)

	expectLockedParticipant(mock, 3, 0, "pending", 1)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE participants SET status = $1, failure_reason = $2, updated_at = $3`)).
		WithArgs("failed", entity.FailureReasonExpired, sqlmock.AnyArg(), participantID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, err := r.FailParticipant(context.Background(), "TXN1", entity.FailureReasonExpired)
	require.NoError(t, err)
	assert.Equal(t, entity.ParticipantStatusFailed, p.Status)
	assert.Equal(t, entity.FailureReasonExpired, p.FailureReason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerFailKeepsConfirmed(t *testing.T) {
	r, mock := newMockLedger(t)

	expectLockedParticipant(mock, 3, 1, "confirmed", 1)
	mock.ExpectCommit()

	p, err := r.FailParticipant(context.Background(), "TXN1", entity.FailureReasonDeclined)
	require.NoError(t, err)
	assert.Equal(t, entity.ParticipantStatusConfirmed, p.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerReserveIfAvailable(t *testing.T) {
	r, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockEventQuery)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"participants_limit"}).AddRow(4))
	mock.ExpectQuery(regexp.QuoteMeta(confirmedSumQuery)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(2))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO participants`)).
		WithArgs(sqlmock.AnyArg(), int64(42), "Asha", "9876543210", "", "beginner", int64(2), "pending",
			"TXN1", "", "payu", int64(50000), "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, err := r.ReserveIfAvailable(context.Background(), 42, &entity.Participant{
		Name: "Asha", Phone: "9876543210", SkillLevel: "beginner", Quantity: 2,
		TransactionRef: "TXN1", Gateway: "payu", Amount: 50000,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.ParticipantStatusPending, p.Status)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, int64(42), p.EventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerReserveInsufficientCapacity(t *testing.T) {
	r, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockEventQuery)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"participants_limit"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta(confirmedSumQuery)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(2))
	mock.ExpectRollback()

	_, err := r.ReserveIfAvailable(context.Background(), 42, &entity.Participant{Quantity: 1, TransactionRef: "TXN1"})

	var capErr *entity.InsufficientCapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 0, capErr.Available)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerReserveUnknownEvent(t *testing.T) {
	r, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockEventQuery)).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"participants_limit"}))
	mock.ExpectRollback()

	_, err := r.ReserveIfAvailable(context.Background(), 7, &entity.Participant{Quantity: 1, TransactionRef: "TXN1"})
	assert.ErrorIs(t, err, entity.ErrEventNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerAvailableSlots(t *testing.T) {
	r, mock := newMockLedger(t)

	mock.ExpectQuery(`SELECT e.participants_limit`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"participants_limit", "confirmed"}).AddRow(5, 3))

	left, err := r.AvailableSlots(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 2, left)
	assert.NoError(t, mock.ExpectationsWereMet())
}
