package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ds124wfegd/playverse/internal/database"
	"github.com/ds124wfegd/playverse/internal/entity"
	"github.com/jmoiron/sqlx"
)

type eventRepository struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

func NewEventRepository(db *sqlx.DB, lockTimeout time.Duration) database.EventRepository {
	return &eventRepository{db: db, lockTimeout: lockTimeout}
}

func (r *eventRepository) Create(ctx context.Context, event *entity.Event) error {
	query := `
		INSERT INTO events (
			name, description, date, slot, sports_name, venue_name, venue_image,
			location, participants_limit, price, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING id
	`

	now := time.Now()
	err := r.db.QueryRowxContext(ctx, query,
		event.Name,
		event.Description,
		event.Date,
		event.Slot,
		event.SportsName,
		event.VenueName,
		event.VenueImage,
		event.Location,
		event.ParticipantsLimit,
		event.Price,
		now,
	).Scan(&event.ID)
	if err != nil {
		return storageError("create event", err)
	}

	event.ConfirmedSlots = 0
	event.CreatedAt = now
	event.UpdatedAt = now
	return nil
}

func (r *eventRepository) GetByID(ctx context.Context, id int64) (*entity.Event, error) {
	var event entity.Event
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`

	if err := r.db.GetContext(ctx, &event, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entity.ErrEventNotFound
		}
		return nil, storageError("get event", err)
	}
	return &event, nil
}

func (r *eventRepository) List(ctx context.Context, filter entity.EventFilter) ([]*entity.Event, int, error) {
	where := ""
	args := []interface{}{}
	if filter.Sport != "" {
		where = ` WHERE sports_name = $1`
		args = append(args, filter.Sport)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM events`+where, args...); err != nil {
		return nil, 0, storageError("count events", err)
	}

	query := `SELECT ` + eventColumns + ` FROM events` + where + ` ORDER BY date, id`
	if filter.Page > 0 && filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
		args = append(args, filter.Limit, (filter.Page-1)*filter.Limit)
	}

	events := []*entity.Event{}
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, 0, storageError("list events", err)
	}
	return events, total, nil
}

func (r *eventRepository) DistinctSports(ctx context.Context) ([]string, error) {
	sports := []string{}
	if err := r.db.SelectContext(ctx, &sports, `SELECT DISTINCT sports_name FROM events ORDER BY sports_name`); err != nil {
		return nil, storageError("list sports", err)
	}
	return sports, nil
}

func (r *eventRepository) Update(ctx context.Context, event *entity.Event) error {
	return withTx(ctx, r.db, r.lockTimeout, func(tx *sqlx.Tx) error {
		_, confirmed, err := lockEvent(ctx, tx, event.ID)
		if err != nil {
			return err
		}
		if event.ParticipantsLimit < confirmed {
			return entity.ErrLimitBelowConfirmed
		}

		query := `
			UPDATE events SET
				name = $1, description = $2, date = $3, slot = $4, sports_name = $5,
				venue_name = $6, venue_image = $7, location = $8, participants_limit = $9,
				price = $10, confirmed_slots = $11, updated_at = $12
			WHERE id = $13
			RETURNING ` + eventColumns

		err = tx.GetContext(ctx, event, query,
			event.Name,
			event.Description,
			event.Date,
			event.Slot,
			event.SportsName,
			event.VenueName,
			event.VenueImage,
			event.Location,
			event.ParticipantsLimit,
			event.Price,
			confirmed,
			time.Now(),
			event.ID,
		)
		if err != nil {
			return storageError("update event", err)
		}
		return nil
	})
}

func (r *eventRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return storageError("delete event", err)
	}
	return expectAffected(result)
}

func (r *eventRepository) ListByDateRange(ctx context.Context, from, to time.Time) ([]*entity.Event, error) {
	events := []*entity.Event{}
	query := `SELECT ` + eventColumns + ` FROM events WHERE date >= $1 AND date < $2 ORDER BY date, id`

	if err := r.db.SelectContext(ctx, &events, query, from, to); err != nil {
		return nil, storageError("list events by date", err)
	}
	return events, nil
}

func (r *eventRepository) IncrementConfirmationCount(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE events SET confirmation_count = confirmation_count + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return storageError("increment confirmation count", err)
	}
	return expectAffected(result)
}

func (r *eventRepository) IncrementCancellationCount(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE events SET cancellation_count = cancellation_count + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return storageError("increment cancellation count", err)
	}
	return expectAffected(result)
}

func expectAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return entity.ErrEventNotFound
	}
	return nil
}
