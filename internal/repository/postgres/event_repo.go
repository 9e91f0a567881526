package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gatherbot/internal/domain"
)

type eventRepository struct {
	DB *sql.DB
}

func NewEventRepository(db *sql.DB) domain.EventRepository {
	return &eventRepository{
		DB: db,
	}
}

func (r *eventRepository) Create(ctx context.Context, e *domain.Event) error {
	query := `
		INSERT INTO events (chat_id, creator_id, title, description, scheduled_time, status, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	return querierFrom(ctx, r.DB).QueryRowContext(ctx, query,
		e.ChatID, e.CreatorID, e.Title, e.Description, e.ScheduledTime, e.Status, e.Version, e.CreatedAt,
	).Scan(&e.ID)
}

func (r *eventRepository) GetByID(ctx context.Context, id string) (*domain.Event, error) {
	query := `
		SELECT id, chat_id, creator_id, title, description, scheduled_time, status, version, created_at
		FROM events
		WHERE id = $1
	`
	e := &domain.Event{}
	err := querierFrom(ctx, r.DB).QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.ChatID, &e.CreatorID, &e.Title, &e.Description, &e.ScheduledTime, &e.Status, &e.Version, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (r *eventRepository) Update(ctx context.Context, e *domain.Event, expectedVersion int64) error {
	query := `
		UPDATE events
		SET title = $1, description = $2, scheduled_time = $3, status = $4, version = $5
		WHERE id = $6 AND version = $7
	`
	result, err := querierFrom(ctx, r.DB).ExecContext(ctx, query,
		e.Title, e.Description, e.ScheduledTime, e.Status, expectedVersion+1, e.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the row is gone or someone else won the version race.
		if _, err := r.GetByID(ctx, e.ID); err != nil {
			return err
		}
		return domain.ErrVersionConflict
	}
	e.Version = expectedVersion + 1
	return nil
}

func (r *eventRepository) MarkCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE events
		SET status = $1, version = version + 1
		WHERE status = $2 AND scheduled_time < $3
	`
	result, err := querierFrom(ctx, r.DB).ExecContext(ctx, query, domain.EventCompleted, domain.EventScheduled, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
