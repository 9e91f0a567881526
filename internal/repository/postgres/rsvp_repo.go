package postgres

import (
	"context"
	"database/sql"

	"gatherbot/internal/domain"
)

type rsvpRepository struct {
	DB *sql.DB
}

func NewRSVPRepository(db *sql.DB) domain.RSVPRepository {
	return &rsvpRepository{
		DB: db,
	}
}

// Upsert applies last-writer-wins by source sequence: the conflict branch
// only fires when the incoming sequence is strictly greater, so stale and
// replayed writes affect zero rows.
func (r *rsvpRepository) Upsert(ctx context.Context, rsvp *domain.RSVP) (bool, error) {
	query := `
		INSERT INTO rsvps (event_id, user_id, status, sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id, user_id) DO UPDATE
		SET status = EXCLUDED.status, sequence = EXCLUDED.sequence, updated_at = EXCLUDED.updated_at
		WHERE rsvps.sequence < EXCLUDED.sequence
	`
	result, err := querierFrom(ctx, r.DB).ExecContext(ctx, query,
		rsvp.EventID, rsvp.UserID, rsvp.Status, rsvp.Sequence, rsvp.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *rsvpRepository) ListByEventID(ctx context.Context, eventID string) ([]*domain.RSVP, error) {
	query := `
		SELECT event_id, user_id, status, sequence, updated_at
		FROM rsvps
		WHERE event_id = $1
		ORDER BY updated_at ASC, user_id ASC
	`
	rows, err := querierFrom(ctx, r.DB).QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rsvps := make([]*domain.RSVP, 0)
	for rows.Next() {
		rsvp := &domain.RSVP{}
		if err := rows.Scan(&rsvp.EventID, &rsvp.UserID, &rsvp.Status, &rsvp.Sequence, &rsvp.UpdatedAt); err != nil {
			return nil, err
		}
		rsvps = append(rsvps, rsvp)
	}
	return rsvps, rows.Err()
}

func (r *rsvpRepository) DeleteByEventID(ctx context.Context, eventID string) (int64, error) {
	query := `DELETE FROM rsvps WHERE event_id = $1`
	result, err := querierFrom(ctx, r.DB).ExecContext(ctx, query, eventID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *rsvpRepository) CountByEventID(ctx context.Context, eventID string) (domain.AttendanceSnapshot, error) {
	query := `
		SELECT status, COUNT(*)
		FROM rsvps
		WHERE event_id = $1
		GROUP BY status
	`
	rows, err := querierFrom(ctx, r.DB).QueryContext(ctx, query, eventID)
	if err != nil {
		return domain.AttendanceSnapshot{}, err
	}
	defer rows.Close()

	snapshot := domain.AttendanceSnapshot{EventID: eventID}
	for rows.Next() {
		var status domain.RSVPStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return domain.AttendanceSnapshot{}, err
		}
		switch status {
		case domain.RSVPYes:
			snapshot.Yes = count
		case domain.RSVPNo:
			snapshot.No = count
		case domain.RSVPMaybe:
			snapshot.Maybe = count
		}
	}
	return snapshot, rows.Err()
}
