package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gatherbot/internal/domain"
)

type jobRepository struct {
	DB *sql.DB
}

func NewJobRepository(db *sql.DB) domain.NotificationJobRepository {
	return &jobRepository{
		DB: db,
	}
}

const jobColumns = `id, event_id, kind, fire_at, status, retry_count, lease_expires_at, idempotency_key, created_at`

func scanJob(row interface{ Scan(...any) error }) (*domain.NotificationJob, error) {
	j := &domain.NotificationJob{}
	var lease sql.NullTime
	err := row.Scan(&j.ID, &j.EventID, &j.Kind, &j.FireAt, &j.Status, &j.RetryCount, &lease, &j.IdempotencyKey, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lease.Valid {
		j.LeaseExpiresAt = &lease.Time
	}
	return j, nil
}

// Insert adds the job unless an active job for the same occurrence exists.
// The guarded insert and the partial unique index together keep the
// occurrence invariant under concurrent schedulers.
func (r *jobRepository) Insert(ctx context.Context, job *domain.NotificationJob) (bool, error) {
	query := `
		INSERT INTO notification_jobs (event_id, kind, fire_at, status, retry_count, idempotency_key, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE NOT EXISTS (
			SELECT 1 FROM notification_jobs
			WHERE event_id = $1 AND kind = $2 AND fire_at = $3 AND status IN ($8, $9)
		)
		RETURNING id
	`
	err := querierFrom(ctx, r.DB).QueryRowContext(ctx, query,
		job.EventID, job.Kind, job.FireAt, job.Status, job.RetryCount, job.IdempotencyKey, job.CreatedAt,
		domain.JobPending, domain.JobInFlight,
	).Scan(&job.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *jobRepository) GetByID(ctx context.Context, id string) (*domain.NotificationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM notification_jobs WHERE id = $1`
	job, err := scanJob(querierFrom(ctx, r.DB).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *jobRepository) GetActiveByOccurrence(ctx context.Context, eventID string, kind domain.JobKind, fireAt time.Time) (*domain.NotificationJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM notification_jobs
		WHERE event_id = $1 AND kind = $2 AND fire_at = $3 AND status IN ($4, $5)
	`
	job, err := scanJob(querierFrom(ctx, r.DB).QueryRowContext(ctx, query, eventID, kind, fireAt, domain.JobPending, domain.JobInFlight))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ClaimNextDue picks the due Pending job with the smallest fire_at (ties by
// id) and moves it to InFlight under a lease. SKIP LOCKED keeps concurrent
// claimers from blocking on the same row.
func (r *jobRepository) ClaimNextDue(ctx context.Context, now, leaseExpiresAt time.Time) (*domain.NotificationJob, error) {
	query := `
		UPDATE notification_jobs
		SET status = $1, lease_expires_at = $2
		WHERE id = (
			SELECT id FROM notification_jobs
			WHERE status = $3 AND fire_at <= $4
			ORDER BY fire_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns + `
	`
	job, err := scanJob(querierFrom(ctx, r.DB).QueryRowContext(ctx, query, domain.JobInFlight, leaseExpiresAt, domain.JobPending, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *jobRepository) NextPendingFireAt(ctx context.Context) (time.Time, error) {
	query := `SELECT MIN(fire_at) FROM notification_jobs WHERE status = $1`
	var next sql.NullTime
	if err := querierFrom(ctx, r.DB).QueryRowContext(ctx, query, domain.JobPending).Scan(&next); err != nil {
		return time.Time{}, err
	}
	if !next.Valid {
		return time.Time{}, domain.ErrNotFound
	}
	return next.Time, nil
}

func (r *jobRepository) MarkSent(ctx context.Context, id string) error {
	return r.transition(ctx, id, domain.JobInFlight, domain.JobSent)
}

func (r *jobRepository) MarkFailed(ctx context.Context, id string) error {
	return r.transition(ctx, id, domain.JobInFlight, domain.JobFailed)
}

// transition moves the job from one status to another, clearing the lease.
// Zero rows means the job left the source status first (e.g. cancelled).
func (r *jobRepository) transition(ctx context.Context, id string, from, to domain.JobStatus) error {
	query := `
		UPDATE notification_jobs
		SET status = $1, lease_expires_at = NULL
		WHERE id = $2 AND status = $3
	`
	result, err := querierFrom(ctx, r.DB).ExecContext(ctx, query, to, id, from)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *jobRepository) Requeue(ctx context.Context, id string, fireAt time.Time, retryCount int) error {
	query := `
		UPDATE notification_jobs
		SET status = $1, fire_at = $2, retry_count = $3, lease_expires_at = NULL
		WHERE id = $4 AND status = $5
	`
	result, err := querierFrom(ctx, r.DB).ExecContext(ctx, query, domain.JobPending, fireAt, retryCount, id, domain.JobInFlight)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *jobRepository) CancelByID(ctx context.Context, id string) error {
	query := `
		UPDATE notification_jobs
		SET status = $1, lease_expires_at = NULL
		WHERE id = $2 AND status IN ($3, $4)
	`
	result, err := querierFrom(ctx, r.DB).ExecContext(ctx, query, domain.JobCancelled, id, domain.JobPending, domain.JobInFlight)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *jobRepository) CancelByEventID(ctx context.Context, eventID string) (int64, error) {
	query := `
		UPDATE notification_jobs
		SET status = $1, lease_expires_at = NULL
		WHERE event_id = $2 AND status IN ($3, $4)
	`
	result, err := querierFrom(ctx, r.DB).ExecContext(ctx, query, domain.JobCancelled, eventID, domain.JobPending, domain.JobInFlight)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *jobRepository) CancelByEventKind(ctx context.Context, eventID string, kind domain.JobKind) (int64, error) {
	query := `
		UPDATE notification_jobs
		SET status = $1, lease_expires_at = NULL
		WHERE event_id = $2 AND kind = $3 AND status IN ($4, $5)
	`
	result, err := querierFrom(ctx, r.DB).ExecContext(ctx, query, domain.JobCancelled, eventID, kind, domain.JobPending, domain.JobInFlight)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *jobRepository) ResetExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE notification_jobs
		SET status = $1, lease_expires_at = NULL
		WHERE status = $2 AND lease_expires_at < $3
	`
	result, err := querierFrom(ctx, r.DB).ExecContext(ctx, query, domain.JobPending, domain.JobInFlight, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
