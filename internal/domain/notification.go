package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobKind identifies the logical notification a job delivers.
type JobKind string

const (
	KindReminder     JobKind = "reminder"
	KindStatusDigest JobKind = "status_digest"
)

// JobStatus is the delivery state of a notification job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobInFlight  JobStatus = "in_flight"
	JobSent      JobStatus = "sent"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job will never be dispatched again.
func (s JobStatus) Terminal() bool {
	return s == JobSent || s == JobFailed || s == JobCancelled
}

// NotificationJob is one durable timed delivery. At most one job with a
// non-terminal status exists per (event_id, kind, fire_at).
type NotificationJob struct {
	ID             string     `json:"id"`
	EventID        string     `json:"event_id"`
	Kind           JobKind    `json:"kind"`
	FireAt         time.Time  `json:"fire_at"`
	Status         JobStatus  `json:"status"`
	RetryCount     int        `json:"retry_count"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at"`
	IdempotencyKey string     `json:"idempotency_key"`
	CreatedAt      time.Time  `json:"created_at"`
}

// JobSpec describes a logical notification occurrence to schedule.
type JobSpec struct {
	EventID string
	Kind    JobKind
	FireAt  time.Time
}

// JobIdempotencyKey derives the stable key for a logical occurrence. It is
// identical across retries of the same occurrence, so the transport can
// deduplicate re-sent notifications where it supports that.
func JobIdempotencyKey(eventID string, kind JobKind, fireAt time.Time) string {
	name := "gatherbot:job:" + eventID + ":" + string(kind) + ":" + fireAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// NotificationJobRepository defines storage operations for notification jobs.
// Job rows are owned exclusively by the scheduler.
type NotificationJobRepository interface {
	// Insert stores job unless a non-terminal job for the same
	// (event_id, kind, fire_at) already exists; it reports whether a row was
	// created.
	Insert(ctx context.Context, job *NotificationJob) (bool, error)
	GetByID(ctx context.Context, id string) (*NotificationJob, error)
	// GetActiveByOccurrence returns the non-terminal job for the occurrence,
	// or ErrNotFound.
	GetActiveByOccurrence(ctx context.Context, eventID string, kind JobKind, fireAt time.Time) (*NotificationJob, error)
	// ClaimNextDue atomically moves the Pending job with the smallest fire_at
	// (ties by id) not after now into InFlight with the given lease expiry,
	// returning it, or ErrNotFound when nothing is due.
	ClaimNextDue(ctx context.Context, now, leaseExpiresAt time.Time) (*NotificationJob, error)
	// NextPendingFireAt returns the earliest fire_at among Pending jobs, or
	// ErrNotFound when there are none.
	NextPendingFireAt(ctx context.Context) (time.Time, error)
	// MarkSent completes an InFlight job. Returns ErrNotFound when the job is
	// no longer InFlight (e.g. cancelled mid-dispatch).
	MarkSent(ctx context.Context, id string) error
	// Requeue returns an InFlight job to Pending for a later attempt.
	Requeue(ctx context.Context, id string, fireAt time.Time, retryCount int) error
	MarkFailed(ctx context.Context, id string) error
	CancelByID(ctx context.Context, id string) error
	// CancelByEventID cancels every non-terminal job for the event and
	// returns how many were cancelled.
	CancelByEventID(ctx context.Context, eventID string) (int64, error)
	CancelByEventKind(ctx context.Context, eventID string, kind JobKind) (int64, error)
	// ResetExpiredLeases returns InFlight jobs with an expired lease to
	// Pending, retry_count unchanged. Used for crash recovery.
	ResetExpiredLeases(ctx context.Context, now time.Time) (int64, error)
}

// NotificationScheduler is the scheduling surface the managers call.
type NotificationScheduler interface {
	// Schedule is idempotent per occurrence: a duplicate spec returns the
	// existing job's ID.
	Schedule(ctx context.Context, spec JobSpec) (string, error)
	CancelJob(ctx context.Context, jobID string) error
	CancelEventJobs(ctx context.Context, eventID string) error
	CancelEventKind(ctx context.Context, eventID string, kind JobKind) error
	// Wake signals the tick loop that committed work may be waiting. Callers
	// that Schedule inside a transaction invoke it after the commit, since a
	// wake raised mid-transaction can fire before the new job is visible.
	Wake()
}

// DispatchGateway sends a rendered notification to the messaging transport.
// Errors wrap ErrDispatchTransient or ErrDispatchPermanent; timeouts and
// unclassified failures count as transient.
type DispatchGateway interface {
	Send(ctx context.Context, recipient, template string, vars map[string]string) error
}

// DispatchFailureAlert describes a permanently failed job for the
// operator-facing error channel.
type DispatchFailureAlert struct {
	JobID     string
	EventID   string
	Kind      JobKind
	Attempts  int
	LastError string
}

// AlertService delivers operator alerts. Failures here are logged, never
// retried through the job queue.
type AlertService interface {
	NotifyDispatchFailure(ctx context.Context, alert *DispatchFailureAlert) error
}
