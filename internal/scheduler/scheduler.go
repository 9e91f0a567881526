// Package scheduler implements the durable notification scheduler: a single
// tick loop over a persisted min-priority queue of jobs ordered by fire_at.
// Durability and concurrency safety come from the repository's transactional
// guarantees, not from in-process locking; the loop itself never busy-polls.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gatherbot/internal/domain"
)

// displayTimeFormat is how scheduled times appear in outbound messages.
const displayTimeFormat = "Mon, 02 Jan 2006 15:04 MST"

// Template names understood by the dispatch gateway.
const (
	TemplateReminder = "event_reminder"
	TemplateDigest   = "rsvp_digest"
)

// Sweeper is the slice of the event lifecycle manager the tick loop drives.
type Sweeper interface {
	SweepCompleted(ctx context.Context, now time.Time) (int64, error)
}

// Config tunes the scheduler loop. Zero values fall back to defaults.
type Config struct {
	// LeaseDuration bounds how long a claimed job may stay InFlight before a
	// restart treats it as abandoned.
	LeaseDuration time.Duration
	// BaseBackoff is the delay before the first retry; it doubles per retry
	// up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxRetries caps dispatch attempts after the first; beyond it the job
	// fails permanently.
	MaxRetries int
	// SweepInterval is how often the loop runs the completed-event sweep.
	SweepInterval time.Duration
	// DispatchTimeout bounds a single gateway call.
	DispatchTimeout time.Duration
	// IdlePoll bounds how long the loop sleeps with an empty queue, so a
	// missed wake signal cannot stall it forever.
	IdlePoll time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 2 * time.Minute
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 15 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 10 * time.Second
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 5 * time.Minute
	}
	return c
}

// Scheduler owns all notification job rows. One logical Scheduler runs per
// deployment; multiple processes sharing a store stay safe because claiming
// is a single guarded update.
type Scheduler struct {
	jobs    domain.NotificationJobRepository
	events  domain.EventRepository
	rsvps   domain.RSVPRepository
	gateway domain.DispatchGateway
	alerts  domain.AlertService
	sweeper Sweeper
	logger  *slog.Logger
	cfg     Config

	wake chan struct{}
	now  func() time.Time
}

// New returns a Scheduler. The sweeper is attached separately with
// SetSweeper because the event service and the scheduler reference each
// other.
func New(
	jobs domain.NotificationJobRepository,
	events domain.EventRepository,
	rsvps domain.RSVPRepository,
	gateway domain.DispatchGateway,
	alerts domain.AlertService,
	logger *slog.Logger,
	cfg Config,
) *Scheduler {
	return &Scheduler{
		jobs:    jobs,
		events:  events,
		rsvps:   rsvps,
		gateway: gateway,
		alerts:  alerts,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		wake:    make(chan struct{}, 1),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetSweeper attaches the completed-event sweep invoked from the tick loop.
func (s *Scheduler) SetSweeper(sw Sweeper) { s.sweeper = sw }

// Schedule enqueues the occurrence described by spec. It is idempotent: when
// a non-terminal job for (event_id, kind, fire_at) already exists, its ID is
// returned and no new row is created.
func (s *Scheduler) Schedule(ctx context.Context, spec domain.JobSpec) (string, error) {
	if spec.EventID == "" || spec.Kind == "" || spec.FireAt.IsZero() {
		return "", domain.ErrInvalidInput
	}
	fireAt := spec.FireAt.UTC()
	job := &domain.NotificationJob{
		EventID:        spec.EventID,
		Kind:           spec.Kind,
		FireAt:         fireAt,
		Status:         domain.JobPending,
		IdempotencyKey: domain.JobIdempotencyKey(spec.EventID, spec.Kind, fireAt),
		CreatedAt:      s.now(),
	}
	inserted, err := s.jobs.Insert(ctx, job)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	if !inserted {
		existing, err := s.jobs.GetActiveByOccurrence(ctx, spec.EventID, spec.Kind, fireAt)
		if err != nil {
			return "", fmt.Errorf("get existing job: %w", err)
		}
		return existing.ID, nil
	}
	s.logger.Info("job scheduled", "job_id", job.ID, "event_id", spec.EventID, "kind", spec.Kind, "fire_at", fireAt)
	s.notify()
	return job.ID, nil
}

// Wake signals the tick loop from outside. Managers that Schedule inside a
// transaction call it after the commit: the wake raised by Schedule itself
// can fire before the job row is visible, leaving the loop to sleep out up
// to IdlePoll otherwise.
func (s *Scheduler) Wake() { s.notify() }

// CancelJob cancels a single job by id.
func (s *Scheduler) CancelJob(ctx context.Context, jobID string) error {
	if err := s.jobs.CancelByID(ctx, jobID); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

// CancelEventJobs cancels every non-terminal job for the event.
func (s *Scheduler) CancelEventJobs(ctx context.Context, eventID string) error {
	n, err := s.jobs.CancelByEventID(ctx, eventID)
	if err != nil {
		return fmt.Errorf("cancel event jobs: %w", err)
	}
	if n > 0 {
		s.logger.Info("jobs cancelled", "event_id", eventID, "count", n)
	}
	return nil
}

// CancelEventKind cancels the event's non-terminal jobs of one kind, used
// when a reminder is rescheduled.
func (s *Scheduler) CancelEventKind(ctx context.Context, eventID string, kind domain.JobKind) error {
	if _, err := s.jobs.CancelByEventKind(ctx, eventID, kind); err != nil {
		return fmt.Errorf("cancel event jobs by kind: %w", err)
	}
	return nil
}

// Run executes crash recovery and then the tick loop until ctx is done.
// Storage failures abort only the current step; the loop resumes on the next
// wake.
func (s *Scheduler) Run(ctx context.Context) error {
	if n, err := s.recoverAbandoned(ctx); err != nil {
		s.logger.Error("lease recovery failed", "error", err)
	} else if n > 0 {
		s.logger.Warn("abandoned in-flight jobs recovered", "count", n)
	}

	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		next, ok := s.runDue(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := s.cfg.IdlePoll
		if ok {
			if d := next.Sub(s.now()); d < wait {
				wait = d
			}
			if wait < 0 {
				wait = 0
			}
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		case <-sweep.C:
			timer.Stop()
			if s.sweeper != nil {
				if _, err := s.sweeper.SweepCompleted(ctx, s.now()); err != nil {
					s.logger.Error("completed sweep failed", "error", err)
				}
			}
		}
	}
}

// recoverAbandoned resets InFlight jobs whose lease expired before now. The
// retry count is preserved so the cap holds across restarts.
func (s *Scheduler) recoverAbandoned(ctx context.Context) (int64, error) {
	return s.jobs.ResetExpiredLeases(ctx, s.now())
}

// runDue claims and dispatches every due job in fire_at order, then returns
// the next pending fire time (ok=false when the queue is empty). Exactly one
// job is in flight at a time, which preserves per-event dispatch order.
func (s *Scheduler) runDue(ctx context.Context) (next time.Time, ok bool) {
	for ctx.Err() == nil {
		now := s.now()
		job, err := s.jobs.ClaimNextDue(ctx, now, now.Add(s.cfg.LeaseDuration))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				break
			}
			s.logger.Error("claim failed", "error", err)
			break
		}
		s.dispatch(ctx, job)
	}

	next, err := s.jobs.NextPendingFireAt(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Error("next fire_at lookup failed", "error", err)
		}
		return time.Time{}, false
	}
	return next, true
}

// dispatch renders and sends one claimed job, then records the outcome.
func (s *Scheduler) dispatch(ctx context.Context, job *domain.NotificationJob) {
	// Status re-check immediately before transmit: cancellation is
	// cooperative and this narrows (without closing) the race window for a
	// job cancelled after it was claimed.
	current, err := s.jobs.GetByID(ctx, job.ID)
	if err != nil {
		s.logger.Error("job status check failed", "job_id", job.ID, "error", err)
		return
	}
	if current.Status != domain.JobInFlight {
		s.logger.Info("claimed job no longer in flight, skipping", "job_id", job.ID, "status", current.Status)
		return
	}

	recipient, template, vars, err := s.render(ctx, job)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrEventClosed) {
			// The event vanished or closed under the job; drop it.
			if cerr := s.jobs.CancelByID(ctx, job.ID); cerr != nil {
				s.logger.Error("cancel orphaned job failed", "job_id", job.ID, "error", cerr)
			}
			return
		}
		s.logger.Error("render failed", "job_id", job.ID, "error", err)
		if errors.Is(err, domain.ErrDispatchPermanent) {
			s.fail(ctx, job, err)
			return
		}
		s.handleFailure(ctx, job, err)
		return
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	err = s.gateway.Send(dctx, recipient, template, vars)
	cancel()

	if err == nil {
		if err := s.jobs.MarkSent(ctx, job.ID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Cancelled after transmit started; the send stands, the row
				// keeps its cancelled status.
				s.logger.Info("job cancelled mid-dispatch", "job_id", job.ID)
				return
			}
			s.logger.Error("mark sent failed", "job_id", job.ID, "error", err)
		}
		s.logger.Info("job dispatched", "job_id", job.ID, "event_id", job.EventID, "kind", job.Kind)
		return
	}

	if errors.Is(err, domain.ErrDispatchPermanent) {
		s.fail(ctx, job, err)
		return
	}
	s.handleFailure(ctx, job, err)
}

// handleFailure requeues with backoff or fails permanently once the retry
// cap is hit.
func (s *Scheduler) handleFailure(ctx context.Context, job *domain.NotificationJob, cause error) {
	retry := job.RetryCount + 1
	if retry > s.cfg.MaxRetries {
		s.fail(ctx, job, cause)
		return
	}
	fireAt := s.now().Add(s.backoff(retry))
	if err := s.jobs.Requeue(ctx, job.ID, fireAt, retry); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return
		}
		s.logger.Error("requeue failed", "job_id", job.ID, "error", err)
		return
	}
	s.logger.Warn("dispatch failed, retrying",
		"job_id", job.ID,
		"event_id", job.EventID,
		"retry", retry,
		"next_fire_at", fireAt,
		"error", cause,
	)
}

func (s *Scheduler) fail(ctx context.Context, job *domain.NotificationJob, cause error) {
	if err := s.jobs.MarkFailed(ctx, job.ID); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Error("mark failed failed", "job_id", job.ID, "error", err)
		}
		return
	}
	s.logger.Error("job failed permanently", "job_id", job.ID, "event_id", job.EventID, "kind", job.Kind, "error", cause)
	if s.alerts == nil {
		return
	}
	alert := &domain.DispatchFailureAlert{
		JobID:     job.ID,
		EventID:   job.EventID,
		Kind:      job.Kind,
		Attempts:  job.RetryCount + 1,
		LastError: cause.Error(),
	}
	if err := s.alerts.NotifyDispatchFailure(ctx, alert); err != nil {
		s.logger.Error("operator alert failed", "job_id", job.ID, "error", err)
	}
}

// backoff returns the exponential delay for the given retry number (1-based),
// capped at MaxBackoff.
func (s *Scheduler) backoff(retry int) time.Duration {
	d := s.cfg.BaseBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	if d > s.cfg.MaxBackoff {
		return s.cfg.MaxBackoff
	}
	return d
}

// render resolves a job into a transport payload. Reminders go to the
// event's chat, digests to the creator.
func (s *Scheduler) render(ctx context.Context, job *domain.NotificationJob) (recipient, template string, vars map[string]string, err error) {
	event, err := s.events.GetByID(ctx, job.EventID)
	if err != nil {
		return "", "", nil, err
	}
	if event.Status == domain.EventCancelled {
		return "", "", nil, domain.ErrEventClosed
	}

	switch job.Kind {
	case domain.KindReminder:
		return strconv.FormatInt(event.ChatID, 10), TemplateReminder, map[string]string{
			"title":           event.Title,
			"description":     event.Description,
			"starts_at":       event.ScheduledTime.Format(displayTimeFormat),
			"idempotency_key": job.IdempotencyKey,
		}, nil
	case domain.KindStatusDigest:
		snapshot, err := s.rsvps.CountByEventID(ctx, job.EventID)
		if err != nil {
			return "", "", nil, err
		}
		return strconv.FormatInt(event.CreatorID, 10), TemplateDigest, map[string]string{
			"title":           event.Title,
			"yes":             strconv.Itoa(snapshot.Yes),
			"no":              strconv.Itoa(snapshot.No),
			"maybe":           strconv.Itoa(snapshot.Maybe),
			"idempotency_key": job.IdempotencyKey,
		}, nil
	default:
		return "", "", nil, fmt.Errorf("%w: unknown job kind %q", domain.ErrDispatchPermanent, job.Kind)
	}
}

// notify wakes the tick loop after a state change; a full wake buffer means a
// wakeup is already pending.
func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
