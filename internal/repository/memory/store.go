// Package memory provides an in-memory implementation of the repository
// interfaces for tests. Transactions degrade to one coarse mutex hold, which
// is enough to model the serializable isolation the core relies on; rollback
// is not supported, so tests asserting partial-failure behavior drive the
// repositories directly.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatherbot/internal/domain"
)

type txKey struct{}

// Store holds all three entity maps behind one mutex.
type Store struct {
	mu     sync.Mutex
	events map[string]*domain.Event
	rsvps  map[string]map[int64]*domain.RSVP
	jobs   map[string]*domain.NotificationJob
}

func NewStore() *Store {
	return &Store{
		events: make(map[string]*domain.Event),
		rsvps:  make(map[string]map[int64]*domain.RSVP),
		jobs:   make(map[string]*domain.NotificationJob),
	}
}

// InTx implements domain.Transactor with a single mutex hold. Nested calls
// join the outer hold.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(context.WithValue(ctx, txKey{}, struct{}{}))
}

// lock acquires the store mutex unless ctx already holds it via InTx.
func (s *Store) lock(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// Events returns the store's EventRepository view.
func (s *Store) Events() domain.EventRepository { return &eventStore{s} }

// RSVPs returns the store's RSVPRepository view.
func (s *Store) RSVPs() domain.RSVPRepository { return &rsvpStore{s} }

// Jobs returns the store's NotificationJobRepository view.
func (s *Store) Jobs() domain.NotificationJobRepository { return &jobStore{s} }

// JobByID returns a copy of the job row for assertions, bypassing interfaces.
func (s *Store) JobByID(id string) (domain.NotificationJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.NotificationJob{}, false
	}
	return *j, true
}

// JobsForEvent returns copies of all job rows for the event.
func (s *Store) JobsForEvent(eventID string) []domain.NotificationJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.NotificationJob
	for _, j := range s.jobs {
		if j.EventID == eventID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// SetJob overwrites a job row, used to simulate crash states in tests.
func (s *Store) SetJob(job domain.NotificationJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := job
	s.jobs[j.ID] = &j
}

type eventStore struct{ s *Store }

func (r *eventStore) Create(ctx context.Context, e *domain.Event) error {
	defer r.s.lock(ctx)()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	cp := *e
	r.s.events[e.ID] = &cp
	return nil
}

func (r *eventStore) GetByID(ctx context.Context, id string) (*domain.Event, error) {
	defer r.s.lock(ctx)()
	e, ok := r.s.events[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *eventStore) Update(ctx context.Context, e *domain.Event, expectedVersion int64) error {
	defer r.s.lock(ctx)()
	stored, ok := r.s.events[e.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	cp := *e
	cp.Version = expectedVersion + 1
	r.s.events[e.ID] = &cp
	e.Version = cp.Version
	return nil
}

func (r *eventStore) MarkCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer r.s.lock(ctx)()
	var n int64
	for _, e := range r.s.events {
		if e.Status == domain.EventScheduled && e.ScheduledTime.Before(cutoff) {
			e.Status = domain.EventCompleted
			e.Version++
			n++
		}
	}
	return n, nil
}

type rsvpStore struct{ s *Store }

func (r *rsvpStore) Upsert(ctx context.Context, rsvp *domain.RSVP) (bool, error) {
	defer r.s.lock(ctx)()
	byUser, ok := r.s.rsvps[rsvp.EventID]
	if !ok {
		byUser = make(map[int64]*domain.RSVP)
		r.s.rsvps[rsvp.EventID] = byUser
	}
	if existing, ok := byUser[rsvp.UserID]; ok && existing.Sequence >= rsvp.Sequence {
		return false, nil
	}
	cp := *rsvp
	byUser[rsvp.UserID] = &cp
	return true, nil
}

func (r *rsvpStore) ListByEventID(ctx context.Context, eventID string) ([]*domain.RSVP, error) {
	defer r.s.lock(ctx)()
	out := make([]*domain.RSVP, 0)
	for _, rsvp := range r.s.rsvps[eventID] {
		cp := *rsvp
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].UpdatedAt.Equal(out[k].UpdatedAt) {
			return out[i].UserID < out[k].UserID
		}
		return out[i].UpdatedAt.Before(out[k].UpdatedAt)
	})
	return out, nil
}

func (r *rsvpStore) DeleteByEventID(ctx context.Context, eventID string) (int64, error) {
	defer r.s.lock(ctx)()
	n := int64(len(r.s.rsvps[eventID]))
	delete(r.s.rsvps, eventID)
	return n, nil
}

func (r *rsvpStore) CountByEventID(ctx context.Context, eventID string) (domain.AttendanceSnapshot, error) {
	defer r.s.lock(ctx)()
	snapshot := domain.AttendanceSnapshot{EventID: eventID}
	for _, rsvp := range r.s.rsvps[eventID] {
		switch rsvp.Status {
		case domain.RSVPYes:
			snapshot.Yes++
		case domain.RSVPNo:
			snapshot.No++
		case domain.RSVPMaybe:
			snapshot.Maybe++
		}
	}
	return snapshot, nil
}

type jobStore struct{ s *Store }

func (r *jobStore) active(eventID string, kind domain.JobKind, fireAt time.Time) *domain.NotificationJob {
	for _, j := range r.s.jobs {
		if j.EventID == eventID && j.Kind == kind && j.FireAt.Equal(fireAt) && !j.Status.Terminal() {
			return j
		}
	}
	return nil
}

func (r *jobStore) Insert(ctx context.Context, job *domain.NotificationJob) (bool, error) {
	defer r.s.lock(ctx)()
	if r.active(job.EventID, job.Kind, job.FireAt) != nil {
		return false, nil
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	cp := *job
	r.s.jobs[job.ID] = &cp
	return true, nil
}

func (r *jobStore) GetByID(ctx context.Context, id string) (*domain.NotificationJob, error) {
	defer r.s.lock(ctx)()
	j, ok := r.s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *jobStore) GetActiveByOccurrence(ctx context.Context, eventID string, kind domain.JobKind, fireAt time.Time) (*domain.NotificationJob, error) {
	defer r.s.lock(ctx)()
	j := r.active(eventID, kind, fireAt)
	if j == nil {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *jobStore) ClaimNextDue(ctx context.Context, now, leaseExpiresAt time.Time) (*domain.NotificationJob, error) {
	defer r.s.lock(ctx)()
	var best *domain.NotificationJob
	for _, j := range r.s.jobs {
		if j.Status != domain.JobPending || j.FireAt.After(now) {
			continue
		}
		if best == nil || j.FireAt.Before(best.FireAt) || (j.FireAt.Equal(best.FireAt) && j.ID < best.ID) {
			best = j
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	best.Status = domain.JobInFlight
	lease := leaseExpiresAt
	best.LeaseExpiresAt = &lease
	cp := *best
	return &cp, nil
}

func (r *jobStore) NextPendingFireAt(ctx context.Context) (time.Time, error) {
	defer r.s.lock(ctx)()
	var next time.Time
	found := false
	for _, j := range r.s.jobs {
		if j.Status != domain.JobPending {
			continue
		}
		if !found || j.FireAt.Before(next) {
			next = j.FireAt
			found = true
		}
	}
	if !found {
		return time.Time{}, domain.ErrNotFound
	}
	return next, nil
}

func (r *jobStore) transition(ctx context.Context, id string, from, to domain.JobStatus) error {
	defer r.s.lock(ctx)()
	j, ok := r.s.jobs[id]
	if !ok || j.Status != from {
		return domain.ErrNotFound
	}
	j.Status = to
	j.LeaseExpiresAt = nil
	return nil
}

func (r *jobStore) MarkSent(ctx context.Context, id string) error {
	return r.transition(ctx, id, domain.JobInFlight, domain.JobSent)
}

func (r *jobStore) MarkFailed(ctx context.Context, id string) error {
	return r.transition(ctx, id, domain.JobInFlight, domain.JobFailed)
}

func (r *jobStore) Requeue(ctx context.Context, id string, fireAt time.Time, retryCount int) error {
	defer r.s.lock(ctx)()
	j, ok := r.s.jobs[id]
	if !ok || j.Status != domain.JobInFlight {
		return domain.ErrNotFound
	}
	j.Status = domain.JobPending
	j.FireAt = fireAt
	j.RetryCount = retryCount
	j.LeaseExpiresAt = nil
	return nil
}

func (r *jobStore) CancelByID(ctx context.Context, id string) error {
	defer r.s.lock(ctx)()
	j, ok := r.s.jobs[id]
	if !ok || j.Status.Terminal() {
		return domain.ErrNotFound
	}
	j.Status = domain.JobCancelled
	j.LeaseExpiresAt = nil
	return nil
}

func (r *jobStore) CancelByEventID(ctx context.Context, eventID string) (int64, error) {
	defer r.s.lock(ctx)()
	var n int64
	for _, j := range r.s.jobs {
		if j.EventID == eventID && !j.Status.Terminal() {
			j.Status = domain.JobCancelled
			j.LeaseExpiresAt = nil
			n++
		}
	}
	return n, nil
}

func (r *jobStore) CancelByEventKind(ctx context.Context, eventID string, kind domain.JobKind) (int64, error) {
	defer r.s.lock(ctx)()
	var n int64
	for _, j := range r.s.jobs {
		if j.EventID == eventID && j.Kind == kind && !j.Status.Terminal() {
			j.Status = domain.JobCancelled
			j.LeaseExpiresAt = nil
			n++
		}
	}
	return n, nil
}

func (r *jobStore) ResetExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	defer r.s.lock(ctx)()
	var n int64
	for _, j := range r.s.jobs {
		if j.Status == domain.JobInFlight && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			j.Status = domain.JobPending
			j.LeaseExpiresAt = nil
			n++
		}
	}
	return n, nil
}
