package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gatherbot/internal/domain"
	"gatherbot/internal/repository/memory"
)

type sentMessage struct {
	Recipient string
	Template  string
	Vars      map[string]string
}

// fakeGateway records sends and fails according to the programmed error queue.
type fakeGateway struct {
	mu   sync.Mutex
	sent []sentMessage
	errs []error // consumed front to back; nil entry means success
}

func (g *fakeGateway) Send(ctx context.Context, recipient, template string, vars map[string]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		if err != nil {
			return err
		}
	}
	g.sent = append(g.sent, sentMessage{Recipient: recipient, Template: template, Vars: vars})
	return nil
}

func (g *fakeGateway) messages() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMessage(nil), g.sent...)
}

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []domain.DispatchFailureAlert
}

func (a *fakeAlerts) NotifyDispatchFailure(ctx context.Context, alert *domain.DispatchFailureAlert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, *alert)
	return nil
}

type fixture struct {
	store   *memory.Store
	gateway *fakeGateway
	alerts  *fakeAlerts
	sched   *Scheduler
	clock   time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.NewStore(),
		gateway: &fakeGateway{},
		alerts:  &fakeAlerts{},
		clock:   time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	f.sched = New(f.store.Jobs(), f.store.Events(), f.store.RSVPs(), f.gateway, f.alerts,
		slog.New(slog.DiscardHandler), cfg)
	f.sched.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) addEvent(t *testing.T, chatID, creatorID int64, scheduledTime time.Time) *domain.Event {
	t.Helper()
	event := domain.NewEvent(chatID, creatorID, "Picnic", "bring food", scheduledTime, f.clock)
	require.NoError(t, f.store.Events().Create(context.Background(), event))
	return event
}

func TestScheduleIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	event := f.addEvent(t, 100, 7, f.clock.Add(time.Hour))
	spec := domain.JobSpec{EventID: event.ID, Kind: domain.KindReminder, FireAt: f.clock.Add(55 * time.Minute)}

	first, err := f.sched.Schedule(ctx, spec)
	require.NoError(t, err)
	second, err := f.sched.Schedule(ctx, spec)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Len(t, f.store.JobsForEvent(event.ID), 1)
}

func TestScheduleValidatesSpec(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	_, err := f.sched.Schedule(ctx, domain.JobSpec{Kind: domain.KindReminder, FireAt: f.clock})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.sched.Schedule(ctx, domain.JobSpec{EventID: "e", Kind: domain.KindReminder})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDispatchSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	event := f.addEvent(t, 100, 7, f.clock.Add(time.Hour))

	jobID, err := f.sched.Schedule(ctx, domain.JobSpec{EventID: event.ID, Kind: domain.KindReminder, FireAt: f.clock.Add(-time.Second)})
	require.NoError(t, err)

	f.sched.runDue(ctx)

	msgs := f.gateway.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, TemplateReminder, msgs[0].Template)
	require.Equal(t, strconv.FormatInt(event.ChatID, 10), msgs[0].Recipient)
	require.Equal(t, "Picnic", msgs[0].Vars["title"])
	require.NotEmpty(t, msgs[0].Vars["idempotency_key"])

	job, ok := f.store.JobByID(jobID)
	require.True(t, ok)
	require.Equal(t, domain.JobSent, job.Status)
	require.Nil(t, job.LeaseExpiresAt)
}

func TestDispatchDigestCounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	event := f.addEvent(t, 100, 7, f.clock.Add(time.Hour))
	for i, status := range []domain.RSVPStatus{domain.RSVPYes, domain.RSVPYes, domain.RSVPMaybe} {
		_, err := f.store.RSVPs().Upsert(ctx, &domain.RSVP{
			EventID: event.ID, UserID: int64(i + 1), Status: status, Sequence: int64(i), UpdatedAt: f.clock,
		})
		require.NoError(t, err)
	}

	_, err := f.sched.Schedule(ctx, domain.JobSpec{EventID: event.ID, Kind: domain.KindStatusDigest, FireAt: f.clock})
	require.NoError(t, err)
	f.sched.runDue(ctx)

	msgs := f.gateway.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, TemplateDigest, msgs[0].Template)
	require.Equal(t, strconv.FormatInt(event.CreatorID, 10), msgs[0].Recipient, "digest goes to the creator")
	require.Equal(t, "2", msgs[0].Vars["yes"])
	require.Equal(t, "0", msgs[0].Vars["no"])
	require.Equal(t, "1", msgs[0].Vars["maybe"])
}

func TestDispatchOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	event := f.addEvent(t, 100, 7, f.clock.Add(time.Hour))

	// Scheduled out of order, dispatched by fire_at.
	_, err := f.sched.Schedule(ctx, domain.JobSpec{EventID: event.ID, Kind: domain.KindStatusDigest, FireAt: f.clock.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = f.sched.Schedule(ctx, domain.JobSpec{EventID: event.ID, Kind: domain.KindReminder, FireAt: f.clock.Add(-2 * time.Minute)})
	require.NoError(t, err)

	f.sched.runDue(ctx)

	msgs := f.gateway.messages()
	require.Len(t, msgs, 2)
	require.Equal(t, TemplateReminder, msgs[0].Template)
	require.Equal(t, TemplateDigest, msgs[1].Template)
}

func TestRunDueReturnsNextFireAt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	event := f.addEvent(t, 100, 7, f.clock.Add(time.Hour))

	_, ok := f.sched.runDue(ctx)
	require.False(t, ok, "empty queue has no next fire time")

	fireAt := f.clock.Add(30 * time.Minute)
	_, err := f.sched.Schedule(ctx, domain.JobSpec{EventID: event.ID, Kind: domain.KindReminder, FireAt: fireAt})
	require.NoError(t, err)

	next, ok := f.sched.runDue(ctx)
	require.True(t, ok)
	require.True(t, next.Equal(fireAt))
	require.Empty(t, f.gateway.messages(), "future job must not dispatch early")
}

func TestTransientFailureRequeuesWithBackoff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{BaseBackoff: 30 * time.Second, MaxBackoff: 15 * time.Minute, MaxRetries: 5})
	event := f.addEvent(t, 100, 7, f.clock.Add(time.Hour))
	f.gateway.errs = []error{
		domain.ErrDispatchTransient,
		domain.ErrDispatchTransient,
		nil,
	}

	jobID, err := f.sched.Schedule(ctx, domain.JobSpec{EventID: event.ID, Kind: domain.KindReminder, FireAt: f.clock})
	require.NoError(t, err)

	f.sched.runDue(ctx)
	job, _ := f.store.JobByID(jobID)
	require.Equal(t, domain.JobPending, job.Status)
	require.Equal(t, 1, job.RetryCount)
	require.True(t, job.FireAt.Equal(f.clock.Add(30*time.Second)), "first retry after base backoff")

	f.clock = f.clock.Add(30 * time.Second)
	f.sched.runDue(ctx)
	job, _ = f.store.JobByID(jobID)
	require.Equal(t, 2, job.RetryCount)
	require.True(t, job.FireAt.Equal(f.clock.Add(time.Minute)), "second retry after doubled backoff")

	f.clock = f.clock.Add(time.Minute)
	f.sched.runDue(ctx)
	job, _ = f.store.JobByID(jobID)
	require.Equal(t, domain.JobSent, job.Status)
	require.Len(t, f.gateway.messages(), 1)
	require.Empty(t, f.alerts.alerts)
}

func TestRetryCapFailsAndAlerts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{BaseBackoff: time.Second, MaxRetries: 2})
	event := f.addEvent(t, 100, 7, f.clock.Add(time.Hour))
	f.gateway.errs = []error{
		domain.ErrDispatchTransient,
		domain.ErrDispatchTransient,
		domain.ErrDispatchTransient,
	}

	jobID, err := f.sched.Schedule(ctx, domain.JobSpec{EventID: event.ID, Kind: domain.KindReminder, FireAt: f.clock})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.sched.runDue(ctx)
		f.clock = f.clock.Add(time.Minute)
	}

	job, _ := f.store.JobByID(jobID)
	require.Equal(t, domain.JobFailed, job.Status)
	require.Empty(t, f.gateway.messages())
	require.Len(t, f.alerts.alerts, 1)
	require.Equal(t, jobID, f.alerts.alerts[0].JobID)
	require.Equal(t, 3, f.alerts.alerts[0].Attempts)
}

func TestPermanentFailureSkipsRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxRetries: 5})
	event := f.addEvent(t, 100, 7, f.clock.Add(time.Hour))
	f.gateway.errs = []error{domain.ErrDispatchPermanent}

	jobID, err := f.sched.Schedule(ctx, domain.JobSpec{EventID: event.ID, Kind: domain.KindReminder, FireAt: f.clock})
	require.NoError(t, err)
	f.sched.runDue(ctx)

	job, _ := f.store.JobByID(jobID)
	require.Equal(t, domain.JobFailed, job.Status)
	require.Equal(t, 0, job.RetryCount, "permanent errors bypass the retry path")
	require.Len(t, f.alerts.alerts, 1)
}

func TestCancelledJobIsNotDispatched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	event := f.addEvent(t, 100, 7, f.clock.Add(time.Hour))

	jobID, err := f.sched.Schedule(ctx, domain.JobSpec{EventID: event.ID, Kind: domain.KindReminder, FireAt: f.clock})
	require.NoError(t, err)
	require.NoError(t, f.sched.CancelEventJobs(ctx, event.ID))

	f.sched.runDue(ctx)

	require.Empty(t, f.gateway.messages())
	job, _ := f.store.JobByID(jobID)
	require.Equal(t, domain.JobCancelled, job.Status)
}

func TestCancelAfterClaimSuppressesSend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{LeaseDuration: time.Minute})
	event := f.addEvent(t, 100, 7, f.clock.Add(time.Hour))

	jobID, err := f.sched.Schedule(ctx, domain.JobSpec{EventID: event.ID, Kind: domain.KindReminder, FireAt: f.clock})
	require.NoError(t, err)

	claimed, err := f.store.Jobs().ClaimNextDue(ctx, f.clock, f.clock.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, jobID, claimed.ID)
	require.NoError(t, f.store.Jobs().CancelByID(ctx, jobID))

	// The pre-transmit status re-check catches the cancellation.
	f.sched.dispatch(ctx, claimed)
	require.Empty(t, f.gateway.messages())
}

func TestCancelledEventOrphansJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	event := f.addEvent(t, 100, 7, f.clock.Add(time.Hour))
	jobID, err := f.sched.Schedule(ctx, domain.JobSpec{EventID: event.ID, Kind: domain.KindReminder, FireAt: f.clock})
	require.NoError(t, err)

	stored, err := f.store.Events().GetByID(ctx, event.ID)
	require.NoError(t, err)
	stored.Status = domain.EventCancelled
	require.NoError(t, f.store.Events().Update(ctx, stored, stored.Version))

	f.sched.runDue(ctx)

	require.Empty(t, f.gateway.messages())
	job, _ := f.store.JobByID(jobID)
	require.Equal(t, domain.JobCancelled, job.Status)
	require.Empty(t, f.alerts.alerts, "an orphaned job is not a dispatch failure")
}

// TestLeaseRecoveryPreservesRetryCap simulates a crash mid-dispatch: the job
// sits InFlight with an expired lease and two retries already burned. Recovery
// requeues it, and the remaining budget is one more failure before the cap.
func TestLeaseRecoveryPreservesRetryCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{BaseBackoff: time.Second, MaxRetries: 3})
	event := f.addEvent(t, 100, 7, f.clock.Add(time.Hour))

	lease := f.clock.Add(-time.Minute)
	f.store.SetJob(domain.NotificationJob{
		ID:             "job-crashed",
		EventID:        event.ID,
		Kind:           domain.KindReminder,
		FireAt:         f.clock.Add(-5 * time.Minute),
		Status:         domain.JobInFlight,
		RetryCount:     2,
		LeaseExpiresAt: &lease,
		IdempotencyKey: domain.JobIdempotencyKey(event.ID, domain.KindReminder, f.clock.Add(-5*time.Minute)),
		CreatedAt:      f.clock.Add(-time.Hour),
	})

	n, err := f.sched.recoverAbandoned(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	job, _ := f.store.JobByID("job-crashed")
	require.Equal(t, domain.JobPending, job.Status)
	require.Equal(t, 2, job.RetryCount, "recovery keeps the attempt history")

	f.gateway.errs = []error{domain.ErrDispatchTransient, domain.ErrDispatchTransient}
	f.sched.runDue(ctx) // attempt 3: requeued, at the cap
	job, _ = f.store.JobByID("job-crashed")
	require.Equal(t, domain.JobPending, job.Status)
	require.Equal(t, 3, job.RetryCount)

	f.clock = f.clock.Add(time.Minute)
	f.sched.runDue(ctx) // attempt 4: over the cap
	job, _ = f.store.JobByID("job-crashed")
	require.Equal(t, domain.JobFailed, job.Status)
	require.Len(t, f.alerts.alerts, 1)
}

func TestUnexpiredLeaseIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	event := f.addEvent(t, 100, 7, f.clock.Add(time.Hour))

	lease := f.clock.Add(time.Minute)
	f.store.SetJob(domain.NotificationJob{
		ID: "job-live", EventID: event.ID, Kind: domain.KindReminder,
		FireAt: f.clock.Add(-time.Minute), Status: domain.JobInFlight, LeaseExpiresAt: &lease,
	})

	n, err := f.sched.recoverAbandoned(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	job, _ := f.store.JobByID("job-live")
	require.Equal(t, domain.JobInFlight, job.Status)
}

func TestBackoff(t *testing.T) {
	f := newFixture(t, Config{BaseBackoff: 30 * time.Second, MaxBackoff: 4 * time.Minute})
	require.Equal(t, 30*time.Second, f.sched.backoff(1))
	require.Equal(t, time.Minute, f.sched.backoff(2))
	require.Equal(t, 2*time.Minute, f.sched.backoff(3))
	require.Equal(t, 4*time.Minute, f.sched.backoff(4))
	require.Equal(t, 4*time.Minute, f.sched.backoff(10), "backoff stays capped")
}

func TestRunWakesOnSchedule(t *testing.T) {
	f := newFixture(t, Config{IdlePoll: time.Hour, SweepInterval: time.Hour})
	f.sched.now = func() time.Time { return time.Now().UTC() }
	event := f.addEvent(t, 100, 7, time.Now().UTC().Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	_, err := f.sched.Schedule(ctx, domain.JobSpec{EventID: event.ID, Kind: domain.KindReminder, FireAt: time.Now().UTC()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.gateway.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond, "wake signal should trigger a dispatch without waiting out the idle poll")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

// Jobs committed by another connection leave no trace on this scheduler's
// internal signal, so the tick loop only learns about them through Wake.
func TestWakeDispatchesExternallyCommittedJob(t *testing.T) {
	f := newFixture(t, Config{IdlePoll: time.Hour, SweepInterval: time.Hour})
	f.sched.now = func() time.Time { return time.Now().UTC() }
	event := f.addEvent(t, 100, 7, time.Now().UTC().Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	// Give the loop a moment to drain its startup pass and park on IdlePoll.
	time.Sleep(50 * time.Millisecond)

	f.store.SetJob(domain.NotificationJob{
		ID:      "ext-1",
		EventID: event.ID,
		Kind:    domain.KindReminder,
		FireAt:  time.Now().UTC(),
		Status:  domain.JobPending,
	})
	f.sched.Wake()

	require.Eventually(t, func() bool {
		return len(f.gateway.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond, "wake should pull in work the loop never saw scheduled")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

// A full pass through the bot's nominal flow: event at T+60m with a five
// minute reminder offset, two RSVPs at T debounced into one digest at T+5m.
func TestReminderFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	start := f.clock.Add(time.Hour)
	event := f.addEvent(t, 100, 7, start)

	_, err := f.sched.Schedule(ctx, domain.JobSpec{EventID: event.ID, Kind: domain.KindReminder, FireAt: start.Add(-5 * time.Minute)})
	require.NoError(t, err)

	digestAt := f.clock.Add(5 * time.Minute)
	for i, status := range []domain.RSVPStatus{domain.RSVPYes, domain.RSVPNo} {
		_, err := f.store.RSVPs().Upsert(ctx, &domain.RSVP{
			EventID: event.ID, UserID: int64(i + 1), Status: status, Sequence: int64(i), UpdatedAt: f.clock,
		})
		require.NoError(t, err)
		_, err = f.sched.Schedule(ctx, domain.JobSpec{EventID: event.ID, Kind: domain.KindStatusDigest, FireAt: digestAt})
		require.NoError(t, err)
	}
	require.Len(t, f.store.JobsForEvent(event.ID), 2, "two RSVPs share one digest job")

	next, ok := f.sched.runDue(ctx)
	require.True(t, ok)
	require.True(t, next.Equal(digestAt))
	require.Empty(t, f.gateway.messages())

	f.clock = digestAt
	next, ok = f.sched.runDue(ctx)
	require.True(t, ok)
	require.True(t, next.Equal(start.Add(-5*time.Minute)))

	f.clock = start.Add(-5 * time.Minute)
	_, ok = f.sched.runDue(ctx)
	require.False(t, ok, "queue drained")

	msgs := f.gateway.messages()
	require.Len(t, msgs, 2)
	require.Equal(t, TemplateDigest, msgs[0].Template)
	require.Equal(t, "1", msgs[0].Vars["yes"])
	require.Equal(t, "1", msgs[0].Vars["no"])
	require.Equal(t, TemplateReminder, msgs[1].Template)
	require.Equal(t, start.Format(displayTimeFormat), msgs[1].Vars["starts_at"])

	var sent int
	for _, job := range f.store.JobsForEvent(event.ID) {
		if job.Status == domain.JobSent {
			sent++
		}
	}
	require.Equal(t, 2, sent)
}
