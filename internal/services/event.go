package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gatherbot/internal/domain"
)

// cancelRetries bounds re-reads after a version conflict during cancel.
const cancelRetries = 3

type eventService struct {
	eventRepo      domain.EventRepository
	rsvpRepo       domain.RSVPRepository
	scheduler      domain.NotificationScheduler
	tx             domain.Transactor
	logger         *slog.Logger
	reminderOffset time.Duration
	contextTimeout time.Duration
	now            func() time.Time
}

// NewEventService returns the event lifecycle manager. reminderOffset is how
// long before the scheduled time the reminder fires.
func NewEventService(
	eventRepo domain.EventRepository,
	rsvpRepo domain.RSVPRepository,
	scheduler domain.NotificationScheduler,
	tx domain.Transactor,
	logger *slog.Logger,
	reminderOffset time.Duration,
	timeout time.Duration,
) domain.EventService {
	return &eventService{
		eventRepo:      eventRepo,
		rsvpRepo:       rsvpRepo,
		scheduler:      scheduler,
		tx:             tx,
		logger:         logger,
		reminderOffset: reminderOffset,
		contextTimeout: timeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *eventService) CreateEvent(ctx context.Context, chatID, creatorID int64, title, description string, scheduledTime time.Time) (*domain.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.contextTimeout)
	defer cancel()

	if strings.TrimSpace(title) == "" {
		return nil, domain.ErrInvalidInput
	}
	now := s.now()
	if !scheduledTime.After(now) {
		return nil, domain.ErrInvalidSchedule
	}

	event := domain.NewEvent(chatID, creatorID, title, description, scheduledTime, now)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.eventRepo.Create(ctx, event); err != nil {
			return fmt.Errorf("create event: %w", err)
		}
		if _, err := s.scheduler.Schedule(ctx, domain.JobSpec{
			EventID: event.ID,
			Kind:    domain.KindReminder,
			FireAt:  s.reminderFireAt(scheduledTime, now),
		}); err != nil {
			return fmt.Errorf("schedule reminder: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.scheduler.Wake()
	s.logger.Info("event created", "event_id", event.ID, "chat_id", chatID, "scheduled_time", scheduledTime)
	return event, nil
}

// reminderFireAt clamps the reminder to now when the offset would place it in
// the past but the event itself is still ahead.
func (s *eventService) reminderFireAt(scheduledTime, now time.Time) time.Time {
	fireAt := scheduledTime.Add(-s.reminderOffset)
	if fireAt.Before(now) {
		return now
	}
	return fireAt
}

func (s *eventService) UpdateEvent(ctx context.Context, eventID string, expectedVersion int64, fields domain.EventUpdate) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.contextTimeout)
	defer cancel()

	event, err := s.eventRepo.GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("get event: %w", err)
	}
	now := s.now()
	if event.Status != domain.EventDraft && event.Status != domain.EventScheduled {
		return 0, domain.ErrEventClosed
	}
	if !now.Before(event.ScheduledTime) {
		// Past the scheduled time the event is effectively over even if the
		// sweep has not run yet.
		return 0, domain.ErrEventClosed
	}

	timeChanged := false
	if fields.Title != nil {
		if strings.TrimSpace(*fields.Title) == "" {
			return 0, domain.ErrInvalidInput
		}
		event.Title = *fields.Title
	}
	if fields.Description != nil {
		event.Description = *fields.Description
	}
	if fields.ScheduledTime != nil && !fields.ScheduledTime.Equal(event.ScheduledTime) {
		if !fields.ScheduledTime.After(now) {
			return 0, domain.ErrInvalidSchedule
		}
		event.ScheduledTime = *fields.ScheduledTime
		timeChanged = true
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.eventRepo.Update(ctx, event, expectedVersion); err != nil {
			return err
		}
		if !timeChanged {
			return nil
		}
		if err := s.scheduler.CancelEventKind(ctx, eventID, domain.KindReminder); err != nil {
			return fmt.Errorf("cancel reminder: %w", err)
		}
		if _, err := s.scheduler.Schedule(ctx, domain.JobSpec{
			EventID: eventID,
			Kind:    domain.KindReminder,
			FireAt:  s.reminderFireAt(event.ScheduledTime, now),
		}); err != nil {
			return fmt.Errorf("schedule reminder: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("update event: %w", err)
	}
	if timeChanged {
		s.scheduler.Wake()
	}
	return event.Version, nil
}

func (s *eventService) CancelEvent(ctx context.Context, eventID string, requesterID int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.contextTimeout)
	defer cancel()

	// Cancel takes no caller version, so conflicts with concurrent updates
	// are absorbed by a bounded re-read.
	var lastErr error
	for attempt := 0; attempt < cancelRetries; attempt++ {
		event, err := s.eventRepo.GetByID(ctx, eventID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("get event: %w", err)
		}
		if event.Status.Terminal() {
			return domain.ErrEventClosed
		}
		if event.CreatorID != requesterID {
			return domain.ErrUnauthorized
		}

		expected := event.Version
		event.Status = domain.EventCancelled
		err = s.tx.InTx(ctx, func(ctx context.Context) error {
			if err := s.eventRepo.Update(ctx, event, expected); err != nil {
				return err
			}
			if err := s.scheduler.CancelEventJobs(ctx, eventID); err != nil {
				return fmt.Errorf("cancel jobs: %w", err)
			}
			// Cancelled events carry no RSVP rows.
			if _, err := s.rsvpRepo.DeleteByEventID(ctx, eventID); err != nil {
				return fmt.Errorf("delete rsvps: %w", err)
			}
			return nil
		})
		if err == nil {
			s.logger.Info("event cancelled", "event_id", eventID, "requester_id", requesterID)
			return nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return fmt.Errorf("cancel event: %w", err)
		}
		lastErr = err
	}
	return lastErr
}

func (s *eventService) GetEvent(ctx context.Context, eventID string) (*domain.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.contextTimeout)
	defer cancel()

	event, err := s.eventRepo.GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return event, nil
}

func (s *eventService) SweepCompleted(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.contextTimeout)
	defer cancel()

	n, err := s.eventRepo.MarkCompletedBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep completed: %w", err)
	}
	if n > 0 {
		s.logger.Info("events swept to completed", "count", n)
	}
	return n, nil
}
