package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gatherbot/internal/domain"
)

type rsvpService struct {
	eventRepo      domain.EventRepository
	rsvpRepo       domain.RSVPRepository
	scheduler      domain.NotificationScheduler
	tx             domain.Transactor
	logger         *slog.Logger
	digestDebounce time.Duration
	contextTimeout time.Duration
	now            func() time.Time
}

// NewRSVPService returns the RSVP manager. digestDebounce is the window over
// which RSVP bursts collapse into a single StatusDigest notification.
func NewRSVPService(
	eventRepo domain.EventRepository,
	rsvpRepo domain.RSVPRepository,
	scheduler domain.NotificationScheduler,
	tx domain.Transactor,
	logger *slog.Logger,
	digestDebounce time.Duration,
	timeout time.Duration,
) domain.RSVPService {
	return &rsvpService{
		eventRepo:      eventRepo,
		rsvpRepo:       rsvpRepo,
		scheduler:      scheduler,
		tx:             tx,
		logger:         logger,
		digestDebounce: digestDebounce,
		contextTimeout: timeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *rsvpService) RecordRsvp(ctx context.Context, eventID string, userID int64, status domain.RSVPStatus, sequence int64) (domain.AttendanceSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.contextTimeout)
	defer cancel()

	if !status.Valid() {
		return domain.AttendanceSnapshot{}, domain.ErrInvalidInput
	}
	event, err := s.eventRepo.GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.AttendanceSnapshot{}, domain.ErrNotFound
		}
		return domain.AttendanceSnapshot{}, fmt.Errorf("get event: %w", err)
	}
	// Completed events keep their RSVPs read-only; Cancelled ones take no
	// writes either.
	if event.Status.Terminal() {
		return domain.AttendanceSnapshot{}, domain.ErrEventClosed
	}

	now := s.now()
	scheduled := false
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		applied, err := s.rsvpRepo.Upsert(ctx, &domain.RSVP{
			EventID:   eventID,
			UserID:    userID,
			Status:    status,
			Sequence:  sequence,
			UpdatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("upsert rsvp: %w", err)
		}
		if !applied {
			// Stale by source order; drop silently.
			s.logger.Debug("stale rsvp discarded", "event_id", eventID, "user_id", userID, "sequence", sequence)
			return nil
		}
		if _, err := s.scheduler.Schedule(ctx, domain.JobSpec{
			EventID: eventID,
			Kind:    domain.KindStatusDigest,
			FireAt:  s.digestFireAt(now),
		}); err != nil {
			return fmt.Errorf("schedule digest: %w", err)
		}
		scheduled = true
		return nil
	})
	if err != nil {
		return domain.AttendanceSnapshot{}, err
	}
	if scheduled {
		s.scheduler.Wake()
	}

	snapshot, err := s.rsvpRepo.CountByEventID(ctx, eventID)
	if err != nil {
		return domain.AttendanceSnapshot{}, fmt.Errorf("count rsvps: %w", err)
	}
	return snapshot, nil
}

// digestFireAt buckets the fire time to the end of the current debounce
// window. Every RSVP inside one window maps to the same occurrence, which the
// scheduler's uniqueness rule then collapses into a single job.
func (s *rsvpService) digestFireAt(now time.Time) time.Time {
	return now.Truncate(s.digestDebounce).Add(s.digestDebounce)
}

func (s *rsvpService) ListAttendance(ctx context.Context, eventID string) ([]*domain.RSVP, error) {
	ctx, cancel := context.WithTimeout(ctx, s.contextTimeout)
	defer cancel()

	if _, err := s.eventRepo.GetByID(ctx, eventID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	rsvps, err := s.rsvpRepo.ListByEventID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list rsvps: %w", err)
	}
	if rsvps == nil {
		rsvps = []*domain.RSVP{}
	}
	return rsvps, nil
}
