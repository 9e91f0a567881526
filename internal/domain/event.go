package domain

import (
	"context"
	"time"
)

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	// EventDraft is reserved for a stepwise creation flow and is currently
	// never produced by CreateEvent.
	EventDraft     EventStatus = "draft"
	EventScheduled EventStatus = "scheduled"
	EventCancelled EventStatus = "cancelled"
	EventCompleted EventStatus = "completed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s EventStatus) Terminal() bool {
	return s == EventCancelled || s == EventCompleted
}

// CanTransitionTo reports whether the transition s -> next is allowed.
// Transitions are monotone along Draft -> Scheduled -> Completed; Cancelled
// is reachable from Draft or Scheduled only.
func (s EventStatus) CanTransitionTo(next EventStatus) bool {
	switch s {
	case EventDraft:
		return next == EventScheduled || next == EventCancelled
	case EventScheduled:
		return next == EventCompleted || next == EventCancelled
	default:
		return false
	}
}

// Event represents a group event collecting RSVPs.
// swagger:model Event
type Event struct {
	ID            string      `json:"id"`
	ChatID        int64       `json:"chat_id"`
	CreatorID     int64       `json:"creator_id"`
	Title         string      `json:"title"`
	Description   string      `json:"description"`
	ScheduledTime time.Time   `json:"scheduled_time"`
	Status        EventStatus `json:"status"`
	Version       int64       `json:"version"`
	CreatedAt     time.Time   `json:"created_at"`
}

// NewEvent returns a new Scheduled event with version 0. ID is set by the
// repository on create.
func NewEvent(chatID, creatorID int64, title, description string, scheduledTime, createdAt time.Time) *Event {
	return &Event{
		ChatID:        chatID,
		CreatorID:     creatorID,
		Title:         title,
		Description:   description,
		ScheduledTime: scheduledTime,
		Status:        EventScheduled,
		Version:       0,
		CreatedAt:     createdAt,
	}
}

// EventUpdate carries the mutable event fields; nil means leave unchanged.
type EventUpdate struct {
	Title         *string    `json:"title"`
	Description   *string    `json:"description"`
	ScheduledTime *time.Time `json:"scheduled_time"`
}

// EventRepository defines storage operations for events.
type EventRepository interface {
	Create(ctx context.Context, event *Event) error
	GetByID(ctx context.Context, id string) (*Event, error)
	// Update persists event's current fields guarded by expectedVersion and
	// bumps Version to expectedVersion+1. Returns ErrVersionConflict when the
	// stored version differs, ErrNotFound when the row is gone.
	Update(ctx context.Context, event *Event, expectedVersion int64) error
	// MarkCompletedBefore transitions Scheduled events with scheduled_time
	// before cutoff to Completed and returns how many rows changed.
	MarkCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventService defines event lifecycle operations.
type EventService interface {
	CreateEvent(ctx context.Context, chatID, creatorID int64, title, description string, scheduledTime time.Time) (*Event, error)
	// UpdateEvent applies fields under optimistic concurrency and returns the
	// new version. A changed scheduled time reschedules the reminder job in
	// the same transaction.
	UpdateEvent(ctx context.Context, eventID string, expectedVersion int64, fields EventUpdate) (int64, error)
	// CancelEvent transitions the event to Cancelled and cancels every
	// non-terminal notification job for it in the same transaction. Only the
	// creator may cancel.
	CancelEvent(ctx context.Context, eventID string, requesterID int64) error
	GetEvent(ctx context.Context, eventID string) (*Event, error)
	// SweepCompleted marks past Scheduled events Completed. Invoked from the
	// scheduler tick; idempotent.
	SweepCompleted(ctx context.Context, now time.Time) (int64, error)
}
