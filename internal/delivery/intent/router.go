// Package intent routes normalized platform intents onto the event and RSVP
// managers. The router is deliberately thin: no validation beyond dispatch,
// no state of its own.
package intent

import (
	"context"
	"fmt"
	"log/slog"

	"gatherbot/internal/domain"
)

// Result is the typed outcome of routing one intent. Exactly one field is
// populated, depending on the intent type.
type Result struct {
	Event      *domain.Event              `json:"event,omitempty"`
	Attendance *domain.AttendanceSnapshot `json:"attendance,omitempty"`
	NewVersion *int64                     `json:"new_version,omitempty"`
	Ack        bool                       `json:"ack,omitempty"`
}

type Router struct {
	events domain.EventService
	rsvps  domain.RSVPService
	logger *slog.Logger
}

func NewRouter(events domain.EventService, rsvps domain.RSVPService, logger *slog.Logger) *Router {
	return &Router{
		events: events,
		rsvps:  rsvps,
		logger: logger,
	}
}

// Route dispatches one intent to its manager. Unknown intent types are a
// programming error and reported as ErrInvalidInput.
func (r *Router) Route(ctx context.Context, it domain.Intent) (*Result, error) {
	switch v := it.(type) {
	case domain.CreateEventIntent:
		event, err := r.events.CreateEvent(ctx, v.ChatID, v.CreatorID, v.Title, v.Description, v.ScheduledTime)
		if err != nil {
			return nil, err
		}
		return &Result{Event: event}, nil
	case domain.RsvpIntent:
		snapshot, err := r.rsvps.RecordRsvp(ctx, v.EventID, v.UserID, v.Status, v.Sequence)
		if err != nil {
			return nil, err
		}
		return &Result{Attendance: &snapshot}, nil
	case domain.CancelEventIntent:
		if err := r.events.CancelEvent(ctx, v.EventID, v.RequesterID); err != nil {
			return nil, err
		}
		return &Result{Ack: true}, nil
	case domain.UpdateEventIntent:
		version, err := r.events.UpdateEvent(ctx, v.EventID, v.ExpectedVersion, v.Fields)
		if err != nil {
			return nil, err
		}
		return &Result{NewVersion: &version}, nil
	default:
		r.logger.Error("unroutable intent", "type", fmt.Sprintf("%T", it))
		return nil, domain.ErrInvalidInput
	}
}
