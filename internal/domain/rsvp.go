package domain

import (
	"context"
	"time"
)

// RSVPStatus is an attendee's answer.
type RSVPStatus string

const (
	RSVPYes   RSVPStatus = "yes"
	RSVPNo    RSVPStatus = "no"
	RSVPMaybe RSVPStatus = "maybe"
)

// Valid reports whether s is one of the known answers.
func (s RSVPStatus) Valid() bool {
	return s == RSVPYes || s == RSVPNo || s == RSVPMaybe
}

// RSVP is one user's current answer for one event. Sequence is the
// source-ordering token supplied by the transport; a write with a sequence
// not greater than the stored one is discarded, so the final state depends on
// source order rather than arrival order.
// swagger:model RSVP
type RSVP struct {
	EventID   string     `json:"event_id"`
	UserID    int64      `json:"user_id"`
	Status    RSVPStatus `json:"status"`
	Sequence  int64      `json:"sequence"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AttendanceSnapshot holds per-status RSVP counts for an event.
// swagger:model AttendanceSnapshot
type AttendanceSnapshot struct {
	EventID string `json:"event_id"`
	Yes     int    `json:"yes"`
	No      int    `json:"no"`
	Maybe   int    `json:"maybe"`
}

// RSVPRepository defines storage operations for RSVPs.
type RSVPRepository interface {
	// Upsert applies the last-writer-wins rule and reports whether the row
	// was created or updated (false when discarded as stale).
	Upsert(ctx context.Context, r *RSVP) (bool, error)
	// ListByEventID returns RSVPs ordered by updated_at ascending.
	ListByEventID(ctx context.Context, eventID string) ([]*RSVP, error)
	CountByEventID(ctx context.Context, eventID string) (AttendanceSnapshot, error)
	// DeleteByEventID removes every RSVP for the event and returns how many
	// rows went. RSVP rows exist only for non-cancelled events.
	DeleteByEventID(ctx context.Context, eventID string) (int64, error)
}

// RSVPService defines attendance operations.
type RSVPService interface {
	// RecordRsvp upserts the user's answer and returns the resulting counts.
	// At most one StatusDigest notification per debounce window is scheduled
	// for the event creator as a side effect.
	RecordRsvp(ctx context.Context, eventID string, userID int64, status RSVPStatus, sequence int64) (AttendanceSnapshot, error)
	ListAttendance(ctx context.Context, eventID string) ([]*RSVP, error)
}
