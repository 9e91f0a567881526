package domain

import "time"

// Intent is a normalized, platform-independent request derived from a raw
// chat-transport update. The concrete types below are the full set the
// router accepts.
type Intent interface {
	intent()
}

// CreateEventIntent asks for a new event in a chat.
type CreateEventIntent struct {
	ChatID        int64     `json:"chat_id"`
	CreatorID     int64     `json:"creator_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

// RsvpIntent records one user's answer. Sequence is the transport's
// source-ordering token (e.g. the Telegram update id).
type RsvpIntent struct {
	EventID  string     `json:"event_id"`
	UserID   int64      `json:"user_id"`
	Status   RSVPStatus `json:"status"`
	Sequence int64      `json:"sequence"`
}

// CancelEventIntent cancels an event on behalf of the requester.
type CancelEventIntent struct {
	EventID     string `json:"event_id"`
	RequesterID int64  `json:"requester_id"`
}

// UpdateEventIntent mutates event fields under optimistic concurrency.
type UpdateEventIntent struct {
	EventID         string      `json:"event_id"`
	RequesterID     int64       `json:"requester_id"`
	ExpectedVersion int64       `json:"expected_version"`
	Fields          EventUpdate `json:"fields"`
}

func (CreateEventIntent) intent() {}
func (RsvpIntent) intent()        {}
func (CancelEventIntent) intent() {}
func (UpdateEventIntent) intent() {}
