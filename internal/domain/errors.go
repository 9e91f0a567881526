package domain

import "errors"

// Sentinel errors shared across the repositories, services, and delivery
// layers. Wrap with fmt.Errorf("...: %w", err) and check with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidSchedule = errors.New("scheduled time must be in the future")
	ErrEventClosed     = errors.New("event is cancelled or completed")
	ErrVersionConflict = errors.New("version conflict")
	ErrUnauthorized    = errors.New("requester is not allowed to do that")
)

// Dispatch outcome classification. Gateway errors wrap exactly one of these:
// transient failures are retried with backoff, permanent ones fail the job
// immediately.
var (
	ErrDispatchTransient = errors.New("transient dispatch failure")
	ErrDispatchPermanent = errors.New("permanent dispatch failure")
)
