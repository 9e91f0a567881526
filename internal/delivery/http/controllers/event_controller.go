package controllers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gatherbot/internal/delivery/http/helpers"
	"gatherbot/internal/delivery/intent"
	"gatherbot/internal/domain"
)

// CreateEventRequest is the request body for POST /events.
type CreateEventRequest struct {
	ChatID        int64     `json:"chat_id"`
	CreatorID     int64     `json:"creator_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

// Validate returns error messages for required fields.
func (c CreateEventRequest) Validate() []string {
	var errs []string
	if c.ChatID == 0 {
		errs = append(errs, "chat_id is required")
	}
	if c.CreatorID == 0 {
		errs = append(errs, "creator_id is required")
	}
	if strings.TrimSpace(c.Title) == "" {
		errs = append(errs, "title is required")
	}
	if c.ScheduledTime.IsZero() {
		errs = append(errs, "scheduled_time is required")
	}
	return errs
}

// UpdateEventRequest is the request body for PATCH /events/{eventID}.
type UpdateEventRequest struct {
	RequesterID     int64              `json:"requester_id"`
	ExpectedVersion int64              `json:"expected_version"`
	Fields          domain.EventUpdate `json:"fields"`
}

// CancelEventRequest is the request body for DELETE /events/{eventID}.
type CancelEventRequest struct {
	RequesterID int64 `json:"requester_id"`
}

// AttendanceResponse is the payload for GET /events/{eventID}/attendance.
// swagger:model AttendanceResponse
type AttendanceResponse struct {
	Rsvps    []*domain.RSVP             `json:"rsvps"`
	Snapshot *domain.AttendanceSnapshot `json:"snapshot,omitempty"`
}

type EventController struct {
	Logger *slog.Logger
	Router *intent.Router
	Rsvps  domain.RSVPService
	Events domain.EventService
}

func NewEventController(logger *slog.Logger, router *intent.Router, events domain.EventService, rsvps domain.RSVPService) *EventController {
	return &EventController{
		Logger: logger,
		Router: router,
		Rsvps:  rsvps,
		Events: events,
	}
}

// Create handles POST /events.
//
// @Summary Create an event
// @Accept json
// @Produce json
// @Param body body CreateEventRequest true "event to create"
// @Success 201 {object} helpers.APIResponse
// @Failure 400 {object} helpers.APIResponse
// @Router /events [post]
func (c *EventController) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		helpers.WriteJSONError(w, http.StatusBadRequest, helpers.ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		helpers.WriteJSONError(w, http.StatusBadRequest, helpers.ErrCodeBadRequest, strings.Join(errs, "; "))
		return
	}
	result, err := c.Router.Route(r.Context(), domain.CreateEventIntent{
		ChatID:        req.ChatID,
		CreatorID:     req.CreatorID,
		Title:         req.Title,
		Description:   req.Description,
		ScheduledTime: req.ScheduledTime,
	})
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	helpers.WriteJSONSuccess(w, http.StatusCreated, result.Event)
}

// Get handles GET /events/{eventID}.
//
// @Summary Fetch an event
// @Produce json
// @Param eventID path string true "event id"
// @Success 200 {object} helpers.APIResponse
// @Failure 404 {object} helpers.APIResponse
// @Router /events/{eventID} [get]
func (c *EventController) Get(w http.ResponseWriter, r *http.Request) {
	event, err := c.Events.GetEvent(r.Context(), r.PathValue("eventID"))
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	helpers.WriteJSONSuccess(w, http.StatusOK, event)
}

// Update handles PATCH /events/{eventID}.
//
// @Summary Update event fields under optimistic concurrency
// @Accept json
// @Produce json
// @Param eventID path string true "event id"
// @Param body body UpdateEventRequest true "fields and expected version"
// @Success 200 {object} helpers.APIResponse
// @Failure 409 {object} helpers.APIResponse
// @Router /events/{eventID} [patch]
func (c *EventController) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		helpers.WriteJSONError(w, http.StatusBadRequest, helpers.ErrCodeBadRequest, "invalid JSON body")
		return
	}
	result, err := c.Router.Route(r.Context(), domain.UpdateEventIntent{
		EventID:         r.PathValue("eventID"),
		RequesterID:     req.RequesterID,
		ExpectedVersion: req.ExpectedVersion,
		Fields:          req.Fields,
	})
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	helpers.WriteJSONSuccess(w, http.StatusOK, map[string]int64{"new_version": *result.NewVersion})
}

// Cancel handles DELETE /events/{eventID}.
//
// @Summary Cancel an event and its pending notifications
// @Accept json
// @Produce json
// @Param eventID path string true "event id"
// @Param body body CancelEventRequest true "requester"
// @Success 200 {object} helpers.APIResponse
// @Failure 403 {object} helpers.APIResponse
// @Router /events/{eventID} [delete]
func (c *EventController) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		helpers.WriteJSONError(w, http.StatusBadRequest, helpers.ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if _, err := c.Router.Route(r.Context(), domain.CancelEventIntent{
		EventID:     r.PathValue("eventID"),
		RequesterID: req.RequesterID,
	}); err != nil {
		c.writeDomainError(w, err)
		return
	}
	helpers.WriteJSONSuccess(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// Attendance handles GET /events/{eventID}/attendance.
//
// @Summary List RSVPs for an event in updated_at order
// @Produce json
// @Param eventID path string true "event id"
// @Success 200 {object} helpers.APIResponse
// @Failure 404 {object} helpers.APIResponse
// @Router /events/{eventID}/attendance [get]
func (c *EventController) Attendance(w http.ResponseWriter, r *http.Request) {
	rsvps, err := c.Rsvps.ListAttendance(r.Context(), r.PathValue("eventID"))
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	helpers.WriteJSONSuccess(w, http.StatusOK, AttendanceResponse{Rsvps: rsvps})
}

func (c *EventController) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		helpers.WriteJSONError(w, http.StatusNotFound, helpers.ErrCodeNotFound, "event not found")
	case errors.Is(err, domain.ErrInvalidSchedule):
		helpers.WriteJSONError(w, http.StatusBadRequest, helpers.ErrCodeInvalidSchedule, "scheduled time must be in the future")
	case errors.Is(err, domain.ErrInvalidInput):
		helpers.WriteJSONError(w, http.StatusBadRequest, helpers.ErrCodeBadRequest, "invalid input")
	case errors.Is(err, domain.ErrEventClosed):
		helpers.WriteJSONError(w, http.StatusConflict, helpers.ErrCodeEventClosed, "event is closed")
	case errors.Is(err, domain.ErrVersionConflict):
		helpers.WriteJSONError(w, http.StatusConflict, helpers.ErrCodeConflict, "version conflict, re-read and retry")
	case errors.Is(err, domain.ErrUnauthorized):
		helpers.WriteJSONError(w, http.StatusForbidden, helpers.ErrCodeForbidden, "only the creator may do that")
	default:
		c.Logger.Error("unexpected error", "error", err)
		helpers.WriteJSONError(w, http.StatusInternalServerError, helpers.ErrCodeInternalError, "internal error")
	}
}
