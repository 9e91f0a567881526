package controllers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"gatherbot/internal/delivery/intent"
	"gatherbot/internal/domain"
)

func newWebhookController(rsvps *fakeRSVPService, secret string) *WebhookController {
	router := intent.NewRouter(&fakeEventService{}, rsvps, testLogger)
	return NewWebhookController(testLogger, router, secret)
}

func postUpdate(t *testing.T, c *WebhookController, body, secret string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	if secret != "" {
		req.Header.Set("X-Telegram-Bot-Api-Secret-Token", secret)
	}
	rec := httptest.NewRecorder()
	c.Handle(rec, req)
	return rec
}

func TestWebhookController_Handle(t *testing.T) {
	callback := `{
		"update_id": 9001,
		"callback_query": {
			"id": "cb-1",
			"from": {"id": 42},
			"data": "yes_ev-1"
		}
	}`

	t.Run("callback query becomes an rsvp", func(t *testing.T) {
		rsvps := &fakeRSVPService{recordRsvpResult: domain.AttendanceSnapshot{EventID: "ev-1", Yes: 1}}
		rec := postUpdate(t, newWebhookController(rsvps, ""), callback, "")

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "ev-1", rsvps.lastRsvpEventID)
		require.EqualValues(t, 42, rsvps.lastRsvpUserID)
		require.Equal(t, domain.RSVPYes, rsvps.lastRsvpStatus)
		require.EqualValues(t, 9001, rsvps.lastRsvpSequence, "update_id is the ordering token")
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		rsvps := &fakeRSVPService{}
		rec := postUpdate(t, newWebhookController(rsvps, "s3cret"), callback, "wrong")

		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Empty(t, rsvps.lastRsvpEventID)
	})

	t.Run("matching secret is accepted", func(t *testing.T) {
		rsvps := &fakeRSVPService{}
		rec := postUpdate(t, newWebhookController(rsvps, "s3cret"), callback, "s3cret")
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("non-callback update is acknowledged and dropped", func(t *testing.T) {
		rsvps := &fakeRSVPService{}
		rec := postUpdate(t, newWebhookController(rsvps, ""), `{"update_id": 9002}`, "")

		require.Equal(t, http.StatusOK, rec.Code)
		require.Empty(t, rsvps.lastRsvpEventID)
	})

	t.Run("unknown callback data is acknowledged and dropped", func(t *testing.T) {
		rsvps := &fakeRSVPService{}
		body := `{"update_id": 9003, "callback_query": {"id": "cb", "from": {"id": 42}, "data": "snooze_ev-1"}}`
		rec := postUpdate(t, newWebhookController(rsvps, ""), body, "")

		require.Equal(t, http.StatusOK, rec.Code)
		require.Empty(t, rsvps.lastRsvpEventID)
	})

	t.Run("stale update still answers 200", func(t *testing.T) {
		rsvps := &fakeRSVPService{recordRsvpErr: domain.ErrEventClosed}
		rec := postUpdate(t, newWebhookController(rsvps, ""), callback, "")
		require.Equal(t, http.StatusOK, rec.Code, "a closed event will not improve on redelivery")
	})

	t.Run("malformed body is a bad request", func(t *testing.T) {
		rec := postUpdate(t, newWebhookController(&fakeRSVPService{}, ""), "{broken", "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestParseCallbackData(t *testing.T) {
	tests := []struct {
		data       string
		wantStatus domain.RSVPStatus
		wantEvent  string
		wantOK     bool
	}{
		{"yes_ev-1", domain.RSVPYes, "ev-1", true},
		{"no_ev-1", domain.RSVPNo, "ev-1", true},
		{"maybe_abc_def", domain.RSVPMaybe, "abc_def", true},
		{"snooze_ev-1", "", "", false},
		{"yes_", "", "", false},
		{"yes", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		status, eventID, ok := parseCallbackData(tt.data)
		require.Equal(t, tt.wantOK, ok, "data %q", tt.data)
		require.Equal(t, tt.wantStatus, status, "data %q", tt.data)
		require.Equal(t, tt.wantEvent, eventID, "data %q", tt.data)
	}
}
