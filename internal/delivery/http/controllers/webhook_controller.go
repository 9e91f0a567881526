package controllers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"gatherbot/internal/delivery/http/helpers"
	"gatherbot/internal/delivery/intent"
	"gatherbot/internal/domain"
)

// Telegram update shapes, reduced to the fields the webhook consumes.
type telegramUpdate struct {
	UpdateID      int64                  `json:"update_id"`
	CallbackQuery *telegramCallbackQuery `json:"callback_query"`
}

type telegramCallbackQuery struct {
	ID   string        `json:"id"`
	From *telegramUser `json:"from"`
	Data string        `json:"data"`
}

type telegramUser struct {
	ID int64 `json:"id"`
}

// WebhookController translates raw Telegram updates into normalized intents.
// Only callback queries (RSVP button presses) are consumed; everything else
// is acknowledged and dropped so Telegram stops redelivering it.
type WebhookController struct {
	Logger *slog.Logger
	Router *intent.Router
	// Secret is compared against Telegram's secret-token header when set.
	Secret string
}

func NewWebhookController(logger *slog.Logger, router *intent.Router, secret string) *WebhookController {
	return &WebhookController{
		Logger: logger,
		Router: router,
		Secret: secret,
	}
}

// Handle processes POST /telegram/webhook. It answers 200 for every
// well-formed update: Telegram retries non-2xx responses, and a malformed or
// stale update will not improve on redelivery.
func (c *WebhookController) Handle(w http.ResponseWriter, r *http.Request) {
	if c.Secret != "" {
		got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(c.Secret)) != 1 {
			helpers.WriteJSONError(w, http.StatusUnauthorized, helpers.ErrCodeUnauthorized, "bad webhook secret")
			return
		}
	}

	var update telegramUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		helpers.WriteJSONError(w, http.StatusBadRequest, helpers.ErrCodeBadRequest, "invalid update payload")
		return
	}

	if update.CallbackQuery == nil || update.CallbackQuery.From == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	status, eventID, ok := parseCallbackData(update.CallbackQuery.Data)
	if !ok {
		c.Logger.Debug("ignoring unknown callback data", "data", update.CallbackQuery.Data)
		w.WriteHeader(http.StatusOK)
		return
	}

	// update_id increases monotonically per bot, which makes it the source
	// ordering token for last-writer-wins.
	_, err := c.Router.Route(r.Context(), domain.RsvpIntent{
		EventID:  eventID,
		UserID:   update.CallbackQuery.From.ID,
		Status:   status,
		Sequence: update.UpdateID,
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrEventClosed) {
		c.Logger.Error("rsvp intent failed", "event_id", eventID, "error", err)
		helpers.WriteJSONError(w, http.StatusInternalServerError, helpers.ErrCodeInternalError, "internal error")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// parseCallbackData splits button payloads of the form "<answer>_<eventID>".
func parseCallbackData(data string) (domain.RSVPStatus, string, bool) {
	answer, eventID, found := strings.Cut(data, "_")
	if !found || eventID == "" {
		return "", "", false
	}
	status := domain.RSVPStatus(answer)
	if !status.Valid() {
		return "", "", false
	}
	return status, eventID, true
}
