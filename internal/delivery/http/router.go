// Package http wires the webhook and operator API routes.
package http

import (
	"net/http"

	httpSwagger "github.com/swaggo/http-swagger"

	"gatherbot/internal/delivery/http/controllers"
	"gatherbot/internal/delivery/http/middleware"
	"gatherbot/internal/domain"
)

// NewRouter initializes the HTTP router. The webhook route authenticates via
// the Telegram secret token; operator routes require a bearer token or API
// key.
func NewRouter(
	events *controllers.EventController,
	webhook *controllers.WebhookController,
	health *controllers.HealthController,
	tokens domain.TokenVerifier,
	keys domain.APIKeyVerifier,
) *http.ServeMux {
	mux := http.NewServeMux()
	operator := middleware.RequireOperator(tokens, keys)

	// Transport ingestion
	mux.HandleFunc("POST /telegram/webhook", webhook.Handle)

	// Operator API
	mux.HandleFunc("POST /events", operator(events.Create))
	mux.HandleFunc("GET /events/{eventID}", operator(events.Get))
	mux.HandleFunc("PATCH /events/{eventID}", operator(events.Update))
	mux.HandleFunc("DELETE /events/{eventID}", operator(events.Cancel))
	mux.HandleFunc("GET /events/{eventID}/attendance", operator(events.Attendance))

	// Health
	mux.HandleFunc("GET /healthz", health.Check)

	// Swagger
	mux.Handle("/swagger/", httpSwagger.WrapHandler)

	return mux
}
