package middleware

import (
	"context"
	"net/http"
	"strings"

	"gatherbot/internal/delivery/http/helpers"
	"gatherbot/internal/domain"
)

type contextKey string

const operatorKey contextKey = "operator"

// SetOperator returns a context marked with the authenticated operator
// subject.
func SetOperator(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, operatorKey, subject)
}

// OperatorFromContext returns the authenticated operator subject, if any.
func OperatorFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(operatorKey).(string)
	return s, ok
}

// RequireOperator wraps ops-API handlers with authentication. A Bearer JWT
// or an X-API-Key header is accepted; either verifier may be nil to disable
// that scheme.
func RequireOperator(tokens domain.TokenVerifier, keys domain.APIKeyVerifier) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if keys != nil {
				if key := r.Header.Get("X-API-Key"); key != "" {
					if err := keys.VerifyKey(key); err != nil {
						helpers.WriteJSONError(w, http.StatusUnauthorized, helpers.ErrCodeUnauthorized, "invalid api key")
						return
					}
					next(w, r.WithContext(SetOperator(r.Context(), "api-key")))
					return
				}
			}
			if tokens == nil {
				helpers.WriteJSONError(w, http.StatusUnauthorized, helpers.ErrCodeUnauthorized, "missing credentials")
				return
			}
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				helpers.WriteJSONError(w, http.StatusUnauthorized, helpers.ErrCodeUnauthorized, "missing bearer token")
				return
			}
			token := strings.TrimSpace(auth[len(prefix):])
			subject, err := tokens.Verify(token)
			if err != nil {
				helpers.WriteJSONError(w, http.StatusUnauthorized, helpers.ErrCodeUnauthorized, "invalid or expired token")
				return
			}
			next(w, r.WithContext(SetOperator(r.Context(), subject)))
		}
	}
}
