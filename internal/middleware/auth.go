package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/device-gateway/internal/audit"
	apperrors "github.com/openclaw/device-gateway/internal/errors"
	"github.com/openclaw/device-gateway/internal/util"
)

// APITokenMiddleware guards the /v1 surface with a single shared bearer
// token. An empty configured token rejects every request.
type APITokenMiddleware struct {
	token string
}

func NewAPITokenMiddleware(token string) *APITokenMiddleware {
	return &APITokenMiddleware{token: token}
}

func (m *APITokenMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		if m.token == "" || !util.ConstantTimeEqual(token, m.token) {
			log.Warn().Str("path", r.URL.Path).Msg("auth middleware: invalid token attempt")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"path": r.URL.Path},
			})
			writeError(w, apperrors.Unauthorized("Invalid token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractToken reads the bearer header, falling back to ?token= for
// EventSource clients that cannot set headers.
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return r.URL.Query().Get("token")
}
