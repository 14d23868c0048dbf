package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// Authenticator resolves an agent key to the name of its owner.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (string, error)
}

// agentKeyFrom reads "Authorization: Apikey <key>", falling back to the
// X-API-Key header.
func agentKeyFrom(r *http.Request) string {
	if scheme, key, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok &&
		strings.EqualFold(scheme, "Apikey") {
		return strings.TrimSpace(key)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// Authentication rejects requests without a valid agent key and records the
// key owner for GetAgent.
func Authentication(auth Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := agentKeyFrom(r)
			if key == "" {
				deny(w, r, logger, "authentication required", nil)
				return
			}
			agent, err := auth.Authenticate(r.Context(), key)
			if err != nil {
				deny(w, r, logger, "authentication failed", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), agentKey, agent)))
		})
	}
}

func deny(w http.ResponseWriter, r *http.Request, logger *slog.Logger, reason string, err error) {
	logger.Warn("Agent request rejected",
		"reason", reason,
		"request_id", GetRequestID(r),
		"path", r.URL.Path,
		"remote_addr", clientIP(r),
		"error", err)
	w.Header().Set("WWW-Authenticate", "Apikey")
	writeMessage(w, http.StatusUnauthorized, reason)
}

// GetAgent returns the authenticated key owner, empty before authentication.
func GetAgent(r *http.Request) string {
	agent, _ := r.Context().Value(agentKey).(string)
	return agent
}
