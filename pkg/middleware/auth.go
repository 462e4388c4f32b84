package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/platinummonkey/authbroker/pkg/httputil"
	"github.com/platinummonkey/authbroker/pkg/observability"
	"github.com/platinummonkey/authbroker/pkg/session"
)

type contextKey string

const sessionContextKey contextKey = "session"

// TokenValidator resolves an access token to its session
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*session.Session, error)
}

// SessionAuth authenticates requests carrying a broker-issued access token
type SessionAuth struct {
	validator TokenValidator
	optional  bool // If true, allow requests without a token
}

// NewSessionAuth creates session authentication middleware
func NewSessionAuth(validator TokenValidator, optional bool) *SessionAuth {
	return &SessionAuth{
		validator: validator,
		optional:  optional,
	}
}

// Handler wraps an HTTP handler with session authentication
func (m *SessionAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := httputil.BearerToken(r)
		if !ok {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing bearer token")
			return
		}

		sess, err := m.validator.ValidateToken(r.Context(), token)
		switch {
		case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired):
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		case err != nil:
			observability.FromContext(r.Context()).WithError(err).Error("Failed to validate session token")
			httputil.WriteServiceUnavailable(w, "session store unavailable")
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSession returns the session attached by SessionAuth, or nil
func GetSession(r *http.Request) *session.Session {
	sess, _ := r.Context().Value(sessionContextKey).(*session.Session)
	return sess
}
