package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/authbroker/pkg/session"
)

type fakeValidator map[string]error

func (f fakeValidator) ValidateToken(_ context.Context, token string) (*session.Session, error) {
	err, ok := f[token]
	if !ok {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session.Session{ID: "sess-1", AccountID: "acct-1"}, nil
}

func TestSessionAuth_Handler(t *testing.T) {
	validator := fakeValidator{
		"good":    nil,
		"expired": session.ErrExpired,
		"down":    errors.New("connection refused"),
	}

	tests := []struct {
		name     string
		header   string
		optional bool
		status   int
		account  string
	}{
		{name: "valid token", header: "Bearer good", status: http.StatusOK, account: "acct-1"},
		{name: "unknown token", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "expired token", header: "Bearer expired", status: http.StatusUnauthorized},
		{name: "store down", header: "Bearer down", status: http.StatusServiceUnavailable},
		{name: "missing header", status: http.StatusUnauthorized},
		{name: "missing header optional", optional: true, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var account string
			h := NewSessionAuth(validator, tt.optional).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if sess := GetSession(r); sess != nil {
					account = sess.AccountID
				}
			}))

			req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.account, account)
		})
	}
}
