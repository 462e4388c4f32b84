package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a session, token or account does not exist
	ErrNotFound = errors.New("not found")
	// ErrExpired is returned when a token exists but is past its expiry
	ErrExpired = errors.New("expired")
)

// Session is a server-side token pair bound to one account. Raw tokens are
// never stored; only their hashes are.
type Session struct {
	ID               string    `json:"id"`
	AccountID        string    `json:"account_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Issued is a session together with its raw tokens. It is returned once,
// when the tokens are minted.
type Issued struct {
	Session
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

// Store is the session and account store the broker consumes
type Store interface {
	// LookupAccount resolves the account mapped to (method, subject)
	LookupAccount(ctx context.Context, method, subject string) (accountID string, found bool, err error)

	// CreateOrUpdateAccount maps (method, subject) to an account, creating the
	// account unless hintAccountID names an existing one. Concurrent calls for
	// the same pair all return the same id and exactly one reports created.
	CreateOrUpdateAccount(ctx context.Context, method, subject, hintAccountID string) (accountID string, created bool, err error)

	// CreateOrUpdateSession issues a new token pair. When sessionID names a
	// live session of accountID its tokens are rotated in place; otherwise a
	// new session is created.
	CreateOrUpdateSession(ctx context.Context, accountID, sessionID string) (*Issued, error)

	// RedeemRefreshToken resolves a refresh token without consuming it
	RedeemRefreshToken(ctx context.Context, refreshToken string) (*Session, error)

	// ValidateToken resolves an access token
	ValidateToken(ctx context.Context, token string) (*Session, error)

	// RevokeSession deletes a session so neither of its tokens resolves again.
	// ErrNotFound is returned when no such session exists.
	RevokeSession(ctx context.Context, sessionID string) error

	// CleanupExpiredSessions removes sessions whose refresh tokens expired before now
	CleanupExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}
