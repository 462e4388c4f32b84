package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/authbroker/pkg/session"
)

// RefreshTokenStore resolves broker-issued refresh tokens and revokes their
// sessions on logout
type RefreshTokenStore interface {
	RedeemRefreshToken(ctx context.Context, refreshToken string) (*session.Session, error)
	RevokeSession(ctx context.Context, sessionID string) error
}

// TokenProvider redeems refresh tokens previously issued by the broker.
// The owning account is returned as a verified AccountID, so a refresh always
// lands on the account the token was issued to.
type TokenProvider struct {
	sessions RefreshTokenStore
}

// NewTokenProvider creates a token provider
func NewTokenProvider(sessions RefreshTokenStore) *TokenProvider {
	return &TokenProvider{sessions: sessions}
}

// Method implements Provider
func (p *TokenProvider) Method() Method { return MethodToken }

// CallbackTarget implements Provider
func (p *TokenProvider) CallbackTarget() string { return CallbackAPI }

// ParseCredentialParameters implements Provider. Redemption does not consume
// the refresh token, so this is a read-only lookup.
func (p *TokenProvider) ParseCredentialParameters(ctx context.Context, params map[string]string) (*Parsed, error) {
	raw := params["refresh_token"]
	if raw == "" {
		return nil, fmt.Errorf("missing refresh_token parameter")
	}
	sess, err := p.sessions.RedeemRefreshToken(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve refresh token: %w", err)
	}
	return &Parsed{Subject: sess.AccountID, LinkHintID: sess.AccountID}, nil
}

// RedeemToken implements Provider. action=logout revokes the session and ends
// in Unauthenticated.
func (p *TokenProvider) RedeemToken(ctx context.Context, params map[string]string) Outcome {
	raw := params["refresh_token"]
	if raw == "" {
		return InvalidCredentials{Reason: "Refresh token is missing"}
	}

	sess, err := p.sessions.RedeemRefreshToken(ctx, raw)
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired) {
		return InvalidCredentials{Reason: "Refresh token is invalid or expired"}
	}
	if err != nil {
		return CouldNotConnect{Reason: fmt.Sprintf("session store unavailable: %v", err)}
	}

	enriched := copyParams(params)
	delete(enriched, "refresh_token")
	enriched["session_id"] = sess.ID

	if params["action"] == "logout" {
		err := p.sessions.RevokeSession(ctx, sess.ID)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return CouldNotConnect{Reason: fmt.Sprintf("session store unavailable: %v", err)}
		}
		return Unauthenticated{LinkHintID: sess.AccountID, Params: enriched}
	}
	return Success{
		Subject:    sess.AccountID,
		LinkHintID: sess.AccountID,
		AccountID:  sess.AccountID,
		Params:     enriched,
	}
}
