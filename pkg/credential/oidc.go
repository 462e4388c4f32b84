package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/authbroker/pkg/config"
)

// OIDCProvider redeems authorization codes against an OpenID Connect issuer
// and verifies the returned ID token. Discovery runs on first use and is
// retried until it succeeds. Concurrent callbacks share one discovery.
type OIDCProvider struct {
	config *ProviderConfig
	source config.Source

	discovery singleflight.Group
	mu        sync.RWMutex
	provider  *oidc.Provider
	verifier  *oidc.IDTokenVerifier
}

// NewOIDCProvider creates an OIDC provider
func NewOIDCProvider(cfg *ProviderConfig, source config.Source) (*OIDCProvider, error) {
	if cfg.OIDCConfig == nil {
		return nil, fmt.Errorf("OIDC config is required")
	}
	return &OIDCProvider{config: cfg, source: source}, nil
}

// Method implements Provider
func (p *OIDCProvider) Method() Method { return methodFor(p.config, MethodOIDC) }

// CallbackTarget implements Provider
func (p *OIDCProvider) CallbackTarget() string { return CallbackSSO }

// ParseCredentialParameters verifies an id_token passed directly by the
// caller, e.g. from an implicit or hybrid flow.
func (p *OIDCProvider) ParseCredentialParameters(ctx context.Context, params map[string]string) (*Parsed, error) {
	raw := params["id_token"]
	if raw == "" {
		return nil, fmt.Errorf("missing id_token parameter")
	}
	_, verifier, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}
	idToken, err := verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}
	attrs, err := tokenClaims(idToken)
	if err != nil {
		return nil, err
	}
	subject, hint, _ := mapIdentity(p.config.AttributeMapping, attrs, idToken.Subject)
	return &Parsed{Subject: subject, LinkHintID: hint}, nil
}

// RedeemToken implements Provider
func (p *OIDCProvider) RedeemToken(ctx context.Context, params map[string]string) Outcome {
	if reason := upstreamError(params); reason != "" {
		return InvalidCredentials{Reason: reason}
	}
	code := params["code"]
	if code == "" {
		return InvalidCredentials{Reason: "missing authorization code"}
	}

	secret, outcome := clientSecret(p.source, p.config.Name)
	if outcome != nil {
		return outcome
	}

	provider, verifier, err := p.discover(ctx)
	if err != nil {
		return CouldNotConnect{Reason: err.Error()}
	}

	oauth2Cfg := &oauth2.Config{
		ClientID:     p.config.OIDCConfig.ClientID,
		ClientSecret: secret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  p.config.OIDCConfig.RedirectURL,
		Scopes:       p.config.OIDCConfig.Scopes,
	}

	token, err := oauth2Cfg.Exchange(ctx, code)
	if err != nil {
		return classifyExchangeError(err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return InvalidCredentials{Reason: "missing id_token in response"}
	}
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return InvalidCredentials{Reason: fmt.Sprintf("failed to verify ID token: %v", err)}
	}

	attrs, err := tokenClaims(idToken)
	if err != nil {
		return Failure{Reason: err.Error()}
	}
	subject, hint, enriched := mapIdentity(p.config.AttributeMapping, attrs, idToken.Subject)
	if subject == "" {
		return InvalidCredentials{Reason: "missing user ID in OIDC token"}
	}
	for k, v := range params {
		if k != "code" {
			enriched[k] = v
		}
	}
	enriched["issuer"] = idToken.Issuer
	return Success{Subject: subject, LinkHintID: hint, Params: enriched}
}

// ValidateConfig checks the static part of the configuration
func (p *OIDCProvider) ValidateConfig() error {
	cfg := p.config.OIDCConfig
	switch {
	case cfg.ClientID == "":
		return fmt.Errorf("client_id is required")
	case cfg.IssuerURL == "":
		return fmt.Errorf("issuer_url is required")
	case cfg.RedirectURL == "":
		return fmt.Errorf("redirect_url is required")
	}
	for _, scope := range cfg.Scopes {
		if scope == oidc.ScopeOpenID {
			return nil
		}
	}
	return fmt.Errorf("'openid' scope is required for OIDC")
}

func (p *OIDCProvider) discover(ctx context.Context) (*oidc.Provider, *oidc.IDTokenVerifier, error) {
	if provider, verifier := p.discovered(); provider != nil {
		return provider, verifier, nil
	}

	_, err, _ := p.discovery.Do("discover", func() (interface{}, error) {
		if provider, _ := p.discovered(); provider != nil {
			return nil, nil
		}
		provider, err := oidc.NewProvider(ctx, p.config.OIDCConfig.IssuerURL)
		if err != nil {
			return nil, err
		}
		verifier := provider.Verifier(&oidc.Config{
			ClientID:        p.config.OIDCConfig.ClientID,
			SkipIssuerCheck: p.config.OIDCConfig.SkipIssuerCheck,
		})

		p.mu.Lock()
		p.provider, p.verifier = provider, verifier
		p.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	provider, verifier := p.discovered()
	return provider, verifier, nil
}

func (p *OIDCProvider) discovered() (*oidc.Provider, *oidc.IDTokenVerifier) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.provider, p.verifier
}

func tokenClaims(idToken *oidc.IDToken) (map[string]string, error) {
	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	return stringAttributes(claims), nil
}
