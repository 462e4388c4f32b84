package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/platinummonkey/authbroker/pkg/config"
)

// OAuth2Provider redeems authorization codes against a generic OAuth2 server
// and identifies the caller through its userinfo endpoint.
type OAuth2Provider struct {
	config *ProviderConfig
	source config.Source
}

// NewOAuth2Provider creates an OAuth2 provider
func NewOAuth2Provider(cfg *ProviderConfig, source config.Source) (*OAuth2Provider, error) {
	if cfg.OAuth2Config == nil {
		return nil, fmt.Errorf("OAuth2 config is required")
	}
	return &OAuth2Provider{config: cfg, source: source}, nil
}

// Method implements Provider
func (p *OAuth2Provider) Method() Method { return methodFor(p.config, MethodOAuth2) }

// CallbackTarget implements Provider
func (p *OAuth2Provider) CallbackTarget() string { return CallbackSSO }

// ParseCredentialParameters implements Provider. Authorization codes are
// opaque until exchanged.
func (p *OAuth2Provider) ParseCredentialParameters(ctx context.Context, params map[string]string) (*Parsed, error) {
	return nil, fmt.Errorf("authorization codes carry no identity before exchange")
}

// RedeemToken implements Provider
func (p *OAuth2Provider) RedeemToken(ctx context.Context, params map[string]string) Outcome {
	if reason := upstreamError(params); reason != "" {
		return InvalidCredentials{Reason: reason}
	}
	code := params["code"]
	if code == "" {
		return InvalidCredentials{Reason: "missing authorization code"}
	}

	oauth2Cfg, outcome := p.oauth2Config()
	if outcome != nil {
		return outcome
	}

	token, err := oauth2Cfg.Exchange(ctx, code)
	if err != nil {
		return classifyExchangeError(err)
	}

	userInfo, outcome := p.fetchUserInfo(ctx, oauth2Cfg.Client(ctx, token))
	if outcome != nil {
		return outcome
	}

	attrs := stringAttributes(userInfo)
	subject, hint, enriched := mapIdentity(p.config.AttributeMapping, attrs, attrs["sub"])
	if subject == "" {
		return InvalidCredentials{Reason: "missing user ID in OAuth2 response"}
	}
	for k, v := range params {
		if k != "code" {
			enriched[k] = v
		}
	}
	return Success{Subject: subject, LinkHintID: hint, Params: enriched}
}

// ValidateConfig checks the static part of the configuration
func (p *OAuth2Provider) ValidateConfig() error {
	cfg := p.config.OAuth2Config
	switch {
	case cfg.ClientID == "":
		return fmt.Errorf("client_id is required")
	case cfg.AuthURL == "":
		return fmt.Errorf("auth_url is required")
	case cfg.TokenURL == "":
		return fmt.Errorf("token_url is required")
	case cfg.UserInfoURL == "":
		return fmt.Errorf("user_info_url is required")
	case cfg.RedirectURL == "":
		return fmt.Errorf("redirect_url is required")
	}
	return nil
}

func (p *OAuth2Provider) oauth2Config() (*oauth2.Config, Outcome) {
	secret, outcome := clientSecret(p.source, p.config.Name)
	if outcome != nil {
		return nil, outcome
	}
	cfg := p.config.OAuth2Config
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: secret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
		RedirectURL: cfg.RedirectURL,
		Scopes:      cfg.Scopes,
	}, nil
}

func (p *OAuth2Provider) fetchUserInfo(ctx context.Context, client *http.Client) (map[string]interface{}, Outcome) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.OAuth2Config.UserInfoURL, nil)
	if err != nil {
		return nil, UnspecifiedConfiguration{Reason: fmt.Sprintf("invalid user_info_url: %v", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, CouldNotConnect{Reason: fmt.Sprintf("failed to fetch user info: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		reason := fmt.Sprintf("user info request failed with status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 {
			return nil, CouldNotConnect{Reason: reason}
		}
		return nil, InvalidCredentials{Reason: reason}
	}

	var userInfo map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return nil, Failure{Reason: fmt.Sprintf("failed to decode user info: %v", err)}
	}
	return userInfo, nil
}

// clientSecret reads a provider's client secret from source
func clientSecret(source config.Source, name string) (string, Outcome) {
	if source == nil {
		return "", UnspecifiedConfiguration{Reason: "no configuration source"}
	}
	secret, err := source.GetString(ClientSecretKey(name))
	if errors.Is(err, config.ErrNotConfigured) {
		return "", UnspecifiedConfiguration{Reason: fmt.Sprintf("client secret for %s is not configured", name)}
	}
	if err != nil {
		return "", CouldNotConnect{Reason: fmt.Sprintf("configuration source unavailable: %v", err)}
	}
	return secret, nil
}

// classifyExchangeError separates upstream rejections from transport failures
func classifyExchangeError(err error) Outcome {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if status >= 500 {
			return CouldNotConnect{Reason: fmt.Sprintf("token endpoint returned %d", status)}
		}
		reason := retrieveErr.ErrorCode
		if reason == "" {
			reason = fmt.Sprintf("status %d", status)
		}
		return InvalidCredentials{Reason: fmt.Sprintf("code exchange rejected: %s", reason)}
	}
	if errors.Is(err, context.Canceled) {
		return Failure{Reason: "request cancelled"}
	}
	return CouldNotConnect{Reason: fmt.Sprintf("failed to exchange code: %v", err)}
}

// upstreamError reports an OAuth2 error redirect, e.g. ?error=access_denied
func upstreamError(params map[string]string) string {
	code := params["error"]
	if code == "" {
		return ""
	}
	if desc := params["error_description"]; desc != "" {
		return fmt.Sprintf("%s: %s", code, desc)
	}
	return code
}

func stringAttributes(data map[string]interface{}) map[string]string {
	attrs := make(map[string]string, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case string:
			attrs[k] = val
		case float64, bool:
			attrs[k] = fmt.Sprint(val)
		}
	}
	return attrs
}
