package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/platinummonkey/authbroker/pkg/config"
)

// Config keys read by VoucherProvider
const (
	VoucherSigningKey = "voucher.signing_key"
	VoucherIssuer     = "voucher.issuer"
)

// VoucherClaims are the claims carried by a voucher token
type VoucherClaims struct {
	// Link is an optional account id the voucher was minted for
	Link     string `json:"link,omitempty"`
	LegacyID string `json:"legacy_id,omitempty"`
	jwt.RegisteredClaims
}

// VoucherProvider redeems HS256-signed voucher tokens
type VoucherProvider struct {
	source config.Source
}

// NewVoucherProvider creates a voucher provider. The signing key is read from
// source on every redemption so rotations apply without a restart.
func NewVoucherProvider(source config.Source) *VoucherProvider {
	return &VoucherProvider{source: source}
}

// Method implements Provider
func (p *VoucherProvider) Method() Method { return MethodVoucher }

// CallbackTarget implements Provider
func (p *VoucherProvider) CallbackTarget() string { return CallbackRedirect }

// ParseCredentialParameters reads the voucher's claims without verifying the signature
func (p *VoucherProvider) ParseCredentialParameters(ctx context.Context, params map[string]string) (*Parsed, error) {
	raw := params["voucher"]
	if raw == "" {
		return nil, fmt.Errorf("missing voucher parameter")
	}
	claims := &VoucherClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("failed to parse voucher: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("voucher has no subject")
	}
	return &Parsed{Subject: claims.Subject, LinkHintID: claims.Link, LegacyID: claims.LegacyID}, nil
}

// RedeemToken implements Provider
func (p *VoucherProvider) RedeemToken(ctx context.Context, params map[string]string) Outcome {
	raw := params["voucher"]
	if raw == "" {
		return InvalidCredentials{Reason: "Voucher is missing"}
	}

	key, err := p.source.GetString(VoucherSigningKey)
	if errors.Is(err, config.ErrNotConfigured) {
		return UnspecifiedConfiguration{Reason: "voucher signing key is not configured"}
	}
	if err != nil {
		return CouldNotConnect{Reason: fmt.Sprintf("configuration source unavailable: %v", err)}
	}
	issuer, err := config.GetStringOr(p.source, VoucherIssuer, "")
	if err != nil {
		return CouldNotConnect{Reason: fmt.Sprintf("configuration source unavailable: %v", err)}
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	claims := &VoucherClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return []byte(key), nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return InvalidCredentials{Reason: "Token has expired"}
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return InvalidCredentials{Reason: "Token is not valid yet"}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return InvalidCredentials{Reason: "Token signature is invalid"}
	case err != nil:
		return InvalidCredentials{Reason: fmt.Sprintf("Token is malformed: %v", err)}
	}

	if claims.Subject == "" {
		return InvalidCredentials{Reason: "Token has no subject"}
	}

	enriched := copyParams(params)
	delete(enriched, "voucher")
	if claims.ID != "" {
		enriched["voucher_id"] = claims.ID
	}
	return Success{
		Subject:    claims.Subject,
		LinkHintID: claims.Link,
		LegacyID:   claims.LegacyID,
		Params:     enriched,
	}
}

// SignVoucher mints a voucher for subject valid for ttl
func SignVoucher(key []byte, subject string, ttl time.Duration, claims VoucherClaims) (string, error) {
	now := time.Now()
	claims.Subject = subject
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign voucher: %w", err)
	}
	return signed, nil
}
