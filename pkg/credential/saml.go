package credential

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"encoding/xml"
	"errors"
	"fmt"
	"sync"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/platinummonkey/authbroker/pkg/config"
)

// assertionRetriever validates an encoded SAMLResponse
type assertionRetriever interface {
	RetrieveAssertionInfo(encodedResponse string) (*saml2.AssertionInfo, error)
}

// SAMLProvider redeems SAML 2.0 HTTP-POST responses
type SAMLProvider struct {
	config  *ProviderConfig
	baseURL string
	source  config.Source

	mu        sync.Mutex
	sp        *saml2.SAMLServiceProvider
	retriever assertionRetriever
}

// NewSAMLProvider creates a SAML provider. The service provider is built on
// first use so a missing private key surfaces as a configuration outcome.
func NewSAMLProvider(cfg *ProviderConfig, baseURL string, source config.Source) (*SAMLProvider, error) {
	if cfg.SAMLConfig == nil {
		return nil, fmt.Errorf("SAML config is required")
	}
	return &SAMLProvider{config: cfg, baseURL: baseURL, source: source}, nil
}

// Method implements Provider
func (p *SAMLProvider) Method() Method { return methodFor(p.config, MethodSAML) }

// CallbackTarget implements Provider
func (p *SAMLProvider) CallbackTarget() string { return CallbackSSO }

// ParseCredentialParameters implements Provider. Parsing still validates the
// assertion signature, since an unsigned subject is meaningless.
func (p *SAMLProvider) ParseCredentialParameters(ctx context.Context, params map[string]string) (*Parsed, error) {
	retriever, err := p.serviceProvider()
	if err != nil {
		return nil, err
	}
	info, err := retriever.RetrieveAssertionInfo(params["SAMLResponse"])
	if err != nil {
		return nil, fmt.Errorf("failed to validate assertion: %w", err)
	}
	subject, hint, _ := mapIdentity(p.config.AttributeMapping, flattenAssertion(info), info.NameID)
	return &Parsed{Subject: subject, LinkHintID: hint}, nil
}

// RedeemToken implements Provider
func (p *SAMLProvider) RedeemToken(ctx context.Context, params map[string]string) Outcome {
	encoded := params["SAMLResponse"]
	if encoded == "" {
		return InvalidCredentials{Reason: "missing SAMLResponse parameter"}
	}

	retriever, err := p.serviceProvider()
	if err != nil {
		return UnspecifiedConfiguration{Reason: err.Error()}
	}

	info, err := retriever.RetrieveAssertionInfo(encoded)
	if err != nil {
		return InvalidCredentials{Reason: fmt.Sprintf("assertion rejected: %v", err)}
	}
	if info.WarningInfo != nil {
		if info.WarningInfo.InvalidTime {
			return InvalidCredentials{Reason: "assertion has invalid time"}
		}
		if info.WarningInfo.NotInAudience {
			return InvalidCredentials{Reason: "assertion not in expected audience"}
		}
	}

	subject, hint, enriched := mapIdentity(p.config.AttributeMapping, flattenAssertion(info), info.NameID)
	if subject == "" {
		return InvalidCredentials{Reason: "missing user ID in SAML assertion"}
	}
	for k, v := range params {
		if k != "SAMLResponse" {
			enriched[k] = v
		}
	}
	if info.SessionIndex != "" {
		enriched["saml_session_index"] = info.SessionIndex
	}
	return Success{Subject: subject, LinkHintID: hint, Params: enriched}
}

// Metadata returns the SP metadata document
func (p *SAMLProvider) Metadata() ([]byte, error) {
	if _, err := p.serviceProvider(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	sp := p.sp
	p.mu.Unlock()
	if sp == nil {
		return nil, fmt.Errorf("service provider is not initialized")
	}

	descriptor, err := sp.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to generate metadata: %w", err)
	}
	out, err := xml.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// ValidateConfig checks the static part of the configuration
func (p *SAMLProvider) ValidateConfig() error {
	cfg := p.config.SAMLConfig
	if cfg.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if cfg.SSOURL == "" {
		return fmt.Errorf("sso_url is required")
	}
	if _, err := parseCertificate(cfg.Certificate); err != nil {
		return err
	}
	if cfg.SignRequests && cfg.SPCertificate == "" {
		return fmt.Errorf("sp_certificate is required to sign requests")
	}
	return nil
}

func (p *SAMLProvider) serviceProvider() (assertionRetriever, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retriever != nil {
		return p.retriever, nil
	}

	cert, err := parseCertificate(p.config.SAMLConfig.Certificate)
	if err != nil {
		return nil, err
	}

	var keyStore dsig.X509KeyStore
	if p.config.SAMLConfig.SPCertificate != "" {
		spCert, err := parseCertificate(p.config.SAMLConfig.SPCertificate)
		if err != nil {
			return nil, fmt.Errorf("invalid SP certificate: %w", err)
		}
		pemKey, err := p.source.GetString(PrivateKeyKey(p.config.Name))
		if errors.Is(err, config.ErrNotConfigured) {
			return nil, fmt.Errorf("SP private key for %s is not configured", p.config.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read SP private key: %w", err)
		}
		key, err := parseRSAKey(pemKey)
		if err != nil {
			return nil, err
		}
		keyStore = dsig.TLSCertKeyStore(tls.Certificate{
			Certificate: [][]byte{spCert.Raw},
			PrivateKey:  key,
		})
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      p.config.SAMLConfig.SSOURL,
		IdentityProviderIssuer:      p.config.SAMLConfig.EntityID,
		ServiceProviderIssuer:       fmt.Sprintf("%s/auth/sso/%s/metadata", p.baseURL, p.config.Name),
		AssertionConsumerServiceURL: fmt.Sprintf("%s/auth/%s/callback", p.baseURL, p.config.Name),
		SignAuthnRequests:           p.config.SAMLConfig.SignRequests,
		AudienceURI:                 p.baseURL,
		IDPCertificateStore:         &dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{cert}},
		SPKeyStore:                  keyStore,
		NameIdFormat:                p.config.SAMLConfig.NameIDFormat,
	}
	p.sp = sp
	p.retriever = sp
	return sp, nil
}

func flattenAssertion(info *saml2.AssertionInfo) map[string]string {
	attrs := make(map[string]string, len(info.Values))
	for name, attr := range info.Values {
		if len(attr.Values) > 0 {
			attrs[name] = attr.Values[0].Value
		}
	}
	return attrs
}

func parseCertificate(pemCert string) (*x509.Certificate, error) {
	if pemCert == "" {
		return nil, fmt.Errorf("certificate is required")
	}
	block, _ := pem.Decode([]byte(pemCert))
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

func parseRSAKey(pemKey string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}
