package credential

import "time"

// ProviderType is the protocol an external SSO provider speaks
type ProviderType string

const (
	ProviderTypeSAML   ProviderType = "saml"
	ProviderTypeOAuth2 ProviderType = "oauth2"
	ProviderTypeOIDC   ProviderType = "oidc"
)

// PresetName identifies a well-known identity provider
type PresetName string

const (
	PresetAzureAD PresetName = "azuread"
	PresetOkta    PresetName = "okta"
	PresetGoogle  PresetName = "google"
)

// ProviderConfig describes one SSO provider instance. Name doubles as the
// method name callers use, e.g. /auth/okta/callback. Client secrets and SP
// private keys are never stored here; they are read from config.Source under
// "sso.<name>.client_secret" and "sso.<name>.private_key".
type ProviderConfig struct {
	ID               int64         `json:"id"`
	Name             string        `json:"name"`
	ProviderType     ProviderType  `json:"provider_type"`
	Preset           PresetName    `json:"preset,omitempty"`
	Enabled          bool          `json:"enabled"`
	SAMLConfig       *SAMLConfig   `json:"saml_config,omitempty"`
	OAuth2Config     *OAuth2Config `json:"oauth2_config,omitempty"`
	OIDCConfig       *OIDCConfig   `json:"oidc_config,omitempty"`
	AttributeMapping AttributeMap  `json:"attribute_mapping"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// SAMLConfig holds SAML 2.0 settings
type SAMLConfig struct {
	EntityID    string `json:"entity_id"`
	SSOURL      string `json:"sso_url"`
	Certificate string `json:"certificate"` // IdP signing certificate, PEM
	// SPCertificate is the broker's own certificate, PEM. Its key lives in
	// config.Source.
	SPCertificate string `json:"sp_certificate,omitempty"`
	SignRequests  bool   `json:"sign_requests"`
	NameIDFormat  string `json:"name_id_format,omitempty"`
}

// OAuth2Config holds OAuth2 settings
type OAuth2Config struct {
	ClientID    string   `json:"client_id"`
	AuthURL     string   `json:"auth_url"`
	TokenURL    string   `json:"token_url"`
	UserInfoURL string   `json:"user_info_url"`
	Scopes      []string `json:"scopes"`
	RedirectURL string   `json:"redirect_url"`
}

// OIDCConfig holds OpenID Connect settings
type OIDCConfig struct {
	ClientID        string   `json:"client_id"`
	IssuerURL       string   `json:"issuer_url"`
	RedirectURL     string   `json:"redirect_url"`
	Scopes          []string `json:"scopes"`
	SkipIssuerCheck bool     `json:"skip_issuer_check,omitempty"`
}

// AttributeMap names the upstream attributes or claims used for identity
type AttributeMap struct {
	Subject  string `json:"subject"`
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
	// LinkHint names an attribute carrying an already-known account id
	LinkHint string `json:"link_hint,omitempty"`
}

// ClientSecretKey returns the config.Source key holding name's client secret
func ClientSecretKey(name string) string {
	return "sso." + name + ".client_secret"
}

// PrivateKeyKey returns the config.Source key holding name's SP private key
func PrivateKeyKey(name string) string {
	return "sso." + name + ".private_key"
}

// methodFor derives the registry method for an SSO provider instance
func methodFor(cfg *ProviderConfig, base Method) Method {
	if cfg.Name == "" {
		return base
	}
	return Method{ID: base.ID, Name: cfg.Name}
}

// mapIdentity applies an attribute mapping to a flat attribute set
func mapIdentity(mapping AttributeMap, attrs map[string]string, fallbackSubject string) (subject, linkHint string, enriched map[string]string) {
	enriched = make(map[string]string)
	if mapping.Email != "" && attrs[mapping.Email] != "" {
		enriched["email"] = attrs[mapping.Email]
	}
	if mapping.FullName != "" && attrs[mapping.FullName] != "" {
		enriched["name"] = attrs[mapping.FullName]
	}
	if mapping.Subject != "" {
		subject = attrs[mapping.Subject]
	}
	if subject == "" {
		subject = fallbackSubject
	}
	if mapping.LinkHint != "" {
		linkHint = attrs[mapping.LinkHint]
	}
	return subject, linkHint, enriched
}
