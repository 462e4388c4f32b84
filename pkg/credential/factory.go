package credential

import (
	"fmt"

	"github.com/platinummonkey/authbroker/pkg/config"
)

// Factory builds SSO providers from stored configuration
type Factory struct {
	baseURL string
	source  config.Source
}

// NewFactory creates a provider factory. baseURL is the broker's public
// URL, used for SAML ACS and entity ids.
func NewFactory(baseURL string, source config.Source) *Factory {
	return &Factory{baseURL: baseURL, source: source}
}

// CreateProvider creates a provider instance from configuration
func (f *Factory) CreateProvider(cfg *ProviderConfig) (Provider, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", cfg.Name)
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if cfg.Preset != "" {
		if err := ApplyPreset(cfg); err != nil {
			return nil, err
		}
	}

	switch cfg.ProviderType {
	case ProviderTypeSAML:
		p, err := NewSAMLProvider(cfg, f.baseURL, f.source)
		if err != nil {
			return nil, err
		}
		return p, p.ValidateConfig()

	case ProviderTypeOAuth2:
		p, err := NewOAuth2Provider(cfg, f.source)
		if err != nil {
			return nil, err
		}
		return p, p.ValidateConfig()

	case ProviderTypeOIDC:
		p, err := NewOIDCProvider(cfg, f.source)
		if err != nil {
			return nil, err
		}
		return p, p.ValidateConfig()

	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.ProviderType)
	}
}

// ApplyPreset fills unset fields from a well-known provider's defaults
func ApplyPreset(cfg *ProviderConfig) error {
	preset, err := presetConfig(cfg.Preset)
	if err != nil {
		return err
	}
	if cfg.ProviderType == "" {
		cfg.ProviderType = preset.ProviderType
	}
	if cfg.AttributeMapping == (AttributeMap{}) {
		cfg.AttributeMapping = preset.AttributeMapping
	}
	if cfg.OIDCConfig != nil {
		if cfg.OIDCConfig.IssuerURL == "" {
			cfg.OIDCConfig.IssuerURL = preset.OIDCConfig.IssuerURL
		}
		if len(cfg.OIDCConfig.Scopes) == 0 {
			cfg.OIDCConfig.Scopes = preset.OIDCConfig.Scopes
		}
	}
	return nil
}

func presetConfig(name PresetName) (*ProviderConfig, error) {
	switch name {
	case PresetAzureAD:
		return &ProviderConfig{
			ProviderType:     ProviderTypeOIDC,
			AttributeMapping: AttributeMap{Subject: "oid", Email: "email", FullName: "name"},
			OIDCConfig:       &OIDCConfig{Scopes: []string{"openid", "profile", "email"}},
		}, nil

	case PresetOkta:
		return &ProviderConfig{
			ProviderType:     ProviderTypeOIDC,
			AttributeMapping: AttributeMap{Subject: "sub", Email: "email", FullName: "name"},
			OIDCConfig:       &OIDCConfig{Scopes: []string{"openid", "profile", "email"}},
		}, nil

	case PresetGoogle:
		return &ProviderConfig{
			ProviderType:     ProviderTypeOIDC,
			AttributeMapping: AttributeMap{Subject: "sub", Email: "email", FullName: "name"},
			OIDCConfig: &OIDCConfig{
				IssuerURL: "https://accounts.google.com",
				Scopes:    []string{"openid", "profile", "email"},
			},
		}, nil

	default:
		return nil, fmt.Errorf("no preset configuration for provider: %s", name)
	}
}
