package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrProviderNotFound is returned when no stored provider matches
var ErrProviderNotFound = errors.New("provider not found")

// Storage persists SSO provider configuration in the sso_providers table
type Storage struct {
	db *sql.DB
}

// NewStorage creates a new provider storage
func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// EnsureSchema creates the sso_providers table if needed
func (s *Storage) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sso_providers (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			provider_type TEXT NOT NULL,
			preset TEXT,
			enabled BOOLEAN NOT NULL DEFAULT true,
			saml_config JSONB,
			oauth2_config JSONB,
			oidc_config JSONB,
			attribute_mapping JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sso_providers table: %w", err)
	}
	return nil
}

const providerColumns = `id, name, provider_type, preset, enabled,
	saml_config, oauth2_config, oidc_config, attribute_mapping,
	created_at, updated_at`

// CreateProvider stores a new provider configuration and sets its ID
func (s *Storage) CreateProvider(ctx context.Context, cfg *ProviderConfig) error {
	cols, err := marshalProviderColumns(cfg)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO sso_providers (
			name, provider_type, preset, enabled,
			saml_config, oauth2_config, oidc_config, attribute_mapping,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING id
	`, cfg.Name, cfg.ProviderType, cfg.Preset, cfg.Enabled,
		cols.saml, cols.oauth2, cols.oidc, cols.attributes, now).Scan(&cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to create provider %s: %w", cfg.Name, err)
	}
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	return nil
}

// GetProvider retrieves a provider by name
func (s *Storage) GetProvider(ctx context.Context, name string) (*ProviderConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM sso_providers WHERE name = $1`, name)
	cfg, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", name, ErrProviderNotFound)
	}
	return cfg, err
}

// ListProviders lists providers ordered by name
func (s *Storage) ListProviders(ctx context.Context, enabledOnly bool) ([]*ProviderConfig, error) {
	query := `SELECT ` + providerColumns + ` FROM sso_providers`
	if enabledOnly {
		query += " WHERE enabled = true"
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []*ProviderConfig
	for rows.Next() {
		cfg, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, cfg)
	}
	return providers, rows.Err()
}

// UpdateProvider updates an existing provider
func (s *Storage) UpdateProvider(ctx context.Context, cfg *ProviderConfig) error {
	cols, err := marshalProviderColumns(cfg)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sso_providers
		SET provider_type = $1, preset = $2, enabled = $3,
			saml_config = $4, oauth2_config = $5, oidc_config = $6,
			attribute_mapping = $7, updated_at = $8
		WHERE id = $9
	`, cfg.ProviderType, cfg.Preset, cfg.Enabled,
		cols.saml, cols.oauth2, cols.oidc, cols.attributes, time.Now().UTC(), cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to update provider %s: %w", cfg.Name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", cfg.Name, ErrProviderNotFound)
	}
	return nil
}

// DeleteProvider deletes a provider
func (s *Storage) DeleteProvider(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sso_providers WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete provider %s: %w", name, err)
	}
	return nil
}

// RegisterAll builds every enabled stored provider and adds it to registry.
// Providers that fail to build are reported together and skipped.
func (s *Storage) RegisterAll(ctx context.Context, factory *Factory, registry *Registry) error {
	configs, err := s.ListProviders(ctx, true)
	if err != nil {
		return err
	}
	var errs []error
	for _, cfg := range configs {
		p, err := factory.CreateProvider(cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", cfg.Name, err))
			continue
		}
		if err := registry.Register(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type providerColumnsJSON struct {
	saml, oauth2, oidc, attributes []byte
}

func marshalProviderColumns(cfg *ProviderConfig) (providerColumnsJSON, error) {
	var (
		cols providerColumnsJSON
		err  error
	)
	if cfg.SAMLConfig != nil {
		if cols.saml, err = json.Marshal(cfg.SAMLConfig); err != nil {
			return cols, fmt.Errorf("failed to marshal SAML config: %w", err)
		}
	}
	if cfg.OAuth2Config != nil {
		if cols.oauth2, err = json.Marshal(cfg.OAuth2Config); err != nil {
			return cols, fmt.Errorf("failed to marshal OAuth2 config: %w", err)
		}
	}
	if cfg.OIDCConfig != nil {
		if cols.oidc, err = json.Marshal(cfg.OIDCConfig); err != nil {
			return cols, fmt.Errorf("failed to marshal OIDC config: %w", err)
		}
	}
	if cols.attributes, err = json.Marshal(cfg.AttributeMapping); err != nil {
		return cols, fmt.Errorf("failed to marshal attribute mapping: %w", err)
	}
	return cols, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*ProviderConfig, error) {
	var (
		cols   providerColumnsJSON
		preset sql.NullString
	)
	cfg := &ProviderConfig{}
	err := row.Scan(
		&cfg.ID, &cfg.Name, &cfg.ProviderType, &preset, &cfg.Enabled,
		&cols.saml, &cols.oauth2, &cols.oidc, &cols.attributes,
		&cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cfg.Preset = PresetName(preset.String)

	if len(cols.saml) > 0 {
		cfg.SAMLConfig = &SAMLConfig{}
		if err := json.Unmarshal(cols.saml, cfg.SAMLConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal SAML config: %w", err)
		}
	}
	if len(cols.oauth2) > 0 {
		cfg.OAuth2Config = &OAuth2Config{}
		if err := json.Unmarshal(cols.oauth2, cfg.OAuth2Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal OAuth2 config: %w", err)
		}
	}
	if len(cols.oidc) > 0 {
		cfg.OIDCConfig = &OIDCConfig{}
		if err := json.Unmarshal(cols.oidc, cfg.OIDCConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal OIDC config: %w", err)
		}
	}
	if len(cols.attributes) > 0 {
		if err := json.Unmarshal(cols.attributes, &cfg.AttributeMapping); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attribute mapping: %w", err)
		}
	}
	return cfg, nil
}
