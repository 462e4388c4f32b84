package credential

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/authbroker/pkg/config"
)

var providerRowColumns = []string{
	"id", "name", "provider_type", "preset", "enabled",
	"saml_config", "oauth2_config", "oidc_config", "attribute_mapping",
	"created_at", "updated_at",
}

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStorage(db), mock
}

func TestStorage_CreateProvider(t *testing.T) {
	storage, mock := newMockStorage(t)

	cfg := &ProviderConfig{
		Name:             "corp",
		ProviderType:     ProviderTypeOIDC,
		Enabled:          true,
		OIDCConfig:       &OIDCConfig{ClientID: "c", IssuerURL: "https://idp", Scopes: []string{"openid"}},
		AttributeMapping: AttributeMap{Subject: "sub"},
	}

	mock.ExpectQuery("INSERT INTO sso_providers").
		WithArgs("corp", ProviderTypeOIDC, PresetName(""), true,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), []byte(`{"subject":"sub","email":""}`), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	require.NoError(t, storage.CreateProvider(context.Background(), cfg))
	assert.Equal(t, int64(7), cfg.ID)
	assert.False(t, cfg.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_GetProvider(t *testing.T) {
	storage, mock := newMockStorage(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT .* FROM sso_providers WHERE name = \\$1").
		WithArgs("corp").
		WillReturnRows(sqlmock.NewRows(providerRowColumns).AddRow(
			int64(7), "corp", "oidc", "okta", true,
			nil, nil, []byte(`{"client_id":"c","issuer_url":"https://idp","redirect_url":"https://cb","scopes":["openid"]}`),
			[]byte(`{"subject":"sub","email":"email"}`),
			now, now,
		))

	cfg, err := storage.GetProvider(context.Background(), "corp")
	require.NoError(t, err)
	assert.Equal(t, PresetOkta, cfg.Preset)
	assert.Nil(t, cfg.SAMLConfig)
	require.NotNil(t, cfg.OIDCConfig)
	assert.Equal(t, "https://idp", cfg.OIDCConfig.IssuerURL)
	assert.Equal(t, AttributeMap{Subject: "sub", Email: "email"}, cfg.AttributeMapping)

	mock.ExpectQuery("SELECT .* FROM sso_providers WHERE name = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err = storage.GetProvider(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrProviderNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_UpdateAndDelete(t *testing.T) {
	storage, mock := newMockStorage(t)
	cfg := &ProviderConfig{ID: 7, Name: "corp", ProviderType: ProviderTypeOIDC}

	mock.ExpectExec("UPDATE sso_providers").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, storage.UpdateProvider(context.Background(), cfg))

	mock.ExpectExec("UPDATE sso_providers").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, storage.UpdateProvider(context.Background(), cfg), ErrProviderNotFound)

	mock.ExpectExec("DELETE FROM sso_providers WHERE name = \\$1").
		WithArgs("corp").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, storage.DeleteProvider(context.Background(), "corp"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_RegisterAll(t *testing.T) {
	storage, mock := newMockStorage(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .* FROM sso_providers WHERE enabled = true ORDER BY name").
		WillReturnRows(sqlmock.NewRows(providerRowColumns).
			AddRow(int64(1), "broken", "oidc", nil, true,
				nil, nil, []byte(`{"client_id":"c","issuer_url":"https://idp","redirect_url":"https://cb"}`),
				[]byte(`{}`), now, now).
			AddRow(int64(2), "github", "oauth2", nil, true,
				nil, []byte(`{"client_id":"c","auth_url":"https://a","token_url":"https://t","user_info_url":"https://u","redirect_url":"https://r"}`), nil,
				[]byte(`{"subject":"id"}`), now, now))

	registry := NewRegistry()
	err := storage.RegisterAll(context.Background(), NewFactory("https://auth.example.com", config.NewMapSource(nil)), registry)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider broken")

	_, lookupErr := registry.Lookup("github")
	assert.NoError(t, lookupErr)
	_, lookupErr = registry.Lookup("broken")
	assert.ErrorIs(t, lookupErr, ErrUnknownMethod)
	assert.NoError(t, mock.ExpectationsWereMet())
}
