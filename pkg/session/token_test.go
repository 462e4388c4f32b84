package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenGenerator_GenerateToken(t *testing.T) {
	tg := NewTokenGenerator()

	token, hash, err := tg.GenerateToken(AccessTokenPrefix)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, AccessTokenPrefix))
	assert.Equal(t, HashToken(token), hash)
	assert.Len(t, hash, 64)

	other, _, err := tg.GenerateToken(AccessTokenPrefix)
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestValidateTokenFormat(t *testing.T) {
	token, _, err := NewTokenGenerator().GenerateToken(RefreshTokenPrefix)
	require.NoError(t, err)

	assert.NoError(t, ValidateTokenFormat(token, RefreshTokenPrefix))
	assert.Error(t, ValidateTokenFormat(token, AccessTokenPrefix))
	assert.Error(t, ValidateTokenFormat(RefreshTokenPrefix, RefreshTokenPrefix))
	assert.Error(t, ValidateTokenFormat(RefreshTokenPrefix+"!!!", RefreshTokenPrefix))
}

func TestFingerprint(t *testing.T) {
	assert.Empty(t, Fingerprint(""))

	fp := Fingerprint("abt_secret")
	assert.True(t, strings.HasPrefix(fp, "sha256:"))
	assert.Len(t, fp, len("sha256:")+16)
	assert.NotContains(t, fp, "secret")
	assert.Equal(t, fp, Fingerprint("abt_secret"))
}
