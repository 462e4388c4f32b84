package credential

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedProvider struct {
	method Method
}

func (p namedProvider) Method() Method         { return p.method }
func (p namedProvider) CallbackTarget() string { return CallbackRedirect }
func (p namedProvider) RedeemToken(ctx context.Context, params map[string]string) Outcome {
	return Failure{Reason: "unused"}
}
func (p namedProvider) ParseCredentialParameters(ctx context.Context, params map[string]string) (*Parsed, error) {
	return nil, errors.New("unused")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(namedProvider{MethodVoucher}))
	require.NoError(t, r.Register(namedProvider{MethodPassword}))
	require.NoError(t, r.Register(namedProvider{Method{ID: 3, Name: "okta"}}))

	p, err := r.Lookup("password")
	require.NoError(t, err)
	assert.Equal(t, MethodPassword, p.Method())

	_, err = r.Lookup("kerberos")
	assert.ErrorIs(t, err, ErrUnknownMethod)

	err = r.Register(namedProvider{MethodPassword})
	assert.ErrorIs(t, err, ErrDuplicateMethod)

	assert.Error(t, r.Register(namedProvider{Method{ID: 9}}))

	assert.Equal(t, []Method{MethodPassword, MethodVoucher, {ID: 3, Name: "okta"}}, r.Methods())
}

func TestOutcomeName(t *testing.T) {
	tests := []struct {
		outcome  Outcome
		expected string
	}{
		{Success{}, "success"},
		{Unauthenticated{}, "unauthenticated"},
		{InvalidCredentials{}, "invalid_credentials"},
		{CouldNotConnect{}, "could_not_connect"},
		{UnspecifiedConfiguration{}, "unspecified_configuration"},
		{Failure{}, "failure"},
		{nil, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, OutcomeName(tt.outcome))
	}
}
