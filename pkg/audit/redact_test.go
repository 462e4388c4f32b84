package audit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactParams(t *testing.T) {
	params := map[string]string{
		"username":      "alice",
		"password":      "hunter2",
		"SAMLResponse":  "PHNhbWw+",
		"code":          "authcode",
		"voucher":       "eyJhbGciOi",
		"refresh_token": "abr_xyz",
		"redirect_uri":  "https://app.example.com/",
	}

	redacted := RedactParams(params)
	assert.Len(t, redacted, len(params))

	for i := 1; i < len(redacted); i++ {
		assert.Less(t, redacted[i-1].Key, redacted[i].Key, "params are ordered by key")
	}
	for _, p := range redacted {
		if IsSecret(p.Key) {
			assert.True(t, strings.HasPrefix(p.Value, "sha256:"), p.Key)
			assert.NotEqual(t, params[p.Key], p.Value)
		} else {
			assert.Equal(t, params[p.Key], p.Value)
		}
	}
}

func TestFingerprint(t *testing.T) {
	assert.Empty(t, Fingerprint(""))
	assert.Equal(t, Fingerprint("secret"), Fingerprint("secret"))
	assert.NotEqual(t, Fingerprint("secret"), Fingerprint("other"))
	assert.Len(t, Fingerprint("secret"), len("sha256:")+16)
}
