package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// secretParams never reach storage in plaintext
var secretParams = map[string]bool{
	"password":      true,
	"SAMLResponse":  true,
	"code":          true,
	"voucher":       true,
	"refresh_token": true,
	"client_secret": true,
	"id_token":      true,
	"access_token":  true,
}

// IsSecret reports whether a parameter is stored as a fingerprint
func IsSecret(key string) bool {
	return secretParams[key]
}

// Fingerprint returns a short non-reversible reference to a secret value
func Fingerprint(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return "sha256:" + hex.EncodeToString(sum[:])[:16]
}

// RedactParams converts request parameters into the ordered list stored on
// a record, replacing secret values with fingerprints
func RedactParams(params map[string]string) []Param {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Param, 0, len(keys))
	for _, k := range keys {
		v := params[k]
		if IsSecret(k) {
			v = Fingerprint(v)
		}
		out = append(out, Param{Key: k, Value: v})
	}
	return out
}
