package linker

import (
	"fmt"

	"github.com/platinummonkey/authbroker/pkg/config"
)

// ReasonNoPolicy is the decline reason when auto-linking is disabled
const ReasonNoPolicy = "no policy permits auto-linking"

// PolicyDefaults apply to methods without explicit keys
type PolicyDefaults struct {
	AutoCreate bool
	AllowHint  bool
}

// Policy decides whether unseen subjects may be mapped
type Policy struct {
	source   config.Source
	defaults PolicyDefaults
}

// NewPolicy creates a policy reading overrides from source, which may be nil
func NewPolicy(source config.Source, defaults PolicyDefaults) *Policy {
	return &Policy{source: source, defaults: defaults}
}

// AutoCreate reports whether a new account may be created for method
func (p *Policy) AutoCreate(method string) bool {
	if p == nil {
		return false
	}
	return config.GetBoolOr(p.source, fmt.Sprintf("linking.%s.auto_create", method), p.defaults.AutoCreate)
}

// AllowHint reports whether a provider-supplied account id may be linked for method
func (p *Policy) AllowHint(method string) bool {
	if p == nil {
		return false
	}
	return config.GetBoolOr(p.source, fmt.Sprintf("linking.%s.allow_hint", method), p.defaults.AllowHint)
}
