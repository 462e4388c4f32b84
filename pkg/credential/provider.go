package credential

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Method names a credential validation mechanism. Methods are immutable
// reference data looked up by name at request time.
type Method struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Well-known methods
var (
	MethodPassword = Method{ID: 1, Name: "password"}
	MethodVoucher  = Method{ID: 2, Name: "voucher"}
	MethodSAML     = Method{ID: 3, Name: "saml"}
	MethodToken    = Method{ID: 4, Name: "token"}
	MethodOAuth2   = Method{ID: 5, Name: "oauth2"}
	MethodOIDC     = Method{ID: 6, Name: "oidc"}
)

// Callback target types. The redirect resolver uses these to build
// provider-specific return URLs.
const (
	CallbackForm     = "form"
	CallbackRedirect = "redirect"
	CallbackSSO      = "sso"
	CallbackAPI      = "api"
)

// Parsed is the side-effect-free identity extracted from callback parameters
type Parsed struct {
	Subject    string
	LinkHintID string
	LegacyID   string
}

// Provider is implemented by every identity source
type Provider interface {
	// Method returns the method this provider serves
	Method() Method

	// CallbackTarget returns the logical endpoint type that handles this
	// provider's redirect callback
	CallbackTarget() string

	// RedeemToken redeems caller parameters into an Outcome. It never returns
	// a raw transport error; those become CouldNotConnect.
	RedeemToken(ctx context.Context, params map[string]string) Outcome

	// ParseCredentialParameters extracts the identity without redeeming or
	// contacting an upstream.
	ParseCredentialParameters(ctx context.Context, params map[string]string) (*Parsed, error)
}

// ErrDuplicateMethod is returned when a method name is registered twice
var ErrDuplicateMethod = errors.New("method already registered")

// ErrUnknownMethod is returned when no provider serves a method name
var ErrUnknownMethod = errors.New("unknown method")

// Registry maps method names to providers. It is populated at startup and
// read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its method name
func (r *Registry) Register(p Provider) error {
	name := p.Method().Name
	if name == "" {
		return fmt.Errorf("provider has no method name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("%s: %w", name, ErrDuplicateMethod)
	}
	r.providers[name] = p
	return nil
}

// Lookup returns the provider for a method name
func (r *Registry) Lookup(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownMethod)
	}
	return p, nil
}

// Methods lists registered methods ordered by id
func (r *Registry) Methods() []Method {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods := make([]Method, 0, len(r.providers))
	for _, p := range r.providers {
		methods = append(methods, p.Method())
	}
	sort.Slice(methods, func(i, j int) bool {
		if methods[i].ID == methods[j].ID {
			return methods[i].Name < methods[j].Name
		}
		return methods[i].ID < methods[j].ID
	})
	return methods
}

// copyParams returns a copy of params that providers may enrich
func copyParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
