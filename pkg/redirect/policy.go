package redirect

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule maps a method and action to a destination
type Rule struct {
	// Method and Action match exactly; empty or "*" matches anything
	Method         string `yaml:"method"`
	Action         string `yaml:"action"`
	CallbackTarget string `yaml:"callback_target"`

	// Target is an absolute URL or a path relative to the base URI, with
	// {account_id}, {session_id}, {token}, {refresh_token}, {callback} and
	// {redirect_uri} placeholders
	Target string `yaml:"target"`

	// Ignore makes a match resolve to Ignored
	Ignore bool `yaml:"ignore"`

	// AllowRedirectURI lets a caller-supplied redirect_uri replace Target
	AllowRedirectURI bool `yaml:"allow_redirect_uri"`

	// PassParams are request parameters copied onto the destination query
	PassParams []string `yaml:"pass_params"`
}

func (r Rule) matches(rc Context) bool {
	return matchField(r.Method, rc.Method) &&
		matchField(r.Action, rc.Action) &&
		matchField(r.CallbackTarget, rc.CallbackTarget)
}

func matchField(pattern, value string) bool {
	return pattern == "" || pattern == "*" || pattern == value
}

// Policy is the ordered rule table
type Policy struct {
	AllowedHosts []string `yaml:"allowed_hosts"`
	// Callbacks maps a callback target type to a path template; the default
	// is /auth/{method}/callback
	Callbacks map[string]string `yaml:"callbacks"`
	Rules     []Rule            `yaml:"rules"`
}

// ParsePolicy decodes a YAML policy and validates it
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse redirect policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPolicyFile reads a YAML policy from path
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read redirect policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// Validate checks every rule can produce a destination
func (p *Policy) Validate() error {
	for i, r := range p.Rules {
		if !r.Ignore && r.Target == "" && !r.AllowRedirectURI {
			return fmt.Errorf("redirect rule %d: target is required", i)
		}
	}
	return nil
}

func (p *Policy) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range p.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed {
			return true
		}
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(host, allowed[1:]) {
			return true
		}
	}
	return false
}

func (p *Policy) callbackPath(target, method string) string {
	path, ok := p.Callbacks[target]
	if !ok || path == "" {
		path = "/auth/{method}/callback"
	}
	return strings.ReplaceAll(path, "{method}", method)
}
