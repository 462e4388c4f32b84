package redirect

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
)

// PolicyResolver resolves destinations from a Policy. The policy can be
// swapped at runtime with Set.
type PolicyResolver struct {
	policy atomic.Pointer[Policy]
}

// NewPolicyResolver creates a resolver for policy
func NewPolicyResolver(policy *Policy) *PolicyResolver {
	r := &PolicyResolver{}
	r.Set(policy)
	return r
}

// Set replaces the active policy. A nil policy ignores every request.
func (r *PolicyResolver) Set(policy *Policy) {
	if policy == nil {
		policy = &Policy{}
	}
	r.policy.Store(policy)
}

// Resolve implements Resolver
func (r *PolicyResolver) Resolve(ctx context.Context, rc Context) Result {
	policy := r.policy.Load()

	var rule *Rule
	for i := range policy.Rules {
		if policy.Rules[i].matches(rc) {
			rule = &policy.Rules[i]
			break
		}
	}
	if rule == nil || rule.Ignore {
		return Ignored{}
	}

	requested := rc.RedirectURI
	if requested == "" {
		requested = rc.Params["redirect_uri"]
	}

	var target *url.URL
	if rule.AllowRedirectURI && requested != "" {
		u, err := url.Parse(requested)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return InvalidParameter{Name: "redirect_uri", Reason: "must be an absolute URL"}
		}
		if u.Scheme != "https" && u.Scheme != "http" {
			return InvalidParameter{Name: "redirect_uri", Reason: "unsupported scheme"}
		}
		if !policy.hostAllowed(u.Hostname()) {
			return InvalidParameter{Name: "redirect_uri", Reason: "host is not allowed"}
		}
		target = u
	} else {
		if rule.Target == "" {
			return Ignored{}
		}
		u, err := r.expand(policy, rule.Target, rc, requested)
		if err != nil {
			return Failure{Reason: err.Error()}
		}
		target = u
	}

	if len(rule.PassParams) > 0 {
		q := target.Query()
		for _, name := range rule.PassParams {
			if v, ok := rc.Params[name]; ok && v != "" {
				q.Set(name, v)
			}
		}
		target.RawQuery = q.Encode()
	}
	return Redirect{URI: target.String()}
}

// expand substitutes placeholders and resolves relative targets against the
// base URI
func (r *PolicyResolver) expand(policy *Policy, tmpl string, rc Context, requested string) (*url.URL, error) {
	callback := strings.TrimRight(rc.BaseURI, "/") + policy.callbackPath(rc.CallbackTarget, rc.Method)
	replacer := strings.NewReplacer(
		"{account_id}", url.QueryEscape(rc.AccountID),
		"{session_id}", url.QueryEscape(rc.SessionID),
		"{token}", url.QueryEscape(rc.Token),
		"{refresh_token}", url.QueryEscape(rc.RefreshToken),
		"{redirect_uri}", url.QueryEscape(requested),
		"{callback}", callback,
	)
	raw := replacer.Replace(tmpl)

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect target: %w", err)
	}
	if u.IsAbs() {
		return u, nil
	}
	if rc.BaseURI == "" {
		return nil, fmt.Errorf("relative redirect target without base URI")
	}
	base, err := url.Parse(rc.BaseURI)
	if err != nil {
		return nil, fmt.Errorf("invalid base URI: %w", err)
	}
	return base.ResolveReference(u), nil
}
