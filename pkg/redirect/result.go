package redirect

import "context"

// Actions passed in Context.Action
const (
	ActionSignin = "signin"
	ActionSignup = "signup"
	ActionLinked = "linked"
	ActionLogout = "logout"
)

// Context is everything the resolver may use to build a destination
type Context struct {
	Method         string
	CallbackTarget string
	Action         string
	AccountID      string
	SessionID      string
	Token          string
	RefreshToken   string
	Params         map[string]string
	// RedirectURI is the caller-requested destination, if any
	RedirectURI string
	// BaseURI is the broker's public base URL
	BaseURI string
}

// Result of Resolve: Redirect, Ignored, InvalidParameter or Failure
type Result interface {
	result()
}

// Redirect sends the caller to URI
type Redirect struct {
	URI string
}

// Ignored means no rule produced a destination
type Ignored struct{}

// InvalidParameter names a caller-supplied parameter that was rejected
type InvalidParameter struct {
	Name   string
	Reason string
}

// Failure is any other resolution error
type Failure struct {
	Reason string
}

func (Redirect) result()         {}
func (Ignored) result()          {}
func (InvalidParameter) result() {}
func (Failure) result()          {}

// Resolver computes the post-authentication destination
type Resolver interface {
	Resolve(ctx context.Context, rc Context) Result
}

// ResultName returns a short label for metrics and logs
func ResultName(r Result) string {
	switch r.(type) {
	case Redirect:
		return "redirect"
	case Ignored:
		return "ignored"
	case InvalidParameter:
		return "invalid_parameter"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}
