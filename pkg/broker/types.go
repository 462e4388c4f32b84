package broker

import "github.com/platinummonkey/authbroker/pkg/linker"

// State is the terminal state of an attempt
type State string

const (
	StateStart              State = "start"
	StateValidating         State = "validating"
	StateAuthenticated      State = "authenticated"
	StateUnauthenticated    State = "unauthenticated"
	StateInvalidToken       State = "invalid_token"
	StateUnmapped           State = "unmapped"
	StateServiceUnavailable State = "service_unavailable"
	StateConfigurationError State = "configuration_error"
	StateGeneralFailure     State = "general_failure"
	StateInvalidParameter   State = "invalid_parameter"
)

// Audit messages written by the pipeline
const (
	MessageAuthenticated      = "AUTHENTICATED"
	MessageLookupNotFound     = "CREDENTIAL LOOKUP NOT FOUND"
	MessageLogout             = "LOGOUT"
	MessageNotConnected       = "Token not connected to a user in this system"
	MessageServiceUnavailable = "Cannot create session because service is unavailable"
	MessageNotConfigured      = "Cannot create session because service is not configured"
	MessageLocationNull       = "Location was null"
	MessageMethodNotProvided  = "Method not provided"

	invalidTokenPrefix  = "Invalid token: "
	failurePrefix       = "Cannot create session: "
	internalErrorReason = "internal error"
)

// DefaultLandingPageKey is the config key consulted when no redirect rule
// applies
const DefaultLandingPageKey = "redirect.default_landing_page"

// CacheBusterParam is appended to redirect locations that carry no query
const CacheBusterParam = "nocache"

// Request is one inbound callback
type Request struct {
	// RequestID identifies the attempt; one is generated when empty
	RequestID string
	Method    string
	Params    map[string]string
	// RedirectURI is the caller-requested destination, if any
	RedirectURI string
}

// Response is the caller-visible result of an attempt
type Response struct {
	RequestID  string        `json:"request_id"`
	State      State         `json:"state"`
	StatusCode int           `json:"-"`
	Message    string        `json:"message"`
	Location   string        `json:"location,omitempty"`
	Action     linker.Action `json:"action,omitempty"`
	AccountID  string        `json:"account_id,omitempty"`
	SessionID  string        `json:"session_id,omitempty"`

	// Raw tokens are set only on authenticated attempts
	Token        string `json:"token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`

	// CallbackTarget is the provider's callback target type
	CallbackTarget string `json:"-"`
}
