package credential

// Outcome is the result of redeeming callback parameters. It is exactly one of
// Success, Unauthenticated, InvalidCredentials, CouldNotConnect,
// UnspecifiedConfiguration or Failure.
type Outcome interface {
	outcome()
}

// Success means the provider vouched for Subject.
type Success struct {
	Subject string
	// LinkHintID is an already-known account id, e.g. when the flow started
	// from an existing session.
	LinkHintID string
	LegacyID   string
	// AccountID is set when Subject is itself a broker account the provider
	// has verified, e.g. from a broker-issued refresh token. Account lookup
	// and linking policy are skipped for it.
	AccountID string
	// Params are the caller parameters enriched by the provider
	Params map[string]string
}

// Unauthenticated means the provider explicitly reports that there is no
// session. It is not an error; the broker treats it as a logout.
type Unauthenticated struct {
	LinkHintID string
	Params     map[string]string
}

// InvalidCredentials is the caller's fault and not retryable as-is.
type InvalidCredentials struct {
	Reason string
}

// CouldNotConnect means the upstream identity provider was unreachable.
type CouldNotConnect struct {
	Reason string
}

// UnspecifiedConfiguration means the broker is missing keys or secrets for
// the provider. Reason is for operators and never shown to callers.
type UnspecifiedConfiguration struct {
	Reason string
}

// Failure is the catch-all for unexpected errors.
type Failure struct {
	Reason string
}

func (Success) outcome()                  {}
func (Unauthenticated) outcome()          {}
func (InvalidCredentials) outcome()       {}
func (CouldNotConnect) outcome()          {}
func (UnspecifiedConfiguration) outcome() {}
func (Failure) outcome()                  {}

// OutcomeName returns a stable label for metrics and logs
func OutcomeName(o Outcome) string {
	switch o.(type) {
	case Success:
		return "success"
	case Unauthenticated:
		return "unauthenticated"
	case InvalidCredentials:
		return "invalid_credentials"
	case CouldNotConnect:
		return "could_not_connect"
	case UnspecifiedConfiguration:
		return "unspecified_configuration"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}
