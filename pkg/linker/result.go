package linker

// Action describes how an attempt ended up with its account
type Action string

const (
	// ActionSignin means the mapping already existed
	ActionSignin Action = "signin"
	// ActionSignup means a new account was created
	ActionSignup Action = "signup"
	// ActionLinked means the subject was attached to an existing account
	ActionLinked Action = "linked"
)

// Result of CreateMapping: Linked or Declined
type Result interface {
	result()
}

// Linked carries the account the subject now maps to
type Linked struct {
	AccountID string
	Action    Action
}

// Declined means policy refused to create the mapping
type Declined struct {
	Reason string
}

func (Linked) result()   {}
func (Declined) result() {}
