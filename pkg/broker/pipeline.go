package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/authbroker/pkg/audit"
	"github.com/platinummonkey/authbroker/pkg/config"
	"github.com/platinummonkey/authbroker/pkg/credential"
	"github.com/platinummonkey/authbroker/pkg/linker"
	"github.com/platinummonkey/authbroker/pkg/observability"
	"github.com/platinummonkey/authbroker/pkg/redirect"
	"github.com/platinummonkey/authbroker/pkg/session"
)

// maxResolutionPasses bounds account resolution: the first lookup plus one
// retry after a successful link.
const maxResolutionPasses = 2

// AccountLinker resolves and creates (method, subject) mappings
type AccountLinker interface {
	Lookup(ctx context.Context, method, subject string) (string, bool, error)
	CreateMapping(ctx context.Context, req linker.MappingRequest) (linker.Result, error)
}

// SessionIssuer issues token pairs for an account
type SessionIssuer interface {
	CreateOrUpdateSession(ctx context.Context, accountID, sessionID string) (*session.Issued, error)
}

// Deps are the collaborators of a Pipeline. Source may be nil.
type Deps struct {
	Providers *credential.Registry
	Trail     *audit.Trail
	Linker    AccountLinker
	Sessions  SessionIssuer
	Resolver  redirect.Resolver
	Source    config.Source
}

// Pipeline authenticates callbacks. It holds no per-attempt state and is
// safe for concurrent use.
type Pipeline struct {
	Deps
	baseURI string
	log     *logrus.Logger
	metrics *observability.Metrics
	newID   func() string
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithLogger sets the logger
func WithLogger(log *logrus.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithMetrics enables Prometheus metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithBaseURI sets the broker's public base URL used for relative redirects
func WithBaseURI(uri string) Option {
	return func(p *Pipeline) { p.baseURI = uri }
}

// WithIDGenerator replaces uuid generation for request ids and cache busters
func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) { p.newID = fn }
}

// New creates a Pipeline
func New(deps Deps, opts ...Option) (*Pipeline, error) {
	switch {
	case deps.Providers == nil:
		return nil, errors.New("broker: provider registry is required")
	case deps.Trail == nil:
		return nil, errors.New("broker: audit trail is required")
	case deps.Linker == nil:
		return nil, errors.New("broker: account linker is required")
	case deps.Sessions == nil:
		return nil, errors.New("broker: session store is required")
	case deps.Resolver == nil:
		return nil, errors.New("broker: redirect resolver is required")
	}

	p := &Pipeline{Deps: deps, newID: uuid.NewString}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logrus.New()
	}
	return p, nil
}

// Authenticate runs one attempt to completion. It never panics and never
// returns nil; the terminal audit record is written before it returns.
func (p *Pipeline) Authenticate(ctx context.Context, req Request) (resp *Response) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = p.newID()
	}
	ctx = observability.WithRequestID(ctx, req.RequestID)
	ctx, span := observability.Tracer().Start(ctx, "broker.Authenticate",
		trace.WithAttributes(
			attribute.String("auth.method", req.Method),
			attribute.String("auth.request_id", req.RequestID),
		))

	a := &attempt{
		p:   p,
		req: req,
		log: p.log.WithFields(logrus.Fields{
			"request_id": req.RequestID,
			"method":     req.Method,
		}),
		methodLabel: "unknown",
	}
	a.log = a.log.WithFields(observability.TraceFields(ctx))

	defer func() {
		span.SetAttributes(
			attribute.String("auth.state", string(resp.State)),
			attribute.Int("http.status_code", resp.StatusCode),
		)
		if resp.StatusCode >= http.StatusBadRequest {
			span.SetStatus(codes.Error, resp.Message)
		}
		span.End()

		if p.metrics != nil {
			p.metrics.AttemptsTotal.WithLabelValues(a.methodLabel, string(resp.State)).Inc()
			p.metrics.AttemptDuration.WithLabelValues(a.methodLabel).Observe(time.Since(start).Seconds())
		}
		a.log.WithFields(logrus.Fields{
			"state":       resp.State,
			"status":      resp.StatusCode,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("Authentication attempt completed")
	}()
	defer observability.RecoverPanicWithCallback(a.log, "authentication pipeline", func(r interface{}) {
		resp = a.failInternal(ctx, observability.PanicError(r))
	})

	return a.run(ctx)
}

// attempt is the state of one Authenticate call
type attempt struct {
	p           *Pipeline
	req         Request
	log         *logrus.Entry
	entry       *audit.Entry
	target      string
	methodLabel string
}

func (a *attempt) run(ctx context.Context) *Response {
	p := a.p
	provider, lookupErr := p.Providers.Lookup(a.req.Method)

	a.entry = p.Trail.Begin(ctx, a.req.RequestID, a.req.Method, a.req.Params)
	ctx = audit.WithEntry(ctx, a.entry)

	if lookupErr != nil {
		a.log.WithError(lookupErr).Warn("Callback for unknown method")
		return a.fail(ctx, StateInvalidParameter, http.StatusBadRequest, MessageMethodNotProvided)
	}
	a.methodLabel = provider.Method().Name
	a.target = provider.CallbackTarget()

	outcome, err := a.redeem(ctx, provider)
	if err != nil {
		return a.failInternal(ctx, fmt.Errorf("redeem token: %w", err))
	}

	switch o := outcome.(type) {
	case credential.Success:
		return a.authenticated(ctx, o)
	case credential.Unauthenticated:
		return a.logout(ctx, o)
	case credential.InvalidCredentials:
		return a.fail(ctx, StateInvalidToken, http.StatusBadRequest, invalidTokenPrefix+o.Reason)
	case credential.CouldNotConnect:
		a.log.WithField("reason", o.Reason).Warn("Identity provider unavailable")
		return a.fail(ctx, StateServiceUnavailable, http.StatusServiceUnavailable, MessageServiceUnavailable)
	case credential.UnspecifiedConfiguration:
		a.log.WithField("reason", o.Reason).Error("Identity provider is not configured")
		return a.fail(ctx, StateConfigurationError, http.StatusServiceUnavailable, MessageNotConfigured)
	case credential.Failure:
		return a.fail(ctx, StateGeneralFailure, http.StatusConflict, failurePrefix+o.Reason)
	default:
		return a.failInternal(ctx, fmt.Errorf("provider returned unrecognized outcome %T", o))
	}
}

// redeem calls the provider exactly once. A panic is returned as an error and
// never reaches the caller as an outcome reason.
func (a *attempt) redeem(ctx context.Context, provider credential.Provider) (outcome credential.Outcome, err error) {
	ctx, span := observability.Tracer().Start(ctx, "provider.RedeemToken")
	start := time.Now()
	defer func() {
		if outcome == nil && err == nil {
			outcome = credential.Failure{Reason: "provider returned no outcome"}
		}
		name := "panic"
		if err == nil {
			name = credential.OutcomeName(outcome)
		}
		span.SetAttributes(attribute.String("auth.outcome", name))
		span.End()
		if a.p.metrics != nil {
			a.p.metrics.ProviderRedeemDuration.WithLabelValues(a.methodLabel, name).Observe(time.Since(start).Seconds())
		}
	}()
	defer observability.RecoverPanicWithCallback(a.log, "credential provider", func(r interface{}) {
		outcome, err = nil, observability.PanicError(r)
	})

	params := make(map[string]string, len(a.req.Params))
	for k, v := range a.req.Params {
		params[k] = v
	}
	return provider.RedeemToken(ctx, params), nil
}

func (a *attempt) authenticated(ctx context.Context, o credential.Success) *Response {
	accountID, action, failed := a.resolveAccount(ctx, o)
	if failed != nil {
		return failed
	}

	sessionID := o.Params["session_id"]
	if sessionID == "" {
		sessionID = a.req.Params["session_id"]
	}
	var issued *session.Issued
	err := a.guard(ctx, "broker.CreateOrUpdateSession", func(ctx context.Context) error {
		var err error
		issued, err = a.p.Sessions.CreateOrUpdateSession(ctx, accountID, sessionID)
		return err
	})
	if err != nil {
		return a.failInternal(ctx, fmt.Errorf("create session: %w", err))
	}

	resp := &Response{
		State:        StateAuthenticated,
		Action:       action,
		AccountID:    accountID,
		SessionID:    issued.ID,
		Token:        issued.Token,
		RefreshToken: issued.RefreshToken,
	}
	rc := a.redirectContext(o.Params)
	rc.Action = string(action)
	rc.AccountID = accountID
	rc.SessionID = issued.ID
	rc.Token = issued.Token
	rc.RefreshToken = issued.RefreshToken

	return a.complete(ctx, resp, MessageAuthenticated, rc, func(r *audit.Record) {
		r.Action = string(action)
		r.AccountID = accountID
		r.SessionID = issued.ID
		r.TokenFingerprint = audit.Fingerprint(issued.Token)
	})
}

// resolveAccount looks up the subject's account, creating the mapping and
// looking up once more when it is missing. A provider-verified AccountID is
// used as is. A non-nil Response ends the attempt.
func (a *attempt) resolveAccount(ctx context.Context, o credential.Success) (string, linker.Action, *Response) {
	action := linker.ActionSignin
	if o.AccountID != "" {
		return o.AccountID, action, nil
	}
	for pass := 1; pass <= maxResolutionPasses; pass++ {
		var (
			accountID string
			found     bool
		)
		err := a.guard(ctx, "broker.LookupAccount", func(ctx context.Context) error {
			var err error
			accountID, found, err = a.p.Linker.Lookup(ctx, a.methodLabel, o.Subject)
			return err
		})
		if err != nil {
			return "", "", a.failInternal(ctx, fmt.Errorf("lookup account: %w", err))
		}
		if found {
			return accountID, action, nil
		}
		if pass == maxResolutionPasses {
			break
		}

		a.transition(ctx, StateUnmapped, MessageLookupNotFound)
		var result linker.Result
		err = a.guard(ctx, "broker.CreateMapping", func(ctx context.Context) error {
			var err error
			result, err = a.p.Linker.CreateMapping(ctx, linker.MappingRequest{
				Method:     a.methodLabel,
				Subject:    o.Subject,
				LinkHintID: o.LinkHintID,
				Params:     o.Params,
			})
			return err
		})
		if err != nil {
			return "", "", a.failInternal(ctx, fmt.Errorf("create mapping: %w", err))
		}

		switch r := result.(type) {
		case linker.Linked:
			action = r.Action
		case linker.Declined:
			a.log.WithField("reason", r.Reason).Info("Account mapping declined")
			return "", "", a.fail(ctx, StateUnmapped, http.StatusConflict, MessageNotConnected)
		default:
			return "", "", a.failInternal(ctx, fmt.Errorf("linker returned unrecognized result %T", r))
		}
	}
	return "", "", a.failInternal(ctx, errors.New("account mapping not visible after linking"))
}

func (a *attempt) logout(ctx context.Context, o credential.Unauthenticated) *Response {
	resp := &Response{
		State:     StateUnauthenticated,
		Action:    linker.Action(redirect.ActionLogout),
		AccountID: o.LinkHintID,
	}
	rc := a.redirectContext(o.Params)
	rc.Action = redirect.ActionLogout
	rc.AccountID = o.LinkHintID

	return a.complete(ctx, resp, MessageLogout, rc, func(r *audit.Record) {
		r.Action = redirect.ActionLogout
		r.AccountID = o.LinkHintID
	})
}

func (a *attempt) redirectContext(params map[string]string) redirect.Context {
	if params == nil {
		params = a.req.Params
	}
	return redirect.Context{
		Method:         a.methodLabel,
		CallbackTarget: a.target,
		Params:         params,
		RedirectURI:    a.req.RedirectURI,
		BaseURI:        a.p.baseURI,
	}
}

// complete finishes a successful or logout attempt. API callbacks get a 200
// without a redirect; everything else is redirected.
func (a *attempt) complete(ctx context.Context, resp *Response, message string, rc redirect.Context, record func(*audit.Record)) *Response {
	resp.RequestID = a.req.RequestID
	resp.CallbackTarget = a.target
	resp.Message = message

	if a.target == credential.CallbackAPI {
		resp.StatusCode = http.StatusOK
		a.finish(ctx, resp.State, resp.StatusCode, message, record)
		return resp
	}

	location, state, failMessage := a.resolveRedirect(ctx, rc)
	if failMessage != "" {
		err := a.entry.Update(ctx, func(r *audit.Record) {
			record(r)
			r.State = string(resp.State)
			r.Transitions = append(r.Transitions, audit.Transition{At: time.Now().UTC(), Message: message})
		})
		if err != nil {
			a.log.WithError(err).Warn("Failed to record attempt before redirect failure")
		}
		failed := a.fail(ctx, state, http.StatusBadRequest, failMessage)
		failed.Action = resp.Action
		failed.AccountID = resp.AccountID
		failed.SessionID = resp.SessionID
		return failed
	}

	resp.StatusCode = http.StatusFound
	resp.Location = location
	a.finish(ctx, resp.State, resp.StatusCode, message, func(r *audit.Record) {
		record(r)
		r.RedirectURI = withoutQuery(location)
	})
	return resp
}

// resolveRedirect returns the destination, or a state and message
// describing why there is none.
func (a *attempt) resolveRedirect(ctx context.Context, rc redirect.Context) (string, State, string) {
	var result redirect.Result
	_ = a.guard(ctx, "broker.ResolveRedirect", func(ctx context.Context) error {
		result = a.p.Resolver.Resolve(ctx, rc)
		return nil
	})
	if result == nil {
		result = redirect.Failure{Reason: "resolver returned no result"}
	}
	if a.p.metrics != nil {
		a.p.metrics.RedirectResultsTotal.WithLabelValues(redirect.ResultName(result)).Inc()
	}

	var location string
	switch r := result.(type) {
	case redirect.Redirect:
		location = r.URI
	case redirect.Ignored:
		landing, err := config.GetStringOr(a.p.Source, DefaultLandingPageKey, "")
		if err != nil {
			a.log.WithError(err).Warn("Failed to read default landing page")
		}
		if landing == "" {
			return "", StateGeneralFailure, MessageLocationNull
		}
		location = landing
	case redirect.InvalidParameter:
		return "", StateInvalidParameter, fmt.Sprintf("Invalid parameter %s: %s", r.Name, r.Reason)
	case redirect.Failure:
		return "", StateGeneralFailure, "Cannot redirect: " + r.Reason
	}
	if location == "" {
		return "", StateGeneralFailure, MessageLocationNull
	}

	busted, err := a.withCacheBuster(location)
	if err != nil {
		a.log.WithError(err).Warn("Redirect location is not a valid URL")
		return "", StateGeneralFailure, "Cannot redirect: invalid location"
	}
	return busted, "", ""
}

// withCacheBuster appends a single-use nocache parameter when location has
// no query
func (a *attempt) withCacheBuster(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	if u.RawQuery == "" {
		u.RawQuery = url.Values{CacheBusterParam: {a.p.newID()}}.Encode()
	}
	return u.String(), nil
}

// guard runs a collaborator call in its own span, turning a panic into an
// error
func (a *attempt) guard(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	ctx, span := observability.Tracer().Start(ctx, name)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	defer observability.RecoverPanicWithCallback(a.log, name, func(r interface{}) {
		err = observability.PanicError(r)
	})
	return fn(ctx)
}

// transition records a non-terminal state change
func (a *attempt) transition(ctx context.Context, state State, message string) {
	err := a.entry.Update(ctx, func(r *audit.Record) {
		r.State = string(state)
		r.Transitions = append(r.Transitions, audit.Transition{At: time.Now().UTC(), Message: message})
	})
	if err != nil {
		a.log.WithError(err).WithField("message", message).Warn("Failed to record audit transition")
	}
}

// fail ends the attempt with message as both audit and caller message
func (a *attempt) fail(ctx context.Context, state State, status int, message string) *Response {
	a.finish(ctx, state, status, message, nil)
	return &Response{
		RequestID:      a.req.RequestID,
		State:          state,
		StatusCode:     status,
		Message:        message,
		CallbackTarget: a.target,
	}
}

// failInternal ends the attempt as a general failure. The audit record keeps
// err; the caller only sees a generic reason.
func (a *attempt) failInternal(ctx context.Context, err error) *Response {
	a.log.WithError(err).Error("Authentication pipeline failed")
	a.finish(ctx, StateGeneralFailure, http.StatusConflict, failurePrefix+err.Error(), nil)
	return &Response{
		RequestID:      a.req.RequestID,
		State:          StateGeneralFailure,
		StatusCode:     http.StatusConflict,
		Message:        failurePrefix + internalErrorReason,
		CallbackTarget: a.target,
	}
}

func (a *attempt) finish(ctx context.Context, state State, status int, message string, fn func(*audit.Record)) {
	err := a.entry.Finish(ctx, message, func(r *audit.Record) {
		if fn != nil {
			fn(r)
		}
		r.State = string(state)
		r.StatusCode = status
	})
	if errors.Is(err, audit.ErrTerminal) {
		return
	}
	if err != nil {
		a.log.WithError(err).WithField("message", message).Error("Failed to write terminal audit record")
	}
}

func withoutQuery(location string) string {
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
