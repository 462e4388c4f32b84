package linker

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/authbroker/pkg/audit"
	"github.com/platinummonkey/authbroker/pkg/observability"
	"github.com/platinummonkey/authbroker/pkg/session"
)

// MessageLookupCreated is appended to the audit entry after a mapping is made
const MessageLookupCreated = "LOOKUP CREATED"

// AccountStore is the subset of session.Store the linker needs
type AccountStore interface {
	LookupAccount(ctx context.Context, method, subject string) (string, bool, error)
	CreateOrUpdateAccount(ctx context.Context, method, subject, hintAccountID string) (string, bool, error)
}

// MappingRequest describes a subject to map
type MappingRequest struct {
	Method     string
	Subject    string
	LinkHintID string
	Params     map[string]string
}

// Linker resolves and creates account mappings
type Linker struct {
	store   AccountStore
	policy  *Policy
	cache   *lru.LRU[string, string]
	log     *logrus.Logger
	metrics *observability.Metrics
}

// Option configures a Linker
type Option func(*Linker)

// WithCache enables the lookup cache. Only found mappings are cached; they
// are never deleted by the broker, so entries cannot go stale before ttl.
func WithCache(size int, ttl time.Duration) Option {
	return func(l *Linker) {
		if size > 0 {
			l.cache = lru.NewLRU[string, string](size, nil, ttl)
		}
	}
}

// WithLogger sets the logger
func WithLogger(log *logrus.Logger) Option {
	return func(l *Linker) { l.log = log }
}

// WithMetrics records cache and linking results
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Linker) { l.metrics = m }
}

// New creates a Linker
func New(store AccountStore, policy *Policy, opts ...Option) *Linker {
	l := &Linker{store: store, policy: policy}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logrus.New()
	}
	return l
}

func cacheKey(method, subject string) string {
	return method + "\x00" + subject
}

// Lookup returns the account mapped to (method, subject)
func (l *Linker) Lookup(ctx context.Context, method, subject string) (string, bool, error) {
	key := cacheKey(method, subject)
	if l.cache != nil {
		if id, ok := l.cache.Get(key); ok {
			l.cacheResult(true)
			return id, true, nil
		}
		l.cacheResult(false)
	}

	id, found, err := l.store.LookupAccount(ctx, method, subject)
	if err != nil {
		return "", false, fmt.Errorf("lookup %s subject: %w", method, err)
	}
	if found && l.cache != nil {
		l.cache.Add(key, id)
	}
	return id, found, nil
}

// CreateMapping maps an unseen subject to an account, honouring the link
// hint when policy allows it. If a concurrent request created the mapping
// first, its account is returned with ActionSignin. A returned error means
// the store failed; a Declined result means policy refused.
func (l *Linker) CreateMapping(ctx context.Context, req MappingRequest) (Result, error) {
	hint := req.LinkHintID
	if hint != "" && !l.policy.AllowHint(req.Method) {
		hint = ""
	}
	if hint == "" && !l.policy.AutoCreate(req.Method) {
		l.linkResult(req.Method, "declined")
		return Declined{Reason: ReasonNoPolicy}, nil
	}

	id, created, err := l.store.CreateOrUpdateAccount(ctx, req.Method, req.Subject, hint)
	if errors.Is(err, session.ErrNotFound) {
		l.linkResult(req.Method, "declined")
		return Declined{Reason: "linked account does not exist"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create %s mapping: %w", req.Method, err)
	}

	action := ActionSignin
	switch {
	case created && hint != "":
		action = ActionLinked
	case created:
		action = ActionSignup
	}

	if l.cache != nil {
		l.cache.Add(cacheKey(req.Method, req.Subject), id)
	}
	l.linkResult(req.Method, string(action))

	log := l.log.WithFields(logrus.Fields{
		"request_id": observability.GetRequestID(ctx),
		"method":     req.Method,
		"account_id": id,
		"action":     action,
	})
	if err := audit.EntryFromContext(ctx).Note(ctx, MessageLookupCreated); err != nil {
		log.WithError(err).Warn("Failed to record mapping on audit trail")
	}
	log.Info("Account mapping created")

	return Linked{AccountID: id, Action: action}, nil
}

func (l *Linker) cacheResult(hit bool) {
	if l.metrics == nil {
		return
	}
	if hit {
		l.metrics.CacheHitsTotal.WithLabelValues("account_lookup").Inc()
	} else {
		l.metrics.CacheMissesTotal.WithLabelValues("account_lookup").Inc()
	}
}

func (l *Linker) linkResult(method, result string) {
	if l.metrics != nil {
		l.metrics.LinkerResultsTotal.WithLabelValues(method, result).Inc()
	}
}
