package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/authbroker/pkg/observability"
)

// MessageValidationRequested is the first transition of every attempt
const MessageValidationRequested = "VALIDATION REQUESTED"

// Trail starts audit entries against a primary store. Terminal writes that
// the primary store rejects are written to the fallback store instead.
type Trail struct {
	store        Store
	fallback     Store
	log          *logrus.Logger
	metrics      *observability.Metrics
	now          func() time.Time
	writeTimeout time.Duration
}

// TrailOption configures a Trail
type TrailOption func(*Trail)

// WithFallback sets the store used when a terminal write fails
func WithFallback(store Store) TrailOption {
	return func(t *Trail) { t.fallback = store }
}

// WithLogger sets the logger
func WithLogger(log *logrus.Logger) TrailOption {
	return func(t *Trail) { t.log = log }
}

// WithMetrics records write failures
func WithMetrics(m *observability.Metrics) TrailOption {
	return func(t *Trail) { t.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) TrailOption {
	return func(t *Trail) { t.now = now }
}

// WithWriteTimeout bounds the background begin write
func WithWriteTimeout(d time.Duration) TrailOption {
	return func(t *Trail) { t.writeTimeout = d }
}

// NewTrail creates a Trail writing to store
func NewTrail(store Store, opts ...TrailOption) *Trail {
	t := &Trail{
		store:        store,
		now:          time.Now,
		writeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = logrus.New()
	}
	return t
}

// Store returns the primary store
func (t *Trail) Store() Store {
	return t.store
}

// Begin creates the record for an attempt. The write runs in the background;
// the returned Entry waits for it before applying any update.
func (t *Trail) Begin(ctx context.Context, requestID, method string, params map[string]string) *Entry {
	now := t.now().UTC()
	e := &Entry{
		trail: t,
		done:  make(chan struct{}),
		rec: &Record{
			RequestID:   requestID,
			Method:      method,
			Params:      RedactParams(params),
			Transitions: []Transition{{At: now, Message: MessageValidationRequested}},
			State:       "validating",
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.writeTimeout)
	go func() {
		defer close(e.done)
		defer cancel()
		defer observability.RecoverPanicWithCallback(t.entryLog(requestID), "audit begin", func(r interface{}) {
			e.beginErr = observability.PanicError(r)
		})

		if err := t.store.Create(writeCtx, e.rec); err != nil {
			e.beginErr = err
			t.writeFailed("begin", requestID, err)
		}
	}()
	return e
}

func (t *Trail) entryLog(requestID string) *logrus.Entry {
	return t.log.WithField("request_id", requestID)
}

func (t *Trail) writeFailed(op, requestID string, err error) {
	if t.metrics != nil {
		t.metrics.AuditWriteFailuresTotal.WithLabelValues(op).Inc()
	}
	t.entryLog(requestID).WithError(err).WithField("operation", op).Warn("Audit write failed")
}

// Entry is the handle for one attempt's record. Methods on a nil Entry are
// no-ops, so code paths without an audit trail need no checks.
type Entry struct {
	trail *Trail
	done  chan struct{}

	// set by the begin goroutine before done is closed
	beginErr error

	mu     sync.Mutex
	rec    *Record
	synced bool
	stored bool
}

// RequestID returns the request id the entry is keyed by
func (e *Entry) RequestID() string {
	if e == nil {
		return ""
	}
	return e.rec.RequestID
}

// Wait blocks until the begin write has completed
func (e *Entry) Wait(ctx context.Context) error {
	if e == nil {
		return nil
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record returns a copy of the current record state
func (e *Entry) Record() *Record {
	if e == nil {
		return nil
	}
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone()
}

// Note appends a non-terminal transition
func (e *Entry) Note(ctx context.Context, message string) error {
	return e.Update(ctx, func(r *Record) {
		r.Transitions = append(r.Transitions, Transition{At: e.trail.now().UTC(), Message: message})
	})
}

// Update applies fn to the record and saves it once the begin write has
// completed. Updates after Finish return ErrTerminal.
func (e *Entry) Update(ctx context.Context, fn func(*Record)) error {
	if e == nil {
		return nil
	}
	if err := e.Wait(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Terminal {
		return fmt.Errorf("%s: %w", e.rec.RequestID, ErrTerminal)
	}
	fn(e.rec)
	e.rec.UpdatedAt = e.trail.now().UTC()

	if err := e.persist(ctx); err != nil {
		e.trail.writeFailed("update", e.rec.RequestID, err)
		return err
	}
	return nil
}

// Finish appends the terminal transition, applies fn and writes the record.
// The write is not cancelled with ctx. If the primary store fails the record
// goes to the fallback store; an error is returned only if both fail.
func (e *Entry) Finish(ctx context.Context, message string, fn func(*Record)) error {
	if e == nil {
		return nil
	}
	<-e.done
	ctx = context.WithoutCancel(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Terminal {
		return fmt.Errorf("%s: %w", e.rec.RequestID, ErrTerminal)
	}
	now := e.trail.now().UTC()
	if fn != nil {
		fn(e.rec)
	}
	e.rec.Transitions = append(e.rec.Transitions, Transition{At: now, Message: message})
	e.rec.Terminal = true
	e.rec.UpdatedAt = now

	err := e.persist(ctx)
	if err == nil {
		return nil
	}
	e.trail.writeFailed("finish", e.rec.RequestID, err)

	if e.trail.fallback == nil {
		return err
	}
	if ferr := writeFallback(ctx, e.trail.fallback, e.rec.Clone()); ferr != nil {
		e.trail.writeFailed("fallback", e.rec.RequestID, ferr)
		return errors.Join(err, ferr)
	}
	if e.trail.metrics != nil {
		e.trail.metrics.AuditFallbackWrites.Inc()
	}
	e.trail.entryLog(e.rec.RequestID).Info("Terminal audit record written to fallback store")
	return nil
}

// persist writes the record to the primary store. Must hold e.mu.
func (e *Entry) persist(ctx context.Context) error {
	if !e.synced {
		e.synced = true
		e.stored = e.beginErr == nil
	}
	store := e.trail.store
	if e.stored {
		return store.Save(ctx, e.rec)
	}

	// The begin write failed; try creating the record again.
	version := e.rec.Version
	if err := store.Create(ctx, e.rec); err != nil {
		e.rec.Version = version
		return err
	}
	e.stored = true
	return nil
}

func writeFallback(ctx context.Context, store Store, rec *Record) error {
	err := store.Create(ctx, rec)
	if !errors.Is(err, ErrExists) {
		return err
	}
	existing, err := store.Get(ctx, rec.RequestID)
	if err != nil {
		return err
	}
	rec.Version = existing.Version
	return store.Save(ctx, rec)
}

type entryKey struct{}

// WithEntry carries entry in ctx
func WithEntry(ctx context.Context, e *Entry) context.Context {
	return context.WithValue(ctx, entryKey{}, e)
}

// EntryFromContext returns the entry carried in ctx, or nil. A nil Entry is
// safe to use.
func EntryFromContext(ctx context.Context) *Entry {
	e, _ := ctx.Value(entryKey{}).(*Entry)
	return e
}
