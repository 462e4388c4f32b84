package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/authbroker/pkg/observability"
)

// gatedStore blocks Create until release is closed and can fail writes on demand
type gatedStore struct {
	*MemoryStore
	release   chan struct{}
	mu        sync.Mutex
	createErr error
	saveErr   error
	saves     int
}

func newGatedStore() *gatedStore {
	return &gatedStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
}

func (s *gatedStore) Create(ctx context.Context, rec *Record) error {
	<-s.release
	s.mu.Lock()
	err := s.createErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.Create(ctx, rec)
}

func (s *gatedStore) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	s.saves++
	err := s.saveErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.Save(ctx, rec)
}

func TestTrail_BeginRedactsAndRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	trail := NewTrail(store)

	entry := trail.Begin(ctx, "req-1", "password", map[string]string{
		"username": "alice",
		"password": "hunter2",
	})
	require.NoError(t, entry.Wait(ctx))

	rec, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "password", rec.Method)
	assert.Equal(t, []string{MessageValidationRequested}, rec.Messages())
	assert.Equal(t, []Param{
		{Key: "password", Value: Fingerprint("hunter2")},
		{Key: "username", Value: "alice"},
	}, rec.Params)
	assert.False(t, rec.Terminal)
}

func TestTrail_UpdateAwaitsBegin(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore()
	trail := NewTrail(store)

	entry := trail.Begin(ctx, "req-2", "voucher", nil)

	noted := make(chan error, 1)
	go func() { noted <- entry.Note(ctx, "CREDENTIAL LOOKUP NOT FOUND") }()

	select {
	case <-noted:
		t.Fatal("update completed before the begin write")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	require.NoError(t, <-noted)

	rec, err := store.Get(ctx, "req-2")
	require.NoError(t, err)
	assert.Equal(t, []string{MessageValidationRequested, "CREDENTIAL LOOKUP NOT FOUND"}, rec.Messages())
	assert.Equal(t, int64(2), rec.Version)
}

func TestTrail_UpdateRespectsContext(t *testing.T) {
	store := newGatedStore()
	trail := NewTrail(store)
	entry := trail.Begin(context.Background(), "req-3", "saml", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, entry.Note(ctx, "never"), context.DeadlineExceeded)
	close(store.release)
}

func TestTrail_FinishIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	trail := NewTrail(store)

	entry := trail.Begin(ctx, "req-4", "password", nil)
	require.NoError(t, entry.Finish(ctx, "AUTHENTICATED", func(r *Record) {
		r.State = "authenticated"
		r.AccountID = "acct-1"
	}))

	rec, err := store.Get(ctx, "req-4")
	require.NoError(t, err)
	assert.True(t, rec.Terminal)
	assert.Equal(t, "AUTHENTICATED", rec.Message())
	assert.Equal(t, "acct-1", rec.AccountID)

	assert.ErrorIs(t, entry.Note(ctx, "late"), ErrTerminal)
	assert.ErrorIs(t, entry.Finish(ctx, "again", nil), ErrTerminal)

	rec, err = store.Get(ctx, "req-4")
	require.NoError(t, err)
	assert.Equal(t, "AUTHENTICATED", rec.Message())
}

func TestTrail_FinishCompletesAfterCancel(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store)

	ctx, cancel := context.WithCancel(context.Background())
	entry := trail.Begin(ctx, "req-5", "oidc", nil)
	cancel()

	require.NoError(t, entry.Finish(ctx, "LOGOUT", nil))
	rec, err := store.Get(context.Background(), "req-5")
	require.NoError(t, err)
	assert.Equal(t, "LOGOUT", rec.Message())
}

func TestTrail_BeginFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore()
	store.createErr = errors.New("connection refused")
	close(store.release)
	trail := NewTrail(store)

	entry := trail.Begin(ctx, "req-6", "password", nil)
	require.NoError(t, entry.Wait(ctx))
	_, err := store.Get(ctx, "req-6")
	assert.ErrorIs(t, err, ErrNotFound)

	store.mu.Lock()
	store.createErr = nil
	store.mu.Unlock()

	require.NoError(t, entry.Finish(ctx, "Invalid token: Token has expired", nil))
	rec, err := store.Get(ctx, "req-6")
	require.NoError(t, err)
	assert.Equal(t, []string{MessageValidationRequested, "Invalid token: Token has expired"}, rec.Messages())
}

func TestTrail_FinishFallsBack(t *testing.T) {
	ctx := context.Background()
	primary := newGatedStore()
	close(primary.release)
	fallback := NewMemoryStore()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	trail := NewTrail(primary, WithFallback(fallback), WithMetrics(metrics))

	entry := trail.Begin(ctx, "req-7", "password", nil)
	require.NoError(t, entry.Wait(ctx))

	primary.mu.Lock()
	primary.saveErr = errors.New("disk full")
	primary.mu.Unlock()

	require.NoError(t, entry.Finish(ctx, "AUTHENTICATED", nil))

	rec, err := fallback.Get(ctx, "req-7")
	require.NoError(t, err)
	assert.True(t, rec.Terminal)
	assert.Equal(t, "AUTHENTICATED", rec.Message())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AuditFallbackWrites))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AuditWriteFailuresTotal.WithLabelValues("finish")))
}

func TestTrail_FinishWithoutFallbackReturnsError(t *testing.T) {
	ctx := context.Background()
	primary := newGatedStore()
	close(primary.release)
	primary.saveErr = errors.New("disk full")
	trail := NewTrail(primary)

	entry := trail.Begin(ctx, "req-8", "password", nil)
	assert.Error(t, entry.Finish(ctx, "AUTHENTICATED", nil))
}

func TestEntry_NilIsNoop(t *testing.T) {
	ctx := context.Background()
	var entry *Entry

	assert.NoError(t, entry.Note(ctx, "x"))
	assert.NoError(t, entry.Finish(ctx, "x", nil))
	assert.Nil(t, entry.Record())
	assert.Empty(t, entry.RequestID())
	assert.Nil(t, EntryFromContext(ctx))
}

func TestEntry_Context(t *testing.T) {
	ctx := context.Background()
	entry := NewTrail(NewMemoryStore()).Begin(ctx, "req-9", "token", nil)
	ctx = WithEntry(ctx, entry)
	assert.Same(t, entry, EntryFromContext(ctx))
}

func TestEntry_ConcurrentNotes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	entry := NewTrail(store).Begin(ctx, "req-10", "password", nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, entry.Note(ctx, "step"))
		}()
	}
	wg.Wait()

	rec, err := store.Get(ctx, "req-10")
	require.NoError(t, err)
	assert.Len(t, rec.Transitions, 11)
	assert.Equal(t, int64(11), rec.Version)
}
