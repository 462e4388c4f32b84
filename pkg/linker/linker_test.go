package linker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/authbroker/pkg/audit"
	"github.com/platinummonkey/authbroker/pkg/config"
	"github.com/platinummonkey/authbroker/pkg/observability"
	"github.com/platinummonkey/authbroker/pkg/session"
)

// fakeAccounts is an in-memory AccountStore with call counting
type fakeAccounts struct {
	mu       sync.Mutex
	mappings map[string]string
	accounts map[string]bool
	lookups  int
	err      error
	nextID   int
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{mappings: map[string]string{}, accounts: map[string]bool{}}
}

func (f *fakeAccounts) LookupAccount(ctx context.Context, method, subject string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil {
		return "", false, f.err
	}
	id, ok := f.mappings[cacheKey(method, subject)]
	return id, ok, nil
}

func (f *fakeAccounts) CreateOrUpdateAccount(ctx context.Context, method, subject, hint string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", false, f.err
	}
	if id, ok := f.mappings[cacheKey(method, subject)]; ok {
		return id, false, nil
	}
	id := hint
	if id == "" {
		f.nextID++
		id = fmt.Sprintf("acct-%d", f.nextID)
		f.accounts[id] = true
	} else if !f.accounts[id] {
		return "", false, session.ErrNotFound
	}
	f.mappings[cacheKey(method, subject)] = id
	return id, true, nil
}

func permissive() *Policy {
	return NewPolicy(nil, PolicyDefaults{AutoCreate: true, AllowHint: true})
}

func TestLinker_LookupCachesPositiveResults(t *testing.T) {
	ctx := context.Background()
	store := newFakeAccounts()
	store.mappings[cacheKey("password", "alice")] = "acct-9"
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	l := New(store, permissive(), WithCache(10, time.Minute), WithMetrics(metrics))

	_, found, err := l.Lookup(ctx, "password", "bob")
	require.NoError(t, err)
	assert.False(t, found)
	_, _, err = l.Lookup(ctx, "password", "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, store.lookups, "misses are not cached")

	for i := 0; i < 3; i++ {
		id, found, err := l.Lookup(ctx, "password", "alice")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "acct-9", id)
	}
	assert.Equal(t, 3, store.lookups)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("account_lookup")))
}

func TestLinker_LookupError(t *testing.T) {
	store := newFakeAccounts()
	store.err = errors.New("connection refused")
	l := New(store, permissive())

	_, _, err := l.Lookup(context.Background(), "saml", "x")
	assert.ErrorContains(t, err, "connection refused")
}

func TestLinker_CreateMapping(t *testing.T) {
	ctx := context.Background()
	store := newFakeAccounts()
	l := New(store, permissive(), WithCache(10, time.Minute))

	res, err := l.CreateMapping(ctx, MappingRequest{Method: "password", Subject: "new@example.com"})
	require.NoError(t, err)
	linked, ok := res.(Linked)
	require.True(t, ok)
	assert.Equal(t, ActionSignup, linked.Action)

	res, err = l.CreateMapping(ctx, MappingRequest{Method: "oidc", Subject: "okta|1", LinkHintID: linked.AccountID})
	require.NoError(t, err)
	assert.Equal(t, Linked{AccountID: linked.AccountID, Action: ActionLinked}, res)

	res, err = l.CreateMapping(ctx, MappingRequest{Method: "password", Subject: "new@example.com"})
	require.NoError(t, err)
	assert.Equal(t, Linked{AccountID: linked.AccountID, Action: ActionSignin}, res)

	lookups := store.lookups
	id, found, err := l.Lookup(ctx, "oidc", "okta|1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, linked.AccountID, id)
	assert.Equal(t, lookups, store.lookups, "created mappings are cached")
}

func TestLinker_CreateMappingDeclined(t *testing.T) {
	ctx := context.Background()

	t.Run("auto create disabled", func(t *testing.T) {
		l := New(newFakeAccounts(), NewPolicy(nil, PolicyDefaults{}))
		res, err := l.CreateMapping(ctx, MappingRequest{Method: "saml", Subject: "bob"})
		require.NoError(t, err)
		assert.Equal(t, Declined{Reason: ReasonNoPolicy}, res)
	})

	t.Run("hint not allowed falls back to auto create", func(t *testing.T) {
		store := newFakeAccounts()
		store.accounts["acct-x"] = true
		source := config.NewMapSource(map[string]string{"linking.saml.allow_hint": "false"})
		l := New(store, NewPolicy(source, PolicyDefaults{AutoCreate: false, AllowHint: true}))

		res, err := l.CreateMapping(ctx, MappingRequest{Method: "saml", Subject: "bob", LinkHintID: "acct-x"})
		require.NoError(t, err)
		assert.Equal(t, Declined{Reason: ReasonNoPolicy}, res)
	})

	t.Run("hinted account missing", func(t *testing.T) {
		l := New(newFakeAccounts(), permissive())
		res, err := l.CreateMapping(ctx, MappingRequest{Method: "voucher", Subject: "bob", LinkHintID: "ghost"})
		require.NoError(t, err)
		assert.IsType(t, Declined{}, res)
	})

	t.Run("per method override", func(t *testing.T) {
		source := config.NewMapSource(map[string]string{"linking.password.auto_create": "true"})
		l := New(newFakeAccounts(), NewPolicy(source, PolicyDefaults{}))
		res, err := l.CreateMapping(ctx, MappingRequest{Method: "password", Subject: "carol"})
		require.NoError(t, err)
		assert.IsType(t, Linked{}, res)
	})
}

func TestLinker_CreateMappingStoreError(t *testing.T) {
	store := newFakeAccounts()
	store.err = errors.New("deadlock detected")
	l := New(store, permissive())

	res, err := l.CreateMapping(context.Background(), MappingRequest{Method: "password", Subject: "x"})
	assert.Nil(t, res)
	assert.ErrorContains(t, err, "deadlock detected")
}

func TestLinker_CreateMappingNotesAuditEntry(t *testing.T) {
	ctx := context.Background()
	auditStore := audit.NewMemoryStore()
	entry := audit.NewTrail(auditStore).Begin(ctx, "req-1", "password", nil)
	ctx = audit.WithEntry(ctx, entry)

	l := New(newFakeAccounts(), permissive())
	_, err := l.CreateMapping(ctx, MappingRequest{Method: "password", Subject: "new@example.com"})
	require.NoError(t, err)

	rec, err := auditStore.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, MessageLookupCreated, rec.Message())
}

func TestLinker_ConcurrentDuplicateMappings(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	store := session.NewSQLStore(db, time.Hour)
	require.NoError(t, store.EnsureSchema(ctx))
	l := New(store, permissive(), WithCache(100, time.Minute))

	const replays = 20
	results := make([]Result, replays)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < replays; i++ {
		i := i
		g.Go(func() error {
			res, err := l.CreateMapping(gctx, MappingRequest{Method: "voucher", Subject: "dup@example.com"})
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	signups := 0
	first := results[0].(Linked).AccountID
	for _, res := range results {
		linked := res.(Linked)
		assert.Equal(t, first, linked.AccountID)
		if linked.Action == ActionSignup {
			signups++
		}
	}
	assert.Equal(t, 1, signups)

	var accounts int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&accounts))
	assert.Equal(t, 1, accounts)
}
