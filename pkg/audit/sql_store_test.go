package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recordColumnNames = []string{
	"request_id", "method", "params", "transitions",
	"state", "terminal", "status_code",
	"action", "account_id", "session_id", "token_fingerprint", "redirect_uri",
	"created_at", "updated_at", "version",
}

func newMockSQLStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestNewSQLStore_RequiresDB(t *testing.T) {
	_, err := NewSQLStore(nil)
	assert.Error(t, err)
}

func TestSQLStore_EnsureSchema(t *testing.T) {
	store, mock := newMockSQLStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_records").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Create(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockSQLStore(t)
	now := time.Now().UTC()

	rec := &Record{
		RequestID:   "req-1",
		Method:      "password",
		Params:      []Param{{Key: "username", Value: "alice"}},
		Transitions: []Transition{{At: now, Message: MessageValidationRequested}},
		State:       "validating",
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	mock.ExpectExec("INSERT INTO audit_records").
		WithArgs("req-1", "password", sqlmock.AnyArg(), sqlmock.AnyArg(),
			"validating", false, 0,
			"", "", "", "", "",
			now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Create(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	mock.ExpectExec("INSERT INTO audit_records").WillReturnError(&pq.Error{Code: "23505"})
	assert.ErrorIs(t, store.Create(ctx, rec), ErrExists)

	mock.ExpectExec("INSERT INTO audit_records").WillReturnError(errors.New("connection reset"))
	err := store.Create(ctx, rec)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExists)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Save(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockSQLStore(t)
	rec := &Record{RequestID: "req-1", State: "authenticated", Terminal: true, Version: 1}

	mock.ExpectExec("UPDATE audit_records SET").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(),
			"authenticated", true, 0,
			"", "", "", "", "",
			sqlmock.AnyArg(), "req-1", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Save(ctx, rec))
	assert.Equal(t, int64(2), rec.Version)

	mock.ExpectExec("UPDATE audit_records SET").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Save(ctx, rec), ErrConflict)
	assert.Equal(t, int64(2), rec.Version)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Get(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockSQLStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(recordColumnNames).AddRow(
		"req-1", "voucher", []byte(`[{"key":"voucher","value":"sha256:abc"}]`),
		[]byte(`[{"at":"2026-01-01T00:00:00Z","message":"VALIDATION REQUESTED"},{"at":"2026-01-01T00:00:01Z","message":"Invalid token: Token has expired"}]`),
		"invalid_token", true, int64(400),
		nil, nil, nil, nil, nil,
		now, now, int64(2),
	)
	mock.ExpectQuery("SELECT (.+) FROM audit_records WHERE request_id").WithArgs("req-1").WillReturnRows(rows)

	rec, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 400, rec.StatusCode)
	assert.Equal(t, "Invalid token: Token has expired", rec.Message())
	assert.Equal(t, []Param{{Key: "voucher", Value: "sha256:abc"}}, rec.Params)
	assert.Empty(t, rec.AccountID)

	mock.ExpectQuery("SELECT (.+) FROM audit_records WHERE request_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(recordColumnNames))
	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Search(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockSQLStore(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	rows := sqlmock.NewRows(recordColumnNames).AddRow(
		"req-1", "password", nil, []byte(`[]`),
		"authenticated", true, int64(302),
		"signin", "acct-1", "sess-1", "sha256:0011", "https://app.example.com/?nocache=1",
		start, start, int64(3),
	)
	mock.ExpectQuery(`SELECT (.+) FROM audit_records WHERE 1=1 AND created_at >= \$1 AND created_at <= \$2 AND method = \$3 AND state = ANY\(\$4\) ORDER BY created_at DESC, request_id ASC LIMIT \$5 OFFSET \$6`).
		WithArgs(start, end, "password", pq.Array([]string{"authenticated"}), 10, 5).
		WillReturnRows(rows)

	records, err := store.Search(ctx, Filter{
		StartTime: &start,
		EndTime:   &end,
		Method:    "password",
		States:    []string{"authenticated"},
		Limit:     10,
		Offset:    5,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "acct-1", records[0].AccountID)
	assert.Equal(t, "signin", records[0].Action)

	mock.ExpectQuery("SELECT (.+) FROM audit_records").WillReturnError(errors.New("timeout"))
	_, err = store.Search(ctx, Filter{})
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Prune(t *testing.T) {
	store, mock := newMockSQLStore(t)
	cutoff := time.Now().UTC()

	mock.ExpectExec("DELETE FROM audit_records WHERE created_at").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	removed, err := store.Prune(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
