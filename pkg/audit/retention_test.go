package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/authbroker/pkg/observability"
)

type recordingArchiver struct {
	keys  []string
	data  [][]byte
	error error
}

func (a *recordingArchiver) Archive(ctx context.Context, key string, data []byte) error {
	if a.error != nil {
		return a.error
	}
	a.keys = append(a.keys, key)
	a.data = append(a.data, data)
	return nil
}

func newRetentionFixture(t *testing.T, archiver Archiver) (*Retention, *MemoryStore, *observability.Metrics) {
	t.Helper()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	seedRecords(t, store, now.AddDate(0, 0, -30).Add(90*time.Minute))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := NewRetention(store, archiver, RetentionPolicy{RetentionDays: 30, ArchivePrefix: "audit/"}, nil, metrics)
	r.now = func() time.Time { return now }
	return r, store, metrics
}

func TestRetention_ArchivesThenPrunes(t *testing.T) {
	archiver := &recordingArchiver{}
	r, store, metrics := newRetentionFixture(t, archiver)

	removed, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	assert.Equal(t, 2, store.Len())

	require.Len(t, archiver.keys, 1)
	assert.Equal(t, "audit/audit-20260502T000000Z.ndjson", archiver.keys[0])
	lines := strings.Split(strings.TrimSpace(string(archiver.data[0])), "\n")
	assert.Len(t, lines, 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.AuditArchivedTotal))
}

func TestRetention_ArchiveFailureKeepsRecords(t *testing.T) {
	archiver := &recordingArchiver{error: errors.New("access denied")}
	r, store, _ := newRetentionFixture(t, archiver)

	_, err := r.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 4, store.Len())
}

func TestRetention_WithoutArchiver(t *testing.T) {
	r, store, _ := newRetentionFixture(t, nil)

	removed, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	assert.Equal(t, 2, store.Len())
}

func TestRetention_InvalidPolicy(t *testing.T) {
	r := NewRetention(NewMemoryStore(), nil, RetentionPolicy{}, nil, nil)
	_, err := r.Run(context.Background())
	assert.Error(t, err)
}
