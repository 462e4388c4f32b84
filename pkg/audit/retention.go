package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/authbroker/pkg/observability"
)

// Archiver keeps an exported batch of records before they are pruned
type Archiver interface {
	Archive(ctx context.Context, key string, data []byte) error
}

// Retention prunes records older than the policy window, archiving them first
// when an Archiver is configured
type Retention struct {
	store    Store
	archiver Archiver
	policy   RetentionPolicy
	log      *logrus.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewRetention creates a retention job. archiver may be nil.
func NewRetention(store Store, archiver Archiver, policy RetentionPolicy, log *logrus.Logger, metrics *observability.Metrics) *Retention {
	if log == nil {
		log = logrus.New()
	}
	return &Retention{
		store:    store,
		archiver: archiver,
		policy:   policy,
		log:      log,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Cutoff returns the oldest creation time kept by the policy
func (r *Retention) Cutoff() time.Time {
	return r.now().UTC().AddDate(0, 0, -r.policy.RetentionDays)
}

// Run archives and prunes expired records, returning how many were pruned.
// Nothing is pruned if archiving fails.
func (r *Retention) Run(ctx context.Context) (int64, error) {
	if r.policy.RetentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive")
	}
	cutoff := r.Cutoff()

	if r.archiver != nil {
		// Records created exactly at cutoff are kept by Prune, so exclude them.
		end := cutoff.Add(-time.Nanosecond)
		records, err := r.store.Search(ctx, Filter{EndTime: &end})
		if err != nil {
			return 0, fmt.Errorf("failed to load expired audit records: %w", err)
		}
		if len(records) > 0 {
			data, err := Export(records, ExportFormatNDJSON)
			if err != nil {
				return 0, err
			}
			key := fmt.Sprintf("%saudit-%s.ndjson", r.policy.ArchivePrefix, cutoff.Format("20060102T150405Z"))
			if err := r.archiver.Archive(ctx, key, data); err != nil {
				return 0, fmt.Errorf("failed to archive audit records: %w", err)
			}
			if r.metrics != nil {
				r.metrics.AuditArchivedTotal.Add(float64(len(records)))
			}
			r.log.WithFields(logrus.Fields{"key": key, "count": len(records)}).Info("Archived audit records")
		}
	}

	removed, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	r.log.WithFields(logrus.Fields{"cutoff": cutoff, "removed": removed}).Info("Pruned audit records")
	return removed, nil
}
