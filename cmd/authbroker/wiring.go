package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/authbroker/pkg/audit"
	"github.com/platinummonkey/authbroker/pkg/config"
	"github.com/platinummonkey/authbroker/pkg/credential"
	"github.com/platinummonkey/authbroker/pkg/middleware"
	"github.com/platinummonkey/authbroker/pkg/observability"
	"github.com/platinummonkey/authbroker/pkg/redirect"
	"github.com/platinummonkey/authbroker/pkg/session"
)

// openAuditStores returns the primary audit store and the fallback used when
// a terminal write to the primary fails. The fallback is nil when the primary
// is itself the file store.
func openAuditStores(cfg config.AuditConfig, db *sql.DB) (audit.Store, audit.Store, error) {
	var fallback audit.Store
	if cfg.Store != "file" && cfg.FallbackPath != "" {
		fs, err := audit.NewFileStore(audit.FileStoreConfig{BasePath: cfg.FallbackPath, Rotate: true})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit fallback store: %w", err)
		}
		fallback = fs
	}

	switch cfg.Store {
	case "postgres":
		store, err := audit.NewSQLStore(db)
		if err != nil {
			return nil, nil, err
		}
		return store, fallback, nil
	case "file":
		store, err := audit.NewFileStore(audit.FileStoreConfig{BasePath: cfg.FallbackPath, Rotate: true})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit store: %w", err)
		}
		return store, nil, nil
	case "memory":
		return audit.NewMemoryStore(), fallback, nil
	}
	return nil, nil, fmt.Errorf("unknown audit store %q", cfg.Store)
}

// runtimeSource layers AUTHBROKER_* environment variables over the optional
// YAML source file, which is watched for edits.
func runtimeSource(cfg config.BrokerConfig, logger *logrus.Logger) (config.Source, func(), error) {
	env := config.NewEnvSource("AUTHBROKER")
	if cfg.SourceFile == "" {
		return env, func() {}, nil
	}

	file, err := config.NewFileSource(cfg.SourceFile, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := file.Watch(); err != nil {
		logger.WithError(err).Warn("Config source will not be reloaded on change")
	}
	return config.ChainSource{env, file}, func() { file.Close() }, nil
}

// buildProviders registers the built-in methods and every enabled SSO
// provider stored in the database. A broken SSO configuration is logged and
// skipped.
func buildProviders(ctx context.Context, cfg *config.Config, source config.Source, credentials credential.CredentialStore, sessions credential.RefreshTokenStore, ssoStorage *credential.Storage, logger *logrus.Logger) (*credential.Registry, error) {
	registry := credential.NewRegistry()
	for _, p := range []credential.Provider{
		credential.NewPasswordProvider(credentials),
		credential.NewVoucherProvider(source),
		credential.NewTokenProvider(sessions),
	} {
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}

	factory := credential.NewFactory(cfg.Server.BaseURL, source)
	if err := ssoStorage.RegisterAll(ctx, factory, registry); err != nil {
		logger.WithError(err).Warn("Some SSO providers were not registered")
	}
	return registry, nil
}

// redirectResolver loads the redirect policy. Without a policy file every
// attempt falls back to the default landing page.
func redirectResolver(path string, logger *logrus.Logger) (*redirect.PolicyResolver, func(), error) {
	if path == "" {
		logger.Warn("No redirect policy configured; using the default landing page")
		return redirect.NewPolicyResolver(nil), func() {}, nil
	}

	policy, err := redirect.LoadPolicyFile(path)
	if err != nil {
		return nil, nil, err
	}
	resolver := redirect.NewPolicyResolver(policy)

	watcher, err := redirect.WatchPolicyFile(path, resolver, logger)
	if err != nil {
		logger.WithError(err).Warn("Redirect policy will not be reloaded on change")
		return resolver, func() {}, nil
	}
	return resolver, func() { watcher.Close() }, nil
}

// rateLimiter shares callback limits through Redis when available and falls
// back to a per-process limiter otherwise
func rateLimiter(ctx context.Context, cfg config.RedisConfig, rdb *redis.Client) middleware.Limiter {
	if !cfg.RateLimitEnabled {
		return nil
	}
	limits := &middleware.RateLimitConfig{
		RequestsPerWindow: cfg.RateLimitRequests,
		WindowDuration:    cfg.RateLimitWindow,
	}
	if rdb != nil {
		return middleware.NewDistributedRateLimiter(rdb, limits, "")
	}
	limiter := middleware.NewRateLimiter(limits)
	limiter.StartCleanup(ctx)
	return limiter
}

// scheduleJobs registers the session cleanup and audit retention jobs
func scheduleJobs(ctx context.Context, cfg *config.Config, sessions *session.SQLStore, auditStore audit.Store, metrics *observability.Metrics, logger *logrus.Logger) (*cron.Cron, error) {
	c := cron.New()

	_, err := c.AddFunc(cfg.Broker.CleanupSchedule, func() {
		defer observability.RecoverPanic(logger.WithField("job", "session_cleanup"), "session cleanup")

		jobCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		removed, err := sessions.CleanupExpiredSessions(jobCtx, time.Now())
		if err != nil {
			logger.WithError(err).Error("Session cleanup failed")
			return
		}
		metrics.SessionsExpiredTotal.Add(float64(removed))
		logger.WithField("removed", removed).Info("Expired sessions cleaned up")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule session cleanup: %w", err)
	}

	var archiver audit.Archiver
	if cfg.Audit.ArchiveBucket != "" {
		s3, err := audit.NewS3Archiver(ctx, audit.S3Config{
			Bucket: cfg.Audit.ArchiveBucket,
			Region: cfg.Audit.ArchiveRegion,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create audit archiver: %w", err)
		}
		archiver = s3
	}
	retention := audit.NewRetention(auditStore, archiver, audit.RetentionPolicy{
		RetentionDays: cfg.Audit.RetentionDays,
		ArchivePrefix: cfg.Audit.ArchivePrefix,
	}, logger, metrics)

	_, err = c.AddFunc(cfg.Broker.CleanupSchedule, func() {
		defer observability.RecoverPanic(logger.WithField("job", "audit_retention"), "audit retention")

		jobCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
		defer cancel()
		if _, err := retention.Run(jobCtx); err != nil {
			logger.WithError(err).Error("Audit retention failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule audit retention: %w", err)
	}

	return c, nil
}
