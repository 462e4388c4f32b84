package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/authbroker/pkg/api"
	"github.com/platinummonkey/authbroker/pkg/audit"
	"github.com/platinummonkey/authbroker/pkg/broker"
	"github.com/platinummonkey/authbroker/pkg/config"
	"github.com/platinummonkey/authbroker/pkg/credential"
	"github.com/platinummonkey/authbroker/pkg/linker"
	"github.com/platinummonkey/authbroker/pkg/observability"
	"github.com/platinummonkey/authbroker/pkg/session"
	"github.com/platinummonkey/authbroker/pkg/storage"
)

var version = "dev"

func main() {
	migrateOnly := flag.Bool("migrate", false, "Create database tables and exit")
	flag.Parse()

	if err := run(*migrateOnly); err != nil {
		logrus.WithError(err).Fatal("authbroker exited")
	}
}

func run(migrateOnly bool) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		observability.ShutdownOTel(shutdownCtx, otelProviders, logger)
	}()

	db, err := storage.OpenDatabase(ctx, "postgres", cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	sessions := session.NewSQLStore(db, cfg.Broker.SessionTTL)
	credentials := credential.NewSQLCredentialStore(db)
	ssoStorage := credential.NewStorage(db)
	auditStore, fallback, err := openAuditStores(cfg.Audit, db)
	if err != nil {
		return err
	}
	if c, ok := fallback.(io.Closer); ok {
		defer c.Close()
	}

	schemas := []storage.SchemaEnsurer{sessions, credentials, ssoStorage}
	if s, ok := auditStore.(storage.SchemaEnsurer); ok {
		schemas = append(schemas, s)
	}
	if err := storage.EnsureSchemas(ctx, schemas...); err != nil {
		return err
	}
	if migrateOnly {
		logger.Info("Database schema is up to date")
		return nil
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		rdb, err = storage.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	source, closeSource, err := runtimeSource(cfg.Broker, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	var store session.Store = sessions
	if rdb != nil {
		store = session.NewCachedStore(sessions, rdb, cfg.Redis.SessionTTL, logger)
	}

	providers, err := buildProviders(ctx, cfg, source, credentials, store, ssoStorage, logger)
	if err != nil {
		return err
	}

	trail := audit.NewTrail(auditStore,
		audit.WithFallback(fallback),
		audit.WithLogger(logger),
		audit.WithMetrics(metrics),
	)

	linkDefaults := linker.PolicyDefaults{
		AutoCreate: cfg.Broker.LinkAutoCreate,
		AllowHint:  cfg.Broker.LinkAllowHint,
	}
	accounts := linker.New(sessions, linker.NewPolicy(source, linkDefaults),
		linker.WithCache(cfg.Broker.LookupCacheSize, cfg.Broker.LookupCacheTTL),
		linker.WithLogger(logger),
		linker.WithMetrics(metrics),
	)

	resolver, closeResolver, err := redirectResolver(cfg.Broker.RedirectPolicyFile, logger)
	if err != nil {
		return err
	}
	defer closeResolver()

	pipeline, err := broker.New(broker.Deps{
		Providers: providers,
		Trail:     trail,
		Linker:    accounts,
		Sessions:  store,
		Resolver:  resolver,
		Source:    source,
	},
		broker.WithLogger(logger),
		broker.WithMetrics(metrics),
		broker.WithBaseURI(cfg.Server.BaseURL),
	)
	if err != nil {
		return err
	}

	server, err := api.NewServer(api.ServerDeps{
		Broker:    pipeline,
		Providers: providers,
		Sessions:  store,
		Limiter:   rateLimiter(ctx, cfg.Redis, rdb),
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	scheduler, err := scheduleJobs(ctx, cfg, sessions, auditStore, metrics, logger)
	if err != nil {
		return err
	}
	scheduler.Start()

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	adminServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           api.NewAdminHandler(observability.NewHealthChecker(db, rdb, version), registry, auditStore, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(httpServer, logger, "broker") })
	g.Go(func() error { return serve(adminServer, logger, "admin") })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		<-scheduler.Stop().Done()
		return errors.Join(httpServer.Shutdown(shutdownCtx), adminServer.Shutdown(shutdownCtx))
	})

	logger.WithFields(logrus.Fields{
		"addr":       httpServer.Addr,
		"admin_addr": adminServer.Addr,
		"methods":    len(providers.Methods()),
		"version":    version,
	}).Info("authbroker started")

	return g.Wait()
}

func serve(srv *http.Server, logger *logrus.Logger, name string) error {
	logger.WithField("addr", srv.Addr).Infof("Starting %s server", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
