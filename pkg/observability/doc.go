// Package observability provides structured logging, Prometheus metrics, and OpenTelemetry tracing.
//
// # Structured Logging
//
//	logger := observability.NewLogger(logrus.InfoLevel, os.Stdout)
//	ctx = observability.WithLogger(ctx, logger.WithField("method", "password"))
//	observability.FromContext(ctx).Info("Validation requested")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.AttemptsTotal.WithLabelValues("password", "authenticated").Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	router.HandleFunc("/healthz", checker.Liveness)
//	router.HandleFunc("/readyz", checker.Readiness)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "authbroker",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// Pipeline steps open spans from observability.Tracer().
package observability
