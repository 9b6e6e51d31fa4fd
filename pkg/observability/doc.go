// Package observability provides structured logging, Prometheus and
// OpenTelemetry metrics, tracing setup, health checks and graceful shutdown.
//
// # Structured Logging
//
// Logger wraps logrus with a JSON formatter:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", tenantID).Warn("Shared permission cache unavailable")
//
// Loggers travel in the request context (WithLogger, FromContext).
//
// # Metrics
//
// Metrics (Prometheus) and OTelMetrics (OTLP) both implement Recorder, the
// set of measurements reported by the permission engine. Recorders fans out
// to several:
//
//	rec := observability.Recorders{promMetrics, otelMetrics}
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	observability.RegisterHealthRoutes(router, checker)
//
// The database is critical; Redis only degrades readiness.
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "permengine",
//	}, logger)
//	defer providers.Shutdown(ctx)
package observability
