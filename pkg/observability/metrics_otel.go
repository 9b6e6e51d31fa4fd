package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics mirrors the Prometheus permission metrics as OpenTelemetry
// instruments, exported over OTLP when InitOTel installed a meter provider.
type OTelMetrics struct {
	decisions        metric.Int64Counter
	decisionDuration metric.Float64Histogram
	cacheLookups     metric.Int64Counter
	cacheErrors      metric.Int64Counter
	evictions        metric.Int64Counter
	builds           metric.Int64Counter
	buildDuration    metric.Float64Histogram
	invalidations    metric.Int64Counter
}

// NewOTelMetrics creates the instruments on the given provider
func NewOTelMetrics(provider metric.MeterProvider) (*OTelMetrics, error) {
	meter := provider.Meter("github.com/platinummonkey/permengine")

	m := &OTelMetrics{}
	var err error

	m.decisions, err = meter.Int64Counter(
		"permengine.decisions",
		metric.WithDescription("Permission checks by effect and reason code"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	m.decisionDuration, err = meter.Float64Histogram(
		"permengine.decision.duration",
		metric.WithDescription("Permission check latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision duration histogram: %w", err)
	}

	m.cacheLookups, err = meter.Int64Counter(
		"permengine.cache.lookups",
		metric.WithDescription("Snapshot cache lookups by tier and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache lookups counter: %w", err)
	}

	m.cacheErrors, err = meter.Int64Counter(
		"permengine.cache.errors",
		metric.WithDescription("Snapshot cache failures by tier and operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache errors counter: %w", err)
	}

	m.evictions, err = meter.Int64Counter(
		"permengine.cache.evictions",
		metric.WithDescription("Snapshots evicted from the local tier"),
		metric.WithUnit("{eviction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evictions counter: %w", err)
	}

	m.builds, err = meter.Int64Counter(
		"permengine.snapshot.builds",
		metric.WithDescription("Snapshot builds by status"),
		metric.WithUnit("{build}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create builds counter: %w", err)
	}

	m.buildDuration, err = meter.Float64Histogram(
		"permengine.snapshot.build.duration",
		metric.WithDescription("Snapshot build duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create build duration histogram: %w", err)
	}

	m.invalidations, err = meter.Int64Counter(
		"permengine.invalidations",
		metric.WithDescription("Invalidation messages by direction and status"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create invalidations counter: %w", err)
	}

	return m, nil
}

// RecordCacheLookup counts a hit or miss on one cache tier
func (m *OTelMetrics) RecordCacheLookup(tier string, hit bool) {
	m.cacheLookups.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("cache.tier", tier),
		attribute.Bool("cache.hit", hit),
	))
}

// RecordCacheError counts a failed cache operation
func (m *OTelMetrics) RecordCacheError(tier, op string) {
	m.cacheErrors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("cache.tier", tier),
		attribute.String("cache.operation", op),
	))
}

// RecordBuild records one snapshot build
func (m *OTelMetrics) RecordBuild(duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("status", statusLabel(err)))
	m.builds.Add(context.Background(), 1, attrs)
	m.buildDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordDecision records one permission check
func (m *OTelMetrics) RecordDecision(effect, reason string, duration time.Duration) {
	m.decisions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("permission.effect", effect),
		attribute.String("permission.reason", reason),
	))
	m.decisionDuration.Record(context.Background(), duration.Seconds(), metric.WithAttributes(
		attribute.String("permission.effect", effect),
	))
}

// RecordInvalidation counts a published ("out") or received ("in") message
func (m *OTelMetrics) RecordInvalidation(direction string, err error) {
	m.invalidations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("status", statusLabel(err)),
	))
}

// RecordEviction counts local-tier evictions
func (m *OTelMetrics) RecordEviction(reason string, evicted, _ int) {
	if evicted > 0 {
		m.evictions.Add(context.Background(), int64(evicted), metric.WithAttributes(
			attribute.String("reason", reason),
		))
	}
}
