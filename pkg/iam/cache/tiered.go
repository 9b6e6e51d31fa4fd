package cache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/permengine/pkg/iam"
	"github.com/platinummonkey/permengine/pkg/observability"
)

var tracer = otel.Tracer("permengine/iam/cache")

// Source tells where a fetched snapshot came from
type Source int

const (
	SourceLocal Source = iota
	SourceShared
	SourceBuild
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceShared:
		return "shared"
	default:
		return "build"
	}
}

// Recorder receives cache outcomes, typically Prometheus counters
type Recorder interface {
	RecordCacheLookup(tier string, hit bool)
	RecordCacheError(tier, op string)
	RecordBuild(duration time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordCacheLookup(string, bool)   {}
func (nopRecorder) RecordCacheError(string, string)  {}
func (nopRecorder) RecordBuild(time.Duration, error) {}

// BuildFunc produces a snapshot on a cache miss
type BuildFunc func(ctx context.Context) (*iam.Snapshot, error)

// Tiered looks up the local tier, then the shared tier, then builds. Concurrent
// misses for the same key share one build.
type Tiered struct {
	local        *Local
	shared       *Shared
	group        singleflight.Group
	buildTimeout time.Duration
	recorder     Recorder
	logger       *observability.Logger
}

// TieredOption configures a Tiered cache
type TieredOption func(*Tiered)

// WithShared enables the shared tier
func WithShared(shared *Shared) TieredOption {
	return func(t *Tiered) { t.shared = shared }
}

// WithBuildTimeout bounds each single-flighted build
func WithBuildTimeout(d time.Duration) TieredOption {
	return func(t *Tiered) { t.buildTimeout = d }
}

// WithRecorder reports cache outcomes
func WithRecorder(r Recorder) TieredOption {
	return func(t *Tiered) {
		if r != nil {
			t.recorder = r
		}
	}
}

// WithLogger sets the logger used for degraded-tier warnings
func WithLogger(l *observability.Logger) TieredOption {
	return func(t *Tiered) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTiered creates the two-tier cache
func NewTiered(local *Local, opts ...TieredOption) *Tiered {
	t := &Tiered{
		local:        local,
		buildTimeout: 2 * time.Second,
		recorder:     nopRecorder{},
		logger:       observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Local returns the local tier
func (t *Tiered) Local() *Local {
	return t.local
}

// Shared returns the shared tier, or nil when disabled
func (t *Tiered) Shared() *Shared {
	return t.shared
}

type fetchResult struct {
	snap   *iam.Snapshot
	source Source
}

// Fetch returns the snapshot for (tenant, user, version). If ctx ends while
// waiting, Fetch returns ctx.Err() but the shared build keeps running for the
// other waiters and still populates the cache.
func (t *Tiered) Fetch(ctx context.Context, tenantID, userID string, version int64, build BuildFunc) (*iam.Snapshot, Source, error) {
	key := Key(tenantID, userID, version)

	if snap, ok := t.local.Get(key); ok {
		t.recorder.RecordCacheLookup("local", true)
		return snap, SourceLocal, nil
	}
	t.recorder.RecordCacheLookup("local", false)

	// The build must outlive any single caller.
	detached := context.WithoutCancel(ctx)
	ch := t.group.DoChan(key, func() (interface{}, error) {
		return t.fill(detached, key, build)
	})

	select {
	case <-ctx.Done():
		return nil, SourceBuild, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, SourceBuild, res.Err
		}
		r := res.Val.(fetchResult)
		return r.snap, r.source, nil
	}
}

func (t *Tiered) fill(ctx context.Context, key string, build BuildFunc) (fetchResult, error) {
	ctx, span := tracer.Start(ctx, "cache.fill", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	if t.shared != nil {
		snap, err := t.shared.Get(ctx, key)
		switch {
		case err != nil:
			t.recorder.RecordCacheError("shared", "get")
			t.logger.WithError(err).WithField("key", key).Warn("Shared permission cache unavailable, building directly")
		case snap != nil:
			t.recorder.RecordCacheLookup("shared", true)
			span.SetAttributes(attribute.String("cache.source", SourceShared.String()))
			t.local.Put(key, snap)
			return fetchResult{snap: snap, source: SourceShared}, nil
		default:
			t.recorder.RecordCacheLookup("shared", false)
		}
	}

	buildCtx, cancel := context.WithTimeout(ctx, t.buildTimeout)
	defer cancel()

	start := time.Now()
	snap, err := build(buildCtx)
	t.recorder.RecordBuild(time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		return fetchResult{}, err
	}
	span.SetAttributes(attribute.String("cache.source", SourceBuild.String()))
	t.logger.WithField("key", key).Debug("Permission snapshot rebuilt")

	// Superadmin status is not covered by perm_version.
	if snap.IsSuperAdmin {
		return fetchResult{snap: snap, source: SourceBuild}, nil
	}

	t.local.Put(key, snap)
	if t.shared != nil {
		if err := t.shared.Put(ctx, key, snap); err != nil {
			t.recorder.RecordCacheError("shared", "put")
			t.logger.WithError(err).WithField("key", key).Warn("Failed to store snapshot in shared cache")
		}
	}
	return fetchResult{snap: snap, source: SourceBuild}, nil
}

// EvictTenant drops the tenant from the local tier
func (t *Tiered) EvictTenant(tenantID string) int {
	return t.local.EvictTenant(tenantID)
}
