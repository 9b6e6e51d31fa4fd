package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/permengine/pkg/iam"
	"github.com/platinummonkey/permengine/pkg/iam/bus"
	"github.com/platinummonkey/permengine/pkg/iam/cache"
	"github.com/platinummonkey/permengine/pkg/observability"
)

var tracer = otel.Tracer("permengine/authz")

// Result is the answer returned to request middleware
type Result struct {
	Allowed bool       `json:"allowed"`
	Reason  iam.Reason `json:"reason"`
	Locked  bool       `json:"locked"`
}

func resultOf(d iam.Decision) Result {
	return Result{Allowed: d.Allowed(), Reason: d.Reason, Locked: d.Locked()}
}

// Service answers permission checks for the HTTP layer. It reads the tenant's
// perm_version on every call and resolves through the tiered cache.
type Service struct {
	users    iam.UserDirectory
	grants   iam.GrantStore
	builder  *iam.Builder
	cache    *cache.Tiered
	failOpen bool
	recorder observability.Recorder
	logger   *observability.Logger
}

// Option configures a Service
type Option func(*Service)

// WithFailOpen allows access when the store cannot be read. Never enable it in
// production; config validation rejects that combination.
func WithFailOpen(failOpen bool) Option {
	return func(s *Service) { s.failOpen = failOpen }
}

// WithRecorder reports decisions and evictions
func WithRecorder(r observability.Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithLogger sets the service logger
func WithLogger(l *observability.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates the permission façade
func NewService(users iam.UserDirectory, grants iam.GrantStore, builder *iam.Builder, tiered *cache.Tiered, opts ...Option) *Service {
	s := &Service{
		users:    users,
		grants:   grants,
		builder:  builder,
		cache:    tiered,
		recorder: observability.Recorders(nil),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckPermission decides whether the user may perform action on feature in
// the tenant. Unknown tenants, features and actions come back as denied
// results, never as errors. Store failures become a store-unavailable denial,
// or a fail-open allow when configured. The only error returned is the
// caller's own context error; the shared build keeps running for other waiters.
func (s *Service) CheckPermission(ctx context.Context, tenantID, userID, featureKey, actionKey string) (Result, error) {
	ctx, span := tracer.Start(ctx, "authz.CheckPermission", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("user.id", userID),
		attribute.String("permission.feature", featureKey),
		attribute.String("permission.action", actionKey),
	))
	defer span.End()

	start := time.Now()
	snap, source, err := s.snapshot(ctx, tenantID, userID)

	var decision iam.Decision
	switch {
	case err != nil && ctx.Err() != nil:
		span.SetStatus(codes.Error, "caller cancelled")
		return resultOf(iam.DenyFor(iam.ReasonStoreUnavailable)), ctx.Err()
	case err != nil:
		span.RecordError(err)
		decision = s.unavailable(ctx, tenantID, userID, err)
	default:
		decision = snap.Decide(featureKey, actionKey)
		span.SetAttributes(attribute.String("cache.source", source.String()))
	}

	s.recorder.RecordDecision(decision.Effect.String(), decision.Reason.Code.String(), time.Since(start))
	span.SetAttributes(
		attribute.String("permission.effect", decision.Effect.String()),
		attribute.String("permission.reason", decision.Reason.String()),
	)
	return resultOf(decision), nil
}

// BuildSnapshot returns the current snapshot for the user, from cache when
// possible. Store failures are returned wrapped in iam.ErrStoreUnavailable.
func (s *Service) BuildSnapshot(ctx context.Context, tenantID, userID string) (*iam.Snapshot, error) {
	ctx, span := tracer.Start(ctx, "authz.BuildSnapshot", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("user.id", userID),
	))
	defer span.End()

	snap, _, err := s.snapshot(ctx, tenantID, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return snap, nil
}

// snapshot resolves superadmins without touching tenant data, then looks up
// the cache under the tenant's current version.
func (s *Service) snapshot(ctx context.Context, tenantID, userID string) (*iam.Snapshot, cache.Source, error) {
	user, err := s.users.GetUser(ctx, userID)
	switch {
	case err == nil && user.IsSuperAdmin:
		return iam.SuperAdminSnapshot(tenantID, userID), cache.SourceBuild, nil
	case err != nil && !errors.Is(err, iam.ErrUserNotFound):
		return nil, cache.SourceBuild, storeErr("get user", err)
	}

	if iam.ValidateTenantID(tenantID) != nil {
		return iam.InactiveSnapshot(tenantID, userID, 0), cache.SourceBuild, nil
	}

	version, err := s.grants.TenantVersion(ctx, tenantID)
	if errors.Is(err, iam.ErrTenantNotFound) {
		return iam.InactiveSnapshot(tenantID, userID, 0), cache.SourceBuild, nil
	}
	if err != nil {
		return nil, cache.SourceBuild, storeErr("tenant version", err)
	}

	return s.cache.Fetch(ctx, tenantID, userID, version, func(ctx context.Context) (*iam.Snapshot, error) {
		return s.builder.Build(ctx, tenantID, userID)
	})
}

func storeErr(op string, err error) error {
	if errors.Is(err, iam.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, iam.ErrStoreUnavailable, err)
}

// unavailable applies the outage policy: deny unless fail-open is configured
func (s *Service) unavailable(ctx context.Context, tenantID, userID string, err error) iam.Decision {
	logger := s.logger.WithError(err).WithFields(map[string]interface{}{
		"tenant_id":  tenantID,
		"user_id":    userID,
		"request_id": observability.GetRequestID(ctx),
	})
	if s.failOpen {
		logger.Warn("Permission store unavailable, failing open")
		return iam.AllowFor(iam.ReasonFailOpen)
	}
	logger.Error("Permission store unavailable, denying")
	return iam.DenyFor(iam.ReasonStoreUnavailable)
}

// HandleInvalidation evicts the tenant from the local tier. It is the bus
// subscriber callback.
func (s *Service) HandleInvalidation(ctx context.Context, msg bus.Message) {
	evicted := s.cache.EvictTenant(msg.TenantID)
	s.recorder.RecordInvalidation("in", nil)
	s.recorder.RecordEviction("invalidation", evicted, s.cache.Local().Len())
	s.logger.WithFields(map[string]interface{}{
		"tenant_id": msg.TenantID,
		"event_id":  msg.EventID,
		"evicted":   evicted,
	}).Debug("Tenant permissions invalidated")
}

// PurgeTenant drops the tenant from the local tier and, when enabled, the
// shared tier. Neither is required for correctness.
func (s *Service) PurgeTenant(ctx context.Context, tenantID string) (local, shared int, err error) {
	if err := iam.ValidateTenantID(tenantID); err != nil {
		return 0, 0, err
	}
	local = s.cache.EvictTenant(tenantID)
	s.recorder.RecordEviction("purge", local, s.cache.Local().Len())

	if sh := s.cache.Shared(); sh != nil {
		shared, err = sh.PurgeTenant(ctx, tenantID)
		if err != nil {
			s.recorder.RecordCacheError("shared", "purge")
		}
	}
	return local, shared, err
}
