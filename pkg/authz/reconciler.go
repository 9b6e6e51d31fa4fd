package authz

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/permengine/pkg/async"
	"github.com/platinummonkey/permengine/pkg/iam"
	"github.com/platinummonkey/permengine/pkg/iam/cache"
	"github.com/platinummonkey/permengine/pkg/observability"
)

// VersionReader reads a tenant's current perm_version
type VersionReader interface {
	TenantVersion(ctx context.Context, tenantID string) (int64, error)
}

// Reconciler drops local snapshots keyed by superseded versions. It frees
// memory when invalidation messages were missed; the TTL would get there too.
type Reconciler struct {
	local    *cache.Local
	versions VersionReader
	workers  int
	timeout  time.Duration
	recorder observability.Recorder
	logger   *observability.Logger
	cron     *cron.Cron
}

// NewReconciler creates a reconciler over the local tier
func NewReconciler(local *cache.Local, versions VersionReader, recorder observability.Recorder, logger *observability.Logger) *Reconciler {
	if recorder == nil {
		recorder = observability.Recorders(nil)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Reconciler{
		local:    local,
		versions: versions,
		workers:  4,
		timeout:  time.Second,
		recorder: recorder,
		logger:   logger,
	}
}

// RunOnce checks every cached tenant and returns how many entries were evicted.
// Tenants whose version cannot be read are left alone.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	var evicted atomic.Int64

	errs := async.Batch(ctx, r.local.TenantIDs(), r.workers, "reconcile tenant", r.timeout,
		func(ctx context.Context, tenantID string) error {
			version, err := r.versions.TenantVersion(ctx, tenantID)
			if errors.Is(err, iam.ErrTenantNotFound) {
				evicted.Add(int64(r.local.EvictTenant(tenantID)))
				return nil
			}
			if err != nil {
				return err
			}
			evicted.Add(int64(r.local.EvictOlderThan(tenantID, version)))
			return nil
		})

	n := int(evicted.Load())
	r.recorder.RecordEviction("reconcile", n, r.local.Len())
	return n, errors.Join(errs...)
}

// Start schedules RunOnce on a cron spec such as "@every 30s"
func (r *Reconciler) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		n, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.WithError(err).Warn("Cache reconcile incomplete")
		}
		if n > 0 {
			r.logger.WithField("evicted", n).Debug("Evicted stale permission snapshots")
		}
	})
	if err != nil {
		return err
	}
	r.cron = c
	c.Start()
	return nil
}

// Stop stops the scheduler and waits for a running job to finish
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
