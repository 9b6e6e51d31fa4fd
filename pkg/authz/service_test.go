package authz

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/permengine/pkg/iam"
	"github.com/platinummonkey/permengine/pkg/iam/bus"
	"github.com/platinummonkey/permengine/pkg/iam/cache"
	"github.com/platinummonkey/permengine/pkg/iam/iamtest"
	"github.com/platinummonkey/permengine/pkg/observability"
)

func check(t *testing.T, s *Service, tenantID, userID, feature, action string) Result {
	t.Helper()
	result, err := s.CheckPermission(context.Background(), tenantID, userID, feature, action)
	require.NoError(t, err)
	return result
}

func TestCheckPermission_SuperAdmin(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name     string
		tenantID string
		feature  string
		action   string
	}{
		{"billing delete", iamtest.TenantID, iamtest.FeatureBilling, iam.ActionDelete},
		{"unknown feature", iamtest.TenantID, "no:such:feature", iam.ActionRead},
		{"unknown action", iamtest.TenantID, iamtest.FeatureCoupons, "launch"},
		{"suspended tenant", iamtest.SuspendedTenantID, iamtest.FeatureCoupons, iam.ActionRead},
		{"unknown tenant", "tenant-missing", iamtest.FeatureCoupons, iam.ActionRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := check(t, h.service, tt.tenantID, iamtest.SuperAdminID, tt.feature, tt.action)
			assert.Equal(t, Result{Allowed: true, Reason: iam.Reason{Code: iam.ReasonSuperAdmin}}, result)
		})
	}

	assert.Zero(t, h.store.TenantReads.Load(), "superadmin checks must not read tenant data")
	assert.Zero(t, h.recorder.buildCount())
}

func TestCheckPermission_TenantInactive(t *testing.T) {
	h := newHarness(t)

	for _, tenantID := range []string{iamtest.SuspendedTenantID, "tenant-missing"} {
		result := check(t, h.service, tenantID, iamtest.OwnerID, iamtest.FeatureCoupons, iam.ActionRead)
		assert.False(t, result.Allowed)
		assert.Equal(t, "tenant-inactive", result.Reason.String(), tenantID)
	}
}

func TestCheckPermission_Precedence(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name    string
		userID  string
		feature string
		action  string
		allowed bool
		reason  string
	}{
		{"owner seeded feature", iamtest.OwnerID, iamtest.FeatureCoupons, iam.ActionRead, true, "role:owner"},
		{"manager granted", iamtest.ManagerID, iamtest.FeatureTickets, iam.ActionUpdate, true, "role:manager"},
		{"manager not granted", iamtest.ManagerID, iamtest.FeatureCoupons, iam.ActionDelete, false, "no-grant"},
		{"explicit false row", iamtest.ManagerID, iamtest.FeatureBilling, iam.ActionRead, false, "no-grant"},
		{"no role", iamtest.NobodyID, iamtest.FeatureCoupons, iam.ActionRead, false, "no-role"},
		{"unknown user", "user-ghost", iamtest.FeatureTickets, iam.ActionRead, false, "no-role"},
		{"unknown feature", iamtest.OwnerID, "no:such:feature", iam.ActionRead, false, "feature-not-found"},
		{"unknown action", iamtest.OwnerID, iamtest.FeatureCoupons, "launch", false, "action-not-found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := check(t, h.service, iamtest.TenantID, tt.userID, tt.feature, tt.action)
			assert.Equal(t, tt.allowed, result.Allowed)
			assert.Equal(t, tt.reason, result.Reason.String())
			assert.False(t, result.Locked)
		})
	}
}

func TestCheckPermission_DenyOverrideBeatsRole(t *testing.T) {
	h := newHarness(t)

	require.True(t, check(t, h.service, iamtest.TenantID, iamtest.ManagerID, iamtest.FeatureTickets, iam.ActionRead).Allowed)

	h.store.SetOverride(iam.UserPermissionOverride{
		UserID:    iamtest.ManagerID,
		TenantID:  iamtest.TenantID,
		FeatureID: "f-tickets",
		ActionID:  iamtest.ActionReadID,
		Allowed:   false,
	})

	result := check(t, h.service, iamtest.TenantID, iamtest.ManagerID, iamtest.FeatureTickets, iam.ActionRead)
	assert.Equal(t, Result{Allowed: false, Reason: iam.Reason{Code: iam.ReasonOverride}}, result)
}

func TestCheckPermission_LockedDominates(t *testing.T) {
	h := newHarness(t)

	h.store.SetOverride(iam.UserPermissionOverride{
		UserID:    iamtest.ManagerID,
		TenantID:  iamtest.TenantID,
		FeatureID: "f-export",
		ActionID:  iamtest.ActionExportID,
		Allowed:   true,
	})
	h.store.SetEntitlement(iam.Entitlement{
		TenantID:   iamtest.TenantID,
		EntityType: iam.EntityFeature,
		EntityID:   "f-export",
		Status:     iam.EntitlementLocked,
		Source:     "plan",
	})

	for _, userID := range []string{iamtest.ManagerID, iamtest.OwnerID} {
		result := check(t, h.service, iamtest.TenantID, userID, iamtest.FeatureExport, iam.ActionExport)
		assert.False(t, result.Allowed, userID)
		assert.True(t, result.Locked, userID)
		assert.Equal(t, "feature-locked", result.Reason.String(), userID)
	}
}

func TestCheckPermission_SecondCallIsCached(t *testing.T) {
	h := newHarness(t)

	first := check(t, h.service, iamtest.TenantID, iamtest.OwnerID, iamtest.FeatureCoupons, iam.ActionRead)
	second := check(t, h.service, iamtest.TenantID, iamtest.OwnerID, iamtest.FeatureCoupons, iam.ActionRead)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.recorder.buildCount())
	assert.Equal(t, []string{"allowed/role", "allowed/role"}, h.recorder.decisions)
}

func TestCheckPermission_VersionIsReadEveryCall(t *testing.T) {
	h := newHarness(t)

	check(t, h.service, iamtest.TenantID, iamtest.OwnerID, iamtest.FeatureCoupons, iam.ActionRead)
	check(t, h.service, iamtest.TenantID, iamtest.OwnerID, iamtest.FeatureCoupons, iam.ActionRead)

	assert.Equal(t, int64(2+1), h.store.TenantReads.Load(), "two version reads plus one build")
}

func TestCheckPermission_InvalidationReflectsNewState(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemoryBus(nil)
	require.NoError(t, b.Subscribe(ctx, h.service.HandleInvalidation))

	require.True(t, check(t, h.service, iamtest.TenantID, iamtest.ManagerID, iamtest.FeatureTickets, iam.ActionRead).Allowed)
	require.Equal(t, 1, h.tiered.Local().Len())

	h.store.SetOverride(iam.UserPermissionOverride{
		UserID:    iamtest.ManagerID,
		TenantID:  iamtest.TenantID,
		FeatureID: "f-tickets",
		ActionID:  iamtest.ActionReadID,
		Allowed:   false,
	})
	publisher := NewPublisher(b, h.recorder)
	require.NoError(t, publisher.Publish(ctx, iamtest.TenantID))

	assert.Zero(t, h.tiered.Local().Len(), "tenant sweep")
	assert.Equal(t, 1, h.recorder.evictions["invalidation"])
	assert.Equal(t, 1, h.recorder.invalidations["in"])
	assert.Equal(t, 1, h.recorder.invalidations["out"])

	result := check(t, h.service, iamtest.TenantID, iamtest.ManagerID, iamtest.FeatureTickets, iam.ActionRead)
	assert.False(t, result.Allowed)
	assert.Equal(t, "override", result.Reason.String())
	assert.Equal(t, 2, h.recorder.buildCount())
}

func TestCheckPermission_VersionBumpWithoutMessage(t *testing.T) {
	h := newHarness(t)

	require.True(t, check(t, h.service, iamtest.TenantID, iamtest.WaiterID, iamtest.FeatureTickets, iam.ActionCreate).Allowed)

	h.store.SetTenantStatus(iamtest.TenantID, iam.TenantStatusSuspended)

	result := check(t, h.service, iamtest.TenantID, iamtest.WaiterID, iamtest.FeatureTickets, iam.ActionCreate)
	assert.False(t, result.Allowed)
	assert.Equal(t, "tenant-inactive", result.Reason.String())
}

type gatedCatalog struct {
	*iamtest.Store
	release chan struct{}
}

func (g gatedCatalog) LoadCatalog(ctx context.Context) (*iam.Catalog, error) {
	<-g.release
	return g.Store.LoadCatalog(ctx)
}

func TestCheckPermission_SingleFlight(t *testing.T) {
	h := newHarness(t)
	gate := gatedCatalog{Store: h.store, release: make(chan struct{})}
	svc := NewService(h.store, h.store, iam.NewBuilder(gate, h.store), h.tiered, WithRecorder(h.recorder))

	const callers = 50
	results := make([]Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := svc.CheckPermission(context.Background(), iamtest.TenantID, iamtest.OwnerID, iamtest.FeatureCoupons, iam.ActionUpdate)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}

	require.Eventually(t, func() bool {
		return h.tiered.Local().Stats().Misses == callers
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate.release)
	wg.Wait()

	assert.Equal(t, 1, h.recorder.buildCount())
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
	assert.True(t, results[0].Allowed)
}

func TestCheckPermission_FailClosed(t *testing.T) {
	h := newHarness(t)
	h.store.SetError(errors.New("connection refused"))

	result := check(t, h.service, iamtest.TenantID, iamtest.OwnerID, iamtest.FeatureCoupons, iam.ActionRead)

	assert.Equal(t, Result{Allowed: false, Reason: iam.Reason{Code: iam.ReasonStoreUnavailable}}, result)
	assert.Contains(t, h.logs.String(), "Permission store unavailable, denying")
	assert.Contains(t, h.logs.String(), `"level":"error"`)
	assert.Zero(t, h.tiered.Local().Len(), "failures are never cached")

	h.store.SetError(nil)
	assert.True(t, check(t, h.service, iamtest.TenantID, iamtest.OwnerID, iamtest.FeatureCoupons, iam.ActionRead).Allowed)
}

func TestCheckPermission_FailOpen(t *testing.T) {
	h := newHarness(t, WithFailOpen(true))
	h.store.SetError(errors.New("connection refused"))

	result := check(t, h.service, iamtest.TenantID, iamtest.NobodyID, iamtest.FeatureBilling, iam.ActionDelete)

	assert.True(t, result.Allowed)
	assert.Equal(t, "fail-open", result.Reason.String())
	assert.Contains(t, h.logs.String(), "failing open")
	assert.Contains(t, h.logs.String(), `"level":"warning"`)
}

func TestCheckPermission_SuperAdminDuringOutage(t *testing.T) {
	h := newHarness(t)
	h.store.SetError(errors.New("connection refused"))

	result := check(t, h.service, iamtest.TenantID, iamtest.SuperAdminID, iamtest.FeatureBilling, iam.ActionDelete)
	assert.True(t, result.Allowed)
}

func TestBuildSnapshot(t *testing.T) {
	h := newHarness(t)

	snap, err := h.service.BuildSnapshot(context.Background(), iamtest.TenantID, iamtest.OwnerID)
	require.NoError(t, err)
	assert.True(t, snap.IsOwner)
	assert.Contains(t, snap.Roles, iam.RoleOwner)
	version, err := h.store.TenantVersion(context.Background(), iamtest.TenantID)
	require.NoError(t, err)
	assert.Equal(t, version, snap.PermVersion)

	again, err := h.service.BuildSnapshot(context.Background(), iamtest.TenantID, iamtest.OwnerID)
	require.NoError(t, err)
	assert.Same(t, snap, again)

	h.store.SetError(errors.New("connection refused"))
	_, err = h.service.BuildSnapshot(context.Background(), iamtest.TenantID, iamtest.ManagerID)
	assert.ErrorIs(t, err, iam.ErrStoreUnavailable)
}

// promotedOnce reports the user as superadmin on exactly one GetUser call
type promotedOnce struct {
	iam.UserDirectory
	calls    atomic.Int32
	promoted int32
}

func (p *promotedOnce) GetUser(ctx context.Context, userID string) (*iam.User, error) {
	user, err := p.UserDirectory.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.calls.Add(1) == p.promoted {
		promoted := *user
		promoted.IsSuperAdmin = true
		return &promoted, nil
	}
	return user, nil
}

func TestCheckPermission_DemotedSuperAdminNotServedFromCache(t *testing.T) {
	for _, promoted := range []int32{1, 2} {
		h := newHarness(t)
		users := &promotedOnce{UserDirectory: h.store, promoted: promoted}
		svc := NewService(users, h.store, iam.NewBuilder(h.store, h.store), h.tiered,
			WithRecorder(h.recorder), WithLogger(observability.NopLogger()))

		var results []Result
		for i := 0; i < 3; i++ {
			results = append(results, check(t, svc, iamtest.TenantID, iamtest.NobodyID, iamtest.FeatureBilling, iam.ActionDelete))
		}

		denied := Result{Reason: iam.Reason{Code: iam.ReasonNoRole}}
		for i, result := range results {
			if int32(i+1) == promoted {
				assert.Equal(t, Result{Allowed: true, Reason: iam.Reason{Code: iam.ReasonSuperAdmin}}, result)
				continue
			}
			assert.Equal(t, denied, result, "call %d with promotion on read %d", i+1, promoted)
		}

		version, err := h.store.TenantVersion(context.Background(), iamtest.TenantID)
		require.NoError(t, err)
		cached, ok := h.tiered.Local().Get(cache.Key(iamtest.TenantID, iamtest.NobodyID, version))
		require.True(t, ok)
		assert.False(t, cached.IsSuperAdmin)
	}
}

func TestCheckPermission_AmbiguousTenantIDIsInactive(t *testing.T) {
	h := newHarness(t)
	check(t, h.service, iamtest.TenantID, iamtest.OwnerID, iamtest.FeatureCoupons, iam.ActionRead)
	reads := h.store.TenantReads.Load()

	result := check(t, h.service, iamtest.TenantID+":x", iamtest.OwnerID, iamtest.FeatureCoupons, iam.ActionRead)

	assert.Equal(t, Result{Reason: iam.Reason{Code: iam.ReasonTenantInactive}}, result)
	assert.Equal(t, reads, h.store.TenantReads.Load())
	assert.Equal(t, 1, h.tiered.Local().Len())
}

func TestPurgeTenant(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := cache.NewRedisClient(context.Background(), cache.RedisOptions{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	store := iamtest.Fixture()
	tiered := cache.NewTiered(cache.NewLocal(100, 0),
		cache.WithShared(cache.NewShared(client, 0, 0)),
	)
	svc := NewService(store, store, iam.NewBuilder(store, store), tiered,
		WithLogger(observability.NopLogger()))

	check(t, svc, iamtest.TenantID, iamtest.OwnerID, iamtest.FeatureCoupons, iam.ActionRead)
	check(t, svc, iamtest.TenantID, iamtest.ManagerID, iamtest.FeatureCoupons, iam.ActionRead)

	local, shared, err := svc.PurgeTenant(context.Background(), iamtest.TenantID)
	require.NoError(t, err)
	assert.Equal(t, 2, local)
	assert.Equal(t, 2, shared)
	assert.Zero(t, tiered.Local().Len())
}
