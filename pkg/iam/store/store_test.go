package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/permengine/pkg/iam"
	"github.com/platinummonkey/permengine/pkg/observability"
)

const sqliteSchema = `
	CREATE TABLE tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		plan_key TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		perm_version INTEGER NOT NULL DEFAULT 1
	);
	CREATE TABLE users (
		id TEXT PRIMARY KEY,
		email TEXT,
		is_superadmin BOOLEAN NOT NULL DEFAULT 0
	);
	CREATE TABLE tenant_members (
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		is_owner BOOLEAN NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, user_id)
	);
	CREATE TABLE modules (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		sort_order INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE submodules (
		id TEXT PRIMARY KEY,
		module_id TEXT NOT NULL,
		key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		sort_order INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE features (
		id TEXT PRIMARY KEY,
		submodule_id TEXT NOT NULL,
		key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		sort_order INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE actions (
		id INTEGER PRIMARY KEY,
		key TEXT NOT NULL UNIQUE
	);
	CREATE TABLE roles (
		id TEXT PRIMARY KEY,
		tenant_id TEXT,
		key TEXT NOT NULL,
		name TEXT NOT NULL,
		is_system BOOLEAN NOT NULL DEFAULT 0
	);
	CREATE TABLE role_permissions (
		role_id TEXT NOT NULL,
		feature_id TEXT NOT NULL,
		action_id INTEGER NOT NULL,
		allowed BOOLEAN NOT NULL DEFAULT 1,
		PRIMARY KEY (role_id, feature_id, action_id)
	);
	CREATE TABLE user_roles (
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role_id TEXT NOT NULL,
		PRIMARY KEY (tenant_id, user_id, role_id)
	);
	CREATE TABLE user_permission_overrides (
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		feature_id TEXT NOT NULL,
		action_id INTEGER NOT NULL,
		allowed BOOLEAN NOT NULL,
		PRIMARY KEY (tenant_id, user_id, feature_id, action_id)
	);
	CREATE TABLE tenant_entitlements (
		tenant_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		status TEXT NOT NULL,
		source TEXT,
		PRIMARY KEY (tenant_id, entity_type, entity_id)
	);
`

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// Each pooled connection would otherwise get its own empty database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)
	return db
}

type recordingPublisher struct {
	mu      sync.Mutex
	tenants []string
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, tenantID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tenants = append(p.tenants, tenantID)
	return p.err
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tenants...)
}

type fixture struct {
	db     *sql.DB
	store  *Store
	admin  *Admin
	pub    *recordingPublisher
	logBuf *bytes.Buffer
	seed   *iam.Seed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db := setupTestDB(t)
	pub := &recordingPublisher{}
	var logBuf bytes.Buffer
	admin := NewAdmin(db, pub, observability.NewLogger(observability.InfoLevel, &logBuf))

	seed, err := iam.DefaultSeed()
	require.NoError(t, err)

	require.NoError(t, admin.CreateTenant(ctx, &iam.Tenant{ID: "t1", Name: "Trattoria", PlanKey: "pro"}))
	require.NoError(t, admin.CreateTenant(ctx, &iam.Tenant{ID: "t2", Name: "Bistro", PlanKey: "pro"}))
	require.NoError(t, admin.ApplySeed(ctx, seed))

	require.NoError(t, admin.UpsertUser(ctx, iam.User{ID: "admin", IsSuperAdmin: true}))
	require.NoError(t, admin.UpsertUser(ctx, iam.User{ID: "owner", Email: "owner@example.com"}))
	require.NoError(t, admin.UpsertUser(ctx, iam.User{ID: "waiter"}))

	return &fixture{db: db, store: New(db), admin: admin, pub: pub, logBuf: &logBuf, seed: seed}
}

func (f *fixture) version(t *testing.T, tenantID string) int64 {
	t.Helper()
	v, err := f.store.TenantVersion(context.Background(), tenantID)
	require.NoError(t, err)
	return v
}

func (f *fixture) build(t *testing.T, tenantID, userID string) *iam.Snapshot {
	t.Helper()
	snap, err := iam.NewBuilder(f.store, f.store).Build(context.Background(), tenantID, userID)
	require.NoError(t, err)
	return snap
}

func TestStore_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.GetTenant(ctx, "missing")
	assert.ErrorIs(t, err, iam.ErrTenantNotFound)

	_, err = f.store.TenantVersion(ctx, "missing")
	assert.ErrorIs(t, err, iam.ErrTenantNotFound)

	_, err = f.store.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, iam.ErrUserNotFound)

	_, err = f.store.GetRole(ctx, "missing")
	assert.ErrorIs(t, err, iam.ErrRoleNotFound)
}

func TestStore_LoadCatalogFromSeed(t *testing.T) {
	f := newFixture(t)

	catalog, err := f.store.LoadCatalog(context.Background())
	require.NoError(t, err)

	assert.Len(t, catalog.Actions, len(f.seed.Actions))
	assert.Equal(t, "fidelity", catalog.Modules[0].Key)

	var coupons *iam.Feature
	for i := range catalog.Features {
		if catalog.Features[i].Key == "fidelity:coupons:list" {
			coupons = &catalog.Features[i]
		}
	}
	require.NotNil(t, coupons)
	assert.Equal(t, CatalogID(string(iam.EntityModule), "fidelity"), coupons.ModuleID)
}

func TestStore_ApplySeedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, err := f.store.LoadCatalog(ctx)
	require.NoError(t, err)
	require.NoError(t, f.admin.ApplySeed(ctx, f.seed))
	after, err := f.store.LoadCatalog(ctx)
	require.NoError(t, err)

	assert.Equal(t, before, after)
}

func TestStore_OwnerResolvesThroughSeededRole(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.admin.SetOwner(context.Background(), "t1", "owner", true))

	snap := f.build(t, "t1", "owner")
	assert.True(t, snap.IsOwner)

	d := snap.Decide("fidelity:coupons:list", iam.ActionRead)
	assert.True(t, d.Allowed())
	assert.Equal(t, "role:owner", d.Reason.String())

	// Ownership in t1 does not leak into t2.
	snap = f.build(t, "t2", "owner")
	assert.Equal(t, iam.ReasonNoRole, snap.Decide("fidelity:coupons:list", iam.ActionRead).Reason.Code)
}

func TestAdmin_MutationsBumpAndPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	waiterRole := CatalogID("role", iam.RoleWaiter)
	ticketsID := CatalogID(string(iam.EntityFeature), "orders:pos:tickets")

	mutations := []struct {
		name string
		fn   func() error
	}{
		{"assign role", func() error { return f.admin.AssignUserRole(ctx, "t1", "waiter", waiterRole) }},
		{"set override", func() error {
			return f.admin.SetUserOverride(ctx, iam.UserPermissionOverride{
				TenantID: "t1", UserID: "waiter", FeatureID: ticketsID, ActionID: 1, Allowed: false,
			})
		}},
		{"clear override", func() error { return f.admin.ClearUserOverride(ctx, "t1", "waiter", ticketsID, 1) }},
		{"set entitlement", func() error {
			return f.admin.SetEntitlement(ctx, iam.Entitlement{
				TenantID: "t1", EntityType: iam.EntityFeature, EntityID: ticketsID, Status: iam.EntitlementTrial,
			})
		}},
		{"remove role", func() error { return f.admin.RemoveUserRole(ctx, "t1", "waiter", waiterRole) }},
		{"set status", func() error { return f.admin.SetTenantStatus(ctx, "t1", iam.TenantStatusActive) }},
	}

	for _, m := range mutations {
		t.Run(m.name, func(t *testing.T) {
			before := f.version(t, "t1")
			otherBefore := f.version(t, "t2")
			published := len(f.pub.published())

			require.NoError(t, m.fn())

			assert.Equal(t, before+1, f.version(t, "t1"))
			assert.Equal(t, otherBefore, f.version(t, "t2"))
			assert.Equal(t, []string{"t1"}, f.pub.published()[published:])
		})
	}
}

func TestAdmin_OverrideChangesDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.admin.AssignUserRole(ctx, "t1", "waiter", CatalogID("role", iam.RoleWaiter)))

	assert.True(t, f.build(t, "t1", "waiter").Decide("orders:pos:tickets", iam.ActionRead).Allowed())

	require.NoError(t, f.admin.SetUserOverride(ctx, iam.UserPermissionOverride{
		TenantID: "t1", UserID: "waiter",
		FeatureID: CatalogID(string(iam.EntityFeature), "orders:pos:tickets"), ActionID: 1, Allowed: false,
	}))

	d := f.build(t, "t1", "waiter").Decide("orders:pos:tickets", iam.ActionRead)
	assert.Equal(t, iam.Denied, d.Effect)
	assert.Equal(t, iam.ReasonOverride, d.Reason.Code)
}

func TestAdmin_GlobalRoleWriteBumpsEveryTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1, v2 := f.version(t, "t1"), f.version(t, "t2")

	err := f.admin.SetRolePermissions(ctx, CatalogID("role", iam.RoleWaiter), []iam.RolePermission{
		{FeatureID: CatalogID(string(iam.EntityFeature), "orders:pos:tickets"), ActionID: 1, Allowed: true},
	})
	require.NoError(t, err)

	assert.Equal(t, v1+1, f.version(t, "t1"))
	assert.Equal(t, v2+1, f.version(t, "t2"))
	assert.ElementsMatch(t, []string{"t1", "t2"}, f.pub.published()[len(f.pub.published())-2:])
}

func TestAdmin_TenantRoleLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := "t1"

	role := &iam.Role{Key: "sommelier", Name: "Sommelier", TenantID: &tenantID}
	v2 := f.version(t, "t2")
	require.NoError(t, f.admin.CreateRole(ctx, role))
	assert.NotEmpty(t, role.ID)
	assert.Equal(t, v2, f.version(t, "t2"))

	// A tenant-scoped role cannot be assigned in another tenant.
	err := f.admin.AssignUserRole(ctx, "t2", "waiter", role.ID)
	assert.ErrorIs(t, err, iam.ErrInvalidArgument)

	require.NoError(t, f.admin.AssignUserRole(ctx, "t1", "waiter", role.ID))
	roles, err := f.store.ListUserRoles(ctx, "t1", "waiter")
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "sommelier", roles[0].Key)

	require.NoError(t, f.admin.DeleteRole(ctx, role.ID))
	roles, err = f.store.ListUserRoles(ctx, "t1", "waiter")
	require.NoError(t, err)
	assert.Empty(t, roles)

	err = f.admin.DeleteRole(ctx, role.ID)
	assert.ErrorIs(t, err, iam.ErrRoleNotFound)
}

func TestAdmin_ApplyPlanLocksEntities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.admin.SetOwner(ctx, "t1", "owner", true))

	plan, ok := f.seed.Plan("basic")
	require.True(t, ok)
	require.NoError(t, f.admin.ApplyPlan(ctx, "t1", plan))

	tenant, err := f.store.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "basic", tenant.PlanKey)

	snap := f.build(t, "t1", "owner")
	d := snap.Decide("reports:export", iam.ActionExport)
	assert.Equal(t, iam.Locked, d.Effect)
	assert.True(t, snap.Decide("billing", iam.ActionRead).Locked())
	assert.True(t, snap.Decide("fidelity:coupons:list", iam.ActionRead).Allowed())

	// Switching to a plan without locks reopens everything.
	pro, ok := f.seed.Plan("pro")
	require.True(t, ok)
	require.NoError(t, f.admin.ApplyPlan(ctx, "t1", pro))
	assert.True(t, f.build(t, "t1", "owner").Decide("reports:export", iam.ActionExport).Allowed())

	err = f.admin.ApplyPlan(ctx, "missing", pro)
	assert.ErrorIs(t, err, iam.ErrTenantNotFound)
}

func TestAdmin_PlanRowsSatisfyLockUnentitled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.admin.SetOwner(ctx, "t1", "owner", true))

	builder := iam.NewBuilder(f.store, f.store, iam.WithLockUnentitled(true))
	snap, err := builder.Build(ctx, "t1", "owner")
	require.NoError(t, err)
	assert.True(t, snap.Decide("fidelity:coupons:list", iam.ActionRead).Locked())

	pro, _ := f.seed.Plan("pro")
	require.NoError(t, f.admin.ApplyPlan(ctx, "t1", pro))

	snap, err = builder.Build(ctx, "t1", "owner")
	require.NoError(t, err)
	assert.True(t, snap.Decide("fidelity:coupons:list", iam.ActionRead).Allowed())
}

func TestAdmin_PublishFailureDoesNotFailWrite(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("redis down")
	before := f.version(t, "t1")

	err := f.admin.SetOwner(context.Background(), "t1", "owner", true)
	require.NoError(t, err)

	assert.Equal(t, before+1, f.version(t, "t1"))
	assert.Contains(t, f.logBuf.String(), "Failed to publish permission invalidation")
	assert.Contains(t, f.logBuf.String(), `"level":"error"`)
}

func TestAdmin_UnknownTenantRollsBack(t *testing.T) {
	f := newFixture(t)
	err := f.admin.SetOwner(context.Background(), "missing", "owner", true)
	assert.ErrorIs(t, err, iam.ErrTenantNotFound)

	owner, err := f.store.IsOwner(context.Background(), "missing", "owner")
	require.NoError(t, err)
	assert.False(t, owner)
}

func TestAdmin_CreateTenantRejectsKeySeparators(t *testing.T) {
	f := newFixture(t)
	err := f.admin.CreateTenant(context.Background(), &iam.Tenant{ID: "t1:shadow", Name: "Shadow"})
	assert.ErrorIs(t, err, iam.ErrInvalidArgument)

	_, err = f.store.GetTenant(context.Background(), "t1:shadow")
	assert.ErrorIs(t, err, iam.ErrTenantNotFound)
}

func TestAdmin_SuperAdminFlag(t *testing.T) {
	f := newFixture(t)
	user, err := f.store.GetUser(context.Background(), "admin")
	require.NoError(t, err)
	assert.True(t, user.IsSuperAdmin)

	user, err = f.store.GetUser(context.Background(), "owner")
	require.NoError(t, err)
	assert.False(t, user.IsSuperAdmin)
	assert.Equal(t, "owner@example.com", user.Email)
}
