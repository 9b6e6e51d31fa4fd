package iam

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Builder composes Snapshots from the catalog and grant stores. It performs
// reads only. Superadmin status is resolved by the caller: a built snapshot
// is cached under the tenant's perm_version, which platform flags never bump.
type Builder struct {
	catalog        CatalogStore
	grants         GrantStore
	lockUnentitled bool
	now            func() time.Time
}

// BuilderOption configures a Builder
type BuilderOption func(*Builder)

// WithLockUnentitled treats a catalog entity with no entitlement row as locked
func WithLockUnentitled(lock bool) BuilderOption {
	return func(b *Builder) {
		b.lockUnentitled = lock
	}
}

// WithClock overrides the time source used for BuiltAt
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		b.now = now
	}
}

// NewBuilder creates a new snapshot builder
func NewBuilder(catalog CatalogStore, grants GrantStore, opts ...BuilderOption) *Builder {
	b := &Builder{
		catalog: catalog,
		grants:  grants,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build reads everything needed to answer any feature/action check for the
// user in the tenant. Unknown users resolve like members with no role. It
// never yields a superadmin snapshot.
func (b *Builder) Build(ctx context.Context, tenantID, userID string) (*Snapshot, error) {
	tenant, err := b.grants.GetTenant(ctx, tenantID)
	if errors.Is(err, ErrTenantNotFound) {
		return InactiveSnapshot(tenantID, userID, 0), nil
	}
	if err != nil {
		return nil, storeErr("get tenant", err)
	}
	if !tenant.IsActive() {
		return InactiveSnapshot(tenantID, userID, tenant.PermVersion), nil
	}

	snap := &Snapshot{
		TenantID:     tenantID,
		UserID:       userID,
		PermVersion:  tenant.PermVersion,
		TenantActive: true,
		BuiltAt:      b.now(),
		Overrides:    make(map[string]bool),
		Grants:       make(map[string][]string),
	}

	if snap.IsOwner, err = b.grants.IsOwner(ctx, tenantID, userID); err != nil {
		return nil, storeErr("check owner", err)
	}

	catalog, err := b.catalog.LoadCatalog(ctx)
	if err != nil {
		return nil, storeErr("load catalog", err)
	}
	entitlements, err := b.grants.ListEntitlements(ctx, tenantID)
	if err != nil {
		return nil, storeErr("list entitlements", err)
	}
	b.applyCatalog(snap, catalog, entitlements)

	roles, err := b.heldRoles(ctx, tenantID, userID, snap.IsOwner)
	if err != nil {
		return nil, err
	}
	roleIDs := make([]string, 0, len(roles))
	for _, r := range roles {
		roleIDs = append(roleIDs, r.ID)
		snap.Roles = append(snap.Roles, r.Key)
	}
	sort.Strings(snap.Roles)

	if len(roleIDs) > 0 {
		grants, err := b.grants.ListRoleGrants(ctx, roleIDs)
		if err != nil {
			return nil, storeErr("list role grants", err)
		}
		for _, g := range grants {
			if !g.Allowed {
				continue
			}
			key := GrantKey(g.FeatureID, g.ActionID)
			snap.Grants[key] = appendUnique(snap.Grants[key], g.RoleKey)
		}
		for key := range snap.Grants {
			sort.Strings(snap.Grants[key])
		}
	}

	overrides, err := b.grants.ListOverrides(ctx, tenantID, userID)
	if err != nil {
		return nil, storeErr("list overrides", err)
	}
	for _, o := range overrides {
		snap.Overrides[GrantKey(o.FeatureID, o.ActionID)] = o.Allowed
	}

	return snap, nil
}

// heldRoles returns explicit role assignments plus the implicit owner role.
// Tenant-scoped roles belonging to another tenant are dropped.
func (b *Builder) heldRoles(ctx context.Context, tenantID, userID string, isOwner bool) ([]Role, error) {
	assigned, err := b.grants.ListUserRoles(ctx, tenantID, userID)
	if err != nil {
		return nil, storeErr("list user roles", err)
	}

	seen := make(map[string]bool)
	var held []Role
	add := func(r Role) {
		if r.TenantID != nil && *r.TenantID != tenantID {
			return
		}
		if seen[r.ID] {
			return
		}
		seen[r.ID] = true
		held = append(held, r)
	}
	for _, r := range assigned {
		add(r)
	}

	if isOwner {
		candidates, err := b.grants.FindRoles(ctx, tenantID, RoleOwner)
		if err != nil {
			return nil, storeErr("find owner role", err)
		}
		if owner, ok := pickScoped(candidates, tenantID); ok {
			add(owner)
		}
	}
	return held, nil
}

// pickScoped prefers the tenant's own role over the global one with the same key
func pickScoped(roles []Role, tenantID string) (Role, bool) {
	var global *Role
	for i := range roles {
		r := roles[i]
		if r.TenantID != nil && *r.TenantID == tenantID {
			return r, true
		}
		if r.IsGlobal() && global == nil {
			global = &roles[i]
		}
	}
	if global != nil {
		return *global, true
	}
	return Role{}, false
}

func (b *Builder) applyCatalog(snap *Snapshot, catalog *Catalog, entitlements []Entitlement) {
	status := make(map[EntityType]map[string]EntitlementStatus, 3)
	for _, e := range entitlements {
		if status[e.EntityType] == nil {
			status[e.EntityType] = make(map[string]EntitlementStatus)
		}
		status[e.EntityType][e.EntityID] = e.Status
	}
	locked := func(kind EntityType, id string) bool {
		s, ok := status[kind][id]
		if !ok {
			return b.lockUnentitled
		}
		return s.Locks()
	}

	snap.Modules = catalog.Modules
	snap.Submodules = catalog.Submodules
	snap.Actions = append([]Action(nil), catalog.Actions...)
	sort.Slice(snap.Actions, func(i, j int) bool { return snap.Actions[i].ID < snap.Actions[j].ID })

	snap.Features = make([]FeatureEntry, 0, len(catalog.Features))
	for _, f := range catalog.Features {
		snap.Features = append(snap.Features, FeatureEntry{
			ID:          f.ID,
			Key:         f.Key,
			Name:        f.Name,
			SubmoduleID: f.SubmoduleID,
			ModuleID:    f.ModuleID,
			SortOrder:   f.SortOrder,
			Locked: locked(EntityModule, f.ModuleID) ||
				locked(EntitySubmodule, f.SubmoduleID) ||
				locked(EntityFeature, f.ID),
		})
	}
}

func storeErr(op string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
