package iam

import "context"

// UserDirectory resolves platform-wide identity. The service consults it before
// any tenant data so superadmins never touch the grant store.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*User, error)
}

// CatalogStore reads the Module/Submodule/Feature/Action tree
type CatalogStore interface {
	LoadCatalog(ctx context.Context) (*Catalog, error)
}

// GrantStore reads per-tenant mutable permission data. Implementations return
// ErrTenantNotFound for unknown tenants and wrap driver failures in
// ErrStoreUnavailable.
type GrantStore interface {
	// TenantVersion returns the current perm_version. It is read on every check.
	TenantVersion(ctx context.Context, tenantID string) (int64, error)
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	IsOwner(ctx context.Context, tenantID, userID string) (bool, error)
	// ListUserRoles returns the roles explicitly assigned to the user in the tenant
	ListUserRoles(ctx context.Context, tenantID, userID string) ([]Role, error)
	// FindRoles returns every role with the given key visible to the tenant,
	// tenant-scoped and global.
	FindRoles(ctx context.Context, tenantID, key string) ([]Role, error)
	ListRoleGrants(ctx context.Context, roleIDs []string) ([]RoleGrant, error)
	ListOverrides(ctx context.Context, tenantID, userID string) ([]UserPermissionOverride, error)
	ListEntitlements(ctx context.Context, tenantID string) ([]Entitlement, error)
}

// Reader bundles every read interface the builder needs
type Reader interface {
	UserDirectory
	CatalogStore
	GrantStore
}
