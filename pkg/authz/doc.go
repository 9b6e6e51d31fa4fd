// Package authz is the permission service used by request handlers.
//
// Service.CheckPermission resolves one (tenant, user, feature, action) tuple:
//
//  1. superadmins are allowed without reading tenant data
//  2. the tenant's perm_version is read fresh on every call
//  3. the snapshot for (tenant, user, version) comes from the local tier,
//     the shared tier, or a single-flighted build
//  4. the snapshot decides the pair
//
// Store outages deny with reason store-unavailable unless fail-open is
// configured. Unknown tenants, features and actions are ordinary denials.
//
// RequirePermission adapts the service to net/http middleware, Handlers
// exposes snapshot inspection and cache purge routes, and Reconciler
// periodically drops snapshots keyed by superseded versions.
package authz
