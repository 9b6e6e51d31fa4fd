// Package store persists tenants, the permission catalog and per-tenant grants
// in PostgreSQL.
//
// Store implements the read interfaces consumed by iam.Builder. Admin owns
// every mutation: each write runs in one transaction together with the
// perm_version bump of the affected tenants, and the invalidation is published
// only after commit. A failed publish is logged and never fails the write.
//
// Writes that touch global data (catalog, global roles) bump every tenant.
package store
