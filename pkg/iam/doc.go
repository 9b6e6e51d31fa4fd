// Package iam provides the permission model for multi-tenant restaurant accounts.
//
// # Overview
//
// A permission check answers whether a user may perform an action on a feature
// inside a tenant. The catalog is a three-level tree:
//
//	Module      - top-level product area (e.g. "fidelity")
//	Submodule   - grouping inside a module (e.g. "fidelity:coupons")
//	Feature     - the checked subject (e.g. "fidelity:coupons:list")
//
// Actions (read, create, update, delete, export) are applied to features, and
// the Feature × Action pair is what roles and overrides grant.
//
// # Precedence
//
// Decisions are resolved highest first:
//
//  1. Superadmin users are allowed everything, including unknown features.
//  2. A missing or non-active tenant denies everything (tenant-inactive).
//  3. Unknown features or actions are denied (feature-not-found, action-not-found).
//  4. A feature locked by the tenant's plan entitlement resolves Locked.
//  5. A per-user override is final.
//  6. Any held role granting the pair allows it (role:<key>), otherwise no-grant.
//  7. Users with no role who are not the owner are denied with no-role.
//
// Owners implicitly hold the role keyed "owner"; ownership is not a bypass.
//
// # Snapshots
//
// Builder reads the stores once and produces a Snapshot, an immutable value
// bound to the tenant's perm_version. Snapshot.Decide resolves pairs lazily
// and memoizes them; Snapshot.Effective resolves the whole tree. Snapshots
// serialize to JSON so they can be shared across processes.
//
// # Usage Example
//
//	builder := iam.NewBuilder(store, store, iam.WithLockUnentitled(false))
//	snap, err := builder.Build(ctx, tenantID, userID)
//	if err != nil {
//	    return err
//	}
//	if d := snap.Decide("fidelity:coupons:list", iam.ActionRead); d.Allowed() {
//	    // proceed
//	}
package iam
