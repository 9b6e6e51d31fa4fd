package iam

import (
	"fmt"
	"strings"
	"time"
)

// TenantStatus represents the lifecycle state of a tenant (restaurant)
type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusSuspended TenantStatus = "suspended"
	TenantStatusCanceled  TenantStatus = "canceled"
)

// Tenant represents an isolated restaurant account
type Tenant struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	PlanKey     string       `json:"plan_key"`
	Status      TenantStatus `json:"status"`
	PermVersion int64        `json:"perm_version"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ValidateTenantID rejects ids that would be ambiguous inside a cache key or
// a key scan pattern
func ValidateTenantID(id string) error {
	if id == "" || strings.ContainsAny(id, ":*?[]\\") {
		return fmt.Errorf("%w: tenant id %q", ErrInvalidArgument, id)
	}
	return nil
}

// IsActive reports whether the tenant can resolve any grant at all
func (t *Tenant) IsActive() bool {
	return t != nil && t.Status == TenantStatusActive
}

// User is the platform-wide identity. Only the superadmin flag matters here.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	IsSuperAdmin bool   `json:"is_superadmin"`
}

// Module is the top level of the catalog tree
type Module struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	Name      string `json:"name"`
	SortOrder int    `json:"sort_order"`
}

// Submodule groups features within a module
type Submodule struct {
	ID        string `json:"id"`
	ModuleID  string `json:"module_id"`
	Key       string `json:"key"`
	Name      string `json:"name"`
	SortOrder int    `json:"sort_order"`
}

// Feature is the atomic permission subject, e.g. "fidelity:coupons:list"
type Feature struct {
	ID          string `json:"id"`
	SubmoduleID string `json:"submodule_id"`
	ModuleID    string `json:"module_id"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	SortOrder   int    `json:"sort_order"`
}

// Action is a verb applied to a feature (read, create, update, delete, ...)
type Action struct {
	ID  int64  `json:"id"`
	Key string `json:"key"`
}

// Built-in action keys
const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionExport = "export"
)

// Catalog is the full Module/Submodule/Feature/Action tree as visible at read time
type Catalog struct {
	Modules    []Module    `json:"modules"`
	Submodules []Submodule `json:"submodules"`
	Features   []Feature   `json:"features"`
	Actions    []Action    `json:"actions"`
}

// Role is a named set of grants, global when TenantID is nil
type Role struct {
	ID       string    `json:"id"`
	Key      string    `json:"key"`
	Name     string    `json:"name"`
	TenantID *string   `json:"tenant_id,omitempty"`
	IsSystem bool      `json:"is_system"`
	Created  time.Time `json:"created_at"`
}

// IsGlobal reports whether the role applies outside any single tenant
func (r Role) IsGlobal() bool {
	return r.TenantID == nil
}

// Well-known role keys
const (
	RoleSuperAdmin = "super_admin"
	RoleOwner      = "owner"
	RoleManager    = "manager"
	RoleWaiter     = "waiter"
)

// RolePermission grants or withholds a feature/action pair for a role
type RolePermission struct {
	RoleID    string `json:"role_id"`
	FeatureID string `json:"feature_id"`
	ActionID  int64  `json:"action_id"`
	Allowed   bool   `json:"allowed"`
}

// RoleGrant is a RolePermission joined with the role key, as loaded for one user
type RoleGrant struct {
	RoleKey   string `json:"role_key"`
	FeatureID string `json:"feature_id"`
	ActionID  int64  `json:"action_id"`
	Allowed   bool   `json:"allowed"`
}

// UserRole assigns a role to a user within a tenant
type UserRole struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	RoleID   string `json:"role_id"`
}

// UserPermissionOverride is an explicit per-user exception for one feature/action pair
type UserPermissionOverride struct {
	UserID    string `json:"user_id"`
	TenantID  string `json:"tenant_id"`
	FeatureID string `json:"feature_id"`
	ActionID  int64  `json:"action_id"`
	Allowed   bool   `json:"allowed"`
}

// EntityType is the catalog level an entitlement applies to
type EntityType string

const (
	EntityModule    EntityType = "module"
	EntitySubmodule EntityType = "submodule"
	EntityFeature   EntityType = "feature"
)

// EntitlementStatus is the plan-derived availability of a catalog entity
type EntitlementStatus string

const (
	EntitlementActive EntitlementStatus = "active"
	EntitlementTrial  EntitlementStatus = "trial"
	EntitlementLocked EntitlementStatus = "locked"
	EntitlementHidden EntitlementStatus = "hidden"
)

// Locks reports whether the status makes the entity unreachable
func (s EntitlementStatus) Locks() bool {
	return s == EntitlementLocked || s == EntitlementHidden
}

// Entitlement is a per-tenant plan lock on a module, submodule or feature
type Entitlement struct {
	TenantID   string            `json:"tenant_id"`
	EntityType EntityType        `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Status     EntitlementStatus `json:"status"`
	Source     string            `json:"source"`
}
