package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/platinummonkey/permengine/pkg/iam"
	"github.com/platinummonkey/permengine/pkg/observability"
)

// Publisher announces that a tenant's permissions changed
type Publisher interface {
	Publish(ctx context.Context, tenantID string) error
}

// scope selects which tenants a write bumps
type scope struct {
	all     bool
	tenants []string
}

func tenantScope(ids ...string) scope { return scope{tenants: ids} }

var allTenants = scope{all: true}

// Admin performs permission mutations. Every write bumps perm_version of the
// affected tenants inside the same transaction and publishes after commit.
type Admin struct {
	db        *sql.DB
	publisher Publisher
	logger    *observability.Logger
}

// NewAdmin creates the mutation API. publisher may be nil.
func NewAdmin(db *sql.DB, publisher Publisher, logger *observability.Logger) *Admin {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Admin{db: db, publisher: publisher, logger: logger}
}

// write runs fn in a transaction, bumps the scope, commits, then publishes
func (a *Admin) write(ctx context.Context, op string, sc scope, fn func(tx *sql.Tx) (scope, error)) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}

	if fn != nil {
		extra, err := fn(tx)
		if err != nil {
			tx.Rollback()
			return err
		}
		if extra.all {
			sc = allTenants
		} else if !sc.all {
			sc.tenants = append(sc.tenants, extra.tenants...)
		}
	}

	var bumped []string
	if sc.all {
		if _, err := tx.ExecContext(ctx, `UPDATE tenants SET perm_version = perm_version + 1`); err != nil {
			tx.Rollback()
			return unavailable(op+": bump versions", err)
		}
		if bumped, err = listTenantIDs(ctx, tx); err != nil {
			tx.Rollback()
			return unavailable(op+": list tenants", err)
		}
	} else {
		bumped = dedupe(sc.tenants)
		for _, id := range bumped {
			if err := bumpVersion(ctx, tx, id); err != nil {
				tx.Rollback()
				if errors.Is(err, iam.ErrTenantNotFound) {
					return err
				}
				return unavailable(op+": bump version", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable(op+": commit", err)
	}

	a.publish(ctx, op, bumped)
	return nil
}

func bumpVersion(ctx context.Context, tx *sql.Tx, tenantID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tenants SET perm_version = perm_version + 1 WHERE id = $1`, tenantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", iam.ErrTenantNotFound, tenantID)
	}
	return nil
}

// publish never fails the write; a lost message is covered by cache TTLs
func (a *Admin) publish(ctx context.Context, op string, tenantIDs []string) {
	if a.publisher == nil {
		return
	}
	for _, id := range tenantIDs {
		if err := a.publisher.Publish(ctx, id); err != nil {
			a.logger.WithError(err).WithFields(map[string]interface{}{
				"tenant_id": id,
				"operation": op,
			}).Error("Failed to publish permission invalidation")
		}
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CreateTenant inserts a tenant at perm_version 1
func (a *Admin) CreateTenant(ctx context.Context, tenant *iam.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.NewString()
	}
	if err := iam.ValidateTenantID(tenant.ID); err != nil {
		return err
	}
	if tenant.Status == "" {
		tenant.Status = iam.TenantStatusActive
	}
	tenant.PermVersion = 1

	_, err := a.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, plan_key, status, perm_version) VALUES ($1, $2, $3, $4, $5)`,
		tenant.ID, tenant.Name, nullString(tenant.PlanKey), string(tenant.Status), tenant.PermVersion,
	)
	if err != nil {
		return unavailable("create tenant", err)
	}
	return nil
}

// UpsertUser creates or updates a platform user
func (a *Admin) UpsertUser(ctx context.Context, user iam.User) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO users (id, email, is_superadmin) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET email = excluded.email, is_superadmin = excluded.is_superadmin
	`, user.ID, nullString(user.Email), user.IsSuperAdmin)
	if err != nil {
		return unavailable("upsert user", err)
	}
	return nil
}

// SetTenantStatus changes the tenant lifecycle state
func (a *Admin) SetTenantStatus(ctx context.Context, tenantID string, status iam.TenantStatus) error {
	return a.write(ctx, "set tenant status", tenantScope(tenantID), func(tx *sql.Tx) (scope, error) {
		_, err := tx.ExecContext(ctx, `UPDATE tenants SET status = $1 WHERE id = $2`, string(status), tenantID)
		if err != nil {
			return scope{}, unavailable("set tenant status", err)
		}
		return scope{}, nil
	})
}

// SetOwner grants or revokes tenant ownership
func (a *Admin) SetOwner(ctx context.Context, tenantID, userID string, owner bool) error {
	return a.write(ctx, "set owner", tenantScope(tenantID), func(tx *sql.Tx) (scope, error) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tenant_members (tenant_id, user_id, is_owner) VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id, user_id) DO UPDATE SET is_owner = excluded.is_owner
		`, tenantID, userID, owner)
		if err != nil {
			return scope{}, unavailable("set owner", err)
		}
		return scope{}, nil
	})
}

// CreateRole inserts a role. A global role bumps every tenant.
func (a *Admin) CreateRole(ctx context.Context, role *iam.Role) error {
	if role.Key == "" {
		return fmt.Errorf("%w: role key is required", iam.ErrInvalidArgument)
	}
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	return a.write(ctx, "create role", roleScope(role), func(tx *sql.Tx) (scope, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO roles (id, tenant_id, key, name, is_system) VALUES ($1, $2, $3, $4, $5)`,
			role.ID, nullStringPtr(role.TenantID), role.Key, role.Name, role.IsSystem,
		)
		if err != nil {
			return scope{}, unavailable("create role", err)
		}
		return scope{}, nil
	})
}

func roleScope(role *iam.Role) scope {
	if role.IsGlobal() {
		return allTenants
	}
	return tenantScope(*role.TenantID)
}

// DeleteRole removes a role with its grants and assignments
func (a *Admin) DeleteRole(ctx context.Context, roleID string) error {
	return a.write(ctx, "delete role", scope{}, func(tx *sql.Tx) (scope, error) {
		role, err := getRole(ctx, tx, roleID)
		if err != nil {
			if errors.Is(err, iam.ErrRoleNotFound) {
				return scope{}, err
			}
			return scope{}, unavailable("delete role", err)
		}
		for _, q := range []string{
			`DELETE FROM role_permissions WHERE role_id = $1`,
			`DELETE FROM user_roles WHERE role_id = $1`,
			`DELETE FROM roles WHERE id = $1`,
		} {
			if _, err := tx.ExecContext(ctx, q, roleID); err != nil {
				return scope{}, unavailable("delete role", err)
			}
		}
		return roleScope(role), nil
	})
}

// SetRolePermissions replaces every permission row of the role
func (a *Admin) SetRolePermissions(ctx context.Context, roleID string, perms []iam.RolePermission) error {
	return a.write(ctx, "set role permissions", scope{}, func(tx *sql.Tx) (scope, error) {
		role, err := getRole(ctx, tx, roleID)
		if err != nil {
			if errors.Is(err, iam.ErrRoleNotFound) {
				return scope{}, err
			}
			return scope{}, unavailable("set role permissions", err)
		}
		if err := replaceRolePermissions(ctx, tx, roleID, perms); err != nil {
			return scope{}, unavailable("set role permissions", err)
		}
		return roleScope(role), nil
	})
}

func replaceRolePermissions(ctx context.Context, tx *sql.Tx, roleID string, perms []iam.RolePermission) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return err
	}
	for _, p := range perms {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO role_permissions (role_id, feature_id, action_id, allowed) VALUES ($1, $2, $3, $4)
			ON CONFLICT (role_id, feature_id, action_id) DO UPDATE SET allowed = excluded.allowed
		`, roleID, p.FeatureID, p.ActionID, p.Allowed)
		if err != nil {
			return err
		}
	}
	return nil
}

// AssignUserRole gives the user a role in the tenant. The role must be global
// or scoped to that tenant.
func (a *Admin) AssignUserRole(ctx context.Context, tenantID, userID, roleID string) error {
	return a.write(ctx, "assign user role", tenantScope(tenantID), func(tx *sql.Tx) (scope, error) {
		role, err := getRole(ctx, tx, roleID)
		if err != nil {
			if errors.Is(err, iam.ErrRoleNotFound) {
				return scope{}, err
			}
			return scope{}, unavailable("assign user role", err)
		}
		if role.TenantID != nil && *role.TenantID != tenantID {
			return scope{}, fmt.Errorf("%w: role %s belongs to another tenant", iam.ErrInvalidArgument, roleID)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_roles (tenant_id, user_id, role_id) VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id, user_id, role_id) DO NOTHING
		`, tenantID, userID, roleID)
		if err != nil {
			return scope{}, unavailable("assign user role", err)
		}
		return scope{}, nil
	})
}

// RemoveUserRole revokes a role from the user in the tenant
func (a *Admin) RemoveUserRole(ctx context.Context, tenantID, userID, roleID string) error {
	return a.write(ctx, "remove user role", tenantScope(tenantID), func(tx *sql.Tx) (scope, error) {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM user_roles WHERE tenant_id = $1 AND user_id = $2 AND role_id = $3`,
			tenantID, userID, roleID)
		if err != nil {
			return scope{}, unavailable("remove user role", err)
		}
		return scope{}, nil
	})
}

// SetUserOverride records an explicit allow or deny for one feature/action pair
func (a *Admin) SetUserOverride(ctx context.Context, o iam.UserPermissionOverride) error {
	return a.write(ctx, "set user override", tenantScope(o.TenantID), func(tx *sql.Tx) (scope, error) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_permission_overrides (tenant_id, user_id, feature_id, action_id, allowed)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id, user_id, feature_id, action_id) DO UPDATE SET allowed = excluded.allowed
		`, o.TenantID, o.UserID, o.FeatureID, o.ActionID, o.Allowed)
		if err != nil {
			return scope{}, unavailable("set user override", err)
		}
		return scope{}, nil
	})
}

// ClearUserOverride removes an override so roles decide again
func (a *Admin) ClearUserOverride(ctx context.Context, tenantID, userID, featureID string, actionID int64) error {
	return a.write(ctx, "clear user override", tenantScope(tenantID), func(tx *sql.Tx) (scope, error) {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM user_permission_overrides
			WHERE tenant_id = $1 AND user_id = $2 AND feature_id = $3 AND action_id = $4
		`, tenantID, userID, featureID, actionID)
		if err != nil {
			return scope{}, unavailable("clear user override", err)
		}
		return scope{}, nil
	})
}

// SetEntitlement records the plan status of one catalog entity for the tenant
func (a *Admin) SetEntitlement(ctx context.Context, e iam.Entitlement) error {
	return a.write(ctx, "set entitlement", tenantScope(e.TenantID), func(tx *sql.Tx) (scope, error) {
		return scope{}, upsertEntitlement(ctx, tx, e)
	})
}

func upsertEntitlement(ctx context.Context, tx *sql.Tx, e iam.Entitlement) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tenant_entitlements (tenant_id, entity_type, entity_id, status, source)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, entity_type, entity_id) DO UPDATE SET status = excluded.status, source = excluded.source
	`, e.TenantID, string(e.EntityType), e.EntityID, string(e.Status), nullString(e.Source))
	if err != nil {
		return unavailable("set entitlement", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
