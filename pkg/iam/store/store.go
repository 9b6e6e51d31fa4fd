package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/permengine/pkg/iam"
)

var tracer = otel.Tracer("permengine/iam/store")

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store reads permission data from PostgreSQL
type Store struct {
	db *sql.DB
}

// New creates a new permission store
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying connection pool
func (s *Store) DB() *sql.DB {
	return s.db
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, iam.ErrStoreUnavailable, err)
}

func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, iam.ErrTenantNotFound) && !errors.Is(err, iam.ErrUserNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (user *iam.User, err error) {
	ctx, span := startSpan(ctx, "GetUser", attribute.String("user.id", userID))
	defer func() { endSpan(span, err) }()

	var u iam.User
	var email sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT id, email, is_superadmin FROM users WHERE id = $1`, userID,
	).Scan(&u.ID, &email, &u.IsSuperAdmin)
	if err == sql.ErrNoRows {
		return nil, iam.ErrUserNotFound
	}
	if err != nil {
		return nil, unavailable("get user", err)
	}
	u.Email = email.String
	return &u, nil
}

// LoadCatalog reads the whole catalog tree
func (s *Store) LoadCatalog(ctx context.Context) (catalog *iam.Catalog, err error) {
	ctx, span := startSpan(ctx, "LoadCatalog")
	defer func() { endSpan(span, err) }()

	catalog, err = loadCatalog(ctx, s.db)
	if err != nil {
		return nil, unavailable("load catalog", err)
	}
	span.SetAttributes(attribute.Int("catalog.features", len(catalog.Features)))
	return catalog, nil
}

func loadCatalog(ctx context.Context, q querier) (*iam.Catalog, error) {
	var c iam.Catalog

	rows, err := q.QueryContext(ctx, `SELECT id, key, name, sort_order FROM modules ORDER BY sort_order, key`)
	if err != nil {
		return nil, fmt.Errorf("query modules: %w", err)
	}
	for rows.Next() {
		var m iam.Module
		if err := rows.Scan(&m.ID, &m.Key, &m.Name, &m.SortOrder); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan module: %w", err)
		}
		c.Modules = append(c.Modules, m)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx, `SELECT id, module_id, key, name, sort_order FROM submodules ORDER BY sort_order, key`)
	if err != nil {
		return nil, fmt.Errorf("query submodules: %w", err)
	}
	for rows.Next() {
		var sm iam.Submodule
		if err := rows.Scan(&sm.ID, &sm.ModuleID, &sm.Key, &sm.Name, &sm.SortOrder); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan submodule: %w", err)
		}
		c.Submodules = append(c.Submodules, sm)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx, `
		SELECT f.id, f.submodule_id, sm.module_id, f.key, f.name, f.sort_order
		FROM features f
		JOIN submodules sm ON sm.id = f.submodule_id
		ORDER BY f.sort_order, f.key
	`)
	if err != nil {
		return nil, fmt.Errorf("query features: %w", err)
	}
	for rows.Next() {
		var f iam.Feature
		if err := rows.Scan(&f.ID, &f.SubmoduleID, &f.ModuleID, &f.Key, &f.Name, &f.SortOrder); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		c.Features = append(c.Features, f)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx, `SELECT id, key FROM actions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	for rows.Next() {
		var a iam.Action
		if err := rows.Scan(&a.ID, &a.Key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan action: %w", err)
		}
		c.Actions = append(c.Actions, a)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	return &c, nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("iterate rows: %w", err)
	}
	return nil
}

// TenantVersion returns the tenant's current perm_version
func (s *Store) TenantVersion(ctx context.Context, tenantID string) (version int64, err error) {
	ctx, span := startSpan(ctx, "TenantVersion", attribute.String("tenant.id", tenantID))
	defer func() { endSpan(span, err) }()

	err = s.db.QueryRowContext(ctx, `SELECT perm_version FROM tenants WHERE id = $1`, tenantID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, iam.ErrTenantNotFound
	}
	if err != nil {
		return 0, unavailable("tenant version", err)
	}
	return version, nil
}

// GetTenant retrieves a tenant by ID
func (s *Store) GetTenant(ctx context.Context, tenantID string) (tenant *iam.Tenant, err error) {
	ctx, span := startSpan(ctx, "GetTenant", attribute.String("tenant.id", tenantID))
	defer func() { endSpan(span, err) }()

	tenant, err = getTenant(ctx, s.db, tenantID)
	if err == sql.ErrNoRows {
		return nil, iam.ErrTenantNotFound
	}
	if err != nil {
		return nil, unavailable("get tenant", err)
	}
	return tenant, nil
}

func getTenant(ctx context.Context, q querier, tenantID string) (*iam.Tenant, error) {
	var t iam.Tenant
	var planKey sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT id, name, plan_key, status, perm_version FROM tenants WHERE id = $1`, tenantID,
	).Scan(&t.ID, &t.Name, &planKey, &t.Status, &t.PermVersion)
	if err != nil {
		return nil, err
	}
	t.PlanKey = planKey.String
	return &t, nil
}

// ListTenantIDs returns every tenant id
func (s *Store) ListTenantIDs(ctx context.Context) ([]string, error) {
	ids, err := listTenantIDs(ctx, s.db)
	if err != nil {
		return nil, unavailable("list tenants", err)
	}
	return ids, nil
}

func listTenantIDs(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, closeRows(rows)
}

// IsOwner reports whether the user owns the tenant
func (s *Store) IsOwner(ctx context.Context, tenantID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tenant_members WHERE tenant_id = $1 AND user_id = $2 AND is_owner = $3`,
		tenantID, userID, true,
	).Scan(&count)
	if err != nil {
		return false, unavailable("check owner", err)
	}
	return count > 0, nil
}

func scanRoles(rows *sql.Rows) ([]iam.Role, error) {
	var roles []iam.Role
	for rows.Next() {
		var r iam.Role
		var tenantID sql.NullString
		if err := rows.Scan(&r.ID, &r.Key, &r.Name, &tenantID, &r.IsSystem); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan role: %w", err)
		}
		if tenantID.Valid {
			id := tenantID.String
			r.TenantID = &id
		}
		roles = append(roles, r)
	}
	return roles, closeRows(rows)
}

// ListUserRoles returns the roles assigned to the user that are visible to the tenant
func (s *Store) ListUserRoles(ctx context.Context, tenantID, userID string) ([]iam.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.key, r.name, r.tenant_id, r.is_system
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.tenant_id = $1 AND ur.user_id = $2
		  AND (r.tenant_id IS NULL OR r.tenant_id = $1)
		ORDER BY r.key
	`, tenantID, userID)
	if err != nil {
		return nil, unavailable("list user roles", err)
	}
	roles, err := scanRoles(rows)
	if err != nil {
		return nil, unavailable("list user roles", err)
	}
	return roles, nil
}

// FindRoles returns the tenant-scoped and global roles with the given key
func (s *Store) FindRoles(ctx context.Context, tenantID, key string) ([]iam.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, name, tenant_id, is_system
		FROM roles
		WHERE key = $1 AND (tenant_id IS NULL OR tenant_id = $2)
		ORDER BY id
	`, key, tenantID)
	if err != nil {
		return nil, unavailable("find roles", err)
	}
	roles, err := scanRoles(rows)
	if err != nil {
		return nil, unavailable("find roles", err)
	}
	return roles, nil
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, roleID string) (*iam.Role, error) {
	role, err := getRole(ctx, s.db, roleID)
	if err != nil {
		if errors.Is(err, iam.ErrRoleNotFound) {
			return nil, err
		}
		return nil, unavailable("get role", err)
	}
	return role, nil
}

func getRole(ctx context.Context, q querier, roleID string) (*iam.Role, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, key, name, tenant_id, is_system FROM roles WHERE id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	roles, err := scanRoles(rows)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: %s", iam.ErrRoleNotFound, roleID)
	}
	return &roles[0], nil
}

// ListRoleGrants returns every permission row of the given roles
func (s *Store) ListRoleGrants(ctx context.Context, roleIDs []string) (grants []iam.RoleGrant, err error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	ctx, span := startSpan(ctx, "ListRoleGrants", attribute.Int("roles.count", len(roleIDs)))
	defer func() { endSpan(span, err) }()

	placeholders := make([]string, len(roleIDs))
	args := make([]any, len(roleIDs))
	for i, id := range roleIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT r.key, rp.feature_id, rp.action_id, rp.allowed
		FROM role_permissions rp
		JOIN roles r ON r.id = rp.role_id
		WHERE rp.role_id IN (%s)
	`, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list role grants", err)
	}
	for rows.Next() {
		var g iam.RoleGrant
		if err := rows.Scan(&g.RoleKey, &g.FeatureID, &g.ActionID, &g.Allowed); err != nil {
			rows.Close()
			return nil, unavailable("scan role grant", err)
		}
		grants = append(grants, g)
	}
	if err := closeRows(rows); err != nil {
		return nil, unavailable("list role grants", err)
	}
	return grants, nil
}

// ListRolePermissions returns the permission rows of one role
func (s *Store) ListRolePermissions(ctx context.Context, roleID string) ([]iam.RolePermission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role_id, feature_id, action_id, allowed FROM role_permissions WHERE role_id = $1 ORDER BY feature_id, action_id`,
		roleID)
	if err != nil {
		return nil, unavailable("list role permissions", err)
	}
	var perms []iam.RolePermission
	for rows.Next() {
		var p iam.RolePermission
		if err := rows.Scan(&p.RoleID, &p.FeatureID, &p.ActionID, &p.Allowed); err != nil {
			rows.Close()
			return nil, unavailable("scan role permission", err)
		}
		perms = append(perms, p)
	}
	if err := closeRows(rows); err != nil {
		return nil, unavailable("list role permissions", err)
	}
	return perms, nil
}

// ListOverrides returns the user's overrides within the tenant
func (s *Store) ListOverrides(ctx context.Context, tenantID, userID string) ([]iam.UserPermissionOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT feature_id, action_id, allowed
		FROM user_permission_overrides
		WHERE tenant_id = $1 AND user_id = $2
	`, tenantID, userID)
	if err != nil {
		return nil, unavailable("list overrides", err)
	}
	var overrides []iam.UserPermissionOverride
	for rows.Next() {
		o := iam.UserPermissionOverride{TenantID: tenantID, UserID: userID}
		if err := rows.Scan(&o.FeatureID, &o.ActionID, &o.Allowed); err != nil {
			rows.Close()
			return nil, unavailable("scan override", err)
		}
		overrides = append(overrides, o)
	}
	if err := closeRows(rows); err != nil {
		return nil, unavailable("list overrides", err)
	}
	return overrides, nil
}

// ListEntitlements returns every entitlement row of the tenant
func (s *Store) ListEntitlements(ctx context.Context, tenantID string) ([]iam.Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, status, source
		FROM tenant_entitlements
		WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, unavailable("list entitlements", err)
	}
	var entitlements []iam.Entitlement
	for rows.Next() {
		e := iam.Entitlement{TenantID: tenantID}
		var source sql.NullString
		if err := rows.Scan(&e.EntityType, &e.EntityID, &e.Status, &source); err != nil {
			rows.Close()
			return nil, unavailable("scan entitlement", err)
		}
		e.Source = source.String
		entitlements = append(entitlements, e)
	}
	if err := closeRows(rows); err != nil {
		return nil, unavailable("list entitlements", err)
	}
	return entitlements, nil
}

var _ iam.Reader = (*Store)(nil)
