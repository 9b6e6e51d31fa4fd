package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/platinummonkey/permengine/pkg/iam"
)

// SourcePlan marks entitlement rows written by ApplyPlan
const SourcePlan = "plan"

var catalogNamespace = uuid.MustParse("5b7f3c2e-8f0d-4c1a-9d7e-2a6b4f1e0c93")

// CatalogID derives the stable id of a seeded catalog entity or global role
func CatalogID(kind, key string) string {
	return uuid.NewSHA1(catalogNamespace, []byte(kind+":"+key)).String()
}

// ApplySeed installs the catalog and global roles. Existing rows are updated
// in place and every tenant is bumped.
func (a *Admin) ApplySeed(ctx context.Context, seed *iam.Seed) error {
	if err := seed.Validate(); err != nil {
		return err
	}

	return a.write(ctx, "apply seed", allTenants, func(tx *sql.Tx) (scope, error) {
		actionIDs, err := upsertActions(ctx, tx, seed.Actions)
		if err != nil {
			return scope{}, unavailable("apply seed: actions", err)
		}

		for mi, m := range seed.Modules {
			moduleID := CatalogID(string(iam.EntityModule), m.Key)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO modules (id, key, name, sort_order) VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE SET name = excluded.name, sort_order = excluded.sort_order
			`, moduleID, m.Key, displayName(m.Name, m.Key), mi+1); err != nil {
				return scope{}, unavailable("apply seed: module "+m.Key, err)
			}

			for si, sm := range m.Submodules {
				subID := CatalogID(string(iam.EntitySubmodule), sm.Key)
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO submodules (id, module_id, key, name, sort_order) VALUES ($1, $2, $3, $4, $5)
					ON CONFLICT (id) DO UPDATE SET module_id = excluded.module_id, name = excluded.name, sort_order = excluded.sort_order
				`, subID, moduleID, sm.Key, displayName(sm.Name, sm.Key), si+1); err != nil {
					return scope{}, unavailable("apply seed: submodule "+sm.Key, err)
				}

				for fi, f := range sm.Features {
					if _, err := tx.ExecContext(ctx, `
						INSERT INTO features (id, submodule_id, key, name, sort_order) VALUES ($1, $2, $3, $4, $5)
						ON CONFLICT (id) DO UPDATE SET submodule_id = excluded.submodule_id, name = excluded.name, sort_order = excluded.sort_order
					`, CatalogID(string(iam.EntityFeature), f.Key), subID, f.Key, displayName(f.Name, f.Key), fi+1); err != nil {
						return scope{}, unavailable("apply seed: feature "+f.Key, err)
					}
				}
			}
		}

		for _, r := range seed.Roles {
			roleID := CatalogID("role", r.Key)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO roles (id, tenant_id, key, name, is_system) VALUES ($1, NULL, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE SET name = excluded.name, is_system = excluded.is_system
			`, roleID, r.Key, displayName(r.Name, r.Key), true); err != nil {
				return scope{}, unavailable("apply seed: role "+r.Key, err)
			}

			var perms []iam.RolePermission
			for _, g := range r.Grants {
				featureID := CatalogID(string(iam.EntityFeature), g.Feature)
				for _, action := range seed.ExpandActions(g.Actions) {
					perms = append(perms, iam.RolePermission{
						RoleID:    roleID,
						FeatureID: featureID,
						ActionID:  actionIDs[action],
						Allowed:   true,
					})
				}
			}
			if err := replaceRolePermissions(ctx, tx, roleID, perms); err != nil {
				return scope{}, unavailable("apply seed: grants for "+r.Key, err)
			}
		}
		return scope{}, nil
	})
}

// upsertActions keeps existing action ids stable and appends new ones
func upsertActions(ctx context.Context, tx *sql.Tx, keys []string) (map[string]int64, error) {
	ids := make(map[string]int64)
	var maxID int64

	rows, err := tx.QueryContext(ctx, `SELECT id, key FROM actions`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int64
		var key string
		if err := rows.Scan(&id, &key); err != nil {
			rows.Close()
			return nil, err
		}
		ids[key] = id
		if id > maxID {
			maxID = id
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	for _, key := range keys {
		if _, ok := ids[key]; ok {
			continue
		}
		maxID++
		if _, err := tx.ExecContext(ctx, `INSERT INTO actions (id, key) VALUES ($1, $2)`, maxID, key); err != nil {
			return nil, err
		}
		ids[key] = maxID
	}
	return ids, nil
}

// ApplyPlan rewrites the tenant's plan entitlements. Every catalog entity gets
// an explicit row: locked when the plan lists it, active otherwise.
func (a *Admin) ApplyPlan(ctx context.Context, tenantID string, plan iam.SeedPlan) error {
	return a.write(ctx, "apply plan", tenantScope(tenantID), func(tx *sql.Tx) (scope, error) {
		if _, err := getTenant(ctx, tx, tenantID); err != nil {
			if err == sql.ErrNoRows {
				return scope{}, fmt.Errorf("%w: %s", iam.ErrTenantNotFound, tenantID)
			}
			return scope{}, unavailable("apply plan: get tenant", err)
		}

		catalog, err := loadCatalog(ctx, tx)
		if err != nil {
			return scope{}, unavailable("apply plan: load catalog", err)
		}

		ids := map[iam.EntityType]map[string]string{
			iam.EntityModule:    {},
			iam.EntitySubmodule: {},
			iam.EntityFeature:   {},
		}
		for _, m := range catalog.Modules {
			ids[iam.EntityModule][m.Key] = m.ID
		}
		for _, sm := range catalog.Submodules {
			ids[iam.EntitySubmodule][sm.Key] = sm.ID
		}
		for _, f := range catalog.Features {
			ids[iam.EntityFeature][f.Key] = f.ID
		}

		locked := make(map[iam.EntityType]map[string]bool)
		for _, ref := range plan.Locked {
			id, ok := ids[ref.Type][ref.Key]
			if !ok {
				return scope{}, fmt.Errorf("%w: plan %s locks unknown %s %q", iam.ErrInvalidArgument, plan.Key, ref.Type, ref.Key)
			}
			if locked[ref.Type] == nil {
				locked[ref.Type] = make(map[string]bool)
			}
			locked[ref.Type][id] = true
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tenant_entitlements WHERE tenant_id = $1 AND source = $2`, tenantID, SourcePlan,
		); err != nil {
			return scope{}, unavailable("apply plan: clear", err)
		}

		for _, kind := range []iam.EntityType{iam.EntityModule, iam.EntitySubmodule, iam.EntityFeature} {
			for _, id := range ids[kind] {
				status := iam.EntitlementActive
				if locked[kind][id] {
					status = iam.EntitlementLocked
				}
				if err := upsertEntitlement(ctx, tx, iam.Entitlement{
					TenantID:   tenantID,
					EntityType: kind,
					EntityID:   id,
					Status:     status,
					Source:     SourcePlan,
				}); err != nil {
					return scope{}, err
				}
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE tenants SET plan_key = $1 WHERE id = $2`, plan.Key, tenantID); err != nil {
			return scope{}, unavailable("apply plan: set plan key", err)
		}
		return scope{}, nil
	})
}

func displayName(name, key string) string {
	if name != "" {
		return name
	}
	return key
}
