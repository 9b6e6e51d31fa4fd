package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/permengine/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all permission schema migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create tenants, users and membership tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenants (
					id VARCHAR(64) PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					plan_key VARCHAR(64),
					status VARCHAR(32) NOT NULL DEFAULT 'active',
					perm_version BIGINT NOT NULL DEFAULT 1 CHECK (perm_version > 0),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS users (
					id VARCHAR(64) PRIMARY KEY,
					email VARCHAR(255),
					is_superadmin BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS tenant_members (
					tenant_id VARCHAR(64) NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					user_id VARCHAR(64) NOT NULL,
					is_owner BOOLEAN NOT NULL DEFAULT FALSE,
					PRIMARY KEY (tenant_id, user_id)
				);
			`,
		},
		{
			Version:     2,
			Description: "Create catalog tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS modules (
					id VARCHAR(64) PRIMARY KEY,
					key VARCHAR(128) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					sort_order INT NOT NULL DEFAULT 0
				);

				CREATE TABLE IF NOT EXISTS submodules (
					id VARCHAR(64) PRIMARY KEY,
					module_id VARCHAR(64) NOT NULL REFERENCES modules(id) ON DELETE CASCADE,
					key VARCHAR(128) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					sort_order INT NOT NULL DEFAULT 0
				);

				CREATE TABLE IF NOT EXISTS features (
					id VARCHAR(64) PRIMARY KEY,
					submodule_id VARCHAR(64) NOT NULL REFERENCES submodules(id) ON DELETE CASCADE,
					key VARCHAR(128) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					sort_order INT NOT NULL DEFAULT 0
				);

				CREATE TABLE IF NOT EXISTS actions (
					id SMALLINT PRIMARY KEY,
					key VARCHAR(64) NOT NULL UNIQUE
				);

				CREATE INDEX IF NOT EXISTS idx_submodules_module_id ON submodules(module_id);
				CREATE INDEX IF NOT EXISTS idx_features_submodule_id ON features(submodule_id);
			`,
		},
		{
			Version:     3,
			Description: "Create roles and grants tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id VARCHAR(64) PRIMARY KEY,
					tenant_id VARCHAR(64) REFERENCES tenants(id) ON DELETE CASCADE,
					key VARCHAR(64) NOT NULL,
					name VARCHAR(255) NOT NULL,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_tenant_key ON roles(COALESCE(tenant_id, ''), key);

				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id VARCHAR(64) NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					feature_id VARCHAR(64) NOT NULL REFERENCES features(id) ON DELETE CASCADE,
					action_id SMALLINT NOT NULL REFERENCES actions(id) ON DELETE CASCADE,
					allowed BOOLEAN NOT NULL DEFAULT TRUE,
					PRIMARY KEY (role_id, feature_id, action_id)
				);

				CREATE TABLE IF NOT EXISTS user_roles (
					tenant_id VARCHAR(64) NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					user_id VARCHAR(64) NOT NULL,
					role_id VARCHAR(64) NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					granted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (tenant_id, user_id, role_id)
				);

				CREATE TABLE IF NOT EXISTS user_permission_overrides (
					tenant_id VARCHAR(64) NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					user_id VARCHAR(64) NOT NULL,
					feature_id VARCHAR(64) NOT NULL REFERENCES features(id) ON DELETE CASCADE,
					action_id SMALLINT NOT NULL REFERENCES actions(id) ON DELETE CASCADE,
					allowed BOOLEAN NOT NULL,
					PRIMARY KEY (tenant_id, user_id, feature_id, action_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_roles_role_id ON user_roles(role_id);
			`,
		},
		{
			Version:     4,
			Description: "Create tenant entitlements table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenant_entitlements (
					tenant_id VARCHAR(64) NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					entity_type VARCHAR(16) NOT NULL CHECK (entity_type IN ('module', 'submodule', 'feature')),
					entity_id VARCHAR(64) NOT NULL,
					status VARCHAR(16) NOT NULL CHECK (status IN ('active', 'trial', 'locked', 'hidden')),
					source VARCHAR(32),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (tenant_id, entity_type, entity_id)
				);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS permengine_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM permengine_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("Running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO permengine_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		log.Info("Migration completed")
	}

	return nil
}
