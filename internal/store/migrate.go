package store

import (
	"context"
	"fmt"
	"strconv"
)

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on incidents.job_id
// 2 - Added definitions.retry_spec
const currentSchemaVersion = 2

type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "incident job index",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_incidents_job ON incidents(job_id)`,
		},
	},
	{
		version: 2,
		name:    "definition retry spec",
		stmts: []string{
			`ALTER TABLE definitions ADD COLUMN retry_spec TEXT`,
		},
	},
}

// SchemaVersion returns the version recorded in the database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	if s.dialect.Name() == DriverSQLite {
		var version int
		if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
			return 0, fmt.Errorf("get user_version: %w", err)
		}
		return version, nil
	}

	var value string
	err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT value FROM engine_properties WHERE name = ?`), "schema.version").Scan(&value)
	if err != nil {
		// A database created before version tracking has no row.
		return 0, nil
	}
	return strconv.Atoi(value)
}

func (s *Store) setSchemaVersion(ctx context.Context, version int) error {
	if s.dialect.Name() == DriverSQLite {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_properties (name, value, revision) VALUES ('schema.version', $1, 1)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, revision = engine_properties.revision + 1
	`, strconv.Itoa(version))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations in version order.
func (s *Store) runMigrations(ctx context.Context) error {
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if version >= m.version {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate to v%d (%s): %w", m.version, m.name, err)
			}
		}
		version = m.version
	}

	return s.setSchemaVersion(ctx, currentSchemaVersion)
}
