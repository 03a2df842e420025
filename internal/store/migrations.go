package store

import (
	"context"
	"fmt"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name string
	sql  string
}

// migrations is the ordered list of schema migrations to apply after the base
// schema. Each must be idempotent (IF NOT EXISTS, IF EXISTS, etc.); applied
// names are recorded in schema_migrations.
var migrations = []migration{
	{
		name: "add rules.stop_processing default",
		sql:  `ALTER TABLE rules ALTER COLUMN stop_processing SET DEFAULT false`,
	},
	{
		name: "add stream_stats dismissed index",
		sql:  `CREATE INDEX IF NOT EXISTS idx_stream_stats_dismissed ON stream_stats (dismissed_at) WHERE dismissed_at IS NOT NULL`,
	},
	{
		name: "add autocreate_executions.channels_removed",
		sql:  `ALTER TABLE autocreate_executions ADD COLUMN IF NOT EXISTS channels_removed int NOT NULL DEFAULT 0`,
	},
}

// ApplyMigrations runs any unapplied migrations in order.
func (db *DB) ApplyMigrations(ctx context.Context) error {
	applied := map[string]bool{}
	rows, err := db.Pool.Query(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("load applied migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.name] {
			continue
		}
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %q: %w", m.name, err)
		}
		if _, err := db.Pool.Exec(ctx,
			`INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT DO NOTHING`, m.name); err != nil {
			return fmt.Errorf("record migration %q: %w", m.name, err)
		}
		db.log.Info().Str("migration", m.name).Msg("applied schema migration")
	}
	return nil
}
