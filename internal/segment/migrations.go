package segment

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one forward-only schema change.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations returns the schema history in order.
func Migrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_segments",
			SQL: `
				CREATE TABLE IF NOT EXISTS segments (
					key TEXT PRIMARY KEY,
					embedding BLOB,
					metadata TEXT NOT NULL,
					content TEXT NOT NULL,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				);

				CREATE TABLE IF NOT EXISTS store_meta (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL
				);
			`,
		},
		{
			Version: 2,
			Name:    "create_index_checkpoints",
			SQL: `
				CREATE TABLE IF NOT EXISTS index_checkpoints (
					name TEXT PRIMARY KEY,
					data BLOB NOT NULL,
					updated_at INTEGER NOT NULL
				);
			`,
		},
	}
}

// runMigrations applies every migration newer than the recorded version.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range Migrations() {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.Version, m.Name); err != nil {
		return err
	}
	return tx.Commit()
}
