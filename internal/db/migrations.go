package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS frame_samples (
	sample_id INTEGER PRIMARY KEY AUTOINCREMENT,
	frame INTEGER NOT NULL,
	budget_units INTEGER NOT NULL,
	effective_budget_units INTEGER NOT NULL,
	input_reserved_units INTEGER NOT NULL,
	spent_units INTEGER NOT NULL,
	scheduled_panes INTEGER NOT NULL,
	pending_after INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lifecycle_events (
	event_rowid INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL CHECK(kind IN ('submitted','superseded','suppressed','dropped_overload','scheduled','forced','phase','completed','cancelled')),
	pane_id TEXT NOT NULL,
	intent_seq INTEGER NOT NULL,
	phase TEXT NOT NULL DEFAULT '',
	at_ms INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS lifecycle_events_pane
ON lifecycle_events(pane_id, at_ms);
`,
		DownSQL: `
DROP INDEX IF EXISTS lifecycle_events_pane;
DROP TABLE IF EXISTS lifecycle_events;
DROP TABLE IF EXISTS frame_samples;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
}

// ApplyMigrations brings the schema up to the latest version. Each
// migration runs in its own transaction and records itself in
// schema_migrations.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)
`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	for _, migration := range migrations {
		var exists int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, migration.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", migration.Version, err)
		}
		if exists > 0 {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", migration.Version, err)
		}
		if _, err := tx.ExecContext(ctx, migration.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", migration.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
			migration.Version, ts(time.Now().UTC())); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", migration.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", migration.Version, err)
		}
	}
	return nil
}
