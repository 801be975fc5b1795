package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all riffled tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		label        TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL DEFAULT 'PENDING',
		assays       TEXT NOT NULL DEFAULT '[]',
		error        TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS report_entries (
		run_id       TEXT NOT NULL REFERENCES runs(id),
		assay_id     TEXT NOT NULL,
		op_index     INTEGER NOT NULL,
		resource     TEXT NOT NULL,
		action       TEXT NOT NULL,
		outcome      TEXT NOT NULL,
		detail       TEXT NOT NULL DEFAULT '',
		scheduled_at TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT,
		slip_ns      INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, assay_id, op_index)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_run ON report_entries(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_run_assay ON report_entries(run_id, assay_id)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
