package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    region TEXT NOT NULL,
    source TEXT NOT NULL,
    population INTEGER NOT NULL,
    recovery_lag_days INTEGER NOT NULL,
    chains INTEGER NOT NULL,
    seed INTEGER NOT NULL,
    first_date TEXT NOT NULL,
    last_date TEXT NOT NULL,
    days INTEGER NOT NULL,
    report_markdown TEXT NOT NULL DEFAULT '',
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS estimates (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    parameter TEXT NOT NULL,
    day INTEGER NOT NULL,
    date TEXT,
    mean REAL,
    lower REAL,
    upper REAL,
    PRIMARY KEY (run_id, day)
);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "index runs by region and creation time",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_runs_region ON runs(region);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
