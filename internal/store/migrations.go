package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// migration is one schema step. Versions are applied in order and recorded
// in schema_version.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{1, "audit_records", `
CREATE TABLE IF NOT EXISTS audit_records (
	seq          INTEGER PRIMARY KEY,
	timestamp    TEXT NOT NULL,
	action       TEXT NOT NULL,
	actor        TEXT NOT NULL,
	credential   TEXT NOT NULL,
	success      INTEGER,
	error        TEXT,
	prev_hash    TEXT,
	entry_hash   TEXT,
	hash_version INTEGER,
	raw          TEXT NOT NULL,
	exported_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_credential ON audit_records(credential);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_records(action);
`},
	{2, "credentials_snapshot", `
-- registry snapshot, replaced wholesale on every export
CREATE TABLE IF NOT EXISTS credentials (
	name              TEXT PRIMARY KEY,
	description       TEXT,
	created_at        TEXT,
	rotated_at        TEXT,
	encryption_key    TEXT,
	tags              TEXT NOT NULL DEFAULT '[]',
	services          TEXT NOT NULL DEFAULT '[]',
	rotation_schedule TEXT,
	snapshot_at       TEXT NOT NULL
);
`},
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

// applyMigration runs every statement of m and records it in one
// transaction.
func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer tx.Rollback()

	for _, stmt := range statements(m.sql) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	return tx.Commit()
}

// statements splits a script on semicolons and strips "--" comment lines.
func statements(script string) []string {
	var out []string
	for _, chunk := range strings.Split(script, ";") {
		var lines []string
		for _, l := range strings.Split(chunk, "\n") {
			if t := strings.TrimSpace(l); t != "" && !strings.HasPrefix(t, "--") {
				lines = append(lines, l)
			}
		}
		if len(lines) > 0 {
			out = append(out, strings.Join(lines, "\n"))
		}
	}
	return out
}
