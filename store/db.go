// Package store provides sqlite-backed persistence for the conceptual
// tables in spec.md §6: validation results (fronting fingerprint.Store),
// versioned settings, the settings audit trail, and settings backups.
// It is the only package in this module that imports a SQL driver.
package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const schema = `
CREATE TABLE IF NOT EXISTS validation_result (
	id                 TEXT PRIMARY KEY,
	resource_id        TEXT NOT NULL,
	resource_type      TEXT NOT NULL,
	settings_hash      TEXT NOT NULL,
	resource_hash      TEXT NOT NULL,
	validated_at       TEXT NOT NULL,
	is_valid           INTEGER NOT NULL,
	validation_score   INTEGER NOT NULL,
	error_count        INTEGER NOT NULL,
	warning_count      INTEGER NOT NULL,
	information_count  INTEGER NOT NULL,
	issues_json        TEXT NOT NULL,
	aspect_breakdown_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_validation_result_triple
	ON validation_result (resource_id, settings_hash, resource_hash);
CREATE INDEX IF NOT EXISTS idx_validation_result_resource_time
	ON validation_result (resource_id, validated_at);
CREATE INDEX IF NOT EXISTS idx_validation_result_type
	ON validation_result (resource_type, settings_hash);

CREATE TABLE IF NOT EXISTS validation_settings (
	id           TEXT PRIMARY KEY,
	lineage      TEXT NOT NULL,
	version      INTEGER NOT NULL,
	is_active    INTEGER NOT NULL,
	created_at   TEXT NOT NULL,
	content_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_validation_settings_lineage ON validation_settings (lineage);
CREATE UNIQUE INDEX IF NOT EXISTS idx_validation_settings_active
	ON validation_settings (is_active) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS validation_settings_audit (
	id          TEXT PRIMARY KEY,
	settings_id TEXT NOT NULL,
	action      TEXT NOT NULL,
	actor       TEXT NOT NULL,
	timestamp   TEXT NOT NULL,
	description TEXT
);
CREATE INDEX IF NOT EXISTS idx_validation_settings_audit_settings ON validation_settings_audit (settings_id);

CREATE TABLE IF NOT EXISTS backup_metadata (
	id          TEXT PRIMARY KEY,
	settings_id TEXT NOT NULL,
	description TEXT,
	actor       TEXT NOT NULL,
	tags_json   TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	content     BLOB NOT NULL,
	checksum    TEXT NOT NULL
);
`

// Open connects to a sqlite database at path (use ":memory:" for an
// ephemeral database, as tests do) and ensures the schema exists.
func Open(path string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate schema: %w", err)
	}

	return db, nil
}
