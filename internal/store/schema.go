package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the current schema version.
const SchemaVersion = 2

// schemaV1 is the initial schema for the SQLite store.
const schemaV1 = `
-- One row per simulation; meta and events are JSON documents
CREATE TABLE IF NOT EXISTS simulations (
    sim_code TEXT PRIMARY KEY,
    template_sim_code TEXT,
    sim_mode TEXT NOT NULL DEFAULT 'offline',
    step INTEGER NOT NULL DEFAULT 0,
    meta TEXT NOT NULL,
    events TEXT,
    environment TEXT,
    updated_at TEXT NOT NULL
);

-- Working and spatial memory per persona
CREATE TABLE IF NOT EXISTS personas (
    sim_code TEXT NOT NULL REFERENCES simulations(sim_code) ON DELETE CASCADE,
    name TEXT NOT NULL,
    scratch TEXT,           -- JSON
    spatial TEXT,           -- JSON
    kw_strength BLOB,       -- CBOR
    PRIMARY KEY (sim_code, name)
);

-- Associative memory nodes
CREATE TABLE IF NOT EXISTS nodes (
    sim_code TEXT NOT NULL,
    persona TEXT NOT NULL,
    node_id TEXT NOT NULL,
    node_count INTEGER NOT NULL,
    kind TEXT NOT NULL,
    created TEXT NOT NULL,
    body BLOB NOT NULL,     -- CBOR
    PRIMARY KEY (sim_code, persona, node_id),
    FOREIGN KEY (sim_code, persona) REFERENCES personas(sim_code, name) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_nodes_persona ON nodes(sim_code, persona, node_count);

-- Embedding vectors keyed by embedding key
CREATE TABLE IF NOT EXISTS embeddings (
    sim_code TEXT NOT NULL,
    persona TEXT NOT NULL,
    embedding_key TEXT NOT NULL,
    vector BLOB NOT NULL,   -- CBOR
    PRIMARY KEY (sim_code, persona, embedding_key),
    FOREIGN KEY (sim_code, persona) REFERENCES personas(sim_code, name) ON DELETE CASCADE
);

-- Schema version
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// migrations[v] upgrades a database from version v to v+1.
var migrations = map[int]string{
	1: `
ALTER TABLE nodes ADD COLUMN last_accessed TEXT;
ALTER TABLE simulations ADD COLUMN protected INTEGER NOT NULL DEFAULT 0;
`,
}

// InitSchema initializes the database schema.
// It creates all tables and applies migrations as needed.
// Runs integrity validation before migrations on existing databases.
func InitSchema(ctx context.Context, db *sql.DB) error {
	currentVersion, err := getSchemaVersion(ctx, db)
	if err != nil {
		// Schema version table doesn't exist yet, create fresh schema
		if err := createSchema(ctx, db); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		return nil
	}

	if err := ValidateIntegrity(ctx, db); err != nil {
		return fmt.Errorf("database integrity check failed: %w", err)
	}

	if currentVersion < SchemaVersion {
		if err := migrateSchema(ctx, db, currentVersion); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	return nil
}

// getSchemaVersion returns the current schema version from the database.
// Returns 0 and an error if the schema_version table doesn't exist.
func getSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// createSchema creates the v1 schema and migrates it to the latest version
// in one transaction.
func createSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	for v := 1; v < SchemaVersion; v++ {
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", v, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, datetime('now'))`,
		SchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	return tx.Commit()
}

// migrateSchema applies migrations from currentVersion to SchemaVersion.
func migrateSchema(ctx context.Context, db *sql.DB, currentVersion int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for v := currentVersion; v < SchemaVersion; v++ {
		stmt, ok := migrations[v]
		if !ok {
			return fmt.Errorf("no migration from version %d", v)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_version (version, applied_at) VALUES (?, datetime('now'))`,
			v+1); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", v+1, err)
		}
	}
	return tx.Commit()
}

// ValidateIntegrity runs SQLite integrity checks on the database.
// It runs PRAGMA integrity_check and PRAGMA foreign_key_check.
// Returns an error if any issues are found.
func ValidateIntegrity(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return fmt.Errorf("failed to run integrity_check: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var result string
		if err := rows.Scan(&result); err != nil {
			return fmt.Errorf("failed to scan integrity_check result: %w", err)
		}
		if result != "ok" {
			return fmt.Errorf("integrity_check failed: %s", result)
		}
	}

	fkRows, err := db.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return fmt.Errorf("failed to run foreign_key_check: %w", err)
	}
	defer fkRows.Close()

	var fkErrors []string
	for fkRows.Next() {
		var table, parent string
		var rowid, fkid sql.NullInt64
		if err := fkRows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return fmt.Errorf("failed to scan foreign_key_check result: %w", err)
		}
		fkErrors = append(fkErrors, fmt.Sprintf("table=%s rowid=%d parent=%s fkid=%d", table, rowid.Int64, parent, fkid.Int64))
	}

	if len(fkErrors) > 0 {
		return fmt.Errorf("foreign_key_check failed: %v", fkErrors)
	}

	return nil
}
