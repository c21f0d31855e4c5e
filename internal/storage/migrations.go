package storage

import (
	"context"
	"database/sql"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// OpenResult communicates which path Open took, for observability.
type OpenResult int

const (
	// OpenedFresh: no database existed, the latest schema was created.
	OpenedFresh OpenResult = iota
	// OpenedExisting: the database was already at the latest version.
	OpenedExisting
	// Migrated: one or more migrations were applied.
	Migrated
	// Recreated: the destructive fallback dropped and recreated the schema.
	// Callers must tolerate a full cache loss on this path.
	Recreated
)

func (r OpenResult) String() string {
	switch r {
	case OpenedFresh:
		return "fresh"
	case OpenedExisting:
		return "existing"
	case Migrated:
		return "migrated"
	case Recreated:
		return "recreated"
	}
	return "unknown"
}

// migration transforms an on-disk schema from fromVersion to fromVersion+1.
// Rebuild migrations recreate a table with a new shape and copy rows across;
// they run with referential-integrity enforcement suspended.
type migration struct {
	fromVersion int
	rebuild     bool
	statements  []string
}

// allMigrations is the ordered chain covering every version from the oldest
// still-deployed database up to latestSchemaVersion. Each step is
// hand-written SQL; rows must always be preserved unless a step's purpose is
// to delete them.
var allMigrations = []migration{
	{
		// Make assets.key nullable so embedded-only assets without a
		// content-addressing key can be stored.
		fromVersion: 4,
		rebuild:     true,
		statements: []string{
			`CREATE TABLE "new_assets" (
				"id"  INTEGER PRIMARY KEY AUTOINCREMENT,
				"url"  TEXT,
				"key"  TEXT UNIQUE,
				"headers"  TEXT,
				"type"  TEXT NOT NULL,
				"metadata"  TEXT,
				"download_time"  INTEGER NOT NULL,
				"relative_path"  TEXT NOT NULL,
				"hash"  TEXT,
				"hash_type"  INTEGER NOT NULL,
				"marked_for_deletion"  INTEGER NOT NULL
			)`,
			`INSERT INTO "new_assets" ("id", "url", "key", "headers", "type", "metadata", "download_time", "relative_path", "hash", "hash_type", "marked_for_deletion")
				SELECT "id", "url", "key", "headers", "type", "metadata", "download_time", "relative_path", "hash", "hash_type", "marked_for_deletion" FROM "assets"`,
			`DROP TABLE "assets"`,
			`ALTER TABLE "new_assets" RENAME TO "assets"`,
		},
	},
	{
		// Rename updates.metadata to manifest and add last_accessed,
		// backfilled with the migration time so recency-based eviction has
		// a starting point for historical rows.
		fromVersion: 5,
		rebuild:     true,
		statements: []string{
			`CREATE TABLE "new_updates" (
				"id"  BLOB UNIQUE,
				"scope_key"  TEXT NOT NULL,
				"commit_time"  INTEGER NOT NULL,
				"runtime_version"  TEXT NOT NULL,
				"launch_asset_id" INTEGER,
				"manifest"  TEXT,
				"status"  INTEGER NOT NULL,
				"keep"  INTEGER NOT NULL,
				"last_accessed"  INTEGER NOT NULL,
				PRIMARY KEY("id"),
				FOREIGN KEY("launch_asset_id") REFERENCES "assets"("id") ON DELETE CASCADE
			)`,
			`INSERT INTO "new_updates" ("id", "scope_key", "commit_time", "runtime_version", "launch_asset_id", "manifest", "status", "keep", "last_accessed")
				SELECT "id", "scope_key", "commit_time", "runtime_version", "launch_asset_id", "metadata", "status", "keep", CAST(strftime('%s', 'now') AS INTEGER) * 1000 FROM "updates"`,
			`DROP TABLE "updates"`,
			`ALTER TABLE "new_updates" RENAME TO "updates"`,
			`CREATE UNIQUE INDEX "index_updates_scope_key_commit_time" ON "updates" ("scope_key", "commit_time")`,
			`CREATE INDEX "index_updates_launch_asset_id" ON "updates" ("launch_asset_id")`,
		},
	},
	{
		// Make assets.type nullable for legacy rows without a file-type tag.
		fromVersion: 6,
		rebuild:     true,
		statements: []string{
			`CREATE TABLE "new_assets" (
				"id"  INTEGER PRIMARY KEY AUTOINCREMENT,
				"url"  TEXT,
				"key"  TEXT UNIQUE,
				"headers"  TEXT,
				"type"  TEXT,
				"metadata"  TEXT,
				"download_time"  INTEGER NOT NULL,
				"relative_path"  TEXT,
				"hash"  TEXT,
				"hash_type"  INTEGER NOT NULL,
				"marked_for_deletion"  INTEGER NOT NULL
			)`,
			`INSERT INTO "new_assets" ("id", "url", "key", "headers", "type", "metadata", "download_time", "relative_path", "hash", "hash_type", "marked_for_deletion")
				SELECT "id", "url", "key", "headers", "type", "metadata", "download_time", "relative_path", "hash", "hash_type", "marked_for_deletion" FROM "assets"`,
			`DROP TABLE "assets"`,
			`ALTER TABLE "new_assets" RENAME TO "assets"`,
		},
	},
	{
		// Add launch counters. Pre-existing rows backfill
		// successful_launch_count with 1: an update that was already on the
		// device has launched, and a zero would make rollback policies treat
		// it as never-started.
		fromVersion: 7,
		statements: []string{
			`ALTER TABLE "updates" ADD COLUMN "successful_launch_count" INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE "updates" ADD COLUMN "failed_launch_count" INTEGER NOT NULL DEFAULT 0`,
			`UPDATE "updates" SET "successful_launch_count" = 1`,
		},
	},
	{
		fromVersion: 8,
		statements: []string{
			`ALTER TABLE "assets" ADD COLUMN "extra_request_headers" TEXT`,
		},
	},
	{
		fromVersion: 9,
		statements: []string{
			`ALTER TABLE "assets" ADD COLUMN "expected_hash" TEXT`,
		},
	},
	{
		// The expected-hash format changed; stale values cannot be verified
		// against the new scheme and are cleared rather than trusted.
		fromVersion: 10,
		statements: []string{
			`UPDATE "assets" SET "expected_hash" = NULL`,
		},
	},
	{
		// Updates without a manifest predate manifest persistence and can no
		// longer be launched; their join rows go with them via cascade.
		fromVersion: 11,
		statements: []string{
			`DELETE FROM "updates" WHERE "manifest" IS NULL`,
		},
	},
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(ctx context.Context, q querier, version int) error {
	// PRAGMA does not accept bound parameters.
	if _, err := q.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("failed to set schema version to %d: %w", version, err)
	}
	return nil
}

// createLatestSchema initializes an empty database at the latest version.
func createLatestSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, latestSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if err := setSchemaVersion(ctx, tx, latestSchemaVersion); err != nil {
		return err
	}
	return tx.Commit()
}

// applyMigrations upgrades the database from its recorded version to
// latestSchemaVersion, one migration per transaction so a crash can never
// leave a half-applied step. The caller handles errors with the destructive
// fallback.
func applyMigrations(ctx context.Context, db *sql.DB, fromVersion int) error {
	version := fromVersion
	for _, m := range allMigrations {
		if m.fromVersion < version {
			continue
		}
		if m.fromVersion != version {
			return fmt.Errorf("no migration from schema version %d", version)
		}

		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("migration %d->%d failed: %w", m.fromVersion, m.fromVersion+1, err)
		}
		version = m.fromVersion + 1
		log.WithField("version", version).Debug("applied schema migration")
	}

	if version != latestSchemaVersion {
		return fmt.Errorf("migration chain ended at version %d, want %d", version, latestSchemaVersion)
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	if m.rebuild {
		// The foreign_keys pragma is a no-op inside a transaction, so it
		// must bracket the rebuild from outside.
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=OFF"); err != nil {
			return fmt.Errorf("failed to suspend foreign keys: %w", err)
		}
		defer func() {
			if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
				log.WithField("error", err).Error("failed to restore foreign key enforcement")
			}
		}()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement failed: %w", err)
		}
	}
	if err := setSchemaVersion(ctx, tx, m.fromVersion+1); err != nil {
		return err
	}
	return tx.Commit()
}
