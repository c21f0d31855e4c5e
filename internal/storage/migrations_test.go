package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// schemaV4 is the oldest schema still found on devices in the field. The
// migration tests seed it by hand so that upgrades are exercised against
// real historical rows, not against rows this code wrote itself.
const schemaV4 = `
CREATE TABLE "updates" (
  "id"  BLOB UNIQUE,
  "scope_key"  TEXT NOT NULL,
  "commit_time"  INTEGER NOT NULL,
  "runtime_version"  TEXT NOT NULL,
  "launch_asset_id" INTEGER,
  "metadata"  TEXT,
  "status"  INTEGER NOT NULL,
  "keep"  INTEGER NOT NULL,
  PRIMARY KEY("id"),
  FOREIGN KEY("launch_asset_id") REFERENCES "assets"("id") ON DELETE CASCADE
);
CREATE TABLE "assets" (
  "id"  INTEGER PRIMARY KEY AUTOINCREMENT,
  "url"  TEXT,
  "key"  TEXT NOT NULL UNIQUE,
  "headers"  TEXT,
  "type"  TEXT NOT NULL,
  "metadata"  TEXT,
  "download_time"  INTEGER NOT NULL,
  "relative_path"  TEXT NOT NULL,
  "hash"  TEXT,
  "hash_type"  INTEGER NOT NULL,
  "marked_for_deletion"  INTEGER NOT NULL
);
CREATE TABLE "updates_assets" (
  "update_id"  BLOB NOT NULL,
  "asset_id" INTEGER NOT NULL,
  FOREIGN KEY("update_id") REFERENCES "updates"("id") ON DELETE CASCADE,
  FOREIGN KEY("asset_id") REFERENCES "assets"("id") ON DELETE CASCADE
);
CREATE TABLE "json_data" (
  "id" INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
  "key" TEXT NOT NULL,
  "value" TEXT NOT NULL,
  "last_updated" INTEGER NOT NULL,
  "scope_key" TEXT NOT NULL
);
CREATE UNIQUE INDEX "index_updates_scope_key_commit_time" ON "updates" ("scope_key", "commit_time");
`

// seedV4Database writes a version-4 database with one asset, one update
// carrying a manifest, and one update without a manifest. Returns the ids of
// the two updates.
func seedV4Database(t *testing.T, dir string) (withManifest, withoutManifest uuid.UUID) {
	t.Helper()

	db, err := sql.Open(DriverName, filepath.Join(dir, DatabaseFilename))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(schemaV4)
	require.NoError(t, err)
	_, err = db.Exec(fmt.Sprintf("PRAGMA user_version = %d", 4))
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO assets (url, "key", "type", download_time, relative_path, hash, hash_type, marked_for_deletion)
		VALUES ('https://example.com/bundle', 'bundle-key', 'js', 1600000000000, 'bundle.js', 'abc123', 0, 0)`)
	require.NoError(t, err)

	withManifest = uuid.New()
	_, err = db.Exec(`INSERT INTO updates (id, scope_key, commit_time, runtime_version, launch_asset_id, metadata, status, keep)
		VALUES (?, 'scope1', 1600000000000, '1.0', 1, '{"name":"first"}', 1, 1)`, withManifest[:])
	require.NoError(t, err)

	withoutManifest = uuid.New()
	_, err = db.Exec(`INSERT INTO updates (id, scope_key, commit_time, runtime_version, metadata, status, keep)
		VALUES (?, 'scope1', 1600000060000, '1.0', NULL, 1, 1)`, withoutManifest[:])
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO updates_assets (update_id, asset_id) VALUES (?, 1)`, withManifest[:])
	require.NoError(t, err)
	return withManifest, withoutManifest
}

func TestOpenMigratesFromV4(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	withManifest, withoutManifest := seedV4Database(t, dir)

	store, result, err := Open(ctx, dir)
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, Migrated, result)

	version, err := schemaVersion(ctx, store.db)
	require.NoError(t, err)
	assert.Equal(t, latestSchemaVersion, version)

	// The metadata column became manifest, and its content survived.
	migrated, err := store.LoadUpdateByID(ctx, withManifest)
	require.NoError(t, err)
	assert.Equal(t, "first", migrated.Manifest["name"])

	// last_accessed was backfilled with the migration time.
	assert.False(t, migrated.LastAccessed.IsZero())

	// Launch counters were backfilled so a pre-existing update reads as
	// having launched once.
	assert.Equal(t, 1, migrated.SuccessfulLaunchCount)
	assert.Equal(t, 0, migrated.FailedLaunchCount)

	// Manifest-less rows from before manifest persistence were dropped.
	_, err = store.LoadUpdateByID(ctx, withoutManifest)
	assert.ErrorIs(t, err, ErrNotFound)

	// The asset and its join row came through the table rebuilds.
	assets, err := store.LoadAssetsForUpdate(ctx, withManifest)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "bundle-key", *assets[0].Key)
	assert.True(t, assets[0].IsLaunchAsset)
	assert.Nil(t, assets[0].ExpectedHash)

	// The migrated schema behaves like a fresh one for new writes.
	keyless := testAsset("x", "x.js")
	keyless.Key = nil
	require.NoError(t, store.AddNewAssets(ctx, []*Asset{keyless}, withManifest))
}

func TestOpenRecreatesOnUnknownVersion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	seedV4Database(t, dir)

	// Pretend the database was written by a much newer release.
	db, err := sql.Open(DriverName, filepath.Join(dir, DatabaseFilename))
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store, result, err := Open(ctx, dir)
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, Recreated, result)

	// Everything was dropped; the store is empty but usable.
	all, err := store.LoadAllUpdates(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	update := testUpdate("scope1", time.Now())
	require.NoError(t, store.AddUpdate(ctx, update))
}

func TestOpenExisting(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, result, err := Open(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, OpenedFresh, result)
	update := testUpdate("scope1", time.Now())
	require.NoError(t, store.AddUpdate(ctx, update))
	require.NoError(t, store.Close())

	store, result, err = Open(ctx, dir)
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, OpenedExisting, result)

	loaded, err := store.LoadUpdateByID(ctx, update.ID)
	require.NoError(t, err)
	assert.Equal(t, update.ScopeKey, loaded.ScopeKey)
}
