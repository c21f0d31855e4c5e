// Package storage provides SQLite-based persistence for downloaded updates
// and their assets.
//
// The storage layer manages:
//   - Update records (manifest, status, launch counters, access times)
//   - Asset records (file metadata, hashes, relative paths on disk)
//   - The many-to-many join between updates and assets
//   - Scoped key/value JSON documents (manifest filters, server headers,
//     static build data, extra params)
//
// # Database Schema
//
// Tables:
//   - updates: One row per downloaded or embedded update
//   - assets: One row per unique asset file, shared across updates
//   - updates_assets: Join table with cascading deletes on both sides
//   - json_data: Scoped JSON documents keyed by (key, scope_key)
//
// The schema version is tracked in PRAGMA user_version. Open migrates older
// databases forward one version at a time; a database whose version is
// unknown or whose migration fails is deleted and recreated at the latest
// schema.
//
// # Basic Usage
//
//	store, result, err := storage.Open(ctx, "/data/updates")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	if err := store.AddUpdate(ctx, update); err != nil {
//	    return err
//	}
//	assets, err := store.LoadAssetsForUpdate(ctx, update.ID)
//
// # Concurrency
//
// *sql.DB serializes statements through a single connection, so individual
// operations are safe to call concurrently. Callers that need a multi-step
// sequence to observe a stable database (the reaper, the integrity check)
// hold Store.Mu across the sequence.
//
// # Build Tags
//
// Two interchangeable SQLite drivers are supported:
//
//   - Default / purego: modernc.org/sqlite, no C compiler needed
//   - cgo_sqlite tag: github.com/mattn/go-sqlite3
package storage
