package reaper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otakit/otastore/internal/config"
	"github.com/otakit/otastore/internal/selection"
	"github.com/otakit/otastore/internal/storage"
)

func newTestStore(t *testing.T) (*storage.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, _, err := storage.Open(context.Background(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, dir
}

func testConfig() *config.Configuration {
	return &config.Configuration{ScopeKey: "scope1", RuntimeVersion: "1.0"}
}

func addUpdate(t *testing.T, store *storage.Store, status storage.UpdateStatus, keep bool, commitTime time.Time) *storage.Update {
	t.Helper()
	ctx := context.Background()
	u := &storage.Update{
		ID:             uuid.New(),
		ScopeKey:       "scope1",
		CommitTime:     commitTime,
		RuntimeVersion: "1.0",
		Manifest:       storage.JSONObject{"id": uuid.NewString()},
		Status:         status,
		LastAccessed:   time.Now(),
	}
	require.NoError(t, store.AddUpdate(ctx, u))
	if !keep {
		// AddUpdate pins new rows; clear the pin for rows the policy should
		// be free to select.
		require.NoError(t, store.SetUpdateKeep(ctx, u, false))
	}
	return u
}

func addAsset(t *testing.T, store *storage.Store, dir string, updateID uuid.UUID, key, relativePath string) *storage.Asset {
	t.Helper()
	a := &storage.Asset{
		Key:          &key,
		DownloadTime: time.Now(),
		RelativePath: &relativePath,
		HashType:     storage.HashTypeSHA1,
	}
	require.NoError(t, store.AddNewAssets(context.Background(), []*storage.Asset{a}, updateID))
	require.NoError(t, os.WriteFile(filepath.Join(dir, relativePath), []byte("content"), 0o644))
	return a
}

// deleteAllButLaunched is the policy every scenario here shares: delete
// everything except the launched update and pinned rows.
type deleteAllButLaunched struct{}

func (deleteAllButLaunched) SelectUpdatesToDelete(all []*storage.Update, launched *storage.Update, _ storage.JSONObject) []*storage.Update {
	var toDelete []*storage.Update
	for _, u := range all {
		if u.ID != launched.ID && !u.Keep {
			toDelete = append(toDelete, u)
		}
	}
	return toDelete
}

var _ selection.Policy = deleteAllButLaunched{}

func TestReapDeletesObsoleteUpdatesAndKeepsSharedAssets(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	launched := addUpdate(t, store, storage.UpdateStatusReady, false, time.Now())
	embedded := addUpdate(t, store, storage.UpdateStatusEmbedded, false, time.Now().Add(time.Minute))

	shared := addAsset(t, store, dir, launched.ID, "k1", "shared.js")
	found, err := store.AddExistingAssetToUpdate(ctx, &storage.Asset{Key: shared.Key}, embedded.ID)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, ReapUnusedUpdates(ctx, testConfig(), store, dir, launched, deleteAllButLaunched{}))

	_, err = store.LoadUpdateByID(ctx, embedded.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.LoadUpdateByID(ctx, launched.ID)
	assert.NoError(t, err)

	// The shared asset survives with the launched update, row and file both.
	_, err = store.LoadAssetWithKey(ctx, "k1")
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "shared.js"))
	assert.NoError(t, err)
}

func TestReapDeletesUnreferencedAssetFiles(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	launched := addUpdate(t, store, storage.UpdateStatusReady, false, time.Now())
	addAsset(t, store, dir, launched.ID, "keep", "keep.js")

	obsolete := addUpdate(t, store, storage.UpdateStatusReady, false, time.Now().Add(-time.Hour))
	addAsset(t, store, dir, obsolete.ID, "drop", "drop.js")

	require.NoError(t, ReapUnusedUpdates(ctx, testConfig(), store, dir, launched, deleteAllButLaunched{}))

	_, err := os.Stat(filepath.Join(dir, "keep.js"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "drop.js"))
	assert.True(t, os.IsNotExist(err))
	_, err = store.LoadAssetWithKey(ctx, "drop")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReapIsIdempotent(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	launched := addUpdate(t, store, storage.UpdateStatusReady, false, time.Now())
	addAsset(t, store, dir, launched.ID, "keep", "keep.js")
	obsolete := addUpdate(t, store, storage.UpdateStatusReady, false, time.Now().Add(-time.Hour))
	addAsset(t, store, dir, obsolete.ID, "drop", "drop.js")

	cfg := testConfig()
	require.NoError(t, ReapUnusedUpdates(ctx, cfg, store, dir, launched, deleteAllButLaunched{}))
	require.NoError(t, ReapUnusedUpdates(ctx, cfg, store, dir, launched, deleteAllButLaunched{}))

	updates, err := store.LoadAllUpdates(ctx)
	require.NoError(t, err)
	assert.Len(t, updates, 1)
	assets, err := store.LoadAllAssets(ctx)
	require.NoError(t, err)
	assert.Len(t, assets, 1)
	_, err = os.Stat(filepath.Join(dir, "keep.js"))
	assert.NoError(t, err)
}

func TestReapWithoutLaunchedUpdateIsNoOp(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	update := addUpdate(t, store, storage.UpdateStatusReady, false, time.Now())

	require.NoError(t, ReapUnusedUpdates(ctx, testConfig(), store, dir, nil, deleteAllButLaunched{}))

	_, err := store.LoadUpdateByID(ctx, update.ID)
	assert.NoError(t, err)
}

func TestReapAcceptsUndeletableFileAsOrphan(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	launched := addUpdate(t, store, storage.UpdateStatusReady, false, time.Now())
	addAsset(t, store, dir, launched.ID, "keep", "keep.js")

	obsolete := addUpdate(t, store, storage.UpdateStatusReady, false, time.Now().Add(-time.Hour))
	stuck := &storage.Asset{
		Key:          stringPtr("stuck"),
		DownloadTime: time.Now(),
		RelativePath: stringPtr("stuck-dir"),
		HashType:     storage.HashTypeSHA1,
	}
	require.NoError(t, store.AddNewAssets(ctx, []*storage.Asset{stuck}, obsolete.ID))
	// A non-empty directory at the asset path makes os.Remove fail on both
	// attempts, standing in for an I/O error.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "stuck-dir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stuck-dir", "child"), []byte("x"), 0o644))

	require.NoError(t, ReapUnusedUpdates(ctx, testConfig(), store, dir, launched, deleteAllButLaunched{}))

	// The row is gone; the file stays behind as an accepted orphan.
	_, err := store.LoadAssetWithKey(ctx, "stuck")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = os.Stat(filepath.Join(dir, "stuck-dir", "child"))
	assert.NoError(t, err)
}

func stringPtr(s string) *string { return &s }
