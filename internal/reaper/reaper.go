// Package reaper reclaims storage from updates a selection policy deems
// obsolete. It deletes their rows, removes now-unreferenced asset rows, and
// deletes the corresponding files, retrying each failed file deletion once.
package reaper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/otakit/otastore/internal/config"
	"github.com/otakit/otastore/internal/selection"
	"github.com/otakit/otastore/internal/storage"
)

// ReapUnusedUpdates runs one garbage collection cycle anchored on the
// currently launched update. With no launched update there is no anchor to
// define "unused" against, and the cycle aborts without touching anything.
//
// The database phases run under the store lock; file deletion does not, so
// a slow disk never blocks other store users. Database errors are fatal for
// the cycle. File deletion errors are not: after the retry pass, a file
// that still cannot be deleted is accepted as an orphan and logged, because
// its row is already gone and resurrecting rows for undeletable files would
// let them block every future reap.
func ReapUnusedUpdates(ctx context.Context, cfg *config.Configuration, store *storage.Store, updatesDir string, launchedUpdate *storage.Update, policy selection.Policy) error {
	if launchedUpdate == nil {
		log.Warn("skipping reap, no launched update to anchor on")
		return nil
	}

	assetsToDelete, err := deleteRows(ctx, cfg, store, launchedUpdate, policy)
	if err != nil {
		return err
	}

	deleteAssetFiles(updatesDir, assetsToDelete)
	return nil
}

// deleteRows performs the database half of the cycle: policy selection,
// update row deletion, and unused asset row deletion, all under the store
// lock so no other component observes the intermediate state.
func deleteRows(ctx context.Context, cfg *config.Configuration, store *storage.Store, launchedUpdate *storage.Update, policy selection.Policy) ([]*storage.Asset, error) {
	store.Mu.Lock()
	defer store.Mu.Unlock()

	allUpdates, err := store.LoadAllUpdates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load updates for reaping: %w", err)
	}

	manifestFilters, err := store.ManifestFilters(ctx, cfg.ScopeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest filters for reaping: %w", err)
	}

	toDelete := policy.SelectUpdatesToDelete(allUpdates, launchedUpdate, manifestFilters)
	if err := store.DeleteUpdates(ctx, toDelete); err != nil {
		return nil, fmt.Errorf("failed to delete updates: %w", err)
	}

	assetsToDelete, err := store.DeleteUnusedAssets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to delete unused assets: %w", err)
	}

	if len(toDelete) > 0 || len(assetsToDelete) > 0 {
		log.WithFields(log.Fields{"updates": len(toDelete), "assets": len(assetsToDelete)}).
			Info("reaped unused updates")
	}
	return assetsToDelete, nil
}

// deleteAssetFiles removes the files behind the deleted rows. Failures are
// collected and retried exactly once; what still fails becomes an orphaned
// file on disk, awaiting a future full-directory sweep.
func deleteAssetFiles(updatesDir string, assets []*storage.Asset) {
	var errored []*storage.Asset
	for _, asset := range assets {
		if !asset.MarkedForDeletion {
			// The store returned a row it does not consider unreferenced.
			log.WithField("asset", asset.ID).
				Error("asset reported deleted but not marked for deletion, leaving its file in place")
			continue
		}
		if !removeAssetFile(updatesDir, asset) {
			errored = append(errored, asset)
		}
	}

	for _, asset := range errored {
		if removeAssetFile(updatesDir, asset) {
			continue
		}
		log.WithFields(log.Fields{"asset": asset.ID, "path": assetPath(updatesDir, asset)}).
			Warn("could not delete asset file, leaving orphan on disk")
	}
}

func removeAssetFile(updatesDir string, asset *storage.Asset) bool {
	path := assetPath(updatesDir, asset)
	if path == "" {
		// No content on disk to reclaim.
		return true
	}
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return true
	}
	log.WithFields(log.Fields{"asset": asset.ID, "path": path, "error": err}).
		Warn("failed to delete asset file")
	return false
}

func assetPath(updatesDir string, asset *storage.Asset) string {
	if asset.RelativePath == nil {
		return ""
	}
	return filepath.Join(updatesDir, *asset.RelativePath)
}
