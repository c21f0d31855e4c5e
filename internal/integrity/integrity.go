// Package integrity reconciles the store's belief about which asset files
// exist with what is actually on disk, and removes embedded-update rows
// that no longer match the binary. It runs on every cold start, after the
// build-data guard and before any reap.
package integrity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/otakit/otastore/internal/storage"
)

// Run checks every asset file on disk, marks updates referencing missing
// assets so no policy considers them launchable, and deletes embedded rows
// not matching embeddedUpdate (all of them when it is nil). The file
// existence checks run outside the store lock; only the row mutations run
// under it.
func Run(ctx context.Context, store *storage.Store, updatesDir string, embeddedUpdate *storage.Update) error {
	assets, err := store.LoadAllAssets(ctx)
	if err != nil {
		return fmt.Errorf("failed to load assets for integrity check: %w", err)
	}

	missing, err := missingAssets(ctx, updatesDir, assets)
	if err != nil {
		return err
	}

	store.Mu.Lock()
	defer store.Mu.Unlock()

	if len(missing) > 0 {
		for _, a := range missing {
			log.WithFields(log.Fields{"asset": a.ID, "path": relativePathString(a)}).
				Warn("asset content missing from disk")
		}
		if err := store.MarkUpdatesWithMissingAssets(ctx, missing); err != nil {
			return fmt.Errorf("failed to mark updates with missing assets: %w", err)
		}
	}

	return removeStaleEmbeddedUpdates(ctx, store, embeddedUpdate)
}

// missingAssets fans the existence checks out over a bounded worker group.
// A stat per asset is cheap but the directory can hold thousands of files.
func missingAssets(ctx context.Context, updatesDir string, assets []*storage.Asset) ([]*storage.Asset, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	var mu sync.Mutex
	var missing []*storage.Asset

	for _, asset := range assets {
		asset := asset
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if assetExists(updatesDir, asset) {
				return nil
			}
			mu.Lock()
			missing = append(missing, asset)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to check asset files: %w", err)
	}
	return missing, nil
}

func assetExists(updatesDir string, asset *storage.Asset) bool {
	if asset.RelativePath == nil {
		return false
	}
	_, err := os.Stat(filepath.Join(updatesDir, *asset.RelativePath))
	return err == nil
}

// removeStaleEmbeddedUpdates deletes every embedded-status row whose id
// does not match the update actually bundled into the current binary. At
// most one embedded row may validly exist at a time.
func removeStaleEmbeddedUpdates(ctx context.Context, store *storage.Store, embeddedUpdate *storage.Update) error {
	embeddedRows, err := store.LoadUpdatesWithStatus(ctx, storage.UpdateStatusEmbedded)
	if err != nil {
		return fmt.Errorf("failed to load embedded updates: %w", err)
	}

	var stale []*storage.Update
	for _, row := range embeddedRows {
		if embeddedUpdate == nil || row.ID != embeddedUpdate.ID {
			stale = append(stale, row)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	for _, u := range stale {
		log.WithField("update", u.ID).Warn("removing embedded update row not matching current binary")
	}
	if err := store.DeleteUpdates(ctx, stale); err != nil {
		return fmt.Errorf("failed to delete stale embedded updates: %w", err)
	}
	return nil
}

func relativePathString(a *storage.Asset) string {
	if a.RelativePath == nil {
		return ""
	}
	return *a.RelativePath
}
