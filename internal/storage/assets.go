package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const assetColumns = `"id", "url", "key", "headers", "extra_request_headers", "type", "metadata", "download_time", "relative_path", "hash", "hash_type", "expected_hash", "marked_for_deletion"`

// assetColumnsQualified is assetColumns with every column prefixed for
// queries that join assets against updates, where a bare "id" is ambiguous.
// An explicit list rather than assets.*: migrated databases carry the
// columns in a different physical order than freshly created ones.
const assetColumnsQualified = `assets."id", assets."url", assets."key", assets."headers", assets."extra_request_headers", assets."type", assets."metadata", assets."download_time", assets."relative_path", assets."hash", assets."hash_type", assets."expected_hash", assets."marked_for_deletion"`

// AddNewAssets inserts the given assets and joins each of them to the update
// with the given id, all in one transaction. An asset flagged as the launch
// asset also becomes the update's entry bundle.
func (s *Store) AddNewAssets(ctx context.Context, assets []*Asset, updateID uuid.UUID) error {
	insertSQL := `
		INSERT OR REPLACE INTO assets (key, url, headers, extra_request_headers, type, metadata, download_time, relative_path, hash, hash_type, expected_hash, marked_for_deletion)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`
	return s.inTransaction(ctx, func(tx *sql.Tx) error {
		for _, a := range assets {
			res, err := tx.ExecContext(ctx, insertSQL,
				a.Key, a.URL, a.Headers, a.ExtraRequestHeaders, a.Type, a.Metadata,
				timeToMillis(a.DownloadTime), a.RelativePath, a.Hash, a.HashType.code(), a.ExpectedHash)
			if err != nil {
				return fmt.Errorf("failed to insert asset: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			a.ID = id

			if a.IsLaunchAsset {
				if _, err := tx.ExecContext(ctx, `UPDATE updates SET launch_asset_id = ? WHERE id = ?`,
					a.ID, uuidBytes(updateID)); err != nil {
					return fmt.Errorf("failed to set launch asset on update: %w", err)
				}
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO updates_assets (update_id, asset_id) VALUES (?, ?)`,
				uuidBytes(updateID), a.ID); err != nil {
				return fmt.Errorf("failed to join asset to update: %w", err)
			}
		}
		return nil
	})
}

// AddExistingAssetToUpdate joins an already-stored asset, found by its
// content-addressing key, to the update with the given id. It reports whether
// an asset with that key existed; the insert-or-replace on the join row makes
// the operation idempotent, which is what realizes content sharing: two
// updates referencing the same logical file by the same key reuse one row and
// one file on disk.
func (s *Store) AddExistingAssetToUpdate(ctx context.Context, asset *Asset, updateID uuid.UUID) (bool, error) {
	if asset.Key == nil {
		return false, nil
	}

	found := false
	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		var assetID int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM assets WHERE "key" = ? LIMIT 1`, *asset.Key).Scan(&assetID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up asset by key: %w", err)
		}
		found = true
		asset.ID = assetID

		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO updates_assets (update_id, asset_id) VALUES (?, ?)`,
			uuidBytes(updateID), assetID); err != nil {
			return fmt.Errorf("failed to join existing asset to update: %w", err)
		}
		if asset.IsLaunchAsset {
			if _, err := tx.ExecContext(ctx, `UPDATE updates SET launch_asset_id = ? WHERE id = ?`,
				assetID, uuidBytes(updateID)); err != nil {
				return fmt.Errorf("failed to set launch asset on update: %w", err)
			}
		}
		return nil
	})
	return found, err
}

// UpdateAsset overwrites the stored metadata for the asset with the given
// key with the values on asset.
func (s *Store) UpdateAsset(ctx context.Context, asset *Asset) error {
	query := `
		UPDATE assets SET headers = ?, extra_request_headers = ?, type = ?, metadata = ?, download_time = ?, relative_path = ?, hash = ?, expected_hash = ?, url = ?
		WHERE "key" = ?
	`
	_, err := s.db.ExecContext(ctx, query,
		asset.Headers, asset.ExtraRequestHeaders, asset.Type, asset.Metadata,
		timeToMillis(asset.DownloadTime), asset.RelativePath, asset.Hash, asset.ExpectedHash,
		asset.URL, asset.Key)
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", err)
	}
	return nil
}

// MergeAsset reconciles a freshly downloaded asset with its existing row.
// Fields the download can improve (origin URL, extra request headers) are
// written back; everything else on the incoming asset is overridden by the
// database values, which are authoritative for content already on disk.
func (s *Store) MergeAsset(ctx context.Context, asset, existing *Asset) error {
	shouldUpdate := false

	// an existing entry from an embedded bundle may have no URL on record
	if asset.URL != nil && (existing.URL == nil || *asset.URL != *existing.URL) {
		existing.URL = asset.URL
		shouldUpdate = true
	}
	if asset.ExtraRequestHeaders != nil && !JSONObjectsEqual(asset.ExtraRequestHeaders, existing.ExtraRequestHeaders) {
		existing.ExtraRequestHeaders = asset.ExtraRequestHeaders
		shouldUpdate = true
	}
	if shouldUpdate {
		if err := s.UpdateAsset(ctx, existing); err != nil {
			return err
		}
	}

	asset.ID = existing.ID
	asset.RelativePath = existing.RelativePath
	asset.Hash = existing.Hash
	asset.ExpectedHash = existing.ExpectedHash
	asset.DownloadTime = existing.DownloadTime
	return nil
}

// LoadAllAssets returns every asset row.
func (s *Store) LoadAllAssets(ctx context.Context) ([]*Asset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+assetColumns+` FROM assets`)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()
	return collectAssets(rows, nil)
}

// LoadAssetsForUpdate returns the file set of one update, with IsLaunchAsset
// set on the update's entry bundle.
func (s *Store) LoadAssetsForUpdate(ctx context.Context, updateID uuid.UUID) ([]*Asset, error) {
	query := `
		SELECT ` + assetColumnsQualified + `, updates.launch_asset_id
		FROM assets
		INNER JOIN updates_assets ON updates_assets.asset_id = assets.id
		INNER JOIN updates ON updates_assets.update_id = updates.id
		WHERE updates.id = ?
	`
	rows, err := s.db.QueryContext(ctx, query, uuidBytes(updateID))
	if err != nil {
		return nil, fmt.Errorf("failed to query assets for update: %w", err)
	}
	defer rows.Close()

	var assets []*Asset
	for rows.Next() {
		var launchAssetID sql.NullInt64
		a, err := scanAsset(rows, &launchAssetID)
		if err != nil {
			return nil, err
		}
		a.IsLaunchAsset = launchAssetID.Valid && launchAssetID.Int64 == a.ID
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// LoadAssetWithKey returns the asset with the given content-addressing key,
// or ErrNotFound.
func (s *Store) LoadAssetWithKey(ctx context.Context, key string) (*Asset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE "key" = ? LIMIT 1`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query asset by key: %w", err)
	}
	defer rows.Close()

	assets, err := collectAssets(rows, nil)
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, ErrNotFound
	}
	return assets[0], nil
}

// DeleteUnusedAssets atomically removes every asset no longer referenced by
// any surviving update and returns exactly the rows it removed, so the
// caller can delete the corresponding files. The simplest way to find them
// is to mark every asset for deletion, then unmark the ones still joined to
// a surviving update; that is safe only inside a single transaction,
// which also guarantees a crash mid-operation never leaves the join table
// and the asset rows disagreeing.
func (s *Store) DeleteUnusedAssets(ctx context.Context) ([]*Asset, error) {
	var deleted []*Asset
	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE assets SET marked_for_deletion = 1`); err != nil {
			return fmt.Errorf("failed to mark assets for deletion: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE assets SET marked_for_deletion = 0 WHERE id IN (
				SELECT asset_id FROM updates_assets
			)`); err != nil {
			return fmt.Errorf("failed to unmark referenced assets: %w", err)
		}
		// duplicate rows can share a single file on disk
		if _, err := tx.ExecContext(ctx, `
			UPDATE assets SET marked_for_deletion = 0 WHERE relative_path IN (
				SELECT relative_path FROM assets WHERE marked_for_deletion = 0
			)`); err != nil {
			return fmt.Errorf("failed to unmark shared-path assets: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE marked_for_deletion = 1`)
		if err != nil {
			return fmt.Errorf("failed to select marked assets: %w", err)
		}
		deleted, err = collectAssets(rows, rows.Close)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM assets WHERE marked_for_deletion = 1`); err != nil {
			return fmt.Errorf("failed to delete marked assets: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// collectAssets drains rows into assets. closer, when non-nil, is invoked
// after draining (for use inside transactions, where the rows must be closed
// before the next statement).
func collectAssets(rows *sql.Rows, closer func() error) ([]*Asset, error) {
	var assets []*Asset
	for rows.Next() {
		a, err := scanAsset(rows, nil)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if closer != nil {
		if err := closer(); err != nil {
			return nil, err
		}
	}
	return assets, nil
}

// scanAsset scans one asset row. extra, when non-nil, receives a trailing
// column beyond the standard asset column set.
func scanAsset(rows *sql.Rows, extra *sql.NullInt64) (*Asset, error) {
	var (
		a            Asset
		url          sql.NullString
		key          sql.NullString
		typ          sql.NullString
		downloadTime int64
		relativePath sql.NullString
		hash         sql.NullString
		hashType     int
		expectedHash sql.NullString
		marked       int
	)
	dest := []any{&a.ID, &url, &key, &a.Headers, &a.ExtraRequestHeaders, &typ, &a.Metadata,
		&downloadTime, &relativePath, &hash, &hashType, &expectedHash, &marked}
	if extra != nil {
		dest = append(dest, extra)
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan asset row: %w", err)
	}

	if url.Valid {
		a.URL = &url.String
	}
	if key.Valid {
		a.Key = &key.String
	}
	if typ.Valid {
		a.Type = &typ.String
	}
	if relativePath.Valid {
		a.RelativePath = &relativePath.String
	}
	if hash.Valid {
		a.Hash = &hash.String
	}
	if expectedHash.Valid {
		a.ExpectedHash = &expectedHash.String
	}
	a.DownloadTime = timeFromMillis(downloadTime)
	a.HashType = hashTypeFromInt(hashType)
	a.MarkedForDeletion = marked != 0
	return &a, nil
}
