package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const updateColumns = `"id", "scope_key", "commit_time", "runtime_version", "launch_asset_id", "manifest", "status", "keep", "last_accessed", "successful_launch_count", "failed_launch_count"`

// AddUpdate inserts a new update row. The (scope_key, commit_time) pair is
// unique; inserting a duplicate fails rather than silently creating a second
// row. New updates are inserted with keep set so they survive reaping until
// a policy explicitly selects them.
func (s *Store) AddUpdate(ctx context.Context, update *Update) error {
	query := `
		INSERT INTO updates (id, scope_key, commit_time, runtime_version, manifest, status, keep, last_accessed, successful_launch_count, failed_launch_count)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuidBytes(update.ID), update.ScopeKey, timeToMillis(update.CommitTime),
		update.RuntimeVersion, update.Manifest, update.Status.code(),
		timeToMillis(update.LastAccessed),
		update.SuccessfulLaunchCount, update.FailedLaunchCount)
	if err != nil {
		return fmt.Errorf("failed to insert update: %w", err)
	}
	update.Keep = true
	return nil
}

// LoadAllUpdates returns every update row.
func (s *Store) LoadAllUpdates(ctx context.Context) ([]*Update, error) {
	return s.queryUpdates(ctx, `SELECT `+updateColumns+` FROM updates`)
}

// LoadUpdatesWithStatus returns every update row with the given status.
func (s *Store) LoadUpdatesWithStatus(ctx context.Context, status UpdateStatus) ([]*Update, error) {
	return s.queryUpdates(ctx, `SELECT `+updateColumns+` FROM updates WHERE status = ?`, status.code())
}

// LoadUpdateByID returns the update with the given id, or ErrNotFound.
func (s *Store) LoadUpdateByID(ctx context.Context, id uuid.UUID) (*Update, error) {
	updates, err := s.queryUpdates(ctx, `SELECT `+updateColumns+` FROM updates WHERE id = ?`, uuidBytes(id))
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return nil, ErrNotFound
	}
	return updates[0], nil
}

// LoadLaunchableUpdates returns the updates the launcher may pick from: in
// scope, with a loadable status, and either never failed to launch or known
// to have launched successfully at least once.
func (s *Store) LoadLaunchableUpdates(ctx context.Context, scopeKey string) ([]*Update, error) {
	query := fmt.Sprintf(
		`SELECT `+updateColumns+` FROM updates WHERE scope_key = ? AND (successful_launch_count > 0 OR failed_launch_count < 1) AND status IN (%d, %d, %d)`,
		UpdateStatusReady.code(), UpdateStatusEmbedded.code(), UpdateStatusDevelopment.code())
	return s.queryUpdates(ctx, query, scopeKey)
}

// RecentUpdateIDsWithFailedLaunch returns the ids of the most recently
// committed updates that have failed to launch, for rollback policies.
func (s *Store) RecentUpdateIDsWithFailedLaunch(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM updates WHERE failed_launch_count > 0 ORDER BY commit_time DESC LIMIT 5`)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed launches: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan update id: %w", err)
		}
		id, err := uuidFromBytes(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteUpdates removes the given update rows and, via cascade, their join
// table entries in a single transaction.
func (s *Store) DeleteUpdates(ctx context.Context, updates []*Update) error {
	if len(updates) == 0 {
		return nil
	}
	return s.inTransaction(ctx, func(tx *sql.Tx) error {
		for _, u := range updates {
			if _, err := tx.ExecContext(ctx, `DELETE FROM updates WHERE id = ?`, uuidBytes(u.ID)); err != nil {
				return fmt.Errorf("failed to delete update %s: %w", u.ID, err)
			}
		}
		return nil
	})
}

// DeleteAllUpdates removes every update row. Used by the build-data guard's
// full wipe.
func (s *Store) DeleteAllUpdates(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM updates`); err != nil {
		return fmt.Errorf("failed to delete all updates: %w", err)
	}
	return nil
}

// MarkUpdatesWithMissingAssets moves every update referencing one of the
// given assets back to pending, so no policy downstream considers it
// launchable until the assets are re-downloaded.
func (s *Store) MarkUpdatesWithMissingAssets(ctx context.Context, assets []*Asset) error {
	if len(assets) == 0 {
		return nil
	}
	return s.inTransaction(ctx, func(tx *sql.Tx) error {
		query := `UPDATE updates SET status = ? WHERE id IN (SELECT DISTINCT update_id FROM updates_assets WHERE asset_id = ?)`
		for _, a := range assets {
			if _, err := tx.ExecContext(ctx, query, UpdateStatusPending.code(), a.ID); err != nil {
				return fmt.Errorf("failed to mark updates for missing asset %d: %w", a.ID, err)
			}
		}
		return nil
	})
}

// MarkUpdateFinished transitions an update to ready (development updates
// stay as they are) and pins it against the next reap.
func (s *Store) MarkUpdateFinished(ctx context.Context, update *Update) error {
	if update.Status != UpdateStatusDevelopment {
		update.Status = UpdateStatusReady
	}
	_, err := s.db.ExecContext(ctx, `UPDATE updates SET status = ?, keep = 1 WHERE id = ?`,
		update.Status.code(), uuidBytes(update.ID))
	if err != nil {
		return fmt.Errorf("failed to mark update finished: %w", err)
	}
	update.Keep = true
	return nil
}

// SetUpdateKeep pins or unpins an update. Pinned updates survive every reap
// regardless of policy.
func (s *Store) SetUpdateKeep(ctx context.Context, update *Update, keep bool) error {
	keepInt := 0
	if keep {
		keepInt = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE updates SET keep = ? WHERE id = ?`,
		keepInt, uuidBytes(update.ID))
	if err != nil {
		return fmt.Errorf("failed to set update keep flag: %w", err)
	}
	update.Keep = keep
	return nil
}

// MarkUpdateAccessed stamps the update's last-accessed time, the recency
// signal eviction policies consume.
func (s *Store) MarkUpdateAccessed(ctx context.Context, update *Update) error {
	update.LastAccessed = time.Now()
	_, err := s.db.ExecContext(ctx, `UPDATE updates SET last_accessed = ? WHERE id = ?`,
		timeToMillis(update.LastAccessed), uuidBytes(update.ID))
	if err != nil {
		return fmt.Errorf("failed to mark update accessed: %w", err)
	}
	return nil
}

// IncrementSuccessfulLaunchCount records one successful launch of an update.
func (s *Store) IncrementSuccessfulLaunchCount(ctx context.Context, update *Update) error {
	update.SuccessfulLaunchCount++
	_, err := s.db.ExecContext(ctx, `UPDATE updates SET successful_launch_count = ? WHERE id = ?`,
		update.SuccessfulLaunchCount, uuidBytes(update.ID))
	if err != nil {
		return fmt.Errorf("failed to increment successful launch count: %w", err)
	}
	return nil
}

// IncrementFailedLaunchCount records one failed launch of an update.
func (s *Store) IncrementFailedLaunchCount(ctx context.Context, update *Update) error {
	update.FailedLaunchCount++
	_, err := s.db.ExecContext(ctx, `UPDATE updates SET failed_launch_count = ? WHERE id = ?`,
		update.FailedLaunchCount, uuidBytes(update.ID))
	if err != nil {
		return fmt.Errorf("failed to increment failed launch count: %w", err)
	}
	return nil
}

func (s *Store) queryUpdates(ctx context.Context, query string, args ...any) ([]*Update, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query updates: %w", err)
	}
	defer rows.Close()

	var updates []*Update
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

func scanUpdate(rows *sql.Rows) (*Update, error) {
	var (
		u            Update
		rawID        []byte
		commitTime   int64
		launchAsset  sql.NullInt64
		status       int
		keep         int
		lastAccessed int64
	)
	err := rows.Scan(&rawID, &u.ScopeKey, &commitTime, &u.RuntimeVersion, &launchAsset,
		&u.Manifest, &status, &keep, &lastAccessed,
		&u.SuccessfulLaunchCount, &u.FailedLaunchCount)
	if err != nil {
		return nil, fmt.Errorf("failed to scan update row: %w", err)
	}

	u.ID, err = uuidFromBytes(rawID)
	if err != nil {
		return nil, err
	}
	u.CommitTime = timeFromMillis(commitTime)
	u.LastAccessed = timeFromMillis(lastAccessed)
	u.Status = statusFromInt(status)
	u.Keep = keep != 0
	if launchAsset.Valid {
		u.LaunchAssetID = &launchAsset.Int64
	}
	return &u, nil
}
