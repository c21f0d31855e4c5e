// Package selection defines the strategy interface deciding which updates
// are garbage, and the default filter-aware implementation used by the
// reaper. Policies only select; the reaper alone deletes.
package selection

import "github.com/otakit/otastore/internal/storage"

// Policy decides which updates to delete relative to the currently launched
// one. Implementations must never select launched itself.
type Policy interface {
	SelectUpdatesToDelete(all []*storage.Update, launched *storage.Update, filters storage.JSONObject) []*storage.Update
}

// ReaperPolicy keeps the launched update, every pinned (Keep) update, every
// update newer than the launched one (freshly downloaded, not yet
// launched), and the newest older filter-matching update as a rollback
// target. Older updates beyond the rollback target are garbage.
type ReaperPolicy struct{}

var _ Policy = ReaperPolicy{}

// SelectUpdatesToDelete implements Policy.
func (ReaperPolicy) SelectUpdatesToDelete(all []*storage.Update, launched *storage.Update, filters storage.JSONObject) []*storage.Update {
	if launched == nil {
		return nil
	}

	var candidates []*storage.Update
	var rollback *storage.Update
	for _, update := range all {
		if update.ID == launched.ID || update.Keep {
			continue
		}
		if !update.CommitTime.Before(launched.CommitTime) {
			// Newer than the launched update: downloaded but not launched
			// yet. It is never garbage relative to this anchor.
			continue
		}
		if MatchesFilters(update, filters) &&
			(rollback == nil || update.CommitTime.After(rollback.CommitTime)) {
			if rollback != nil {
				candidates = append(candidates, rollback)
			}
			rollback = update
			continue
		}
		candidates = append(candidates, update)
	}
	return candidates
}

// MatchesFilters reports whether an update satisfies the server's manifest
// filters. Filters compare against fields of the manifest's metadata
// object; a field the manifest doesn't carry passes, matching the server's
// own filter semantics.
func MatchesFilters(update *storage.Update, filters storage.JSONObject) bool {
	if len(filters) == 0 || update.Manifest == nil {
		return true
	}
	metadata, ok := update.Manifest["metadata"].(map[string]any)
	if !ok {
		return true
	}
	for key, wanted := range filters {
		actual, present := metadata[key]
		if present && actual != wanted {
			return false
		}
	}
	return true
}
