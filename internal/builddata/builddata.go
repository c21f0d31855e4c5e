// Package builddata guards against a rebuilt binary reusing updates that
// were cached under a different build configuration. The remote URL, the
// request headers, and the embedded-update flag are baked into the binary;
// if any of them changed since the last run, cached updates may have been
// fetched under assumptions (auth, channel) that no longer hold, and the
// only safe response is to drop them all.
package builddata

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/otakit/otastore/internal/config"
	"github.com/otakit/otastore/internal/storage"
)

// Fingerprint derives the build fingerprint document from a configuration.
// Fields that might be absent in fingerprints persisted by older binaries
// are merged over defaults, so adding a field to the fingerprint schema
// never triggers a spurious wipe on upgrade.
func Fingerprint(cfg *config.Configuration) storage.JSONObject {
	return normalize(storage.JSONObject{
		"updateUrl":         cfg.UpdateURL,
		"requestHeaders":    headerDoc(cfg.RequestHeaders),
		"hasEmbeddedUpdate": cfg.HasEmbeddedUpdate,
	})
}

func headerDoc(headers map[string]string) map[string]any {
	doc := make(map[string]any, len(headers))
	for k, v := range headers {
		doc[k] = v
	}
	return doc
}

// defaultFingerprint supplies a value for every fingerprint field, applied
// under both the stored and the freshly computed document before comparison.
var defaultFingerprint = storage.JSONObject{
	"updateUrl":         "",
	"requestHeaders":    map[string]any{},
	"hasEmbeddedUpdate": false,
}

func normalize(doc storage.JSONObject) storage.JSONObject {
	merged := storage.JSONObject{}
	for k, v := range defaultFingerprint {
		merged[k] = v
	}
	for k, v := range doc {
		merged[k] = v
	}
	return merged
}

// EnsureConsistent compares the current build fingerprint against the one
// persisted on the last run and wipes the store on mismatch. The wipe and
// the fingerprint rewrite run as one logical operation under the store
// lock, so a concurrent reaper can never observe the half-wiped state.
//
// This check is best effort. Every failure is logged and swallowed: app
// startup must never block on it, and proceeding without verifying is
// strictly better than not starting at all.
func EnsureConsistent(ctx context.Context, store *storage.Store, cfg *config.Configuration) {
	store.Mu.Lock()
	defer store.Mu.Unlock()

	current := Fingerprint(cfg)

	stored, err := store.StaticBuildData(ctx, cfg.ScopeKey)
	if err != nil {
		log.WithField("error", err).Error("failed to read stored build data, skipping consistency check")
		return
	}
	if stored == nil {
		// First run with this scope.
		if err := store.SetStaticBuildData(ctx, cfg.ScopeKey, current); err != nil {
			log.WithField("error", err).Error("failed to persist initial build data")
		}
		return
	}

	if storage.JSONObjectsEqual(normalize(stored), current) {
		return
	}

	log.WithField("scopeKey", cfg.ScopeKey).
		Warn("build configuration changed since last run, clearing all cached updates")
	if err := wipe(ctx, store, cfg.ScopeKey, current); err != nil {
		log.WithField("error", err).Error("failed to clear updates after build data change")
	}
}

func wipe(ctx context.Context, store *storage.Store, scopeKey string, fingerprint storage.JSONObject) error {
	if err := store.DeleteAllUpdates(ctx); err != nil {
		return err
	}
	// Manifest filters and server headers were issued for the old
	// configuration and would poison selection under the new one.
	keys := []storage.JSONDataKey{storage.ManifestFiltersKey, storage.ServerDefinedHeadersKey}
	if err := store.DeleteJSONDataForAllScopes(ctx, keys); err != nil {
		return err
	}
	return store.SetStaticBuildData(ctx, scopeKey, fingerprint)
}
