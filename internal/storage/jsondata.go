package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// JSONDataKey names an entry in the json_data key/value table. Entries are
// scoped by (key, scope_key).
type JSONDataKey string

const (
	// ManifestFiltersKey holds the server's manifest filters, consumed by
	// selection policies.
	ManifestFiltersKey JSONDataKey = "manifestFilters"
	// ServerDefinedHeadersKey holds headers the server asked to be echoed on
	// future requests.
	ServerDefinedHeadersKey JSONDataKey = "serverDefinedHeaders"
	// StaticBuildDataKey holds the build fingerprint persisted by the
	// build-data consistency guard.
	StaticBuildDataKey JSONDataKey = "staticBuildData"
	// ExtraParamsKey holds client-set parameters attached to update requests.
	ExtraParamsKey JSONDataKey = "extraParams"
)

// JSONData returns the document stored under (key, scopeKey), or nil when
// none is stored.
func (s *Store) JSONData(ctx context.Context, key JSONDataKey, scopeKey string) (JSONObject, error) {
	var value JSONObject
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM json_data WHERE "key" = ? AND "scope_key" = ?`,
		string(key), scopeKey).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read json data %q: %w", key, err)
	}
	return value, nil
}

// SetJSONData replaces the document stored under (key, scopeKey).
func (s *Store) SetJSONData(ctx context.Context, key JSONDataKey, scopeKey string, data JSONObject) error {
	return s.inTransaction(ctx, func(tx *sql.Tx) error {
		return setJSONDataInTx(ctx, tx, key, scopeKey, data)
	})
}

func setJSONDataInTx(ctx context.Context, tx *sql.Tx, key JSONDataKey, scopeKey string, data JSONObject) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM json_data WHERE "key" = ? AND "scope_key" = ?`, string(key), scopeKey); err != nil {
		return fmt.Errorf("failed to clear json data %q: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO json_data ("key", "value", "last_updated", "scope_key") VALUES (?, ?, ?, ?)`,
		string(key), data, timeToMillis(time.Now()), scopeKey); err != nil {
		return fmt.Errorf("failed to write json data %q: %w", key, err)
	}
	return nil
}

// DeleteJSONDataForAllScopes removes the given keys across every scope.
func (s *Store) DeleteJSONDataForAllScopes(ctx context.Context, keys []JSONDataKey) error {
	return s.inTransaction(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx, `DELETE FROM json_data WHERE "key" = ?`, string(key)); err != nil {
				return fmt.Errorf("failed to delete json data %q: %w", key, err)
			}
		}
		return nil
	})
}

// SetUpdateMetadata stores the manifest filters and server-defined headers
// from a manifest response in one transaction, so a crash between the two
// writes cannot leave them out of step.
func (s *Store) SetUpdateMetadata(ctx context.Context, scopeKey string, filters, headers JSONObject) error {
	return s.inTransaction(ctx, func(tx *sql.Tx) error {
		if filters != nil {
			if err := setJSONDataInTx(ctx, tx, ManifestFiltersKey, scopeKey, filters); err != nil {
				return err
			}
		}
		if headers != nil {
			if err := setJSONDataInTx(ctx, tx, ServerDefinedHeadersKey, scopeKey, headers); err != nil {
				return err
			}
		}
		return nil
	})
}

// ManifestFilters returns the stored manifest filters for a scope.
func (s *Store) ManifestFilters(ctx context.Context, scopeKey string) (JSONObject, error) {
	return s.JSONData(ctx, ManifestFiltersKey, scopeKey)
}

// SetManifestFilters stores manifest filters for a scope.
func (s *Store) SetManifestFilters(ctx context.Context, scopeKey string, filters JSONObject) error {
	return s.SetJSONData(ctx, ManifestFiltersKey, scopeKey, filters)
}

// ServerDefinedHeaders returns the stored server-defined headers for a scope.
func (s *Store) ServerDefinedHeaders(ctx context.Context, scopeKey string) (JSONObject, error) {
	return s.JSONData(ctx, ServerDefinedHeadersKey, scopeKey)
}

// SetServerDefinedHeaders stores server-defined headers for a scope.
func (s *Store) SetServerDefinedHeaders(ctx context.Context, scopeKey string, headers JSONObject) error {
	return s.SetJSONData(ctx, ServerDefinedHeadersKey, scopeKey, headers)
}

// StaticBuildData returns the persisted build fingerprint for a scope.
func (s *Store) StaticBuildData(ctx context.Context, scopeKey string) (JSONObject, error) {
	return s.JSONData(ctx, StaticBuildDataKey, scopeKey)
}

// SetStaticBuildData persists the build fingerprint for a scope.
func (s *Store) SetStaticBuildData(ctx context.Context, scopeKey string, data JSONObject) error {
	return s.SetJSONData(ctx, StaticBuildDataKey, scopeKey, data)
}

// ExtraParams returns the client-set extra parameters for a scope as a flat
// string map.
func (s *Store) ExtraParams(ctx context.Context, scopeKey string) (map[string]string, error) {
	obj, err := s.JSONData(ctx, ExtraParamsKey, scopeKey)
	if err != nil {
		return nil, err
	}
	params := make(map[string]string, len(obj))
	for k, v := range obj {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("extra param %q is not a string", k)
		}
		params[k] = str
	}
	return params, nil
}

// SetExtraParam sets (or, with a nil value, removes) one extra parameter for
// a scope. The read-modify-write runs in a single transaction.
func (s *Store) SetExtraParam(ctx context.Context, scopeKey, key string, value *string) error {
	return s.inTransaction(ctx, func(tx *sql.Tx) error {
		var stored JSONObject
		err := tx.QueryRowContext(ctx,
			`SELECT value FROM json_data WHERE "key" = ? AND "scope_key" = ?`,
			string(ExtraParamsKey), scopeKey).Scan(&stored)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to read extra params: %w", err)
		}
		if stored == nil {
			stored = JSONObject{}
		}
		for k, v := range stored {
			if _, ok := v.(string); !ok {
				return fmt.Errorf("extra param %q is not a string", k)
			}
		}
		if value != nil {
			stored[key] = *value
		} else {
			delete(stored, key)
		}
		return setJSONDataInTx(ctx, tx, ExtraParamsKey, scopeKey, stored)
	})
}

// JSONObjectsEqual reports deep equality of two documents by comparing
// their canonical encodings (json.Marshal sorts object keys).
func JSONObjectsEqual(a, b JSONObject) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
