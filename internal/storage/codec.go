package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// JSONObject is an opaque JSON document persisted as a TEXT column. A nil
// JSONObject stores as NULL. Malformed persisted JSON never surfaces as an
// error: it degrades to an empty document with a log line so that reads
// always make forward progress.
type JSONObject map[string]any

// Value implements driver.Valuer.
func (o JSONObject) Value() (driver.Value, error) {
	if o == nil {
		return nil, nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (o *JSONObject) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*o = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into JSONObject", src)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		log.WithField("error", err).Warn("malformed persisted JSON, substituting empty document")
		*o = JSONObject{}
		return nil
	}
	*o = m
	return nil
}

// statusCode maps an UpdateStatus to its persisted integer. The reserved
// values are explicit so removed statuses leave holes rather than getting
// reused.
var statusCode = map[UpdateStatus]int{
	UpdateStatusFailed:      0,
	UpdateStatusReady:       1,
	UpdateStatusLaunchable:  2,
	UpdateStatusPending:     3,
	UpdateStatusUnused:      4,
	UpdateStatusEmbedded:    5,
	UpdateStatusDevelopment: 6,
}

var statusFromCode = func() map[int]UpdateStatus {
	m := make(map[int]UpdateStatus, len(statusCode))
	for s, c := range statusCode {
		m[c] = s
	}
	return m
}()

// code returns the persisted integer for a status. Unknown statuses persist
// as Unused so a bad in-memory value can never corrupt a row.
func (s UpdateStatus) code() int {
	if c, ok := statusCode[s]; ok {
		return c
	}
	log.WithField("status", int(s)).Error("unknown update status, persisting as unused")
	return statusCode[UpdateStatusUnused]
}

// statusFromInt maps a persisted integer back to a status. Integers written
// by a newer version map to Unused rather than failing the read.
func statusFromInt(code int) UpdateStatus {
	if s, ok := statusFromCode[code]; ok {
		return s
	}
	log.WithField("code", code).Warn("unknown update status code, treating as unused")
	return UpdateStatusUnused
}

var hashTypeCode = map[HashType]int{
	HashTypeSHA1: 0,
}

var hashTypeFromCode = map[int]HashType{
	0: HashTypeSHA1,
}

func (h HashType) code() int {
	if c, ok := hashTypeCode[h]; ok {
		return c
	}
	return hashTypeCode[HashTypeSHA1]
}

func hashTypeFromInt(code int) HashType {
	if h, ok := hashTypeFromCode[code]; ok {
		return h
	}
	log.WithField("code", code).Warn("unknown hash type code, treating as sha1")
	return HashTypeSHA1
}

// uuidBytes returns the 16-byte BLOB representation of an update id.
func uuidBytes(id uuid.UUID) []byte {
	return id[:]
}

// uuidFromBytes parses a 16-byte BLOB column back into an id.
func uuidFromBytes(b []byte) (uuid.UUID, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid update id column: %w", err)
	}
	return id, nil
}

// Timestamps persist as integer Unix milliseconds, matching the wire format
// historical rows were written in.

func timeToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func timeFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
