package storage

import (
	"time"

	"github.com/google/uuid"
)

// UpdateStatus is the lifecycle state of an update row. Values are persisted
// as integers and must never be renumbered; removing a status leaves a hole
// so that old rows stay interpretable.
type UpdateStatus int

const (
	// UpdateStatusFailed marks an update whose download or launch failed.
	UpdateStatusFailed UpdateStatus = 0
	// UpdateStatusReady marks a fully downloaded update eligible for launch.
	UpdateStatusReady UpdateStatus = 1
	// UpdateStatusLaunchable is a legacy value retained for old rows.
	UpdateStatusLaunchable UpdateStatus = 2
	// UpdateStatusPending marks an update still downloading, or one whose
	// assets were found missing on disk by the integrity check.
	UpdateStatusPending UpdateStatus = 3
	// UpdateStatusUnused is a legacy value, also the safe fallback when a
	// newer writer has persisted a status this reader doesn't know.
	UpdateStatusUnused UpdateStatus = 4
	// UpdateStatusEmbedded is reserved for the update bundled into the
	// binary at build time. At most one valid row carries it.
	UpdateStatusEmbedded UpdateStatus = 5
	// UpdateStatusDevelopment marks an update created by a development server.
	UpdateStatusDevelopment UpdateStatus = 6
)

// HashType identifies the content hash algorithm of an asset.
type HashType int

// HashTypeSHA1 is currently the only supported hash algorithm.
const HashTypeSHA1 HashType = 0

// Update is one downloaded manifest/bundle tracked by the store.
type Update struct {
	ID                    uuid.UUID
	ScopeKey              string
	CommitTime            time.Time
	RuntimeVersion        string
	LaunchAssetID         *int64
	Manifest              JSONObject
	Status                UpdateStatus
	Keep                  bool
	LastAccessed          time.Time
	SuccessfulLaunchCount int
	FailedLaunchCount     int
}

// Asset is one physical file on disk, potentially shared by many updates.
// A nil Key means the asset cannot be deduplicated across updates. A nil
// RelativePath means the content is not actually present on disk.
type Asset struct {
	ID                  int64
	URL                 *string
	Key                 *string
	Headers             JSONObject
	ExtraRequestHeaders JSONObject
	Type                *string
	Metadata            JSONObject
	DownloadTime        time.Time
	RelativePath        *string
	Hash                *string
	HashType            HashType
	ExpectedHash        *string
	MarkedForDeletion   bool

	// IsLaunchAsset is set when the asset was loaded in the context of a
	// particular update and is that update's entry bundle. It is derived
	// from updates.launch_asset_id and not stored on the asset row.
	IsLaunchAsset bool
}
